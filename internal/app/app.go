// Package app assembles the server: registrar, call manager, RTP relay,
// SIP engine and admin API, plus the cleanup ticker and shutdown handling.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sebas/minipbx/internal/api"
	"github.com/sebas/minipbx/internal/call"
	"github.com/sebas/minipbx/internal/config"
	"github.com/sebas/minipbx/internal/engine"
	"github.com/sebas/minipbx/internal/registrar"
	"github.com/sebas/minipbx/internal/rtp"
	"github.com/sebas/minipbx/internal/validate"
)

// App owns every long-lived component of the server.
type App struct {
	cfg    *config.Config
	users  *registrar.Registrar
	calls  *call.Manager
	relay  *rtp.Relay
	engine *engine.Engine
	api    *api.Server
}

// New wires all components from the configuration.
func New(cfg *config.Config) (*App, error) {
	users := registrar.New(cfg.CleanupInterval)
	calls := call.NewManager(cfg.CallSetupTimeout)
	validator := validate.New(cfg.ExtMin, cfg.ExtMax)

	relay, err := rtp.NewRelay(cfg.RTPHost, cfg.RTPPort)
	if err != nil {
		users.Close()
		return nil, err
	}

	eng, err := engine.New(engine.Config{
		SIPHost:        cfg.SIPHost,
		SIPPort:        cfg.SIPPort,
		ServerAddress:  cfg.ServerAddress,
		RTPPort:        cfg.RTPPort,
		DefaultExpires: cfg.RegistrationTimeout,
	}, validator, users, calls, relay)
	if err != nil {
		users.Close()
		_ = relay.Close()
		return nil, err
	}

	apiServer := api.NewServer(fmt.Sprintf(":%d", cfg.HTTPPort), users, calls, relay, cfg.ExtMin, cfg.ExtMax)

	return &App{
		cfg:    cfg,
		users:  users,
		calls:  calls,
		relay:  relay,
		engine: eng,
		api:    apiServer,
	}, nil
}

// Run starts the SIP and RTP loops, the admin API and the cleanup ticker,
// then blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	go a.relay.Serve()
	go a.engine.Serve()
	a.api.Start()
	go a.cleanupLoop(ctx)

	<-ctx.Done()
	return a.shutdown()
}

// cleanupLoop times out dialogs stuck in setup. Registrar expiry runs on
// the TTL store's own sweep.
func (a *App) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, callID := range a.calls.Cleanup() {
				a.relay.RemoveCallStreams(callID)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (a *App) shutdown() error {
	slog.Info("[App] Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.api.Shutdown(shutdownCtx); err != nil {
		slog.Warn("[App] API shutdown error", "error", err)
	}

	if err := a.engine.Close(); err != nil {
		slog.Warn("[App] SIP socket close error", "error", err)
	}
	if err := a.relay.Close(); err != nil {
		slog.Warn("[App] RTP socket close error", "error", err)
	}
	a.users.Close()
	return nil
}
