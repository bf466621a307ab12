// Package api exposes the read-only administration and statistics API over
// HTTP, plus the few mutators (unregister, clear calls, clear users).
package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sebas/minipbx/internal/call"
	"github.com/sebas/minipbx/internal/registrar"
	"github.com/sebas/minipbx/internal/rtp"
)

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router     *chi.Mux
	httpServer *http.Server

	users *registrar.Registrar
	calls *call.Manager
	relay *rtp.Relay

	extMin    int
	extMax    int
	startTime time.Time
}

// NewServer creates the admin API server listening on addr.
func NewServer(addr string, users *registrar.Registrar, calls *call.Manager, relay *rtp.Relay, extMin, extMax int) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		users:     users,
		calls:     calls,
		relay:     relay,
		extMin:    extMin,
		extMax:    extMax,
		startTime: time.Now(),
	}
	s.routes()
	s.httpServer = &http.Server{Addr: addr, Handler: s.router}
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// routes configures middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/stats", s.handleStats)
		r.Get("/extensions", s.handleExtensions)

		r.Route("/users", func(r chi.Router) {
			r.Get("/", s.handleUsers)
			r.Delete("/", s.handleClearUsers)
			r.Delete("/{number}", s.handleUnregister)
		})

		r.Route("/calls", func(r chi.Router) {
			r.Get("/", s.handleCalls)
			r.Delete("/", s.handleClearCalls)
			r.Get("/history", s.handleCallHistory)
		})

		r.Get("/registrations/history", s.handleRegistrationHistory)
		r.Get("/streams", s.handleStreams)
	})
}

// Start begins listening in the background.
func (s *Server) Start() {
	slog.Info("[API] Listening", "addr", s.httpServer.Addr)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("[API] Server error", "error", err)
		}
	}()
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"uptime_seconds":      int(time.Since(s.startTime).Seconds()),
		"registered_users":    s.users.Count(),
		"total_registrations": s.users.TotalRegistrations(),
		"calls":               s.calls.Statistics(),
		"rtp":                 s.relay.Statistics(),
	})
}

func (s *Server) handleExtensions(w http.ResponseWriter, r *http.Request) {
	extensions := make([]map[string]any, 0, s.extMax-s.extMin+1)
	for n := s.extMin; n <= s.extMax; n++ {
		number := strconv.Itoa(n)
		ext := map[string]any{
			"number":     number,
			"registered": s.users.IsRegistered(number),
			"busy":       s.calls.IsNumberBusy(number),
		}
		extensions = append(extensions, ext)
	}
	writeJSON(w, http.StatusOK, extensions)
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.users.All())
}

func (s *Server) handleUnregister(w http.ResponseWriter, r *http.Request) {
	number := chi.URLParam(r, "number")
	if !s.users.Unregister(number) {
		writeError(w, http.StatusNotFound, "no binding for extension "+number)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"unregistered": number})
}

func (s *Server) handleClearUsers(w http.ResponseWriter, r *http.Request) {
	n := s.users.Clear()
	writeJSON(w, http.StatusOK, map[string]any{"cleared": n})
}

func (s *Server) handleCalls(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.calls.ActiveCalls())
}

func (s *Server) handleClearCalls(w http.ResponseWriter, r *http.Request) {
	n := s.calls.Clear()
	writeJSON(w, http.StatusOK, map[string]any{"cleared": n})
}

func (s *Server) handleCallHistory(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	writeJSON(w, http.StatusOK, s.calls.History(limit, offset))
}

func (s *Server) handleRegistrationHistory(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	writeJSON(w, http.StatusOK, s.users.History(limit, offset))
}

func (s *Server) handleStreams(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.relay.Streams())
}

func pagination(r *http.Request) (limit, offset int) {
	limit = 100
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v >= 0 {
		offset = v
	}
	return limit, offset
}
