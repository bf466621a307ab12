// Package engine is the SIP side of the B2BUA: it owns the signalling UDP
// socket, parses and validates inbound datagrams, and drives the registrar,
// call manager and RTP relay through the REGISTER/INVITE/ACK/BYE flows.
package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/sebas/minipbx/internal/call"
	"github.com/sebas/minipbx/internal/registrar"
	"github.com/sebas/minipbx/internal/rtp"
	"github.com/sebas/minipbx/internal/sipmsg"
	"github.com/sebas/minipbx/internal/validate"
)

// Config holds the engine's network identity and defaults.
type Config struct {
	// SIPHost and SIPPort bind the signalling socket.
	SIPHost string
	SIPPort int
	// ServerAddress is inserted into Via headers, rewritten Contact
	// headers and SDP bodies.
	ServerAddress string
	// RTPPort is the relay's media port, substituted into SDP bodies.
	RTPPort int
	// DefaultExpires applies when a REGISTER carries no Expires header.
	DefaultExpires time.Duration
}

// Engine dispatches SIP datagrams to the per-method handlers.
type Engine struct {
	cfg  Config
	conn *net.UDPConn

	validator *validate.Validator
	users     *registrar.Registrar
	calls     *call.Manager
	relay     *rtp.Relay
}

// New binds the SIP socket and wires the engine's collaborators.
func New(cfg Config, v *validate.Validator, users *registrar.Registrar, calls *call.Manager, relay *rtp.Relay) (*Engine, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(cfg.SIPHost), Port: cfg.SIPPort})
	if err != nil {
		return nil, fmt.Errorf("failed to bind SIP socket on %s:%d: %w", cfg.SIPHost, cfg.SIPPort, err)
	}
	// With port 0 the kernel picks; advertise what was actually bound.
	cfg.SIPPort = conn.LocalAddr().(*net.UDPAddr).Port

	return &Engine{
		cfg:       cfg,
		conn:      conn,
		validator: v,
		users:     users,
		calls:     calls,
		relay:     relay,
	}, nil
}

// LocalPort returns the bound SIP port.
func (e *Engine) LocalPort() int {
	return e.conn.LocalAddr().(*net.UDPAddr).Port
}

// Serve runs the datagram loop until Close is called. Messages are handled
// in receipt order; handlers do no blocking I/O beyond socket sends.
func (e *Engine) Serve() {
	slog.Info("[SIP] Listening", "addr", e.conn.LocalAddr().String())
	buf := make([]byte, 65535)
	for {
		n, src, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Warn("[SIP] Read error", "error", err)
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		e.handleDatagram(data, src)
	}
}

// Close shuts the signalling socket down, stopping Serve.
func (e *Engine) Close() error {
	return e.conn.Close()
}

// handleDatagram parses and dispatches one datagram. A panic in a handler
// is answered with 500 when enough headers survive to build a reply, so one
// bad flow cannot take the loop down.
func (e *Engine) handleDatagram(data []byte, src *net.UDPAddr) {
	msg, err := sipmsg.Parse(data)
	if err != nil {
		slog.Warn("[SIP] Dropping malformed datagram", "src", src.String(), "error", err)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("[SIP] Handler panic", "src", src.String(), "panic", r)
			if msg.IsRequest() && msg.Has(sipmsg.HeaderCallID) {
				e.respond(src, e.buildResponse(500, msg))
			}
		}
	}()

	if msg.IsResponse() {
		e.handleResponse(msg, src)
		return
	}

	slog.Debug("[SIP] Request", "method", msg.Method, "src", src.String(), "call_id", msg.Get(sipmsg.HeaderCallID))
	switch msg.Method {
	case sipmsg.MethodRegister:
		e.handleRegister(msg, src)
	case sipmsg.MethodInvite:
		e.handleInvite(msg, src)
	case sipmsg.MethodAck:
		e.handleAck(msg, src)
	case sipmsg.MethodBye:
		e.handleBye(msg, src)
	default:
		slog.Warn("[SIP] Unsupported method", "method", msg.Method, "src", src.String())
	}
}

// buildResponse creates a response echoing the request's top Via and its
// From/To/Call-ID/CSeq, in that order.
func (e *Engine) buildResponse(status int, req *sipmsg.Message) *sipmsg.Message {
	resp := &sipmsg.Message{StatusCode: status, Reason: sipmsg.ReasonPhrase(status)}
	for _, name := range []string{sipmsg.HeaderVia, sipmsg.HeaderFrom, sipmsg.HeaderTo, sipmsg.HeaderCallID, sipmsg.HeaderCSeq} {
		if v := req.Get(name); v != "" {
			resp.Add(name, v)
		}
	}
	return resp
}

// respond serializes and sends a message to dst.
func (e *Engine) respond(dst *net.UDPAddr, msg *sipmsg.Message) {
	if _, err := e.conn.WriteToUDP(msg.Serialize(), dst); err != nil {
		slog.Warn("[SIP] Send failed", "dst", dst.String(), "error", err)
	}
}

// send serializes and sends a message to a signalling transport.
func (e *Engine) send(t call.Transport, msg *sipmsg.Message) {
	ip := net.ParseIP(t.Addr)
	if ip == nil {
		slog.Warn("[SIP] Invalid transport address", "addr", t.Addr)
		return
	}
	e.respond(&net.UDPAddr{IP: ip, Port: t.Port}, msg)
}

// serverVia is the Via header value this server inserts on forwarded
// requests.
func (e *Engine) serverVia() string {
	return fmt.Sprintf("SIP/2.0/UDP %s:%d", e.cfg.ServerAddress, e.cfg.SIPPort)
}

// transportOf converts a datagram source to a signalling transport.
func transportOf(src *net.UDPAddr) call.Transport {
	return call.Transport{Addr: src.IP.String(), Port: src.Port}
}
