package engine

import (
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/sebas/minipbx/internal/call"
	"github.com/sebas/minipbx/internal/sdp"
	"github.com/sebas/minipbx/internal/sipmsg"
)

// handleInvite routes a call between two registered extensions: it creates
// the dialog, answers 100 Trying upstream, rewrites the SDP offer to point
// at the relay and forwards the INVITE to the callee's binding.
func (e *Engine) handleInvite(msg *sipmsg.Message, src *net.UDPAddr) {
	if res := e.validator.CheckInvite(msg); !res.OK() {
		slog.Warn("[INVITE] Validation failed", "src", src.String(), "errors", res.Error())
		e.respond(src, e.buildResponse(400, msg))
		return
	}

	from, errFrom := e.validator.ParseAddress(msg.Get(sipmsg.HeaderFrom))
	to, errTo := e.validator.ParseAddress(msg.Get(sipmsg.HeaderTo))
	if errFrom != nil || errTo != nil {
		e.respond(src, e.buildResponse(400, msg))
		return
	}

	if !e.users.IsRegistered(from.Number) || !e.users.IsRegistered(to.Number) {
		slog.Info("[INVITE] Party not registered", "from", from.Number, "to", to.Number)
		e.respond(src, e.buildResponse(404, msg))
		return
	}
	if e.calls.IsNumberBusy(to.Number) {
		slog.Info("[INVITE] Callee busy", "to", to.Number)
		e.respond(src, e.buildResponse(486, msg))
		return
	}

	callID := msg.Get(sipmsg.HeaderCallID)
	binding, ok := e.users.Lookup(to.Number)
	if !ok {
		e.respond(src, e.buildResponse(404, msg))
		return
	}
	e.users.UpdateLastSeen(from.Number)

	if _, err := e.calls.Create(callID, from.Number, to.Number, transportOf(src), msg.Body); err != nil {
		// Duplicate Call-ID, most likely an INVITE retransmission.
		slog.Warn("[INVITE] Dialog already exists", "call_id", callID, "error", err)
		return
	}

	// Capture the originator's dialog identity for the response relay.
	if err := e.calls.Update(callID, call.StateInitiated, func(c *call.Call) {
		c.OriginalVia = msg.Get(sipmsg.HeaderVia)
		c.OriginalFrom = msg.Get(sipmsg.HeaderFrom)
		c.OriginalTo = msg.Get(sipmsg.HeaderTo)
		c.OriginalCSeq = msg.Get(sipmsg.HeaderCSeq)
		c.OriginalContact = msg.Get(sipmsg.HeaderContact)
	}); err != nil {
		e.respond(src, e.buildResponse(500, msg))
		return
	}

	e.respond(src, e.buildResponse(100, msg))

	body := msg.Body
	if strings.Contains(msg.Get(sipmsg.HeaderContentType), "application/sdp") && body != "" {
		fromRTP, err := sdp.AudioPort(body)
		if err != nil {
			slog.Error("[INVITE] Failed to read offer media port", "call_id", callID, "error", err)
			e.respond(src, e.buildResponse(500, msg))
			_, _ = e.calls.End(callID, call.ReasonError)
			return
		}
		_ = e.calls.SetRTPPorts(callID, fromRTP, 0)
		body = sdp.Rewrite(body, e.cfg.ServerAddress, e.cfg.RTPPort)
	}

	target := call.Transport{Addr: binding.Address, Port: binding.Port}
	if err := e.calls.SetTarget(callID, target); err != nil {
		slog.Error("[INVITE] Failed to set target", "call_id", callID, "error", err)
		e.respond(src, e.buildResponse(500, msg))
		_, _ = e.calls.End(callID, call.ReasonError)
		return
	}

	downstream := &sipmsg.Message{
		Method:     sipmsg.MethodInvite,
		RequestURI: fmt.Sprintf("sip:%s@%s:%d", to.Number, binding.Address, binding.Port),
		Body:       body,
	}
	// Server Via on top, the caller's below it.
	downstream.Add(sipmsg.HeaderVia, e.serverVia())
	downstream.Add(sipmsg.HeaderVia, msg.Get(sipmsg.HeaderVia))
	for _, name := range []string{sipmsg.HeaderFrom, sipmsg.HeaderTo, sipmsg.HeaderCallID, sipmsg.HeaderCSeq, sipmsg.HeaderContact} {
		if v := msg.Get(name); v != "" {
			downstream.Add(name, v)
		}
	}
	if ct := msg.Get(sipmsg.HeaderContentType); ct != "" {
		downstream.Add(sipmsg.HeaderContentType, ct)
	}

	slog.Info("[INVITE] Forwarding",
		"call_id", callID,
		"from", from.Number,
		"to", to.Number,
		"target", target.Addr+":"+fmt.Sprint(target.Port))
	e.send(target, downstream)
}
