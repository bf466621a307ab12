package engine

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/google/uuid"

	"github.com/sebas/minipbx/internal/call"
	"github.com/sebas/minipbx/internal/sipmsg"
)

// handleBye tears a call down: the BYE is answered 200 OK towards its
// sender and forwarded to the opposite leg, the dialog goes TERMINATING and
// the RTP streams are removed. Final removal happens when the other leg's
// 200 OK comes back (see handleResponse).
func (e *Engine) handleBye(msg *sipmsg.Message, src *net.UDPAddr) {
	if res := e.validator.CheckBye(msg); !res.OK() {
		slog.Warn("[BYE] Validation failed", "src", src.String(), "errors", res.Error())
		e.respond(src, e.buildResponse(400, msg))
		return
	}

	callID := msg.Get(sipmsg.HeaderCallID)
	c, ok := e.calls.Get(callID)
	if !ok {
		slog.Warn("[BYE] Unknown dialog", "call_id", callID, "src", src.String())
		return
	}

	// The destination is whichever leg is NOT the message source.
	sender := transportOf(src)
	var peerNumber string
	var peer call.Transport
	if sender == c.FromTransport {
		peerNumber, peer = c.ToNumber, c.ToTransport
	} else {
		peerNumber, peer = c.FromNumber, c.FromTransport
	}

	if err := e.calls.Terminating(callID); err != nil {
		slog.Warn("[BYE] State transition failed", "call_id", callID, "error", err)
	}
	e.relay.RemoveCallStreams(callID)

	fwd := &sipmsg.Message{
		Method:     sipmsg.MethodBye,
		RequestURI: fmt.Sprintf("sip:%s@%s:%d", peerNumber, peer.Addr, peer.Port),
	}
	fwd.Add(sipmsg.HeaderVia, e.serverVia()+";branch=z9hG4bK-"+uuid.NewString())
	for _, name := range []string{sipmsg.HeaderFrom, sipmsg.HeaderTo, sipmsg.HeaderCallID, sipmsg.HeaderCSeq} {
		if v := msg.Get(name); v != "" {
			fwd.Add(name, v)
		}
	}

	slog.Info("[BYE] Tearing down", "call_id", callID, "peer", peerNumber)
	e.send(peer, fwd)
	e.respond(src, e.buildResponse(200, msg))
}
