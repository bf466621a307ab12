package engine

import (
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/sebas/minipbx/internal/call"
	"github.com/sebas/minipbx/internal/rtp"
	"github.com/sebas/minipbx/internal/sdp"
	"github.com/sebas/minipbx/internal/sipmsg"
)

// handleResponse relays downstream responses back to the caller. The dialog
// state disambiguates what a 200 OK answers: a dialog in TERMINATING is
// waiting for the 200 to its BYE, anything earlier is the answer to the
// INVITE.
func (e *Engine) handleResponse(msg *sipmsg.Message, src *net.UDPAddr) {
	callID := msg.Get(sipmsg.HeaderCallID)
	c, ok := e.calls.Get(callID)
	if !ok {
		slog.Warn("[Response] Unknown dialog", "call_id", callID, "status", msg.StatusCode, "src", src.String())
		return
	}

	switch {
	case msg.StatusCode == 200 && c.State == call.StateTerminating:
		e.finalizeBye(c)
	case msg.StatusCode == 200:
		e.relayAnswer(msg, c)
	case msg.StatusCode == 404 || msg.StatusCode == 486 || msg.StatusCode == 487:
		e.relayFailure(msg, c)
	default:
		slog.Debug("[Response] Ignoring", "call_id", callID, "status", msg.StatusCode)
	}
}

// finalizeBye completes the teardown once the other leg acknowledged the
// forwarded BYE.
func (e *Engine) finalizeBye(c *call.Call) {
	e.relay.RemoveCallStreams(c.CallID)
	if _, err := e.calls.End(c.CallID, call.ReasonNormal); err != nil {
		slog.Warn("[Response] Failed to end call", "call_id", c.CallID, "error", err)
	}
}

// relayAnswer forwards the callee's 200 OK to the caller. The response is
// rebuilt from the originator's preserved Via/From/To/CSeq so the caller
// recognizes its own dialog, and the Contact is rewritten to this server so
// the ACK and any in-dialog BYE transit the relay. Once both media ports
// are known the RTP stream pair is installed.
func (e *Engine) relayAnswer(msg *sipmsg.Message, c *call.Call) {
	body := msg.Body
	if body != "" {
		toRTP, err := sdp.AudioPort(body)
		if err != nil {
			slog.Error("[Response] Failed to read answer media port", "call_id", c.CallID, "error", err)
		} else {
			_ = e.calls.SetRTPPorts(c.CallID, 0, toRTP)
			c.ToRTPPort = toRTP
		}
		body = sdp.Rewrite(body, e.cfg.ServerAddress, e.cfg.RTPPort)
	}

	upstream := &sipmsg.Message{StatusCode: 200, Reason: sipmsg.ReasonPhrase(200), Body: body}
	upstream.Add(sipmsg.HeaderVia, c.OriginalVia)
	upstream.Add(sipmsg.HeaderFrom, c.OriginalFrom)
	upstream.Add(sipmsg.HeaderTo, c.OriginalTo)
	upstream.Add(sipmsg.HeaderCallID, c.CallID)
	upstream.Add(sipmsg.HeaderCSeq, c.OriginalCSeq)
	upstream.Add(sipmsg.HeaderContact, fmt.Sprintf("<sip:%s@%s:%d>", c.ToNumber, e.cfg.ServerAddress, e.cfg.SIPPort))
	if ct := msg.Get(sipmsg.HeaderContentType); ct != "" {
		upstream.Add(sipmsg.HeaderContentType, ct)
	}

	if c.FromRTPPort != 0 && c.ToRTPPort != 0 {
		caller := rtp.Endpoint{Addr: c.FromTransport.Addr, Port: c.FromRTPPort}
		callee := rtp.Endpoint{Addr: c.ToTransport.Addr, Port: c.ToRTPPort}
		if err := e.relay.AddCallStreams(c.CallID, caller, callee); err != nil {
			slog.Error("[Response] Failed to install streams", "call_id", c.CallID, "error", err)
		}
	}

	if err := e.calls.Answer(c.CallID); err != nil {
		slog.Warn("[Response] Answer transition failed", "call_id", c.CallID, "error", err)
	}

	slog.Info("[Response] Call answered", "call_id", c.CallID, "from", c.FromNumber, "to", c.ToNumber)
	e.send(c.FromTransport, upstream)
}

// relayFailure forwards a downstream failure to the caller with the same
// status, echoing the originator's preserved headers, and ends the dialog.
func (e *Engine) relayFailure(msg *sipmsg.Message, c *call.Call) {
	upstream := &sipmsg.Message{StatusCode: msg.StatusCode, Reason: msg.Reason}
	if strings.TrimSpace(upstream.Reason) == "" {
		upstream.Reason = sipmsg.ReasonPhrase(msg.StatusCode)
	}
	upstream.Add(sipmsg.HeaderVia, c.OriginalVia)
	upstream.Add(sipmsg.HeaderFrom, c.OriginalFrom)
	upstream.Add(sipmsg.HeaderTo, c.OriginalTo)
	upstream.Add(sipmsg.HeaderCallID, c.CallID)
	upstream.Add(sipmsg.HeaderCSeq, c.OriginalCSeq)

	e.relay.RemoveCallStreams(c.CallID)
	if _, err := e.calls.End(c.CallID, call.ReasonRejected); err != nil {
		slog.Warn("[Response] Failed to end call", "call_id", c.CallID, "error", err)
	}

	slog.Info("[Response] Relaying failure", "call_id", c.CallID, "status", msg.StatusCode)
	e.send(c.FromTransport, upstream)
}
