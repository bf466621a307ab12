package engine

import (
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/google/uuid"

	"github.com/sebas/minipbx/internal/sipmsg"
)

// handleAck forwards a mid-dialog ACK to the callee with this server's Via.
// The branch is taken from the received Via when present so the ACK matches
// the transaction the endpoint expects. ACK is forwarded even when the
// dialog is already terminating.
func (e *Engine) handleAck(msg *sipmsg.Message, src *net.UDPAddr) {
	callID := msg.Get(sipmsg.HeaderCallID)
	c, ok := e.calls.Get(callID)
	if !ok {
		slog.Warn("[ACK] Unknown dialog", "call_id", callID, "src", src.String())
		return
	}

	branch := viaBranch(msg.Get(sipmsg.HeaderVia))
	if branch == "" {
		branch = "z9hG4bK-" + uuid.NewString()
	}

	fwd := &sipmsg.Message{
		Method:     sipmsg.MethodAck,
		RequestURI: fmt.Sprintf("sip:%s@%s:%d", c.ToNumber, c.ToTransport.Addr, c.ToTransport.Port),
		Body:       msg.Body,
	}
	fwd.Add(sipmsg.HeaderVia, e.serverVia()+";branch="+branch)
	for _, name := range []string{sipmsg.HeaderFrom, sipmsg.HeaderTo, sipmsg.HeaderCallID, sipmsg.HeaderCSeq, sipmsg.HeaderContact} {
		if v := msg.Get(name); v != "" {
			fwd.Add(name, v)
		}
	}

	_ = e.calls.AckReceived(callID)
	slog.Debug("[ACK] Forwarding", "call_id", callID, "target", c.ToTransport.Addr)
	e.send(c.ToTransport, fwd)
}

// viaBranch extracts the branch parameter of a Via header value, or "".
func viaBranch(via string) string {
	for _, param := range strings.Split(via, ";")[1:] {
		param = strings.TrimSpace(param)
		if strings.HasPrefix(param, "branch=") {
			return strings.TrimPrefix(param, "branch=")
		}
	}
	return ""
}
