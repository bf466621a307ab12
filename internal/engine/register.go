package engine

import (
	"log/slog"
	"net"
	"strconv"
	"strings"

	"github.com/sebas/minipbx/internal/sipmsg"
	"github.com/sebas/minipbx/internal/validate"
)

// handleRegister installs or refreshes the binding for the extension in the
// To header. The binding's transport is the datagram's source address, not
// whatever the Contact claims.
func (e *Engine) handleRegister(msg *sipmsg.Message, src *net.UDPAddr) {
	if res := e.validator.CheckRegister(msg); !res.OK() {
		slog.Warn("[REGISTER] Validation failed", "src", src.String(), "errors", res.Error())
		e.respond(src, e.buildResponse(400, msg))
		return
	}

	to, err := e.validator.ParseAddress(msg.Get(sipmsg.HeaderTo))
	if err != nil {
		e.respond(src, e.buildResponse(400, msg))
		return
	}

	contactURI := validate.ExtractURI(msg.Get(sipmsg.HeaderContact))

	expires := int(e.cfg.DefaultExpires.Seconds())
	if msg.Has(sipmsg.HeaderExpires) {
		if n, err := strconv.Atoi(strings.TrimSpace(msg.Get(sipmsg.HeaderExpires))); err == nil {
			expires = n
		}
	}

	e.users.Register(to.Number, contactURI, src.IP.String(), src.Port, expires)

	ok := e.buildResponse(200, msg)
	if contact := msg.Get(sipmsg.HeaderContact); contact != "" {
		ok.Add(sipmsg.HeaderContact, contact)
	}
	ok.Add(sipmsg.HeaderExpires, strconv.Itoa(expires))
	e.respond(src, ok)
}
