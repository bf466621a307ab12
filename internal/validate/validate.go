// Package validate enforces the structural constraints on inbound SIP
// messages: URI shape, header well-formedness, SDP bodies and the per-method
// required header sets.
package validate

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/emiago/sipgo/sip"

	"github.com/sebas/minipbx/internal/sdp"
	"github.com/sebas/minipbx/internal/sipmsg"
)

// Expires header bounds accepted on REGISTER, in seconds.
const (
	MinExpires = 0
	MaxExpires = 86400
)

var (
	callIDRe = regexp.MustCompile(`^[A-Za-z0-9._-]+(@[A-Za-z0-9._-]+)?(-[A-Za-z0-9._-]+)?$`)
	cseqRe   = regexp.MustCompile(`^\d+\s+[A-Z]+$`)
	viaRe    = regexp.MustCompile(`^SIP/2\.0/UDP\s+[A-Za-z0-9._-]+:\d+(;[^;]+)*$`)
)

// Address is the decomposed user part of a SIP URI within the dial plan.
type Address struct {
	Number string
	Domain string
	Port   int
}

// Result carries the error list of a validation pass.
type Result struct {
	Errors []string
}

// OK reports whether validation passed.
func (r *Result) OK() bool { return len(r.Errors) == 0 }

// Error joins all validation errors into one message.
func (r *Result) Error() string { return strings.Join(r.Errors, "; ") }

func (r *Result) add(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// Validator checks messages against the configured extension range.
type Validator struct {
	extMin int
	extMax int
}

// New creates a validator for the inclusive extension range [extMin, extMax].
func New(extMin, extMax int) *Validator {
	return &Validator{extMin: extMin, extMax: extMax}
}

// ExtractURI returns the content of the first angle-bracketed substring of a
// display-name-and-uri header, or the trimmed header when no brackets are
// present.
func ExtractURI(header string) string {
	open := strings.Index(header, "<")
	if open >= 0 {
		if close := strings.Index(header[open:], ">"); close > 0 {
			return header[open+1 : open+close]
		}
	}
	return strings.TrimSpace(header)
}

// ValidExtension reports whether number is a decimal extension within the
// configured range.
func (v *Validator) ValidExtension(number string) bool {
	if number == "" {
		return false
	}
	n, err := strconv.Atoi(number)
	if err != nil {
		return false
	}
	return n >= v.extMin && n <= v.extMax
}

// ParseAddress extracts and decomposes the SIP URI of a From/To/Contact
// style header. The user part must be a valid extension.
func (v *Validator) ParseAddress(header string) (Address, error) {
	raw := ExtractURI(header)

	var uri sip.Uri
	if err := sip.ParseUri(raw, &uri); err != nil {
		return Address{}, fmt.Errorf("invalid SIP URI %q: %w", raw, err)
	}
	if uri.User == "" {
		return Address{}, fmt.Errorf("invalid SIP URI %q: missing user part", raw)
	}
	if _, err := strconv.Atoi(uri.User); err != nil {
		return Address{}, fmt.Errorf("invalid extension %q: not numeric", uri.User)
	}
	if !v.ValidExtension(uri.User) {
		return Address{}, fmt.Errorf("invalid extension %q: outside range %d-%d", uri.User, v.extMin, v.extMax)
	}

	return Address{Number: uri.User, Domain: uri.Host, Port: uri.Port}, nil
}

// CheckRegister validates a REGISTER request.
func (v *Validator) CheckRegister(msg *sipmsg.Message) *Result {
	res := &Result{}
	v.requireHeaders(res, msg, sipmsg.HeaderTo, sipmsg.HeaderFrom, sipmsg.HeaderCallID, sipmsg.HeaderCSeq, sipmsg.HeaderContact)
	v.checkCommonHeaders(res, msg)
	if !res.OK() {
		return res
	}

	to, errTo := v.ParseAddress(msg.Get(sipmsg.HeaderTo))
	from, errFrom := v.ParseAddress(msg.Get(sipmsg.HeaderFrom))
	if errTo != nil {
		res.add("To: %v", errTo)
	}
	if errFrom != nil {
		res.add("From: %v", errFrom)
	}
	if errTo == nil && errFrom == nil && to.Number != from.Number {
		res.add("To and From must match on REGISTER (%s != %s)", to.Number, from.Number)
	}

	if expires := msg.Get(sipmsg.HeaderExpires); msg.Has(sipmsg.HeaderExpires) {
		n, err := strconv.Atoi(strings.TrimSpace(expires))
		if err != nil {
			res.add("Expires is not an integer: %q", expires)
		} else if n < MinExpires || n > MaxExpires {
			res.add("Expires %d outside range [%d, %d]", n, MinExpires, MaxExpires)
		}
	}

	return res
}

// CheckInvite validates an INVITE request, including its SDP body when the
// Content-Type announces one.
func (v *Validator) CheckInvite(msg *sipmsg.Message) *Result {
	res := &Result{}
	v.requireHeaders(res, msg, sipmsg.HeaderTo, sipmsg.HeaderFrom, sipmsg.HeaderCallID, sipmsg.HeaderCSeq, sipmsg.HeaderContact)
	v.checkCommonHeaders(res, msg)
	if !res.OK() {
		return res
	}

	to, errTo := v.ParseAddress(msg.Get(sipmsg.HeaderTo))
	from, errFrom := v.ParseAddress(msg.Get(sipmsg.HeaderFrom))
	if errTo != nil {
		res.add("To: %v", errTo)
	}
	if errFrom != nil {
		res.add("From: %v", errFrom)
	}
	if errTo == nil && errFrom == nil && to.Number == from.Number {
		res.add("cannot call self (%s)", from.Number)
	}

	if strings.Contains(msg.Get(sipmsg.HeaderContentType), "application/sdp") {
		if err := sdp.Validate(msg.Body); err != nil {
			res.add("%v", err)
		}
	}

	return res
}

// CheckBye validates a BYE request.
func (v *Validator) CheckBye(msg *sipmsg.Message) *Result {
	res := &Result{}
	v.requireHeaders(res, msg, sipmsg.HeaderTo, sipmsg.HeaderFrom, sipmsg.HeaderCallID, sipmsg.HeaderCSeq)
	v.checkCommonHeaders(res, msg)
	if !res.OK() {
		return res
	}

	if _, err := v.ParseAddress(msg.Get(sipmsg.HeaderTo)); err != nil {
		res.add("To: %v", err)
	}
	if _, err := v.ParseAddress(msg.Get(sipmsg.HeaderFrom)); err != nil {
		res.add("From: %v", err)
	}

	return res
}

func (v *Validator) requireHeaders(res *Result, msg *sipmsg.Message, names ...string) {
	for _, name := range names {
		if !msg.Has(name) {
			res.add("missing required header %s", name)
		}
	}
}

// checkCommonHeaders validates the well-formedness of headers that are
// checked whenever present.
func (v *Validator) checkCommonHeaders(res *Result, msg *sipmsg.Message) {
	if callID := msg.Get(sipmsg.HeaderCallID); callID != "" && !callIDRe.MatchString(callID) {
		res.add("malformed Call-ID: %q", callID)
	}
	if cseq := msg.Get(sipmsg.HeaderCSeq); cseq != "" && !cseqRe.MatchString(cseq) {
		res.add("malformed CSeq: %q", cseq)
	}
	if via := msg.Get(sipmsg.HeaderVia); via != "" && !viaRe.MatchString(via) {
		res.add("malformed Via: %q", via)
	}
}
