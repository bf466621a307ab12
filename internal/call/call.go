package call

import "time"

// Transport is a UDP signalling endpoint observed on the wire.
type Transport struct {
	Addr string `json:"addr"`
	Port int    `json:"port"`
}

// IsZero reports whether the transport is unset.
func (t Transport) IsZero() bool { return t.Addr == "" && t.Port == 0 }

// Call is one B2BUA dialog, keyed by Call-ID. The Original* headers are
// captured from the caller's INVITE and replayed when the callee's final
// response is forwarded upstream, so that dialog identification at the
// caller matches what it sent.
type Call struct {
	CallID     string `json:"call_id"`
	FromNumber string `json:"from_number"`
	ToNumber   string `json:"to_number"`

	FromTransport Transport `json:"from_transport"`
	ToTransport   Transport `json:"to_transport"`

	// Media ports negotiated in the caller's offer and the callee's answer.
	FromRTPPort int `json:"from_rtp_port"`
	ToRTPPort   int `json:"to_rtp_port"`

	OriginalVia     string `json:"-"`
	OriginalFrom    string `json:"-"`
	OriginalTo      string `json:"-"`
	OriginalCSeq    string `json:"-"`
	OriginalContact string `json:"-"`

	// InviteBody is the caller's original SDP offer.
	InviteBody string `json:"-"`

	State             State     `json:"state"`
	InviteTime        time.Time `json:"invite_time"`
	AnswerTime        time.Time `json:"answer_time,omitzero"`
	EndTime           time.Time `json:"end_time,omitzero"`
	DurationSeconds   int       `json:"duration_seconds"`
	TerminationReason string    `json:"termination_reason,omitempty"`
	WaitingForACK     bool      `json:"waiting_for_ack"`
}

// Mentions reports whether number takes part in the call on either leg.
func (c *Call) Mentions(number string) bool {
	return c.FromNumber == number || c.ToNumber == number
}

// Record is one completed call as kept in history.
type Record struct {
	CallID          string    `json:"call_id"`
	FromNumber      string    `json:"from_number"`
	ToNumber        string    `json:"to_number"`
	InviteTime      time.Time `json:"invite_time"`
	AnswerTime      time.Time `json:"answer_time,omitzero"`
	EndTime         time.Time `json:"end_time"`
	DurationSeconds int       `json:"duration_seconds"`
	Reason          string    `json:"reason"`
}
