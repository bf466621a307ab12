package validate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebas/minipbx/internal/sipmsg"
)

func TestExtractURI(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"<sip:100@10.0.0.1>", "sip:100@10.0.0.1"},
		{"<sip:100@10.0.0.1>;tag=abc", "sip:100@10.0.0.1"},
		{`"Alice" <sip:100@10.0.0.1:5060>`, "sip:100@10.0.0.1:5060"},
		{"sip:100@10.0.0.1", "sip:100@10.0.0.1"},
		{"  sip:100@10.0.0.1  ", "sip:100@10.0.0.1"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ExtractURI(tt.in), "input %q", tt.in)
	}
}

func TestParseAddress(t *testing.T) {
	v := New(100, 110)

	addr, err := v.ParseAddress("<sip:105@192.168.1.10:5060>;tag=x")
	require.NoError(t, err)
	assert.Equal(t, "105", addr.Number)
	assert.Equal(t, "192.168.1.10", addr.Domain)
	assert.Equal(t, 5060, addr.Port)
}

func TestParseAddressRejects(t *testing.T) {
	v := New(100, 110)

	tests := []struct {
		name   string
		header string
	}{
		{"not numeric", "<sip:alice@10.0.0.1>"},
		{"below range", "<sip:99@10.0.0.1>"},
		{"above range", "<sip:111@10.0.0.1>"},
		{"no user part", "<sip:10.0.0.1>"},
		{"garbage", "not a uri"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.ParseAddress(tt.header)
			assert.Error(t, err)
		})
	}
}

func TestValidExtension(t *testing.T) {
	v := New(100, 110)
	assert.True(t, v.ValidExtension("100"))
	assert.True(t, v.ValidExtension("110"))
	assert.False(t, v.ValidExtension("99"))
	assert.False(t, v.ValidExtension("111"))
	assert.False(t, v.ValidExtension("abc"))
	assert.False(t, v.ValidExtension(""))
}

func newRegister(number, expires string) *sipmsg.Message {
	msg := &sipmsg.Message{Method: sipmsg.MethodRegister, RequestURI: "sip:" + number + "@10.0.0.1"}
	msg.Add(sipmsg.HeaderVia, "SIP/2.0/UDP 192.168.1.10:5060;branch=z9hG4bK-1")
	msg.Add(sipmsg.HeaderFrom, "<sip:"+number+"@10.0.0.1>;tag=a")
	msg.Add(sipmsg.HeaderTo, "<sip:"+number+"@10.0.0.1>")
	msg.Add(sipmsg.HeaderCallID, "reg-1")
	msg.Add(sipmsg.HeaderCSeq, "1 REGISTER")
	msg.Add(sipmsg.HeaderContact, "<sip:"+number+"@192.168.1.10:5060>")
	if expires != "" {
		msg.Add(sipmsg.HeaderExpires, expires)
	}
	return msg
}

func TestCheckRegister(t *testing.T) {
	v := New(100, 110)

	assert.True(t, v.CheckRegister(newRegister("100", "3600")).OK())
	assert.True(t, v.CheckRegister(newRegister("100", "")).OK())
	// Expires: 0 is a valid unregister-style refresh.
	assert.True(t, v.CheckRegister(newRegister("100", "0")).OK())
}

func TestCheckRegisterRejects(t *testing.T) {
	v := New(100, 110)

	t.Run("to and from differ", func(t *testing.T) {
		msg := newRegister("100", "3600")
		msg.Set(sipmsg.HeaderFrom, "<sip:101@10.0.0.1>;tag=a")
		res := v.CheckRegister(msg)
		assert.False(t, res.OK())
		assert.Contains(t, res.Error(), "must match")
	})

	t.Run("expires above bound", func(t *testing.T) {
		res := v.CheckRegister(newRegister("100", "86401"))
		assert.False(t, res.OK())
	})

	t.Run("expires not a number", func(t *testing.T) {
		res := v.CheckRegister(newRegister("100", "soon"))
		assert.False(t, res.OK())
	})

	t.Run("missing contact", func(t *testing.T) {
		msg := newRegister("100", "3600")
		msg.Del(sipmsg.HeaderContact)
		res := v.CheckRegister(msg)
		assert.False(t, res.OK())
		assert.Contains(t, res.Error(), "Contact")
	})

	t.Run("out of range extension", func(t *testing.T) {
		res := v.CheckRegister(newRegister("999", "3600"))
		assert.False(t, res.OK())
	})

	t.Run("malformed cseq", func(t *testing.T) {
		msg := newRegister("100", "3600")
		msg.Set(sipmsg.HeaderCSeq, "REGISTER 1")
		assert.False(t, v.CheckRegister(msg).OK())
	})

	t.Run("malformed via", func(t *testing.T) {
		msg := newRegister("100", "3600")
		msg.Set(sipmsg.HeaderVia, "SIP/2.0/TCP 192.168.1.10:5060")
		assert.False(t, v.CheckRegister(msg).OK())
	})
}

func newInvite(from, to, body string) *sipmsg.Message {
	msg := &sipmsg.Message{Method: sipmsg.MethodInvite, RequestURI: "sip:" + to + "@10.0.0.1", Body: body}
	msg.Add(sipmsg.HeaderVia, "SIP/2.0/UDP 192.168.1.10:5060;branch=z9hG4bK-1")
	msg.Add(sipmsg.HeaderFrom, "<sip:"+from+"@10.0.0.1>;tag=a")
	msg.Add(sipmsg.HeaderTo, "<sip:"+to+"@10.0.0.1>")
	msg.Add(sipmsg.HeaderCallID, "call-1")
	msg.Add(sipmsg.HeaderCSeq, "1 INVITE")
	msg.Add(sipmsg.HeaderContact, "<sip:"+from+"@192.168.1.10:5060>")
	if body != "" {
		msg.Add(sipmsg.HeaderContentType, "application/sdp")
	}
	return msg
}

const validOffer = "v=0\r\n" +
	"o=alice 1 1 IN IP4 192.168.1.10\r\n" +
	"s=-\r\n" +
	"c=IN IP4 192.168.1.10\r\n" +
	"t=0 0\r\n" +
	"m=audio 49170 RTP/AVP 0\r\n"

func TestCheckInvite(t *testing.T) {
	v := New(100, 110)

	assert.True(t, v.CheckInvite(newInvite("100", "101", validOffer)).OK())
	assert.True(t, v.CheckInvite(newInvite("100", "101", "")).OK())
}

func TestCheckInviteRejects(t *testing.T) {
	v := New(100, 110)

	t.Run("self call", func(t *testing.T) {
		res := v.CheckInvite(newInvite("100", "100", validOffer))
		assert.False(t, res.OK())
		assert.Contains(t, res.Error(), "self")
	})

	t.Run("invalid sdp", func(t *testing.T) {
		res := v.CheckInvite(newInvite("100", "101", "v=0\r\nnot sdp\r\n"))
		assert.False(t, res.OK())
	})

	t.Run("missing call id", func(t *testing.T) {
		msg := newInvite("100", "101", validOffer)
		msg.Del(sipmsg.HeaderCallID)
		assert.False(t, v.CheckInvite(msg).OK())
	})
}

func TestCheckBye(t *testing.T) {
	v := New(100, 110)

	msg := &sipmsg.Message{Method: sipmsg.MethodBye, RequestURI: "sip:101@10.0.0.1"}
	msg.Add(sipmsg.HeaderVia, "SIP/2.0/UDP 192.168.1.10:5060;branch=z9hG4bK-1")
	msg.Add(sipmsg.HeaderFrom, "<sip:100@10.0.0.1>;tag=a")
	msg.Add(sipmsg.HeaderTo, "<sip:101@10.0.0.1>;tag=b")
	msg.Add(sipmsg.HeaderCallID, "call-1")
	msg.Add(sipmsg.HeaderCSeq, "2 BYE")
	assert.True(t, v.CheckBye(msg).OK())

	msg.Del(sipmsg.HeaderCSeq)
	assert.False(t, v.CheckBye(msg).OK())
}
