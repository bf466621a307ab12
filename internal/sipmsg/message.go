// Package sipmsg implements the SIP wire codec: parsing UDP datagrams into
// request/response messages and serializing messages back to the wire.
//
// Header names and order are preserved as presented so that a parsed message
// serializes back to an equivalent datagram.
package sipmsg

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Version is the only supported SIP protocol version.
const Version = "SIP/2.0"

// Supported request methods.
const (
	MethodRegister = "REGISTER"
	MethodInvite   = "INVITE"
	MethodAck      = "ACK"
	MethodBye      = "BYE"
)

// Recognized header names.
const (
	HeaderVia           = "Via"
	HeaderFrom          = "From"
	HeaderTo            = "To"
	HeaderCallID        = "Call-ID"
	HeaderCSeq          = "CSeq"
	HeaderContact       = "Contact"
	HeaderContentType   = "Content-Type"
	HeaderContentLength = "Content-Length"
	HeaderExpires       = "Expires"
)

// ErrParse is returned when a datagram cannot be parsed as a SIP message.
var ErrParse = errors.New("malformed SIP message")

// Header is a single header line. Name keeps the exact case it was
// presented with.
type Header struct {
	Name  string
	Value string
}

// Message is a SIP request or response. A request has Method set; a response
// has StatusCode set.
type Message struct {
	// Request fields
	Method     string
	RequestURI string

	// Response fields
	StatusCode int
	Reason     string

	// Headers in wire order.
	Headers []Header

	// Body holds the payload verbatim, with any trailing CRLF trimmed.
	Body string
}

// IsRequest reports whether the message is a request.
func (m *Message) IsRequest() bool { return m.Method != "" }

// IsResponse reports whether the message is a response.
func (m *Message) IsResponse() bool { return m.Method == "" }

// Get returns the value of the first header with the given name, or "".
func (m *Message) Get(name string) string {
	for _, h := range m.Headers {
		if h.Name == name {
			return h.Value
		}
	}
	return ""
}

// Has reports whether a header with the given name is present.
func (m *Message) Has(name string) bool {
	for _, h := range m.Headers {
		if h.Name == name {
			return true
		}
	}
	return false
}

// Add appends a header.
func (m *Message) Add(name, value string) {
	m.Headers = append(m.Headers, Header{Name: name, Value: value})
}

// Set replaces the first header with the given name, appending if absent.
func (m *Message) Set(name, value string) {
	for i, h := range m.Headers {
		if h.Name == name {
			m.Headers[i].Value = value
			return
		}
	}
	m.Add(name, value)
}

// Del removes all headers with the given name.
func (m *Message) Del(name string) {
	kept := m.Headers[:0]
	for _, h := range m.Headers {
		if h.Name != name {
			kept = append(kept, h)
		}
	}
	m.Headers = kept
}

// Parse parses a UDP payload as a SIP request or response.
func Parse(data []byte) (*Message, error) {
	text := string(data)

	headerPart := text
	body := ""
	if idx := strings.Index(text, "\r\n\r\n"); idx >= 0 {
		headerPart = text[:idx]
		body = strings.TrimRight(text[idx+4:], "\r\n")
	}

	lines := strings.Split(headerPart, "\r\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		return nil, fmt.Errorf("%w: empty start line", ErrParse)
	}

	msg := &Message{Body: body}
	if err := parseStartLine(msg, lines[0]); err != nil {
		return nil, err
	}

	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		colon := strings.Index(line, ":")
		if colon < 1 {
			return nil, fmt.Errorf("%w: header line without colon: %q", ErrParse, line)
		}
		name := strings.TrimSpace(line[:colon])
		value := strings.TrimSpace(line[colon+1:])
		msg.Headers = append(msg.Headers, Header{Name: name, Value: value})
	}

	return msg, nil
}

func parseStartLine(msg *Message, line string) error {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 3 {
		return fmt.Errorf("%w: invalid start line: %q", ErrParse, line)
	}

	if parts[0] == Version {
		// Response: SIP/2.0 <status> <reason>
		code, err := strconv.Atoi(parts[1])
		if err != nil {
			return fmt.Errorf("%w: invalid status code: %q", ErrParse, parts[1])
		}
		msg.StatusCode = code
		msg.Reason = parts[2]
		return nil
	}

	// Request: METHOD Request-URI SIP/2.0
	if parts[2] != Version {
		return fmt.Errorf("%w: unsupported protocol version: %q", ErrParse, parts[2])
	}
	if parts[0] == "" || parts[1] == "" {
		return fmt.Errorf("%w: invalid request line: %q", ErrParse, line)
	}
	msg.Method = parts[0]
	msg.RequestURI = parts[1]
	return nil
}

// Serialize emits the message in wire format. When a body is present a
// Content-Length header reflecting its length is appended after the provided
// headers (any caller-supplied Content-Length is replaced).
func (m *Message) Serialize() []byte {
	var sb strings.Builder

	if m.IsRequest() {
		sb.WriteString(m.Method + " " + m.RequestURI + " " + Version + "\r\n")
	} else {
		reason := m.Reason
		if reason == "" {
			reason = ReasonPhrase(m.StatusCode)
		}
		sb.WriteString(Version + " " + strconv.Itoa(m.StatusCode) + " " + reason + "\r\n")
	}

	hasBody := m.Body != ""
	for _, h := range m.Headers {
		if hasBody && h.Name == HeaderContentLength {
			continue
		}
		sb.WriteString(h.Name + ": " + h.Value + "\r\n")
	}
	if hasBody {
		sb.WriteString(HeaderContentLength + ": " + strconv.Itoa(len(m.Body)) + "\r\n")
	}
	sb.WriteString("\r\n")
	sb.WriteString(m.Body)

	return []byte(sb.String())
}

// ReasonPhrase returns the standard reason phrase for the status codes this
// server emits.
func ReasonPhrase(code int) string {
	switch code {
	case 100:
		return "Trying"
	case 180:
		return "Ringing"
	case 200:
		return "OK"
	case 400:
		return "Bad Request"
	case 404:
		return "Not Found"
	case 486:
		return "Busy Here"
	case 487:
		return "Request Terminated"
	case 500:
		return "Internal Server Error"
	default:
		return "Unknown"
	}
}
