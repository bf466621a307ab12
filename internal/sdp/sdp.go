// Package sdp rewrites and inspects SDP session descriptions.
//
// Rewriting redirects the media path through the relay by substituting the
// connection and origin addresses and the audio port. Inspection is built on
// pion/sdp and is used by the validator and the call setup path.
package sdp

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	psdp "github.com/pion/sdp/v3"
)

// Audio port bounds accepted in an offer or answer.
const (
	MinPort = 1024
	MaxPort = 65535
)

var (
	// ErrInvalid is returned for bodies that do not satisfy the supported
	// SDP subset.
	ErrInvalid = errors.New("invalid SDP")

	connRe  = regexp.MustCompile(`(?m)^c=IN IP4 \S+`)
	origRe  = regexp.MustCompile(`(?m)^o=(\S+ \S+ \S+) IN IP4 \S+`)
	audioRe = regexp.MustCompile(`(?m)^m=audio \d+(.*)`)
)

// Rewrite points the session description at the relay: every c= and o=
// address becomes addr and the m=audio port becomes port. All other lines,
// including the codec list on the m= line, are preserved byte for byte.
// Rewrite is idempotent.
func Rewrite(body, addr string, port int) string {
	out := connRe.ReplaceAllString(body, "c=IN IP4 "+addr)
	out = origRe.ReplaceAllString(out, "o=$1 IN IP4 "+addr)
	out = audioRe.ReplaceAllString(out, "m=audio "+strconv.Itoa(port)+"$1")
	return out
}

// Validate checks that the body carries the supported SDP subset: one line
// each of v=, o=, s=, c=, t= and m=, with the first media line being
// m=audio with a port in [MinPort, MaxPort].
func Validate(body string) error {
	for _, prefix := range []string{"v=", "o=", "s=", "c=", "t=", "m="} {
		if !hasLine(body, prefix) {
			return fmt.Errorf("%w: missing %q line", ErrInvalid, prefix)
		}
	}

	sd, err := parse(body)
	if err != nil {
		return err
	}
	if len(sd.MediaDescriptions) == 0 {
		return fmt.Errorf("%w: no media description", ErrInvalid)
	}
	media := sd.MediaDescriptions[0]
	if media.MediaName.Media != "audio" {
		return fmt.Errorf("%w: unsupported media type %q", ErrInvalid, media.MediaName.Media)
	}
	port := media.MediaName.Port.Value
	if port < MinPort || port > MaxPort {
		return fmt.Errorf("%w: audio port %d out of range", ErrInvalid, port)
	}
	return nil
}

// AudioPort returns the port of the first m=audio line.
func AudioPort(body string) (int, error) {
	sd, err := parse(body)
	if err != nil {
		return 0, err
	}
	for _, media := range sd.MediaDescriptions {
		if media.MediaName.Media == "audio" {
			return media.MediaName.Port.Value, nil
		}
	}
	return 0, fmt.Errorf("%w: no audio media", ErrInvalid)
}

// ConnectionAddress returns the session connection address, preferring the
// first media-level c= line over the session-level one.
func ConnectionAddress(body string) (string, error) {
	sd, err := parse(body)
	if err != nil {
		return "", err
	}
	for _, media := range sd.MediaDescriptions {
		if media.ConnectionInformation != nil && media.ConnectionInformation.Address != nil {
			return media.ConnectionInformation.Address.Address, nil
		}
	}
	if sd.ConnectionInformation != nil && sd.ConnectionInformation.Address != nil {
		return sd.ConnectionInformation.Address.Address, nil
	}
	return "", fmt.Errorf("%w: no connection address", ErrInvalid)
}

func parse(body string) (*psdp.SessionDescription, error) {
	sd := &psdp.SessionDescription{}
	// The codec trims the body's trailing CRLF; pion requires the last
	// line to be terminated.
	if !strings.HasSuffix(body, "\n") {
		body += "\r\n"
	}
	if err := sd.Unmarshal([]byte(body)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return sd, nil
}

func hasLine(body, prefix string) bool {
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(strings.TrimRight(line, "\r"), prefix) {
			return true
		}
	}
	return false
}
