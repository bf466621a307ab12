// Package rtp implements the media relay: a single UDP socket and a
// per-call stream table forwarding datagrams between the two legs of a
// bridged call.
//
// The relay is a pure byte forwarder. It never inspects RTP headers and is
// oblivious to codec and SSRC; datagrams from a known source are passed
// through unchanged, everything else is dropped.
package rtp

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// ReverseSuffix is appended to the Call-ID to key the callee-to-caller
// direction of a bridged call.
const ReverseSuffix = "_reverse"

// Endpoint is one side of a media stream.
type Endpoint struct {
	Addr string `json:"addr"`
	Port int    `json:"port"`
}

func (e Endpoint) String() string { return fmt.Sprintf("%s:%d", e.Addr, e.Port) }

// Stream forwards datagrams arriving from From to To.
type Stream struct {
	Key       string    `json:"key"`
	CallID    string    `json:"call_id"`
	From      Endpoint  `json:"from"`
	To        Endpoint  `json:"to"`
	CreatedAt time.Time `json:"created_at"`
	Packets   int64     `json:"packets"`

	dest    *net.UDPAddr
	packets atomic.Int64
}

// Stats summarizes relay activity for the admin API.
type Stats struct {
	ActiveStreams int   `json:"active_streams"`
	Forwarded     int64 `json:"forwarded_packets"`
	Dropped       int64 `json:"dropped_packets"`
}

// Relay owns the media UDP socket and the stream table.
type Relay struct {
	conn *net.UDPConn

	mu      sync.RWMutex
	streams map[string]*Stream

	forwarded atomic.Int64
	dropped   atomic.Int64
}

// NewRelay binds the media socket on host:port. Port 0 binds an ephemeral
// port (used in tests).
func NewRelay(host string, port int) (*Relay, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(host), Port: port})
	if err != nil {
		return nil, fmt.Errorf("failed to bind RTP socket on %s:%d: %w", host, port, err)
	}
	return &Relay{
		conn:    conn,
		streams: make(map[string]*Stream),
	}, nil
}

// LocalPort returns the bound media port.
func (r *Relay) LocalPort() int {
	return r.conn.LocalAddr().(*net.UDPAddr).Port
}

// AddCallStreams installs the symmetric stream pair for a call: datagrams
// from the caller's media endpoint go to the callee's and vice versa.
func (r *Relay) AddCallStreams(callID string, caller, callee Endpoint) error {
	forward, err := newStream(callID, callID, caller, callee)
	if err != nil {
		return err
	}
	reverse, err := newStream(callID+ReverseSuffix, callID, callee, caller)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.streams[forward.Key] = forward
	r.streams[reverse.Key] = reverse
	r.mu.Unlock()

	slog.Info("[RTP] Streams installed",
		"call_id", callID,
		"caller", caller.String(),
		"callee", callee.String())
	return nil
}

// RemoveCallStreams removes both directions of a call's stream pair.
func (r *Relay) RemoveCallStreams(callID string) {
	r.mu.Lock()
	_, had := r.streams[callID]
	delete(r.streams, callID)
	delete(r.streams, callID+ReverseSuffix)
	r.mu.Unlock()

	if had {
		slog.Info("[RTP] Streams removed", "call_id", callID)
	}
}

// Streams returns a snapshot of the stream table.
func (r *Relay) Streams() []Stream {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Stream, 0, len(r.streams))
	for _, s := range r.streams {
		snapshot := Stream{
			Key:       s.Key,
			CallID:    s.CallID,
			From:      s.From,
			To:        s.To,
			CreatedAt: s.CreatedAt,
			Packets:   s.packets.Load(),
		}
		out = append(out, snapshot)
	}
	return out
}

// Statistics returns relay counters.
func (r *Relay) Statistics() Stats {
	r.mu.RLock()
	active := len(r.streams)
	r.mu.RUnlock()
	return Stats{
		ActiveStreams: active,
		Forwarded:     r.forwarded.Load(),
		Dropped:       r.dropped.Load(),
	}
}

// Serve runs the forwarding loop until Close is called.
func (r *Relay) Serve() {
	slog.Info("[RTP] Relay listening", "addr", r.conn.LocalAddr().String())
	buf := make([]byte, 4096)
	for {
		n, src, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Warn("[RTP] Read error", "error", err)
			continue
		}
		r.forward(buf[:n], src)
	}
}

// forward matches the datagram source against the from side of each stream
// and sends the payload unchanged to the matching destination.
func (r *Relay) forward(payload []byte, src *net.UDPAddr) {
	srcAddr := src.IP.String()
	srcPort := src.Port

	r.mu.RLock()
	var match *Stream
	for _, s := range r.streams {
		if s.From.Port == srcPort && s.From.Addr == srcAddr {
			match = s
			break
		}
	}
	r.mu.RUnlock()

	if match == nil {
		r.dropped.Add(1)
		slog.Warn("[RTP] No stream for datagram", "src", src.String())
		return
	}

	if _, err := r.conn.WriteToUDP(payload, match.dest); err != nil {
		slog.Warn("[RTP] Forward failed", "key", match.Key, "dest", match.To.String(), "error", err)
		return
	}
	match.packets.Add(1)
	r.forwarded.Add(1)
}

// Close shuts the media socket down, stopping Serve.
func (r *Relay) Close() error {
	return r.conn.Close()
}

func newStream(key, callID string, from, to Endpoint) (*Stream, error) {
	ip := net.ParseIP(to.Addr)
	if ip == nil {
		return nil, fmt.Errorf("invalid stream destination address %q", to.Addr)
	}
	return &Stream{
		Key:       key,
		CallID:    callID,
		From:      from,
		To:        to,
		CreatedAt: time.Now(),
		dest:      &net.UDPAddr{IP: ip, Port: to.Port},
	}, nil
}
