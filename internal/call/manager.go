// Package call tracks active B2BUA dialogs: per-call state, target
// bindings, negotiated RTP ports, setup timeouts and call history.
package call

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sebas/minipbx/internal/history"
)

// ErrUnknownCall is returned for operations on a Call-ID with no active
// dialog.
var ErrUnknownCall = errors.New("unknown call")

// Stats summarizes call activity for the admin API.
type Stats struct {
	Active          int     `json:"active"`
	Total           int64   `json:"total"`
	Completed       int64   `json:"completed"`
	Failed          int64   `json:"failed"`
	AverageDuration float64 `json:"average_duration_seconds"`
}

// Manager is the registry of active dialogs keyed by Call-ID. All state
// mutations happen under the manager's lock; termination always goes
// through End so that history and counters stay consistent.
type Manager struct {
	mu      sync.RWMutex
	calls   map[string]*Call
	records *history.Ring[Record]

	setupTimeout time.Duration

	total         int64
	completed     int64
	failed        int64
	totalDuration int64 // seconds, over completed calls
}

// NewManager creates a call manager. Dialogs still unanswered after
// setupTimeout are ended with reason TIMEOUT by Cleanup.
func NewManager(setupTimeout time.Duration) *Manager {
	return &Manager{
		calls:        make(map[string]*Call),
		records:      history.NewRing[Record](history.DefaultCapacity),
		setupTimeout: setupTimeout,
	}
}

// Create registers a new dialog in state INITIATED.
func (m *Manager) Create(callID, fromNumber, toNumber string, fromTransport Transport, body string) (*Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.calls[callID]; exists {
		return nil, fmt.Errorf("call %s already exists", callID)
	}

	c := &Call{
		CallID:        callID,
		FromNumber:    fromNumber,
		ToNumber:      toNumber,
		FromTransport: fromTransport,
		InviteBody:    body,
		State:         StateInitiated,
		InviteTime:    time.Now(),
	}
	m.calls[callID] = c
	m.total++

	slog.Info("[Call] Created", "call_id", callID, "from", fromNumber, "to", toNumber)
	return c, nil
}

// SetTarget installs the callee's signalling transport and moves the dialog
// to RINGING.
func (m *Manager) SetTarget(callID string, to Transport) error {
	return m.mutate(callID, func(c *Call) error {
		c.ToTransport = to
		return m.transition(c, StateRinging)
	})
}

// SetRTPPorts records the media ports of one or both legs. Zero values
// leave the current port unchanged.
func (m *Manager) SetRTPPorts(callID string, fromRTP, toRTP int) error {
	return m.mutate(callID, func(c *Call) error {
		if fromRTP != 0 {
			c.FromRTPPort = fromRTP
		}
		if toRTP != 0 {
			c.ToRTPPort = toRTP
		}
		return nil
	})
}

// Update applies patch to the dialog and then transitions it to newState.
// It is rejected if the dialog is absent or the transition is invalid.
func (m *Manager) Update(callID string, newState State, patch func(*Call)) error {
	return m.mutate(callID, func(c *Call) error {
		if patch != nil {
			patch(c)
		}
		if c.State != newState {
			return m.transition(c, newState)
		}
		return nil
	})
}

// Answer marks the dialog ESTABLISHED and records the answer time. The
// dialog now waits for the caller's ACK.
func (m *Manager) Answer(callID string) error {
	return m.mutate(callID, func(c *Call) error {
		if err := m.transition(c, StateEstablished); err != nil {
			return err
		}
		c.AnswerTime = time.Now()
		c.WaitingForACK = true
		return nil
	})
}

// AckReceived clears the waiting-for-ACK flag.
func (m *Manager) AckReceived(callID string) error {
	return m.mutate(callID, func(c *Call) error {
		c.WaitingForACK = false
		return nil
	})
}

// Terminating marks that a BYE was observed on either leg.
func (m *Manager) Terminating(callID string) error {
	return m.mutate(callID, func(c *Call) error {
		return m.transition(c, StateTerminating)
	})
}

// End finishes the dialog with the given reason: records the end time,
// computes the duration, appends a history record and removes the dialog
// from the active set.
func (m *Manager) End(callID, reason string) (*Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.endLocked(callID, reason)
}

func (m *Manager) endLocked(callID, reason string) (*Call, error) {
	c, ok := m.calls[callID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCall, callID)
	}

	c.State = StateTerminated
	c.EndTime = time.Now()
	c.TerminationReason = reason
	if !c.AnswerTime.IsZero() {
		d := int(c.EndTime.Sub(c.AnswerTime).Seconds())
		if d < 0 {
			d = 0
		}
		c.DurationSeconds = d
	}

	delete(m.calls, callID)
	m.records.Append(Record{
		CallID:          c.CallID,
		FromNumber:      c.FromNumber,
		ToNumber:        c.ToNumber,
		InviteTime:      c.InviteTime,
		AnswerTime:      c.AnswerTime,
		EndTime:         c.EndTime,
		DurationSeconds: c.DurationSeconds,
		Reason:          reason,
	})

	if c.AnswerTime.IsZero() {
		m.failed++
	} else {
		m.completed++
		m.totalDuration += int64(c.DurationSeconds)
	}

	slog.Info("[Call] Ended",
		"call_id", callID,
		"reason", reason,
		"duration", c.DurationSeconds)
	return c, nil
}

// Get returns the active dialog for callID.
func (m *Manager) Get(callID string) (*Call, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.calls[callID]
	if !ok {
		return nil, false
	}
	clone := *c
	return &clone, true
}

// IsNumberBusy reports whether number takes part in any dialog that is
// currently RINGING or ESTABLISHED.
func (m *Manager) IsNumberBusy(number string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.calls {
		if c.Mentions(number) && (c.State == StateRinging || c.State == StateEstablished) {
			return true
		}
	}
	return false
}

// CallsByNumber returns the active dialogs number takes part in.
func (m *Manager) CallsByNumber(number string) []*Call {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Call
	for _, c := range m.calls {
		if c.Mentions(number) {
			clone := *c
			out = append(out, &clone)
		}
	}
	return out
}

// ActiveCalls returns a snapshot of all active dialogs.
func (m *Manager) ActiveCalls() []*Call {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Call, 0, len(m.calls))
	for _, c := range m.calls {
		clone := *c
		out = append(out, &clone)
	}
	return out
}

// History returns up to limit completed calls starting at offset, newest
// first.
func (m *Manager) History(limit, offset int) []Record {
	return m.records.Items(limit, offset)
}

// Statistics returns aggregate call counters.
func (m *Manager) Statistics() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Stats{
		Active:    len(m.calls),
		Total:     m.total,
		Completed: m.completed,
		Failed:    m.failed,
	}
	if m.completed > 0 {
		s.AverageDuration = float64(m.totalDuration) / float64(m.completed)
	}
	return s
}

// Cleanup ends every unanswered dialog (INITIATED or RINGING) older than
// the setup timeout. Returns the Call-IDs that were timed out.
func (m *Manager) Cleanup() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var timedOut []string
	cutoff := time.Now().Add(-m.setupTimeout)
	for callID, c := range m.calls {
		unanswered := c.State == StateInitiated || c.State == StateRinging
		if unanswered && c.InviteTime.Before(cutoff) {
			timedOut = append(timedOut, callID)
		}
	}
	for _, callID := range timedOut {
		if _, err := m.endLocked(callID, ReasonTimeout); err == nil {
			slog.Warn("[Call] Setup timed out", "call_id", callID)
		}
	}
	return timedOut
}

// Clear ends every active dialog with reason ERROR. Returns how many were
// removed.
func (m *Manager) Clear() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.calls))
	for callID := range m.calls {
		ids = append(ids, callID)
	}
	for _, callID := range ids {
		_, _ = m.endLocked(callID, ReasonError)
	}
	return len(ids)
}

func (m *Manager) mutate(callID string, fn func(*Call) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[callID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCall, callID)
	}
	return fn(c)
}

func (m *Manager) transition(c *Call, next State) error {
	if !c.State.CanTransitionTo(next) {
		return fmt.Errorf("call %s: invalid transition %s -> %s", c.CallID, c.State, next)
	}
	slog.Debug("[Call] State", "call_id", c.CallID, "from", c.State.String(), "to", next.String())
	c.State = next
	return nil
}
