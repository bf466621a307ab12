// Package registrar maintains the extension to contact binding table with
// expiry, plus the registration history exposed over the admin API.
package registrar

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sebas/minipbx/internal/history"
	"github.com/sebas/minipbx/internal/store"
)

// Binding maps an extension to the contact it registered and the transport
// address the REGISTER arrived from.
type Binding struct {
	Extension         string    `json:"extension"`
	ContactURI        string    `json:"contact_uri"`
	Address           string    `json:"address"` // source IP of the REGISTER datagram
	Port              int       `json:"port"`    // source UDP port
	ExpiresSeconds    int       `json:"expires_seconds"`
	ExpiresAt         time.Time `json:"expires_at"`
	RegisteredAt      time.Time `json:"registered_at"`
	LastSeen          time.Time `json:"last_seen"`
	RegistrationCount int       `json:"registration_count"`
}

// Event types recorded in the registration history.
const (
	EventRegister   = "REGISTER"
	EventUnregister = "UNREGISTER"
	EventExpired    = "EXPIRED"
)

// Event is one registration history record.
type Event struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Extension  string    `json:"extension"`
	ContactURI string    `json:"contact_uri,omitempty"`
	Address    string    `json:"address,omitempty"`
	Port       int       `json:"port,omitempty"`
	Time       time.Time `json:"time"`
}

// Registrar owns the binding table. Reads never observe an expired binding;
// the TTL store's sweep removes leftovers between reads.
type Registrar struct {
	bindings *store.TTLStore[string, *Binding]
	events   *history.Ring[Event]
	total    atomic.Int64
}

// New creates a registrar whose expired bindings are swept every
// cleanupInterval.
func New(cleanupInterval time.Duration) *Registrar {
	r := &Registrar{
		events: history.NewRing[Event](history.DefaultCapacity),
	}
	r.bindings = store.NewTTLStore(cleanupInterval, func(number string, b *Binding) {
		slog.Info("[Registrar] Binding expired", "extension", number, "contact", b.ContactURI)
		r.record(EventExpired, b)
	})
	return r
}

// Register creates or refreshes the binding for number. A prior binding's
// registration time and count are preserved; the merge happens under the
// store's write lock.
func (r *Registrar) Register(number, contactURI, addr string, port, expiresSeconds int) *Binding {
	now := time.Now()
	expiresAt := now.Add(time.Duration(expiresSeconds) * time.Second)

	var out *Binding
	r.bindings.Update(number, expiresAt, func(prev *Binding, ok bool) *Binding {
		b := &Binding{
			Extension:         number,
			ContactURI:        contactURI,
			Address:           addr,
			Port:              port,
			ExpiresSeconds:    expiresSeconds,
			ExpiresAt:         expiresAt,
			RegisteredAt:      now,
			LastSeen:          now,
			RegistrationCount: 1,
		}
		if ok {
			b.RegisteredAt = prev.RegisteredAt
			b.RegistrationCount = prev.RegistrationCount + 1
		}
		out = b
		return b
	})

	r.total.Add(1)
	r.record(EventRegister, out)
	slog.Info("[Registrar] Registered",
		"extension", number,
		"contact", contactURI,
		"source", addr,
		"port", port,
		"expires", expiresSeconds,
		"count", out.RegistrationCount)
	return out
}

// Unregister removes the binding for number if present. The store's delete
// decides the winner when unregisters race, so only one records the event.
func (r *Registrar) Unregister(number string) bool {
	b, ok := r.bindings.Get(number)
	if !ok {
		return false
	}
	if !r.bindings.Delete(number) {
		return false
	}
	r.record(EventUnregister, b)
	slog.Info("[Registrar] Unregistered", "extension", number)
	return true
}

// Lookup returns a copy of the current binding for number, if any. Expired
// bindings are never returned.
func (r *Registrar) Lookup(number string) (*Binding, bool) {
	b, ok := r.bindings.Get(number)
	if !ok {
		return nil, false
	}
	clone := *b
	return &clone, true
}

// IsRegistered reports whether number has an unexpired binding.
func (r *Registrar) IsRegistered(number string) bool {
	return r.bindings.Has(number)
}

// UpdateLastSeen bumps the last-seen time of number's binding, keeping its
// expiry unchanged. The stored binding is replaced, never mutated, so
// pointers handed out earlier stay safe to read.
func (r *Registrar) UpdateLastSeen(number string) {
	entry, ok := r.bindings.GetEntry(number)
	if !ok {
		return
	}
	r.bindings.Update(number, entry.ExpiresAt, func(prev *Binding, ok bool) *Binding {
		src := entry.Value
		if ok {
			src = prev
		}
		b := *src
		b.LastSeen = time.Now()
		return &b
	})
}

// Cleanup removes all expired bindings immediately.
func (r *Registrar) Cleanup() {
	r.bindings.Cleanup()
}

// All returns a copy of every active binding.
func (r *Registrar) All() []*Binding {
	items := r.bindings.All()
	out := make([]*Binding, 0, len(items))
	for _, b := range items {
		clone := *b
		out = append(out, &clone)
	}
	return out
}

// Count returns the number of active bindings.
func (r *Registrar) Count() int {
	return r.bindings.Len()
}

// TotalRegistrations returns the number of REGISTER operations processed
// since startup.
func (r *Registrar) TotalRegistrations() int64 {
	return r.total.Load()
}

// Clear removes every binding and returns how many were removed.
func (r *Registrar) Clear() int {
	n := r.bindings.Len()
	r.bindings.Clear()
	slog.Warn("[Registrar] Cleared all bindings", "count", n)
	return n
}

// History returns up to limit registration events starting at offset,
// newest first.
func (r *Registrar) History(limit, offset int) []Event {
	return r.events.Items(limit, offset)
}

// Close stops the background sweep.
func (r *Registrar) Close() {
	r.bindings.Close()
}

func (r *Registrar) record(eventType string, b *Binding) {
	r.events.Append(Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		Extension:  b.Extension,
		ContactURI: b.ContactURI,
		Address:    b.Address,
		Port:       b.Port,
		Time:       time.Now(),
	})
}
