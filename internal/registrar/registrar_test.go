package registrar

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistrar(t *testing.T) *Registrar {
	t.Helper()
	r := New(time.Hour)
	t.Cleanup(r.Close)
	return r
}

func TestRegisterAndLookup(t *testing.T) {
	r := newTestRegistrar(t)

	b := r.Register("100", "sip:100@192.168.1.10:5060", "192.168.1.10", 5060, 3600)
	assert.Equal(t, "100", b.Extension)
	assert.Equal(t, 1, b.RegistrationCount)
	assert.Equal(t, 3600, b.ExpiresSeconds)

	got, ok := r.Lookup("100")
	require.True(t, ok)
	assert.Equal(t, "sip:100@192.168.1.10:5060", got.ContactURI)
	assert.Equal(t, "192.168.1.10", got.Address)
	assert.Equal(t, 5060, got.Port)

	assert.True(t, r.IsRegistered("100"))
	assert.False(t, r.IsRegistered("101"))
	assert.Equal(t, 1, r.Count())
}

func TestRefreshPreservesIdentity(t *testing.T) {
	r := newTestRegistrar(t)

	first := r.Register("100", "sip:100@192.168.1.10:5060", "192.168.1.10", 5060, 3600)
	time.Sleep(5 * time.Millisecond)
	second := r.Register("100", "sip:100@192.168.1.10:5062", "192.168.1.10", 5062, 60)

	assert.Equal(t, 2, second.RegistrationCount)
	assert.Equal(t, first.RegisteredAt, second.RegisteredAt)
	assert.True(t, second.LastSeen.After(first.LastSeen))
	assert.Equal(t, "sip:100@192.168.1.10:5062", second.ContactURI)

	assert.Equal(t, 1, r.Count())
	assert.Equal(t, int64(2), r.TotalRegistrations())
}

func TestExpiresZeroIsImmediatelyGone(t *testing.T) {
	r := newTestRegistrar(t)

	r.Register("100", "sip:100@192.168.1.10:5060", "192.168.1.10", 5060, 0)

	time.Sleep(time.Millisecond)
	assert.False(t, r.IsRegistered("100"))
	_, ok := r.Lookup("100")
	assert.False(t, ok)

	// The sweep records the expiry in the history.
	r.Cleanup()
	events := r.History(10, 0)
	require.NotEmpty(t, events)
	assert.Equal(t, EventExpired, events[0].Type)
}

func TestUnregister(t *testing.T) {
	r := newTestRegistrar(t)

	r.Register("100", "sip:100@192.168.1.10:5060", "192.168.1.10", 5060, 3600)
	assert.True(t, r.Unregister("100"))
	assert.False(t, r.IsRegistered("100"))
	assert.False(t, r.Unregister("100"))

	events := r.History(10, 0)
	require.Len(t, events, 2)
	assert.Equal(t, EventUnregister, events[0].Type)
	assert.Equal(t, EventRegister, events[1].Type)
}

func TestUpdateLastSeen(t *testing.T) {
	r := newTestRegistrar(t)

	before := r.Register("100", "sip:100@192.168.1.10:5060", "192.168.1.10", 5060, 3600)
	time.Sleep(5 * time.Millisecond)
	r.UpdateLastSeen("100")

	after, ok := r.Lookup("100")
	require.True(t, ok)
	assert.True(t, after.LastSeen.After(before.RegisteredAt))
	assert.Equal(t, before.ExpiresAt, after.ExpiresAt)

	// No-op for unknown extensions.
	r.UpdateLastSeen("109")
}

func TestLookupReturnsCopy(t *testing.T) {
	r := newTestRegistrar(t)
	r.Register("100", "sip:100@192.168.1.10:5060", "192.168.1.10", 5060, 3600)

	b, ok := r.Lookup("100")
	require.True(t, ok)
	b.ContactURI = "tampered"

	fresh, ok := r.Lookup("100")
	require.True(t, ok)
	assert.Equal(t, "sip:100@192.168.1.10:5060", fresh.ContactURI)

	all := r.All()
	require.Len(t, all, 1)
	all[0].Extension = "tampered"
	fresh, _ = r.Lookup("100")
	assert.Equal(t, "100", fresh.Extension)
}

func TestUpdateLastSeenDoesNotMutateSnapshots(t *testing.T) {
	r := newTestRegistrar(t)
	r.Register("100", "sip:100@192.168.1.10:5060", "192.168.1.10", 5060, 3600)

	snapshot, ok := r.Lookup("100")
	require.True(t, ok)
	seenBefore := snapshot.LastSeen

	time.Sleep(5 * time.Millisecond)
	r.UpdateLastSeen("100")

	// The earlier snapshot is untouched; only a fresh read sees the bump.
	assert.Equal(t, seenBefore, snapshot.LastSeen)
	fresh, _ := r.Lookup("100")
	assert.True(t, fresh.LastSeen.After(seenBefore))
}

func TestConcurrentUnregisterSingleWinner(t *testing.T) {
	r := newTestRegistrar(t)
	r.Register("100", "sip:100@192.168.1.10:5060", "192.168.1.10", 5060, 3600)

	const racers = 8
	results := make(chan bool, racers)
	var start sync.WaitGroup
	start.Add(1)
	for i := 0; i < racers; i++ {
		go func() {
			start.Wait()
			results <- r.Unregister("100")
		}()
	}
	start.Done()

	wins := 0
	for i := 0; i < racers; i++ {
		if <-results {
			wins++
		}
	}
	assert.Equal(t, 1, wins)

	var unregisters int
	for _, e := range r.History(0, 0) {
		if e.Type == EventUnregister {
			unregisters++
		}
	}
	assert.Equal(t, 1, unregisters)
}

func TestAllAndClear(t *testing.T) {
	r := newTestRegistrar(t)

	r.Register("100", "sip:100@a:5060", "192.168.1.10", 5060, 3600)
	r.Register("101", "sip:101@b:5060", "192.168.1.20", 5060, 3600)

	assert.Len(t, r.All(), 2)
	assert.Equal(t, 2, r.Clear())
	assert.Equal(t, 0, r.Count())
}

func TestHistoryNewestFirst(t *testing.T) {
	r := newTestRegistrar(t)

	r.Register("100", "sip:100@a:5060", "192.168.1.10", 5060, 3600)
	r.Register("101", "sip:101@b:5060", "192.168.1.20", 5060, 3600)

	events := r.History(10, 0)
	require.Len(t, events, 2)
	assert.Equal(t, "101", events[0].Extension)
	assert.Equal(t, "100", events[1].Extension)
	assert.NotEmpty(t, events[0].ID)
}
