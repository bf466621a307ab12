package call

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	callerT = Transport{Addr: "192.168.1.10", Port: 5060}
	calleeT = Transport{Addr: "192.168.1.20", Port: 5060}
)

func newTestManager() *Manager {
	return NewManager(30 * time.Second)
}

func TestCreateAndGet(t *testing.T) {
	m := newTestManager()

	c, err := m.Create("call-1", "100", "101", callerT, "v=0")
	require.NoError(t, err)
	assert.Equal(t, StateInitiated, c.State)
	assert.False(t, c.InviteTime.IsZero())

	got, ok := m.Get("call-1")
	require.True(t, ok)
	assert.Equal(t, "100", got.FromNumber)
	assert.Equal(t, "101", got.ToNumber)
	assert.Equal(t, callerT, got.FromTransport)
}

func TestCreateDuplicate(t *testing.T) {
	m := newTestManager()

	_, err := m.Create("call-1", "100", "101", callerT, "")
	require.NoError(t, err)
	_, err = m.Create("call-1", "102", "103", callerT, "")
	assert.Error(t, err)
}

func TestGetReturnsClone(t *testing.T) {
	m := newTestManager()
	_, err := m.Create("call-1", "100", "101", callerT, "")
	require.NoError(t, err)

	c, _ := m.Get("call-1")
	c.FromNumber = "tampered"

	fresh, _ := m.Get("call-1")
	assert.Equal(t, "100", fresh.FromNumber)
}

func TestAnswerFlow(t *testing.T) {
	m := newTestManager()
	_, err := m.Create("call-1", "100", "101", callerT, "")
	require.NoError(t, err)

	require.NoError(t, m.SetTarget("call-1", calleeT))
	c, _ := m.Get("call-1")
	assert.Equal(t, StateRinging, c.State)
	assert.Equal(t, calleeT, c.ToTransport)

	require.NoError(t, m.SetRTPPorts("call-1", 40000, 0))
	require.NoError(t, m.SetRTPPorts("call-1", 0, 41000))
	c, _ = m.Get("call-1")
	assert.Equal(t, 40000, c.FromRTPPort)
	assert.Equal(t, 41000, c.ToRTPPort)

	require.NoError(t, m.Answer("call-1"))
	c, _ = m.Get("call-1")
	assert.Equal(t, StateEstablished, c.State)
	assert.True(t, c.WaitingForACK)
	assert.False(t, c.AnswerTime.IsZero())

	require.NoError(t, m.AckReceived("call-1"))
	c, _ = m.Get("call-1")
	assert.False(t, c.WaitingForACK)
}

func TestAnswerBeforeRingingRejected(t *testing.T) {
	m := newTestManager()
	_, err := m.Create("call-1", "100", "101", callerT, "")
	require.NoError(t, err)

	assert.Error(t, m.Answer("call-1"))
}

func TestEnd(t *testing.T) {
	m := newTestManager()
	_, err := m.Create("call-1", "100", "101", callerT, "")
	require.NoError(t, err)
	require.NoError(t, m.SetTarget("call-1", calleeT))
	require.NoError(t, m.Answer("call-1"))

	c, err := m.End("call-1", ReasonNormal)
	require.NoError(t, err)
	assert.Equal(t, StateTerminated, c.State)
	assert.Equal(t, ReasonNormal, c.TerminationReason)

	_, ok := m.Get("call-1")
	assert.False(t, ok)

	records := m.History(10, 0)
	require.Len(t, records, 1)
	assert.Equal(t, "call-1", records[0].CallID)
	assert.Equal(t, ReasonNormal, records[0].Reason)

	stats := m.Statistics()
	assert.Equal(t, 0, stats.Active)
	assert.Equal(t, int64(1), stats.Total)
	assert.Equal(t, int64(1), stats.Completed)
	assert.Equal(t, int64(0), stats.Failed)
}

func TestEndUnanswered(t *testing.T) {
	m := newTestManager()
	_, err := m.Create("call-1", "100", "101", callerT, "")
	require.NoError(t, err)

	_, err = m.End("call-1", ReasonRejected)
	require.NoError(t, err)

	stats := m.Statistics()
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(0), stats.Completed)
}

func TestEndUnknown(t *testing.T) {
	m := newTestManager()
	_, err := m.End("no-such", ReasonNormal)
	assert.ErrorIs(t, err, ErrUnknownCall)
}

func TestIsNumberBusy(t *testing.T) {
	m := newTestManager()
	_, err := m.Create("call-1", "100", "101", callerT, "")
	require.NoError(t, err)

	// INITIATED does not count as busy.
	assert.False(t, m.IsNumberBusy("100"))
	assert.False(t, m.IsNumberBusy("101"))

	require.NoError(t, m.SetTarget("call-1", calleeT))
	assert.True(t, m.IsNumberBusy("100"))
	assert.True(t, m.IsNumberBusy("101"))
	assert.False(t, m.IsNumberBusy("102"))

	require.NoError(t, m.Answer("call-1"))
	assert.True(t, m.IsNumberBusy("101"))

	_, err = m.End("call-1", ReasonNormal)
	require.NoError(t, err)
	assert.False(t, m.IsNumberBusy("101"))
}

func TestTerminating(t *testing.T) {
	m := newTestManager()
	_, err := m.Create("call-1", "100", "101", callerT, "")
	require.NoError(t, err)
	require.NoError(t, m.SetTarget("call-1", calleeT))
	require.NoError(t, m.Answer("call-1"))

	require.NoError(t, m.Terminating("call-1"))
	c, _ := m.Get("call-1")
	assert.Equal(t, StateTerminating, c.State)

	// A second BYE on the same dialog is an invalid transition.
	assert.Error(t, m.Terminating("call-1"))
}

func TestCleanupTimesOutUnanswered(t *testing.T) {
	m := NewManager(10 * time.Millisecond)
	_, err := m.Create("stuck", "100", "101", callerT, "")
	require.NoError(t, err)
	_, err = m.Create("ringing", "102", "103", callerT, "")
	require.NoError(t, err)
	require.NoError(t, m.SetTarget("ringing", calleeT))
	_, err = m.Create("answered", "104", "105", callerT, "")
	require.NoError(t, err)
	require.NoError(t, m.SetTarget("answered", calleeT))
	require.NoError(t, m.Answer("answered"))

	time.Sleep(20 * time.Millisecond)
	timedOut := m.Cleanup()

	// Both pre-answer dialogs are swept; an established call never is.
	assert.ElementsMatch(t, []string{"stuck", "ringing"}, timedOut)
	_, ok := m.Get("stuck")
	assert.False(t, ok)
	_, ok = m.Get("ringing")
	assert.False(t, ok)
	_, ok = m.Get("answered")
	assert.True(t, ok)

	// Timing out an unanswered dialog frees the callee.
	assert.False(t, m.IsNumberBusy("103"))
	assert.True(t, m.IsNumberBusy("105"))

	records := m.History(10, 0)
	require.Len(t, records, 2)
	for _, rec := range records {
		assert.Equal(t, ReasonTimeout, rec.Reason)
	}
}

func TestClear(t *testing.T) {
	m := newTestManager()
	_, err := m.Create("call-1", "100", "101", callerT, "")
	require.NoError(t, err)
	_, err = m.Create("call-2", "102", "103", callerT, "")
	require.NoError(t, err)

	assert.Equal(t, 2, m.Clear())
	assert.Empty(t, m.ActiveCalls())
}

func TestCallsByNumber(t *testing.T) {
	m := newTestManager()
	_, err := m.Create("call-1", "100", "101", callerT, "")
	require.NoError(t, err)
	_, err = m.Create("call-2", "102", "100", callerT, "")
	require.NoError(t, err)

	assert.Len(t, m.CallsByNumber("100"), 2)
	assert.Len(t, m.CallsByNumber("101"), 1)
	assert.Empty(t, m.CallsByNumber("105"))
}
