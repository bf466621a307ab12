package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebas/minipbx/internal/call"
	"github.com/sebas/minipbx/internal/registrar"
	"github.com/sebas/minipbx/internal/rtp"
)

type fixture struct {
	server *Server
	users  *registrar.Registrar
	calls  *call.Manager
	relay  *rtp.Relay
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	users := registrar.New(time.Minute)
	t.Cleanup(users.Close)
	calls := call.NewManager(30 * time.Second)
	relay, err := rtp.NewRelay("127.0.0.1", 0)
	require.NoError(t, err)
	t.Cleanup(func() { relay.Close() })

	return &fixture{
		server: NewServer(":0", users, calls, relay, 100, 102),
		users:  users,
		calls:  calls,
		relay:  relay,
	}
}

func (f *fixture) do(t *testing.T, method, path string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return rec, env
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	rec, env := f.do(t, http.MethodGet, "/api/v1/health")
	assert.Equal(t, http.StatusOK, rec.Code)

	data := env.Data.(map[string]any)
	assert.Equal(t, "ok", data["status"])
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	f.users.Register("100", "sip:100@a:5060", "192.168.1.10", 5060, 3600)

	rec, env := f.do(t, http.MethodGet, "/api/v1/stats")
	assert.Equal(t, http.StatusOK, rec.Code)

	data := env.Data.(map[string]any)
	assert.Equal(t, float64(1), data["registered_users"])
	assert.Contains(t, data, "calls")
	assert.Contains(t, data, "rtp")
}

func TestExtensions(t *testing.T) {
	f := newFixture(t)
	f.users.Register("101", "sip:101@a:5060", "192.168.1.10", 5060, 3600)

	rec, env := f.do(t, http.MethodGet, "/api/v1/extensions")
	assert.Equal(t, http.StatusOK, rec.Code)

	list := env.Data.([]any)
	require.Len(t, list, 3) // extensions 100 through 102

	byNumber := map[string]map[string]any{}
	for _, item := range list {
		ext := item.(map[string]any)
		byNumber[ext["number"].(string)] = ext
	}
	assert.False(t, byNumber["100"]["registered"].(bool))
	assert.True(t, byNumber["101"]["registered"].(bool))
	assert.False(t, byNumber["101"]["busy"].(bool))
}

func TestUsersListAndUnregister(t *testing.T) {
	f := newFixture(t)
	f.users.Register("100", "sip:100@a:5060", "192.168.1.10", 5060, 3600)

	rec, env := f.do(t, http.MethodGet, "/api/v1/users")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, env.Data.([]any), 1)

	rec, _ = f.do(t, http.MethodDelete, "/api/v1/users/100")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, f.users.IsRegistered("100"))

	rec, env = f.do(t, http.MethodDelete, "/api/v1/users/100")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.NotEmpty(t, env.Error)
}

func TestCallsAndHistory(t *testing.T) {
	f := newFixture(t)
	_, err := f.calls.Create("call-1", "100", "101", call.Transport{Addr: "192.168.1.10", Port: 5060}, "")
	require.NoError(t, err)

	rec, env := f.do(t, http.MethodGet, "/api/v1/calls")
	assert.Equal(t, http.StatusOK, rec.Code)
	list := env.Data.([]any)
	require.Len(t, list, 1)
	active := list[0].(map[string]any)
	assert.Equal(t, "call-1", active["call_id"])
	assert.Equal(t, "INITIATED", active["state"])

	_, err = f.calls.End("call-1", call.ReasonError)
	require.NoError(t, err)

	rec, env = f.do(t, http.MethodGet, "/api/v1/calls/history?limit=5")
	assert.Equal(t, http.StatusOK, rec.Code)
	history := env.Data.([]any)
	require.Len(t, history, 1)
	assert.Equal(t, "ERROR", history[0].(map[string]any)["reason"])
}

func TestClearCalls(t *testing.T) {
	f := newFixture(t)
	_, err := f.calls.Create("call-1", "100", "101", call.Transport{Addr: "192.168.1.10", Port: 5060}, "")
	require.NoError(t, err)

	rec, env := f.do(t, http.MethodDelete, "/api/v1/calls")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), env.Data.(map[string]any)["cleared"])
	assert.Empty(t, f.calls.ActiveCalls())
}

func TestRegistrationHistory(t *testing.T) {
	f := newFixture(t)
	f.users.Register("100", "sip:100@a:5060", "192.168.1.10", 5060, 3600)

	rec, env := f.do(t, http.MethodGet, "/api/v1/registrations/history")
	assert.Equal(t, http.StatusOK, rec.Code)
	events := env.Data.([]any)
	require.Len(t, events, 1)
	assert.Equal(t, "REGISTER", events[0].(map[string]any)["type"])
}

func TestStreams(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.relay.AddCallStreams("call-1",
		rtp.Endpoint{Addr: "192.168.1.10", Port: 40000},
		rtp.Endpoint{Addr: "192.168.1.20", Port: 41000}))

	rec, env := f.do(t, http.MethodGet, "/api/v1/streams")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, env.Data.([]any), 2)
}
