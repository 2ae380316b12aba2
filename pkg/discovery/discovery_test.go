package discovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veridian-Labs/veridian/core/pkg/contracts"
)

var testSecret = []byte("discovery-test-secret")

func newService(t *testing.T, opts Options, bus Publisher) *Service {
	t.Helper()
	if opts.TokenSecret == nil {
		opts.TokenSecret = testSecret
	}
	s, err := New(opts, bus)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func registration(id string) Registration {
	return Registration{
		AgentID:      id,
		DID:          "did:veridian:" + id,
		Address:      "10.0.0.1",
		Endpoint:     "https://agents.example/" + id,
		Capabilities: []string{"echo", "translate"},
		Metadata:     map[string]string{"region": "eu"},
	}
}

type capturingBus struct {
	mu     sync.Mutex
	events []contracts.Event
}

func (b *capturingBus) Publish(e contracts.Event) error {
	b.mu.Lock()
	b.events = append(b.events, e)
	b.mu.Unlock()
	return nil
}

func (b *capturingBus) ofType(t contracts.EventType) []contracts.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []contracts.Event
	for _, e := range b.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func TestRegisterValidation(t *testing.T) {
	s := newService(t, Options{}, nil)

	cases := []Registration{
		{DID: "d", Address: "a", Endpoint: "e"},
		{AgentID: "x", Address: "a", Endpoint: "e"},
		{AgentID: "x", DID: "d", Endpoint: "e"},
		{AgentID: "x", DID: "d", Address: "a"},
	}
	for _, reg := range cases {
		_, err := s.Register(reg)
		assert.ErrorIs(t, err, contracts.ErrInvalidArgument)
	}

	_, err := s.Register(registration("a1"))
	require.NoError(t, err)
	_, err = s.Register(registration("a1"))
	assert.ErrorIs(t, err, contracts.ErrDuplicateID)
}

func TestHeartbeatRequiresValidToken(t *testing.T) {
	s := newService(t, Options{}, nil)

	token, err := s.Register(registration("a1"))
	require.NoError(t, err)

	require.NoError(t, s.Heartbeat("a1", token, contracts.StatusDegraded))
	rec, err := s.Get("a1")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusDegraded, rec.Status)

	// Garbage token, someone else's token, and the wrong subject all fail.
	assert.ErrorIs(t, s.Heartbeat("a1", "not-a-token", ""), contracts.ErrInvalidArgument)
	other, err := s.Register(registration("a2"))
	require.NoError(t, err)
	assert.ErrorIs(t, s.Heartbeat("a1", other, ""), contracts.ErrInvalidArgument)
}

func TestExpiredTokenRejected(t *testing.T) {
	s := newService(t, Options{TokenTTL: time.Millisecond}, nil)

	token, err := s.Register(registration("a1"))
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	assert.ErrorIs(t, s.Heartbeat("a1", token, ""), contracts.ErrInvalidArgument)
}

func TestFindCapabilitySuperset(t *testing.T) {
	s := newService(t, Options{}, nil)

	_, err := s.Register(registration("both"))
	require.NoError(t, err)
	partial := registration("partial")
	partial.Capabilities = []string{"echo"}
	_, err = s.Register(partial)
	require.NoError(t, err)

	res := s.Find(Query{Capabilities: []string{"echo", "translate"}})
	require.Len(t, res.Agents, 1)
	assert.Equal(t, "both", res.Agents[0].AgentID)

	res = s.Find(Query{Capabilities: []string{"echo"}})
	assert.Equal(t, 2, res.TotalCount)
}

func TestFindMetadataFiltersAndCap(t *testing.T) {
	s := newService(t, Options{}, nil)

	for _, id := range []string{"a", "b", "c"} {
		reg := registration(id)
		if id == "c" {
			reg.Metadata = map[string]string{"region": "us"}
		}
		_, err := s.Register(reg)
		require.NoError(t, err)
	}

	res := s.Find(Query{Filters: map[string]string{"region": "eu"}, MaxResults: 1})
	assert.Len(t, res.Agents, 1)
	// TotalCount reflects the pre-cap match count.
	assert.Equal(t, 2, res.TotalCount)

	assert.Zero(t, s.Find(Query{Filters: map[string]string{"region": "apac"}}).TotalCount)
}

func TestSweeperMarksSilentAgentsOffline(t *testing.T) {
	bus := &capturingBus{}
	s := newService(t, Options{
		HeartbeatInterval: 10 * time.Millisecond,
		HeartbeatTimeout:  25 * time.Millisecond,
	}, bus)

	token, err := s.Register(registration("quiet"))
	require.NoError(t, err)
	_, err = s.Register(registration("chatty"))
	require.NoError(t, err)
	_, err = s.Register(registration("keeper"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	// Keep one agent alive past the timeout window.
	deadline := time.Now().Add(100 * time.Millisecond)
	for time.Now().Before(deadline) {
		require.NoError(t, s.Heartbeat("quiet", token, contracts.StatusOnline))
		time.Sleep(10 * time.Millisecond)
	}

	rec, err := s.Get("quiet")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusOnline, rec.Status)

	rec, err = s.Get("chatty")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusOffline, rec.Status)

	// Disconnection semantics: a deregistered event per timed-out agent,
	// emitted once.
	events := bus.ofType(contracts.EventAgentDeregistered)
	sources := make(map[string]int)
	for _, e := range events {
		sources[e.SourceAgent]++
	}
	assert.Equal(t, 1, sources["chatty"])
	assert.Equal(t, 1, sources["keeper"])
	assert.Zero(t, sources["quiet"])
}

func TestDeregister(t *testing.T) {
	bus := &capturingBus{}
	s := newService(t, Options{}, bus)

	_, err := s.Register(registration("a1"))
	require.NoError(t, err)
	require.NoError(t, s.Deregister("a1"))
	assert.ErrorIs(t, s.Deregister("a1"), contracts.ErrNotFound)
	assert.Len(t, bus.ofType(contracts.EventAgentDeregistered), 1)
}
