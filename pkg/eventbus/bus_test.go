package eventbus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veridian-Labs/veridian/core/pkg/contracts"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestPublishUnknownType(t *testing.T) {
	b := New(Options{})
	defer b.Close()

	err := b.Publish(contracts.Event{Type: "workflow:exploded"})
	assert.ErrorIs(t, err, contracts.ErrInvalidArgument)
}

func TestSubscriberReceivesFilteredEvents(t *testing.T) {
	b := New(Options{})
	defer b.Close()

	var mu sync.Mutex
	var got []contracts.Event
	_, err := b.Subscribe(Filter{Types: []contracts.EventType{contracts.EventWorkflowCompleted}}, func(e contracts.Event) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(contracts.Event{Type: contracts.EventWorkflowStarted, WorkflowID: "w1"}))
	require.NoError(t, b.Publish(contracts.Event{Type: contracts.EventWorkflowCompleted, WorkflowID: "w1"}))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})
	mu.Lock()
	assert.Equal(t, contracts.EventWorkflowCompleted, got[0].Type)
	mu.Unlock()
}

func TestAgentFilterMatchesSourceOrTarget(t *testing.T) {
	b := New(Options{})
	defer b.Close()

	var mu sync.Mutex
	var count int
	_, err := b.Subscribe(Filter{
		Types:   []contracts.EventType{contracts.EventAgentEvent},
		AgentID: "b1",
	}, func(contracts.Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(contracts.Event{Type: contracts.EventAgentEvent, SourceAgent: "b1"}))
	require.NoError(t, b.Publish(contracts.Event{Type: contracts.EventAgentEvent, SourceAgent: "x", TargetAgent: "b1"}))
	require.NoError(t, b.Publish(contracts.Event{Type: contracts.EventAgentEvent, SourceAgent: "x", TargetAgent: "y"}))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 2
	})
}

func TestPerSubscriberFIFO(t *testing.T) {
	b := New(Options{})
	defer b.Close()

	var mu sync.Mutex
	var seen []string
	_, err := b.Subscribe(Filter{Types: []contracts.EventType{contracts.EventAgentEvent}}, func(e contracts.Event) {
		mu.Lock()
		seen = append(seen, e.CorrelationID)
		mu.Unlock()
	})
	require.NoError(t, err)

	want := make([]string, 50)
	for i := range want {
		want[i] = string(rune('a' + i%26))
		require.NoError(t, b.Publish(contracts.Event{
			Type:          contracts.EventAgentEvent,
			CorrelationID: want[i],
		}))
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == len(want)
	})
	mu.Lock()
	assert.Equal(t, want, seen)
	mu.Unlock()
}

func TestPanickingSubscriberIsolated(t *testing.T) {
	b := New(Options{})
	defer b.Close()

	_, err := b.Subscribe(Filter{Types: []contracts.EventType{contracts.EventAgentEvent}}, func(contracts.Event) {
		panic("boom")
	})
	require.NoError(t, err)

	var mu sync.Mutex
	var count int
	_, err = b.Subscribe(Filter{Types: []contracts.EventType{contracts.EventAgentEvent}}, func(contracts.Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	require.NoError(t, err)

	// The panicking subscriber must not prevent the healthy one from
	// observing every event, nor surface to the publisher.
	for i := 0; i < 3; i++ {
		require.NoError(t, b.Publish(contracts.Event{Type: contracts.EventAgentEvent}))
	}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 3
	})
}

func TestPauseResume(t *testing.T) {
	b := New(Options{})
	defer b.Close()

	var mu sync.Mutex
	var count int
	id, err := b.Subscribe(Filter{Types: []contracts.EventType{contracts.EventAgentEvent}}, func(contracts.Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	require.NoError(t, err)

	require.NoError(t, b.Pause(id))
	require.NoError(t, b.Publish(contracts.Event{Type: contracts.EventAgentEvent, CorrelationID: "missed"}))

	require.NoError(t, b.Resume(id))
	require.NoError(t, b.Publish(contracts.Event{Type: contracts.EventAgentEvent, CorrelationID: "seen"}))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	})

	// The missed event is still in history.
	hist := b.History(HistoryQuery{Types: []contracts.EventType{contracts.EventAgentEvent}})
	assert.Len(t, hist, 2)
}

func TestHistoryRingBound(t *testing.T) {
	b := New(Options{HistorySize: 10})
	defer b.Close()

	for i := 0; i < 25; i++ {
		require.NoError(t, b.Publish(contracts.Event{
			Type:        contracts.EventAgentEvent,
			SourceAgent: "s",
		}))
	}
	assert.Len(t, b.History(HistoryQuery{}), 10)
}

func TestHistoryFilters(t *testing.T) {
	b := New(Options{})
	defer b.Close()

	require.NoError(t, b.Publish(contracts.Event{Type: contracts.EventWorkflowStarted, WorkflowID: "w1", CorrelationID: "c1", SourceAgent: "maestro"}))
	require.NoError(t, b.Publish(contracts.Event{Type: contracts.EventWorkflowCompleted, WorkflowID: "w1", CorrelationID: "c1", SourceAgent: "maestro"}))
	require.NoError(t, b.Publish(contracts.Event{Type: contracts.EventWorkflowStarted, WorkflowID: "w2", CorrelationID: "c2", SourceAgent: "maestro"}))

	assert.Len(t, b.History(HistoryQuery{WorkflowID: "w1"}), 2)
	assert.Len(t, b.History(HistoryQuery{CorrelationID: "c2"}), 1)
	assert.Len(t, b.History(HistoryQuery{Types: []contracts.EventType{contracts.EventWorkflowStarted}}), 2)
	assert.Len(t, b.History(HistoryQuery{WorkflowID: "w1", Limit: 1}), 1)
	assert.Empty(t, b.History(HistoryQuery{Since: time.Now().Add(time.Hour)}))
}

func TestUnsubscribe(t *testing.T) {
	b := New(Options{})
	defer b.Close()

	id, err := b.Subscribe(Filter{Types: []contracts.EventType{contracts.EventAgentEvent}}, func(contracts.Event) {})
	require.NoError(t, err)
	require.NoError(t, b.Unsubscribe(id))
	assert.ErrorIs(t, b.Unsubscribe(id), contracts.ErrNotFound)
}
