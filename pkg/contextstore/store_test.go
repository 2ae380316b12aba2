package contextstore

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veridian-Labs/veridian/core/pkg/contracts"
)

type capturingEmitter struct {
	mu      sync.Mutex
	actions []string
}

func (e *capturingEmitter) Publish(ev contracts.Event) error {
	e.mu.Lock()
	e.actions = append(e.actions, ev.Payload["action"].(string))
	e.mu.Unlock()
	return nil
}

func (e *capturingEmitter) count(action string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, a := range e.actions {
		if a == action {
			n++
		}
	}
	return n
}

func message(from, content string) contracts.ConversationMessage {
	return contracts.ConversationMessage{FromAgentID: from, ToAgentID: "peer", Content: content}
}

func TestAddMessageCreatesContextOnDemand(t *testing.T) {
	em := &capturingEmitter{}
	s := New(Options{}, em)

	require.NoError(t, s.AddMessage("sess-1", message("alice", "hello")))

	cc := s.Get("sess-1")
	require.NotNil(t, cc)
	assert.ElementsMatch(t, []string{"alice", "peer"}, cc.Participants)
	require.Len(t, cc.MessageHistory, 1)
	assert.Equal(t, "hello", cc.MessageHistory[0].Content)
	assert.NotEmpty(t, cc.MessageHistory[0].ID)

	assert.Equal(t, 1, em.count("context_saved"))
	require.NoError(t, s.AddMessage("sess-1", message("peer", "hi")))
	assert.Equal(t, 1, em.count("context_updated"))
}

func TestRingDropsOldest(t *testing.T) {
	s := New(Options{MaxHistory: 100}, nil)

	for i := 0; i < 150; i++ {
		require.NoError(t, s.AddMessage("sess-1", message("alice", fmt.Sprintf("m%d", i))))
	}

	history, err := s.MessageHistory("sess-1", 0)
	require.NoError(t, err)
	require.Len(t, history, 100)
	assert.Equal(t, "m50", history[0].Content)
	assert.Equal(t, "m149", history[99].Content)

	tail, err := s.MessageHistory("sess-1", 3)
	require.NoError(t, err)
	require.Len(t, tail, 3)
	assert.Equal(t, "m147", tail[0].Content)
}

func TestContextTTLExpiry(t *testing.T) {
	s := New(Options{ContextTTL: 100 * time.Millisecond}, nil)

	require.NoError(t, s.AddMessage("sess-1", message("alice", "hello")))
	require.NotNil(t, s.Get("sess-1"))

	base := time.Now()
	s.now = func() time.Time { return base.Add(200 * time.Millisecond) }

	assert.Nil(t, s.Get("sess-1"))
	// Purged on access, so the follow-up update is NotFound.
	err := s.UpdateSharedContext("sess-1", map[string]any{"k": 1})
	assert.ErrorIs(t, err, contracts.ErrNotFound)
}

func TestUpdateMergesPartial(t *testing.T) {
	s := New(Options{}, nil)

	require.NoError(t, s.Save(&contracts.ConversationContext{
		SessionID:     "sess-1",
		Participants:  []string{"alice", "bob"},
		SharedContext: map[string]any{"topic": "keys", "round": 1},
	}))

	require.NoError(t, s.Update("sess-1", &contracts.ConversationContext{
		SharedContext: map[string]any{"round": 2},
		EmotionalStates: map[string]*contracts.EmotionalState{
			"alice": {Primary: "curious", Intensity: 0.7},
		},
	}))

	cc := s.Get("sess-1")
	require.NotNil(t, cc)
	assert.Equal(t, "keys", cc.SharedContext["topic"])
	assert.Equal(t, 2, cc.SharedContext["round"])
	assert.Equal(t, "curious", cc.EmotionalStates["alice"].Primary)
	assert.Equal(t, []string{"alice", "bob"}, cc.Participants)

	assert.ErrorIs(t, s.Update("missing", &contracts.ConversationContext{}), contracts.ErrNotFound)
}

func TestEmotionalStateTracksSender(t *testing.T) {
	s := New(Options{}, nil)

	msg := message("alice", "ugh")
	msg.EmotionalState = &contracts.EmotionalState{Primary: "frustrated", Intensity: 0.9}
	require.NoError(t, s.AddMessage("sess-1", msg))

	msg2 := message("alice", "better now")
	msg2.EmotionalState = &contracts.EmotionalState{Primary: "calm", Intensity: 0.4}
	require.NoError(t, s.AddMessage("sess-1", msg2))

	states, err := s.EmotionalStates("sess-1")
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, "calm", states["alice"].Primary)
}

func TestSharedContextRoundTrip(t *testing.T) {
	s := New(Options{}, nil)

	require.NoError(t, s.AddMessage("sess-1", message("alice", "hi")))
	require.NoError(t, s.UpdateSharedContext("sess-1", map[string]any{"lang": "en"}))

	shared, err := s.SharedContext("sess-1")
	require.NoError(t, err)
	assert.Equal(t, "en", shared["lang"])

	// Returned map is a copy.
	shared["lang"] = "de"
	again, err := s.SharedContext("sess-1")
	require.NoError(t, err)
	assert.Equal(t, "en", again["lang"])
}

func TestDeleteAndActiveSessions(t *testing.T) {
	em := &capturingEmitter{}
	s := New(Options{}, em)

	require.NoError(t, s.AddMessage("a", message("alice", "1")))
	require.NoError(t, s.AddMessage("b", message("bob", "2")))
	assert.ElementsMatch(t, []string{"a", "b"}, s.ActiveSessions())

	require.NoError(t, s.Delete("a"))
	assert.ErrorIs(t, s.Delete("a"), contracts.ErrNotFound)
	assert.Equal(t, []string{"b"}, s.ActiveSessions())
	assert.Equal(t, 1, em.count("context_deleted"))
}

func TestStats(t *testing.T) {
	s := New(Options{}, nil)

	assert.Zero(t, s.Stats().TotalContexts)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.AddMessage("a", message("alice", "x")))
	}
	require.NoError(t, s.AddMessage("b", message("bob", "y")))

	stats := s.Stats()
	assert.Equal(t, 2, stats.TotalContexts)
	assert.Equal(t, 4, stats.TotalMessages)
	assert.InDelta(t, 2.0, stats.AverageMessagesPerContext, 1e-9)
}

func TestSweeperDeletesExpired(t *testing.T) {
	em := &capturingEmitter{}
	s := New(Options{ContextTTL: 20 * time.Millisecond, SweepInterval: 10 * time.Millisecond}, em)
	t.Cleanup(s.Close)

	require.NoError(t, s.AddMessage("sess-1", message("alice", "hello")))
	s.Start()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if em.count("context_deleted") == 1 {
			assert.Empty(t, s.ActiveSessions())
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expired context never swept")
}

func TestSaveTrimsOversizedHistory(t *testing.T) {
	s := New(Options{MaxHistory: 2}, nil)

	var history []contracts.ConversationMessage
	for i := 0; i < 5; i++ {
		history = append(history, message("alice", fmt.Sprintf("m%d", i)))
	}
	require.NoError(t, s.Save(&contracts.ConversationContext{
		SessionID:      "sess-1",
		Participants:   []string{"alice"},
		MessageHistory: history,
	}))

	cc := s.Get("sess-1")
	require.Len(t, cc.MessageHistory, 2)
	assert.Equal(t, "m3", cc.MessageHistory[0].Content)
}
