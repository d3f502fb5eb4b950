package bus

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deeployd/forge/internal/domain"
	"github.com/deeployd/forge/internal/logger"
)

type fakeSubscriber struct {
	sent   []Message
	closed bool
	code   int
	reason string
	failOn int
}

func (f *fakeSubscriber) Send(message any) error {
	if f.failOn > 0 && len(f.sent) >= f.failOn {
		return errors.New("broken pipe")
	}
	f.sent = append(f.sent, message.(Message))
	return nil
}

func (f *fakeSubscriber) Close(code int, reason string) error {
	f.closed, f.code, f.reason = true, code, reason
	return nil
}

func newTestHub(t *testing.T, maxConns int) *Hub {
	t.Helper()
	log, err := logger.New("development")
	require.NoError(t, err)
	return NewHub(log, maxConns, nil)
}

func addFakeClient(h *Hub, clientID, promptID, room string) *fakeSubscriber {
	fs := &fakeSubscriber{}
	h.mu.Lock()
	h.byClient[clientID] = &domain.Subscription{
		ClientID: clientID, PromptID: promptID, Room: room,
		Handle: fs, ConnectedAt: time.Now(), LastPing: time.Now(),
	}
	if promptID != "" {
		h.indexAdd(h.byPrompt, promptID, clientID)
	}
	if room != "" {
		h.indexAdd(h.byRoom, room, clientID)
	}
	h.mu.Unlock()
	return fs
}

func TestBroadcastPrompt_FansOutToSubscribers(t *testing.T) {
	h := newTestHub(t, 10)
	a := addFakeClient(h, "a", "prompt-1", "")
	b := addFakeClient(h, "b", "prompt-1", "")
	other := addFakeClient(h, "c", "prompt-2", "")

	h.BroadcastPrompt("prompt-1", Message{Type: EventProgressUpdate})

	assert.Len(t, a.sent, 1)
	assert.Len(t, b.sent, 1)
	assert.Len(t, other.sent, 0)
}

func TestBroadcastPrompt_DeliversInProducerOrder(t *testing.T) {
	h := newTestHub(t, 10)
	a := addFakeClient(h, "a", "prompt-1", "")

	h.BroadcastPrompt("prompt-1", Message{Type: EventExecutionStarted})
	h.BroadcastPrompt("prompt-1", Message{Type: EventProgressUpdate})
	h.BroadcastPrompt("prompt-1", Message{Type: EventExecutionComplete})

	require.Len(t, a.sent, 3)
	assert.Equal(t, EventExecutionStarted, a.sent[0].Type)
	assert.Equal(t, EventProgressUpdate, a.sent[1].Type)
	assert.Equal(t, EventExecutionComplete, a.sent[2].Type)
}

func TestSend_TransportErrorUnsubscribes(t *testing.T) {
	h := newTestHub(t, 10)
	fs := addFakeClient(h, "a", "", "")
	fs.failOn = 1
	h.Send("a", Message{Type: EventPong})
	h.Send("a", Message{Type: EventPong})

	assert.Equal(t, 0, h.ConnectionCount())
}

func TestUnsubscribe_Idempotent(t *testing.T) {
	h := newTestHub(t, 10)
	addFakeClient(h, "a", "prompt-1", "room-1")
	h.Unsubscribe("a")
	assert.NotPanics(t, func() { h.Unsubscribe("a") })
	assert.Equal(t, 0, h.ConnectionCount())
}

func TestHandleInbound_JoinRoomMovesSubscriber(t *testing.T) {
	h := newTestHub(t, 10)
	fs := addFakeClient(h, "a", "", "room-old")

	h.HandleInbound("a", "join_room", map[string]any{"room": "room-new"})

	h.mu.RLock()
	_, stillInOld := h.byRoom["room-old"]
	_, inNew := h.byRoom["room-new"]
	h.mu.RUnlock()

	assert.False(t, stillInOld)
	assert.True(t, inNew)
	require.Len(t, fs.sent, 1)
	assert.Equal(t, EventJoinedRoom, fs.sent[0].Type)
}

func TestTickHeartbeat_EvictsStaleConnections(t *testing.T) {
	h := newTestHub(t, 10)
	stale := addFakeClient(h, "stale", "", "")
	fresh := addFakeClient(h, "fresh", "", "")

	h.mu.Lock()
	h.byClient["stale"].LastPing = time.Now().Add(-3 * time.Minute)
	h.mu.Unlock()

	h.tickHeartbeat()

	assert.True(t, stale.closed)
	require.Len(t, fresh.sent, 1)
	assert.Equal(t, EventHeartbeat, fresh.sent[0].Type)
	assert.Equal(t, 1, h.ConnectionCount())
}
