// Package bus implements the Progress Bus: a subscriber registry keyed by
// client id, prompt id, and room, fanning out structured job-progress
// events over WebSocket. Index mutation happens under one lock; sends to
// distinct clients proceed in parallel.
package bus

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/deeployd/forge/internal/domain"
	"github.com/deeployd/forge/internal/logger"
	"github.com/deeployd/forge/internal/metrics"
)

// EventType enumerates the outbound message types the hub emits.
type EventType string

const (
	EventExecutionStarted  EventType = "execution_started"
	EventProgressUpdate    EventType = "progress_update"
	EventResourceUpdate    EventType = "resource_update"
	EventExecutionComplete EventType = "execution_complete"
	EventQueueUpdate       EventType = "queue_update"
	EventHeartbeat         EventType = "heartbeat"
	EventPong              EventType = "pong"
	EventSubscribed        EventType = "subscribed"
	EventUnsubscribed      EventType = "unsubscribed"
	EventJoinedRoom        EventType = "joined_room"
)

// Message is the wire envelope for every outbound frame.
type Message struct {
	Type     EventType `json:"type"`
	PromptID string    `json:"prompt_id,omitempty"`
	Data     any       `json:"data,omitempty"`
}

const (
	heartbeatInterval = 30 * time.Second
	staleAfter        = 2 * time.Minute
)

// wsSubscriber adapts a *websocket.Conn to domain.Subscriber.
type wsSubscriber struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSubscriber) Send(message any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteJSON(message)
}

func (s *wsSubscriber) Close(code int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	deadline := time.Now().Add(2 * time.Second)
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	return s.conn.Close()
}

// Backplane is the optional cross-process fanout the Progress Bus can lean
// on so multiple API processes on one host observe the same job's events.
type Backplane interface {
	Publish(event string) error
	Subscribe(onEvent func(event string)) error
	Close() error
}

type Hub struct {
	mu            sync.RWMutex
	log           *logger.Logger
	maxConns      int
	byClient      map[string]*domain.Subscription
	byPrompt      map[string]map[string]struct{}
	byRoom        map[string]map[string]struct{}
	backplane     Backplane
	heartbeatOnce sync.Once
	stopHeartbeat chan struct{}
}

func NewHub(log *logger.Logger, maxConns int, backplane Backplane) *Hub {
	if maxConns <= 0 {
		maxConns = 100
	}
	h := &Hub{
		log:           log.With("component", "ProgressBus"),
		maxConns:      maxConns,
		byClient:      make(map[string]*domain.Subscription),
		byPrompt:      make(map[string]map[string]struct{}),
		byRoom:        make(map[string]map[string]struct{}),
		backplane:     backplane,
		stopHeartbeat: make(chan struct{}),
	}
	if backplane != nil {
		_ = backplane.Subscribe(h.onRemoteEvent)
	}
	return h
}

func (h *Hub) onRemoteEvent(raw string) {
	var envelope struct {
		PromptID string  `json:"prompt_id"`
		Room     string  `json:"room"`
		Message  Message `json:"message"`
	}
	if err := json.Unmarshal([]byte(raw), &envelope); err != nil {
		h.log.Warn("bad backplane payload", "error", err)
		return
	}
	if envelope.PromptID != "" {
		h.localBroadcastPrompt(envelope.PromptID, envelope.Message)
	}
	if envelope.Room != "" {
		h.localBroadcastRoom(envelope.Room, envelope.Message)
	}
}

// Subscribe registers a new connection. It rejects with ok=false when
// already at max_connections; callers close the socket with code 1008.
func (h *Hub) Subscribe(conn *websocket.Conn, clientID, promptID, room string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.byClient) >= h.maxConns {
		h.log.Warn("connection rejected: max connections reached", "client_id", clientID)
		return false
	}

	sub := &domain.Subscription{
		ClientID:    clientID,
		PromptID:    promptID,
		Room:        room,
		Handle:      &wsSubscriber{conn: conn},
		ConnectedAt: time.Now(),
		LastPing:    time.Now(),
	}
	h.byClient[clientID] = sub
	if promptID != "" {
		h.indexAdd(h.byPrompt, promptID, clientID)
	}
	if room != "" {
		h.indexAdd(h.byRoom, room, clientID)
	}
	metrics.WSConnections.Set(float64(len(h.byClient)))

	h.heartbeatOnce.Do(func() { go h.heartbeatLoop() })
	return true
}

// Unsubscribe is idempotent: calling it twice leaves the indices unchanged
// after the first call.
func (h *Hub) Unsubscribe(clientID string) {
	h.mu.Lock()
	sub, ok := h.byClient[clientID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.byClient, clientID)
	if sub.PromptID != "" {
		h.indexRemove(h.byPrompt, sub.PromptID, clientID)
	}
	if sub.Room != "" {
		h.indexRemove(h.byRoom, sub.Room, clientID)
	}
	metrics.WSConnections.Set(float64(len(h.byClient)))
	h.mu.Unlock()

	if sub.Handle != nil {
		_ = sub.Handle.Close(websocket.CloseNormalClosure, "")
	}
}

// Send is best-effort; on transport error it unsubscribes the client.
func (h *Hub) Send(clientID string, msg Message) {
	h.mu.RLock()
	sub, ok := h.byClient[clientID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	if err := sub.Handle.Send(msg); err != nil {
		h.Unsubscribe(clientID)
	}
}

// BroadcastPrompt fans out to every subscriber of promptID, locally and
// (if configured) via the backplane so sibling processes' subscribers
// also receive it.
func (h *Hub) BroadcastPrompt(promptID string, msg Message) {
	h.localBroadcastPrompt(promptID, msg)
	h.publishRemote(promptID, "", msg)
}

func (h *Hub) BroadcastRoom(room string, msg Message) {
	h.localBroadcastRoom(room, msg)
	h.publishRemote("", room, msg)
}

func (h *Hub) publishRemote(promptID, room string, msg Message) {
	if h.backplane == nil {
		return
	}
	envelope := struct {
		PromptID string  `json:"prompt_id"`
		Room     string  `json:"room"`
		Message  Message `json:"message"`
	}{PromptID: promptID, Room: room, Message: msg}
	raw, err := json.Marshal(envelope)
	if err != nil {
		return
	}
	if err := h.backplane.Publish(string(raw)); err != nil {
		h.log.Warn("backplane publish failed", "error", err)
	}
}

// localBroadcastPrompt fans out to every member in parallel but returns
// only once every send has finished. Producers emit their events
// sequentially, so waiting here is what keeps delivery ordered per
// subscriber; a member's failure only unsubscribes that member.
func (h *Hub) localBroadcastPrompt(promptID string, msg Message) {
	h.fanout(h.membersOf(h.byPrompt, promptID), msg)
}

func (h *Hub) localBroadcastRoom(room string, msg Message) {
	h.fanout(h.membersOf(h.byRoom, room), msg)
}

func (h *Hub) fanout(clientIDs []string, msg Message) {
	var wg sync.WaitGroup
	for _, clientID := range clientIDs {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			h.Send(id, msg)
		}(clientID)
	}
	wg.Wait()
}

func (h *Hub) membersOf(index map[string]map[string]struct{}, key string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	set, ok := index[key]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// HandleInbound processes a frame received from a client: ping,
// subscribe, unsubscribe, join_room.
func (h *Hub) HandleInbound(clientID string, msgType string, payload map[string]any) {
	h.mu.Lock()
	sub, ok := h.byClient[clientID]
	if !ok {
		h.mu.Unlock()
		return
	}

	switch msgType {
	case "ping":
		sub.LastPing = time.Now()
		h.mu.Unlock()
		h.Send(clientID, Message{Type: EventPong})
		return

	case "subscribe":
		promptID, _ := payload["prompt_id"].(string)
		if promptID != "" {
			sub.PromptID = promptID
			h.indexAdd(h.byPrompt, promptID, clientID)
		}
		h.mu.Unlock()
		h.Send(clientID, Message{Type: EventSubscribed, PromptID: promptID})
		return

	case "unsubscribe":
		promptID := sub.PromptID
		if promptID != "" {
			h.indexRemove(h.byPrompt, promptID, clientID)
			sub.PromptID = ""
		}
		h.mu.Unlock()
		h.Send(clientID, Message{Type: EventUnsubscribed})
		return

	case "join_room":
		room, _ := payload["room"].(string)
		if sub.Room != "" {
			h.indexRemove(h.byRoom, sub.Room, clientID)
		}
		sub.Room = room
		if room != "" {
			h.indexAdd(h.byRoom, room, clientID)
		}
		h.mu.Unlock()
		h.Send(clientID, Message{Type: EventJoinedRoom, Data: map[string]string{"room": room}})
		return

	default:
		h.mu.Unlock()
	}
}

func (h *Hub) heartbeatLoop() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stopHeartbeat:
			return
		case <-ticker.C:
			h.tickHeartbeat()
		}
	}
}

func (h *Hub) tickHeartbeat() {
	now := time.Now()
	h.mu.RLock()
	var stale, alive []string
	for id, sub := range h.byClient {
		if now.Sub(sub.LastPing) > staleAfter {
			stale = append(stale, id)
		} else {
			alive = append(alive, id)
		}
	}
	h.mu.RUnlock()

	for _, id := range alive {
		h.Send(id, Message{Type: EventHeartbeat})
	}
	for _, id := range stale {
		h.log.Warn("disconnecting stale client", "client_id", id)
		h.Unsubscribe(id)
	}
}

// Close tears down the heartbeat loop and every connection. Called during
// shutdown after the Worker Pool and Container Supervisor.
func (h *Hub) Close() {
	close(h.stopHeartbeat)
	h.mu.RLock()
	ids := make([]string, 0, len(h.byClient))
	for id := range h.byClient {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	for _, id := range ids {
		h.Unsubscribe(id)
	}
	if h.backplane != nil {
		_ = h.backplane.Close()
	}
}

func (h *Hub) indexAdd(index map[string]map[string]struct{}, key, clientID string) {
	set, ok := index[key]
	if !ok {
		set = make(map[string]struct{})
		index[key] = set
	}
	set[clientID] = struct{}{}
}

func (h *Hub) indexRemove(index map[string]map[string]struct{}, key, clientID string) {
	set, ok := index[key]
	if !ok {
		return
	}
	delete(set, clientID)
	if len(set) == 0 {
		delete(index, key)
	}
}

// ConnectionCount reports the live subscriber count.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byClient)
}
