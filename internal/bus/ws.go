package bus

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browser clients connect from arbitrary local origins; origin
	// checking is left to a reverse proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type inboundFrame struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

// ServeWS upgrades an HTTP request to a WebSocket connection, registers it
// with the hub, and pumps inbound frames until the connection closes.
// The HTTP layer's /ws/{prompt_id} handler maps its path parameter into
// the query string before delegating here.
func ServeWS(hub *Hub, w http.ResponseWriter, r *http.Request) {
	promptID := r.URL.Query().Get("prompt_id")
	room := r.URL.Query().Get("room")
	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		clientID = uuid.NewString()
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	if !hub.Subscribe(conn, clientID, promptID, room) {
		deadline := time.Now().Add(2 * time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "Max connections reached"), deadline)
		_ = conn.Close()
		return
	}
	defer hub.Unsubscribe(clientID)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame inboundFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			continue
		}
		hub.HandleInbound(clientID, frame.Type, frame.Payload)
	}
}
