package facade

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/droidlab/droidlab/pkg/util"
)

// Event is one entry in the live trajectory event stream pushed to
// websocket subscribers of GET /api/events.
type Event struct {
	TrajectoryID string `json:"trajectory_id,omitempty"`
	Operation    string `json:"operation"`
	Success      bool   `json:"success"`
	DurationMS   int64  `json:"duration_ms"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The facade is an operator-facing API behind the caller's own
	// network boundary, not a public browser endpoint.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// EventHub fans out Events to every connected websocket subscriber.
type EventHub struct {
	mu          sync.Mutex
	subscribers map[chan Event]struct{}
}

// NewEventHub builds an empty hub.
func NewEventHub() *EventHub {
	return &EventHub{subscribers: make(map[chan Event]struct{})}
}

// Publish fans e out to every currently connected subscriber, dropping it
// for any subscriber whose buffer is full rather than blocking the caller.
func (h *EventHub) Publish(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subscribers {
		select {
		case ch <- e:
		default:
			util.Warnf("facade: dropping event for slow subscriber")
		}
	}
}

// ServeWS upgrades the request to a websocket and streams Events to it
// until the connection closes.
func (h *EventHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		util.Warnf("facade: websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ch := make(chan Event, 32)
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.subscribers, ch)
		h.mu.Unlock()
		close(ch)
	}()

	// Drain client reads so ping/pong and close frames are processed;
	// droidlab's event stream is one-directional server-to-client.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for e := range ch {
		if err := conn.WriteJSON(e); err != nil {
			return
		}
	}
}
