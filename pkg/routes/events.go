package routes

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/LitBomb/meshcore-ha/pkg/protocol"
)

// EventNotifier fans radio events out to connected websocket clients.
type EventNotifier struct {
	subscribers map[chan *protocol.Event]struct{}
	mu          sync.RWMutex
}

// NewEventNotifier creates a new EventNotifier.
func NewEventNotifier() *EventNotifier {
	return &EventNotifier{
		subscribers: make(map[chan *protocol.Event]struct{}),
	}
}

// Subscribe adds a new subscriber that will receive future events.
func (en *EventNotifier) Subscribe() chan *protocol.Event {
	en.mu.Lock()
	defer en.mu.Unlock()
	ch := make(chan *protocol.Event, 32)
	en.subscribers[ch] = struct{}{}
	return ch
}

// Unsubscribe removes a subscriber.
func (en *EventNotifier) Unsubscribe(ch chan *protocol.Event) {
	en.mu.Lock()
	defer en.mu.Unlock()
	delete(en.subscribers, ch)
	close(ch)
}

// HandleEvent delivers one event to every subscriber. Slow clients
// lose events rather than backing up the device manager.
func (en *EventNotifier) HandleEvent(ev *protocol.Event) {
	en.mu.RLock()
	defer en.mu.RUnlock()
	for ch := range en.subscribers {
		select {
		case ch <- ev:
		default:
			// Subscriber buffer full, drop
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The API token middleware already gated this request.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsEvent is the JSON shape sent to websocket clients.
type wsEvent struct {
	Kind       string    `json:"kind"`
	Payload    any       `json:"payload,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

const (
	wsWriteWait    = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// eventsWS streams decoded radio events to a websocket client as JSON,
// with periodic pings to keep intermediaries from dropping the
// connection.
func (ar *APIRouter) eventsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade", "error", err)
		return
	}
	defer conn.Close()

	events := ar.Notifier.Subscribe()
	defer ar.Notifier.Unsubscribe(events)

	// Reader goroutine: we never expect client data, but reading is
	// what surfaces close frames.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(wsEvent{
				Kind:       ev.KindName(),
				Payload:    ev.Payload,
				ReceivedAt: ev.ReceivedAt,
			}); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
