package gateway

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tinyclawhq/tinyclaw/internal/intercom"
)

const (
	eventWriteTimeout = 5 * time.Second
	eventBufferSize   = 64
)

// wireEvent is the JSON frame pushed to event-feed clients.
type wireEvent struct {
	Topic  string      `json:"topic"`
	UserID string      `json:"user_id,omitempty"`
	Data   interface{} `json:"data,omitempty"`
	TS     int64       `json:"ts"`
}

// EventBridge exposes intercom traffic as a read-only WebSocket feed.
// Slow clients are dropped rather than allowed to block emission.
type EventBridge struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]chan wireEvent
	off     func()
	closed  bool
}

// NewEventBridge subscribes to every intercom topic and returns a bridge
// ready to serve clients. Call Close to unsubscribe and drop connections.
func NewEventBridge(ic *intercom.Intercom) *EventBridge {
	b := &EventBridge{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Local-first daemon: the feed binds to loopback, origin checks
			// would only reject the embedded UI.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]chan wireEvent),
	}
	b.off = ic.OnAny(b.fanout)
	return b
}

func (b *EventBridge) fanout(ev intercom.Event) {
	frame := wireEvent{Topic: ev.Topic, UserID: ev.UserID, Data: ev.Data, TS: time.Now().UnixMilli()}

	b.mu.Lock()
	defer b.mu.Unlock()
	for conn, ch := range b.clients {
		select {
		case ch <- frame:
		default:
			slog.Warn("gateway: event client too slow, dropping", "remote", conn.RemoteAddr())
			delete(b.clients, conn)
			close(ch)
		}
	}
}

// ServeHTTP upgrades the request and streams events until the client
// disconnects.
func (b *EventBridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("gateway: event feed upgrade failed", "error", err)
		return
	}

	ch := make(chan wireEvent, eventBufferSize)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		conn.Close()
		return
	}
	b.clients[conn] = ch
	b.mu.Unlock()

	// The feed is write-only; the read loop exists to observe the close.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				b.drop(conn)
				return
			}
		}
	}()

	for frame := range ch {
		conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
		if err := conn.WriteJSON(frame); err != nil {
			b.drop(conn)
			break
		}
	}
	conn.Close()
}

func (b *EventBridge) drop(conn *websocket.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.clients[conn]; ok {
		delete(b.clients, conn)
		close(ch)
	}
}

// Close unsubscribes from the intercom and disconnects all clients.
func (b *EventBridge) Close() {
	b.off()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for conn, ch := range b.clients {
		delete(b.clients, conn)
		close(ch)
		conn.Close()
	}
}
