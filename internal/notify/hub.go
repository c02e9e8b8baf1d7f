package notify

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Hub broadcasts sync events to connected websocket subscribers. A slow
// subscriber gets dropped rather than backing up publishers.
type Hub struct {
	mu   sync.Mutex
	subs map[chan envelope]struct{}
	log  *slog.Logger
}

type envelope struct {
	Topic string `json:"topic"`
	Event Event  `json:"event"`
}

// NewHub creates a hub.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{subs: make(map[chan envelope]struct{}), log: log}
}

// Publish implements Notifier by broadcasting to all subscribers.
// Non-blocking: full subscriber buffers are skipped.
func (h *Hub) Publish(ctx context.Context, topic string, event Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- envelope{Topic: topic, Event: event}:
		default:
		}
	}
	return nil
}

func (h *Hub) subscribe() chan envelope {
	ch := make(chan envelope, 16)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) unsubscribe(ch chan envelope) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
}

// Subscribers returns the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// ServeHTTP upgrades the request to a websocket and streams events until
// the client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // origin is enforced by the CORS layer
	})
	if err != nil {
		h.log.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	ch := h.subscribe()
	defer h.unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case ev := <-ch:
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, ev)
			cancel()
			if err != nil {
				h.log.Debug("websocket write failed, dropping subscriber", "error", err)
				return
			}
		}
	}
}

var _ Notifier = (*Hub)(nil)
