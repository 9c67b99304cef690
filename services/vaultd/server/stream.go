package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"cruize/core/events"
	"cruize/core/types"
)

const (
	wsWriteTimeout       = 10 * time.Second
	defaultStreamBacklog = 64
)

// StreamHub fans committed vault events out to websocket subscribers. Slow
// subscribers are disconnected rather than allowed to stall the engine.
type StreamHub struct {
	logger *slog.Logger
	buffer int

	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

type subscriber struct {
	ch      chan *types.Event
	filter  map[string]struct{}
	dropped chan struct{}
	once    sync.Once
}

func (s *subscriber) wants(evt *types.Event) bool {
	if len(s.filter) == 0 {
		return true
	}
	_, ok := s.filter[evt.Type]
	return ok
}

func (s *subscriber) drop() {
	s.once.Do(func() { close(s.dropped) })
}

var _ events.Emitter = (*StreamHub)(nil)

// NewStreamHub constructs a hub; buffer bounds each subscriber's queue.
func NewStreamHub(logger *slog.Logger, buffer int) *StreamHub {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = defaultStreamBacklog
	}
	return &StreamHub{logger: logger, buffer: buffer, subs: make(map[*subscriber]struct{})}
}

// Emit implements events.Emitter.
func (h *StreamHub) Emit(evt events.Event) {
	if h == nil || evt == nil {
		return
	}
	rendered := events.Render(evt)
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		if !sub.wants(rendered) {
			continue
		}
		select {
		case sub.ch <- rendered:
		default:
			sub.drop()
		}
	}
}

// Subscribers reports the number of connected clients.
func (h *StreamHub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *StreamHub) subscribe(kinds []string) *subscriber {
	sub := &subscriber{ch: make(chan *types.Event, h.buffer), dropped: make(chan struct{})}
	if len(kinds) > 0 {
		sub.filter = make(map[string]struct{}, len(kinds))
		for _, t := range kinds {
			sub.filter[t] = struct{}{}
		}
	}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *StreamHub) unsubscribe(sub *subscriber) {
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
}

// ServeHTTP upgrades the request and streams events as JSON text frames. The
// optional "types" query parameter is a comma-separated event type filter.
func (h *StreamHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var filter []string
	for _, t := range strings.Split(r.URL.Query().Get("types"), ",") {
		if trimmed := strings.TrimSpace(t); trimmed != "" {
			filter = append(filter, trimmed)
		}
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	sub := h.subscribe(filter)
	defer h.unsubscribe(sub)

	// Clients never send; CloseRead surfaces their disconnect through ctx.
	ctx := conn.CloseRead(r.Context())
	if err := h.stream(ctx, conn, sub); err != nil {
		if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
			h.logger.Debug("event stream ended", slog.Any("error", err))
		}
	}
}

func (h *StreamHub) stream(ctx context.Context, conn *websocket.Conn, sub *subscriber) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sub.dropped:
			return conn.Close(websocket.StatusPolicyViolation, "subscriber too slow")
		case evt := <-sub.ch:
			if err := writeEvent(ctx, conn, evt); err != nil {
				return err
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, evt *types.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
