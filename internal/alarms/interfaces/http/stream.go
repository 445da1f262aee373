package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	alarms "pointcalc/internal/alarms/domain"
	values "pointcalc/internal/values/domain"
)

const (
	streamAlarm = "alarm"
	streamValue = "value"

	clientBuffer = 64
)

type frame struct {
	event   string
	payload []byte
}

type client struct {
	ch     chan frame
	topics map[string]bool
}

// Broker fans out alarm and value events to connected SSE clients. Slow
// clients lose frames instead of stalling publishers.
type Broker struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	dropped atomic.Uint64
	logger  *zap.Logger
}

// NewBroker constructs a broker.
func NewBroker(logger *zap.Logger) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{clients: make(map[*client]struct{}), logger: logger}
}

// Notify publishes an occurrence event.
func (b *Broker) Notify(_ context.Context, event alarms.Event) {
	if b == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		b.logger.Warn("encode alarm event", zap.Error(err))
		return
	}
	b.broadcast(frame{event: streamAlarm, payload: payload})
}

// PublishValue publishes a value change. It matches values.Subscriber.
func (b *Broker) PublishValue(_ context.Context, evt values.ChangeEvent) {
	if b == nil {
		return
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		b.logger.Warn("encode value event", zap.String("point", evt.Key.String()), zap.Error(err))
		return
	}
	b.broadcast(frame{event: streamValue, payload: payload})
}

// Clients returns the number of connected clients.
func (b *Broker) Clients() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Dropped returns the number of frames discarded for slow clients.
func (b *Broker) Dropped() uint64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}

func (b *Broker) subscribe(topics map[string]bool) *client {
	c := &client{ch: make(chan frame, clientBuffer), topics: topics}
	b.mu.Lock()
	b.clients[c] = struct{}{}
	b.mu.Unlock()
	return c
}

func (b *Broker) unsubscribe(c *client) {
	b.mu.Lock()
	delete(b.clients, c)
	b.mu.Unlock()
}

func (b *Broker) broadcast(f frame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		if !c.topics[f.event] {
			continue
		}
		select {
		case c.ch <- f:
		default:
			b.dropped.Add(1)
		}
	}
}

// ServeHTTP streams events. The optional events query parameter selects
// topics as a comma separated list of alarm and value.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if b == nil {
		http.Error(w, "stream not ready", http.StatusServiceUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}
	topics, err := parseTopics(r.URL.Query().Get("events"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	c := b.subscribe(topics)
	defer b.unsubscribe(c)

	_, _ = w.Write([]byte("event: ready\ndata: {}\n\n"))
	flusher.Flush()

	done := r.Context().Done()
	for {
		select {
		case f := <-c.ch:
			_, _ = w.Write([]byte("event: " + f.event + "\ndata: "))
			_, _ = w.Write(f.payload)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-done:
			return
		}
	}
}

func parseTopics(raw string) (map[string]bool, error) {
	if raw == "" {
		return map[string]bool{streamAlarm: true, streamValue: true}, nil
	}
	topics := make(map[string]bool)
	for _, part := range strings.Split(raw, ",") {
		switch t := strings.TrimSpace(part); t {
		case streamAlarm, streamValue:
			topics[t] = true
		default:
			return nil, errUnknownTopic(t)
		}
	}
	return topics, nil
}

type errUnknownTopic string

func (e errUnknownTopic) Error() string { return "unknown event topic " + string(e) }
