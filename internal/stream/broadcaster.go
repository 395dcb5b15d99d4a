// Package stream fans run events out to live subscribers (SSE clients,
// dashboards). The store remains the source of truth; the broadcaster only
// carries the live tail, so slow consumers reconcile by replaying history.
package stream

import (
	"sync"

	"leadflow/internal/logging"
	"leadflow/internal/run"
)

// DefaultBufferSize is the per-subscriber channel buffer.
const DefaultBufferSize = 64

// Broadcaster delivers events to per-run and firehose subscribers.
type Broadcaster struct {
	mu      sync.RWMutex
	clients map[string][]chan *run.Event
	global  []chan *run.Event
	logger  logging.Logger

	metrics broadcasterMetrics
}

type broadcasterMetrics struct {
	mu sync.Mutex

	eventsSent        int64
	droppedEvents     int64
	totalConnections  int64
	activeConnections int64
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients: make(map[string][]chan *run.Event),
		logger:  logging.NewComponentLogger("Broadcaster"),
	}
}

// Subscribe registers a listener for one run's events. The returned cancel
// function unregisters and closes the channel.
func (b *Broadcaster) Subscribe(runID string) (<-chan *run.Event, func()) {
	ch := make(chan *run.Event, DefaultBufferSize)

	b.mu.Lock()
	b.clients[runID] = append(b.clients[runID], ch)
	b.mu.Unlock()

	b.metrics.connect()
	b.logger.Debug("Subscriber added for run %s", runID)

	return ch, func() { b.unsubscribe(runID, ch) }
}

// SubscribeAll registers a firehose listener receiving events from every run.
func (b *Broadcaster) SubscribeAll() (<-chan *run.Event, func()) {
	ch := make(chan *run.Event, DefaultBufferSize)

	b.mu.Lock()
	b.global = append(b.global, ch)
	b.mu.Unlock()

	b.metrics.connect()
	b.logger.Debug("Firehose subscriber added")

	return ch, func() { b.unsubscribeGlobal(ch) }
}

func (b *Broadcaster) unsubscribe(runID string, ch chan *run.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	clients := b.clients[runID]
	for i, client := range clients {
		if client == ch {
			b.clients[runID] = append(clients[:i], clients[i+1:]...)
			close(ch)
			b.metrics.disconnect()
			if len(b.clients[runID]) == 0 {
				delete(b.clients, runID)
			}
			return
		}
	}
}

func (b *Broadcaster) unsubscribeGlobal(ch chan *run.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, client := range b.global {
		if client == ch {
			b.global = append(b.global[:i], b.global[i+1:]...)
			close(ch)
			b.metrics.disconnect()
			return
		}
	}
}

// Publish delivers the event to the run's subscribers and the firehose.
// Full buffers drop the event rather than block the publisher, except for
// critical events which evict the subscriber's oldest buffered event.
func (b *Broadcaster) Publish(event *run.Event) {
	if event == nil {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.clients[event.RunID] {
		b.send(ch, event)
	}
	for _, ch := range b.global {
		b.send(ch, event)
	}
}

func (b *Broadcaster) send(ch chan *run.Event, event *run.Event) {
	select {
	case ch <- event:
		b.metrics.sent()
		return
	default:
	}

	if !isCriticalEvent(event) {
		b.logger.Warn("Subscriber buffer full for run %s, dropping %s event", event.RunID, event.Type)
		b.metrics.dropped()
		return
	}

	// Retry once in case the consumer drained in the meantime, then evict
	// the oldest buffered event to make room.
	select {
	case ch <- event:
		b.metrics.sent()
		return
	default:
	}
	select {
	case <-ch:
		b.metrics.dropped()
	default:
	}
	select {
	case ch <- event:
		b.logger.Warn("Subscriber buffer saturated for run %s; evicted oldest event to deliver %s", event.RunID, event.Type)
		b.metrics.sent()
	default:
		b.logger.Warn("Failed to deliver critical %s event for run %s", event.Type, event.RunID)
		b.metrics.dropped()
	}
}

// isCriticalEvent marks events a consumer must not miss: terminal status
// changes and human decisions.
func isCriticalEvent(event *run.Event) bool {
	switch event.Type {
	case run.EventHumanDecision:
		return true
	case run.EventStatusChanged:
		to, _ := event.Payload["to"].(string)
		return run.Status(to).Terminal()
	}
	return false
}

// SubscriberCount returns the number of subscribers for a run.
func (b *Broadcaster) SubscriberCount(runID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients[runID])
}

// Metrics is a point-in-time export of broadcaster counters.
type Metrics struct {
	EventsSent        int64 `json:"events_sent"`
	DroppedEvents     int64 `json:"dropped_events"`
	TotalConnections  int64 `json:"total_connections"`
	ActiveConnections int64 `json:"active_connections"`
	RunCount          int   `json:"run_count"`
}

// GetMetrics returns current counters.
func (b *Broadcaster) GetMetrics() Metrics {
	b.metrics.mu.Lock()
	m := Metrics{
		EventsSent:        b.metrics.eventsSent,
		DroppedEvents:     b.metrics.droppedEvents,
		TotalConnections:  b.metrics.totalConnections,
		ActiveConnections: b.metrics.activeConnections,
	}
	b.metrics.mu.Unlock()

	b.mu.RLock()
	m.RunCount = len(b.clients)
	b.mu.RUnlock()
	return m
}

func (m *broadcasterMetrics) sent() {
	m.mu.Lock()
	m.eventsSent++
	m.mu.Unlock()
}

func (m *broadcasterMetrics) dropped() {
	m.mu.Lock()
	m.droppedEvents++
	m.mu.Unlock()
}

func (m *broadcasterMetrics) connect() {
	m.mu.Lock()
	m.totalConnections++
	m.activeConnections++
	m.mu.Unlock()
}

func (m *broadcasterMetrics) disconnect() {
	m.mu.Lock()
	m.activeConnections--
	m.mu.Unlock()
}
