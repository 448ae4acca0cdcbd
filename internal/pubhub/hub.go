// Package pubhub fans encoded wire messages out to stream subscribers.
// It is the in-process side of the publish socket: the publish sink pushes
// one message per sample, WebSocket clients subscribe and read.
package pubhub

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// DefaultSubscriberQueue bounds each subscriber's send queue.
const DefaultSubscriberQueue = 64

// Hub broadcasts messages to all current subscribers. A slow subscriber
// loses its own oldest messages, never anyone else's.
type Hub struct {
	logger    *slog.Logger
	queueSize int

	mu          sync.RWMutex
	subscribers map[*subscriber]struct{}
	closed      bool

	published atomic.Uint64
	dropped   atomic.Uint64
}

// New builds a Hub. queueSize <= 0 takes DefaultSubscriberQueue.
func New(queueSize int, logger *slog.Logger) *Hub {
	if queueSize <= 0 {
		queueSize = DefaultSubscriberQueue
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:      logger.With("component", "pubhub"),
		queueSize:   queueSize,
		subscribers: make(map[*subscriber]struct{}),
	}
}

// Publish enqueues msg for every current subscriber, dropping each
// subscriber's oldest message under backpressure.
func (h *Hub) Publish(msg []byte) {
	h.mu.RLock()
	subs := make([]*subscriber, 0, len(h.subscribers))
	for sub := range h.subscribers {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	h.published.Add(1)
	for _, sub := range subs {
		if !sub.send(msg) {
			h.dropped.Add(1)
		}
	}
}

// Subscribe registers a new stream reader. The returned cancel func must be
// called exactly once; it closes the channel.
func (h *Hub) Subscribe() (<-chan []byte, func()) {
	sub := &subscriber{ch: make(chan []byte, h.queueSize)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		sub.close()
		return sub.ch, func() {}
	}
	h.subscribers[sub] = struct{}{}
	count := len(h.subscribers)
	h.mu.Unlock()

	h.logger.Debug("subscriber added", "subscribers", count)

	return sub.ch, func() {
		h.mu.Lock()
		delete(h.subscribers, sub)
		h.mu.Unlock()
		sub.close()
	}
}

// SubscriberCount returns the number of active subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Published returns the number of messages fanned out.
func (h *Hub) Published() uint64 { return h.published.Load() }

// Dropped returns the number of per-subscriber drops under backpressure.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// Close detaches and closes all subscribers. Further publishes are no-ops
// for them; further subscribes receive a closed channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for sub := range h.subscribers {
		sub.close()
	}
	h.subscribers = make(map[*subscriber]struct{})
}

type subscriber struct {
	ch     chan []byte
	mu     sync.Mutex
	closed bool
}

// send enqueues msg, evicting the oldest queued message when full. Reports
// false when something was lost.
func (s *subscriber) send(msg []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- msg:
		return true
	default:
	}
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- msg:
	default:
	}
	return false
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
