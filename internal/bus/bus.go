// Package bus fans validated samples out to registered sinks. Every sink
// gets its own bounded queue and consumption goroutine so one sink's
// slowness or failure never blocks delivery to the others.
package bus

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gazecap/gazecapd/internal/gaze"
	"github.com/gazecap/gazecapd/internal/sink"
)

// DropPolicy governs queue behavior when a sink cannot keep up.
type DropPolicy int

const (
	// DropOldest evicts the oldest queued sample to admit the new one.
	DropOldest DropPolicy = iota
	// DropNewest discards the incoming sample.
	DropNewest
	// BlockProducer stalls publication until the queue has room. The only
	// policy that lets a sink exert backpressure on the whole pipeline;
	// use sparingly.
	BlockProducer
)

func (p DropPolicy) String() string {
	switch p {
	case DropNewest:
		return "drop_newest"
	case BlockProducer:
		return "block_producer"
	default:
		return "drop_oldest"
	}
}

// ParseDropPolicy maps a config string to a policy.
func ParseDropPolicy(s string) (DropPolicy, error) {
	switch s {
	case "", "drop_oldest":
		return DropOldest, nil
	case "drop_newest":
		return DropNewest, nil
	case "block_producer":
		return BlockProducer, nil
	default:
		return DropOldest, fmt.Errorf("unknown drop policy %q", s)
	}
}

// DefaultQueueCapacity holds one second of queue at 120Hz.
const DefaultQueueCapacity = 128

// Registration describes how a sink is attached to the bus.
type Registration struct {
	ID       string
	Kind     string
	Capacity int
	Policy   DropPolicy
}

// Stats is a point-in-time view of one registered sink.
type Stats struct {
	ID        string     `json:"sink_id"`
	Kind      string     `json:"kind"`
	Policy    string     `json:"drop_policy"`
	Queued    int        `json:"queued"`
	Delivered uint64     `json:"delivered"`
	Dropped   uint64     `json:"dropped"`
	Exhausted bool       `json:"exhausted"`
	Sink      sink.Stats `json:"sink"`
}

// Bus is the in-process fan-out point between the producer and the sinks.
type Bus struct {
	logger *slog.Logger

	mu      sync.RWMutex
	workers map[string]*worker
	closed  bool

	published atomic.Uint64
}

// New builds an empty Bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger:  logger.With("component", "bus"),
		workers: make(map[string]*worker),
	}
}

// Add registers a sink and starts its consumption loop. Safe to call while
// publishing; the sink sees only samples published after registration.
func (b *Bus) Add(reg Registration, s sink.Sink) error {
	if reg.ID == "" {
		return fmt.Errorf("sink registration requires an id")
	}
	if reg.Capacity <= 0 {
		reg.Capacity = DefaultQueueCapacity
	}

	w := &worker{
		reg:    reg,
		sink:   s,
		queue:  make(chan *gaze.Sample, reg.Capacity),
		quit:   make(chan struct{}),
		logger: b.logger.With("sink_id", reg.ID, "kind", reg.Kind),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("bus is closed")
	}
	if _, exists := b.workers[reg.ID]; exists {
		b.mu.Unlock()
		return fmt.Errorf("sink %q already registered", reg.ID)
	}
	b.workers[reg.ID] = w
	b.mu.Unlock()

	w.wg.Add(1)
	go w.run()
	b.logger.Info("sink registered",
		"sink_id", reg.ID,
		"kind", reg.Kind,
		"capacity", reg.Capacity,
		"drop_policy", reg.Policy.String(),
	)
	return nil
}

// Remove detaches a sink, drains its queue, and closes it.
func (b *Bus) Remove(id string) error {
	b.mu.Lock()
	w, ok := b.workers[id]
	if ok {
		delete(b.workers, id)
	}
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown sink %q", id)
	}

	w.shut()
	w.wg.Wait()
	b.logger.Info("sink removed", "sink_id", id)
	return nil
}

// Publish delivers the sample to every registered sink's queue, applying
// each sink's drop policy independently. Non-blocking except for sinks with
// BlockProducer.
func (b *Bus) Publish(s *gaze.Sample) {
	b.mu.RLock()
	workers := make([]*worker, 0, len(b.workers))
	for _, w := range b.workers {
		workers = append(workers, w)
	}
	b.mu.RUnlock()

	b.published.Add(1)
	for _, w := range workers {
		w.enqueue(s)
	}
}

// Published returns the number of samples fanned out.
func (b *Bus) Published() uint64 { return b.published.Load() }

// Stats reports per-sink delivery counters, sorted by registration id.
func (b *Bus) Stats() []Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Stats, 0, len(b.workers))
	for _, w := range b.workers {
		out = append(out, w.stats())
	}
	return out
}

// SinkIDs returns the ids of all registered sinks.
func (b *Bus) SinkIDs() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]string, 0, len(b.workers))
	for id := range b.workers {
		ids = append(ids, id)
	}
	return ids
}

// Close stops publication, then drains and closes every sink, waiting up to
// grace for each queue to empty. Sinks not drained in time are force-closed
// with the undelivered count recorded.
func (b *Bus) Close(grace time.Duration) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	workers := b.workers
	b.workers = make(map[string]*worker)
	b.mu.Unlock()

	deadline := time.Now().Add(grace)
	for id, w := range workers {
		w.shut()

		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		done := make(chan struct{})
		go func() {
			w.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(remaining):
			undelivered := len(w.queue)
			w.abandon()
			b.logger.Warn("sink not drained within grace period",
				"sink_id", id,
				"undelivered", undelivered,
			)
		}
	}
	b.logger.Info("bus closed", "published", b.published.Load())
}

// worker owns one sink's queue and consumption loop.
type worker struct {
	reg    Registration
	sink   sink.Sink
	queue  chan *gaze.Sample
	logger *slog.Logger

	wg        sync.WaitGroup
	qmu       sync.RWMutex
	qclosed   bool
	quit      chan struct{}
	quitOnce  sync.Once
	abandoned atomic.Bool

	delivered atomic.Uint64
	dropped   atomic.Uint64
	exhausted atomic.Bool
}

func (w *worker) run() {
	defer w.wg.Done()

	for s := range w.queue {
		if w.exhausted.Load() {
			// The sink stopped consuming; the queue drains via drop.
			w.dropped.Add(1)
			continue
		}
		if err := w.sink.Consume(s); err != nil {
			if errors.Is(err, sink.ErrExhausted) {
				w.exhausted.Store(true)
				w.logger.Error("sink exhausted, dropping further samples", "err", err)
				continue
			}
			w.logger.Warn("sink consume failed", "err", err)
		} else {
			w.delivered.Add(1)
		}
	}

	if w.abandoned.Load() {
		return
	}
	if err := w.sink.Flush(); err != nil {
		w.logger.Warn("sink flush failed", "err", err)
	}
	if err := w.sink.Close(); err != nil {
		w.logger.Warn("sink close failed", "err", err)
	}
}

// enqueue applies the registration's drop policy. The queue lock is held in
// read mode for the whole send so shut cannot close the channel mid-send.
// A BlockProducer send can stall while holding the lock, so it also watches
// quit: shut closes quit before taking the lock exclusively, which unparks
// any stalled sender and keeps teardown from deadlocking.
func (w *worker) enqueue(s *gaze.Sample) {
	w.qmu.RLock()
	defer w.qmu.RUnlock()
	if w.qclosed || w.exhausted.Load() {
		w.dropped.Add(1)
		return
	}

	switch w.reg.Policy {
	case BlockProducer:
		select {
		case w.queue <- s:
		case <-w.quit:
			w.dropped.Add(1)
		}
		return
	case DropNewest:
		select {
		case w.queue <- s:
		default:
			w.dropped.Add(1)
		}
		return
	default: // DropOldest
		select {
		case w.queue <- s:
			return
		default:
		}
		select {
		case <-w.queue:
			w.dropped.Add(1)
		default:
		}
		select {
		case w.queue <- s:
		default:
			w.dropped.Add(1)
		}
	}
}

func (w *worker) shut() {
	// Unpark blocked BlockProducer senders first; they hold qmu in read
	// mode while stalled on a full queue.
	w.quitOnce.Do(func() { close(w.quit) })
	w.qmu.Lock()
	defer w.qmu.Unlock()
	if !w.qclosed {
		w.qclosed = true
		close(w.queue)
	}
}

// abandon gives up on draining the queue but still releases the sink's
// underlying resources. The consumption loop may be stuck inside Consume,
// so Close runs on its own goroutine.
func (w *worker) abandon() {
	w.abandoned.Store(true)
	go func() {
		if err := w.sink.Close(); err != nil {
			w.logger.Warn("sink close failed", "err", err)
		}
	}()
}

func (w *worker) stats() Stats {
	return Stats{
		ID:        w.reg.ID,
		Kind:      w.reg.Kind,
		Policy:    w.reg.Policy.String(),
		Queued:    len(w.queue),
		Delivered: w.delivered.Load(),
		Dropped:   w.dropped.Load(),
		Exhausted: w.exhausted.Load(),
		Sink:      w.sink.Stats(),
	}
}
