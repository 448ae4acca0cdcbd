package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gazecap/gazecapd/internal/gaze"
)

// HTTPConfig tunes the batching HTTP sink. Zero values take defaults.
type HTTPConfig struct {
	URL string
	// MaxBatchSize flushes a batch once it holds this many samples.
	MaxBatchSize int
	// MaxBatchAge flushes a partial batch after this long.
	MaxBatchAge time.Duration
	// Retries is the number of re-sends after a failed transmission.
	Retries int
	// RetryBackoff is the base delay between attempts, doubled each time.
	RetryBackoff   time.Duration
	RequestTimeout time.Duration
}

func (c *HTTPConfig) applyDefaults() {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 120
	}
	if c.MaxBatchAge <= 0 {
		c.MaxBatchAge = time.Second
	}
	if c.Retries <= 0 {
		c.Retries = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 250 * time.Millisecond
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 5 * time.Second
	}
}

// batchPayload is one POST body: a JSON array of samples plus a sequence
// number so the receiver can reprocess idempotently.
type batchPayload struct {
	BatchID  string         `json:"batch_id"`
	Sequence uint64         `json:"sequence"`
	Samples  []*gaze.Sample `json:"samples"`
}

// HTTPBatch accumulates samples into size- or age-bounded batches and POSTs
// each batch once, retrying with bounded backoff. A batch that exhausts its
// retries is dropped and counted as lost.
type HTTPBatch struct {
	counters
	name   string
	cfg    HTTPConfig
	logger *slog.Logger
	client *http.Client

	mu       sync.Mutex
	pending  []*gaze.Sample
	oldest   time.Time
	sequence uint64

	done     chan struct{}
	closing  sync.Once
	ageTick  *time.Ticker
	inflight sync.WaitGroup
}

// NewHTTPBatch builds the sink and starts its age-flush timer.
func NewHTTPBatch(name string, cfg HTTPConfig, logger *slog.Logger) (*HTTPBatch, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("http sink requires a url")
	}
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	h := &HTTPBatch{
		name:    name,
		cfg:     cfg,
		logger:  logger.With("component", "sink", "sink", name),
		client:  &http.Client{Timeout: cfg.RequestTimeout},
		done:    make(chan struct{}),
		ageTick: time.NewTicker(cfg.MaxBatchAge / 2),
	}
	go h.ageLoop()
	return h, nil
}

func (h *HTTPBatch) Name() string { return h.name }

// Consume buffers the sample and flushes when the batch is full.
func (h *HTTPBatch) Consume(s *gaze.Sample) error {
	h.mu.Lock()
	if len(h.pending) == 0 {
		h.oldest = time.Now()
	}
	h.pending = append(h.pending, s)
	h.consumed.Add(1)
	full := len(h.pending) >= h.cfg.MaxBatchSize
	var batch []*gaze.Sample
	if full {
		batch = h.takeLocked()
	}
	h.mu.Unlock()

	if batch != nil {
		h.dispatch(batch)
	}
	return nil
}

// ageLoop flushes partial batches that have exceeded MaxBatchAge.
func (h *HTTPBatch) ageLoop() {
	for {
		select {
		case <-h.done:
			return
		case <-h.ageTick.C:
			h.mu.Lock()
			var batch []*gaze.Sample
			if len(h.pending) > 0 && time.Since(h.oldest) >= h.cfg.MaxBatchAge {
				batch = h.takeLocked()
			}
			h.mu.Unlock()
			if batch != nil {
				h.dispatch(batch)
			}
		}
	}
}

// takeLocked removes and returns the pending batch. Caller holds the lock.
func (h *HTTPBatch) takeLocked() []*gaze.Sample {
	batch := h.pending
	h.pending = nil
	return batch
}

// dispatch sends one batch in the background so retries never stall the
// consume path.
func (h *HTTPBatch) dispatch(batch []*gaze.Sample) {
	h.mu.Lock()
	h.sequence++
	seq := h.sequence
	h.mu.Unlock()

	payload := batchPayload{
		BatchID:  uuid.NewString(),
		Sequence: seq,
		Samples:  batch,
	}

	h.inflight.Add(1)
	go func() {
		defer h.inflight.Done()
		if err := h.sendWithRetry(payload); err != nil {
			h.lost.Add(uint64(len(batch)))
			h.logger.Warn("batch dropped after retries",
				"sequence", seq,
				"samples", len(batch),
				"lost_total", h.lost.Load(),
				"err", err,
			)
		}
	}()
}

func (h *HTTPBatch) sendWithRetry(payload batchPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}

	backoff := h.cfg.RetryBackoff
	var lastErr error
	for attempt := 0; attempt <= h.cfg.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-h.done:
				return fmt.Errorf("sink closing: %w", lastErr)
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		lastErr = h.post(body)
		if lastErr == nil {
			return nil
		}
		h.logger.Debug("batch send failed", "attempt", attempt+1, "err", lastErr)
	}
	return lastErr
}

func (h *HTTPBatch) post(body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return nil
}

// Flush sends any partial batch immediately and waits for in-flight sends.
func (h *HTTPBatch) Flush() error {
	h.mu.Lock()
	batch := h.takeLocked()
	h.mu.Unlock()
	if batch != nil {
		h.dispatch(batch)
	}
	h.inflight.Wait()
	return nil
}

// Close flushes, stops the age timer, and waits for in-flight sends.
func (h *HTTPBatch) Close() error {
	err := h.Flush()
	h.closing.Do(func() {
		h.ageTick.Stop()
		close(h.done)
	})
	h.inflight.Wait()
	h.logger.Info("http sink closed", "consumed", h.consumed.Load(), "lost", h.lost.Load())
	return err
}
