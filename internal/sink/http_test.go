package sink

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type batchRecorder struct {
	mu       sync.Mutex
	batches  []batchPayload
	failures int
}

func (r *batchRecorder) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.failures > 0 {
			r.failures--
			http.Error(w, "try again", http.StatusServiceUnavailable)
			return
		}
		body, _ := io.ReadAll(req.Body)
		var payload batchPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			http.Error(w, "bad payload", http.StatusBadRequest)
			return
		}
		r.batches = append(r.batches, payload)
		w.WriteHeader(http.StatusAccepted)
	}
}

func (r *batchRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func TestHTTPBatchFlushesOnSize(t *testing.T) {
	t.Parallel()

	recorder := &batchRecorder{}
	server := httptest.NewServer(recorder.handler())
	t.Cleanup(server.Close)

	s, err := NewHTTPBatch("http-test", HTTPConfig{
		URL:          server.URL,
		MaxBatchSize: 5,
		MaxBatchAge:  time.Minute,
	}, discardLogger())
	if err != nil {
		t.Fatalf("NewHTTPBatch returned error: %v", err)
	}

	for i := int64(0); i < 12; i++ {
		if err := s.Consume(sampleAt(i)); err != nil {
			t.Fatalf("Consume returned error: %v", err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}

	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	if len(recorder.batches) != 3 {
		t.Fatalf("expected 3 batches (5+5+2), got %d", len(recorder.batches))
	}
	total := 0
	seqs := map[uint64]bool{}
	for _, b := range recorder.batches {
		total += len(b.Samples)
		if b.BatchID == "" {
			t.Fatal("expected batch id")
		}
		if seqs[b.Sequence] {
			t.Fatalf("duplicate batch sequence %d", b.Sequence)
		}
		seqs[b.Sequence] = true
	}
	if total != 12 {
		t.Fatalf("expected 12 samples delivered, got %d", total)
	}
}

func TestHTTPBatchFlushesOnAge(t *testing.T) {
	t.Parallel()

	recorder := &batchRecorder{}
	server := httptest.NewServer(recorder.handler())
	t.Cleanup(server.Close)

	s, err := NewHTTPBatch("http-test", HTTPConfig{
		URL:          server.URL,
		MaxBatchSize: 1000,
		MaxBatchAge:  50 * time.Millisecond,
	}, discardLogger())
	if err != nil {
		t.Fatalf("NewHTTPBatch returned error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if err := s.Consume(sampleAt(1)); err != nil {
		t.Fatalf("Consume returned error: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for recorder.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if recorder.count() != 1 {
		t.Fatalf("expected age-based flush, got %d batches", recorder.count())
	}
}

func TestHTTPBatchRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	recorder := &batchRecorder{failures: 2}
	server := httptest.NewServer(recorder.handler())
	t.Cleanup(server.Close)

	s, err := NewHTTPBatch("http-test", HTTPConfig{
		URL:          server.URL,
		MaxBatchSize: 2,
		MaxBatchAge:  time.Minute,
		Retries:      3,
		RetryBackoff: 10 * time.Millisecond,
	}, discardLogger())
	if err != nil {
		t.Fatalf("NewHTTPBatch returned error: %v", err)
	}

	for i := int64(0); i < 2; i++ {
		if err := s.Consume(sampleAt(i)); err != nil {
			t.Fatalf("Consume returned error: %v", err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}

	if recorder.count() != 1 {
		t.Fatalf("expected exactly one delivered batch, got %d", recorder.count())
	}
	if s.Stats().Lost != 0 {
		t.Fatalf("expected no loss, got %d", s.Stats().Lost)
	}
}

func TestHTTPBatchReportsLossAfterRetryCeiling(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	t.Cleanup(server.Close)

	s, err := NewHTTPBatch("http-test", HTTPConfig{
		URL:          server.URL,
		MaxBatchSize: 3,
		MaxBatchAge:  time.Minute,
		Retries:      2,
		RetryBackoff: 5 * time.Millisecond,
	}, discardLogger())
	if err != nil {
		t.Fatalf("NewHTTPBatch returned error: %v", err)
	}

	for i := int64(0); i < 3; i++ {
		if err := s.Consume(sampleAt(i)); err != nil {
			t.Fatalf("Consume returned error: %v", err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}

	if got := s.Stats().Lost; got != 3 {
		t.Fatalf("expected 3 lost samples recorded, got %d", got)
	}
}
