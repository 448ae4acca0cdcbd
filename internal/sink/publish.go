package sink

import (
	"fmt"
	"log/slog"

	"github.com/fxamacker/cbor/v2"

	"github.com/gazecap/gazecapd/internal/gaze"
	"github.com/gazecap/gazecapd/internal/pubhub"
)

// WireSchemaVersion identifies the publish message layout. Schema evolution
// is additive-only: fields may be added under new keys, never renamed or
// removed.
const WireSchemaVersion = 1

// WireMessage is the per-sample publish payload, one message per sample.
type WireMessage struct {
	SchemaVersion int             `cbor:"v"`
	SessionID     string          `cbor:"session_id"`
	SessionTimeUS int64           `cbor:"session_time_us"`
	Left          *gaze.EyeSample `cbor:"left_eye"`
	Right         *gaze.EyeSample `cbor:"right_eye"`
	Validity      string          `cbor:"validity"`
}

// Publish serializes each sample to CBOR and hands it to the hub without
// batching. Subscriber backpressure is the hub's concern, not the sink's,
// so Consume never blocks.
type Publish struct {
	counters
	name   string
	hub    *pubhub.Hub
	logger *slog.Logger
	enc    cbor.EncMode
}

// NewPublish builds a publish sink on top of the hub.
func NewPublish(name string, hub *pubhub.Hub, logger *slog.Logger) (*Publish, error) {
	if hub == nil {
		return nil, fmt.Errorf("publish sink requires a hub")
	}
	if logger == nil {
		logger = slog.Default()
	}
	// Core deterministic encoding keeps payloads byte-stable for a given
	// message across processes.
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("cbor encoder: %w", err)
	}
	return &Publish{
		name:   name,
		hub:    hub,
		logger: logger.With("component", "sink", "sink", name),
		enc:    enc,
	}, nil
}

func (p *Publish) Name() string { return p.name }

// Consume encodes and publishes a single sample.
func (p *Publish) Consume(s *gaze.Sample) error {
	msg := WireMessage{
		SchemaVersion: WireSchemaVersion,
		SessionID:     s.SessionID,
		SessionTimeUS: s.SessionTimeUS,
		Left:          s.Left,
		Right:         s.Right,
		Validity:      s.Validity.String(),
	}
	data, err := p.enc.Marshal(msg)
	if err != nil {
		p.lost.Add(1)
		return &Error{Sink: p.name, Err: fmt.Errorf("encode sample: %w", err)}
	}
	p.hub.Publish(data)
	p.consumed.Add(1)
	return nil
}

// Flush is a no-op; publishing is unbuffered.
func (p *Publish) Flush() error { return nil }

// Close is a no-op; the hub outlives the sink registration.
func (p *Publish) Close() error {
	p.logger.Info("publish sink closed", "published", p.consumed.Load())
	return nil
}
