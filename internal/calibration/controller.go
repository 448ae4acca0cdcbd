// Package calibration drives the calibration workflow as an explicit state
// machine and validates its results.
package calibration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gazecap/gazecapd/internal/backend"
	"github.com/gazecap/gazecapd/internal/gaze"
)

// State is the controller's position in the calibration workflow.
type State int

const (
	Idle State = iota
	Collecting
	Validating
)

func (s State) String() string {
	switch s {
	case Collecting:
		return "collecting"
	case Validating:
		return "validating"
	default:
		return "idle"
	}
}

// RunResult is the terminal outcome of a calibration run.
type RunResult int

const (
	Pending RunResult = iota
	Accepted
	Rejected
	Aborted
)

func (r RunResult) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	case Aborted:
		return "aborted"
	default:
		return "pending"
	}
}

// MarshalText renders the result for API payloads.
func (r RunResult) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText parses the textual result form.
func (r *RunResult) UnmarshalText(text []byte) error {
	switch string(text) {
	case "pending":
		*r = Pending
	case "accepted":
		*r = Accepted
	case "rejected":
		*r = Rejected
	case "aborted":
		*r = Aborted
	default:
		return fmt.Errorf("unknown calibration result %q", text)
	}
	return nil
}

// ErrAborted marks a run terminated by explicit cancel or backend disconnect.
// Rejection is a normal outcome, not an error; abortion is the only
// calibration failure the operator has to react to.
var ErrAborted = errors.New("calibration aborted")

// Run records one calibration attempt.
type Run struct {
	ID        string                `json:"run_id"`
	StartedAt time.Time             `json:"started_at"`
	Points    []gaze.Point2         `json:"points_requested"`
	Collected []backend.PointResult `json:"points_collected"`
	Result    RunResult             `json:"result"`
}

// UsableFraction is the share of requested points that yielded data.
func (r *Run) UsableFraction() float64 {
	if len(r.Points) == 0 {
		return 0
	}
	usable := 0
	for _, p := range r.Collected {
		if p.Collected {
			usable++
		}
	}
	return float64(usable) / float64(len(r.Points))
}

// PointCollector is the slice of the backend the controller needs.
type PointCollector interface {
	CalibratePoint(ctx context.Context, p gaze.Point2) (backend.PointResult, error)
}

// Config holds the acceptance thresholds. Zero values take defaults.
type Config struct {
	// AcceptThreshold is the minimum usable-point fraction for acceptance.
	AcceptThreshold float64
	// MaxErrorDeg rejects a run when any usable point's angular error
	// exceeds it.
	MaxErrorDeg float64
	// PointSettle is the pause before sampling each target, giving the
	// subject time to fixate.
	PointSettle time.Duration
}

// DefaultConfig mirrors common screen-based tracker guidance.
func DefaultConfig() Config {
	return Config{
		AcceptThreshold: 0.8,
		MaxErrorDeg:     1.5,
		PointSettle:     500 * time.Millisecond,
	}
}

// DefaultPoints is the standard 7-target layout in normalized coordinates.
func DefaultPoints() []gaze.Point2 {
	return []gaze.Point2{
		{X: 0.5, Y: 0.5},
		{X: 0.1, Y: 0.1}, {X: 0.1, Y: 0.9},
		{X: 0.9, Y: 0.1}, {X: 0.9, Y: 0.9},
		{X: 0.3, Y: 0.7}, {X: 0.7, Y: 0.3},
	}
}

// Controller executes calibration runs, one at a time.
type Controller struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	last   *Run
}

// NewController builds a Controller, applying defaults for zero config
// fields.
func NewController(cfg Config, logger *slog.Logger) *Controller {
	def := DefaultConfig()
	if cfg.AcceptThreshold <= 0 || cfg.AcceptThreshold > 1 {
		cfg.AcceptThreshold = def.AcceptThreshold
	}
	if cfg.MaxErrorDeg <= 0 {
		cfg.MaxErrorDeg = def.MaxErrorDeg
	}
	if cfg.PointSettle < 0 {
		cfg.PointSettle = def.PointSettle
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		cfg:    cfg,
		logger: logger.With("component", "calibration"),
	}
}

// State returns the controller's current workflow state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastRun returns the most recently finished run, or nil.
func (c *Controller) LastRun() *Run {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Abort cancels the active run, if any. The run finishes as Aborted.
func (c *Controller) Abort() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Run collects data at each target in order, then validates. A point that
// yields no usable samples is recorded and does not abort the run; only an
// explicit Abort or a backend disconnect does.
//
// Returns the finished run. The error is non-nil only for Aborted runs.
func (c *Controller) Run(ctx context.Context, collector PointCollector, points []gaze.Point2) (*Run, error) {
	if len(points) == 0 {
		points = DefaultPoints()
	}

	c.mu.Lock()
	if c.state != Idle {
		c.mu.Unlock()
		return nil, fmt.Errorf("calibration already in progress")
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.state = Collecting
	c.cancel = cancel
	c.mu.Unlock()

	run := &Run{
		ID:        uuid.NewString(),
		StartedAt: time.Now(),
		Points:    points,
		Result:    Pending,
	}
	c.logger.Info("calibration run started", "run_id", run.ID, "points", len(points))

	defer func() {
		c.mu.Lock()
		c.state = Idle
		c.cancel = nil
		c.last = run
		c.mu.Unlock()
	}()

	for _, p := range points {
		if err := c.settle(runCtx); err != nil {
			return c.abort(run, err)
		}
		res, err := collector.CalibratePoint(runCtx, p)
		switch {
		case runCtx.Err() != nil:
			return c.abort(run, runCtx.Err())
		case err != nil && backend.IsFatal(err):
			return c.abort(run, err)
		case err != nil:
			// Transient backend failure mid-run means the connection is
			// gone; partial acceptance is not allowed.
			return c.abort(run, err)
		}
		if !res.Collected {
			c.logger.Warn("calibration point yielded no usable data", "run_id", run.ID, "point", p)
		}
		run.Collected = append(run.Collected, res)
	}

	c.mu.Lock()
	c.state = Validating
	c.mu.Unlock()

	run.Result = c.validate(run)
	c.logger.Info("calibration run finished",
		"run_id", run.ID,
		"result", run.Result.String(),
		"usable_fraction", run.UsableFraction(),
	)
	return run, nil
}

func (c *Controller) settle(ctx context.Context) error {
	if c.cfg.PointSettle <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.cfg.PointSettle):
		return nil
	}
}

func (c *Controller) abort(run *Run, cause error) (*Run, error) {
	run.Result = Aborted
	c.logger.Warn("calibration run aborted", "run_id", run.ID, "cause", cause)
	// The cause stays in the chain so callers can tell a backend failure
	// apart from an operator abort.
	return run, fmt.Errorf("%w: %w", ErrAborted, cause)
}

func (c *Controller) validate(run *Run) RunResult {
	if run.UsableFraction() < c.cfg.AcceptThreshold {
		return Rejected
	}
	for _, p := range run.Collected {
		if p.Collected && p.AccuracyDeg > c.cfg.MaxErrorDeg {
			return Rejected
		}
	}
	return Accepted
}
