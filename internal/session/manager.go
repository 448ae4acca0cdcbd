// Package session owns the device lifecycle: connection, calibration and
// streaming phases, watchdog-driven reconnects, and the handoff of
// normalized samples to the bus.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/gazecap/gazecapd/internal/backend"
	"github.com/gazecap/gazecapd/internal/bus"
	"github.com/gazecap/gazecapd/internal/calibration"
	"github.com/gazecap/gazecapd/internal/clocksync"
	"github.com/gazecap/gazecapd/internal/gaze"
)

// State is the session lifecycle position.
type State int32

const (
	Disconnected State = iota
	Connecting
	Ready
	Calibrating
	Streaming
	Reconnecting
	// Stopped is the terminal state: all sinks flushed and closed.
	Stopped
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Ready:
		return "ready"
	case Calibrating:
		return "calibrating"
	case Streaming:
		return "streaming"
	case Reconnecting:
		return "reconnecting"
	case Stopped:
		return "stopped"
	default:
		return "disconnected"
	}
}

// MarshalText renders the state for API payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses the textual state form.
func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "disconnected":
		*s = Disconnected
	case "connecting":
		*s = Connecting
	case "ready":
		*s = Ready
	case "calibrating":
		*s = Calibrating
	case "streaming":
		*s = Streaming
	case "reconnecting":
		*s = Reconnecting
	case "stopped":
		*s = Stopped
	default:
		return fmt.Errorf("unknown session state %q", text)
	}
	return nil
}

// ErrStopped is returned for commands against a terminated session.
var ErrStopped = errors.New("session stopped")

// ErrInvalidState rejects a command the current state cannot accept.
var ErrInvalidState = errors.New("invalid state for command")

// Config tunes lifecycle behavior. Zero values take defaults.
type Config struct {
	// MaxSilence is the watchdog window: with no sample for this long
	// while streaming, the connection is declared lost.
	MaxSilence time.Duration
	// ReconnectBase and ReconnectCap bound the exponential backoff.
	ReconnectBase time.Duration
	ReconnectCap  time.Duration
	// ReconnectJitter spreads each wait by +/- this fraction.
	ReconnectJitter float64
	// MaxReconnectAttempts ends the session after this many consecutive
	// failed attempts. Zero means unlimited.
	MaxReconnectAttempts int
	// MaxReconnectElapsed ends the session when a single recovery takes
	// longer than this in total. Zero means unlimited.
	MaxReconnectElapsed time.Duration
	// ShutdownGrace bounds sink draining at stop.
	ShutdownGrace time.Duration
	// ProfileDir receives accepted calibration profiles. Empty disables
	// persistence.
	ProfileDir string
	// ClockFitWindow is the per-connection regression window.
	ClockFitWindow int
	// DisplayWidthPx/DisplayHeightPx describe the capture display for
	// pixel midpoint derivation. Zero skips derivation.
	DisplayWidthPx  int
	DisplayHeightPx int
}

func (c *Config) applyDefaults() {
	if c.MaxSilence <= 0 {
		c.MaxSilence = 2 * time.Second
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = time.Second
	}
	if c.ReconnectCap <= 0 {
		c.ReconnectCap = 30 * time.Second
	}
	if c.ReconnectJitter < 0 || c.ReconnectJitter >= 1 {
		c.ReconnectJitter = 0.2
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 5 * time.Second
	}
}

// Status is a point-in-time view of the session for operators.
type Status struct {
	SessionID        string            `json:"session_id"`
	State            State             `json:"state"`
	StartedAt        time.Time         `json:"started_at"`
	ReconnectCount   uint64            `json:"reconnect_count"`
	DisplayArea      *gaze.DisplayArea `json:"display_area,omitempty"`
	Backend          string            `json:"backend"`
	SamplesIngested  uint64            `json:"samples_ingested"`
	WatchdogTrips    uint64            `json:"watchdog_trips"`
	DriftCorrections uint64            `json:"drift_corrections"`
	Calibration      *calibration.Run  `json:"calibration,omitempty"`
	LastError        string            `json:"last_error,omitempty"`
}

type cmdKind int

const (
	cmdStart cmdKind = iota
	cmdStop
	cmdStartCapture
	cmdCalibrate
	cmdSetDisplayArea
)

type command struct {
	kind   cmdKind
	points []gaze.Point2
	area   *gaze.DisplayArea
	reply  chan error
}

type evKind int

const (
	evConnectResult evKind = iota
	evRetryTimer
	evStreamEnded
	evWatchdog
	evCalibrationDone
)

type event struct {
	kind evKind
	gen  uint64
	err  error
	area gaze.DisplayArea
	run  *calibration.Run
}

// Manager drives the session state machine. All state transitions happen on
// the Run goroutine; other components interact through commands and events.
type Manager struct {
	cfg     Config
	backend backend.Backend
	clock   *clocksync.Clock
	bus     *bus.Bus
	calib   *calibration.Controller
	logger  *slog.Logger

	cmds   chan command
	events chan event
	done   chan struct{}

	// Loop-owned, never touched off the Run goroutine.
	streamCancel  context.CancelFunc
	streamGen     uint64
	resumeCapture bool
	retryAttempts int
	retryStarted  time.Time
	retryTimer    *time.Timer

	mu             sync.RWMutex
	state          State
	sessionID      string
	startedAt      time.Time
	reconnectCount uint64
	displayArea    *gaze.DisplayArea
	lastRun        *calibration.Run
	lastErr        string
	retryDelays    []time.Duration

	stateAtomic     atomic.Int32
	lastSampleNanos atomic.Int64
	samplesIngested atomic.Uint64
	watchdogTrips   atomic.Uint64
}

// NewManager wires the session core together.
func NewManager(cfg Config, be backend.Backend, b *bus.Bus, calib *calibration.Controller, logger *slog.Logger) *Manager {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		cfg:       cfg,
		backend:   be,
		clock:     clocksync.New(cfg.ClockFitWindow, logger),
		bus:       b,
		calib:     calib,
		logger:    logger.With("component", "session"),
		cmds:      make(chan command),
		events:    make(chan event, 16),
		done:      make(chan struct{}),
		sessionID: uuid.NewString(),
	}
	return m
}

// Bus exposes the fan-out point for sink registration.
func (m *Manager) Bus() *bus.Bus { return m.bus }

// SessionID returns the stable identity of this logical session.
func (m *Manager) SessionID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessionID
}

// Status snapshots the session for the operator surface.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Status{
		SessionID:        m.sessionID,
		State:            m.state,
		StartedAt:        m.startedAt,
		ReconnectCount:   m.reconnectCount,
		DisplayArea:      m.displayArea,
		Backend:          m.backend.Name(),
		SamplesIngested:  m.samplesIngested.Load(),
		WatchdogTrips:    m.watchdogTrips.Load(),
		DriftCorrections: m.clock.DriftCorrections(),
		Calibration:      m.lastRun,
		LastError:        m.lastErr,
	}
}

// ReconnectCount reports completed reconnect recoveries.
func (m *Manager) ReconnectCount() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reconnectCount
}

// RetryDelays returns the backoff waits scheduled so far.
func (m *Manager) RetryDelays() []time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]time.Duration, len(m.retryDelays))
	copy(out, m.retryDelays)
	return out
}

// DriftCorrections reports clamped clock normalizations.
func (m *Manager) DriftCorrections() uint64 { return m.clock.DriftCorrections() }

// State returns the current lifecycle state.
func (m *Manager) State() State {
	return State(m.stateAtomic.Load())
}

// Start begins connecting to the backend.
func (m *Manager) Start(ctx context.Context) error {
	return m.do(ctx, command{kind: cmdStart})
}

// Stop terminates the session: producer stopped, sinks drained with the
// configured grace, backend disconnected. Terminal.
func (m *Manager) Stop(ctx context.Context) error {
	return m.do(ctx, command{kind: cmdStop})
}

// StartCapture begins streaming samples to the bus.
func (m *Manager) StartCapture(ctx context.Context) error {
	return m.do(ctx, command{kind: cmdStartCapture})
}

// Calibrate starts a calibration run over the given targets (or the default
// layout when empty). The run proceeds asynchronously; its outcome is
// visible in Status.
func (m *Manager) Calibrate(ctx context.Context, points []gaze.Point2) error {
	return m.do(ctx, command{kind: cmdCalibrate, points: points})
}

// AbortCalibration cancels the active run, if any.
func (m *Manager) AbortCalibration() {
	m.calib.Abort()
}

// SetDisplayArea overrides the display geometry reported by the backend.
func (m *Manager) SetDisplayArea(ctx context.Context, area gaze.DisplayArea) error {
	area.Derive()
	return m.do(ctx, command{kind: cmdSetDisplayArea, area: &area})
}

func (m *Manager) do(ctx context.Context, c command) error {
	c.reply = make(chan error, 1)
	select {
	case m.cmds <- c:
	case <-m.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-c.reply:
		return err
	case <-m.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) post(ev event) {
	select {
	case m.events <- ev:
	case <-m.done:
	}
}

// Run executes the state machine until Stop, a fatal backend error, retry
// budget exhaustion, or context cancellation.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	m.startedAt = time.Now()
	m.mu.Unlock()
	m.logger.Info("session created", "session_id", m.SessionID(), "backend", m.backend.Name())

	defer close(m.done)

	for {
		select {
		case <-ctx.Done():
			m.shutdown("")
			return nil
		case c := <-m.cmds:
			if terminal := m.handleCommand(ctx, c); terminal {
				return nil
			}
		case ev := <-m.events:
			if terminal := m.handleEvent(ctx, ev); terminal {
				return m.terminalError()
			}
		}
	}
}

func (m *Manager) terminalError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.lastErr == "" {
		return nil
	}
	return errors.New(m.lastErr)
}

func (m *Manager) handleCommand(ctx context.Context, c command) (terminal bool) {
	switch c.kind {
	case cmdStart:
		if m.State() != Disconnected {
			c.reply <- fmt.Errorf("%w: start in %s", ErrInvalidState, m.State())
			return false
		}
		m.setState(Connecting)
		go m.connect(ctx, m.streamGen)
		c.reply <- nil

	case cmdStop:
		m.shutdown("")
		c.reply <- nil
		return true

	case cmdStartCapture:
		switch m.State() {
		case Streaming:
			c.reply <- nil
		case Ready, Calibrating:
			// Streaming may start before or without an accepted
			// calibration; quality is degraded, not blocked.
			m.startStreaming(ctx)
			c.reply <- nil
		default:
			c.reply <- fmt.Errorf("%w: capture in %s", ErrInvalidState, m.State())
		}

	case cmdCalibrate:
		if m.State() != Ready {
			c.reply <- fmt.Errorf("%w: calibrate in %s", ErrInvalidState, m.State())
			return false
		}
		m.setState(Calibrating)
		points := c.points
		go func() {
			run, err := m.calib.Run(ctx, m.backend, points)
			m.post(event{kind: evCalibrationDone, run: run, err: err})
		}()
		c.reply <- nil

	case cmdSetDisplayArea:
		if m.State() == Stopped {
			c.reply <- ErrStopped
			return false
		}
		m.mu.Lock()
		m.displayArea = c.area
		m.mu.Unlock()
		m.logger.Info("display area set by operator",
			"width_mm", c.area.WidthMM, "height_mm", c.area.HeightMM,
			"width_px", c.area.WidthPx, "height_px", c.area.HeightPx,
		)
		c.reply <- nil
	}
	return false
}

func (m *Manager) handleEvent(ctx context.Context, ev event) (terminal bool) {
	switch ev.kind {
	case evConnectResult:
		return m.handleConnectResult(ctx, ev)

	case evRetryTimer:
		if m.State() != Reconnecting && m.State() != Connecting {
			return false
		}
		go m.connect(ctx, m.streamGen)

	case evStreamEnded:
		if ev.gen != m.streamGen || m.State() != Streaming {
			return false
		}
		if ev.err == nil {
			// Deliberate stop of the producer; no recovery needed.
			return false
		}
		if backend.IsFatal(ev.err) {
			m.failSession(fmt.Sprintf("backend stream failed: %v", ev.err))
			return true
		}
		m.logger.Warn("stream lost, reconnecting", "err", ev.err)
		m.enterReconnecting(ctx, true)

	case evWatchdog:
		if ev.gen != m.streamGen || m.State() != Streaming {
			return false
		}
		m.watchdogTrips.Add(1)
		m.logger.Warn("watchdog fired: no samples within silence window",
			"max_silence", m.cfg.MaxSilence,
		)
		m.enterReconnecting(ctx, true)

	case evCalibrationDone:
		m.mu.Lock()
		m.lastRun = ev.run
		m.mu.Unlock()
		if ev.run != nil && ev.run.Result == calibration.Accepted && m.cfg.ProfileDir != "" {
			if _, err := calibration.SaveProfile(m.cfg.ProfileDir, ev.run); err != nil {
				m.logger.Error("failed to persist calibration profile", "err", err)
			}
		}
		if m.State() != Calibrating {
			return false
		}
		// A run aborted by a backend failure means the connection is gone;
		// returning to Ready would leave a dead session looking healthy.
		var be *backend.Error
		if ev.err != nil && errors.As(ev.err, &be) {
			if be.Kind == backend.Fatal {
				m.failSession(fmt.Sprintf("backend failed during calibration: %v", ev.err))
				return true
			}
			m.logger.Warn("calibration lost backend, reconnecting", "err", ev.err)
			m.enterReconnecting(ctx, false)
			return false
		}
		m.setState(Ready)
	}
	return false
}

func (m *Manager) handleConnectResult(ctx context.Context, ev event) (terminal bool) {
	state := m.State()
	if state != Connecting && state != Reconnecting {
		return false
	}

	if ev.err != nil {
		if backend.IsFatal(ev.err) {
			m.failSession(fmt.Sprintf("backend connect failed: %v", ev.err))
			return true
		}
		if state == Connecting {
			m.setState(Reconnecting)
			m.retryStarted = time.Now()
		}
		return m.scheduleRetry(ev.err)
	}

	recovering := state == Reconnecting
	m.mu.Lock()
	area := ev.area
	// Operator-supplied pixel geometry survives reconnects; the physical
	// geometry is refreshed, never merged.
	if m.displayArea != nil && area.WidthPx == 0 {
		area.WidthPx = m.displayArea.WidthPx
		area.HeightPx = m.displayArea.HeightPx
	}
	if area.WidthPx == 0 {
		area.WidthPx = m.cfg.DisplayWidthPx
		area.HeightPx = m.cfg.DisplayHeightPx
	}
	m.displayArea = &area
	if recovering {
		m.reconnectCount++
	}
	m.mu.Unlock()

	m.clock.BeginConnection()
	m.retryAttempts = 0
	m.setState(Ready)
	m.logger.Info("backend connected",
		"recovering", recovering,
		"reconnect_count", m.ReconnectCount(),
	)

	if recovering && m.resumeCapture {
		m.startStreaming(ctx)
	}
	return false
}

// connect runs off the loop goroutine and reports its outcome as an event.
func (m *Manager) connect(ctx context.Context, gen uint64) {
	if err := m.backend.Connect(ctx); err != nil {
		m.post(event{kind: evConnectResult, gen: gen, err: err})
		return
	}
	area, err := m.backend.DisplayArea(ctx)
	if err != nil {
		m.post(event{kind: evConnectResult, gen: gen, err: err})
		return
	}
	m.post(event{kind: evConnectResult, gen: gen, area: area})
}

// scheduleRetry arms the backoff timer, or ends the session when the retry
// budget is exhausted.
func (m *Manager) scheduleRetry(cause error) (terminal bool) {
	m.retryAttempts++
	if m.cfg.MaxReconnectAttempts > 0 && m.retryAttempts > m.cfg.MaxReconnectAttempts {
		m.failSession(fmt.Sprintf("retry budget exhausted after %d attempts: %v", m.retryAttempts-1, cause))
		return true
	}
	if m.cfg.MaxReconnectElapsed > 0 && time.Since(m.retryStarted) > m.cfg.MaxReconnectElapsed {
		m.failSession(fmt.Sprintf("retry budget exhausted after %s: %v", time.Since(m.retryStarted).Round(time.Millisecond), cause))
		return true
	}

	delay := backoffDelay(m.cfg.ReconnectBase, m.cfg.ReconnectCap, m.cfg.ReconnectJitter, m.retryAttempts)
	m.mu.Lock()
	m.retryDelays = append(m.retryDelays, delay)
	m.mu.Unlock()

	m.logger.Info("scheduling reconnect attempt",
		"attempt", m.retryAttempts,
		"delay", delay,
		"cause", cause,
	)
	m.retryTimer = time.AfterFunc(delay, func() {
		m.post(event{kind: evRetryTimer})
	})
	return false
}

// enterReconnecting tears down the producer but leaves sinks untouched;
// they keep waiting on their queues.
func (m *Manager) enterReconnecting(ctx context.Context, resume bool) {
	m.stopProducer()
	_ = m.backend.Disconnect()
	m.resumeCapture = resume
	m.retryAttempts = 0
	m.retryStarted = time.Now()
	m.setState(Reconnecting)
	go m.connect(ctx, m.streamGen)
}

// startStreaming launches the producer and its watchdog.
func (m *Manager) startStreaming(ctx context.Context) {
	m.streamGen++
	gen := m.streamGen
	streamCtx, cancel := context.WithCancel(ctx)
	m.streamCancel = cancel
	m.lastSampleNanos.Store(time.Now().UnixNano())
	m.setState(Streaming)

	go func() {
		err := m.backend.Stream(streamCtx, m.ingest)
		m.post(event{kind: evStreamEnded, gen: gen, err: err})
	}()

	go m.watchdog(streamCtx, gen)
	m.logger.Info("streaming started", "stream_gen", gen)
}

// watchdog is the only detector of a backend that silently stops delivering
// samples without raising a disconnect error.
func (m *Manager) watchdog(ctx context.Context, gen uint64) {
	interval := m.cfg.MaxSilence / 4
	if interval <= 0 {
		interval = m.cfg.MaxSilence
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			last := time.Unix(0, m.lastSampleNanos.Load())
			if time.Since(last) > m.cfg.MaxSilence {
				m.post(event{kind: evWatchdog, gen: gen})
				return
			}
		}
	}
}

// ingest runs on the producer goroutine for every raw sample: timestamp
// normalization, validation, state gating, then fan-out. Cheap and
// non-blocking unless a BlockProducer sink applies backpressure.
func (m *Manager) ingest(raw backend.RawSample) {
	arrival := time.Now()
	m.lastSampleNanos.Store(arrival.UnixNano())

	if m.State() != Streaming {
		return
	}

	sessionUS := m.clock.Normalize(raw.DeviceTimeUS, arrival)

	m.mu.RLock()
	var area gaze.DisplayArea
	if m.displayArea != nil {
		area = *m.displayArea
	}
	sessionID := m.sessionID
	m.mu.RUnlock()

	sample := &gaze.Sample{
		SessionID:     sessionID,
		DeviceTimeUS:  raw.DeviceTimeUS,
		SessionTimeUS: sessionUS,
		Left:          raw.Left,
		Right:         raw.Right,
		Validity:      gaze.ClassifyValidity(raw.Left, raw.Right),
		MidPx:         gaze.Midpoint(raw.Left, raw.Right, area),
	}
	m.bus.Publish(sample)
	m.samplesIngested.Add(1)
}

func (m *Manager) stopProducer() {
	if m.streamCancel != nil {
		m.streamCancel()
		m.streamCancel = nil
	}
	// Invalidate in-flight events from the old producer.
	m.streamGen++
}

// failSession records a terminal error and shuts down.
func (m *Manager) failSession(msg string) {
	m.logger.Error("session failed", "reason", msg)
	m.shutdown(msg)
}

// shutdown sequence: stop producer, drain sinks with bounded grace,
// disconnect the backend.
func (m *Manager) shutdown(errMsg string) {
	if m.State() == Stopped {
		return
	}
	m.stopProducer()
	if m.retryTimer != nil {
		m.retryTimer.Stop()
	}
	m.calib.Abort()
	m.bus.Close(m.cfg.ShutdownGrace)
	if err := m.backend.Disconnect(); err != nil {
		m.logger.Warn("backend disconnect failed", "err", err)
	}

	m.mu.Lock()
	m.lastErr = errMsg
	m.mu.Unlock()
	m.setState(Stopped)
	m.logger.Info("session stopped",
		"samples_ingested", m.samplesIngested.Load(),
		"reconnects", m.ReconnectCount(),
	)
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	prev := m.state
	m.state = s
	m.mu.Unlock()
	m.stateAtomic.Store(int32(s))
	if prev != s {
		m.logger.Info("state transition", "from", prev.String(), "to", s.String())
	}
}
