// Package clocksync maps raw backend timestamps onto a single monotonic
// session clock that survives device reconnects.
package clocksync

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// epsilonUS is the smallest representable session time step.
const epsilonUS = 1

// DefaultWindow is the number of samples per connection used to fit the
// device-to-session clock mapping.
const DefaultWindow = 30

type pair struct {
	deviceUS  int64
	arrivalUS int64
}

// Clock normalizes per-connection device timestamps into session time.
//
// For each physical connection it fits an affine mapping (least squares over
// the first window samples of device time vs. wall-clock arrival) to absorb
// backend clock drift and connection-to-connection resets. Monotonicity is
// enforced by clamping: a value that would not advance the session clock is
// replaced with last+1us and counted as a drift correction.
type Clock struct {
	logger *slog.Logger
	window int

	mu        sync.Mutex
	startedAt time.Time
	epoch     uint64
	fit       []pair
	slope     float64
	intercept float64
	fitted    bool
	lastUS    int64

	driftCorrections atomic.Uint64
}

// New builds a Clock anchored at now. window samples per connection feed the
// regression; values < 2 fall back to DefaultWindow.
func New(window int, logger *slog.Logger) *Clock {
	if window < 2 {
		window = DefaultWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Clock{
		logger:    logger.With("component", "clocksync"),
		window:    window,
		startedAt: time.Now(),
		lastUS:    -1,
	}
}

// BeginConnection resets the per-connection mapping. Called once for every
// successful (re)connect. The session clock itself keeps running.
func (c *Clock) BeginConnection() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	c.fit = c.fit[:0]
	c.fitted = false
	c.slope = 1
	c.intercept = 0
	c.logger.Debug("connection epoch started", "epoch", c.epoch)
}

// Epoch returns the current connection epoch.
func (c *Clock) Epoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// DriftCorrections reports how many emitted timestamps were clamped.
func (c *Clock) DriftCorrections() uint64 {
	return c.driftCorrections.Load()
}

// Normalize maps a raw device timestamp to session time, using the sample's
// wall-clock arrival as the reference. Never fails: when the affine fit would
// produce a non-advancing value the result is clamped to last+1us.
func (c *Clock) Normalize(deviceUS int64, arrival time.Time) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	arrivalUS := arrival.Sub(c.startedAt).Microseconds()

	if !c.fitted {
		c.fit = append(c.fit, pair{deviceUS: deviceUS, arrivalUS: arrivalUS})
		if len(c.fit) >= c.window {
			c.refit()
		}
	}

	var sessionUS int64
	if c.fitted {
		sessionUS = int64(c.slope*float64(deviceUS) + c.intercept)
	} else {
		// Until the fit window fills, trust arrival time directly.
		sessionUS = arrivalUS
	}

	if sessionUS <= c.lastUS {
		sessionUS = c.lastUS + epsilonUS
		c.driftCorrections.Add(1)
	}
	c.lastUS = sessionUS
	return sessionUS
}

// refit computes the least-squares line of arrival time over device time.
// Caller holds the lock.
func (c *Clock) refit() {
	n := float64(len(c.fit))
	var sumX, sumY, sumXX, sumXY float64
	for _, p := range c.fit {
		x, y := float64(p.deviceUS), float64(p.arrivalUS)
		sumX += x
		sumY += y
		sumXX += x * x
		sumXY += x * y
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		// Degenerate device clock (all identical timestamps); keep the
		// arrival passthrough and let clamping preserve ordering.
		c.logger.Warn("degenerate clock fit window, keeping arrival mapping")
		c.fit = c.fit[:0]
		return
	}
	slope := (n*sumXY - sumX*sumY) / denom
	if slope <= 0 {
		c.logger.Warn("non-positive clock slope, keeping arrival mapping", "slope", slope)
		c.fit = c.fit[:0]
		return
	}
	c.slope = slope
	c.intercept = (sumY - slope*sumX) / n
	c.fitted = true
	c.fit = nil
	c.logger.Debug("clock fit complete", "epoch", c.epoch, "slope", c.slope)
}
