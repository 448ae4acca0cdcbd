package backend

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/gazecap/gazecapd/internal/gaze"
)

// DummyConfig tunes the synthetic sample generator.
type DummyConfig struct {
	// RateHz is the sample emission frequency.
	RateHz int
	// Radius and Center define the circular gaze path in normalized
	// display coordinates.
	Radius float64
	Center gaze.Point2
	// Speed is the path speed in revolutions per second.
	Speed float64
	// DropEvery drops both eyes on every Nth sample to exercise validity
	// handling. Zero disables dropouts.
	DropEvery int
}

// DefaultDummyConfig mirrors a mid-range 120Hz tracker.
func DefaultDummyConfig() DummyConfig {
	return DummyConfig{
		RateHz: 120,
		Radius: 0.2,
		Center: gaze.Point2{X: 0.5, Y: 0.5},
		Speed:  0.5,
	}
}

// Dummy generates synthetic gaze samples on a fixed-rate loop. It exists so
// the whole pipeline can run and be tested without hardware.
type Dummy struct {
	cfg    DummyConfig
	logger *slog.Logger

	mu        sync.Mutex
	connected bool
	// deviceBase offsets the fake device clock on every connect so that
	// reconnects look like real per-connection clock resets.
	deviceBase int64
	connects   int
}

// NewDummy builds a synthetic tracker.
func NewDummy(cfg DummyConfig, logger *slog.Logger) *Dummy {
	if cfg.RateHz <= 0 {
		cfg.RateHz = DefaultDummyConfig().RateHz
	}
	if cfg.Radius <= 0 {
		cfg.Radius = DefaultDummyConfig().Radius
	}
	if cfg.Speed == 0 {
		cfg.Speed = DefaultDummyConfig().Speed
	}
	if cfg.Center == (gaze.Point2{}) {
		cfg.Center = DefaultDummyConfig().Center
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dummy{
		cfg:    cfg,
		logger: logger.With("component", "backend", "backend", "dummy"),
	}
}

func (d *Dummy) Name() string { return "dummy" }

// Connect always succeeds and resets the fake device clock.
func (d *Dummy) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = true
	d.connects++
	// A fresh, unrelated clock origin per connection.
	d.deviceBase = int64(d.connects) * 7_000_000_000
	d.logger.Info("dummy tracker connected", "connect_count", d.connects)
	return nil
}

// DisplayArea reports a fixed 24" 16:9 surface.
func (d *Dummy) DisplayArea(ctx context.Context) (gaze.DisplayArea, error) {
	d.mu.Lock()
	connected := d.connected
	d.mu.Unlock()
	if !connected {
		return gaze.DisplayArea{}, Errorf(Transient, "display_area", "not connected")
	}
	area := gaze.DisplayArea{
		TopLeft:     gaze.Point3{X: -265, Y: 195, Z: 0},
		TopRight:    gaze.Point3{X: 265, Y: 195, Z: 0},
		BottomLeft:  gaze.Point3{X: -265, Y: -103, Z: 0},
		BottomRight: gaze.Point3{X: 265, Y: -103, Z: 0},
	}
	area.Derive()
	return area, nil
}

// Stream emits samples along a circular path at the configured rate until
// the context is canceled.
func (d *Dummy) Stream(ctx context.Context, emit EmitFunc) error {
	d.mu.Lock()
	if !d.connected {
		d.mu.Unlock()
		return Errorf(Transient, "stream", "not connected")
	}
	base := d.deviceBase
	d.mu.Unlock()

	interval := time.Second / time.Duration(d.cfg.RateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	start := time.Now()
	frame := 0
	d.logger.Info("dummy stream started", "rate_hz", d.cfg.RateHz)

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dummy stream stopped", "frames", frame)
			return nil
		case <-ticker.C:
			emit(d.sample(base, start, frame))
			frame++
		}
	}
}

func (d *Dummy) sample(base int64, start time.Time, frame int) RawSample {
	elapsed := time.Since(start).Seconds()
	deviceUS := base + time.Since(start).Microseconds()

	if d.cfg.DropEvery > 0 && frame%d.cfg.DropEvery == d.cfg.DropEvery-1 {
		return RawSample{DeviceTimeUS: deviceUS}
	}

	angle := 2 * math.Pi * d.cfg.Speed * elapsed
	x := d.cfg.Center.X + d.cfg.Radius*math.Cos(angle)
	y := d.cfg.Center.Y + d.cfg.Radius*math.Sin(angle)

	left := &gaze.EyeSample{
		GazePoint:       gaze.Point2{X: x, Y: y},
		GazeOrigin:      gaze.Point3{X: -32, Y: 0, Z: 620},
		PupilDiameterMM: 3.4,
	}
	right := &gaze.EyeSample{
		GazePoint:       gaze.Point2{X: x, Y: y},
		GazeOrigin:      gaze.Point3{X: 32, Y: 0, Z: 620},
		PupilDiameterMM: 3.5,
	}
	return RawSample{DeviceTimeUS: deviceUS, Left: left, Right: right}
}

// CalibratePoint pretends to collect samples at the target with a small
// synthetic error.
func (d *Dummy) CalibratePoint(ctx context.Context, p gaze.Point2) (PointResult, error) {
	d.mu.Lock()
	connected := d.connected
	d.mu.Unlock()
	if !connected {
		return PointResult{}, Errorf(Transient, "calibrate_point", "not connected")
	}
	select {
	case <-ctx.Done():
		return PointResult{}, ctx.Err()
	case <-time.After(10 * time.Millisecond):
	}
	return PointResult{
		Point:        p,
		Collected:    true,
		AccuracyDeg:  0.4,
		PrecisionDeg: 0.15,
	}, nil
}

// Disconnect drops the simulated connection.
func (d *Dummy) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = false
	d.logger.Info("dummy tracker disconnected")
	return nil
}
