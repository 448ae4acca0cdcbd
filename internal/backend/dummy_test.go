package backend

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gazecap/gazecapd/internal/gaze"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDummyStreamRateAndShape(t *testing.T) {
	t.Parallel()

	d := NewDummy(DummyConfig{RateHz: 200}, discardLogger())
	if err := d.Connect(context.Background()); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	t.Cleanup(func() { _ = d.Disconnect() })

	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()

	var (
		mu      sync.Mutex
		samples []RawSample
	)
	err := d.Stream(ctx, func(s RawSample) {
		mu.Lock()
		samples = append(samples, s)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Stream returned error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(samples) < 20 {
		t.Fatalf("expected a steady stream, got %d samples", len(samples))
	}
	var last int64 = -1
	for i, s := range samples {
		if s.DeviceTimeUS <= last {
			t.Fatalf("sample %d: device time %d did not advance past %d", i, s.DeviceTimeUS, last)
		}
		last = s.DeviceTimeUS
		if s.Left == nil || s.Right == nil {
			t.Fatalf("sample %d: expected both eyes present", i)
		}
		if s.Left.GazePoint.X < 0 || s.Left.GazePoint.X > 1 {
			t.Fatalf("sample %d: gaze point out of range: %+v", i, s.Left.GazePoint)
		}
	}
}

func TestDummyDeviceClockResetsOnReconnect(t *testing.T) {
	t.Parallel()

	d := NewDummy(DummyConfig{RateHz: 500}, discardLogger())

	firstDevice := func() int64 {
		t.Helper()
		if err := d.Connect(context.Background()); err != nil {
			t.Fatalf("Connect returned error: %v", err)
		}
		ctx, cancel := context.WithCancel(context.Background())
		var got int64
		var once sync.Once
		_ = d.Stream(ctx, func(s RawSample) {
			once.Do(func() {
				got = s.DeviceTimeUS
				cancel()
			})
		})
		cancel()
		_ = d.Disconnect()
		return got
	}

	a := firstDevice()
	b := firstDevice()
	if a == b {
		t.Fatalf("expected distinct device clock origins per connection, both %d", a)
	}
}

func TestDummyDropoutsProduceEyelessSamples(t *testing.T) {
	t.Parallel()

	d := NewDummy(DummyConfig{RateHz: 500, DropEvery: 3}, discardLogger())
	if err := d.Connect(context.Background()); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu      sync.Mutex
		dropped int
		total   int
	)
	_ = d.Stream(ctx, func(s RawSample) {
		mu.Lock()
		total++
		if s.Left == nil && s.Right == nil {
			dropped++
		}
		if total >= 30 {
			cancel()
		}
		mu.Unlock()
	})

	mu.Lock()
	defer mu.Unlock()
	if dropped == 0 {
		t.Fatalf("expected dropouts in %d samples", total)
	}
}

func TestDummyOperationsRequireConnection(t *testing.T) {
	t.Parallel()

	d := NewDummy(DummyConfig{}, discardLogger())
	if _, err := d.DisplayArea(context.Background()); !IsTransient(err) || err == nil {
		t.Fatalf("expected transient error, got %v", err)
	}
	if err := d.Stream(context.Background(), func(RawSample) {}); err == nil {
		t.Fatal("expected stream error when disconnected")
	}
	if _, err := d.CalibratePoint(context.Background(), gaze.Point2{X: 0.5, Y: 0.5}); err == nil {
		t.Fatal("expected calibrate error when disconnected")
	}
}

func TestDummyDisplayAreaDerivesGeometry(t *testing.T) {
	t.Parallel()

	d := NewDummy(DummyConfig{}, discardLogger())
	if err := d.Connect(context.Background()); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	area, err := d.DisplayArea(context.Background())
	if err != nil {
		t.Fatalf("DisplayArea returned error: %v", err)
	}
	if area.WidthMM <= 0 || area.HeightMM <= 0 {
		t.Fatalf("expected derived dimensions, got %+v", area)
	}
}
