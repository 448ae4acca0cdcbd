package clocksync

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNormalizeStrictlyIncreasing(t *testing.T) {
	t.Parallel()

	clock := New(10, discardLogger())
	clock.BeginConnection()

	base := time.Now()
	var last int64 = -1
	for i := 0; i < 500; i++ {
		deviceUS := int64(1_000_000 + i*8_333)
		arrival := base.Add(time.Duration(i) * 8333 * time.Microsecond)
		got := clock.Normalize(deviceUS, arrival)
		if got <= last {
			t.Fatalf("sample %d: session time %d did not advance past %d", i, got, last)
		}
		last = got
	}
}

func TestNormalizeMonotonicAcrossReconnect(t *testing.T) {
	t.Parallel()

	clock := New(5, discardLogger())
	clock.BeginConnection()

	base := time.Now()
	var last int64 = -1
	feed := func(startDeviceUS int64, count int, offset time.Duration) {
		t.Helper()
		for i := 0; i < count; i++ {
			deviceUS := startDeviceUS + int64(i)*8_333
			arrival := base.Add(offset + time.Duration(i)*8333*time.Microsecond)
			got := clock.Normalize(deviceUS, arrival)
			if got <= last {
				t.Fatalf("session time %d did not advance past %d", got, last)
			}
			last = got
		}
	}

	feed(5_000_000_000, 100, 0)

	// Simulated reconnect: the device clock resets to a much smaller value.
	clock.BeginConnection()
	feed(12, 100, 2*time.Second)

	if clock.Epoch() != 2 {
		t.Fatalf("expected epoch 2, got %d", clock.Epoch())
	}
}

func TestNormalizeClampsBackwardsDeviceClock(t *testing.T) {
	t.Parallel()

	clock := New(4, discardLogger())
	clock.BeginConnection()

	base := time.Now()
	arrivals := []time.Duration{0, time.Millisecond, 2 * time.Millisecond, 3 * time.Millisecond}
	device := []int64{100, 200, 300, 400}
	for i := range device {
		clock.Normalize(device[i], base.Add(arrivals[i]))
	}

	// Device clock jumps backwards after the fit; clamping must kick in.
	before := clock.DriftCorrections()
	first := clock.Normalize(50, base.Add(4*time.Millisecond))
	second := clock.Normalize(40, base.Add(5*time.Millisecond))
	if second <= first {
		t.Fatalf("clamped time %d did not advance past %d", second, first)
	}
	if clock.DriftCorrections() <= before {
		t.Fatalf("expected drift corrections to increase, still %d", before)
	}
}

func TestDegenerateFitWindowFallsBackToArrival(t *testing.T) {
	t.Parallel()

	clock := New(3, discardLogger())
	clock.BeginConnection()

	base := time.Now()
	var last int64 = -1
	for i := 0; i < 10; i++ {
		// Identical device timestamps: regression denominator is zero.
		got := clock.Normalize(777, base.Add(time.Duration(i)*time.Millisecond))
		if got <= last {
			t.Fatalf("sample %d: session time %d did not advance past %d", i, got, last)
		}
		last = got
	}
}
