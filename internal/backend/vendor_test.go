package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gazecap/gazecapd/internal/gaze"
)

// fakeRuntime is a minimal stand-in for the vendor tracking runtime speaking
// newline-delimited JSON.
type fakeRuntime struct {
	listener net.Listener
	fatal    bool

	mu       sync.Mutex
	requests []string
}

func newFakeRuntime(t *testing.T) *fakeRuntime {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	rt := &fakeRuntime{listener: l}
	t.Cleanup(func() { _ = l.Close() })
	go rt.serve()
	return rt
}

func (rt *fakeRuntime) addr() string { return rt.listener.Addr().String() }

func (rt *fakeRuntime) serve() {
	for {
		conn, err := rt.listener.Accept()
		if err != nil {
			return
		}
		go rt.handle(conn)
	}
}

func (rt *fakeRuntime) handle(conn net.Conn) {
	defer conn.Close()
	dec := json.NewDecoder(bufio.NewReader(conn))
	enc := json.NewEncoder(conn)
	for {
		var req vendorRequest
		if err := dec.Decode(&req); err != nil {
			return
		}
		rt.mu.Lock()
		rt.requests = append(rt.requests, req.Op)
		fatal := rt.fatal
		rt.mu.Unlock()

		switch req.Op {
		case "connect":
			if fatal {
				_ = enc.Encode(vendorResponse{OK: false, Error: "device unsupported", Fatal: true})
				continue
			}
			_ = enc.Encode(vendorResponse{OK: true, Device: "tracker-1"})
		case "display_area":
			_ = enc.Encode(vendorResponse{OK: true, DisplayArea: &gaze.DisplayArea{
				TopLeft:     gaze.Point3{X: -100, Y: 100},
				TopRight:    gaze.Point3{X: 100, Y: 100},
				BottomLeft:  gaze.Point3{X: -100, Y: -100},
				BottomRight: gaze.Point3{X: 100, Y: -100},
			}})
		case "calibrate_point":
			_ = enc.Encode(vendorResponse{OK: true, Result: &PointResult{
				Point:        *req.Point,
				Collected:    true,
				AccuracyDeg:  0.3,
				PrecisionDeg: 0.1,
			}})
		case "stream":
			for i := 0; i < 5; i++ {
				_ = enc.Encode(vendorStreamEvent{Sample: &vendorSample{
					DeviceTimeUS: int64(1000 * (i + 1)),
				}})
			}
			return
		}
	}
}

func TestVendorConnectAndControlOps(t *testing.T) {
	t.Parallel()

	rt := newFakeRuntime(t)
	v := NewVendor(VendorConfig{Addr: rt.addr()}, discardLogger())

	if err := v.Connect(context.Background()); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	t.Cleanup(func() { _ = v.Disconnect() })

	area, err := v.DisplayArea(context.Background())
	if err != nil {
		t.Fatalf("DisplayArea returned error: %v", err)
	}
	if area.WidthMM != 200 || area.HeightMM != 200 {
		t.Fatalf("expected derived 200x200mm area, got %+v", area)
	}

	res, err := v.CalibratePoint(context.Background(), gaze.Point2{X: 0.1, Y: 0.9})
	if err != nil {
		t.Fatalf("CalibratePoint returned error: %v", err)
	}
	if !res.Collected || res.Point.Y != 0.9 {
		t.Fatalf("unexpected point result %+v", res)
	}
}

func TestVendorFatalErrorClassification(t *testing.T) {
	t.Parallel()

	rt := newFakeRuntime(t)
	rt.fatal = true
	v := NewVendor(VendorConfig{Addr: rt.addr()}, discardLogger())

	err := v.Connect(context.Background())
	if err == nil {
		t.Fatal("expected connect error")
	}
	if !IsFatal(err) {
		t.Fatalf("expected fatal classification, got %v", err)
	}
}

func TestVendorRuntimeUnavailableIsTransient(t *testing.T) {
	t.Parallel()

	v := NewVendor(VendorConfig{Addr: "127.0.0.1:1", DialTimeout: 200 * time.Millisecond}, discardLogger())
	err := v.Connect(context.Background())
	if err == nil {
		t.Fatal("expected connect error")
	}
	if !IsTransient(err) || IsFatal(err) {
		t.Fatalf("expected transient classification, got %v", err)
	}
}

func TestVendorStreamDeliversSamplesThenReportsClose(t *testing.T) {
	t.Parallel()

	rt := newFakeRuntime(t)
	v := NewVendor(VendorConfig{Addr: rt.addr()}, discardLogger())

	var (
		mu      sync.Mutex
		samples []RawSample
	)
	err := v.Stream(context.Background(), func(s RawSample) {
		mu.Lock()
		samples = append(samples, s)
		mu.Unlock()
	})
	if err == nil {
		t.Fatal("expected transient error when runtime closes the stream")
	}
	if !IsTransient(err) {
		t.Fatalf("expected transient classification, got %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(samples) != 5 {
		t.Fatalf("expected 5 streamed samples, got %d", len(samples))
	}
	if samples[0].DeviceTimeUS != 1000 {
		t.Fatalf("unexpected first sample %+v", samples[0])
	}
}
