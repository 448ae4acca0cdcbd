package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gazecap/gazecapd/internal/gaze"
)

// VendorConfig locates the vendor tracking runtime.
type VendorConfig struct {
	// Addr is "host:port" or, with a "/" prefix, a unix socket path.
	Addr string
	// DialTimeout bounds each connection attempt to the runtime.
	DialTimeout time.Duration
	// RequestTimeout bounds a single control request round trip.
	RequestTimeout time.Duration
}

// Vendor talks to the vendor tracking runtime over newline-delimited JSON.
// The runtime daemon must be reachable before Connect is attempted; an
// unreachable runtime surfaces as a transient backend error, never a crash.
type Vendor struct {
	cfg    VendorConfig
	logger *slog.Logger

	mu      sync.Mutex
	control net.Conn
	enc     *json.Encoder
	dec     *json.Decoder
	device  string
}

type vendorRequest struct {
	Op    string       `json:"op"`
	Point *gaze.Point2 `json:"point,omitempty"`
}

type vendorResponse struct {
	OK          bool              `json:"ok"`
	Error       string            `json:"error,omitempty"`
	Fatal       bool              `json:"fatal,omitempty"`
	Device      string            `json:"device,omitempty"`
	DisplayArea *gaze.DisplayArea `json:"display_area,omitempty"`
	Result      *PointResult      `json:"result,omitempty"`
}

type vendorStreamEvent struct {
	Sample *vendorSample `json:"sample,omitempty"`
	Error  string        `json:"error,omitempty"`
	Fatal  bool          `json:"fatal,omitempty"`
}

type vendorSample struct {
	DeviceTimeUS int64           `json:"device_time_us"`
	Left         *gaze.EyeSample `json:"left_eye"`
	Right        *gaze.EyeSample `json:"right_eye"`
}

// NewVendor builds a vendor runtime client.
func NewVendor(cfg VendorConfig, logger *slog.Logger) *Vendor {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Vendor{
		cfg:    cfg,
		logger: logger.With("component", "backend", "backend", "vendor"),
	}
}

func (v *Vendor) Name() string { return "vendor" }

func (v *Vendor) dial(ctx context.Context) (net.Conn, error) {
	network, addr := "tcp", v.cfg.Addr
	if strings.HasPrefix(addr, "/") {
		network = "unix"
	}
	dialer := net.Dialer{Timeout: v.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, Errorf(Transient, "dial", "runtime unavailable at %s: %v", addr, err)
	}
	return conn, nil
}

// Connect establishes the control connection and performs the handshake.
func (v *Vendor) Connect(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.control != nil {
		_ = v.control.Close()
		v.control = nil
	}

	conn, err := v.dial(ctx)
	if err != nil {
		return err
	}
	v.control = conn
	v.enc = json.NewEncoder(conn)
	v.dec = json.NewDecoder(bufio.NewReader(conn))

	resp, err := v.roundTrip(vendorRequest{Op: "connect"})
	if err != nil {
		_ = conn.Close()
		v.control = nil
		return err
	}
	v.device = resp.Device
	v.logger.Info("vendor runtime connected", "device", v.device)
	return nil
}

// roundTrip sends one control request and decodes the reply. Caller holds
// the lock.
func (v *Vendor) roundTrip(req vendorRequest) (*vendorResponse, error) {
	if v.control == nil {
		return nil, Errorf(Transient, req.Op, "not connected")
	}
	deadline := time.Now().Add(v.cfg.RequestTimeout)
	_ = v.control.SetDeadline(deadline)
	defer v.control.SetDeadline(time.Time{})

	if err := v.enc.Encode(req); err != nil {
		return nil, Errorf(Transient, req.Op, "send request: %v", err)
	}
	var resp vendorResponse
	if err := v.dec.Decode(&resp); err != nil {
		return nil, Errorf(Transient, req.Op, "read response: %v", err)
	}
	if !resp.OK {
		kind := Transient
		if resp.Fatal {
			kind = Fatal
		}
		return nil, Errorf(kind, req.Op, "runtime error: %s", resp.Error)
	}
	return &resp, nil
}

// DisplayArea queries the runtime for the active display geometry.
func (v *Vendor) DisplayArea(ctx context.Context) (gaze.DisplayArea, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	resp, err := v.roundTrip(vendorRequest{Op: "display_area"})
	if err != nil {
		return gaze.DisplayArea{}, err
	}
	if resp.DisplayArea == nil {
		return gaze.DisplayArea{}, Errorf(Transient, "display_area", "runtime returned no geometry")
	}
	area := *resp.DisplayArea
	area.Derive()
	return area, nil
}

// CalibratePoint asks the runtime to collect calibration data at the target.
func (v *Vendor) CalibratePoint(ctx context.Context, p gaze.Point2) (PointResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	resp, err := v.roundTrip(vendorRequest{Op: "calibrate_point", Point: &p})
	if err != nil {
		return PointResult{}, err
	}
	if resp.Result == nil {
		return PointResult{Point: p}, nil
	}
	return *resp.Result, nil
}

// Stream opens a dedicated connection in stream mode and forwards samples
// until the context is canceled or the runtime drops the connection.
func (v *Vendor) Stream(ctx context.Context, emit EmitFunc) error {
	conn, err := v.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	enc := json.NewEncoder(conn)
	if err := enc.Encode(vendorRequest{Op: "stream"}); err != nil {
		return Errorf(Transient, "stream", "start stream: %v", err)
	}

	// Unblock the decoder when the context ends.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.SetReadDeadline(time.Now())
		case <-done:
		}
	}()

	dec := json.NewDecoder(bufio.NewReader(conn))
	for {
		var ev vendorStreamEvent
		if err := dec.Decode(&ev); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return Errorf(Transient, "stream", "runtime closed stream")
			}
			return Errorf(Transient, "stream", "read stream: %v", err)
		}
		if ev.Error != "" {
			kind := Transient
			if ev.Fatal {
				kind = Fatal
			}
			return Errorf(kind, "stream", "runtime error: %s", ev.Error)
		}
		if ev.Sample == nil {
			continue
		}
		emit(RawSample{
			DeviceTimeUS: ev.Sample.DeviceTimeUS,
			Left:         ev.Sample.Left,
			Right:        ev.Sample.Right,
		})
	}
}

// Disconnect closes the control connection.
func (v *Vendor) Disconnect() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.control == nil {
		return nil
	}
	err := v.control.Close()
	v.control = nil
	v.logger.Info("vendor runtime disconnected")
	if err != nil {
		return fmt.Errorf("close control connection: %w", err)
	}
	return nil
}
