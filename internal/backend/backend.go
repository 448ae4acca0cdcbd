// Package backend abstracts the eye-tracking device. Two implementations
// exist: Dummy (synthetic samples, no hardware) and Vendor (a client of the
// vendor tracking runtime).
package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/gazecap/gazecapd/internal/gaze"
)

// ErrorKind separates retryable failures from terminal ones. The session
// manager retries Transient errors with backoff and surfaces Fatal errors
// to the operator verbatim.
type ErrorKind int

const (
	Transient ErrorKind = iota
	Fatal
)

func (k ErrorKind) String() string {
	if k == Fatal {
		return "fatal"
	}
	return "transient"
}

// Error is the failure type reported by backends.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("backend %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds a backend error.
func Errorf(kind ErrorKind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// IsTransient reports whether err is a retryable backend failure. Errors that
// are not backend errors at all are treated as transient so an unexpected
// runtime hiccup does not kill a session.
func IsTransient(err error) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind == Transient
	}
	return true
}

// IsFatal reports whether err is a non-retryable backend failure.
func IsFatal(err error) bool {
	var be *Error
	return errors.As(err, &be) && be.Kind == Fatal
}

// RawSample is a reading as delivered by the device, before clock
// normalization and validation.
type RawSample struct {
	DeviceTimeUS int64
	Left         *gaze.EyeSample
	Right        *gaze.EyeSample
}

// EmitFunc receives raw samples from a running stream. Implementations must
// treat it as cheap and non-blocking.
type EmitFunc func(RawSample)

// PointResult is the outcome of collecting calibration data at one target.
type PointResult struct {
	Point        gaze.Point2 `json:"point"`
	Collected    bool        `json:"collected"`
	AccuracyDeg  float64     `json:"accuracy_deg"`
	PrecisionDeg float64     `json:"precision_deg"`
}

// Backend is the capability set every tracker variant provides.
//
// Stream blocks, delivering samples through emit until the context is
// canceled (returns nil) or the connection fails (returns a backend error).
type Backend interface {
	Connect(ctx context.Context) error
	DisplayArea(ctx context.Context) (gaze.DisplayArea, error)
	Stream(ctx context.Context, emit EmitFunc) error
	CalibratePoint(ctx context.Context, p gaze.Point2) (PointResult, error)
	Disconnect() error
	Name() string
}
