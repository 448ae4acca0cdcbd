// Package gaze defines the domain types shared by the capture pipeline.
package gaze

import (
	"fmt"
	"math"
	"time"
)

// Validity classifies how much of a sample's eye data is usable.
type Validity int

const (
	Invalid Validity = iota
	PartiallyValid
	Valid
)

func (v Validity) String() string {
	switch v {
	case Valid:
		return "valid"
	case PartiallyValid:
		return "partial"
	default:
		return "invalid"
	}
}

// MarshalText renders the validity as its stable wire name.
func (v Validity) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText parses a validity wire name.
func (v *Validity) UnmarshalText(text []byte) error {
	switch string(text) {
	case "valid":
		*v = Valid
	case "partial":
		*v = PartiallyValid
	case "invalid":
		*v = Invalid
	default:
		return fmt.Errorf("unknown validity %q", text)
	}
	return nil
}

// Point2 is a normalized 2D display coordinate in [0,1].
type Point2 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Point3 is a 3D position in tracker user coordinates (millimeters).
type Point3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// EyeSample carries one eye's reading. Absent entirely when the tracker
// reports the eye as lost.
type EyeSample struct {
	GazePoint       Point2  `json:"gaze_point"`
	GazeOrigin      Point3  `json:"gaze_origin"`
	PupilDiameterMM float64 `json:"pupil_mm"`
}

// PixelPoint is a derived on-screen coordinate.
type PixelPoint struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Sample is one normalized tracker reading. Immutable once constructed.
type Sample struct {
	SessionID string `json:"session_id"`

	// DeviceTimeUS is the raw backend timestamp in microseconds. Monotonic
	// within one physical connection only.
	DeviceTimeUS int64 `json:"device_time_us"`

	// SessionTimeUS is the session-monotonic timestamp in microseconds,
	// strictly increasing across the whole session including reconnects.
	SessionTimeUS int64 `json:"session_time_us"`

	Left  *EyeSample `json:"left_eye"`
	Right *EyeSample `json:"right_eye"`

	Validity Validity `json:"validity"`

	// MidPx is the derived midpoint of both eyes in display pixels. Nil
	// unless both eyes are present and the display geometry is known.
	MidPx *PixelPoint `json:"mid_px,omitempty"`
}

// DisplayArea describes the active display surface relative to the tracker.
// Corner positions are in tracker user coordinates (millimeters).
type DisplayArea struct {
	TopLeft     Point3 `json:"top_left"`
	TopRight    Point3 `json:"top_right"`
	BottomLeft  Point3 `json:"bottom_left"`
	BottomRight Point3 `json:"bottom_right"`

	WidthMM  float64 `json:"width_mm"`
	HeightMM float64 `json:"height_mm"`

	// Pixel dimensions of the display surface, supplied by the operator.
	// Zero when unknown; midpoint derivation is skipped in that case.
	WidthPx  int `json:"width_px"`
	HeightPx int `json:"height_px"`
}

// Derive fills WidthMM/HeightMM from the corner positions when unset.
func (d *DisplayArea) Derive() {
	if d.WidthMM == 0 {
		d.WidthMM = distance(d.TopLeft, d.TopRight)
	}
	if d.HeightMM == 0 {
		d.HeightMM = distance(d.TopLeft, d.BottomLeft)
	}
}

func distance(a, b Point3) float64 {
	dx, dy, dz := b.X-a.X, b.Y-a.Y, b.Z-a.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// Midpoint returns the averaged gaze point of both eyes projected onto the
// display's pixel grid, or nil when either eye or the geometry is missing.
func Midpoint(left, right *EyeSample, area DisplayArea) *PixelPoint {
	if left == nil || right == nil || area.WidthPx <= 0 || area.HeightPx <= 0 {
		return nil
	}
	mx := (left.GazePoint.X + right.GazePoint.X) / 2
	my := (left.GazePoint.Y + right.GazePoint.Y) / 2
	return &PixelPoint{
		X: int(math.Round(mx * float64(area.WidthPx))),
		Y: int(math.Round(my * float64(area.HeightPx))),
	}
}

// ClassifyValidity derives sample validity from eye presence.
func ClassifyValidity(left, right *EyeSample) Validity {
	switch {
	case left != nil && right != nil:
		return Valid
	case left != nil || right != nil:
		return PartiallyValid
	default:
		return Invalid
	}
}

// SessionTime converts a session timestamp in microseconds to a duration
// since session start, for logging.
func SessionTime(us int64) time.Duration {
	return time.Duration(us) * time.Microsecond
}
