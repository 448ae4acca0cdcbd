package api

import (
	"github.com/gazecap/gazecapd/internal/config"
	"github.com/gazecap/gazecapd/internal/gaze"
)

// HelloMessage is the initial JSON payload sent on WebSocket connection.
// Subsequent frames are binary CBOR sample messages.
type HelloMessage struct {
	Type          string `json:"type"`
	SessionID     string `json:"session_id"`
	SchemaVersion int    `json:"schema_version"`
	Backend       string `json:"backend"`
}

// NewHelloMessage constructs a hello payload.
func NewHelloMessage(sessionID string, schemaVersion int, backend string) HelloMessage {
	return HelloMessage{
		Type:          "hello",
		SessionID:     sessionID,
		SchemaVersion: schemaVersion,
		Backend:       backend,
	}
}

// ErrorMessage communicates an error condition to a WebSocket client.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ClientMessage is a generic envelope used for decoding inbound client messages.
type ClientMessage struct {
	Type string `json:"type"`
}

// PongMessage is the response to a ping.
type PongMessage struct {
	Type string `json:"type"`
}

// CalibrateRequest starts a calibration run. Empty points use the default
// target layout.
type CalibrateRequest struct {
	Points []gaze.Point2 `json:"points,omitempty"`
}

// DisplayAreaRequest overrides display geometry. Pixel dimensions are
// required; physical corners are optional and refreshed from the device
// when omitted.
type DisplayAreaRequest struct {
	Area gaze.DisplayArea `json:"display_area"`
}

// AddSinkRequest attaches a sink at runtime. It reuses the preset shape so
// files and API calls describe sinks identically.
type AddSinkRequest struct {
	config.SinkPreset
}

// ErrorResponse is the JSON body for non-2xx API responses.
type ErrorResponse struct {
	Error string `json:"error"`
}
