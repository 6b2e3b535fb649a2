package types

import (
	"image"
	"time"
)

// Point2D is a landmark position in destination pixel space.
type Point2D struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
}

// VitalsSummary is the minimal telemetry payload.
// Field order and JSON keys are part of the sink contract.
type VitalsSummary struct {
	Pulse     int   `json:"pulse"`
	Breathing int   `json:"breathing"`
	Timestamp int64 `json:"timestamp"`
}

// DetailedVitals is the extended telemetry payload.
// Field order and JSON keys are part of the sink contract.
type DetailedVitals struct {
	PulseRate           int     `json:"pulse_rate"`
	PulseConfidence     float32 `json:"pulse_confidence"`
	BreathingRate       int     `json:"breathing_rate"`
	BreathingConfidence float32 `json:"breathing_confidence"`
	Talking             bool    `json:"talking"`
	Timestamp           int64   `json:"timestamp"`
}

// Valid reports whether both rates carry a usable reading.
func (v DetailedVitals) Valid() bool {
	return v.PulseRate > 0 && v.BreathingRate > 0
}

// Summary reduces the detailed payload to the minimal shape.
func (v DetailedVitals) Summary() VitalsSummary {
	return VitalsSummary{
		Pulse:     v.PulseRate,
		Breathing: v.BreathingRate,
		Timestamp: v.Timestamp,
	}
}

// Frame is one decoded video frame handed out by the ingestion server.
type Frame struct {
	Image    *image.RGBA // Opaque color image (alpha is always 0xff)
	Seq      uint64      // Per-connection sequence number, starting at 1
	Format   string      // Encoded format reported by the decoder (e.g. "jpeg")
	Size     int         // Encoded payload size in bytes
	Received time.Time   // Time the payload was fully read

	DecodeTime time.Duration // Time spent decoding (and resizing)
}

// Width returns the frame width in pixels.
func (f *Frame) Width() int {
	if f == nil || f.Image == nil {
		return 0
	}
	return f.Image.Bounds().Dx()
}

// Height returns the frame height in pixels.
func (f *Frame) Height() int {
	if f == nil || f.Image == nil {
		return 0
	}
	return f.Image.Bounds().Dy()
}

// Overlay carries everything the display pipeline draws on top of a frame.
type Overlay struct {
	Vitals    DetailedVitals
	Dense     []Point2D
	Canonical []Point2D
	Status    string
}

// BridgeStatus is a point-in-time view of the bridge for health and
// preview endpoints.
type BridgeStatus struct {
	Vitals      DetailedVitals `json:"vitals"`
	VitalsValid bool           `json:"vitals_valid"`

	SensingCode   int    `json:"sensing_code"`
	SensingStatus string `json:"sensing_status"`

	Telemetry       string `json:"telemetry"`
	TelemetryTarget string `json:"telemetry_target"`

	Ingest         string `json:"ingest"`
	IngestPeer     string `json:"ingest_peer,omitempty"`
	IngestSession  string `json:"ingest_session,omitempty"`
	FramesReceived uint64 `json:"frames_received"`
	LastFrameSeq   uint64 `json:"last_frame_seq"`
	FrameWidth     int    `json:"frame_width"`
	FrameHeight    int    `json:"frame_height"`

	LandmarkCount  int `json:"landmark_count"`
	CanonicalCount int `json:"canonical_count"`

	UpdatedAt time.Time `json:"updated_at"`
}
