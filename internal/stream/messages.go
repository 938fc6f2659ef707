package stream

import "time"

// Message type discriminators used on the wire. Outbound control messages
// and inbound events are newline-delimited JSON; frames travel as raw
// binary payloads.
const (
	TypeConfig    = "config"
	TypePing      = "ping"
	TypeDetection = "detection"
)

// configMessage is flushed on every (re)connect so the service knows which
// features the client wants.
type configMessage struct {
	Type                    string `json:"type"`
	EnableLivenessDetection bool   `json:"enable_liveness_detection"`
}

// pingMessage is the keepalive sent on a fixed interval.
type pingMessage struct {
	Type      string `json:"type"`
	ClientID  string `json:"client_id"`
	Timestamp int64  `json:"timestamp"`
}

// Face is one detected face in a detection event, in source-frame pixel
// coordinates.
type Face struct {
	BBox        [4]float64   `json:"bbox"` // x, y, w, h
	Confidence  float64      `json:"confidence"`
	TrackIDHint int64        `json:"track_id,omitempty"` // server-assigned stable id, 0 when absent
	Liveness    string       `json:"liveness,omitempty"`  // "live", "spoof", "move_closer"
	Landmarks5  [][2]float64 `json:"landmarks_5,omitempty"`
}

// Live reports whether the face passed the liveness check. Faces without a
// liveness verdict are treated as live (the check may be disabled).
func (f Face) Live() bool {
	return f.Liveness == "" || f.Liveness == "live"
}

// DetectionResult is one detection event from the service, consumed once by
// the track correlator.
type DetectionResult struct {
	Faces      []Face    `json:"faces"`
	ModelUsed  string    `json:"model_used"`
	ReceivedAt time.Time `json:"-"`
}
