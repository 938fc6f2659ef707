package camera

import "time"

// Frame is one captured camera frame, JPEG-encoded. Frames are owned by the
// stream client from capture until send, and discarded after send or once
// stale.
type Frame struct {
	SequenceID uint64
	CapturedAt time.Time
	Payload    []byte
	Width      int
	Height     int
}

// Age returns how old the frame is at time now.
func (f *Frame) Age(now time.Time) time.Duration {
	return now.Sub(f.CapturedAt)
}
