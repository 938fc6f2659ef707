package camera

import (
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/mediadevices"
	"gocv.io/x/gocv"

	_ "github.com/pion/mediadevices/pkg/driver/camera" // registers the camera adapter for device enumeration
)

// FrameSource owns the camera device handle and exposes pull-based capture.
// Implementations are not safe for concurrent use; the session controller is
// the single owner.
type FrameSource interface {
	// Open acquires the device. Constraints may be relaxed by passing
	// width/height of zero (the overconstrained fallback path).
	Open(deviceID string, width, height int) error
	// Capture grabs the current frame and encodes it to JPEG.
	Capture() (*Frame, error)
	// Dimensions reports the negotiated frame size; zero until the device
	// has produced a frame.
	Dimensions() (width, height int)
	Close() error
}

// DeviceInfo describes one enumerated capture device.
type DeviceInfo struct {
	ID    string
	Label string
}

// EnumerateCameras lists the video input devices currently attached.
func EnumerateCameras() []DeviceInfo {
	var cameras []DeviceInfo
	for _, device := range mediadevices.EnumerateDevices() {
		if device.Kind != mediadevices.VideoInput {
			continue
		}
		cameras = append(cameras, DeviceInfo{ID: device.DeviceID, Label: device.Label})
	}
	return cameras
}

// GocvSource captures frames from a local camera through OpenCV. A single
// scratch Mat is reused across captures; Capture copies the encoded bytes
// out so the returned Frame does not alias it.
type GocvSource struct {
	mu          sync.Mutex
	capture     *gocv.VideoCapture
	scratch     gocv.Mat
	deviceID    string
	jpegQuality int
	width       int
	height      int
	seq         atomic.Uint64
}

// NewGocvSource creates an unopened source. jpegQuality is clamped to 1-100.
func NewGocvSource(jpegQuality int) *GocvSource {
	if jpegQuality < 1 || jpegQuality > 100 {
		jpegQuality = 80
	}
	return &GocvSource{
		scratch:     gocv.NewMat(),
		jpegQuality: jpegQuality,
	}
}

// Open acquires the device handle. A numeric deviceID selects by index,
// anything else is passed to the backend as a device path.
func (s *GocvSource) Open(deviceID string, width, height int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.capture != nil {
		return fmt.Errorf("source already open on device %s", s.deviceID)
	}

	var (
		cap *gocv.VideoCapture
		err error
	)
	if idx, convErr := strconv.Atoi(deviceID); convErr == nil {
		cap, err = gocv.OpenVideoCapture(idx)
	} else if deviceID != "" {
		cap, err = gocv.OpenVideoCapture(deviceID)
	} else {
		cap, err = gocv.OpenVideoCapture(0)
	}
	if err != nil {
		return classifyOpenError(deviceID, err)
	}
	if !cap.IsOpened() {
		cap.Close()
		return &DeviceError{Class: ErrDeviceBusy, DeviceID: deviceID,
			Err: fmt.Errorf("backend opened but device is not readable")}
	}

	if width > 0 {
		cap.Set(gocv.VideoCaptureFrameWidth, float64(width))
	}
	if height > 0 {
		cap.Set(gocv.VideoCaptureFrameHeight, float64(height))
	}

	s.capture = cap
	s.deviceID = deviceID
	s.width = 0
	s.height = 0
	return nil
}

// Capture reads the current frame into the scratch buffer and encodes it.
func (s *GocvSource) Capture() (*Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.capture == nil {
		return nil, fmt.Errorf("source not open")
	}

	if ok := s.capture.Read(&s.scratch); !ok || s.scratch.Empty() {
		return nil, fmt.Errorf("failed to read frame from device %s", s.deviceID)
	}

	s.width = s.scratch.Cols()
	s.height = s.scratch.Rows()

	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, s.scratch,
		[]int{gocv.IMWriteJpegQuality, s.jpegQuality})
	if err != nil {
		return nil, fmt.Errorf("jpeg encode failed: %w", err)
	}
	defer buf.Close()

	payload := make([]byte, buf.Len())
	copy(payload, buf.GetBytes())

	return &Frame{
		SequenceID: s.seq.Add(1),
		CapturedAt: time.Now(),
		Payload:    payload,
		Width:      s.width,
		Height:     s.height,
	}, nil
}

// Dimensions returns the size of the last captured frame.
func (s *GocvSource) Dimensions() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.width, s.height
}

// Close releases the device handle. Safe to call repeatedly.
func (s *GocvSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.capture == nil {
		return nil
	}
	err := s.capture.Close()
	s.capture = nil
	s.deviceID = ""
	s.width = 0
	s.height = 0
	if err != nil {
		return fmt.Errorf("failed to close capture device: %w", err)
	}
	return nil
}
