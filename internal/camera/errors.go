package camera

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Device failure classification. Each class carries a user-facing message;
// the UI boundary shows Hint() verbatim.
var (
	ErrPermissionDenied = errors.New("camera permission denied")
	ErrDeviceNotFound   = errors.New("no camera device found")
	ErrDeviceBusy       = errors.New("camera in use by another application")
	ErrOverconstrained  = errors.New("requested camera constraints unsatisfiable")
)

// DeviceError wraps an open/capture failure with its classification.
type DeviceError struct {
	Class    error // one of the sentinels above
	DeviceID string
	Err      error
}

func (e *DeviceError) Error() string {
	if e.DeviceID != "" {
		return fmt.Sprintf("device %s: %v: %v", e.DeviceID, e.Class, e.Err)
	}
	return fmt.Sprintf("%v: %v", e.Class, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Class }

// Hint returns an actionable, per-OS message for the operator.
func (e *DeviceError) Hint() string {
	switch {
	case errors.Is(e.Class, ErrPermissionDenied):
		switch runtime.GOOS {
		case "darwin":
			return "Grant camera access in System Settings > Privacy & Security > Camera, then restart the app."
		case "windows":
			return "Enable camera access in Settings > Privacy > Camera."
		default:
			return "Check that your user has permission to read the video device (e.g. membership in the 'video' group)."
		}
	case errors.Is(e.Class, ErrDeviceNotFound):
		return "No camera was found. Connect a camera and try again."
	case errors.Is(e.Class, ErrDeviceBusy):
		return "The camera is in use by another application. Close it and try again."
	case errors.Is(e.Class, ErrOverconstrained):
		return "The camera does not support the requested resolution. Retrying with defaults."
	default:
		return "Camera error. Try restarting the app."
	}
}

// classifyOpenError maps a raw capture-backend error onto the taxonomy.
// OpenCV reports failures as strings, so this is substring matching over
// the handful of messages the backends actually produce.
func classifyOpenError(deviceID string, err error) *DeviceError {
	msg := strings.ToLower(err.Error())

	class := ErrDeviceNotFound
	switch {
	case strings.Contains(msg, "permission") || strings.Contains(msg, "not authorized") ||
		strings.Contains(msg, "access denied"):
		class = ErrPermissionDenied
	case strings.Contains(msg, "busy") || strings.Contains(msg, "in use") ||
		strings.Contains(msg, "resource temporarily unavailable"):
		class = ErrDeviceBusy
	case strings.Contains(msg, "not supported") || strings.Contains(msg, "invalid argument") ||
		strings.Contains(msg, "constraint"):
		class = ErrOverconstrained
	}

	return &DeviceError{Class: class, DeviceID: deviceID, Err: err}
}
