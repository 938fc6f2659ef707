package camera

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/surihq/attendcam/internal/bus"
	"github.com/surihq/attendcam/internal/config"
)

// SessionState is the camera session lifecycle state.
type SessionState int

const (
	StateIdle SessionState = iota
	StateStarting
	StateActive
	StateStopping
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Session is a snapshot of the current camera session. At most one session
// is Active or Starting at a time.
type Session struct {
	State     SessionState
	DeviceID  string
	StartedAt time.Time
	StoppedAt time.Time
	LastError error
}

// Controller is the state machine governing device acquisition and release.
// It is the single owner of the FrameSource; all transitions are serialized
// on its mutex, and duplicate start/stop calls while already in (or moving
// to) the target state are no-ops.
type Controller struct {
	mu      sync.Mutex
	session Session

	source FrameSource
	cfg    config.CameraConfig
	events *bus.Bus
	logger *zap.Logger

	// generation distinguishes callbacks that belong to the current session
	// from stale ones issued before a stop.
	generation atomic.Uint64
	paused     atomic.Bool

	lastStartAttempt time.Time
	lastStopAt       time.Time

	unsubscribe func()
}

// NewController creates a session controller around the given source.
func NewController(source FrameSource, cfg config.CameraConfig, events *bus.Bus, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.L()
	}
	c := &Controller{
		source: source,
		cfg:    cfg,
		events: events,
		logger: logger.Named("camera"),
	}
	if events != nil {
		ch, cancel := events.Subscribe()
		c.unsubscribe = cancel
		go c.watchLifecycleEvents(ch)
	}
	return c
}

// watchLifecycleEvents pauses capture while the window is minimized and
// resumes on restore. The device handle stays open either way.
func (c *Controller) watchLifecycleEvents(ch <-chan bus.Event) {
	for ev := range ch {
		switch ev.Kind {
		case bus.EventWindowMinimized:
			if c.paused.CompareAndSwap(false, true) {
				c.logger.Info("window minimized, pausing capture")
			}
		case bus.EventWindowRestored:
			if c.paused.CompareAndSwap(true, false) {
				c.logger.Info("window restored, resuming capture")
			}
		}
	}
}

// Paused reports whether capture is suppressed by a lifecycle event.
func (c *Controller) Paused() bool { return c.paused.Load() }

// Generation returns the current session generation. Callbacks capture the
// generation when scheduled and discard their results if it has moved on.
func (c *Controller) Generation() uint64 { return c.generation.Load() }

// Snapshot returns a copy of the current session.
func (c *Controller) Snapshot() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// State returns the current session state.
func (c *Controller) State() SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.State
}

// Start acquires the camera. Rejected (as a silent no-op) while already
// Starting/Active, within the start debounce window of the previous start,
// or within the stop debounce of the previous stop: rapid double invocation
// from the UI layer must never open two device handles.
func (c *Controller) Start(ctx context.Context, preferredDeviceID string) error {
	now := time.Now()

	c.mu.Lock()
	switch c.session.State {
	case StateStarting, StateActive:
		c.mu.Unlock()
		c.logger.Debug("start ignored, session already live",
			zap.String("state", c.session.State.String()))
		return nil
	case StateStopping:
		c.mu.Unlock()
		return fmt.Errorf("session is stopping, try again")
	}
	if !c.lastStartAttempt.IsZero() && now.Sub(c.lastStartAttempt) < c.cfg.StartDebounce {
		c.mu.Unlock()
		c.logger.Debug("start ignored inside debounce window")
		return nil
	}
	if !c.lastStopAt.IsZero() && now.Sub(c.lastStopAt) < c.cfg.StopDebounce {
		c.mu.Unlock()
		c.logger.Debug("start ignored, too soon after stop")
		return nil
	}
	c.lastStartAttempt = now
	c.session = Session{State: StateStarting}
	// Token identifying this start attempt; a Stop racing the device
	// acquisition bumps the generation and the activation below backs off.
	startToken := c.generation.Load()
	c.mu.Unlock()

	c.publishState(StateStarting)

	deviceID := c.resolveDevice(preferredDeviceID)
	if err := c.openWithFallback(deviceID); err != nil {
		c.failStart(err)
		return err
	}

	if err := c.waitFirstFrame(ctx); err != nil {
		c.source.Close()
		c.failStart(err)
		return err
	}

	c.mu.Lock()
	if c.session.State != StateStarting || c.generation.Load() != startToken {
		// A Stop won the race while we were acquiring the device; it has
		// already released the handle and published Idle.
		c.mu.Unlock()
		return fmt.Errorf("session stopped during start")
	}
	c.session.State = StateActive
	c.session.DeviceID = deviceID
	c.session.StartedAt = time.Now()
	c.session.LastError = nil
	c.mu.Unlock()
	c.generation.Add(1)

	c.logger.Info("camera session active", zap.String("device", deviceID))
	c.publishState(StateActive)
	return nil
}

// resolveDevice validates the preferred device against the current device
// list, falling back to the first camera with a warning when it is gone.
func (c *Controller) resolveDevice(preferred string) string {
	cameras := EnumerateCameras()
	if preferred == "" {
		if len(cameras) > 0 {
			return cameras[0].ID
		}
		return ""
	}
	for _, cam := range cameras {
		if cam.ID == preferred {
			return preferred
		}
	}
	if len(cameras) > 0 {
		c.logger.Warn("preferred camera not found, falling back to first device",
			zap.String("preferred", preferred),
			zap.String("fallback", cameras[0].Label))
		return cameras[0].ID
	}
	// No enumeration data; let the backend try the preferred id directly.
	return preferred
}

// openWithFallback opens the device, retrying exactly once with
// unconstrained dimensions when the request is overconstrained.
func (c *Controller) openWithFallback(deviceID string) error {
	err := c.source.Open(deviceID, c.cfg.Width, c.cfg.Height)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrOverconstrained) {
		c.logger.Warn("constraints unsatisfiable, retrying unconstrained",
			zap.String("device", deviceID), zap.Error(err))
		if retryErr := c.source.Open(deviceID, 0, 0); retryErr == nil {
			return nil
		}
	}
	return err
}

// waitFirstFrame polls at ~60 Hz until the device produces a frame with
// non-zero dimensions. No fixed timeout; the caller bounds the wait via ctx.
func (c *Controller) waitFirstFrame(ctx context.Context) error {
	ticker := time.NewTicker(16 * time.Millisecond)
	defer ticker.Stop()

	for {
		if frame, err := c.source.Capture(); err == nil && frame.Width > 0 && frame.Height > 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for first frame: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *Controller) failStart(err error) {
	c.mu.Lock()
	c.session = Session{State: StateIdle, LastError: err, StoppedAt: time.Now()}
	c.mu.Unlock()

	var devErr *DeviceError
	if errors.As(err, &devErr) {
		c.logger.Error("camera start failed",
			zap.Error(err), zap.String("hint", devErr.Hint()))
	} else {
		c.logger.Error("camera start failed", zap.Error(err))
	}
	c.publishState(StateIdle)
}

// Stop releases the camera. Idempotent: stopping an idle session is a no-op,
// and a concurrent stop is ignored unless forceCleanup is set (process
// teardown path).
func (c *Controller) Stop(forceCleanup bool) error {
	c.mu.Lock()
	switch c.session.State {
	case StateIdle:
		c.mu.Unlock()
		return nil
	case StateStopping:
		if !forceCleanup {
			c.mu.Unlock()
			return nil
		}
	}
	c.session.State = StateStopping
	c.mu.Unlock()

	c.publishState(StateStopping)

	// Invalidate in-flight callbacks before releasing the device so results
	// that race the teardown are discarded, not applied to the next session.
	c.generation.Add(1)
	c.paused.Store(false)

	err := c.source.Close()

	c.mu.Lock()
	c.session.State = StateIdle
	c.session.StoppedAt = time.Now()
	c.lastStopAt = c.session.StoppedAt
	if err != nil {
		c.session.LastError = err
	}
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("device teardown reported error", zap.Error(err))
	} else {
		c.logger.Info("camera session stopped")
	}
	c.publishState(StateIdle)
	return err
}

// Close tears down the controller entirely.
func (c *Controller) Close() error {
	err := c.Stop(true)
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	return err
}

// Dimensions reports the negotiated frame size of the active session. This
// can differ from the configured size after an unconstrained reopen.
func (c *Controller) Dimensions() (int, int) {
	if c.State() != StateActive {
		return 0, 0
	}
	return c.source.Dimensions()
}

// Capture grabs a frame from the underlying source if the session is Active
// and not paused. Returns nil (no error) while paused.
func (c *Controller) Capture() (*Frame, error) {
	if c.State() != StateActive {
		return nil, fmt.Errorf("session not active")
	}
	if c.paused.Load() {
		return nil, nil
	}
	return c.source.Capture()
}

func (c *Controller) publishState(state SessionState) {
	if c.events == nil {
		return
	}
	c.events.Publish(bus.Event{Kind: bus.EventSessionStateChanged, Payload: state})
}
