package stream

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/surihq/attendcam/internal/camera"
)

// FrameProvider is the slice of the camera session controller the stream
// client needs: pull one frame, and know which session it belongs to.
type FrameProvider interface {
	// Capture returns the current frame, or (nil, nil) while capture is
	// paused.
	Capture() (*camera.Frame, error)
	// Generation identifies the current camera session; results tagged
	// with an older generation are stale and must be discarded.
	Generation() uint64
	// State reports the session lifecycle state.
	State() camera.SessionState
}

// ClientStats are the stream client's counters, updated lock-free.
type ClientStats struct {
	FramesSent     int64
	FramesSkipped  int64
	FramesStale    int64
	ResultsReceive int64
	ResultsDropped int64
}

// Client sends throttled frames over the transport and receives detection
// results. Capture is pull-based: a frame is taken only when there is no
// outstanding request, and sustained round-trip latency above the frame
// interval makes the client skip proportionally more frames. This keeps the
// in-flight count at 0 or 1, trading frame rate for freshness.
type Client struct {
	transport *Transport
	frames    FrameProvider
	logger    *zap.Logger

	frameInterval time.Duration
	staleness     time.Duration
	rttWindow     int

	rttMu      sync.Mutex
	rttSamples []time.Duration

	// in-flight bookkeeping; only the run loop writes sentAt/sentGen.
	outstanding atomic.Bool
	sentAt      atomic.Int64 // UnixNano of the in-flight frame's send
	sentGen     atomic.Uint64

	results chan DetectionResult

	stats struct {
		framesSent     atomic.Int64
		framesSkipped  atomic.Int64
		framesStale    atomic.Int64
		resultsReceive atomic.Int64
		resultsDropped atomic.Int64
	}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewClient wires a stream client to its transport and frame provider.
// staleness is the max age a frame may reach before it is dropped unsent.
func NewClient(ctx context.Context, transport *Transport, frames FrameProvider,
	staleness time.Duration, rttWindow int, logger *zap.Logger) *Client {

	if logger == nil {
		logger = zap.L()
	}
	if staleness <= 0 {
		staleness = 250 * time.Millisecond
	}
	if rttWindow <= 0 {
		rttWindow = 10
	}

	clientCtx, cancel := context.WithCancel(ctx)
	c := &Client{
		transport:     transport,
		frames:        frames,
		logger:        logger.Named("stream-client"),
		frameInterval: 33 * time.Millisecond, // ~30 fps ceiling
		staleness:     staleness,
		rttWindow:     rttWindow,
		results:       make(chan DetectionResult, 16),
		ctx:           clientCtx,
		cancel:        cancel,
	}

	transport.OnMessage(TypeDetection, c.handleDetection)
	return c
}

// Results is the channel of detection events, in arrival order.
func (c *Client) Results() <-chan DetectionResult {
	return c.results
}

// Start launches the capture/send loop.
func (c *Client) Start() {
	c.wg.Add(1)
	go c.run()
}

// Stop halts the loop. In-flight sends complete; their results are
// discarded downstream via the session generation check.
func (c *Client) Stop() {
	c.cancel()
	c.wg.Wait()
}

func (c *Client) run() {
	defer c.wg.Done()

	idle := time.NewTicker(100 * time.Millisecond)
	defer idle.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		if c.transport.State().Phase != PhaseConnected || c.frames.State() != camera.StateActive {
			select {
			case <-c.ctx.Done():
				return
			case <-idle.C:
			}
			continue
		}

		if !c.waitForCapacity() {
			return
		}

		// Adaptive throttle: skip frames in proportion to how far the
		// observed round trip exceeds the frame interval.
		if skip := c.framesToSkip(); skip > 0 {
			c.stats.framesSkipped.Add(int64(skip))
			if !c.sleep(time.Duration(skip) * c.frameInterval) {
				return
			}
		}

		frame, err := c.frames.Capture()
		if err != nil {
			c.logger.Debug("capture failed", zap.Error(err))
			if !c.sleep(c.frameInterval) {
				return
			}
			continue
		}
		if frame == nil {
			// Capture paused.
			if !c.sleep(c.frameInterval) {
				return
			}
			continue
		}

		if frame.Age(time.Now()) > c.staleness {
			c.stats.framesStale.Add(1)
			continue
		}

		if err := c.transport.SendFrame(frame.Payload); err != nil {
			c.logger.Debug("frame send failed", zap.Error(err))
			continue
		}

		c.sentAt.Store(time.Now().UnixNano())
		c.sentGen.Store(c.frames.Generation())
		c.outstanding.Store(true)
		c.stats.framesSent.Add(1)

		if !c.sleep(c.frameInterval) {
			return
		}
	}
}

// waitForCapacity blocks until the previous request completes. A result
// that never arrives (connection died mid-flight) releases capacity after
// a bounded wait so the pipeline does not stall.
func (c *Client) waitForCapacity() bool {
	deadline := time.Now().Add(c.outstandingTimeout())
	for c.outstanding.Load() {
		if time.Now().After(deadline) {
			c.outstanding.Store(false)
			c.logger.Debug("outstanding request timed out, releasing capacity")
			break
		}
		if !c.sleep(5 * time.Millisecond) {
			return false
		}
	}
	return true
}

func (c *Client) outstandingTimeout() time.Duration {
	if avg := c.averageRTT(); avg > 0 {
		if t := 4 * avg; t > time.Second {
			return t
		}
	}
	return time.Second
}

func (c *Client) sleep(d time.Duration) bool {
	select {
	case <-c.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// framesToSkip derives the throttle from the rolling round-trip average.
func (c *Client) framesToSkip() int {
	avg := c.averageRTT()
	if avg <= c.frameInterval {
		return 0
	}
	skip := int(avg / c.frameInterval)
	if skip > 30 {
		skip = 30
	}
	return skip
}

func (c *Client) averageRTT() time.Duration {
	c.rttMu.Lock()
	defer c.rttMu.Unlock()
	if len(c.rttSamples) == 0 {
		return 0
	}
	var total time.Duration
	for _, s := range c.rttSamples {
		total += s
	}
	return total / time.Duration(len(c.rttSamples))
}

func (c *Client) recordRTT(sample time.Duration) {
	c.rttMu.Lock()
	defer c.rttMu.Unlock()
	c.rttSamples = append(c.rttSamples, sample)
	if len(c.rttSamples) > c.rttWindow {
		c.rttSamples = c.rttSamples[len(c.rttSamples)-c.rttWindow:]
	}
}

// handleDetection runs on the transport read loop for each detection event.
func (c *Client) handleDetection(payload json.RawMessage) {
	var result DetectionResult
	if err := json.Unmarshal(payload, &result); err != nil {
		c.logger.Warn("undecodable detection event", zap.Error(err))
		return
	}
	result.ReceivedAt = time.Now()

	if c.outstanding.CompareAndSwap(true, false) {
		sentAt := time.Unix(0, c.sentAt.Load())
		c.recordRTT(result.ReceivedAt.Sub(sentAt))
	}

	// Results for a session that has since stopped are dropped here rather
	// than correlated into the next session's tracks.
	if c.sentGen.Load() != c.frames.Generation() {
		c.stats.resultsDropped.Add(1)
		return
	}

	c.stats.resultsReceive.Add(1)
	select {
	case c.results <- result:
	default:
		c.stats.resultsDropped.Add(1)
	}
}

// Stats returns a snapshot of the client's counters.
func (c *Client) Stats() ClientStats {
	return ClientStats{
		FramesSent:     c.stats.framesSent.Load(),
		FramesSkipped:  c.stats.framesSkipped.Load(),
		FramesStale:    c.stats.framesStale.Load(),
		ResultsReceive: c.stats.resultsReceive.Load(),
		ResultsDropped: c.stats.resultsDropped.Load(),
	}
}
