package stream

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/surihq/attendcam/internal/camera"
	"github.com/surihq/attendcam/internal/retry"
)

type fakeFrames struct {
	generation uint64
	state      camera.SessionState
	capture    func() (*camera.Frame, error) // optional override
}

func (f *fakeFrames) Capture() (*camera.Frame, error) {
	if f.capture != nil {
		return f.capture()
	}
	return &camera.Frame{SequenceID: 1, CapturedAt: time.Now(), Width: 640, Height: 480}, nil
}
func (f *fakeFrames) Generation() uint64         { return f.generation }
func (f *fakeFrames) State() camera.SessionState { return f.state }

func newTestClient(t *testing.T, frames FrameProvider) *Client {
	t.Helper()
	transport := NewTransport("localhost:0", "/stream", time.Minute, retry.DefaultPolicy(), nil, nil)
	c := NewClient(context.Background(), transport, frames, 250*time.Millisecond, 10, nil)
	t.Cleanup(c.cancel)
	return c
}

func TestFramesToSkipTracksRTT(t *testing.T) {
	testCases := []struct {
		name    string
		samples []time.Duration
		want    int
	}{
		{"no samples", nil, 0},
		{"fast round trips", []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, 0},
		{"at the interval", []time.Duration{33 * time.Millisecond}, 0},
		{"double the interval", []time.Duration{66 * time.Millisecond}, 2},
		{"slow backend", []time.Duration{330 * time.Millisecond}, 10},
		{"capped", []time.Duration{10 * time.Second}, 30},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, &fakeFrames{state: camera.StateActive, generation: 1})
			for _, s := range tc.samples {
				c.recordRTT(s)
			}
			if got := c.framesToSkip(); got != tc.want {
				t.Fatalf("framesToSkip() = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestRTTWindowIsRolling(t *testing.T) {
	c := newTestClient(t, &fakeFrames{state: camera.StateActive, generation: 1})

	// Fill the window with slow samples, then push them out with fast ones.
	for i := 0; i < 10; i++ {
		c.recordRTT(500 * time.Millisecond)
	}
	for i := 0; i < 10; i++ {
		c.recordRTT(10 * time.Millisecond)
	}

	if avg := c.averageRTT(); avg != 10*time.Millisecond {
		t.Fatalf("old samples should have rolled out, average = %v", avg)
	}
}

func TestOutstandingTimeoutScalesWithRTT(t *testing.T) {
	c := newTestClient(t, &fakeFrames{state: camera.StateActive, generation: 1})

	if got := c.outstandingTimeout(); got != time.Second {
		t.Fatalf("empty window should use the floor, got %v", got)
	}

	c.recordRTT(2 * time.Second)
	if got := c.outstandingTimeout(); got != 8*time.Second {
		t.Fatalf("timeout should be 4x the average, got %v", got)
	}
}

func TestHandleDetectionReleasesCapacityAndDelivers(t *testing.T) {
	frames := &fakeFrames{state: camera.StateActive, generation: 3}
	c := newTestClient(t, frames)

	c.sentAt.Store(time.Now().Add(-40 * time.Millisecond).UnixNano())
	c.sentGen.Store(3)
	c.outstanding.Store(true)

	payload, _ := json.Marshal(map[string]any{
		"faces": []map[string]any{{"bbox": []float64{10, 10, 50, 50}, "confidence": 0.95}},
	})
	c.handleDetection(payload)

	if c.outstanding.Load() {
		t.Fatal("detection arrival should release capacity")
	}
	if avg := c.averageRTT(); avg < 30*time.Millisecond {
		t.Fatalf("round trip should have been recorded, average = %v", avg)
	}

	select {
	case result := <-c.Results():
		if len(result.Faces) != 1 || result.Faces[0].Confidence != 0.95 {
			t.Fatalf("unexpected result %+v", result)
		}
		if result.ReceivedAt.IsZero() {
			t.Fatal("result should be stamped with arrival time")
		}
	default:
		t.Fatal("result should have been delivered")
	}
}

func TestHandleDetectionDropsStaleGeneration(t *testing.T) {
	frames := &fakeFrames{state: camera.StateActive, generation: 5}
	c := newTestClient(t, frames)

	// Sent under generation 4; the session has since restarted.
	c.sentGen.Store(4)
	c.outstanding.Store(true)

	payload, _ := json.Marshal(map[string]any{"faces": []map[string]any{}})
	c.handleDetection(payload)

	select {
	case <-c.Results():
		t.Fatal("stale-generation result must not be delivered")
	default:
	}
	if c.Stats().ResultsDropped != 1 {
		t.Fatalf("expected 1 dropped result, got %d", c.Stats().ResultsDropped)
	}
	if c.outstanding.Load() {
		t.Fatal("even a stale result releases capacity")
	}
}

func TestHandleDetectionIgnoresGarbage(t *testing.T) {
	c := newTestClient(t, &fakeFrames{state: camera.StateActive, generation: 1})

	c.handleDetection(json.RawMessage(`{"faces": "not-an-array"`))

	select {
	case <-c.Results():
		t.Fatal("undecodable payload must not produce a result")
	default:
	}
}

func TestStaleFramesAreNeverSent(t *testing.T) {
	server := newStreamServer(t)
	tr := NewTransport(server.addr(), "/stream", time.Minute, fastPolicy(3), nil, nil)
	defer tr.Close()

	if err := tr.Connect(t.Context()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	waitPhase(t, tr, PhaseConnected)

	// Every captured frame is already older than the staleness limit.
	frames := &fakeFrames{state: camera.StateActive, generation: 1}
	frames.capture = func() (*camera.Frame, error) {
		return &camera.Frame{
			SequenceID: 1,
			CapturedAt: time.Now().Add(-time.Second),
			Payload:    []byte{0xFF, 0xD8},
			Width:      640,
			Height:     480,
		}, nil
	}

	c := NewClient(context.Background(), tr, frames, 250*time.Millisecond, 10, nil)
	c.Start()
	defer c.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && c.Stats().FramesStale < 5 {
		time.Sleep(5 * time.Millisecond)
	}
	if c.Stats().FramesStale < 5 {
		t.Fatalf("staleness drop never triggered, stats %+v", c.Stats())
	}
	if sent := c.Stats().FramesSent; sent != 0 {
		t.Fatalf("%d stale frames were sent", sent)
	}

	// The server saw only the config flush, never a frame.
	server.mu.Lock()
	got := len(server.received)
	server.mu.Unlock()
	if got > 1 {
		t.Fatalf("stale frames reached the wire, server saw %d messages", got)
	}
}

func TestFaceLiveness(t *testing.T) {
	testCases := []struct {
		name     string
		liveness string
		want     bool
	}{
		{"no liveness data", "", true},
		{"live", "live", true},
		{"spoof", "spoof", false},
		{"move closer", "move_closer", false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := Face{Liveness: tc.liveness}
			if f.Live() != tc.want {
				t.Fatalf("Live() with %q = %v, want %v", tc.liveness, f.Live(), tc.want)
			}
		})
	}
}
