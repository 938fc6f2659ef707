// Package pipeline wires the capture session, detection stream, track
// correlation, recognition gating, and overlay into one flow. Detection
// results are processed in arrival order on a single logic goroutine, so
// every gate decision for a given person is serialized by construction.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/surihq/attendcam/internal/attendance"
	"github.com/surihq/attendcam/internal/bus"
	"github.com/surihq/attendcam/internal/camera"
	"github.com/surihq/attendcam/internal/config"
	"github.com/surihq/attendcam/internal/gate"
	"github.com/surihq/attendcam/internal/overlay"
	"github.com/surihq/attendcam/internal/shell"
	"github.com/surihq/attendcam/internal/snapshot"
	"github.com/surihq/attendcam/internal/stream"
	"github.com/surihq/attendcam/internal/track"
)

// Stats are the pipeline's counters.
type Stats struct {
	ResultsProcessed  int64
	EventsEmitted     int64
	RecognitionErrors int64
	FramesRendered    int64
}

// Pipeline owns the single logic goroutine and the wiring between
// components. Each component keeps exclusive ownership of its own state;
// the pipeline only calls their accessors.
type Pipeline struct {
	ctx    context.Context
	cancel context.CancelFunc

	runtime *config.Runtime

	session    *camera.Controller
	transport  *stream.Transport
	client     *stream.Client
	correlator *track.Correlator
	gate       *gate.Gate
	recognizer *attendance.Recognizer
	renderer   *overlay.Renderer
	snapshots  *snapshot.Store // nil when archiving is disabled
	bridge     shell.Bridge
	events     *bus.Bus
	logger     *zap.Logger

	displayMu   sync.Mutex
	displayRect overlay.Rect

	draws chan []overlay.DrawCommand

	stats struct {
		resultsProcessed  atomic.Int64
		eventsEmitted     atomic.Int64
		recognitionErrors atomic.Int64
		framesRendered    atomic.Int64
	}

	wg sync.WaitGroup
}

// Deps bundles the pipeline's collaborators.
type Deps struct {
	Runtime    *config.Runtime
	Session    *camera.Controller
	Transport  *stream.Transport
	Client     *stream.Client
	Correlator *track.Correlator
	Gate       *gate.Gate
	Recognizer *attendance.Recognizer
	Snapshots  *snapshot.Store
	Bridge     shell.Bridge
	Events     *bus.Bus
	Logger     *zap.Logger
}

// New assembles a pipeline.
func New(ctx context.Context, d Deps) *Pipeline {
	logger := d.Logger
	if logger == nil {
		logger = zap.L()
	}
	pCtx, cancel := context.WithCancel(ctx)

	return &Pipeline{
		ctx:        pCtx,
		cancel:     cancel,
		runtime:    d.Runtime,
		session:    d.Session,
		transport:  d.Transport,
		client:     d.Client,
		correlator: d.Correlator,
		gate:       d.Gate,
		recognizer: d.Recognizer,
		renderer:   overlay.NewRenderer(),
		snapshots:  d.Snapshots,
		bridge:     d.Bridge,
		events:     d.Events,
		logger:     logger.Named("pipeline"),
		draws:      make(chan []overlay.DrawCommand, 4),
	}
}

// DrawCommands is the stream of overlay output, one slice per processed
// detection result. A slow consumer gets the freshest frame, not a backlog.
func (p *Pipeline) DrawCommands() <-chan []overlay.DrawCommand {
	return p.draws
}

// SetDisplayRect records the display geometry observed by the resize hook.
func (p *Pipeline) SetDisplayRect(r overlay.Rect) {
	p.displayMu.Lock()
	p.displayRect = r
	p.displayMu.Unlock()
}

func (p *Pipeline) currentDisplayRect() overlay.Rect {
	p.displayMu.Lock()
	defer p.displayMu.Unlock()
	return p.displayRect
}

// Start brings the pipeline up: wait for the backend, connect the
// transport, start the camera session, then begin streaming and
// processing. The camera session is not marked active for streaming until
// the transport reaches connected.
func (p *Pipeline) Start(ctx context.Context, deviceID string) error {
	p.logger.Info("waiting for inference backend")
	err := p.bridge.WaitBackendReady(ctx)
	if err != nil && ctx.Err() != nil {
		return fmt.Errorf("backend readiness wait: %w", err)
	}
	if err == nil {
		p.announceBackendReady()
	}

	if err := p.transport.Connect(ctx); err != nil {
		// The transport keeps reconnecting on its own schedule; keep
		// going and let waitConnected bound the wait.
		p.logger.Warn("initial connect failed, transport will retry", zap.Error(err))
	}
	if err := p.waitConnected(ctx); err != nil {
		return err
	}

	if err := p.session.Start(ctx, deviceID); err != nil {
		return fmt.Errorf("camera start failed: %w", err)
	}

	p.client.Start()

	p.wg.Add(1)
	go p.run()

	if p.events != nil {
		ch, cancel := p.events.Subscribe()
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer cancel()
			p.watchSession(ch)
		}()
	}
	return nil
}

// waitConnected polls the transport readiness tri-state, surfacing the
// "connecting" status while it waits. Bounded by ctx.
func (p *Pipeline) waitConnected(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	lastLog := time.Time{}
	for {
		state := p.transport.State()
		if state.Phase == stream.PhaseConnected {
			return nil
		}
		if time.Since(lastLog) > 2*time.Second {
			p.logger.Info("connecting to detection service",
				zap.String("phase", state.Phase.String()),
				zap.Int("attempt", state.ReconnectAttempt))
			lastLog = time.Now()
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("detection service not reachable: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// watchSession resets per-session state when the camera stops.
func (p *Pipeline) watchSession(ch <-chan bus.Event) {
	for {
		select {
		case <-p.ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Kind != bus.EventSessionStateChanged {
				continue
			}
			if state, ok := ev.Payload.(camera.SessionState); ok && state == camera.StateIdle {
				p.correlator.Reset()
				// An empty frame clears whatever the shell last drew.
				p.pushDraws([]overlay.DrawCommand{})
				p.logger.Debug("session idle, track state cleared")
			}
		}
	}
}

// run is the logic goroutine: one detection result in, one overlay frame
// out, gate decisions in between, strictly in arrival order.
func (p *Pipeline) run() {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case result, ok := <-p.client.Results():
			if !ok {
				return
			}
			p.processResult(result)
		}
	}
}

func (p *Pipeline) processResult(result stream.DetectionResult) {
	generation := p.session.Generation()
	p.stats.resultsProcessed.Add(1)

	tracks := p.correlator.Observe(result)
	p.recognizeNext(tracks, generation)
	p.render(tracks)
}

// recognizeNext issues at most one recognition call per result so a crowded
// frame cannot stall the loop. Unrecognized live tracks are tried in
// display order. Every recognized track goes through the gate each cycle:
// inside the re-log window that only refreshes the cooldown entry, and a
// person who lingers past the window gets logged again.
func (p *Pipeline) recognizeNext(tracks []*track.Track, generation uint64) {
	for _, tr := range tracks {
		if tr.PersonID != "" {
			emitted, err := p.gate.HandleRecognition(p.ctx, gate.Recognition{
				TrackID:        tr.ID,
				PersonID:       tr.PersonID,
				MemberName:     tr.PersonName,
				BBox:           tr.BBox,
				Confidence:     tr.Similarity,
				LivenessStatus: tr.Liveness,
			})
			if err != nil {
				p.logger.Warn("attendance write failed", zap.Error(err))
			}
			if emitted {
				p.stats.eventsEmitted.Add(1)
				p.archiveSnapshot(tr.PersonID, generation)
			}
			continue
		}
		if p.runtime.SpoofDetectionEnabled() && !tr.Live() {
			continue
		}

		rec, err := p.recognizer.Recognize(p.ctx, tr.BBox)
		if err != nil {
			// A fresher frame is already queued; skip, never retry this one.
			p.stats.recognitionErrors.Add(1)
			p.logger.Debug("recognition call failed", zap.Error(err))
			return
		}
		if rec == nil {
			return // answered, no match
		}
		if generation != p.session.Generation() {
			// Session changed while the call was in flight.
			return
		}

		p.correlator.SetPerson(tr.ID, rec.PersonID, rec.MemberName, rec.Similarity)
		tr.PersonID = rec.PersonID
		tr.PersonName = rec.MemberName
		tr.Similarity = rec.Similarity

		emitted, err := p.gate.HandleRecognition(p.ctx, gate.Recognition{
			TrackID:        tr.ID,
			PersonID:       rec.PersonID,
			MemberName:     rec.MemberName,
			BBox:           tr.BBox,
			Confidence:     rec.Similarity,
			LivenessStatus: tr.Liveness,
		})
		if err != nil {
			p.logger.Warn("attendance write failed", zap.Error(err))
		}
		if emitted {
			p.stats.eventsEmitted.Add(1)
			p.archiveSnapshot(rec.PersonID, generation)
		}
		return
	}
}

// archiveSnapshot uploads the current frame as the audit image for an
// emitted event. Best effort, off the logic goroutine.
func (p *Pipeline) archiveSnapshot(personID string, generation uint64) {
	if p.snapshots == nil {
		return
	}
	frame, err := p.session.Capture()
	if err != nil || frame == nil {
		return
	}
	go func() {
		if generation != p.session.Generation() {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := p.snapshots.Upload(ctx, personID, frame.CapturedAt, frame.Payload); err != nil {
			p.logger.Warn("snapshot archive failed", zap.Error(err))
		}
	}()
}

func (p *Pipeline) render(tracks []*track.Track) {
	// The negotiated size, not the configured one: after an unconstrained
	// fallback the device may deliver different dimensions.
	width, height := p.session.Dimensions()

	cmds := p.renderer.Render(overlay.Input{
		Tracks:       tracks,
		Cooldowns:    p.gate.Snapshot(),
		DisplayRect:  p.currentDisplayRect(),
		SourceWidth:  width,
		SourceHeight: height,
		Settings:     p.runtime.Snapshot(),
		Now:          time.Now(),
	})
	if cmds == nil {
		return
	}

	p.stats.framesRendered.Add(1)
	p.pushDraws(cmds)
}

func (p *Pipeline) pushDraws(cmds []overlay.DrawCommand) {
	select {
	case p.draws <- cmds:
	default:
		// Drop the oldest pending frame in favour of the fresh one.
		select {
		case <-p.draws:
		default:
		}
		select {
		case p.draws <- cmds:
		default:
		}
	}
}

// announceBackendReady tells bus observers the inference service is up.
func (p *Pipeline) announceBackendReady() {
	if p.events == nil {
		return
	}
	p.events.Publish(bus.Event{Kind: bus.EventBackendReady})
}

// ManualLog performs an operator-confirmed attendance for a person,
// bypassing the automatic gate but seeding its cooldown entry.
func (p *Pipeline) ManualLog(ctx context.Context, personID, memberName string) error {
	return p.gate.ManualLog(ctx, gate.Recognition{
		PersonID:   personID,
		MemberName: memberName,
		Confidence: 1,
	})
}

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		ResultsProcessed:  p.stats.resultsProcessed.Load(),
		EventsEmitted:     p.stats.eventsEmitted.Load(),
		RecognitionErrors: p.stats.recognitionErrors.Load(),
		FramesRendered:    p.stats.framesRendered.Load(),
	}
}

// Stop tears the pipeline down: streaming halts, the session stops with
// force cleanup, the transport closes for good.
func (p *Pipeline) Stop() {
	p.logger.Info("stopping pipeline")
	p.cancel()
	p.client.Stop()
	p.session.Stop(true)
	p.transport.Close()
	p.wg.Wait()
}
