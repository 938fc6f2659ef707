// Package overlay turns the current tracks and cooldown state into draw
// commands for the display surface. It owns no pipeline state; everything
// it needs arrives as input, so a frame of output is a pure function of a
// frame of input plus the last observed display rect.
package overlay

import (
	"fmt"
	"math"
	"time"

	"github.com/surihq/attendcam/internal/config"
	"github.com/surihq/attendcam/internal/gate"
	"github.com/surihq/attendcam/internal/track"
)

// Rect is an axis-aligned rectangle in display pixels.
type Rect struct {
	X, Y, W, H float64
}

// Color encodes the recognition state of a box. Liveness problems are
// surfaced as label text and a distinct border style, not color alone.
type Color int

const (
	ColorRecognized Color = iota // green
	ColorUnknown                 // amber
)

// CommandKind discriminates draw commands.
type CommandKind int

const (
	KindBox CommandKind = iota
	KindLabel
	KindBadge
)

// DrawCommand is one primitive for the display surface.
type DrawCommand struct {
	Kind   CommandKind
	Rect   Rect   // KindBox
	Text   string // KindLabel, KindBadge
	X, Y   float64
	Color  Color
	Dashed bool // distinct border for liveness warnings
}

// Input is everything one render pass needs.
type Input struct {
	Tracks       []*track.Track
	Cooldowns    map[string]gate.Entry
	DisplayRect  Rect
	SourceWidth  int
	SourceHeight int
	Settings     config.RuntimeSettings
	Now          time.Time
}

// Renderer computes draw commands. The only state it keeps is the last
// display rect, so scale factors are recomputed only on resize.
type Renderer struct {
	lastRect Rect
	scaleX   float64
	scaleY   float64
}

// NewRenderer creates a renderer.
func NewRenderer() *Renderer {
	return &Renderer{}
}

// Render produces the draw commands for one frame of state. Faces with
// non-finite or inverted geometry are skipped for the frame rather than
// aborting the pass. A valid pass with nothing to draw returns an empty,
// non-nil slice so the consumer clears the surface; nil means the inputs
// were unusable and the previous frame should stand.
func (r *Renderer) Render(in Input) []DrawCommand {
	if in.SourceWidth <= 0 || in.SourceHeight <= 0 {
		return nil
	}
	if in.DisplayRect.W <= 0 || in.DisplayRect.H <= 0 {
		return nil
	}

	if in.DisplayRect != r.lastRect {
		r.lastRect = in.DisplayRect
		r.scaleX = in.DisplayRect.W / float64(in.SourceWidth)
		r.scaleY = in.DisplayRect.H / float64(in.SourceHeight)
	}
	if !isFinite(r.scaleX) || !isFinite(r.scaleY) || r.scaleX <= 0 || r.scaleY <= 0 {
		return nil
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}
	badge := time.Duration(in.Settings.AttendanceCooldownSeconds) * time.Second

	cmds := make([]DrawCommand, 0, len(in.Tracks)*3)
	for _, tr := range in.Tracks {
		box, ok := r.project(tr.BBox, in.DisplayRect, in.Settings.MirrorDisplay)
		if !ok {
			continue
		}

		color := ColorUnknown
		if tr.PersonID != "" {
			color = ColorRecognized
		}
		liveWarning := livenessLabel(tr.Liveness)

		cmds = append(cmds, DrawCommand{
			Kind:   KindBox,
			Rect:   box,
			Color:  color,
			Dashed: liveWarning != "",
		})

		if label := r.label(tr, liveWarning, in.Settings); label != "" {
			cmds = append(cmds, DrawCommand{
				Kind:  KindLabel,
				Text:  label,
				X:     box.X,
				Y:     box.Y - 6,
				Color: color,
			})
		}

		// Active cooldown renders the transient "Done" indicator centred
		// on the box, with the remaining badge seconds.
		if tr.PersonID != "" {
			if entry, ok := in.Cooldowns[tr.PersonID]; ok {
				if remaining := badge - now.Sub(entry.StartTime); remaining > 0 {
					cmds = append(cmds, DrawCommand{
						Kind: KindBadge,
						Text: fmt.Sprintf("Done (%ds)", int(remaining.Seconds())+1),
						X:    box.X + box.W/2,
						Y:    box.Y + box.H/2,
					})
				}
			}
		}
	}
	return cmds
}

// project maps a source-frame bbox into display pixels, reflecting about
// the display width when mirroring is on.
func (r *Renderer) project(bbox [4]float64, display Rect, mirror bool) (Rect, bool) {
	for _, v := range bbox {
		if !isFinite(v) {
			return Rect{}, false
		}
	}
	if bbox[2] <= 0 || bbox[3] <= 0 {
		return Rect{}, false
	}

	w := bbox[2] * r.scaleX
	h := bbox[3] * r.scaleY
	x := display.X + bbox[0]*r.scaleX
	if mirror {
		x = display.X + display.W - (bbox[0]+bbox[2])*r.scaleX
	}
	y := display.Y + bbox[1]*r.scaleY

	out := Rect{X: x, Y: y, W: w, H: h}
	if !isFinite(out.X) || !isFinite(out.Y) || out.W <= 0 || out.H <= 0 {
		return Rect{}, false
	}
	return out, true
}

func (r *Renderer) label(tr *track.Track, liveWarning string, settings config.RuntimeSettings) string {
	if liveWarning != "" {
		return liveWarning
	}
	if tr.PersonID == "" {
		return "Unknown"
	}
	if !settings.ShowRecognitionNames {
		return ""
	}
	name := tr.PersonName
	if name == "" {
		name = tr.PersonID
	}
	return fmt.Sprintf("%s %.0f%%", name, tr.Similarity*100)
}

func livenessLabel(liveness string) string {
	switch liveness {
	case "spoof":
		return "Spoof suspected"
	case "move_closer":
		return "Move closer"
	default:
		return ""
	}
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
