// Package track maintains stable per-face identities across successive
// detection results so downstream consumers (recognition gating, overlay)
// see one continuous track per physical face instead of a fresh detection
// every frame.
package track

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/surihq/attendcam/internal/stream"
)

// DefaultMaxMissed is how many correlation cycles a track may go without a
// matching detection before it is pruned.
const DefaultMaxMissed = 5

// Track is a transient identity for one detected face.
type Track struct {
	ID           int64
	BBox         [4]float64 // x, y, w, h in source-frame pixels
	Confidence   float64
	Liveness     string
	PersonID     string // set once recognition confirms an identity
	PersonName   string
	Similarity   float64
	LastSeenAt   time.Time
	MissedFrames int
}

// Live reports whether the track's latest detection passed liveness.
func (t *Track) Live() bool {
	return t.Liveness == "" || t.Liveness == "live"
}

// Center returns the bbox centre.
func (t *Track) Center() (x, y float64) {
	return t.BBox[0] + t.BBox[2]/2, t.BBox[1] + t.BBox[3]/2
}

// Threshold supplies the proximity bound, read per correlation cycle so a
// runtime settings change applies immediately.
type Threshold interface {
	ProximityThreshold() float64
}

// fixedThreshold adapts a constant to the Threshold interface (tests,
// callers without a runtime store).
type fixedThreshold float64

func (f fixedThreshold) ProximityThreshold() float64 { return float64(f) }

// FixedThreshold returns a Threshold that always yields px.
func FixedThreshold(px float64) Threshold { return fixedThreshold(px) }

// Correlator assigns detections to tracks. All mutation happens on the
// pipeline's single logic goroutine; the mutex only guards the read-only
// accessors used by other components.
type Correlator struct {
	mu        sync.RWMutex
	tracks    map[int64]*Track
	hintIndex map[int64]int64 // server-assigned id -> track id
	nextID    int64
	maxMissed int
	threshold Threshold
}

// NewCorrelator creates a correlator with the given proximity source.
func NewCorrelator(threshold Threshold, maxMissed int) *Correlator {
	if maxMissed <= 0 {
		maxMissed = DefaultMaxMissed
	}
	return &Correlator{
		tracks:    make(map[int64]*Track),
		hintIndex: make(map[int64]int64),
		maxMissed: maxMissed,
		threshold: threshold,
	}
}

// Observe correlates one detection result into the track set and returns
// the updated tracks in display order: live faces first, detector emission
// order preserved within each class.
func (c *Correlator) Observe(result stream.DetectionResult) []*Track {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := result.ReceivedAt
	if now.IsZero() {
		now = time.Now()
	}
	threshold := c.threshold.ProximityThreshold()

	matched := make(map[int64]bool, len(c.tracks))
	ordered := make([]*Track, 0, len(result.Faces))

	for _, face := range result.Faces {
		track := c.matchFace(face, matched, threshold)
		if track == nil {
			c.nextID++
			track = &Track{ID: c.nextID}
			c.tracks[track.ID] = track
		}
		if face.TrackIDHint != 0 {
			c.hintIndex[face.TrackIDHint] = track.ID
		}

		track.BBox = face.BBox
		track.Confidence = face.Confidence
		track.Liveness = face.Liveness
		track.LastSeenAt = now
		track.MissedFrames = 0

		matched[track.ID] = true
		ordered = append(ordered, track)
	}

	// Tracks not refreshed this cycle age out. Identities are never reused
	// once pruned, even if a similar face reappears.
	for id, track := range c.tracks {
		if matched[id] {
			continue
		}
		track.MissedFrames++
		if track.MissedFrames > c.maxMissed {
			c.removeLocked(id)
		}
	}

	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Live() && !ordered[j].Live()
	})
	return ordered
}

// matchFace finds the track for a face: by server-assigned id when present,
// otherwise the nearest unmatched track whose centre lies within the
// proximity threshold. Deliberately a cheap nearest-neighbour pass; faces
// do not cross paths within one frame interval at our frame rates.
func (c *Correlator) matchFace(face stream.Face, matched map[int64]bool, threshold float64) *Track {
	if face.TrackIDHint != 0 {
		if id, ok := c.hintIndex[face.TrackIDHint]; ok {
			if track, ok := c.tracks[id]; ok && !matched[id] {
				return track
			}
		}
	}

	fx := face.BBox[0] + face.BBox[2]/2
	fy := face.BBox[1] + face.BBox[3]/2

	var best *Track
	bestDist := threshold
	for id, track := range c.tracks {
		if matched[id] {
			continue
		}
		tx, ty := track.Center()
		dist := math.Hypot(tx-fx, ty-fy)
		if dist <= bestDist {
			best = track
			bestDist = dist
		}
	}
	return best
}

func (c *Correlator) removeLocked(id int64) {
	delete(c.tracks, id)
	for hint, trackID := range c.hintIndex {
		if trackID == id {
			delete(c.hintIndex, hint)
		}
	}
}

// SetPerson records a confirmed identity on a track.
func (c *Correlator) SetPerson(trackID int64, personID, name string, similarity float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if track, ok := c.tracks[trackID]; ok {
		track.PersonID = personID
		track.PersonName = name
		track.Similarity = similarity
	}
}

// Tracks returns a copy of the current track list, unordered.
func (c *Correlator) Tracks() []*Track {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Track, 0, len(c.tracks))
	for _, track := range c.tracks {
		cp := *track
		out = append(out, &cp)
	}
	return out
}

// Len returns the number of live tracks.
func (c *Correlator) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.tracks)
}

// Reset drops all tracks (session stop).
func (c *Correlator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracks = make(map[int64]*Track)
	c.hintIndex = make(map[int64]int64)
}
