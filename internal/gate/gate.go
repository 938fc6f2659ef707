// Package gate decides, per recognized identity, whether an attendance
// event may be emitted, and drives the "recently logged" visual state. One
// cooldown entry exists per person (not per track), so the same person
// re-entering frame under a new track is still gated.
package gate

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event is one gate-approved attendance emission.
type Event struct {
	PersonID           string
	MemberName         string
	Confidence         float64
	Location           string
	LivenessStatus     string
	LivenessConfidence float64
	Manual             bool
	OccurredAt         time.Time
}

// Emitter is the external attendance persistence boundary. The gate calls
// it exactly once per approved recognition.
type Emitter interface {
	ProcessAttendanceEvent(ctx context.Context, ev Event) error
}

// Cooldowns supplies the two durations, read at each decision point so
// runtime changes apply without a restart. BadgeCooldown is cosmetic (the
// on-screen countdown); ReLogCooldown gates the server write.
type Cooldowns interface {
	BadgeCooldown() time.Duration
	ReLogCooldown() time.Duration
}

// Entry is the per-person cooldown record. Durations are not stored on the
// entry; they are consulted live so the knobs stay mutable.
type Entry struct {
	PersonID      string
	MemberName    string
	StartTime     time.Time
	LastKnownBBox [4]float64
}

// Recognition is a confirmed identity on a track, as produced by the
// recognition call.
type Recognition struct {
	TrackID            int64
	PersonID           string
	MemberName         string
	BBox               [4]float64
	Confidence         float64
	LivenessStatus     string
	LivenessConfidence float64
}

// Gate applies the cooldown/dedup policy. All mutation happens on the
// pipeline's logic goroutine, so check-then-create is race-free; the mutex
// guards the overlay's read path.
type Gate struct {
	mu        sync.RWMutex
	entries   map[string]*Entry
	cooldowns Cooldowns
	emitter   Emitter
	logger    *zap.Logger

	// clock is swappable for tests.
	clock func() time.Time
}

// New creates a gate.
func New(cooldowns Cooldowns, emitter Emitter, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.L()
	}
	return &Gate{
		entries:   make(map[string]*Entry),
		cooldowns: cooldowns,
		emitter:   emitter,
		logger:    logger.Named("gate"),
		clock:     time.Now,
	}
}

// HandleRecognition applies the gate to one confirmed recognition. It
// returns whether an attendance event was emitted. An emission failure is
// returned to the caller for the UI boundary, but the cooldown entry is
// still created: a failed write must not re-arm the gate into a retry
// storm. The operator can re-trigger manually.
func (g *Gate) HandleRecognition(ctx context.Context, rec Recognition) (bool, error) {
	now := g.clock()

	g.mu.Lock()
	entry, ok := g.entries[rec.PersonID]
	if ok && now.Sub(entry.StartTime) < g.cooldowns.ReLogCooldown() {
		// Still gated: refresh position only.
		entry.LastKnownBBox = rec.BBox
		g.mu.Unlock()
		return false, nil
	}
	g.entries[rec.PersonID] = &Entry{
		PersonID:      rec.PersonID,
		MemberName:    rec.MemberName,
		StartTime:     now,
		LastKnownBBox: rec.BBox,
	}
	g.mu.Unlock()

	err := g.emitter.ProcessAttendanceEvent(ctx, Event{
		PersonID:           rec.PersonID,
		MemberName:         rec.MemberName,
		Confidence:         rec.Confidence,
		LivenessStatus:     rec.LivenessStatus,
		LivenessConfidence: rec.LivenessConfidence,
		OccurredAt:         now,
	})
	if err != nil {
		g.logger.Warn("attendance emission failed, cooldown kept",
			zap.String("person", rec.PersonID), zap.Error(err))
		return false, err
	}

	g.logger.Info("attendance event emitted",
		zap.String("person", rec.PersonID),
		zap.String("member", rec.MemberName),
		zap.Float64("confidence", rec.Confidence))
	return true, nil
}

// ManualLog records an operator-confirmed attendance. It bypasses the gate
// check but still seeds the cooldown entry so automatic detection does not
// immediately re-log the same person.
func (g *Gate) ManualLog(ctx context.Context, rec Recognition) error {
	now := g.clock()

	err := g.emitter.ProcessAttendanceEvent(ctx, Event{
		PersonID:   rec.PersonID,
		MemberName: rec.MemberName,
		Confidence: rec.Confidence,
		Manual:     true,
		OccurredAt: now,
	})

	g.mu.Lock()
	g.entries[rec.PersonID] = &Entry{
		PersonID:      rec.PersonID,
		MemberName:    rec.MemberName,
		StartTime:     now,
		LastKnownBBox: rec.BBox,
	}
	g.mu.Unlock()

	return err
}

// ObserveExternal seeds a cooldown entry for an event logged outside this
// process (another station logged the same person).
func (g *Gate) ObserveExternal(personID, memberName string, at time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.entries[personID] = &Entry{
		PersonID:   personID,
		MemberName: memberName,
		StartTime:  at,
	}
}

// BadgeRemaining reports how long the "logged" badge for a person should
// still show. Expired entries are removed lazily here; there is no
// background sweep.
func (g *Gate) BadgeRemaining(personID string) (time.Duration, bool) {
	now := g.clock()
	badge := g.cooldowns.BadgeCooldown()

	g.mu.Lock()
	defer g.mu.Unlock()

	entry, ok := g.entries[personID]
	if !ok {
		return 0, false
	}
	g.expireLocked(entry, now)
	if _, ok := g.entries[personID]; !ok {
		return 0, false
	}

	elapsed := now.Sub(entry.StartTime)
	if elapsed >= badge {
		return 0, false
	}
	return badge - elapsed, true
}

// Gated reports whether the server-write gate is currently closed for a
// person.
func (g *Gate) Gated(personID string) bool {
	now := g.clock()

	g.mu.Lock()
	defer g.mu.Unlock()

	entry, ok := g.entries[personID]
	if !ok {
		return false
	}
	g.expireLocked(entry, now)
	if _, ok := g.entries[personID]; !ok {
		return false
	}
	return now.Sub(entry.StartTime) < g.cooldowns.ReLogCooldown()
}

// expireLocked destroys an entry once both durations have lapsed.
func (g *Gate) expireLocked(entry *Entry, now time.Time) {
	limit := g.cooldowns.ReLogCooldown()
	if badge := g.cooldowns.BadgeCooldown(); badge > limit {
		limit = badge
	}
	if now.Sub(entry.StartTime) >= limit {
		delete(g.entries, entry.PersonID)
	}
}

// Snapshot returns a copy of the current entries, for the overlay.
func (g *Gate) Snapshot() map[string]Entry {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]Entry, len(g.entries))
	for id, entry := range g.entries {
		out[id] = *entry
	}
	return out
}

// Reset drops all entries (session teardown in tests; in production the
// cooldown map deliberately survives a camera restart).
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.entries = make(map[string]*Entry)
}
