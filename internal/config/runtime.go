package config

import (
	"sync"
	"time"
)

// RuntimeSettings are the knobs an operator may change while the pipeline is
// running. Components read them through the accessors at each decision point
// rather than caching, so updates take effect immediately.
type RuntimeSettings struct {
	// AttendanceCooldownSeconds drives the on-screen "logged" badge and its
	// countdown. Cosmetic only.
	AttendanceCooldownSeconds int
	// ReLogCooldownSeconds prevents a second server-side record while the
	// same person lingers in frame.
	ReLogCooldownSeconds int
	EnableSpoofDetection bool
	MirrorDisplay        bool
	ShowRecognitionNames bool
	// ProximityThresholdPx is the max bbox-centre distance (source-frame
	// pixels) for a detection to refresh an existing track.
	ProximityThresholdPx float64
}

// DefaultRuntimeSettings mirrors the product defaults of the hosted app.
func DefaultRuntimeSettings() RuntimeSettings {
	return RuntimeSettings{
		AttendanceCooldownSeconds: 10,
		ReLogCooldownSeconds:      300,
		EnableSpoofDetection:      false,
		MirrorDisplay:             true,
		ShowRecognitionNames:      true,
		ProximityThresholdPx:      30,
	}
}

// Runtime is the single owner of mutable settings. All reads go through
// Snapshot or the typed getters; mutation only through Update.
type Runtime struct {
	mu       sync.RWMutex
	settings RuntimeSettings
}

// NewRuntime creates a Runtime seeded with the given settings.
func NewRuntime(settings RuntimeSettings) *Runtime {
	return &Runtime{settings: settings}
}

// Snapshot returns a copy of the current settings.
func (r *Runtime) Snapshot() RuntimeSettings {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.settings
}

// Update replaces the current settings atomically.
func (r *Runtime) Update(mutate func(*RuntimeSettings)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	mutate(&r.settings)
}

// BadgeCooldown returns the visual-badge duration.
func (r *Runtime) BadgeCooldown() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return time.Duration(r.settings.AttendanceCooldownSeconds) * time.Second
}

// ReLogCooldown returns the server-write dedup duration.
func (r *Runtime) ReLogCooldown() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return time.Duration(r.settings.ReLogCooldownSeconds) * time.Second
}

// SpoofDetectionEnabled reports whether liveness checking is requested from
// the detection service.
func (r *Runtime) SpoofDetectionEnabled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.settings.EnableSpoofDetection
}

// ProximityThreshold returns the track-match distance bound in pixels.
func (r *Runtime) ProximityThreshold() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.settings.ProximityThresholdPx
}
