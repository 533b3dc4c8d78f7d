// Package media provides bookkeeping and guaranteed cleanup of local
// audio/video capture handles.
//
// Every stream or track a session acquires is registered here. A
// background sweep reclaims handles that were queued for cleanup, handles
// idle past a timeout, and — when the total count exceeds a hard ceiling
// — the oldest quarter regardless of activity, bounding memory under
// pressure. Cleanup always stops the underlying hardware track before
// removing the bookkeeping and is idempotent: releasing a handle twice
// produces one cleanup event and no error.
//
// Sessions reference handles by id only; the tracker alone has destructor
// authority. Handles tagged OwnershipShared survive their creating
// session's disconnect and are released by reference count instead.
package media

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/voicecore/event"
	"github.com/opd-ai/voicecore/transport"
)

// Event names emitted by the tracker.
const (
	EventStreamCleaned    = "streamCleaned"
	EventCleanupCompleted = "cleanupCompleted"
)

// Ownership tags whether a handle is exclusive to one session or shared
// across pooled sessions.
type Ownership string

const (
	// OwnershipExclusive handles are destroyed with their session.
	OwnershipExclusive Ownership = "exclusive"
	// OwnershipShared handles are reference counted; teardown decrements
	// the count and only the last release stops the track.
	OwnershipShared Ownership = "shared"
)

// Heuristic per-handle memory estimates used to trigger the ceiling
// sweep earlier under pressure. Estimates, not measured RSS.
const (
	estAudioBytes  = 256 * 1024
	estVideoBytes  = 8 * 1024 * 1024
	estScreenBytes = 16 * 1024 * 1024
)

// StreamHandle wraps one tracked OS media track with its metadata.
type StreamHandle struct {
	ID        string
	Kind      transport.TrackKind
	Source    transport.TrackSource
	SessionID string
	Ownership Ownership
	CreatedAt time.Time
	LastUsed  time.Time
	Active    bool

	track transport.LocalTrack
	refs  int
}

// Track returns the underlying transport track.
func (h *StreamHandle) Track() transport.LocalTrack {
	return h.track
}

// Config defines tracker sweep behavior.
type Config struct {
	// SweepInterval is how often the background sweep runs.
	SweepInterval time.Duration
	// InactivityTimeout reclaims handles not touched for this long.
	InactivityTimeout time.Duration
	// MaxHandles is the hard ceiling; exceeding it reclaims the oldest
	// 25% of handles regardless of activity.
	MaxHandles int
	// MemoryCeilingBytes triggers the ceiling sweep early when the
	// heuristic memory estimate crosses it. Zero disables the check.
	MemoryCeilingBytes uint64
}

// DefaultConfig returns conservative sweep defaults.
func DefaultConfig() Config {
	return Config{
		SweepInterval:      30 * time.Second,
		InactivityTimeout:  5 * time.Minute,
		MaxHandles:         64,
		MemoryCeilingBytes: 512 * 1024 * 1024,
	}
}

// Tracker owns every live capture handle and its cleanup.
//
// All mutation happens synchronously under one mutex within a single
// callback turn; the sweep goroutine takes the same path, so an overlap
// between a slow sweep and the next timer tick is harmless.
type Tracker struct {
	mu      sync.Mutex
	config  Config
	handles map[string]*StreamHandle
	queued  map[string]struct{}
	events  *event.Emitter

	cleanedTotal uint64

	stopCh  chan struct{}
	stopped bool
	wg      sync.WaitGroup

	now func() time.Time
}

// NewTracker creates a tracker and starts its background sweep.
func NewTracker(config Config) *Tracker {
	if config.SweepInterval <= 0 {
		config.SweepInterval = DefaultConfig().SweepInterval
	}
	if config.MaxHandles <= 0 {
		config.MaxHandles = DefaultConfig().MaxHandles
	}

	logrus.WithFields(logrus.Fields{
		"function":           "NewTracker",
		"sweep_interval":     config.SweepInterval,
		"inactivity_timeout": config.InactivityTimeout,
		"max_handles":        config.MaxHandles,
	}).Info("Creating media resource tracker")

	t := &Tracker{
		config:  config,
		handles: make(map[string]*StreamHandle),
		queued:  make(map[string]struct{}),
		events:  event.NewEmitter(),
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}

	t.wg.Add(1)
	go t.sweepLoop()
	return t
}

// Events exposes the tracker's event registry.
func (t *Tracker) Events() *event.Emitter {
	return t.events
}

// SetNowFunc injects a clock for deterministic tests.
func (t *Tracker) SetNowFunc(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}

// Register records a newly acquired track and returns its handle.
func (t *Tracker) Register(track transport.LocalTrack, sessionID string, ownership Ownership) *StreamHandle {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	h := &StreamHandle{
		ID:        uuid.NewString(),
		Kind:      track.Kind(),
		Source:    track.Source(),
		SessionID: sessionID,
		Ownership: ownership,
		CreatedAt: now,
		LastUsed:  now,
		Active:    true,
		track:     track,
		refs:      1,
	}
	t.handles[h.ID] = h

	logrus.WithFields(logrus.Fields{
		"function":   "Tracker.Register",
		"handle_id":  h.ID,
		"kind":       h.Kind,
		"source":     h.Source,
		"session_id": sessionID,
		"ownership":  ownership,
		"total":      len(t.handles),
	}).Debug("Registered media handle")

	return h
}

// Lookup returns the handle for id, or nil. Sessions hold ids, never the
// handles themselves.
func (t *Tracker) Lookup(id string) *StreamHandle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handles[id]
}

// Touch marks a handle as recently used and active.
func (t *Tracker) Touch(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if h, ok := t.handles[id]; ok {
		h.LastUsed = t.now()
		h.Active = true
	}
}

// Retain increments the reference count of a shared handle so another
// session can use it. Exclusive handles cannot be retained.
func (t *Tracker) Retain(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.handles[id]
	if !ok || h.Ownership != OwnershipShared {
		return false
	}
	h.refs++
	return true
}

// QueueCleanup schedules a handle for reclamation on the next sweep.
func (t *Tracker) QueueCleanup(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.handles[id]; ok {
		t.queued[id] = struct{}{}
	}
}

// Release reclaims one handle immediately.
//
// Shared handles decrement their reference count; the track is stopped
// only when the last reference releases. Releasing an unknown or already
// released id is a no-op.
func (t *Tracker) Release(id string) {
	t.mu.Lock()
	cleaned := t.releaseLocked(id)
	t.mu.Unlock()

	if cleaned {
		t.events.Emit(EventStreamCleaned, id)
	}
}

// releaseLocked performs the cleanup under the tracker lock and reports
// whether the handle was actually removed.
func (t *Tracker) releaseLocked(id string) bool {
	h, ok := t.handles[id]
	if !ok {
		return false
	}

	if h.Ownership == OwnershipShared && h.refs > 1 {
		h.refs--
		logrus.WithFields(logrus.Fields{
			"function":  "Tracker.Release",
			"handle_id": id,
			"refs_left": h.refs,
		}).Debug("Decremented shared handle reference")
		return false
	}

	// Stop hardware before dropping bookkeeping so a failed stop is
	// still observable via the handle.
	if err := h.track.Stop(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "Tracker.Release",
			"handle_id": id,
			"kind":      h.Kind,
			"error":     err.Error(),
		}).Warn("Track stop failed during cleanup")
	}

	h.Active = false
	delete(t.handles, id)
	delete(t.queued, id)
	t.cleanedTotal++

	logrus.WithFields(logrus.Fields{
		"function":  "Tracker.Release",
		"handle_id": id,
		"kind":      h.Kind,
		"remaining": len(t.handles),
	}).Debug("Media handle cleaned")

	return true
}

// ReleaseSession reclaims every exclusive handle owned by sessionID and
// decrements shared ones. Called on session disconnect so no handle
// outlives its session unless explicitly shared.
func (t *Tracker) ReleaseSession(sessionID string) int {
	t.mu.Lock()
	var ids []string
	for id, h := range t.handles {
		if h.SessionID == sessionID {
			ids = append(ids, id)
		}
	}
	var cleaned []string
	for _, id := range ids {
		if t.releaseLocked(id) {
			cleaned = append(cleaned, id)
		}
	}
	t.mu.Unlock()

	for _, id := range cleaned {
		t.events.Emit(EventStreamCleaned, id)
	}
	return len(cleaned)
}

// Count returns the number of live handles.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.handles)
}

// CleanedTotal returns how many handles have been reclaimed since start.
func (t *Tracker) CleanedTotal() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cleanedTotal
}

// EstimatedMemory returns the heuristic memory footprint of all live
// handles in bytes.
func (t *Tracker) EstimatedMemory() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.estimatedMemoryLocked()
}

func (t *Tracker) estimatedMemoryLocked() uint64 {
	var total uint64
	for _, h := range t.handles {
		switch h.Kind {
		case transport.TrackKindVideo:
			total += estVideoBytes
		case transport.TrackKindScreen:
			total += estScreenBytes
		default:
			total += estAudioBytes
		}
	}
	return total
}

// Sweep runs one reclamation pass: queued handles, handles idle past the
// timeout, and — above the handle or memory ceiling — the oldest 25%.
// Safe to call concurrently with the background loop; each pass is
// independently idempotent.
func (t *Tracker) Sweep() int {
	t.mu.Lock()
	now := t.now()

	victims := make(map[string]struct{})
	for id := range t.queued {
		victims[id] = struct{}{}
	}
	if t.config.InactivityTimeout > 0 {
		for id, h := range t.handles {
			if now.Sub(h.LastUsed) > t.config.InactivityTimeout {
				victims[id] = struct{}{}
			}
		}
	}

	overCeiling := len(t.handles) > t.config.MaxHandles ||
		(t.config.MemoryCeilingBytes > 0 && t.estimatedMemoryLocked() > t.config.MemoryCeilingBytes)
	if overCeiling {
		for _, id := range t.oldestQuarterLocked() {
			victims[id] = struct{}{}
		}
	}

	var cleaned []string
	for id := range victims {
		if t.releaseLocked(id) {
			cleaned = append(cleaned, id)
		}
	}
	t.mu.Unlock()

	for _, id := range cleaned {
		t.events.Emit(EventStreamCleaned, id)
	}
	if len(cleaned) > 0 {
		logrus.WithFields(logrus.Fields{
			"function":     "Tracker.Sweep",
			"cleaned":      len(cleaned),
			"over_ceiling": overCeiling,
		}).Info("Media sweep completed")
	}
	t.events.Emit(EventCleanupCompleted, len(cleaned))
	return len(cleaned)
}

// oldestQuarterLocked selects the oldest 25% of handles by creation time.
func (t *Tracker) oldestQuarterLocked() []string {
	n := len(t.handles) / 4
	if n == 0 && len(t.handles) > 0 {
		n = 1
	}

	type aged struct {
		id string
		at time.Time
	}
	all := make([]aged, 0, len(t.handles))
	for id, h := range t.handles {
		all = append(all, aged{id: id, at: h.CreatedAt})
	}
	// Insertion sort; handle counts are small and bounded by MaxHandles.
	for i := 1; i < len(all); i++ {
		for j := i; j > 0 && all[j].at.Before(all[j-1].at); j-- {
			all[j], all[j-1] = all[j-1], all[j]
		}
	}

	ids := make([]string, 0, n)
	for i := 0; i < n && i < len(all); i++ {
		ids = append(ids, all[i].id)
	}
	return ids
}

// sweepLoop is the background reclamation timer.
func (t *Tracker) sweepLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.Sweep()
		case <-t.stopCh:
			return
		}
	}
}

// Shutdown is the emergency teardown path: it stops the sweep loop and
// synchronously reclaims every remaining handle regardless of ownership
// or reference count.
func (t *Tracker) Shutdown() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	close(t.stopCh)

	var cleaned []string
	for id, h := range t.handles {
		h.refs = 1 // force final release
		if t.releaseLocked(id) {
			cleaned = append(cleaned, id)
		}
	}
	t.mu.Unlock()

	t.wg.Wait()

	for _, id := range cleaned {
		t.events.Emit(EventStreamCleaned, id)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Tracker.Shutdown",
		"cleaned":  len(cleaned),
	}).Info("Media tracker shut down")
}
