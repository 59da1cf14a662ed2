package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/weiawesome/wes-io-live/stream-status-service/internal/domain"
)

// Listener receives a snapshot after every change to a session.
// It runs with the registry lock held and must not block or call back
// into the registry.
type Listener func(update domain.StatusUpdate)

// Registry is the in-memory table of active stream sessions.
// Every read and write goes through one mutex, and snapshots are taken
// under that same lock.
type Registry struct {
	sessions map[string]*domain.StreamSession // streamKey -> session
	mu       sync.RWMutex

	listener      Listener
	revision      uint64
	lastTimestamp int64
	now           func() time.Time
}

// Option customises a Registry.
type Option func(*Registry)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		sessions: make(map[string]*domain.StreamSession),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetListener installs the change listener. Pass nil to remove it.
func (r *Registry) SetListener(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listener = l
}

// AddStream creates a live session for key. Calling it again for an
// existing key leaves the session untouched.
func (r *Registry) AddStream(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[key]; exists {
		return
	}

	now := r.now()
	s := &domain.StreamSession{
		StreamKey:      key,
		State:          domain.SessionLive,
		StartedAt:      now,
		LastActivityAt: now,
	}
	r.sessions[key] = s
	r.notifyLocked(key, s, now)
}

// RemoveStream deletes the session for key, if any.
func (r *Registry) RemoveStream(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[key]; !exists {
		return
	}
	delete(r.sessions, key)
	r.notifyLocked(key, nil, r.now())
}

// IncrementViewerCount adds one viewer to an existing session.
func (r *Registry) IncrementViewerCount(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, exists := r.sessions[key]
	if !exists {
		return
	}
	now := r.now()
	s.ViewerCount++
	s.LastActivityAt = now
	r.notifyLocked(key, s, now)
}

// DecrementViewerCount removes one viewer from an existing session.
// The count never goes below zero.
func (r *Registry) DecrementViewerCount(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, exists := r.sessions[key]
	if !exists || s.ViewerCount == 0 {
		return
	}
	now := r.now()
	s.ViewerCount--
	s.LastActivityAt = now
	r.notifyLocked(key, s, now)
}

// UpdateStats records encoder statistics reported by the media engine.
func (r *Registry) UpdateStats(key string, stats domain.StreamStats) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, exists := r.sessions[key]
	if !exists {
		return
	}
	if s.BitrateKbps == stats.BitrateKbps && s.Resolution == stats.Resolution {
		return
	}
	now := r.now()
	s.BitrateKbps = stats.BitrateKbps
	s.Resolution = stats.Resolution
	s.LastActivityAt = now
	r.notifyLocked(key, s, now)
}

// Touch marks ingest activity on a session without notifying subscribers.
func (r *Registry) Touch(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, exists := r.sessions[key]; exists {
		s.LastActivityAt = r.now()
	}
}

// GetStreamCount returns the number of sessions.
func (r *Registry) GetStreamCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// TotalViewers returns the sum of viewer counts over all sessions.
func (r *Registry) TotalViewers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := 0
	for _, s := range r.sessions {
		total += s.ViewerCount
	}
	return total
}

// GetStream returns a copy of the session for key.
func (r *Registry) GetStream(key string) (domain.StreamSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, exists := r.sessions[key]
	if !exists {
		return domain.StreamSession{}, false
	}
	return *s, true
}

// GetAllStreams returns copies of every session, oldest first.
func (r *Registry) GetAllStreams() []domain.StreamSession {
	r.mu.RLock()
	result := make([]domain.StreamSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		result = append(result, *s)
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].StartedAt.Equal(result[j].StartedAt) {
			return result[i].StreamKey < result[j].StreamKey
		}
		return result[i].StartedAt.Before(result[j].StartedAt)
	})
	return result
}

// Snapshot returns the current status projection for key. Unknown keys
// produce an offline status.
func (r *Registry) Snapshot(key string) domain.StatusUpdate {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	s, exists := r.sessions[key]
	if !exists {
		update := domain.OfflineStatus(key, now)
		update.Revision = r.revision
		return update
	}
	update := project(s, now)
	update.Revision = r.revision
	return update
}

// SnapshotAll returns status projections for every session, oldest first.
func (r *Registry) SnapshotAll() []domain.StatusUpdate {
	sessions := r.GetAllStreams()
	now := r.now()

	result := make([]domain.StatusUpdate, 0, len(sessions))
	for i := range sessions {
		result = append(result, project(&sessions[i], now))
	}
	return result
}

// notifyLocked must be called with r.mu held for writing. A nil session
// means the stream was removed.
func (r *Registry) notifyLocked(key string, s *domain.StreamSession, now time.Time) {
	r.revision++
	if r.listener == nil {
		return
	}

	var update domain.StatusUpdate
	if s == nil {
		update = domain.OfflineStatus(key, now)
	} else {
		update = project(s, now)
	}

	// Timestamps never go backwards, even if the wall clock does.
	if update.Timestamp < r.lastTimestamp {
		update.Timestamp = r.lastTimestamp
	}
	r.lastTimestamp = update.Timestamp
	update.Revision = r.revision

	r.listener(update)
}

func project(s *domain.StreamSession, now time.Time) domain.StatusUpdate {
	return domain.StatusUpdate{
		StreamKey:   s.StreamKey,
		IsLive:      s.IsLive(),
		ViewerCount: s.ViewerCount,
		Duration:    s.DurationAt(now),
		Bitrate:     s.BitrateKbps,
		Resolution:  s.Resolution,
		Timestamp:   now.UnixMilli(),
	}
}
