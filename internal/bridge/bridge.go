package bridge

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/weiawesome/wes-io-live/stream-status-service/internal/domain"
	"github.com/weiawesome/wes-io-live/stream-status-service/internal/engine"
	"github.com/weiawesome/wes-io-live/stream-status-service/internal/metrics"
	"github.com/weiawesome/wes-io-live/stream-status-service/pkg/log"
	"github.com/weiawesome/wes-io-live/stream-status-service/pkg/pubsub"
)

// SessionStore is the part of the session registry the bridge writes to.
type SessionStore interface {
	AddStream(key string)
	RemoveStream(key string)
	IncrementViewerCount(key string)
	DecrementViewerCount(key string)
	UpdateStats(key string, stats domain.StreamStats)
	GetStream(key string) (domain.StreamSession, bool)
}

// KeyValidator checks stream key format and age.
type KeyValidator interface {
	Validate(key string) bool
	IsExpired(key string, maxAge time.Duration) bool
}

// Provisioner prepares per-stream resources once a publish goes live.
// Reserve is called inline; Prepare runs in the background with its ticket
// and must do nothing if Release came first.
type Provisioner interface {
	Reserve(streamKey string) uint64
	Prepare(streamKey string, ticket uint64) error
	Release(streamKey string)
}

// Config controls authorization policy.
type Config struct {
	// IngestApp is the second path segment every publish path must carry.
	IngestApp string `mapstructure:"app"`
	// RejectExpired denies keys older than MaxAge at pre-publish.
	RejectExpired bool          `mapstructure:"reject_expired"`
	MaxAge        time.Duration `mapstructure:"max_age"`
	// EvictDenied removes the session registered before a denied publish.
	EvictDenied bool `mapstructure:"evict_denied"`
	// GatePlayback denies pre-play for keys with no session.
	GatePlayback bool `mapstructure:"gate_playback"`
	// EventTimeout bounds one lifecycle event publish.
	EventTimeout time.Duration `mapstructure:"event_timeout"`
}

// Bridge turns media engine callbacks into registry operations and
// authorization decisions. It tracks a publish state per stream key:
// Unpublished -> Authorizing -> Live -> Ended -> Unpublished.
type Bridge struct {
	config      Config
	sessions    SessionStore
	keys        KeyValidator
	provisioner Provisioner
	publisher   pubsub.Publisher
	metrics     *metrics.Metrics
	logger      zerolog.Logger

	states map[string]domain.SessionState
	mu     sync.Mutex

	wg sync.WaitGroup
}

// New creates a Bridge. provisioner and publisher may be nil.
func New(
	cfg Config,
	sessions SessionStore,
	keys KeyValidator,
	provisioner Provisioner,
	publisher pubsub.Publisher,
	m *metrics.Metrics,
	logger zerolog.Logger,
) *Bridge {
	if cfg.IngestApp == "" {
		cfg.IngestApp = "live"
	}
	if cfg.EventTimeout <= 0 {
		cfg.EventTimeout = 5 * time.Second
	}
	if publisher == nil {
		publisher = pubsub.NoopPublisher{}
	}
	// Export every callback series from the start, even before it fires.
	for _, ev := range engine.Events {
		m.HookEvents.WithLabelValues(string(ev))
		m.HookFailures.WithLabelValues(string(ev))
	}
	return &Bridge{
		config:      cfg,
		sessions:    sessions,
		keys:        keys,
		provisioner: provisioner,
		publisher:   publisher,
		metrics:     m,
		logger:      logger.With().Str("component", "bridge").Logger(),
		states:      make(map[string]domain.SessionState),
	}
}

// State returns the publish state of key.
func (b *Bridge) State(key string) domain.SessionState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.states[key]
}

func (b *Bridge) setState(key string, s domain.SessionState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s == domain.SessionUnpublished {
		delete(b.states, key)
		return
	}
	b.states[key] = s
}

// Wait blocks until background work started by callbacks has finished.
func (b *Bridge) Wait() {
	b.wg.Wait()
}

// OnPrePublish authorizes a publish to path with streamKey. The session is
// registered before the key is checked, so a denied key can be present in
// the registry until done-publish unless EvictDenied is set.
func (b *Bridge) OnPrePublish(ctx context.Context, path, streamKey string) engine.Result {
	return b.dispatch(ctx, engine.EventPrePublish, streamKey, true, func(l zerolog.Logger) (bool, error) {
		if !b.validPublishPath(path) {
			l.Warn().Str(log.FieldPath, path).Msg("publish denied: malformed path")
			return false, fmt.Errorf("%w: %q", domain.ErrMalformedPublishPath, path)
		}

		b.setState(streamKey, domain.SessionAuthorizing)
		b.sessions.AddStream(streamKey)

		var reason error
		switch {
		case !b.keys.Validate(streamKey):
			reason = domain.ErrInvalidKeyFormat
		case b.config.RejectExpired && b.keys.IsExpired(streamKey, b.config.MaxAge):
			reason = domain.ErrExpiredKey
		}

		if reason != nil {
			b.setState(streamKey, domain.SessionUnpublished)
			if b.config.EvictDenied {
				b.sessions.RemoveStream(streamKey)
			}
			l.Warn().Err(reason).Bool("evicted", b.config.EvictDenied).Msg("publish denied")
			b.emit(domain.EventPublishDenied, streamKey, domain.StreamLifecyclePayload{
				StreamKey: streamKey,
				Path:      path,
				Reason:    reason.Error(),
			})
			return false, reason
		}

		l.Info().Msg("publish authorized")
		return true, nil
	})
}

// OnPostPublish marks the stream live and starts provisioning.
func (b *Bridge) OnPostPublish(ctx context.Context, path string) engine.Result {
	key := engine.KeyFromPath(path)
	return b.dispatch(ctx, engine.EventPostPublish, key, false, func(l zerolog.Logger) (bool, error) {
		b.setState(key, domain.SessionLive)

		startedAt := time.Now()
		if s, ok := b.sessions.GetStream(key); ok {
			startedAt = s.StartedAt
		}

		if b.provisioner != nil {
			ticket := b.provisioner.Reserve(key)
			b.goSafe(key, "provision", func() {
				if err := b.provisioner.Prepare(key, ticket); err != nil {
					l.Warn().Err(err).Msg("provisioning failed")
				}
			})
		}
		b.emit(domain.EventStreamStarted, key, domain.StreamLifecyclePayload{
			StreamKey: key,
			Path:      path,
			StartedAt: startedAt.Unix(),
		})

		l.Info().Str(log.FieldState, domain.SessionLive.String()).Msg("stream is live")
		return true, nil
	})
}

// OnDonePublish removes the session.
func (b *Bridge) OnDonePublish(ctx context.Context, path string) engine.Result {
	key := engine.KeyFromPath(path)
	return b.dispatch(ctx, engine.EventDonePublish, key, false, func(l zerolog.Logger) (bool, error) {
		b.setState(key, domain.SessionEnded)
		b.sessions.RemoveStream(key)

		if b.provisioner != nil {
			b.provisioner.Release(key)
		}
		b.emit(domain.EventStreamEnded, key, domain.StreamLifecyclePayload{
			StreamKey: key,
			Path:      path,
			EndedAt:   time.Now().Unix(),
		})

		b.setState(key, domain.SessionUnpublished)
		l.Info().Str(log.FieldState, domain.SessionEnded.String()).Msg("stream ended")
		return true, nil
	})
}

// OnPrePlay accepts every viewer unless GatePlayback is set, in which case
// the stream must have a session.
func (b *Bridge) OnPrePlay(ctx context.Context, path string) engine.Result {
	key := engine.KeyFromPath(path)
	return b.dispatch(ctx, engine.EventPrePlay, key, true, func(l zerolog.Logger) (bool, error) {
		if !b.config.GatePlayback {
			return true, nil
		}
		if _, ok := b.sessions.GetStream(key); !ok {
			l.Debug().Msg("play denied: stream not live")
			return false, fmt.Errorf("stream %q is not live", key)
		}
		return true, nil
	})
}

// OnPostPlay counts a viewer.
func (b *Bridge) OnPostPlay(ctx context.Context, path string) engine.Result {
	key := engine.KeyFromPath(path)
	return b.dispatch(ctx, engine.EventPostPlay, key, false, func(zerolog.Logger) (bool, error) {
		b.sessions.IncrementViewerCount(key)
		return true, nil
	})
}

// OnDonePlay removes a viewer.
func (b *Bridge) OnDonePlay(ctx context.Context, path string) engine.Result {
	key := engine.KeyFromPath(path)
	return b.dispatch(ctx, engine.EventDonePlay, key, false, func(zerolog.Logger) (bool, error) {
		b.sessions.DecrementViewerCount(key)
		return true, nil
	})
}

// OnStats records encoder statistics for a live stream.
func (b *Bridge) OnStats(ctx context.Context, path string, stats domain.StreamStats) engine.Result {
	key := engine.KeyFromPath(path)
	return b.dispatch(ctx, engine.EventStats, key, false, func(zerolog.Logger) (bool, error) {
		if stats.BitrateKbps < 0 {
			stats.BitrateKbps = 0
		}
		b.sessions.UpdateStats(key, stats)
		return true, nil
	})
}

// validPublishPath requires at least three segments with the ingest app
// second: "/live/<key>" splits into "", "live", "<key>".
func (b *Bridge) validPublishPath(path string) bool {
	parts := strings.Split(path, "/")
	return len(parts) >= 3 && parts[1] == b.config.IngestApp && parts[len(parts)-1] != ""
}

// dispatch runs one callback body, converting panics into a failed Result.
// Gating callbacks deny on panic; the others still allow so a bookkeeping
// fault never disconnects a broadcaster or viewer.
func (b *Bridge) dispatch(ctx context.Context, event engine.Event, key string, gating bool, fn func(zerolog.Logger) (bool, error)) (res engine.Result) {
	res = engine.Result{Event: event, StreamKey: key}
	_, sl := log.ForStream(ctx, key)
	l := sl.With().Str(log.FieldHook, string(event)).Logger()

	b.metrics.HookEvents.WithLabelValues(string(event)).Inc()

	defer func() {
		if r := recover(); r != nil {
			res.Allow = !gating
			res.Err = fmt.Errorf("%s callback panicked: %v", event, r)
			l.Error().Err(res.Err).Msg("callback failed")
		}
		if res.Err != nil {
			b.metrics.HookFailures.WithLabelValues(string(event)).Inc()
		}
		decision := "allow"
		if !res.Allow {
			decision = "deny"
		}
		b.metrics.HookDecisions.WithLabelValues(string(event), decision).Inc()
	}()

	res.Allow, res.Err = fn(l)
	return res
}

// goSafe runs fn in the background, logging any panic.
func (b *Bridge) goSafe(key, task string, fn func()) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error().Str(log.FieldStreamKey, key).Str("task", task).Interface("panic", r).Msg("background task panicked")
			}
		}()
		fn()
	}()
}

// emit publishes a lifecycle event in the background.
func (b *Bridge) emit(eventType, key string, payload domain.StreamLifecyclePayload) {
	b.goSafe(key, eventType, func() {
		ctx, cancel := context.WithTimeout(context.Background(), b.config.EventTimeout)
		defer cancel()

		result := "ok"
		ev, err := pubsub.NewEvent(eventType, key, payload)
		if err == nil {
			err = b.publisher.Publish(ctx, pubsub.StreamLifecycleChannel(key), ev)
		}
		if err != nil {
			result = "error"
			b.logger.Warn().Err(err).Str(log.FieldStreamKey, key).Str("event", eventType).Msg("failed to publish lifecycle event")
		}
		b.metrics.EventsPublished.WithLabelValues(eventType, result).Inc()
	})
}

var (
	_ engine.Hooks      = (*Bridge)(nil)
	_ engine.StatsHooks = (*Bridge)(nil)
)
