package engine

import (
	"context"
	"strings"

	"github.com/weiawesome/wes-io-live/stream-status-service/internal/domain"
)

// Event names a media engine lifecycle callback.
type Event string

const (
	EventPrePublish  Event = "pre_publish"
	EventPostPublish Event = "post_publish"
	EventDonePublish Event = "done_publish"
	EventPrePlay     Event = "pre_play"
	EventPostPlay    Event = "post_play"
	EventDonePlay    Event = "done_play"
	EventStats       Event = "stats"
)

// Events lists every callback the engine may deliver.
var Events = []Event{
	EventPrePublish, EventPostPublish, EventDonePublish,
	EventPrePlay, EventPostPlay, EventDonePlay,
	EventStats,
}

// Result is the outcome of one callback dispatch. Allow is the
// authorization decision returned to the engine; Err records why the
// callback failed or was denied.
type Result struct {
	Event     Event
	StreamKey string
	Allow     bool
	Err       error
}

// OK reports whether the callback completed without error.
func (r Result) OK() bool {
	return r.Err == nil
}

// Hooks is the set of lifecycle callbacks the engine invokes.
// Implementations must not block.
type Hooks interface {
	OnPrePublish(ctx context.Context, path, streamKey string) Result
	OnPostPublish(ctx context.Context, path string) Result
	OnDonePublish(ctx context.Context, path string) Result
	OnPrePlay(ctx context.Context, path string) Result
	OnPostPlay(ctx context.Context, path string) Result
	OnDonePlay(ctx context.Context, path string) Result
}

// StatsHooks is implemented by hooks that accept encoder statistics.
type StatsHooks interface {
	OnStats(ctx context.Context, path string, stats domain.StreamStats) Result
}

// KeyFromPath returns the last non-empty segment of an ingest path.
func KeyFromPath(path string) string {
	path = strings.TrimRight(path, "/")
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}
