package domain

import "time"

// SessionState represents where a stream key is in its publish lifecycle.
type SessionState int

const (
	// SessionUnpublished means no publish activity is known for the key.
	SessionUnpublished SessionState = iota
	// SessionAuthorizing means a pre-publish check is in flight.
	SessionAuthorizing
	// SessionLive means the broadcaster is publishing.
	SessionLive
	// SessionEnded means the publish finished and the session is being torn down.
	SessionEnded
)

// String returns the string representation of SessionState.
func (s SessionState) String() string {
	switch s {
	case SessionUnpublished:
		return "unpublished"
	case SessionAuthorizing:
		return "authorizing"
	case SessionLive:
		return "live"
	case SessionEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// MarshalText lets the state render as its name in JSON.
func (s SessionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// StreamKey is an issued ingest credential.
// Value has the form <prefix>_<unixSeconds>_<suffix>.
type StreamKey struct {
	Value        string `json:"value"`
	IssuedAt     int64  `json:"issued_at"`
	RandomSuffix string `json:"random_suffix"`
}

// IssuedTime returns IssuedAt as a time.Time.
func (k StreamKey) IssuedTime() time.Time {
	return time.Unix(k.IssuedAt, 0)
}

// StreamSession is the live state of one broadcast.
// Only the registry mutates it; callers always receive copies.
type StreamSession struct {
	StreamKey      string       `json:"streamKey"`
	State          SessionState `json:"state"`
	StartedAt      time.Time    `json:"startedAt"`
	ViewerCount    int          `json:"viewerCount"`
	LastActivityAt time.Time    `json:"lastActivityAt"`
	BitrateKbps    int          `json:"bitrate"`
	Resolution     string       `json:"resolution"`
}

// IsLive reports whether the session is currently publishing.
func (s *StreamSession) IsLive() bool {
	return s.State == SessionLive
}

// DurationAt returns the whole seconds elapsed since StartedAt.
func (s *StreamSession) DurationAt(now time.Time) int64 {
	if s.StartedAt.IsZero() || now.Before(s.StartedAt) {
		return 0
	}
	return int64(now.Sub(s.StartedAt) / time.Second)
}

// StatusUpdate is a point-in-time projection of a session sent to subscribers.
type StatusUpdate struct {
	StreamKey   string `json:"streamKey"`
	IsLive      bool   `json:"isLive"`
	ViewerCount int    `json:"viewerCount"`
	Duration    int64  `json:"duration"`
	Bitrate     int    `json:"bitrate"`
	Resolution  string `json:"resolution"`
	Timestamp   int64  `json:"timestamp"`
	Revision    uint64 `json:"revision,omitempty"`
}

// OfflineStatus is the projection used for keys with no session.
func OfflineStatus(streamKey string, now time.Time) StatusUpdate {
	return StatusUpdate{
		StreamKey: streamKey,
		Timestamp: now.UnixMilli(),
	}
}

// StreamStats carries engine-reported encoder statistics.
type StreamStats struct {
	BitrateKbps int    `json:"bitrate_kbps"`
	Resolution  string `json:"resolution"`
}
