package log

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const headerRequestID = "X-Request-ID"

// requestScope is the per-request logging state shared by the gin and
// net/http middlewares.
type requestScope struct {
	id     string
	start  time.Time
	logger zerolog.Logger
}

// newRequestScope reuses an inbound request ID or mints one, then tags the
// base logger with it. extra adds route specific fields.
func newRequestScope(base zerolog.Logger, inboundID, method, path, ip string, extra func(zerolog.Context) zerolog.Context) requestScope {
	id := inboundID
	if id == "" {
		id = uuid.NewString()
	}
	lc := base.With().
		Str(FieldRequestID, id).
		Str(FieldMethod, method).
		Str(FieldPath, path).
		Str(FieldClientIP, ip)
	if extra != nil {
		lc = extra(lc)
	}
	return requestScope{id: id, start: time.Now(), logger: lc.Logger()}
}

// done returns the completion event at a level picked from the status.
// Server errors log at error, everything else at the given level.
func (s requestScope) done(status int, lvl zerolog.Level) *zerolog.Event {
	if status >= 500 {
		lvl = zerolog.ErrorLevel
	}
	return s.logger.WithLevel(lvl).
		Int(FieldStatus, status).
		Float64(FieldLatency, float64(time.Since(s.start).Milliseconds()))
}
