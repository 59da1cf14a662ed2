package log

import (
	"net"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

// HTTPMiddleware is the net/http counterpart of GinMiddleware, used by the
// media engine callback listener. Callback requests under /hooks/ carry the
// hook name. Completion lines log at debug since callbacks are frequent.
func HTTPMiddleware(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			scope := newRequestScope(logger, r.Header.Get(headerRequestID), r.Method, r.URL.Path, remoteIP(r),
				func(lc zerolog.Context) zerolog.Context {
					if hook, ok := strings.CutPrefix(r.URL.Path, "/hooks/"); ok && hook != "" {
						lc = lc.Str(FieldHook, hook)
					}
					return lc
				})

			w.Header().Set(headerRequestID, scope.id)
			sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
			next.ServeHTTP(sw, r.WithContext(WithLogger(r.Context(), scope.logger)))

			scope.done(sw.code, zerolog.DebugLevel).Msg("callback handled")
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// remoteIP prefers proxy headers, then the socket peer.
func remoteIP(r *http.Request) string {
	for _, h := range []string{"X-Forwarded-For", "X-Real-IP"} {
		v := r.Header.Get(h)
		if first, _, _ := strings.Cut(v, ","); strings.TrimSpace(first) != "" {
			return strings.TrimSpace(first)
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
