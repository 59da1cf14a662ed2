package log

import (
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// GinMiddleware tags each request with an X-Request-ID and puts a request
// logger on the request context. Routes with a :streamKey parameter also
// log the key. One line is written per completed request.
func GinMiddleware(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.Param("streamKey")
		scope := newRequestScope(logger, c.GetHeader(headerRequestID), c.Request.Method, c.Request.URL.Path, c.ClientIP(),
			func(lc zerolog.Context) zerolog.Context {
				if key != "" {
					lc = lc.Str(FieldStreamKey, key)
				}
				return lc
			})

		c.Header(headerRequestID, scope.id)
		c.Request = c.Request.WithContext(WithLogger(c.Request.Context(), scope.logger))

		c.Next()

		evt := scope.done(c.Writer.Status(), zerolog.InfoLevel)
		// set by the auth middleware
		if owner, ok := c.Get(FieldUserID); ok {
			if s, ok := owner.(string); ok {
				evt = evt.Str(FieldUserID, s)
			}
		}
		evt.Msg("request completed")
	}
}
