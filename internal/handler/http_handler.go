package handler

import (
	"errors"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/weiawesome/wes-io-live/stream-status-service/internal/domain"
	"github.com/weiawesome/wes-io-live/stream-status-service/internal/metrics"
	"github.com/weiawesome/wes-io-live/stream-status-service/pkg/log"
	"github.com/weiawesome/wes-io-live/stream-status-service/pkg/middleware"
	"github.com/weiawesome/wes-io-live/stream-status-service/pkg/response"
)

// StatusReader is the read side of the session registry.
type StatusReader interface {
	Snapshot(streamKey string) domain.StatusUpdate
	SnapshotAll() []domain.StatusUpdate
	GetStreamCount() int
}

// KeyIssuer issues and checks stream keys.
type KeyIssuer interface {
	Generate(ownerID string) (domain.StreamKey, error)
	Validate(key string) bool
}

// Options configures the HTTP handler.
type Options struct {
	// IngestBaseURL prefixes issued keys in responses, e.g. rtmp://host:1935/live.
	IngestBaseURL string
	// RateWindow is reported as Retry-After when issuance is rate limited.
	RateWindow time.Duration
	Version    string
	// EngineUp reports whether the media engine is running. Optional.
	EngineUp func() bool
}

// Handler serves the REST surface of the stream status service.
type Handler struct {
	status         StatusReader
	keys           KeyIssuer
	authMiddleware *middleware.AuthMiddleware
	metrics        *metrics.Metrics
	opts           Options
}

// NewHandler creates a new HTTP handler.
func NewHandler(status StatusReader, keys KeyIssuer, authMiddleware *middleware.AuthMiddleware, m *metrics.Metrics, opts Options) *Handler {
	return &Handler{
		status:         status,
		keys:           keys,
		authMiddleware: authMiddleware,
		metrics:        m,
		opts:           opts,
	}
}

// RegisterRoutes registers all routes.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.Health)
	r.GET("/metrics", gin.WrapH(h.metrics.Handler()))

	api := r.Group("/api")
	{
		api.GET("/streams", h.ListStreams)

		stream := api.Group("/stream")
		{
			stream.POST("/keys", h.authMiddleware.OptionalAuth(), h.IssueKey)
			stream.GET("/:streamKey/status", h.GetStatus)
			stream.GET("/:streamKey/validate", h.ValidateKey)
		}
	}
}

// GetStatus returns the live status of one stream. Unknown keys are
// reported offline rather than as an error.
func (h *Handler) GetStatus(c *gin.Context) {
	update := h.status.Snapshot(c.Param("streamKey"))
	c.JSON(http.StatusOK, domain.NewStatusResponse(update))
}

// ValidateKey reports whether a key has the issued format.
func (h *Handler) ValidateKey(c *gin.Context) {
	key := c.Param("streamKey")
	c.JSON(http.StatusOK, domain.ValidateResponse{
		Valid:     h.keys.Validate(key),
		StreamKey: key,
	})
}

// ListStreams returns every live stream, oldest first.
func (h *Handler) ListStreams(c *gin.Context) {
	streams := h.status.SnapshotAll()
	c.JSON(http.StatusOK, domain.StreamsResponse{
		Streams: streams,
		Total:   len(streams),
	})
}

// IssueKey issues a stream key. With authentication enabled the owner is
// the token subject; otherwise it is read from the request body.
func (h *Handler) IssueKey(c *gin.Context) {
	l := log.Ctx(c.Request.Context())

	var owner string
	if h.authMiddleware.Enabled() {
		owner = middleware.GetUserID(c)
		if owner == "" {
			response.Unauthorized(c, "authentication required")
			return
		}
	} else {
		var req domain.IssueKeyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "invalid request body")
			return
		}
		owner = strings.TrimSpace(req.OwnerID)
		if owner == "" {
			response.BadRequest(c, "owner_id is required")
			return
		}
	}

	key, err := h.keys.Generate(owner)
	if err != nil {
		if errors.Is(err, domain.ErrRateLimited) {
			h.metrics.KeysRateLimited.Inc()
			l.Warn().Str(log.FieldUserID, owner).Msg("stream key request rate limited")
			response.TooManyRequests(c, int(math.Ceil(h.opts.RateWindow.Seconds())), "a stream key was issued recently, try again later")
			return
		}
		l.Error().Err(err).Str(log.FieldUserID, owner).Msg("failed to issue stream key")
		response.InternalError(c, "failed to issue stream key")
		return
	}

	h.metrics.KeysIssued.Inc()
	l.Info().Str(log.FieldUserID, owner).Str(log.FieldStreamKey, key.Value).Msg("stream key issued")

	resp := domain.IssueKeyResponse{
		StreamKey: key.Value,
		IssuedAt:  key.IssuedAt,
	}
	if h.opts.IngestBaseURL != "" {
		resp.IngestURL = strings.TrimRight(h.opts.IngestBaseURL, "/") + "/" + key.Value
	}
	response.Created(c, resp)
}

// Health reports liveness plus a few counters.
func (h *Handler) Health(c *gin.Context) {
	engineUp := true
	if h.opts.EngineUp != nil {
		engineUp = h.opts.EngineUp()
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "stream-status-service",
		"version": h.opts.Version,
		"streams": h.status.GetStreamCount(),
		"engine":  engineUp,
	})
}
