package domain

// Lifecycle event types fanned out to other services.
const (
	EventStreamStarted = "stream_started"
	EventStreamEnded   = "stream_ended"
	EventPublishDenied = "publish_denied"
)

// StreamLifecyclePayload is the payload of a lifecycle event.
type StreamLifecyclePayload struct {
	StreamKey string `json:"stream_key"`
	Path      string `json:"path,omitempty"`
	StartedAt int64  `json:"started_at,omitempty"`
	EndedAt   int64  `json:"ended_at,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// IssueKeyRequest is the body of a key issuance request.
type IssueKeyRequest struct {
	OwnerID string `json:"owner_id"`
}

// IssueKeyResponse is returned after a key is issued.
type IssueKeyResponse struct {
	StreamKey string `json:"stream_key"`
	IssuedAt  int64  `json:"issued_at"`
	IngestURL string `json:"ingest_url,omitempty"`
}

// ValidateResponse answers GET /api/stream/:streamKey/validate.
type ValidateResponse struct {
	Valid     bool   `json:"valid"`
	StreamKey string `json:"streamKey"`
}

// StreamsResponse answers GET /api/streams.
type StreamsResponse struct {
	Streams []StatusUpdate `json:"streams"`
	Total   int            `json:"total"`
}

// StatusResponse answers GET /api/stream/:streamKey/status.
type StatusResponse struct {
	IsLive      bool   `json:"isLive"`
	ViewerCount int    `json:"viewerCount"`
	Duration    int64  `json:"duration"`
	Bitrate     int    `json:"bitrate"`
	Resolution  string `json:"resolution"`
	Timestamp   int64  `json:"timestamp"`
}

// NewStatusResponse drops the routing fields of u.
func NewStatusResponse(u StatusUpdate) StatusResponse {
	return StatusResponse{
		IsLive:      u.IsLive,
		ViewerCount: u.ViewerCount,
		Duration:    u.Duration,
		Bitrate:     u.Bitrate,
		Resolution:  u.Resolution,
		Timestamp:   u.Timestamp,
	}
}
