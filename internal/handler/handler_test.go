package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/wes-io-live/stream-status-service/internal/domain"
	"github.com/weiawesome/wes-io-live/stream-status-service/internal/hub"
	"github.com/weiawesome/wes-io-live/stream-status-service/internal/metrics"
	"github.com/weiawesome/wes-io-live/stream-status-service/internal/registry"
	"github.com/weiawesome/wes-io-live/stream-status-service/internal/streamkey"
	"github.com/weiawesome/wes-io-live/stream-status-service/pkg/jwt"
	"github.com/weiawesome/wes-io-live/stream-status-service/pkg/middleware"
)

const liveKey = "nf_1710000000_abcdefgh"

type testServer struct {
	router *gin.Engine
	reg    *registry.Registry
	hub    *hub.Hub
}

func newTestServer(t *testing.T, auth *middleware.AuthMiddleware) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	m := metrics.New(prometheus.NewRegistry())
	reg := registry.New()
	h := hub.New(hub.Config{}, reg.Snapshot, m)
	reg.SetListener(h.Publish)

	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(cancel)

	r := gin.New()
	NewHandler(reg, streamkey.NewIssuer(streamkey.Config{}), auth, m, Options{
		IngestBaseURL: "rtmp://localhost:1935/live/",
		RateWindow:    10 * time.Second,
		Version:       "test",
	}).RegisterRoutes(r)
	NewWSHandler(h).RegisterRoutes(r)

	return &testServer{router: r, reg: reg, hub: h}
}

func (s *testServer) do(method, target, body string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestGetStatusUnknownKey(t *testing.T) {
	s := newTestServer(t, middleware.NewAuthMiddleware(nil))

	rec := s.do(http.MethodGet, "/api/stream/unknown_key/status", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, false, body["isLive"])
	assert.Equal(t, float64(0), body["viewerCount"])
	assert.Equal(t, float64(0), body["duration"])
	assert.Equal(t, float64(0), body["bitrate"])
	assert.Equal(t, "", body["resolution"])
	assert.Contains(t, body, "timestamp")
	assert.NotContains(t, body, "revision")
}

func TestGetStatusLiveKey(t *testing.T) {
	s := newTestServer(t, middleware.NewAuthMiddleware(nil))
	s.reg.AddStream(liveKey)
	s.reg.IncrementViewerCount(liveKey)
	s.reg.UpdateStats(liveKey, domain.StreamStats{BitrateKbps: 2500, Resolution: "1280x720"})

	body := decode(t, s.do(http.MethodGet, "/api/stream/"+liveKey+"/status", "", nil))
	assert.Equal(t, true, body["isLive"])
	assert.Equal(t, float64(1), body["viewerCount"])
	assert.Equal(t, float64(2500), body["bitrate"])
	assert.Equal(t, "1280x720", body["resolution"])
}

func TestValidateKey(t *testing.T) {
	s := newTestServer(t, middleware.NewAuthMiddleware(nil))

	rec := s.do(http.MethodGet, "/api/stream/"+liveKey+"/validate", "", nil)
	assert.JSONEq(t, `{"valid":true,"streamKey":"`+liveKey+`"}`, rec.Body.String())

	rec = s.do(http.MethodGet, "/api/stream/nf_1710000000_abc/validate", "", nil)
	assert.JSONEq(t, `{"valid":false,"streamKey":"nf_1710000000_abc"}`, rec.Body.String())
}

func TestListStreams(t *testing.T) {
	s := newTestServer(t, middleware.NewAuthMiddleware(nil))

	rec := s.do(http.MethodGet, "/api/streams", "", nil)
	assert.JSONEq(t, `{"streams":[],"total":0}`, rec.Body.String())

	s.reg.AddStream(liveKey)
	s.reg.AddStream("nf_1710000001_zyxwvuts")
	body := decode(t, s.do(http.MethodGet, "/api/streams", "", nil))
	assert.Equal(t, float64(2), body["total"])
	assert.Len(t, body["streams"], 2)
}

func TestIssueKeyFromBody(t *testing.T) {
	s := newTestServer(t, middleware.NewAuthMiddleware(nil))

	rec := s.do(http.MethodPost, "/api/stream/keys", `{"owner_id":"performer-1"}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp struct {
		Success bool                    `json:"success"`
		Data    domain.IssueKeyResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.True(t, strings.HasPrefix(resp.Data.StreamKey, "nf_"))
	assert.Equal(t, "rtmp://localhost:1935/live/"+resp.Data.StreamKey, resp.Data.IngestURL)

	validate := decode(t, s.do(http.MethodGet, "/api/stream/"+resp.Data.StreamKey+"/validate", "", nil))
	assert.Equal(t, true, validate["valid"])

	rec = s.do(http.MethodPost, "/api/stream/keys", `{"owner_id":"performer-1"}`, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "10", rec.Header().Get("Retry-After"))

	rec = s.do(http.MethodPost, "/api/stream/keys", `{"owner_id":"performer-2"}`, nil)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestIssueKeyRequiresOwner(t *testing.T) {
	s := newTestServer(t, middleware.NewAuthMiddleware(nil))

	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodPost, "/api/stream/keys", `{}`, nil).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodPost, "/api/stream/keys", `not json`, nil).Code)
}

func TestIssueKeyWithToken(t *testing.T) {
	verifier := jwt.NewVerifier("test-secret", "")
	s := newTestServer(t, middleware.NewAuthMiddleware(verifier))

	rec := s.do(http.MethodPost, "/api/stream/keys", `{"owner_id":"spoofed"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token, err := verifier.Sign("user-42", time.Minute)
	require.NoError(t, err)
	rec = s.do(http.MethodPost, "/api/stream/keys", "", http.Header{"Authorization": {"Bearer " + token}})
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(http.MethodPost, "/api/stream/keys", "", http.Header{"Authorization": {"Bearer garbage"}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t, middleware.NewAuthMiddleware(nil))

	body := decode(t, s.do(http.MethodGet, "/health", "", nil))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, true, body["engine"])

	s.do(http.MethodPost, "/api/stream/keys", `{"owner_id":"performer-1"}`, nil)
	rec := s.do(http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "stream_status_keys_issued_total 1")
}

func TestWebSocketPush(t *testing.T) {
	s := newTestServer(t, middleware.NewAuthMiddleware(nil))
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/stream/" + liveKey
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var snap domain.StatusUpdate
	require.NoError(t, conn.ReadJSON(&snap))
	assert.False(t, snap.IsLive)
	assert.Equal(t, liveKey, snap.StreamKey)

	s.reg.AddStream(liveKey)
	var live domain.StatusUpdate
	require.NoError(t, conn.ReadJSON(&live))
	assert.True(t, live.IsLive)
	assert.Equal(t, 1, s.hub.Subscribers(liveKey))
}
