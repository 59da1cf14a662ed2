package engine

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/wes-io-live/stream-status-service/internal/domain"
)

type call struct {
	event Event
	path  string
	key   string
	stats domain.StreamStats
}

type recordingHooks struct {
	mu    sync.Mutex
	calls []call
	allow bool
}

func (h *recordingHooks) record(c call) Result {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, c)
	return Result{Event: c.event, StreamKey: c.key, Allow: h.allow}
}

func (h *recordingHooks) OnPrePublish(_ context.Context, path, key string) Result {
	return h.record(call{event: EventPrePublish, path: path, key: key})
}
func (h *recordingHooks) OnPostPublish(_ context.Context, path string) Result {
	return h.record(call{event: EventPostPublish, path: path})
}
func (h *recordingHooks) OnDonePublish(_ context.Context, path string) Result {
	return h.record(call{event: EventDonePublish, path: path})
}
func (h *recordingHooks) OnPrePlay(_ context.Context, path string) Result {
	return h.record(call{event: EventPrePlay, path: path})
}
func (h *recordingHooks) OnPostPlay(_ context.Context, path string) Result {
	return h.record(call{event: EventPostPlay, path: path})
}
func (h *recordingHooks) OnDonePlay(_ context.Context, path string) Result {
	return h.record(call{event: EventDonePlay, path: path})
}
func (h *recordingHooks) OnStats(_ context.Context, path string, stats domain.StreamStats) Result {
	return h.record(call{event: EventStats, path: path, stats: stats})
}

func post(t *testing.T, h http.Handler, target, contentType, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestKeyFromPath(t *testing.T) {
	assert.Equal(t, "nf_1_abcdefgh", KeyFromPath("/live/nf_1_abcdefgh"))
	assert.Equal(t, "nf_1_abcdefgh", KeyFromPath("/live/nf_1_abcdefgh/"))
	assert.Equal(t, "key", KeyFromPath("key"))
	assert.Equal(t, "", KeyFromPath(""))
}

func TestHookServerJSONCallbacks(t *testing.T) {
	hooks := &recordingHooks{allow: true}
	srv := NewHookServer("127.0.0.1:0", zerolog.Nop())
	srv.Register(hooks)
	h := srv.Handler()

	rec := post(t, h, "/hooks/pre_publish", "application/json", `{"path":"/live/nf_1_abcdefgh"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"code":0}`, rec.Body.String())

	rec = post(t, h, "/hooks/post_play", "application/json", `{"app":"live","name":"nf_1_abcdefgh"}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = post(t, h, "/hooks/stats", "application/json", `{"path":"/live/k","bitrate_kbps":3000,"resolution":"1920x1080"}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, hooks.calls, 3)
	assert.Equal(t, call{event: EventPrePublish, path: "/live/nf_1_abcdefgh", key: "nf_1_abcdefgh"}, hooks.calls[0])
	assert.Equal(t, "/live/nf_1_abcdefgh", hooks.calls[1].path)
	assert.Equal(t, domain.StreamStats{BitrateKbps: 3000, Resolution: "1920x1080"}, hooks.calls[2].stats)
}

func TestHookServerFormCallbackAndDeny(t *testing.T) {
	hooks := &recordingHooks{allow: false}
	srv := NewHookServer("127.0.0.1:0", zerolog.Nop())
	srv.Register(hooks)

	form := url.Values{"app": {"live"}, "name": {"nf_1_abc"}}
	rec := post(t, srv.Handler(), "/hooks/pre_publish", "application/x-www-form-urlencoded", form.Encode())

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.JSONEq(t, `{"code":403}`, rec.Body.String())
	require.Len(t, hooks.calls, 1)
	assert.Equal(t, "nf_1_abc", hooks.calls[0].key)
}

func TestHookServerRejectsUnknownAndBadInput(t *testing.T) {
	srv := NewHookServer("127.0.0.1:0", zerolog.Nop())
	h := srv.Handler()

	// No hooks registered yet.
	rec := post(t, h, "/hooks/pre_publish", "application/json", `{"path":"/live/k"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	srv.Register(&recordingHooks{allow: true})

	rec = post(t, h, "/hooks/on_connect", "application/json", `{"path":"/live/k"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = post(t, h, "/hooks/pre_publish", "application/json", `{not json`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/hooks/pre_publish", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestManagedWithoutProcess(t *testing.T) {
	m := NewManaged(Config{HookAddress: "127.0.0.1:0"}, zerolog.Nop(), nil)
	assert.False(t, m.Running())

	require.NoError(t, m.Start(context.Background()))
	assert.True(t, m.Running())

	require.NoError(t, m.Stop(context.Background()))
	assert.False(t, m.Running())
}

func TestProcessUnexpectedExitIsEngineFault(t *testing.T) {
	faults := make(chan error, 1)
	p := NewProcess(ProcessConfig{Command: "sh", Args: []string{"-c", "exit 3"}}, zerolog.Nop(), func(err error) {
		faults <- err
	})
	require.NoError(t, p.Start())

	select {
	case err := <-faults:
		assert.True(t, errors.Is(err, domain.ErrExternalEngineFault))
	case <-time.After(5 * time.Second):
		t.Fatal("exit not reported")
	}
	assert.False(t, p.Running())
}

func TestProcessStop(t *testing.T) {
	faults := make(chan error, 1)
	p := NewProcess(ProcessConfig{Command: "sleep", Args: []string{"30"}, StopTimeout: 2 * time.Second}, zerolog.Nop(), func(err error) {
		faults <- err
	})
	require.NoError(t, p.Start())
	assert.True(t, p.Running())

	require.NoError(t, p.Stop(context.Background()))
	assert.False(t, p.Running())

	select {
	case err := <-faults:
		t.Fatalf("stop reported as fault: %v", err)
	default:
	}
}

func TestProcessStartFailure(t *testing.T) {
	p := NewProcess(ProcessConfig{Command: "/nonexistent/media-server"}, zerolog.Nop(), nil)
	err := p.Start()
	assert.ErrorIs(t, err, domain.ErrExternalEngineFault)
}
