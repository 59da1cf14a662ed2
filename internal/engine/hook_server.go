package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/weiawesome/wes-io-live/stream-status-service/internal/domain"
	"github.com/weiawesome/wes-io-live/stream-status-service/pkg/log"
)

// CallbackRequest is the body the media engine posts to /hooks/{event}.
// Either Path or App+Name identifies the stream.
type CallbackRequest struct {
	Path        string `json:"path"`
	App         string `json:"app"`
	Name        string `json:"name"`
	StreamKey   string `json:"stream_key"`
	ClientIP    string `json:"addr"`
	BitrateKbps int    `json:"bitrate_kbps"`
	Resolution  string `json:"resolution"`
}

// ResolvedPath returns Path, or /App/Name when Path is empty.
func (r *CallbackRequest) ResolvedPath() string {
	if r.Path != "" {
		return r.Path
	}
	if r.App == "" && r.Name == "" {
		return ""
	}
	return "/" + strings.Trim(r.App, "/") + "/" + strings.Trim(r.Name, "/")
}

// ResolvedKey returns StreamKey, or the path tail.
func (r *CallbackRequest) ResolvedKey() string {
	if r.StreamKey != "" {
		return r.StreamKey
	}
	return KeyFromPath(r.ResolvedPath())
}

type callbackResponse struct {
	Code int `json:"code"`
}

// HookServer receives engine callbacks over HTTP and dispatches them to
// the registered Hooks. It listens on its own internal address.
type HookServer struct {
	addr   string
	logger zerolog.Logger

	hooks  Hooks
	mu     sync.RWMutex
	server *http.Server
}

// NewHookServer creates a callback listener on addr.
func NewHookServer(addr string, logger zerolog.Logger) *HookServer {
	return &HookServer{addr: addr, logger: logger}
}

// Register sets the callback target.
func (s *HookServer) Register(h Hooks) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = h
}

// Handler returns the callback HTTP handler.
func (s *HookServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/hooks/", s.handleCallback)
	return log.HTTPMiddleware(s.logger)(mux)
}

// Start begins listening. It returns once the listener is bound.
func (s *HookServer) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()

	go func() {
		s.logger.Info().Str("addr", ln.Addr().String()).Msg("engine callback listener started")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("engine callback listener error")
		}
	}()
	return nil
}

// Shutdown stops accepting callbacks.
func (s *HookServer) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	srv := s.server
	s.mu.RUnlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *HookServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	event := Event(strings.TrimPrefix(r.URL.Path, "/hooks/"))
	req, err := decodeCallback(r)
	if err != nil {
		l := log.Ctx(r.Context())
		l.Warn().Err(err).Msg("failed to decode engine callback")
		writeDecision(w, false)
		return
	}

	s.mu.RLock()
	hooks := s.hooks
	s.mu.RUnlock()
	if hooks == nil {
		writeDecision(w, false)
		return
	}

	res, known := Dispatch(r.Context(), hooks, event, req)
	if !known {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeDecision(w, res.Allow)
}

// Dispatch routes one callback to hooks. The second return value is false
// for unknown events.
func Dispatch(ctx context.Context, hooks Hooks, event Event, req *CallbackRequest) (Result, bool) {
	path := req.ResolvedPath()

	switch event {
	case EventPrePublish:
		return hooks.OnPrePublish(ctx, path, req.ResolvedKey()), true
	case EventPostPublish:
		return hooks.OnPostPublish(ctx, path), true
	case EventDonePublish:
		return hooks.OnDonePublish(ctx, path), true
	case EventPrePlay:
		return hooks.OnPrePlay(ctx, path), true
	case EventPostPlay:
		return hooks.OnPostPlay(ctx, path), true
	case EventDonePlay:
		return hooks.OnDonePlay(ctx, path), true
	case EventStats:
		sh, ok := hooks.(StatsHooks)
		if !ok {
			return Result{Event: event, StreamKey: req.ResolvedKey(), Allow: true}, true
		}
		return sh.OnStats(ctx, path, domain.StreamStats{
			BitrateKbps: req.BitrateKbps,
			Resolution:  req.Resolution,
		}), true
	default:
		return Result{Event: event}, false
	}
}

// decodeCallback accepts JSON bodies and form posts.
func decodeCallback(r *http.Request) (*CallbackRequest, error) {
	var req CallbackRequest

	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "application/json" {
		if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&req); err != nil {
			return nil, err
		}
		return &req, nil
	}

	if err := r.ParseForm(); err != nil {
		return nil, err
	}
	req.Path = r.Form.Get("path")
	req.App = r.Form.Get("app")
	req.Name = r.Form.Get("name")
	req.StreamKey = r.Form.Get("stream_key")
	req.ClientIP = r.Form.Get("addr")
	req.Resolution = r.Form.Get("resolution")
	if v := r.Form.Get("bitrate_kbps"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, err
		}
		req.BitrateKbps = n
	}
	return &req, nil
}

// writeDecision answers the engine. Denials carry no reason.
func writeDecision(w http.ResponseWriter, allow bool) {
	w.Header().Set("Content-Type", "application/json")
	if allow {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(callbackResponse{Code: 0})
		return
	}
	w.WriteHeader(http.StatusForbidden)
	json.NewEncoder(w).Encode(callbackResponse{Code: http.StatusForbidden})
}
