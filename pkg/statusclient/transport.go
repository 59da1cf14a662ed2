package statusclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/weiawesome/wes-io-live/stream-status-service/internal/domain"
)

// State is the state of a subscription's transport.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Polling
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Polling:
		return "polling"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Dialer opens push connections. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// transport is the strategy run while a subscription is in one state.
// run blocks until the transport fails or ctx is cancelled.
type transport interface {
	run(ctx context.Context) error
}

// pushTransport holds one websocket open and forwards every message.
type pushTransport struct {
	url      string
	dialer   Dialer
	onOpen   func()
	onUpdate func(domain.StatusUpdate)
	logger   zerolog.Logger
}

func (t *pushTransport) run(ctx context.Context) error {
	conn, _, err := t.dialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrChannelDisconnected, err)
	}
	defer conn.Close()

	t.onOpen()

	// Closing the connection unblocks the read below on cancellation.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
		case <-stop:
		}
	}()

	for {
		var update domain.StatusUpdate
		if err := conn.ReadJSON(&update); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: %v", domain.ErrChannelDisconnected, err)
		}
		t.onUpdate(update)
	}
}

// pollTransport fetches the REST status on a fixed interval.
type pollTransport struct {
	url        string
	streamKey  string
	interval   time.Duration
	timeout    time.Duration
	httpClient *http.Client
	after      func(time.Duration) <-chan time.Time
	onUpdate   func(domain.StatusUpdate)
	logger     zerolog.Logger
}

// run fetches immediately, then once per interval. The next tick is armed
// before each fetch so a slow response does not stretch the cadence.
func (t *pollTransport) run(ctx context.Context) error {
	for {
		tick := t.after(t.interval)
		update, err := t.fetch(ctx)
		switch {
		case err == nil:
			t.onUpdate(update)
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			t.logger.Warn().Err(err).Msg("status poll failed")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick:
		}
	}
}

func (t *pollTransport) fetch(ctx context.Context) (domain.StatusUpdate, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url, nil)
	if err != nil {
		return domain.StatusUpdate{}, fmt.Errorf("%w: %v", domain.ErrPollFailed, err)
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return domain.StatusUpdate{}, fmt.Errorf("%w: %v", domain.ErrPollFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return domain.StatusUpdate{}, fmt.Errorf("%w: status %d", domain.ErrPollFailed, resp.StatusCode)
	}

	var body domain.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return domain.StatusUpdate{}, fmt.Errorf("%w: %v", domain.ErrPollFailed, err)
	}
	return domain.StatusUpdate{
		StreamKey:   t.streamKey,
		IsLive:      body.IsLive,
		ViewerCount: body.ViewerCount,
		Duration:    body.Duration,
		Bitrate:     body.Bitrate,
		Resolution:  body.Resolution,
		Timestamp:   body.Timestamp,
	}, nil
}

func pushURL(base, streamKey string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = "/ws/stream/" + url.PathEscape(streamKey)
	return u.String(), nil
}

func pollURL(base, streamKey string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	u.Path = "/api/stream/" + url.PathEscape(streamKey) + "/status"
	return u.String(), nil
}
