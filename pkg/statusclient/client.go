// Package statusclient subscribes to stream status over the push channel
// and falls back to polling the REST status endpoint when the channel
// keeps failing.
package statusclient

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/weiawesome/wes-io-live/stream-status-service/internal/domain"
	"github.com/weiawesome/wes-io-live/stream-status-service/pkg/log"
)

// Config holds subscriber settings.
type Config struct {
	// BaseURL is the service root, e.g. https://status.example.com.
	BaseURL      string        `mapstructure:"base_url"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	PollTimeout  time.Duration `mapstructure:"poll_timeout"`
	Backoff      Backoff       `mapstructure:"backoff"`
}

// Client creates status subscriptions against one service.
type Client struct {
	config     Config
	dialer     Dialer
	httpClient *http.Client
	after      func(time.Duration) <-chan time.Time
	logger     zerolog.Logger

	subs   map[*subscription]struct{}
	mu     sync.Mutex
	closed bool
}

// ClientOption customises a Client.
type ClientOption func(*Client)

// WithDialer replaces the websocket dialer.
func WithDialer(d Dialer) ClientOption {
	return func(c *Client) { c.dialer = d }
}

// WithHTTPClient replaces the HTTP client used for polling.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithAfter replaces time.After for reconnect and poll timers.
func WithAfter(after func(time.Duration) <-chan time.Time) ClientOption {
	return func(c *Client) { c.after = after }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// New creates a Client.
func New(cfg Config, opts ...ClientOption) *Client {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 8 * time.Second
	}
	if cfg.Backoff.Base <= 0 || cfg.Backoff.Cap <= 0 || cfg.Backoff.MaxAttempts <= 0 {
		cfg.Backoff = DefaultBackoff
	}

	c := &Client{
		config:     cfg,
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		httpClient: &http.Client{},
		after:      time.After,
		logger:     log.L(),
		subs:       make(map[*subscription]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Option customises one subscription.
type Option func(*subscription)

// OnStateChange registers fn to be called on every transport state change.
// Connecting after a failure is the degraded "reconnecting" indication.
func OnStateChange(fn func(State)) Option {
	return func(s *subscription) { s.onState = fn }
}

// Subscribe starts delivering status updates for streamKey to onUpdate.
// onUpdate and state callbacks run on the subscription's own goroutine,
// one at a time. The returned func cancels any pending reconnect or poll,
// closes an open channel and waits for the subscription to stop. Called
// from inside a callback it returns without waiting; the subscription
// stops as soon as that callback returns.
func (c *Client) Subscribe(streamKey string, onUpdate func(domain.StatusUpdate), opts ...Option) (unsubscribe func()) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &subscription{
		client:    c,
		streamKey: streamKey,
		onUpdate:  onUpdate,
		cancel:    cancel,
		done:      make(chan struct{}),
		logger:    c.logger.With().Str(log.FieldStreamKey, streamKey).Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		close(s.done)
		return func() {}
	}
	c.subs[s] = struct{}{}
	c.mu.Unlock()

	go s.run(ctx)

	return func() {
		s.stop()
		c.mu.Lock()
		delete(c.subs, s)
		c.mu.Unlock()
	}
}

// Close stops every subscription.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	subs := c.subs
	c.subs = make(map[*subscription]struct{})
	c.mu.Unlock()

	for s := range subs {
		s.stop()
	}
}

// subscription drives a StatusTransport state machine for one key.
// Exactly one transport runs at a time on the run goroutine.
type subscription struct {
	client    *Client
	streamKey string
	onUpdate  func(domain.StatusUpdate)
	onState   func(State)
	logger    zerolog.Logger

	state    State
	stateMu  sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once

	// callbacks counts user callbacks in progress on the run goroutine.
	callbacks atomic.Int32
}

func (s *subscription) stop() {
	s.stopOnce.Do(s.cancel)
	if s.callbacks.Load() > 0 {
		// may be called from that callback; waiting on done would deadlock
		return
	}
	<-s.done
}

// notify runs a user callback on the run goroutine.
func (s *subscription) notify(fn func()) {
	s.callbacks.Add(1)
	defer s.callbacks.Add(-1)
	fn()
}

func (s *subscription) deliver(u domain.StatusUpdate) {
	s.notify(func() { s.onUpdate(u) })
}

// State returns the current transport state.
func (s *subscription) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

func (s *subscription) setState(st State) {
	s.stateMu.Lock()
	changed := s.state != st
	s.state = st
	s.stateMu.Unlock()

	if changed && s.onState != nil {
		s.notify(func() { s.onState(st) })
	}
}

func (s *subscription) run(ctx context.Context) {
	defer close(s.done)
	defer s.setState(Disconnected)

	c := s.client
	backoff := c.config.Backoff

	wsURL, err := pushURL(c.config.BaseURL, s.streamKey)
	if err != nil {
		s.logger.Error().Err(err).Msg("invalid status base url")
		return
	}
	httpURL, err := pollURL(c.config.BaseURL, s.streamKey)
	if err != nil {
		s.logger.Error().Err(err).Msg("invalid status base url")
		return
	}

	failures := 0
	push := &pushTransport{
		url:    wsURL,
		dialer: c.dialer,
		onOpen: func() {
			failures = 0
			s.setState(Connected)
		},
		onUpdate: s.deliver,
		logger:   s.logger,
	}

	for {
		s.setState(Connecting)
		err := push.run(ctx)
		if ctx.Err() != nil {
			return
		}

		failures++
		if backoff.Exhausted(failures) {
			s.logger.Warn().Err(err).Int("attempts", failures).Msg("push channel unavailable, falling back to polling")
			break
		}

		delay := backoff.DelayAfter(failures)
		s.logger.Info().Err(err).Int("attempt", failures).Dur("delay", delay).Msg("push channel lost, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-c.after(delay):
		}
	}

	s.setState(Polling)
	var poll transport = &pollTransport{
		url:        httpURL,
		streamKey:  s.streamKey,
		interval:   c.config.PollInterval,
		timeout:    c.config.PollTimeout,
		httpClient: c.httpClient,
		after:      c.after,
		onUpdate:   s.deliver,
		logger:     s.logger,
	}
	poll.run(ctx)
}

var (
	_ transport = (*pushTransport)(nil)
	_ transport = (*pollTransport)(nil)
)
