package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/weiawesome/wes-io-live/stream-status-service/internal/domain"
	"github.com/weiawesome/wes-io-live/stream-status-service/internal/metrics"
	"github.com/weiawesome/wes-io-live/stream-status-service/pkg/log"
)

// ErrStopped is returned when joining a hub that has shut down.
var ErrStopped = errors.New("status hub stopped")

// Config holds push channel settings.
type Config struct {
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
	SendBuffer     int           `mapstructure:"send_buffer"`
	QueueSize      int           `mapstructure:"queue_size"`
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		PingInterval:   30 * time.Second,
		PongWait:       60 * time.Second,
		WriteWait:      10 * time.Second,
		MaxMessageSize: 512,
		SendBuffer:     64,
		QueueSize:      1024,
	}
}

// SnapshotFunc returns the current status of a stream.
type SnapshotFunc func(streamKey string) domain.StatusUpdate

type opKind int

const (
	opJoin opKind = iota
	opLeave
	opUpdate
)

type op struct {
	kind   opKind
	client *Client
	update domain.StatusUpdate
}

// Hub fans status updates out to push clients grouped by stream key.
// Joins, leaves and updates travel through one queue, so a client's
// join snapshot and every later update reach it in registry order.
type Hub struct {
	config   Config
	snapshot SnapshotFunc
	metrics  *metrics.Metrics

	groups map[string]map[string]*Client // streamKey -> clientID -> client
	mu     sync.RWMutex

	ops  chan op
	stop chan struct{}

	// keys whose update was dropped on a full queue; resynced from a snapshot
	dirty   map[string]struct{}
	dirtyMu sync.Mutex
	resync  chan struct{}

	done     chan struct{}
	stopOnce sync.Once
}

// New creates a Hub. Call Run to start it.
func New(cfg Config, snapshot SnapshotFunc, m *metrics.Metrics) *Hub {
	def := DefaultConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = def.PongWait
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = def.WriteWait
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}

	return &Hub{
		config:   cfg,
		snapshot: snapshot,
		metrics:  m,
		groups:   make(map[string]map[string]*Client),
		ops:      make(chan op, cfg.QueueSize),
		dirty:    make(map[string]struct{}),
		resync:   make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run processes the queue until ctx is cancelled or Stop is called.
// Every client still connected is closed on return.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	defer h.closeAll()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stop:
			return
		case o := <-h.ops:
			switch o.kind {
			case opJoin:
				h.join(o.client)
			case opLeave:
				h.remove(o.client)
			case opUpdate:
				h.broadcast(o.update)
			}
		case <-h.resync:
			h.resyncDirty()
		}
	}
}

// Stop shuts the hub down and waits for Run to close every client.
func (h *Hub) Stop(ctx context.Context) error {
	h.stopOnce.Do(func() { close(h.stop) })
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Join subscribes client to its stream key. The current snapshot is
// taken when the join is processed, not when it is queued.
func (h *Hub) Join(client *Client) error {
	select {
	case h.ops <- op{kind: opJoin, client: client}:
		return nil
	case <-h.done:
		return ErrStopped
	case <-h.stop:
		return ErrStopped
	}
}

// Leave unsubscribes client and closes its send queue.
func (h *Hub) Leave(client *Client) {
	select {
	case h.ops <- op{kind: opLeave, client: client}:
	case <-h.done:
	case <-h.stop:
	}
}

// Publish queues an update without blocking. It is safe to call with the
// registry lock held. When the queue is full the update is dropped and the
// key is marked for a resync: the run loop later sends its subscribers a
// fresh snapshot, so the last state of a stream is never lost.
func (h *Hub) Publish(update domain.StatusUpdate) {
	select {
	case h.ops <- op{kind: opUpdate, update: update}:
		return
	default:
	}

	h.metrics.StatusDropped.Inc()
	h.dirtyMu.Lock()
	h.dirty[update.StreamKey] = struct{}{}
	h.dirtyMu.Unlock()
	select {
	case h.resync <- struct{}{}:
	default:
	}

	l := log.L()
	l.Warn().Str(log.FieldStreamKey, update.StreamKey).Uint64("revision", update.Revision).Msg("status queue full, resync scheduled")
}

// resyncDirty must only be called from the run loop.
func (h *Hub) resyncDirty() {
	h.dirtyMu.Lock()
	keys := h.dirty
	h.dirty = make(map[string]struct{})
	h.dirtyMu.Unlock()

	for key := range keys {
		if h.Subscribers(key) == 0 {
			continue
		}
		h.broadcast(h.snapshot(key))
	}
}

// Subscribers returns the number of clients watching streamKey.
func (h *Hub) Subscribers(streamKey string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[streamKey])
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, g := range h.groups {
		n += len(g)
	}
	return n
}

func (h *Hub) join(c *Client) {
	h.mu.Lock()
	g, ok := h.groups[c.StreamKey]
	if !ok {
		g = make(map[string]*Client)
		h.groups[c.StreamKey] = g
	}
	g[c.ID] = c
	h.mu.Unlock()

	h.metrics.StatusConnections.Inc()
	l := log.L()
	l.Debug().Str("client_id", c.ID).Str(log.FieldStreamKey, c.StreamKey).Msg("client joined")

	h.deliver(c, h.snapshot(c.StreamKey), "snapshot")
}

func (h *Hub) broadcast(update domain.StatusUpdate) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.groups[update.StreamKey]))
	for _, c := range h.groups[update.StreamKey] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.deliver(c, update, "update")
	}
}

// deliver must only be called from the run loop.
func (h *Hub) deliver(c *Client, update domain.StatusUpdate, kind string) {
	if !c.accept(update) {
		return
	}

	data, err := json.Marshal(update)
	if err != nil {
		l := log.L()
		l.Error().Err(err).Str(log.FieldStreamKey, update.StreamKey).Msg("failed to encode status update")
		return
	}

	select {
	case c.send <- data:
		h.metrics.StatusMessages.WithLabelValues(kind).Inc()
	default:
		// A client that cannot keep up is disconnected and will resync
		// from a fresh snapshot when it reconnects.
		h.metrics.StatusDropped.Inc()
		l := log.L()
		l.Warn().Str("client_id", c.ID).Str(log.FieldStreamKey, c.StreamKey).Msg("client too slow, disconnecting")
		h.remove(c)
	}
}

// remove must only be called from the run loop.
func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	g, ok := h.groups[c.StreamKey]
	if ok {
		if _, member := g[c.ID]; member {
			delete(g, c.ID)
			if len(g) == 0 {
				delete(h.groups, c.StreamKey)
			}
		} else {
			ok = false
		}
	}
	h.mu.Unlock()

	if !ok {
		return
	}
	close(c.send)
	h.metrics.StatusConnections.Dec()
	l := log.L()
	l.Debug().Str("client_id", c.ID).Str(log.FieldStreamKey, c.StreamKey).Msg("client left")
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	groups := h.groups
	h.groups = make(map[string]map[string]*Client)
	h.mu.Unlock()

	n := 0
	for _, g := range groups {
		for _, c := range g {
			close(c.send)
			h.metrics.StatusConnections.Dec()
			n++
		}
	}
	l := log.L()
	l.Info().Int("clients", n).Msg("status hub stopped")
}
