package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/weiawesome/wes-io-live/stream-status-service/internal/domain"
	"github.com/weiawesome/wes-io-live/stream-status-service/internal/metrics"
	"github.com/weiawesome/wes-io-live/stream-status-service/pkg/log"
)

// Heartbeat profiles.
const (
	ProfileNominal  = "nominal"
	ProfileDegraded = "degraded"
)

// Config controls heartbeat and shutdown.
type Config struct {
	Profile string `mapstructure:"profile"`
	// HeartbeatInterval overrides the profile interval when set.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

// Interval returns the heartbeat interval for the configured profile.
func (c Config) Interval() time.Duration {
	if c.HeartbeatInterval > 0 {
		return c.HeartbeatInterval
	}
	if strings.EqualFold(c.Profile, ProfileDegraded) {
		return 45 * time.Second
	}
	return 30 * time.Second
}

// SessionStats is what the heartbeat reports about the registry.
type SessionStats interface {
	GetStreamCount() int
	TotalViewers() int
}

// Stage is one step of the shutdown sequence.
type Stage struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Coordinator owns process-level concerns: the heartbeat, the staged
// shutdown sequence and fault handling.
type Coordinator struct {
	config   Config
	stats    SessionStats
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	engineUp func() bool
	prune    func() int
	exit     func(code int)
	started  time.Time

	stages []Stage

	fatal     chan error
	fatalOnce sync.Once

	hbCancel context.CancelFunc
	hbDone   chan struct{}
	hbMu     sync.Mutex

	shutdownOnce sync.Once
	shutdownErr  error
}

// Option customises a Coordinator.
type Option func(*Coordinator)

// WithEngineStatus reports media engine liveness in heartbeats.
func WithEngineStatus(up func() bool) Option {
	return func(c *Coordinator) { c.engineUp = up }
}

// WithPruner runs fn on every heartbeat, typically to drop idle rate limiters.
func WithPruner(fn func() int) Option {
	return func(c *Coordinator) { c.prune = fn }
}

// WithExit replaces os.Exit.
func WithExit(exit func(code int)) Option {
	return func(c *Coordinator) { c.exit = exit }
}

// New creates a Coordinator.
func New(cfg Config, stats SessionStats, m *metrics.Metrics, logger zerolog.Logger, opts ...Option) *Coordinator {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 9 * time.Second
	}
	c := &Coordinator{
		config:  cfg,
		stats:   stats,
		metrics: m,
		logger:  logger.With().Str("component", "lifecycle").Logger(),
		exit:    os.Exit,
		started: time.Now(),
		fatal:   make(chan error, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AddStage appends a shutdown stage. Stages run in the order added.
func (c *Coordinator) AddStage(name string, fn func(ctx context.Context) error) {
	c.stages = append(c.stages, Stage{Name: name, Fn: fn})
}

// StartHeartbeat begins periodic heartbeats until ctx is cancelled or
// StopHeartbeat is called.
func (c *Coordinator) StartHeartbeat(ctx context.Context) {
	c.hbMu.Lock()
	defer c.hbMu.Unlock()
	if c.hbCancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	c.hbCancel = cancel
	c.hbDone = make(chan struct{})

	interval := c.config.Interval()
	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Heartbeat()
			}
		}
	}(c.hbDone)

	c.logger.Info().Dur("interval", interval).Str("profile", c.config.Profile).Msg("heartbeat started")
}

// StopHeartbeat stops the heartbeat and waits for it to exit.
func (c *Coordinator) StopHeartbeat() {
	c.hbMu.Lock()
	cancel, done := c.hbCancel, c.hbDone
	c.hbCancel, c.hbDone = nil, nil
	c.hbMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Heartbeat logs one status line and refreshes gauges.
func (c *Coordinator) Heartbeat() {
	streams := c.stats.GetStreamCount()
	viewers := c.stats.TotalViewers()
	engineUp := c.engineUp == nil || c.engineUp()

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	pruned := 0
	if c.prune != nil {
		pruned = c.prune()
	}

	c.metrics.ActiveStreams.Set(float64(streams))
	c.metrics.TotalViewers.Set(float64(viewers))
	if engineUp {
		c.metrics.EngineUp.Set(1)
	} else {
		c.metrics.EngineUp.Set(0)
	}

	c.logger.Info().
		Int("sessions", streams).
		Int(log.FieldViewers, viewers).
		Bool("engine_up", engineUp).
		Dur("uptime", time.Since(c.started).Round(time.Second)).
		Uint64("heap_alloc_bytes", mem.HeapAlloc).
		Int("limiters_pruned", pruned).
		Msg("heartbeat")
}

// ReportFault logs err and, when it is fatal, asks Run to shut down.
func (c *Coordinator) ReportFault(err error) FaultClass {
	class := Classify(err)
	c.metrics.Faults.WithLabelValues(class.String()).Inc()

	if class == FaultNonFatal {
		c.logger.Warn().Err(err).Str(log.FieldFault, class.String()).Msg("non-fatal fault, continuing")
		return class
	}

	c.logger.Error().Err(err).Str(log.FieldFault, class.String()).Msg("fatal fault, shutting down")
	c.fatalOnce.Do(func() {
		c.fatal <- err
	})
	return class
}

// Go runs fn in the background. A returned error or a panic is reported
// as a fault.
func (c *Coordinator) Go(name string, fn func() error) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				c.ReportFault(fmt.Errorf("%w: %s panicked: %v", domain.ErrFatalProcessFault, name, r))
			}
		}()
		if err := fn(); err != nil {
			c.ReportFault(fmt.Errorf("%s: %w", name, err))
		}
	}()
}

// Run starts the heartbeat and blocks until ctx is cancelled or a fatal
// fault is reported, then shuts down. It returns the fatal fault, if any.
func (c *Coordinator) Run(ctx context.Context) error {
	c.StartHeartbeat(context.Background())

	var cause error
	select {
	case <-ctx.Done():
		c.logger.Info().Msg("termination requested")
	case cause = <-c.fatal:
	}

	c.Shutdown()
	return cause
}

// Shutdown stops the heartbeat and runs every stage in order. Each stage
// is best-effort: failures are logged and later stages still run. If the
// whole sequence exceeds ShutdownTimeout the process is force-terminated
// with exit code 1.
func (c *Coordinator) Shutdown() error {
	c.shutdownOnce.Do(func() {
		c.shutdownErr = c.shutdown()
	})
	return c.shutdownErr
}

func (c *Coordinator) shutdown() error {
	timeout := c.config.ShutdownTimeout
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	c.logger.Info().Dur("timeout", timeout).Msg("shutting down")

	done := make(chan error, 1)
	go func() {
		done <- c.runStages(ctx)
	}()

	select {
	case err := <-done:
		c.logger.Info().Dur("uptime", time.Since(c.started).Round(time.Second)).Msg("shutdown complete")
		return err
	case <-ctx.Done():
		c.logger.Error().Dur("timeout", timeout).Msg("shutdown did not drain in time, forcing exit")
		c.exit(1)
		return ctx.Err()
	}
}

func (c *Coordinator) runStages(ctx context.Context) error {
	var errs []error

	stages := append([]Stage{{Name: "heartbeat", Fn: func(context.Context) error {
		c.StopHeartbeat()
		return nil
	}}}, c.stages...)

	for _, st := range stages {
		l := c.logger.With().Str(log.FieldStage, st.Name).Logger()
		start := time.Now()

		if err := runStage(ctx, st); err != nil {
			l.Warn().Err(err).Dur("took", time.Since(start)).Msg("shutdown stage failed")
			errs = append(errs, fmt.Errorf("%s: %w", st.Name, err))
			continue
		}
		l.Info().Dur("took", time.Since(start)).Msg("shutdown stage done")
	}
	return errors.Join(errs...)
}

func runStage(ctx context.Context, st Stage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stage panicked: %v", r)
		}
	}()
	return st.Fn(ctx)
}
