package engine

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Engine is the external media engine as seen by this service: something
// that delivers lifecycle callbacks and can be started and stopped.
type Engine interface {
	Register(h Hooks)
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Running() bool
}

// Config holds media engine integration settings.
type Config struct {
	HookAddress string        `mapstructure:"hook_address"`
	Process     ProcessConfig `mapstructure:"process"`
}

// Managed pairs the callback listener with an optional supervised process.
type Managed struct {
	hooks   *HookServer
	process *Process
	started atomic.Bool
	logger  zerolog.Logger
}

// NewManaged creates the engine integration. A process is supervised only
// when cfg.Process.Command is set; onFault receives its unexpected exits.
func NewManaged(cfg Config, logger zerolog.Logger, onFault func(error)) *Managed {
	m := &Managed{
		hooks:  NewHookServer(cfg.HookAddress, logger.With().Str("component", "engine_hooks").Logger()),
		logger: logger,
	}
	if cfg.Process.Command != "" {
		m.process = NewProcess(cfg.Process, logger, onFault)
	}
	return m
}

// Register sets the callback target.
func (m *Managed) Register(h Hooks) {
	m.hooks.Register(h)
}

// HookServer exposes the callback listener.
func (m *Managed) HookServer() *HookServer {
	return m.hooks
}

// Start binds the callback listener, then launches the process if any.
func (m *Managed) Start(ctx context.Context) error {
	if err := m.hooks.Start(); err != nil {
		return err
	}
	if m.process != nil {
		if err := m.process.Start(); err != nil {
			_ = m.hooks.Shutdown(ctx)
			return err
		}
	}
	m.started.Store(true)
	return nil
}

// Stop terminates the process and closes the callback listener. Both are
// attempted even if the first fails.
func (m *Managed) Stop(ctx context.Context) error {
	var errs []error
	if m.process != nil {
		if err := m.process.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := m.hooks.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	m.started.Store(false)
	return errors.Join(errs...)
}

// Running reports whether the engine is up. Without a supervised process
// this is true while the callback listener is open.
func (m *Managed) Running() bool {
	if !m.started.Load() {
		return false
	}
	if m.process != nil {
		return m.process.Running()
	}
	return true
}

var _ Engine = (*Managed)(nil)
