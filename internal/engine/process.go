package engine

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/weiawesome/wes-io-live/stream-status-service/internal/domain"
)

// ProcessConfig describes an external media server binary to supervise.
type ProcessConfig struct {
	Command     string        `mapstructure:"command"`
	Args        []string      `mapstructure:"args"`
	WorkDir     string        `mapstructure:"work_dir"`
	Env         []string      `mapstructure:"env"`
	StopTimeout time.Duration `mapstructure:"stop_timeout"`
}

// Process supervises one media server process.
type Process struct {
	config ProcessConfig
	logger zerolog.Logger
	onExit func(error)

	cmd      *exec.Cmd
	done     chan struct{}
	stopping bool
	mu       sync.Mutex
}

// NewProcess creates a supervisor. onExit receives an error wrapping
// domain.ErrExternalEngineFault when the process exits on its own.
func NewProcess(cfg ProcessConfig, logger zerolog.Logger, onExit func(error)) *Process {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	return &Process{
		config: cfg,
		logger: logger.With().Str("component", "engine_process").Logger(),
		onExit: onExit,
	}
}

// Start launches the process.
func (p *Process) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd != nil {
		return fmt.Errorf("engine process already running")
	}

	cmd := exec.Command(p.config.Command, p.config.Args...)
	cmd.Dir = p.config.WorkDir
	cmd.Env = append(os.Environ(), p.config.Env...)
	cmd.Stdout = p.logger.With().Str("stream", "stdout").Logger()
	cmd.Stderr = p.logger.With().Str("stream", "stderr").Logger()

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: failed to start %s: %v", domain.ErrExternalEngineFault, p.config.Command, err)
	}

	p.cmd = cmd
	p.done = make(chan struct{})
	p.stopping = false

	p.logger.Info().Int("pid", cmd.Process.Pid).Str("command", p.config.Command).Msg("engine process started")

	go p.wait(cmd, p.done)
	return nil
}

func (p *Process) wait(cmd *exec.Cmd, done chan struct{}) {
	err := cmd.Wait()

	p.mu.Lock()
	stopping := p.stopping
	p.cmd = nil
	p.mu.Unlock()
	close(done)

	if stopping {
		p.logger.Info().Msg("engine process stopped")
		return
	}

	exitErr := fmt.Errorf("%w: process exited unexpectedly: %v", domain.ErrExternalEngineFault, err)
	p.logger.Error().Err(exitErr).Msg("engine process exited")
	if p.onExit != nil {
		p.onExit(exitErr)
	}
}

// Running reports whether the process is alive.
func (p *Process) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cmd != nil
}

// Stop sends SIGTERM and kills the process if it has not exited within
// the stop timeout or before ctx is done.
func (p *Process) Stop(ctx context.Context) error {
	p.mu.Lock()
	cmd := p.cmd
	done := p.done
	if cmd == nil {
		p.mu.Unlock()
		return nil
	}
	p.stopping = true
	p.mu.Unlock()

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		p.logger.Warn().Err(err).Msg("failed to signal engine process")
	}

	timer := time.NewTimer(p.config.StopTimeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	p.logger.Warn().Msg("engine process did not exit, killing")
	if err := cmd.Process.Kill(); err != nil {
		return fmt.Errorf("failed to kill engine process: %w", err)
	}
	<-done
	return nil
}
