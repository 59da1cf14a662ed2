package provision

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// ActivityFunc is called when the engine writes into a stream's output directory.
type ActivityFunc func(streamKey string)

// Config holds provisioning configuration.
type Config struct {
	Enabled   bool   `mapstructure:"enabled"`
	OutputDir string `mapstructure:"output_dir"`
	Watch     bool   `mapstructure:"watch"`
}

// Provisioner creates per-stream output directories and watches them
// for engine writes.
type Provisioner struct {
	config   Config
	onActive ActivityFunc
	logger   zerolog.Logger

	watchers map[string]*fsnotify.Watcher // streamKey -> watcher
	tickets  map[string]uint64            // streamKey -> current reservation
	seq      uint64
	mu       sync.Mutex
}

// New creates a Provisioner.
func New(cfg Config, onActive ActivityFunc, logger zerolog.Logger) *Provisioner {
	return &Provisioner{
		config:   cfg,
		onActive: onActive,
		logger:   logger.With().Str("component", "provision").Logger(),
		watchers: make(map[string]*fsnotify.Watcher),
		tickets:  make(map[string]uint64),
	}
}

// Dir returns the output directory for streamKey.
func (p *Provisioner) Dir(streamKey string) string {
	return filepath.Join(p.config.OutputDir, filepath.Base(streamKey))
}

// Reserve records that streamKey went live and returns the ticket Prepare
// must present. It is cheap and meant to be called inline from the publish
// callback, while Prepare may run later in the background.
func (p *Provisioner) Reserve(streamKey string) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	p.tickets[streamKey] = p.seq
	return p.seq
}

// Prepare creates the output directory for streamKey and, when enabled,
// starts watching it. A ticket that was released or superseded by a newer
// Reserve installs no watcher. Calling it twice is harmless.
func (p *Provisioner) Prepare(streamKey string, ticket uint64) error {
	if !p.config.Enabled {
		return nil
	}

	dir := p.Dir(streamKey)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	if !p.config.Watch {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.tickets[streamKey] != ticket {
		p.logger.Debug().Str("stream_key", streamKey).Msg("stream ended before provisioning, not watching")
		return nil
	}
	if _, exists := p.watchers[streamKey]; exists {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	p.watchers[streamKey] = watcher
	go p.handleEvents(streamKey, watcher)

	p.logger.Debug().Str("stream_key", streamKey).Str("dir", dir).Msg("watching output directory")
	return nil
}

func (p *Provisioner) handleEvents(streamKey string, watcher *fsnotify.Watcher) {
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 && p.onActive != nil {
				p.onActive(streamKey)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn().Err(err).Str("stream_key", streamKey).Msg("watcher error")
		}
	}
}

// Release stops watching streamKey's directory and voids its ticket, so a
// Prepare still in flight does not start a watcher. The directory is kept.
func (p *Provisioner) Release(streamKey string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.tickets, streamKey)

	if watcher, exists := p.watchers[streamKey]; exists {
		watcher.Close()
		delete(p.watchers, streamKey)
	}
}

// Watching reports how many directories are being watched.
func (p *Provisioner) Watching() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.watchers)
}

// StopAll stops all watchers.
func (p *Provisioner) StopAll() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for key, watcher := range p.watchers {
		watcher.Close()
		delete(p.watchers, key)
	}
	clear(p.tickets)
}
