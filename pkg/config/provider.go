package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Source serves read-only configuration snapshots.
type Source interface {
	Snapshot() Config
}

// Static is a Source that never changes. Useful in tests.
type Static Config

// Snapshot implements Source.
func (s Static) Snapshot() Config { return withDefaults(Config(s)) }

// Provider holds the current configuration and reloads it when the backing
// file changes. Readers always see a complete snapshot.
type Provider struct {
	path    string
	current atomic.Pointer[Config]
	logger  *slog.Logger

	mu       sync.Mutex
	onChange []func(Config)

	// PollInterval is the safety-net reload interval used alongside (or
	// instead of) fsnotify. Defaults to 30s.
	PollInterval time.Duration
}

// NewProvider loads path and returns a Provider serving it.
func NewProvider(path string, logger *slog.Logger) (*Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c, err := Load(path)
	if err != nil {
		return nil, err
	}
	p := &Provider{path: path, logger: logger, PollInterval: 30 * time.Second}
	p.current.Store(&c)
	return p, nil
}

// Snapshot implements Source.
func (p *Provider) Snapshot() Config {
	return *p.current.Load()
}

// OnChange registers fn to be called after every successful reload.
func (p *Provider) OnChange(fn func(Config)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onChange = append(p.onChange, fn)
}

// Reload re-reads the file. On error the previous snapshot stays in place.
func (p *Provider) Reload() error {
	c, err := Load(p.path)
	if err != nil {
		return err
	}
	p.current.Store(&c)

	p.mu.Lock()
	fns := append([]func(Config){}, p.onChange...)
	p.mu.Unlock()
	for _, fn := range fns {
		fn(c)
	}
	return nil
}

// Watch reloads the configuration whenever the file changes until ctx is
// cancelled. It watches the parent directory so editors that replace the
// file are handled, and falls back to polling if fsnotify is unavailable.
func (p *Provider) Watch(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		p.logger.Warn("config watcher unavailable, polling", "error", err)
		p.watchPoll(ctx)
		return
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(filepath.Dir(p.path)); err != nil {
		p.logger.Warn("config watch failed, polling", "path", p.path, "error", err)
		p.watchPoll(ctx)
		return
	}

	ticker := time.NewTicker(p.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-watcher.Events:
			if filepath.Clean(ev.Name) != filepath.Clean(p.path) {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				p.reloadAndLog()
			}
		case err := <-watcher.Errors:
			if err != nil {
				p.logger.Warn("config watcher error", "error", err)
			}
		case <-ticker.C:
			p.reloadAndLog()
		}
	}
}

func (p *Provider) watchPoll(ctx context.Context) {
	ticker := time.NewTicker(p.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.reloadAndLog()
		}
	}
}

func (p *Provider) reloadAndLog() {
	if err := p.Reload(); err != nil {
		p.logger.Warn("config reload failed, keeping previous", "path", p.path, "error", err)
		return
	}
	p.logger.Debug("config reloaded", "path", p.path)
}
