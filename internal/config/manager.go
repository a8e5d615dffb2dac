package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Status describes the configuration currently in effect.
type Status struct {
	Path        string    `json:"path"`
	Checksum    string    `json:"checksum"`
	LoadedAt    time.Time `json:"loaded_at"`
	ReloadCount int64     `json:"reload_count"`
}

// Manager handles configuration loading and hot-reload.
// It uses atomic pointer swaps to ensure thread-safe config updates.
type Manager struct {
	config   atomic.Pointer[Config]
	status   atomic.Pointer[Status]
	reloads  atomic.Int64
	path     string
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	onChange []func(*Config)
	logger   *slog.Logger
	done     chan struct{}
}

// NewManager creates a new configuration manager.
func NewManager(path string, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		path:   path,
		logger: logger.With("component", "config"),
	}
	if err := m.Reload(); err != nil {
		return nil, err
	}
	return m, nil
}

// Get returns the current configuration.
// This is safe to call concurrently from multiple goroutines.
func (m *Manager) Get() *Config {
	return m.config.Load()
}

// Status returns what is loaded and how often it changed.
func (m *Manager) Status() Status {
	return *m.status.Load()
}

// OnChange registers a callback to be invoked when configuration changes.
func (m *Manager) OnChange(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = append(m.onChange, fn)
}

// Reload reads the file again. On error the current configuration is kept.
func (m *Manager) Reload() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return err
	}
	cfg, err := Parse(data)
	if err != nil {
		return err
	}

	sum := sha256.Sum256(data)
	m.config.Store(cfg)
	m.status.Store(&Status{
		Path:        m.path,
		Checksum:    hex.EncodeToString(sum[:]),
		LoadedAt:    time.Now(),
		ReloadCount: m.reloads.Add(1),
	})

	m.mu.Lock()
	listeners := append([]func(*Config){}, m.onChange...)
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(cfg)
	}
	return nil
}

// Watch starts watching the configuration file for changes.
// It debounces rapid changes and reloads configuration atomically.
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// editors replace the file, so watch its directory
	if err := watcher.Add(filepath.Dir(m.path)); err != nil {
		_ = watcher.Close()
		return err
	}
	m.watcher = watcher
	m.done = make(chan struct{})

	go m.watchLoop(ctx)
	return nil
}

func (m *Manager) watchLoop(ctx context.Context) {
	defer close(m.done)

	// Debounce timer to avoid rapid reloads
	const debounceDelay = 500 * time.Millisecond
	var debounceTimer *time.Timer
	target := filepath.Clean(m.path)

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			_ = m.watcher.Close()
			return

		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}

			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				// Reset debounce timer
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(debounceDelay, m.reload)
			}

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Error("config watcher error", "error", err)
		}
	}
}

func (m *Manager) reload() {
	if err := m.Reload(); err != nil {
		m.logger.Error("failed to reload config, keeping current",
			"error", err,
		)
		return
	}
	m.logger.Info("configuration reloaded successfully", "checksum", m.Status().Checksum)
}

// Close stops the configuration watcher.
func (m *Manager) Close() error {
	if m.watcher == nil {
		return nil
	}
	err := m.watcher.Close()
	<-m.done
	return err
}
