package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Manager owns the active configuration and its hot-reload lifecycle.
// Readers get the current *Config through an atomic pointer, so a reload
// never tears a config mid-request.
type Manager struct {
	config  atomic.Pointer[Config]
	path    string
	watcher *fsnotify.Watcher
	logger  *slog.Logger

	mu          sync.Mutex
	onChange    []func(*Config)
	checksum    string
	loadedAt    time.Time
	reloadCount int64
}

// Status describes the currently loaded configuration file.
type Status struct {
	Path        string    `json:"path"`
	Checksum    string    `json:"checksum"`
	LoadedAt    time.Time `json:"loadedAt"`
	ReloadCount int64     `json:"reloadCount"`
}

// NewManager loads the file at path and returns a manager holding it.
func NewManager(path string, logger *slog.Logger) (*Manager, error) {
	m := &Manager{
		path:   path,
		logger: logger,
	}
	if err := m.Reload(); err != nil {
		return nil, err
	}
	return m, nil
}

// Get returns the active configuration. Safe for concurrent use.
func (m *Manager) Get() *Config {
	return m.config.Load()
}

// Status returns metadata about the loaded file.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		Path:        m.path,
		Checksum:    m.checksum,
		LoadedAt:    m.loadedAt,
		ReloadCount: m.reloadCount,
	}
}

// OnChange registers fn to run after every successful reload.
func (m *Manager) OnChange(fn func(*Config)) {
	m.mu.Lock()
	m.onChange = append(m.onChange, fn)
	m.mu.Unlock()
}

// Reload loads and validates the file, swaps the active configuration on
// success, and notifies subscribers. A failed reload keeps the current
// configuration active.
func (m *Manager) Reload() error {
	newCfg, err := LoadFromFile(m.path)
	if err != nil {
		return err
	}

	sum := fileChecksum(m.path)

	m.config.Store(newCfg)

	m.mu.Lock()
	m.checksum = sum
	m.loadedAt = time.Now()
	m.reloadCount++
	first := m.reloadCount == 1
	callbacks := make([]func(*Config), len(m.onChange))
	copy(callbacks, m.onChange)
	m.mu.Unlock()

	if !first {
		for _, fn := range callbacks {
			fn(newCfg)
		}
	}
	return nil
}

// Watch follows the file until ctx ends, reloading after writes settle.
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	m.watcher = watcher

	if err := watcher.Add(m.path); err != nil {
		_ = watcher.Close()
		return err
	}

	go m.watchLoop(ctx)
	return nil
}

func (m *Manager) watchLoop(ctx context.Context) {
	// Editors save via rename/chmod/write bursts; each event pushes the
	// deadline out so a burst collapses into one reload.
	const settle = 500 * time.Millisecond
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			_ = m.watcher.Close()
			return

		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				pending = time.After(settle)
			}

		case <-pending:
			pending = nil
			if err := m.Reload(); err != nil {
				m.logger.Error("failed to reload config, keeping current", "error", err)
				continue
			}
			m.logger.Info("configuration reloaded")
			for _, w := range m.Get().Warnings() {
				m.logger.Warn("config warning", "code", w.Code, "message", w.Message)
			}

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Error("config watcher error", "error", err)
		}
	}
}

// Close releases the file watcher, if one was started.
func (m *Manager) Close() error {
	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}

func fileChecksum(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
