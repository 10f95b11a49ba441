package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"
)

const managerTestConfig = `
server:
  port: 8080
keys:
  - id: key-1
    credential: env://ZAI_KEY_1
`

func TestManagerStatus(t *testing.T) {
	path := writeConfigFile(t, managerTestConfig)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mgr, err := NewManager(path, logger)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	status := mgr.Status()
	if status.Path != path {
		t.Fatalf("Status().Path = %q, want %q", status.Path, path)
	}
	if status.Checksum == "" {
		t.Fatal("Status().Checksum is empty")
	}
	if status.LoadedAt.IsZero() {
		t.Fatal("Status().LoadedAt is zero")
	}
	if status.ReloadCount == 0 {
		t.Fatal("Status().ReloadCount should be > 0")
	}
}

func TestManagerReloadUpdatesChecksum(t *testing.T) {
	path := writeConfigFile(t, managerTestConfig)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mgr, err := NewManager(path, logger)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	before := mgr.Status()

	if err := os.WriteFile(path, []byte(`
server:
  port: 9090
keys:
  - id: key-1
    credential: env://ZAI_KEY_1
`), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if err := mgr.Reload(); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}

	after := mgr.Status()
	if after.Checksum == before.Checksum {
		t.Fatal("expected checksum to change after reload")
	}
	if after.ReloadCount != before.ReloadCount+1 {
		t.Fatalf("expected reload count %d, got %d", before.ReloadCount+1, after.ReloadCount)
	}
	if mgr.Get().Server.Port != 9090 {
		t.Fatalf("expected server port 9090, got %d", mgr.Get().Server.Port)
	}
}

func TestManagerReloadKeepsCurrentOnError(t *testing.T) {
	path := writeConfigFile(t, managerTestConfig)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mgr, err := NewManager(path, logger)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	// keys removed: fails validation
	if err := os.WriteFile(path, []byte("server:\n  port: 9090\n"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if err := mgr.Reload(); err == nil {
		t.Fatal("expected reload error for invalid config")
	}
	if mgr.Get().Server.Port != 8080 {
		t.Fatalf("config changed despite failed reload: port = %d", mgr.Get().Server.Port)
	}
}

func TestManagerNotifiesSubscribers(t *testing.T) {
	path := writeConfigFile(t, managerTestConfig)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mgr, err := NewManager(path, logger)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	var gotPort int
	mgr.OnChange(func(cfg *Config) {
		gotPort = cfg.Server.Port
	})

	if err := os.WriteFile(path, []byte(`
server:
  port: 9191
keys:
  - id: key-1
    credential: env://ZAI_KEY_1
`), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if err := mgr.Reload(); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if gotPort != 9191 {
		t.Fatalf("subscriber saw port %d, want 9191", gotPort)
	}
}

func TestManagerWatchReloadsOnWrite(t *testing.T) {
	path := writeConfigFile(t, managerTestConfig)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mgr, err := NewManager(path, logger)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := mgr.Watch(ctx); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	if err := os.WriteFile(path, []byte(`
server:
  port: 9292
keys:
  - id: key-1
    credential: env://ZAI_KEY_1
`), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	// The watcher settles writes for 500ms before reloading.
	deadline := time.After(5 * time.Second)
	for mgr.Get().Server.Port != 9292 {
		select {
		case <-deadline:
			t.Fatalf("config not reloaded, port still %d", mgr.Get().Server.Port)
		case <-time.After(50 * time.Millisecond):
		}
	}
}
