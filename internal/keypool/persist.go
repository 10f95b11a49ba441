package keypool

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
)

const persistSchemaVersion = 1

// KeyTotals are the per-credential counters that survive restarts.
type KeyTotals struct {
	Requests       int64 `json:"requests"`
	Successes      int64 `json:"successes"`
	Failures       int64 `json:"failures"`
	RateLimitHits  int64 `json:"rateLimitHits"`
	SlowKeyEntries int64 `json:"slowKeyEntries"`
	SlowKeyExits   int64 `json:"slowKeyExits"`
}

type persistedState struct {
	SchemaVersion int                  `json:"schemaVersion"`
	SavedAt       time.Time            `json:"savedAt"`
	Total429      int64                `json:"total429"`
	Keys          map[string]KeyTotals `json:"keys"`
}

// loadTotals restores persisted counters. A missing file is a fresh
// start; a corrupt one is logged and ignored.
func (p *Pool) loadTotals() {
	if p.cfg.PersistPath == "" {
		return
	}
	data, err := os.ReadFile(p.cfg.PersistPath)
	if err != nil {
		if !os.IsNotExist(err) {
			p.logger.Warn("key pool state unreadable", "path", p.cfg.PersistPath, "error", err)
		}
		return
	}

	var st persistedState
	if err := json.Unmarshal(data, &st); err != nil {
		p.logger.Warn("key pool state corrupt, starting fresh", "path", p.cfg.PersistPath, "error", err)
		return
	}
	if st.SchemaVersion > persistSchemaVersion {
		p.logger.Warn("key pool state from newer version, loading known fields",
			"path", p.cfg.PersistPath,
			"schema_version", st.SchemaVersion,
		)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.total429 = st.Total429
	for _, k := range p.keys {
		if totals, ok := st.Keys[k.id]; ok {
			k.totals = totals
		}
	}
}

// Persist writes the cross-restart counters atomically.
func (p *Pool) Persist() error {
	if p.cfg.PersistPath == "" {
		return nil
	}

	p.mu.Lock()
	st := persistedState{
		SchemaVersion: persistSchemaVersion,
		SavedAt:       p.nowFunc(),
		Total429:      p.total429,
		Keys:          make(map[string]KeyTotals, len(p.keys)),
	}
	for _, k := range p.keys {
		st.Keys[k.id] = k.totals
	}
	path := p.cfg.PersistPath
	p.mu.Unlock()

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal key pool state: %w", err)
	}
	if err := writeFileAtomic(path, data); err != nil {
		return fmt.Errorf("write key pool state: %w", err)
	}
	return nil
}

// StartAutosave persists the counters on an interval until the context
// is canceled, then writes one final snapshot.
func (p *Pool) StartAutosave(ctx context.Context, interval time.Duration) {
	if p.cfg.PersistPath == "" {
		return
	}
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := p.Persist(); err != nil {
					p.logger.Warn("key pool autosave failed", "error", err)
				}
			case <-ctx.Done():
				if err := p.Persist(); err != nil {
					p.logger.Warn("key pool final save failed", "error", err)
				}
				return
			}
		}
	}()
}

// writeFileAtomic writes via a temp file and rename so readers never see
// a partial file.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
