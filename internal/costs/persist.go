package costs

import (
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
)

// schemaVersion marks the snapshot layout. Bump on incompatible
// changes; older readers refuse nothing, newer snapshots load
// best-effort with a warning.
const schemaVersion = 1

type persistedState struct {
	SchemaVersion  int                    `json:"schemaVersion"`
	Usage          persistedUsage         `json:"usage"`
	ByKeyID        map[string]PeriodUsage `json:"byKeyId"`
	CostsByTenant  map[string]PeriodUsage `json:"costsByTenant"`
	HourlyHistory  []ArchiveEntry         `json:"hourlyHistory"`
	CostTimeSeries CostTimeSeries         `json:"costTimeSeries"`
	LastReset      periodKeys             `json:"_lastReset"`
	Metrics        persistedMetrics       `json:"metrics"`
	SavedAt        time.Time              `json:"savedAt"`
}

type persistedUsage struct {
	Today     PeriodUsage `json:"today"`
	ThisWeek  PeriodUsage `json:"thisWeek"`
	ThisMonth PeriodUsage `json:"thisMonth"`
	AllTime   PeriodUsage `json:"allTime"`
}

type persistedMetrics struct {
	ValidationWarnings int64 `json:"validationWarnings"`
	RecordsProcessed   int64 `json:"recordsProcessed"`
	Saves              int64 `json:"saves"`
}

func (t *Tracker) snapshotLocked() persistedState {
	return persistedState{
		SchemaVersion: schemaVersion,
		Usage: persistedUsage{
			Today:     t.today,
			ThisWeek:  t.thisWeek,
			ThisMonth: t.thisMonth,
			AllTime:   t.allTime,
		},
		ByKeyID:        t.byKey.snapshot(),
		CostsByTenant:  t.byTenant.snapshot(),
		HourlyHistory:  append([]ArchiveEntry(nil), t.history...),
		CostTimeSeries: t.series.clone(),
		LastReset:      t.keys,
		Metrics: persistedMetrics{
			ValidationWarnings: t.validationWarnings,
			RecordsProcessed:   t.recordsProcessed,
			Saves:              t.saves,
		},
		SavedAt: t.nowFunc(),
	}
}

// scheduleSaveLocked arms the debounce timer once. Updates landing
// while the timer is pending ride the same save.
func (t *Tracker) scheduleSaveLocked() {
	if t.cfg.PersistPath == "" || t.destroyed || t.saveTimer != nil {
		return
	}
	t.saveTimer = time.AfterFunc(t.cfg.SaveDebounce, t.saveNow)
}

func (t *Tracker) saveNow() {
	t.mu.Lock()
	t.saveTimer = nil
	if t.destroyed || t.cfg.PersistPath == "" {
		t.mu.Unlock()
		return
	}
	state := t.snapshotLocked()
	t.mu.Unlock()
	t.writeState(state)
}

// Flush cancels any pending debounce and writes a snapshot now. It
// serializes behind an in-flight debounced save, so on return the file
// holds the current state.
func (t *Tracker) Flush() {
	t.mu.Lock()
	if t.saveTimer != nil {
		t.saveTimer.Stop()
		t.saveTimer = nil
	}
	if t.cfg.PersistPath == "" || t.destroyed {
		t.mu.Unlock()
		return
	}
	state := t.snapshotLocked()
	t.mu.Unlock()
	t.writeState(state)
}

// Destroy performs a final save and stops all future persistence. The
// tracker still serves reads afterwards but records nothing to disk.
func (t *Tracker) Destroy() {
	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return
	}
	t.destroyed = true
	if t.saveTimer != nil {
		t.saveTimer.Stop()
		t.saveTimer = nil
	}
	if t.cfg.PersistPath == "" {
		t.mu.Unlock()
		return
	}
	state := t.snapshotLocked()
	t.mu.Unlock()
	t.writeState(state)
}

func (t *Tracker) writeState(state persistedState) {
	t.saveMu.Lock()
	defer t.saveMu.Unlock()

	start := time.Now()
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		t.logger.Error("marshal cost state failed", "error", err)
		return
	}
	data = append(data, '\n')
	if err := writeFileAtomic(t.cfg.PersistPath, data); err != nil {
		t.logger.Error("persist cost state failed", "path", t.cfg.PersistPath, "error", err)
		return
	}
	elapsed := time.Since(start)
	if elapsed > t.cfg.SlowSaveThreshold {
		t.logger.Warn("slow cost state save", "elapsed", elapsed, "bytes", len(data))
	}

	t.mu.Lock()
	t.saves++
	t.lastSavedAt = state.SavedAt
	t.mu.Unlock()
}

// loadLocked restores persisted state. The schema version and period
// aggregates must decode or the tracker starts fresh; the per-key,
// per-tenant, history and series sections load independently so one
// corrupt section does not discard the rest.
func (t *Tracker) loadLocked() {
	data, err := os.ReadFile(t.cfg.PersistPath)
	if err != nil {
		if !os.IsNotExist(err) {
			t.logger.Warn("read cost state failed, starting fresh", "path", t.cfg.PersistPath, "error", err)
		}
		return
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.logger.Warn("cost state unreadable, starting fresh", "path", t.cfg.PersistPath, "error", err)
		return
	}

	var version int
	if err := json.Unmarshal(raw["schemaVersion"], &version); err != nil {
		t.logger.Warn("cost state missing schema version, starting fresh", "path", t.cfg.PersistPath)
		return
	}
	if version > schemaVersion {
		t.logger.Warn("cost state from newer schema, loading known fields",
			"fileVersion", version, "supported", schemaVersion)
	}

	var usage persistedUsage
	if err := json.Unmarshal(raw["usage"], &usage); err != nil {
		t.logger.Warn("cost state aggregates unreadable, starting fresh", "error", err)
		return
	}
	t.today = usage.Today
	t.thisWeek = usage.ThisWeek
	t.thisMonth = usage.ThisMonth
	t.allTime = usage.AllTime

	var keys periodKeys
	if err := json.Unmarshal(raw["_lastReset"], &keys); err == nil && keys.Day != "" {
		t.keys = keys
	}

	if msg, ok := raw["byKeyId"]; ok {
		var byKey map[string]PeriodUsage
		if err := json.Unmarshal(msg, &byKey); err != nil {
			t.logger.Warn("cost state per-key section unreadable, dropping", "error", err)
		} else {
			t.byKey.replace(byKey)
		}
	}
	if msg, ok := raw["costsByTenant"]; ok {
		var byTenant map[string]PeriodUsage
		if err := json.Unmarshal(msg, &byTenant); err != nil {
			t.logger.Warn("cost state tenant section unreadable, dropping", "error", err)
		} else {
			t.byTenant.replace(byTenant)
		}
	}
	if msg, ok := raw["hourlyHistory"]; ok {
		var history []ArchiveEntry
		if err := json.Unmarshal(msg, &history); err != nil {
			t.logger.Warn("cost state history unreadable, dropping", "error", err)
		} else {
			if len(history) > t.cfg.MaxHistoryDays {
				history = history[len(history)-t.cfg.MaxHistoryDays:]
			}
			t.history = history
		}
	}
	if msg, ok := raw["costTimeSeries"]; ok {
		var series CostTimeSeries
		if err := json.Unmarshal(msg, &series); err != nil || !series.aligned() {
			t.logger.Warn("cost state series unreadable or misaligned, dropping")
		} else {
			if series.Models == nil {
				series.Models = make(map[string][]float64)
			}
			t.series = series
		}
	}
	if msg, ok := raw["metrics"]; ok {
		var m persistedMetrics
		if err := json.Unmarshal(msg, &m); err == nil {
			t.validationWarnings = m.ValidationWarnings
			t.recordsProcessed = m.RecordsProcessed
			t.saves = m.Saves
		}
	}

	t.logger.Info("cost state loaded",
		"path", t.cfg.PersistPath,
		"allTimeRequests", t.allTime.Requests,
		"trackedKeys", t.byKey.len())
}

// writeFileAtomic writes via a temp file and rename so readers never
// observe a partial snapshot.
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
