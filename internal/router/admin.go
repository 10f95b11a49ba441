package router

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// UpdateDocument validates, applies, and persists a new routing
// document. The version counter is managed here: an update whose
// content matches the live document is a no-op that keeps the current
// version, anything else is written with version+1 and the previous
// file kept as .bak.
func (r *Router) UpdateDocument(doc Document) (Document, error) {
	doc = doc.Clone()
	doc.Normalize()
	if err := doc.Validate(r.catalog); err != nil {
		return Document{}, err
	}
	rules, err := compileRules(doc.Rules)
	if err != nil {
		return Document{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if documentContentHash(doc) == r.contentHash {
		return r.doc.Clone(), nil
	}

	doc.Version = r.doc.Version + 1
	if r.path != "" {
		hash, err := saveDocument(r.path, doc)
		if err != nil {
			return Document{}, fmt.Errorf("persist routing document: %w", err)
		}
		r.fileHash = hash
	}
	r.doc = doc
	r.rules = rules
	r.contentHash = documentContentHash(doc)
	r.ensureStatesLocked()
	return r.doc.Clone(), nil
}

// ensureStatesLocked creates runtime state for candidates the new
// document introduced. Existing state, cooldowns included, survives
// document updates.
func (r *Router) ensureStatesLocked() {
	for _, tc := range r.doc.Tiers {
		for _, c := range tc.Candidates {
			r.getOrCreateStateLocked(c)
		}
	}
}

// EnableSafe turns routing on with the supplied tiers and rules, or
// the defaults when none are given. Everything else about the live
// document is preserved.
func (r *Router) EnableSafe(tiers map[Tier]TierConfig, rules []Rule) (Document, error) {
	r.mu.Lock()
	doc := r.doc.Clone()
	r.mu.Unlock()

	doc.Enabled = true
	if len(tiers) > 0 {
		doc.Tiers = tiers
	}
	if len(doc.Tiers) == 0 {
		doc.Tiers = DefaultDocument(doc.DefaultModel).Tiers
	}
	if rules != nil {
		doc.Rules = rules
	}
	return r.UpdateDocument(doc)
}

// Reset clears all per-key overrides and active cooldowns. The cleared
// override map is persisted; cooldown marks are cleared from the stats
// store as well.
func (r *Router) Reset(ctx context.Context) (Document, error) {
	r.mu.Lock()
	doc := r.doc.Clone()
	now := r.nowFunc()
	cooled := make([]string, 0, len(r.states))
	for model, st := range r.states {
		if st.cooldownUntil.After(now) {
			cooled = append(cooled, model)
		}
		st.cooldownUntil = time.Time{}
		st.burstDampened = false
	}
	r.updateCooldownGaugeLocked(now)
	r.mu.Unlock()

	for _, model := range cooled {
		if err := r.stats.MarkCooldown(ctx, model, time.Time{}); err != nil {
			r.logger.Warn("router stats store unavailable", "op", "clear_cooldown", "model", model, "error", err)
		}
	}

	doc.Overrides = nil
	return r.UpdateDocument(doc)
}

// Document returns a copy of the live routing document.
func (r *Router) Document() Document {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.Clone()
}

// ContentHash identifies the live document's content, independent of
// its version counter.
func (r *Router) ContentHash() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.contentHash
}

// FileHash is the hash of the last persisted document file. Empty when
// persistence is disabled.
func (r *Router) FileHash() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fileHash
}

// DocumentPath returns the persistence path, empty when disabled.
func (r *Router) DocumentPath() string {
	return r.path
}

// Overrides returns a copy of the per-key override map.
func (r *Router) Overrides() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.doc.Overrides))
	for k, v := range r.doc.Overrides {
		out[k] = v
	}
	return out
}

// SetOverride pins a credential to a model and persists the document.
func (r *Router) SetOverride(key, model string) (Document, error) {
	if key == "" {
		return Document{}, fmt.Errorf("override key must not be empty")
	}
	r.mu.Lock()
	doc := r.doc.Clone()
	r.mu.Unlock()
	if doc.Overrides == nil {
		doc.Overrides = make(map[string]string)
	}
	doc.Overrides[key] = model
	return r.UpdateDocument(doc)
}

// DeleteOverride removes a credential's pin. Removing an absent key is
// a no-op.
func (r *Router) DeleteOverride(key string) (Document, error) {
	r.mu.Lock()
	doc := r.doc.Clone()
	r.mu.Unlock()
	delete(doc.Overrides, key)
	return r.UpdateDocument(doc)
}

// ReplaceOverrides swaps the whole override map.
func (r *Router) ReplaceOverrides(overrides map[string]string) (Document, error) {
	r.mu.Lock()
	doc := r.doc.Clone()
	r.mu.Unlock()
	doc.Overrides = overrides
	return r.UpdateDocument(doc)
}

// ModelPoolSnapshot is one model's runtime state for status surfaces.
type ModelPoolSnapshot struct {
	Model          string `json:"model"`
	InFlight       int    `json:"inFlight"`
	MaxConcurrency int    `json:"maxConcurrency"`
	CoolingDown    bool   `json:"coolingDown"`
	CooldownMs     int64  `json:"cooldownMs,omitempty"`
	BurstDampened  bool   `json:"burstDampened,omitempty"`
	Total429       int64  `json:"total429"`
	Attempts       int64  `json:"attempts"`
}

// TierPoolSnapshot is one tier's pool for status surfaces.
type TierPoolSnapshot struct {
	Tier          Tier                `json:"tier"`
	Models        []ModelPoolSnapshot `json:"models"`
	AllCooled     bool                `json:"allCooled"`
	MinCooldownMs int64               `json:"minCooldownMs"`
}

// PoolSnapshots reports every configured tier in severity order.
func (r *Router) PoolSnapshots() []TierPoolSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.nowFunc()

	out := make([]TierPoolSnapshot, 0, len(r.doc.Tiers))
	for _, tier := range tierOrder {
		tc, ok := r.doc.Tiers[tier]
		if !ok {
			continue
		}
		snap := TierPoolSnapshot{Tier: tier, Models: make([]ModelPoolSnapshot, 0, len(tc.Candidates))}
		for _, c := range tc.Candidates {
			snap.Models = append(snap.Models, r.modelSnapshotLocked(c, now))
		}
		allCooled, minRemaining := r.tierCooldownLocked(tc, now)
		snap.AllCooled = allCooled
		snap.MinCooldownMs = minRemaining.Milliseconds()
		out = append(out, snap)
	}
	return out
}

func (r *Router) modelSnapshotLocked(model string, now time.Time) ModelPoolSnapshot {
	snap := ModelPoolSnapshot{Model: model}
	st := r.states[model]
	if st == nil {
		return snap
	}
	snap.InFlight = st.inFlight
	snap.MaxConcurrency = st.maxConcurrency
	snap.Total429 = st.total429
	snap.Attempts = st.attempts
	if remaining := r.cooldownRemainingLocked(model, now); remaining > 0 {
		snap.CoolingDown = true
		snap.CooldownMs = remaining.Milliseconds()
		snap.BurstDampened = st.burstDampened
	}
	return snap
}

// CooldownSnapshot is one active cooldown for the admin endpoint.
type CooldownSnapshot struct {
	Model         string `json:"model"`
	RemainingMs   int64  `json:"remainingMs"`
	BurstDampened bool   `json:"burstDampened"`
	Total429      int64  `json:"total429"`
}

// ActiveCooldowns lists models currently cooling, longest first.
func (r *Router) ActiveCooldowns() []CooldownSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.nowFunc()

	out := make([]CooldownSnapshot, 0)
	for model, st := range r.states {
		remaining := r.cooldownRemainingLocked(model, now)
		if remaining <= 0 {
			continue
		}
		out = append(out, CooldownSnapshot{
			Model:         model,
			RemainingMs:   remaining.Milliseconds(),
			BurstDampened: st.burstDampened,
			Total429:      st.total429,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RemainingMs != out[j].RemainingMs {
			return out[i].RemainingMs > out[j].RemainingMs
		}
		return out[i].Model < out[j].Model
	})
	return out
}
