package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zgate-dev/zgate/internal/metrics"
	"github.com/zgate-dev/zgate/pkg/anthropic"
)

// ErrModelAtCapacity is returned by AcquireModel when the model's
// in-flight count is at its limit. Retryable: the router is re-consulted
// on the next attempt.
var ErrModelAtCapacity = errors.New("model at capacity")

// Source names what determined a routing decision.
type Source string

const (
	SourceOverride   Source = "override"
	SourceRule       Source = "rule"
	SourceClassifier Source = "classifier"
	SourceDefault    Source = "default"
	SourceFailover   Source = "failover"
	SourcePool       Source = "pool"
)

// Decision is the outcome of one model selection.
type Decision struct {
	TargetModel   string `json:"targetModel"`
	Tier          Tier   `json:"tier,omitempty"`
	Source        Source `json:"source"`
	FailoverModel string `json:"failoverModel,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// SelectOptions carries the per-request selection inputs.
type SelectOptions struct {
	// OverrideKey is the credential id looked up in the override map.
	OverrideKey string
	// AttemptedModels are excluded from the candidate pool on retries.
	AttemptedModels []string
}

// AdmissionHold is the cooldown picture of the tier a request would
// route to. MinCooldown is zero when any candidate is available now.
type AdmissionHold struct {
	Tier        Tier
	Candidates  []string
	MinCooldown time.Duration
	AllCooled   bool
}

// RateLimitOutcome reports how an upstream 429 was absorbed.
type RateLimitOutcome struct {
	Count429 int
	Cooldown time.Duration
	Dampened bool
}

// modelState is the per-model runtime state.
type modelState struct {
	inFlight       int
	maxConcurrency int
	cooldownUntil  time.Time
	burstDampened  bool
	total429       int64
	attempts       int64
}

// Config sets up a Router.
type Config struct {
	// DocumentPath is where the routing document is persisted. Empty
	// disables persistence.
	DocumentPath string
	// Bootstrap is the document used when no persisted one exists. Nil
	// means DefaultDocument.
	Bootstrap *Document
}

// Router owns model selection and the per-model runtime state. All
// methods are safe for concurrent use.
type Router struct {
	logger  *slog.Logger
	catalog *Catalog
	stats   StatsStore
	nowFunc func() time.Time

	mu          sync.Mutex
	doc         Document
	rules       []compiledRule
	contentHash string
	fileHash    string
	states      map[string]*modelState
	path        string
}

// New creates a router. A persisted document at cfg.DocumentPath wins
// over the bootstrap; an unreadable or invalid one is logged and the
// bootstrap used instead.
func New(cfg Config, catalog *Catalog, stats StatsStore, logger *slog.Logger) (*Router, error) {
	if catalog == nil {
		catalog = NewCatalog()
	}
	if logger == nil {
		logger = slog.Default()
	}

	bootstrap := DefaultDocument("")
	if cfg.Bootstrap != nil {
		bootstrap = cfg.Bootstrap.Clone()
	}
	bootstrap.Normalize()
	if err := bootstrap.Validate(catalog); err != nil {
		return nil, fmt.Errorf("routing bootstrap document: %w", err)
	}

	doc := bootstrap
	fileHash := ""
	persistInitial := false
	if cfg.DocumentPath != "" {
		loaded, hash, err := loadDocument(cfg.DocumentPath)
		switch {
		case err == nil:
			loaded.Normalize()
			if verr := loaded.Validate(catalog); verr != nil {
				logger.Warn("persisted routing document invalid, using bootstrap",
					"path", cfg.DocumentPath, "error", verr)
				persistInitial = true
			} else {
				doc = loaded
				fileHash = hash
			}
		case errors.Is(err, errDocumentMissing):
			persistInitial = true
		default:
			logger.Warn("routing document unreadable, using bootstrap",
				"path", cfg.DocumentPath, "error", err)
		}
	}

	rules, err := compileRules(doc.Rules)
	if err != nil {
		return nil, err
	}
	if stats == nil {
		stats = NewMemoryStatsStore(windowMinutes(doc.Cooldown.BurstWindowMs))
	}

	r := &Router{
		logger:      logger,
		catalog:     catalog,
		stats:       stats,
		nowFunc:     time.Now,
		doc:         doc,
		rules:       rules,
		contentHash: documentContentHash(doc),
		fileHash:    fileHash,
		states:      make(map[string]*modelState),
		path:        cfg.DocumentPath,
	}
	for _, m := range catalog.Models() {
		r.states[m.ID] = &modelState{maxConcurrency: m.MaxConcurrency}
	}

	if persistInitial {
		hash, err := saveDocument(r.path, r.doc)
		if err != nil {
			logger.Warn("persist initial routing document failed", "path", r.path, "error", err)
		} else {
			r.fileHash = hash
		}
	}
	return r, nil
}

func windowMinutes(windowMs int64) int {
	if windowMs <= 0 {
		return 1
	}
	return int((windowMs + 59999) / 60000)
}

// Enabled reports whether routing is on.
func (r *Router) Enabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.Enabled
}

// ShadowMode reports whether decisions are computed and logged but not
// applied.
func (r *Router) ShadowMode() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.ShadowMode
}

// LogDecisions reports whether routed mappings are logged.
func (r *Router) LogDecisions() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.LogDecisions
}

// Failover returns the give-up bounds for the 429 cascade.
func (r *Router) Failover() FailoverPolicy {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.Failover
}

// CooldownPolicy returns the active cooldown policy.
func (r *Router) CooldownPolicy() CooldownPolicy {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.Cooldown
}

// Catalog returns the model catalog.
func (r *Router) Catalog() *Catalog {
	return r.catalog
}

// SelectModel computes the routing decision for a request. Resolution
// order: per-key override, first matching rule, classifier, default
// model. Attempted models are excluded until nothing else remains.
func (r *Router) SelectModel(ctx context.Context, f anthropic.Features, opts SelectOptions) Decision {
	r.mu.Lock()
	now := r.nowFunc()
	d := r.selectLocked(f, opts, now)
	if st := r.states[d.TargetModel]; st != nil {
		st.attempts++
	}
	logDecisions := r.doc.LogDecisions && r.doc.Enabled
	r.mu.Unlock()

	metrics.TierRequestsTotal.WithLabelValues(tierLabel(d.Tier)).Inc()
	if err := r.stats.RecordRequest(ctx, d.TargetModel); err != nil {
		r.logger.Warn("router stats store unavailable", "op", "record_request", "error", err)
	}
	if logDecisions {
		r.logger.Info("routing decision",
			"client_model", f.Model,
			"target_model", d.TargetModel,
			"tier", d.Tier,
			"source", d.Source,
			"reason", d.Reason,
		)
	}
	return d
}

// DryRun computes a decision without recording anything. Backs the
// routing test endpoint.
func (r *Router) DryRun(f anthropic.Features, opts SelectOptions) Decision {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.selectLocked(f, opts, r.nowFunc())
}

func tierLabel(t Tier) string {
	if t == "" {
		return "none"
	}
	return string(t)
}

func (r *Router) selectLocked(f anthropic.Features, opts SelectOptions, now time.Time) Decision {
	if !r.doc.Enabled {
		return Decision{
			TargetModel: f.Model,
			Tier:        r.catalog.TierOf(f.Model),
			Source:      SourceDefault,
			Reason:      "routing disabled",
		}
	}

	attempted := stringSet(opts.AttemptedModels)

	if opts.OverrideKey != "" {
		if model := r.doc.Overrides[opts.OverrideKey]; model != "" {
			if !attempted[model] && r.availableLocked(model, now, false) {
				return r.buildDecisionLocked(model, r.tierOf(model), SourceOverride,
					"override for key "+opts.OverrideKey, attempted, now)
			}
			// Override attempted or cooled: resolve like any other request.
		}
	}

	for i := range r.rules {
		rule := &r.rules[i]
		if !rule.matches(f) {
			continue
		}
		why := "rule " + ruleName(rule.Rule, i)
		if rule.TargetModel != "" {
			if !attempted[rule.TargetModel] && r.availableLocked(rule.TargetModel, now, false) {
				return r.buildDecisionLocked(rule.TargetModel, r.tierOf(rule.TargetModel),
					SourceRule, why, attempted, now)
			}
			return r.pickTierLocked(r.tierOf(rule.TargetModel), SourceRule, why, attempted, now)
		}
		return r.pickTierLocked(rule.Tier, SourceRule, why, attempted, now)
	}

	tier := r.doc.Classifier.Classify(f)
	return r.pickTierLocked(tier, SourceClassifier, "classifier tier "+string(tier), attempted, now)
}

func ruleName(r Rule, index int) string {
	if r.Name != "" {
		return r.Name
	}
	return fmt.Sprintf("#%d", index)
}

// pickTierLocked resolves a tier to a model: the tier's own candidates
// first, then the fallback tiers, then the default model.
func (r *Router) pickTierLocked(tier Tier, source Source, why string, attempted map[string]bool, now time.Time) Decision {
	if model, primary, ok := r.pickFromTierLocked(tier, attempted, now); ok {
		if !primary {
			source = SourcePool
			why += ", primary candidate cooled or attempted"
		}
		return r.buildDecisionLocked(model, tier, source, why, attempted, now)
	}

	for _, fb := range tierFallback[tier] {
		if model, _, ok := r.pickFromTierLocked(fb, attempted, now); ok {
			reason := fmt.Sprintf("%s, tier %s exhausted, failing over to %s", why, tier, fb)
			return r.buildDecisionLocked(model, fb, SourceFailover, reason, attempted, now)
		}
	}

	return Decision{
		TargetModel: r.doc.DefaultModel,
		Tier:        r.tierOf(r.doc.DefaultModel),
		Source:      SourceDefault,
		Reason:      why + ", all tiers exhausted, default model",
	}
}

// pickFromTierLocked picks the first usable candidate of a tier. The
// first pass skips models at capacity; if that leaves nothing, a full
// model is picked anyway and the capacity gate bounces the attempt.
func (r *Router) pickFromTierLocked(tier Tier, attempted map[string]bool, now time.Time) (model string, primary bool, ok bool) {
	tc, exists := r.doc.Tiers[tier]
	if !exists || len(tc.Candidates) == 0 {
		return "", false, false
	}
	for pass := 0; pass < 2; pass++ {
		skipFull := pass == 0
		for i, c := range tc.Candidates {
			if attempted[c] {
				continue
			}
			if !r.availableLocked(c, now, !skipFull) {
				continue
			}
			return c, i == 0, true
		}
	}
	return "", false, false
}

// availableLocked reports whether a model can take a request now.
func (r *Router) availableLocked(model string, now time.Time, allowFull bool) bool {
	st := r.states[model]
	if st == nil {
		// Unknown to the catalog; nothing tracked against it.
		return true
	}
	if st.cooldownUntil.After(now) {
		return false
	}
	if !allowFull && st.maxConcurrency > 0 && st.inFlight >= st.maxConcurrency {
		return false
	}
	return true
}

// buildDecisionLocked fills the failover lookahead: the next candidate
// of the tier the handler would try if this model 429s.
func (r *Router) buildDecisionLocked(model string, tier Tier, source Source, reason string, attempted map[string]bool, now time.Time) Decision {
	d := Decision{TargetModel: model, Tier: tier, Source: source, Reason: reason}
	if tc, ok := r.doc.Tiers[tier]; ok {
		for _, c := range tc.Candidates {
			if c == model || attempted[c] {
				continue
			}
			if r.availableLocked(c, now, true) {
				d.FailoverModel = c
				break
			}
		}
	}
	return d
}

func (r *Router) tierOf(model string) Tier {
	return r.catalog.TierOf(model)
}

// PeekAdmissionHold inspects the tier the request would route to and
// its cooldown state, without selecting a model. Returns false when
// routing is disabled or the tier has no candidates.
func (r *Router) PeekAdmissionHold(f anthropic.Features) (AdmissionHold, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.doc.Enabled {
		return AdmissionHold{}, false
	}
	now := r.nowFunc()

	tier := r.peekTierLocked(f)
	tc, ok := r.doc.Tiers[tier]
	if !ok || len(tc.Candidates) == 0 {
		return AdmissionHold{}, false
	}

	hold := AdmissionHold{
		Tier:       tier,
		Candidates: append([]string(nil), tc.Candidates...),
	}
	hold.AllCooled, hold.MinCooldown = r.tierCooldownLocked(tc, now)
	return hold, true
}

// peekTierLocked resolves only the tier, ignoring cooldowns and
// attempted models.
func (r *Router) peekTierLocked(f anthropic.Features) Tier {
	for i := range r.rules {
		rule := &r.rules[i]
		if !rule.matches(f) {
			continue
		}
		if rule.TargetModel != "" {
			return r.tierOf(rule.TargetModel)
		}
		return rule.Tier
	}
	return r.doc.Classifier.Classify(f)
}

// tierCooldownLocked reports whether every candidate is cooling and the
// smallest remaining cooldown (zero when any candidate is free).
func (r *Router) tierCooldownLocked(tc TierConfig, now time.Time) (allCooled bool, minRemaining time.Duration) {
	allCooled = len(tc.Candidates) > 0
	first := true
	for _, c := range tc.Candidates {
		remaining := r.cooldownRemainingLocked(c, now)
		if remaining <= 0 {
			allCooled = false
			return allCooled, 0
		}
		if first || remaining < minRemaining {
			minRemaining = remaining
			first = false
		}
	}
	return allCooled, minRemaining
}

func (r *Router) cooldownRemainingLocked(model string, now time.Time) time.Duration {
	st := r.states[model]
	if st == nil || !st.cooldownUntil.After(now) {
		return 0
	}
	return st.cooldownUntil.Sub(now)
}

// AcquireModel takes a concurrency slot on the model.
func (r *Router) AcquireModel(model string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.getOrCreateStateLocked(model)
	if st.maxConcurrency > 0 && st.inFlight >= st.maxConcurrency {
		return ErrModelAtCapacity
	}
	st.inFlight++
	return nil
}

// ReleaseModel returns a concurrency slot.
func (r *Router) ReleaseModel(model string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st := r.states[model]; st != nil && st.inFlight > 0 {
		st.inFlight--
	}
}

// Record429 counts an upstream 429 against the model and returns the
// count in the burst window. A stats store failure degrades to the
// persistent-throttle count so the full cooldown applies.
func (r *Router) Record429(ctx context.Context, model string) int {
	count, err := r.stats.Record429(ctx, model)

	r.mu.Lock()
	st := r.getOrCreateStateLocked(model)
	st.total429++
	threshold := r.doc.Cooldown.Burst429Threshold
	r.mu.Unlock()

	if err != nil {
		r.logger.Warn("router stats store unavailable, treating 429 as persistent",
			"op", "record_429", "model", model, "error", err)
		return threshold
	}
	return count
}

// PlanCooldown applies the burst-dampening policy: below the threshold
// the cooldown is scaled down but never under the retry-delay floor; at
// or past it the full cooldown applies so the router fails over.
func (r *Router) PlanCooldown(count429 int, full, floor time.Duration) (time.Duration, bool) {
	r.mu.Lock()
	policy := r.doc.Cooldown
	r.mu.Unlock()

	if full <= 0 {
		full = time.Duration(policy.DefaultMs) * time.Millisecond
	}
	if count429 < policy.Burst429Threshold {
		d := time.Duration(float64(full) * policy.BurstDampeningFactor)
		if d < floor {
			d = floor
		}
		return d, true
	}
	if full < floor {
		full = floor
	}
	return full, false
}

// RecordModelCooldown moves the model's cooldown deadline forward,
// never backward, and publishes the mark to the stats store.
func (r *Router) RecordModelCooldown(ctx context.Context, model string, d time.Duration, burstDampened bool) {
	if d <= 0 {
		return
	}
	r.mu.Lock()
	now := r.nowFunc()
	st := r.getOrCreateStateLocked(model)
	until := now.Add(d)
	if until.After(st.cooldownUntil) {
		st.cooldownUntil = until
		st.burstDampened = burstDampened
	}
	mark := st.cooldownUntil
	r.updateCooldownGaugeLocked(now)
	r.mu.Unlock()

	if err := r.stats.MarkCooldown(ctx, model, mark); err != nil {
		r.logger.Warn("router stats store unavailable", "op", "mark_cooldown", "model", model, "error", err)
	}
}

// ApplyRateLimit is the composed 429 path: count the hit, plan the
// cooldown under the burst policy, and record it.
func (r *Router) ApplyRateLimit(ctx context.Context, model string, full, floor time.Duration) RateLimitOutcome {
	count := r.Record429(ctx, model)
	cooldown, dampened := r.PlanCooldown(count, full, floor)
	r.RecordModelCooldown(ctx, model, cooldown, dampened)
	return RateLimitOutcome{Count429: count, Cooldown: cooldown, Dampened: dampened}
}

// SyncCooldowns pulls published cooldown marks into local state. Called
// at startup when the stats store is shared between instances.
func (r *Router) SyncCooldowns(ctx context.Context) {
	for _, m := range r.catalog.Models() {
		mark, err := r.stats.CooldownMark(ctx, m.ID)
		if err != nil {
			r.logger.Warn("router stats store unavailable", "op", "cooldown_mark", "model", m.ID, "error", err)
			continue
		}
		if mark.IsZero() {
			continue
		}
		r.mu.Lock()
		now := r.nowFunc()
		st := r.getOrCreateStateLocked(m.ID)
		if mark.After(now) && mark.After(st.cooldownUntil) {
			st.cooldownUntil = mark
		}
		r.updateCooldownGaugeLocked(now)
		r.mu.Unlock()
	}
}

func (r *Router) getOrCreateStateLocked(model string) *modelState {
	st, ok := r.states[model]
	if !ok {
		st = &modelState{}
		if m, found := r.catalog.Lookup(model); found {
			st.maxConcurrency = m.MaxConcurrency
		}
		r.states[model] = st
	}
	return st
}

func (r *Router) updateCooldownGaugeLocked(now time.Time) {
	active := 0
	for _, st := range r.states {
		if st.cooldownUntil.After(now) {
			active++
		}
	}
	metrics.ModelCooldownsActive.Set(float64(active))
}

func stringSet(values []string) map[string]bool {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}
