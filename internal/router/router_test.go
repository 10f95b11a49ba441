package router

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/zgate-dev/zgate/pkg/anthropic"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newClockedRouter pins the router and its stats store to a settable
// clock.
func newClockedRouter(t *testing.T, doc Document) (*Router, *time.Time) {
	t.Helper()
	store := NewMemoryStatsStore(1)
	r, err := New(Config{Bootstrap: &doc}, nil, store, testLogger())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	r.nowFunc = clock
	store.nowFunc = clock
	return r, &now
}

func mediumFeatures() anthropic.Features {
	return anthropic.Features{Model: "test-model", MessageCount: 10, SystemLength: 500, MaxTokens: 1024}
}

func lightFeatures() anthropic.Features {
	return anthropic.Features{Model: "test-model", MessageCount: 1, SystemLength: 100, MaxTokens: 512}
}

func TestSelectModel_DisabledPassesThrough(t *testing.T) {
	doc := DefaultDocument("glm-4.7")
	doc.Enabled = false
	r, _ := newClockedRouter(t, doc)

	d := r.SelectModel(context.Background(), anthropic.Features{Model: "claude-sonnet-4-20250514", MessageCount: 1}, SelectOptions{})
	if d.TargetModel != "claude-sonnet-4-20250514" {
		t.Errorf("disabled router rewrote model to %q", d.TargetModel)
	}
	if d.Source != SourceDefault {
		t.Errorf("source = %q, want %q", d.Source, SourceDefault)
	}
}

func TestSelectModel_ClaudeSonnetRuleRoutesHeavy(t *testing.T) {
	r, _ := newClockedRouter(t, DefaultDocument("glm-4.7"))

	d := r.SelectModel(context.Background(), anthropic.Features{Model: "claude-sonnet-4-20250514", MessageCount: 1, MaxTokens: 1024}, SelectOptions{})
	if d.TargetModel != "glm-4.7" {
		t.Errorf("target = %q, want glm-4.7", d.TargetModel)
	}
	if d.Tier != TierHeavy {
		t.Errorf("tier = %q, want %q", d.Tier, TierHeavy)
	}
	if d.Source != SourceRule {
		t.Errorf("source = %q, want %q", d.Source, SourceRule)
	}
}

func TestSelectModel_ClassifierTiers(t *testing.T) {
	tests := []struct {
		name     string
		features anthropic.Features
		want     string
		wantTier Tier
	}{
		{"vision goes heavy", anthropic.Features{Model: "m", MessageCount: 1, HasVision: true}, "glm-4.7", TierHeavy},
		{"tools go heavy", anthropic.Features{Model: "m", MessageCount: 1, HasTools: true}, "glm-4.7", TierHeavy},
		{"long conversation goes heavy", anthropic.Features{Model: "m", MessageCount: 25}, "glm-4.7", TierHeavy},
		{"large budget goes heavy", anthropic.Features{Model: "m", MessageCount: 1, MaxTokens: 9000}, "glm-4.7", TierHeavy},
		{"short chat goes light", lightFeatures(), "glm-4.5-air", TierLight},
		{"everything else is medium", mediumFeatures(), "glm-4.6", TierMedium},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := newClockedRouter(t, DefaultDocument("glm-4.7"))
			d := r.SelectModel(context.Background(), tt.features, SelectOptions{})
			if d.TargetModel != tt.want {
				t.Errorf("target = %q, want %q", d.TargetModel, tt.want)
			}
			if d.Tier != tt.wantTier {
				t.Errorf("tier = %q, want %q", d.Tier, tt.wantTier)
			}
			if d.Source != SourceClassifier {
				t.Errorf("source = %q, want %q", d.Source, SourceClassifier)
			}
		})
	}
}

func TestSelectModel_OverrideWins(t *testing.T) {
	doc := DefaultDocument("glm-4.7")
	doc.Overrides = map[string]string{"key-1": "glm-4.5-flash"}
	r, _ := newClockedRouter(t, doc)

	d := r.SelectModel(context.Background(), mediumFeatures(), SelectOptions{OverrideKey: "key-1"})
	if d.TargetModel != "glm-4.5-flash" {
		t.Errorf("target = %q, want glm-4.5-flash", d.TargetModel)
	}
	if d.Source != SourceOverride {
		t.Errorf("source = %q, want %q", d.Source, SourceOverride)
	}

	d = r.SelectModel(context.Background(), mediumFeatures(), SelectOptions{OverrideKey: "key-2"})
	if d.TargetModel != "glm-4.6" {
		t.Errorf("unrelated key target = %q, want glm-4.6", d.TargetModel)
	}
}

func TestSelectModel_OverrideCooledFallsThrough(t *testing.T) {
	doc := DefaultDocument("glm-4.7")
	doc.Overrides = map[string]string{"key-1": "glm-4.5-flash"}
	r, _ := newClockedRouter(t, doc)
	r.RecordModelCooldown(context.Background(), "glm-4.5-flash", time.Minute, false)

	d := r.SelectModel(context.Background(), mediumFeatures(), SelectOptions{OverrideKey: "key-1"})
	if d.TargetModel != "glm-4.6" {
		t.Errorf("target = %q, want glm-4.6 when override is cooling", d.TargetModel)
	}
	if d.Source == SourceOverride {
		t.Error("cooled override should not be the decision source")
	}
}

func TestSelectModel_AttemptedModelDeviatesWithinTier(t *testing.T) {
	r, _ := newClockedRouter(t, DefaultDocument("glm-4.7"))

	d := r.SelectModel(context.Background(), mediumFeatures(), SelectOptions{AttemptedModels: []string{"glm-4.6"}})
	if d.TargetModel != "glm-4.5" {
		t.Errorf("target = %q, want glm-4.5", d.TargetModel)
	}
	if d.Source != SourcePool {
		t.Errorf("source = %q, want %q", d.Source, SourcePool)
	}
	if d.Tier != TierMedium {
		t.Errorf("tier = %q, want %q", d.Tier, TierMedium)
	}
}

func TestSelectModel_TierExhaustedFailsOver(t *testing.T) {
	r, _ := newClockedRouter(t, DefaultDocument("glm-4.7"))

	d := r.SelectModel(context.Background(), mediumFeatures(), SelectOptions{AttemptedModels: []string{"glm-4.6", "glm-4.5"}})
	if d.TargetModel != "glm-4.5-air" {
		t.Errorf("target = %q, want glm-4.5-air", d.TargetModel)
	}
	if d.Source != SourceFailover {
		t.Errorf("source = %q, want %q", d.Source, SourceFailover)
	}
	if d.Tier != TierLight {
		t.Errorf("tier = %q, want %q", d.Tier, TierLight)
	}
}

func TestSelectModel_AllTiersExhaustedUsesDefault(t *testing.T) {
	r, _ := newClockedRouter(t, DefaultDocument("glm-4.7"))
	ctx := context.Background()
	for _, m := range []string{"glm-4.7", "glm-4.6", "glm-4.5", "glm-4.5-air", "glm-4.5-flash"} {
		r.RecordModelCooldown(ctx, m, time.Minute, false)
	}

	d := r.SelectModel(ctx, mediumFeatures(), SelectOptions{})
	if d.TargetModel != "glm-4.7" {
		t.Errorf("target = %q, want the default model", d.TargetModel)
	}
	if d.Source != SourceDefault {
		t.Errorf("source = %q, want %q", d.Source, SourceDefault)
	}
}

func TestSelectModel_CooldownExpiryRestoresPrimary(t *testing.T) {
	r, now := newClockedRouter(t, DefaultDocument("glm-4.7"))
	ctx := context.Background()
	r.RecordModelCooldown(ctx, "glm-4.6", 30*time.Second, false)

	if d := r.SelectModel(ctx, mediumFeatures(), SelectOptions{}); d.TargetModel != "glm-4.5" {
		t.Fatalf("target during cooldown = %q, want glm-4.5", d.TargetModel)
	}

	*now = now.Add(31 * time.Second)
	if d := r.SelectModel(ctx, mediumFeatures(), SelectOptions{}); d.TargetModel != "glm-4.6" {
		t.Errorf("target after expiry = %q, want glm-4.6", d.TargetModel)
	}
}

func TestSelectModel_FailoverLookahead(t *testing.T) {
	r, _ := newClockedRouter(t, DefaultDocument("glm-4.7"))

	d := r.SelectModel(context.Background(), mediumFeatures(), SelectOptions{})
	if d.FailoverModel != "glm-4.5" {
		t.Errorf("failover = %q, want glm-4.5", d.FailoverModel)
	}

	d = r.SelectModel(context.Background(), mediumFeatures(), SelectOptions{AttemptedModels: []string{"glm-4.5"}})
	if d.FailoverModel != "" {
		t.Errorf("failover = %q, want none when the alternate was attempted", d.FailoverModel)
	}
}

func TestSelectModel_SkipsFullModelOnFirstPass(t *testing.T) {
	r, _ := newClockedRouter(t, DefaultDocument("glm-4.7"))
	st := r.states["glm-4.6"]
	st.maxConcurrency = 1
	st.inFlight = 1

	d := r.SelectModel(context.Background(), mediumFeatures(), SelectOptions{})
	if d.TargetModel != "glm-4.5" {
		t.Fatalf("target = %q, want glm-4.5 while glm-4.6 is full", d.TargetModel)
	}
	if d.Source != SourcePool {
		t.Errorf("source = %q, want %q", d.Source, SourcePool)
	}

	// Whole tier full: second pass returns the primary anyway and the
	// capacity gate bounces the attempt instead of the selector.
	st2 := r.states["glm-4.5"]
	st2.maxConcurrency = 1
	st2.inFlight = 1
	d = r.SelectModel(context.Background(), mediumFeatures(), SelectOptions{})
	if d.TargetModel != "glm-4.6" {
		t.Errorf("target = %q, want glm-4.6 when the whole tier is full", d.TargetModel)
	}
}

func TestAcquireModel_CapacityGate(t *testing.T) {
	r, _ := newClockedRouter(t, DefaultDocument("glm-4.7"))

	for i := 0; i < 20; i++ {
		if err := r.AcquireModel("glm-4.5-flash"); err != nil {
			t.Fatalf("acquire %d error: %v", i, err)
		}
	}
	if err := r.AcquireModel("glm-4.5-flash"); !errors.Is(err, ErrModelAtCapacity) {
		t.Fatalf("acquire past limit error = %v, want ErrModelAtCapacity", err)
	}
	r.ReleaseModel("glm-4.5-flash")
	if err := r.AcquireModel("glm-4.5-flash"); err != nil {
		t.Errorf("acquire after release error: %v", err)
	}
}

func TestAcquireModel_UnlimitedWithoutCap(t *testing.T) {
	r, _ := newClockedRouter(t, DefaultDocument("glm-4.7"))
	for i := 0; i < 500; i++ {
		if err := r.AcquireModel("glm-4.6"); err != nil {
			t.Fatalf("acquire %d error: %v", i, err)
		}
	}
}

func TestRecord429_CountsBurstWindow(t *testing.T) {
	r, now := newClockedRouter(t, DefaultDocument("glm-4.7"))
	ctx := context.Background()

	if got := r.Record429(ctx, "glm-4.7"); got != 1 {
		t.Errorf("first 429 count = %d, want 1", got)
	}
	if got := r.Record429(ctx, "glm-4.7"); got != 2 {
		t.Errorf("second 429 count = %d, want 2", got)
	}

	*now = now.Add(2 * time.Minute)
	if got := r.Record429(ctx, "glm-4.7"); got != 1 {
		t.Errorf("count after window lapse = %d, want 1", got)
	}
}

func TestPlanCooldown_BurstDampening(t *testing.T) {
	r, _ := newClockedRouter(t, DefaultDocument("glm-4.7"))

	d, dampened := r.PlanCooldown(1, time.Minute, time.Second)
	if !dampened || d != 15*time.Second {
		t.Errorf("burst cooldown = (%v, %v), want (15s, dampened)", d, dampened)
	}

	d, dampened = r.PlanCooldown(2, time.Minute, 20*time.Second)
	if !dampened || d != 20*time.Second {
		t.Errorf("floored cooldown = (%v, %v), want (20s, dampened)", d, dampened)
	}

	d, dampened = r.PlanCooldown(3, time.Minute, time.Second)
	if dampened || d != time.Minute {
		t.Errorf("persistent cooldown = (%v, %v), want (1m, full)", d, dampened)
	}

	d, dampened = r.PlanCooldown(5, 0, time.Second)
	if dampened || d != time.Minute {
		t.Errorf("policy default cooldown = (%v, %v), want (1m, full)", d, dampened)
	}
}

func TestApplyRateLimit_EscalatesToFullCooldown(t *testing.T) {
	r, _ := newClockedRouter(t, DefaultDocument("glm-4.7"))
	ctx := context.Background()

	out := r.ApplyRateLimit(ctx, "glm-4.7", time.Minute, time.Second)
	if out.Count429 != 1 || !out.Dampened || out.Cooldown != 15*time.Second {
		t.Errorf("first hit = %+v, want count 1, dampened 15s", out)
	}
	out = r.ApplyRateLimit(ctx, "glm-4.7", time.Minute, time.Second)
	if out.Count429 != 2 || !out.Dampened {
		t.Errorf("second hit = %+v, want count 2, dampened", out)
	}
	out = r.ApplyRateLimit(ctx, "glm-4.7", time.Minute, time.Second)
	if out.Count429 != 3 || out.Dampened || out.Cooldown != time.Minute {
		t.Errorf("third hit = %+v, want count 3, full 1m cooldown", out)
	}

	r.mu.Lock()
	remaining := r.cooldownRemainingLocked("glm-4.7", r.nowFunc())
	r.mu.Unlock()
	if remaining != time.Minute {
		t.Errorf("remaining cooldown = %v, want 1m", remaining)
	}
}

func TestRecordModelCooldown_DeadlineNeverMovesBackward(t *testing.T) {
	r, now := newClockedRouter(t, DefaultDocument("glm-4.7"))
	ctx := context.Background()

	r.RecordModelCooldown(ctx, "glm-4.6", time.Minute, false)
	r.RecordModelCooldown(ctx, "glm-4.6", 5*time.Second, true)

	r.mu.Lock()
	remaining := r.cooldownRemainingLocked("glm-4.6", *now)
	dampened := r.states["glm-4.6"].burstDampened
	r.mu.Unlock()
	if remaining != time.Minute {
		t.Errorf("remaining = %v, want the longer 1m deadline kept", remaining)
	}
	if dampened {
		t.Error("shorter hit must not relabel the standing cooldown as dampened")
	}

	r.RecordModelCooldown(ctx, "glm-4.5", 0, false)
	r.RecordModelCooldown(ctx, "glm-4.5", -time.Second, false)
	r.mu.Lock()
	zero := r.cooldownRemainingLocked("glm-4.5", *now)
	r.mu.Unlock()
	if zero != 0 {
		t.Errorf("non-positive cooldown recorded %v", zero)
	}
}

func TestPeekAdmissionHold(t *testing.T) {
	r, _ := newClockedRouter(t, DefaultDocument("glm-4.7"))
	ctx := context.Background()

	hold, ok := r.PeekAdmissionHold(mediumFeatures())
	if !ok {
		t.Fatal("PeekAdmissionHold() not ok for a routable request")
	}
	if hold.Tier != TierMedium {
		t.Errorf("tier = %q, want %q", hold.Tier, TierMedium)
	}
	if len(hold.Candidates) != 2 || hold.Candidates[0] != "glm-4.6" || hold.Candidates[1] != "glm-4.5" {
		t.Errorf("candidates = %v, want [glm-4.6 glm-4.5]", hold.Candidates)
	}
	if hold.AllCooled || hold.MinCooldown != 0 {
		t.Errorf("fresh tier reported cooled: %+v", hold)
	}

	r.RecordModelCooldown(ctx, "glm-4.6", 30*time.Second, false)
	hold, _ = r.PeekAdmissionHold(mediumFeatures())
	if hold.AllCooled {
		t.Error("one free candidate left, AllCooled should be false")
	}

	r.RecordModelCooldown(ctx, "glm-4.5", 10*time.Second, false)
	hold, _ = r.PeekAdmissionHold(mediumFeatures())
	if !hold.AllCooled {
		t.Fatal("every candidate cooling, AllCooled should be true")
	}
	if hold.MinCooldown != 10*time.Second {
		t.Errorf("MinCooldown = %v, want the soonest expiry 10s", hold.MinCooldown)
	}
}

func TestPeekAdmissionHold_DisabledOrEmptyTier(t *testing.T) {
	doc := DefaultDocument("glm-4.7")
	doc.Enabled = false
	r, _ := newClockedRouter(t, doc)
	if _, ok := r.PeekAdmissionHold(mediumFeatures()); ok {
		t.Error("PeekAdmissionHold() ok with routing disabled")
	}

	doc = DefaultDocument("glm-4.7")
	delete(doc.Tiers, TierMedium)
	r, _ = newClockedRouter(t, doc)
	if _, ok := r.PeekAdmissionHold(mediumFeatures()); ok {
		t.Error("PeekAdmissionHold() ok for a tier with no candidates")
	}
}

func TestDryRun_RecordsNothing(t *testing.T) {
	r, _ := newClockedRouter(t, DefaultDocument("glm-4.7"))

	d := r.DryRun(mediumFeatures(), SelectOptions{})
	if d.TargetModel != "glm-4.6" {
		t.Errorf("target = %q, want glm-4.6", d.TargetModel)
	}

	r.mu.Lock()
	attempts := r.states["glm-4.6"].attempts
	r.mu.Unlock()
	if attempts != 0 {
		t.Errorf("dry run recorded %d attempts", attempts)
	}
}

func TestReset_ClearsOverridesAndCooldowns(t *testing.T) {
	doc := DefaultDocument("glm-4.7")
	doc.Overrides = map[string]string{"key-1": "glm-4.6"}
	r, _ := newClockedRouter(t, doc)
	ctx := context.Background()
	r.RecordModelCooldown(ctx, "glm-4.6", time.Minute, false)

	out, err := r.Reset(ctx)
	if err != nil {
		t.Fatalf("Reset() error: %v", err)
	}
	if len(out.Overrides) != 0 {
		t.Errorf("overrides after reset = %v", out.Overrides)
	}
	if cds := r.ActiveCooldowns(); len(cds) != 0 {
		t.Errorf("active cooldowns after reset = %v", cds)
	}
	if mark, err := r.stats.CooldownMark(ctx, "glm-4.6"); err != nil || !mark.IsZero() {
		t.Errorf("store cooldown mark after reset = (%v, %v), want cleared", mark, err)
	}
	if d := r.SelectModel(ctx, mediumFeatures(), SelectOptions{}); d.TargetModel != "glm-4.6" {
		t.Errorf("target after reset = %q, want glm-4.6", d.TargetModel)
	}
}

func TestOverrides_CRUD(t *testing.T) {
	r, _ := newClockedRouter(t, DefaultDocument("glm-4.7"))

	doc, err := r.SetOverride("key-1", "glm-4.6")
	if err != nil {
		t.Fatalf("SetOverride() error: %v", err)
	}
	if doc.Overrides["key-1"] != "glm-4.6" {
		t.Errorf("override not applied: %v", doc.Overrides)
	}

	if _, err := r.SetOverride("key-1", "no-such-model"); err == nil {
		t.Error("SetOverride() with unknown model should fail")
	}
	if _, err := r.SetOverride("", "glm-4.6"); err == nil {
		t.Error("SetOverride() with empty key should fail")
	}

	if _, err := r.DeleteOverride("key-1"); err != nil {
		t.Fatalf("DeleteOverride() error: %v", err)
	}
	if got := r.Overrides(); len(got) != 0 {
		t.Errorf("overrides after delete = %v", got)
	}

	if _, err := r.ReplaceOverrides(map[string]string{"a": "glm-4.5", "b": "glm-4.5-air"}); err != nil {
		t.Fatalf("ReplaceOverrides() error: %v", err)
	}
	if got := r.Overrides(); len(got) != 2 || got["a"] != "glm-4.5" {
		t.Errorf("overrides after replace = %v", got)
	}
}

func TestUpdateDocument_VersionBumpAndDedup(t *testing.T) {
	r, _ := newClockedRouter(t, DefaultDocument("glm-4.7"))
	base := r.Document()

	changed := base.Clone()
	changed.LogDecisions = !base.LogDecisions
	out, err := r.UpdateDocument(changed)
	if err != nil {
		t.Fatalf("UpdateDocument() error: %v", err)
	}
	if out.Version != base.Version+1 {
		t.Errorf("version = %d, want %d", out.Version, base.Version+1)
	}

	// Content-identical update: no bump.
	again, err := r.UpdateDocument(out)
	if err != nil {
		t.Fatalf("UpdateDocument() repeat error: %v", err)
	}
	if again.Version != out.Version {
		t.Errorf("unchanged update bumped version %d -> %d", out.Version, again.Version)
	}

	bad := out.Clone()
	bad.DefaultModel = "no-such-model"
	if _, err := r.UpdateDocument(bad); err == nil {
		t.Error("UpdateDocument() with unknown default model should fail")
	}
	if got := r.Document(); got.DefaultModel != "glm-4.7" {
		t.Errorf("rejected update mutated live document: %q", got.DefaultModel)
	}
}

func TestUpdateDocument_PreservesRuntimeState(t *testing.T) {
	r, _ := newClockedRouter(t, DefaultDocument("glm-4.7"))
	ctx := context.Background()
	r.RecordModelCooldown(ctx, "glm-4.6", time.Minute, false)

	doc := r.Document()
	doc.LogDecisions = !doc.LogDecisions
	if _, err := r.UpdateDocument(doc); err != nil {
		t.Fatalf("UpdateDocument() error: %v", err)
	}

	if d := r.SelectModel(ctx, mediumFeatures(), SelectOptions{}); d.TargetModel != "glm-4.5" {
		t.Errorf("cooldown lost across update, target = %q", d.TargetModel)
	}
}

func TestEnableSafe_FillsDefaults(t *testing.T) {
	doc := Document{DefaultModel: "glm-4.7"}
	r, _ := newClockedRouter(t, doc)
	if r.Enabled() {
		t.Fatal("bootstrap should start disabled")
	}

	out, err := r.EnableSafe(nil, nil)
	if err != nil {
		t.Fatalf("EnableSafe() error: %v", err)
	}
	if !out.Enabled {
		t.Error("EnableSafe() left routing disabled")
	}
	if len(out.Tiers) != 4 {
		t.Errorf("tiers = %d, want the 4 defaults", len(out.Tiers))
	}
	if out.Tiers[TierHeavy].TargetModel != "glm-4.7" {
		t.Errorf("heavy target = %q", out.Tiers[TierHeavy].TargetModel)
	}
}

func TestSyncCooldowns_PullsStoreMarks(t *testing.T) {
	r, now := newClockedRouter(t, DefaultDocument("glm-4.7"))
	ctx := context.Background()
	if err := r.stats.MarkCooldown(ctx, "glm-4.6", now.Add(45*time.Second)); err != nil {
		t.Fatalf("MarkCooldown() error: %v", err)
	}
	if err := r.stats.MarkCooldown(ctx, "glm-4.5", now.Add(-time.Second)); err != nil {
		t.Fatalf("MarkCooldown() error: %v", err)
	}

	r.SyncCooldowns(ctx)

	r.mu.Lock()
	active := r.cooldownRemainingLocked("glm-4.6", *now)
	expired := r.cooldownRemainingLocked("glm-4.5", *now)
	r.mu.Unlock()
	if active != 45*time.Second {
		t.Errorf("synced cooldown = %v, want 45s", active)
	}
	if expired != 0 {
		t.Errorf("expired mark produced cooldown %v", expired)
	}
}

func TestPoolSnapshots(t *testing.T) {
	r, _ := newClockedRouter(t, DefaultDocument("glm-4.7"))
	ctx := context.Background()
	if err := r.AcquireModel("glm-4.6"); err != nil {
		t.Fatalf("AcquireModel() error: %v", err)
	}
	r.RecordModelCooldown(ctx, "glm-4.5", 30*time.Second, true)

	snaps := r.PoolSnapshots()
	if len(snaps) != 4 {
		t.Fatalf("snapshots = %d tiers, want 4", len(snaps))
	}
	if snaps[0].Tier != TierHeavy {
		t.Errorf("first tier = %q, want severity order starting at %q", snaps[0].Tier, TierHeavy)
	}

	var medium TierPoolSnapshot
	for _, s := range snaps {
		if s.Tier == TierMedium {
			medium = s
		}
	}
	if len(medium.Models) != 2 {
		t.Fatalf("medium models = %d, want 2", len(medium.Models))
	}
	if medium.Models[0].InFlight != 1 {
		t.Errorf("glm-4.6 inFlight = %d, want 1", medium.Models[0].InFlight)
	}
	if !medium.Models[1].CoolingDown || !medium.Models[1].BurstDampened {
		t.Errorf("glm-4.5 snapshot = %+v, want cooling and dampened", medium.Models[1])
	}
	if medium.AllCooled {
		t.Error("medium tier has a free candidate, AllCooled should be false")
	}
}

func TestActiveCooldowns_SortedLongestFirst(t *testing.T) {
	r, _ := newClockedRouter(t, DefaultDocument("glm-4.7"))
	ctx := context.Background()
	r.RecordModelCooldown(ctx, "glm-4.5", 10*time.Second, false)
	r.RecordModelCooldown(ctx, "glm-4.6", 40*time.Second, false)

	cds := r.ActiveCooldowns()
	if len(cds) != 2 {
		t.Fatalf("cooldowns = %d, want 2", len(cds))
	}
	if cds[0].Model != "glm-4.6" || cds[1].Model != "glm-4.5" {
		t.Errorf("order = [%s %s], want longest first", cds[0].Model, cds[1].Model)
	}
}
