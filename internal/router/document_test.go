package router

import (
	"strings"
	"testing"

	"github.com/zgate-dev/zgate/pkg/anthropic"
)

func boolPtr(b bool) *bool { return &b }

func TestDefaultDocument(t *testing.T) {
	doc := DefaultDocument("")
	if !doc.Enabled {
		t.Error("default document should be enabled")
	}
	if doc.DefaultModel != "glm-4.7" {
		t.Errorf("default model = %q, want glm-4.7", doc.DefaultModel)
	}
	if len(doc.Tiers) != 4 {
		t.Errorf("tiers = %d, want 4", len(doc.Tiers))
	}

	doc.Normalize()
	if err := doc.Validate(NewCatalog()); err != nil {
		t.Errorf("default document invalid: %v", err)
	}
	if got := doc.Tiers[TierMedium].Candidates; len(got) != 2 || got[0] != "glm-4.6" {
		t.Errorf("medium candidates = %v, want target first", got)
	}
}

func TestNormalize_TierKeysAndCandidates(t *testing.T) {
	doc := Document{
		DefaultModel: " glm-4.7 ",
		Tiers: map[Tier]TierConfig{
			"medium": {
				TargetModel: " glm-4.6 ",
				Candidates:  []string{"glm-4.5", "glm-4.6", "", "glm-4.5", " glm-4.5-air "},
			},
		},
	}
	doc.Normalize()

	if doc.DefaultModel != "glm-4.7" {
		t.Errorf("default model = %q, want trimmed", doc.DefaultModel)
	}
	tc, ok := doc.Tiers[TierMedium]
	if !ok {
		t.Fatalf("lowercase tier key not canonicalized: %v", doc.Tiers)
	}
	want := []string{"glm-4.6", "glm-4.5", "glm-4.5-air"}
	if len(tc.Candidates) != len(want) {
		t.Fatalf("candidates = %v, want %v", tc.Candidates, want)
	}
	for i := range want {
		if tc.Candidates[i] != want[i] {
			t.Errorf("candidates[%d] = %q, want %q", i, tc.Candidates[i], want[i])
		}
	}
}

func TestNormalize_FillsPolicyDefaults(t *testing.T) {
	doc := Document{DefaultModel: "glm-4.7"}
	doc.Normalize()

	if doc.Version != 1 {
		t.Errorf("version = %d, want 1", doc.Version)
	}
	if doc.Cooldown != DefaultCooldownPolicy() {
		t.Errorf("cooldown = %+v, want defaults", doc.Cooldown)
	}
	if doc.Failover != DefaultFailoverPolicy() {
		t.Errorf("failover = %+v, want defaults", doc.Failover)
	}
	if doc.Classifier != DefaultClassifierConfig() {
		t.Errorf("classifier = %+v, want defaults", doc.Classifier)
	}

	doc.Cooldown.BurstDampeningFactor = 1.5
	doc.Normalize()
	if doc.Cooldown.BurstDampeningFactor != 0.25 {
		t.Errorf("out-of-range dampening factor kept: %v", doc.Cooldown.BurstDampeningFactor)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Document)
		wantErr string
	}{
		{
			"unknown default model",
			func(d *Document) { d.DefaultModel = "gpt-4" },
			"not in the model catalog",
		},
		{
			"enabled without default",
			func(d *Document) { d.DefaultModel = "" },
			"defaultModel is required",
		},
		{
			"unknown tier",
			func(d *Document) { d.Tiers["TURBO"] = TierConfig{TargetModel: "glm-4.7"} },
			"unknown tier",
		},
		{
			"tier without target",
			func(d *Document) { d.Tiers[TierMedium] = TierConfig{Candidates: []string{"glm-4.5"}} },
			"targetModel is required",
		},
		{
			"tier candidate not in catalog",
			func(d *Document) {
				d.Tiers[TierMedium] = TierConfig{TargetModel: "glm-4.6", Candidates: []string{"gpt-4"}}
			},
			"not in the model catalog",
		},
		{
			"rule without target or tier",
			func(d *Document) { d.Rules = []Rule{{Match: RuleMatch{ModelPrefix: "x"}}} },
			"targetModel or a tier",
		},
		{
			"rule target not in catalog",
			func(d *Document) { d.Rules = []Rule{{TargetModel: "gpt-4"}} },
			"rules[0]",
		},
		{
			"rule with unknown tier",
			func(d *Document) { d.Rules = []Rule{{Tier: "TURBO"}} },
			"unknown tier",
		},
		{
			"rule message bounds inverted",
			func(d *Document) {
				d.Rules = []Rule{{Tier: TierHeavy, Match: RuleMatch{MinMessages: 5, MaxMessages: 2}}}
			},
			"exceeds maxMessages",
		},
		{
			"rule pattern does not compile",
			func(d *Document) {
				d.Rules = []Rule{{Tier: TierHeavy, Match: RuleMatch{ModelPattern: "("}}}
			},
			"modelPattern",
		},
		{
			"override without model",
			func(d *Document) { d.Overrides = map[string]string{"key-1": ""} },
			"overrides[key-1]",
		},
		{
			"override model not in catalog",
			func(d *Document) { d.Overrides = map[string]string{"key-1": "gpt-4"} },
			"not in the model catalog",
		},
	}

	catalog := NewCatalog()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := DefaultDocument("glm-4.7")
			tt.mutate(&doc)
			doc.Normalize()
			err := doc.Validate(catalog)
			if err == nil {
				t.Fatal("Validate() passed, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestRuleMatches(t *testing.T) {
	tests := []struct {
		name     string
		match    RuleMatch
		features anthropic.Features
		want     bool
	}{
		{"empty match takes everything", RuleMatch{}, anthropic.Features{Model: "anything"}, true},
		{"model equals", RuleMatch{ModelEquals: "glm-4.7"}, anthropic.Features{Model: "glm-4.7"}, true},
		{"model equals mismatch", RuleMatch{ModelEquals: "glm-4.7"}, anthropic.Features{Model: "glm-4.6"}, false},
		{"prefix", RuleMatch{ModelPrefix: "claude-"}, anthropic.Features{Model: "claude-sonnet-4"}, true},
		{"prefix mismatch", RuleMatch{ModelPrefix: "claude-"}, anthropic.Features{Model: "glm-4.7"}, false},
		{"pattern", RuleMatch{ModelPattern: `^glm-4\.[56]$`}, anthropic.Features{Model: "glm-4.5"}, true},
		{"pattern mismatch", RuleMatch{ModelPattern: `^glm-4\.[56]$`}, anthropic.Features{Model: "glm-4.7"}, false},
		{"tools required", RuleMatch{HasTools: boolPtr(true)}, anthropic.Features{HasTools: true}, true},
		{"tools forbidden", RuleMatch{HasTools: boolPtr(false)}, anthropic.Features{HasTools: true}, false},
		{"vision required", RuleMatch{HasVision: boolPtr(true)}, anthropic.Features{}, false},
		{"min messages", RuleMatch{MinMessages: 5}, anthropic.Features{MessageCount: 4}, false},
		{"max messages", RuleMatch{MaxMessages: 5}, anthropic.Features{MessageCount: 6}, false},
		{"message band", RuleMatch{MinMessages: 2, MaxMessages: 5}, anthropic.Features{MessageCount: 3}, true},
		{"min system length", RuleMatch{MinSystemLength: 100}, anthropic.Features{SystemLength: 99}, false},
		{
			"all predicates must hold",
			RuleMatch{ModelPrefix: "glm", MinMessages: 2},
			anthropic.Features{Model: "glm-4.7", MessageCount: 1},
			false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			compiled, err := compileRules([]Rule{{Match: tt.match, Tier: TierHeavy}})
			if err != nil {
				t.Fatalf("compileRules() error: %v", err)
			}
			if got := compiled[0].matches(tt.features); got != tt.want {
				t.Errorf("matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRules_FirstMatchWins(t *testing.T) {
	doc := DefaultDocument("glm-4.7")
	doc.Rules = []Rule{
		{Name: "broad", Match: RuleMatch{ModelPrefix: "special"}, Tier: TierLight},
		{Name: "narrow", Match: RuleMatch{ModelPrefix: "special-pro"}, Tier: TierHeavy},
	}
	r, _ := newClockedRouter(t, doc)

	d := r.DryRun(anthropic.Features{Model: "special-pro-max", MessageCount: 1}, SelectOptions{})
	if d.Tier != TierLight {
		t.Errorf("tier = %q, want the first declared rule to win", d.Tier)
	}
	if !strings.Contains(d.Reason, "broad") {
		t.Errorf("reason = %q, want the winning rule named", d.Reason)
	}
}

func TestDocumentClone_Independence(t *testing.T) {
	doc := DefaultDocument("glm-4.7")
	doc.Overrides = map[string]string{"key-1": "glm-4.6"}

	clone := doc.Clone()
	clone.Tiers[TierMedium] = TierConfig{TargetModel: "glm-4.5"}
	clone.Rules[0].Name = "changed"
	clone.Overrides["key-1"] = "glm-4.5-air"
	if tc := clone.Tiers[TierHeavy]; len(tc.Candidates) > 0 {
		tc.Candidates[0] = "mutated"
	}

	if doc.Tiers[TierMedium].TargetModel != "glm-4.6" {
		t.Error("clone shares the tier map")
	}
	if doc.Rules[0].Name == "changed" {
		t.Error("clone shares the rule slice")
	}
	if doc.Overrides["key-1"] != "glm-4.6" {
		t.Error("clone shares the override map")
	}
}
