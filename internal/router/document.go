package router

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/zgate-dev/zgate/pkg/anthropic"
)

// TierConfig names the models a tier routes to. The target is tried
// first; candidates are the fallbacks inside the same tier.
type TierConfig struct {
	TargetModel string   `json:"targetModel"`
	Candidates  []string `json:"candidates,omitempty"`
}

// RuleMatch is the predicate side of a rule. Empty fields match
// everything; set fields must all hold.
type RuleMatch struct {
	ModelEquals     string `json:"modelEquals,omitempty"`
	ModelPrefix     string `json:"modelPrefix,omitempty"`
	ModelPattern    string `json:"modelPattern,omitempty"`
	HasTools        *bool  `json:"hasTools,omitempty"`
	HasVision       *bool  `json:"hasVision,omitempty"`
	MinMessages     int    `json:"minMessages,omitempty"`
	MaxMessages     int    `json:"maxMessages,omitempty"`
	MinSystemLength int    `json:"minSystemLength,omitempty"`
}

// Rule routes matching requests to a model or a tier. Rules are
// evaluated in declared order; the first match wins.
type Rule struct {
	Name        string    `json:"name,omitempty"`
	Match       RuleMatch `json:"match"`
	TargetModel string    `json:"targetModel,omitempty"`
	Tier        Tier      `json:"tier,omitempty"`
}

// CooldownPolicy tunes model cooldowns after upstream 429s. Durations
// are milliseconds because the document is an editable JSON file.
type CooldownPolicy struct {
	// DefaultMs applies when the caller has no better cooldown.
	DefaultMs int64 `json:"defaultMs"`
	// BurstDampeningFactor scales the cooldown for transient bursts.
	BurstDampeningFactor float64 `json:"burstDampeningFactor"`
	// Burst429Threshold is the per-model 429 count at which a burst is
	// treated as a persistent throttle.
	Burst429Threshold int `json:"burst429Threshold"`
	// BurstWindowMs is the rolling window the 429 count is taken over.
	BurstWindowMs int64 `json:"burstWindowMs"`
}

// DefaultCooldownPolicy returns the production cooldown policy.
func DefaultCooldownPolicy() CooldownPolicy {
	return CooldownPolicy{
		DefaultMs:            60000,
		BurstDampeningFactor: 0.25,
		Burst429Threshold:    3,
		BurstWindowMs:        60000,
	}
}

// FailoverPolicy bounds the 429 give-up cascade.
type FailoverPolicy struct {
	Max429AttemptsPerRequest   int   `json:"max429AttemptsPerRequest"`
	Max429RetryWindowMs        int64 `json:"max429RetryWindowMs"`
	MaxModelSwitchesPerRequest int   `json:"maxModelSwitchesPerRequest"`
}

// DefaultFailoverPolicy returns the production failover bounds.
func DefaultFailoverPolicy() FailoverPolicy {
	return FailoverPolicy{
		Max429AttemptsPerRequest:   3,
		Max429RetryWindowMs:        30000,
		MaxModelSwitchesPerRequest: 3,
	}
}

// Document is the editable routing state. It is persisted as JSON and
// served and replaced through the /model-routing endpoints.
type Document struct {
	Version      int                 `json:"version"`
	Enabled      bool                `json:"enabled"`
	DefaultModel string              `json:"defaultModel"`
	Tiers        map[Tier]TierConfig `json:"tiers"`
	Rules        []Rule              `json:"rules"`
	Classifier   ClassifierConfig    `json:"classifier"`
	Cooldown     CooldownPolicy      `json:"cooldown"`
	LogDecisions bool                `json:"logDecisions"`
	Failover     FailoverPolicy      `json:"failover"`
	ShadowMode   bool                `json:"shadowMode"`
	Overrides    map[string]string   `json:"overrides,omitempty"`
}

// DefaultDocument returns the routing state shipped out of the box:
// Anthropic client model names map to tiers by family, everything else
// goes through the classifier.
func DefaultDocument(defaultModel string) Document {
	if defaultModel == "" {
		defaultModel = "glm-4.7"
	}
	return Document{
		Version:      1,
		Enabled:      true,
		DefaultModel: defaultModel,
		Tiers: map[Tier]TierConfig{
			TierHeavy:  {TargetModel: "glm-4.7"},
			TierMedium: {TargetModel: "glm-4.6", Candidates: []string{"glm-4.5"}},
			TierLight:  {TargetModel: "glm-4.5-air"},
			TierFree:   {TargetModel: "glm-4.5-flash"},
		},
		Rules: []Rule{
			{Name: "claude-opus", Match: RuleMatch{ModelPrefix: "claude-opus"}, Tier: TierHeavy},
			{Name: "claude-sonnet", Match: RuleMatch{ModelPrefix: "claude-sonnet"}, Tier: TierHeavy},
			{Name: "claude-haiku", Match: RuleMatch{ModelPrefix: "claude-haiku"}, Tier: TierLight},
		},
		Classifier: DefaultClassifierConfig(),
		Cooldown:   DefaultCooldownPolicy(),
		Failover:   DefaultFailoverPolicy(),
	}
}

// Normalize fills defaults and canonicalizes the document in place:
// tier keys uppercased, ids trimmed, the tier target always leading its
// candidate list exactly once.
func (d *Document) Normalize() {
	if d.Version <= 0 {
		d.Version = 1
	}
	d.DefaultModel = strings.TrimSpace(d.DefaultModel)

	tiers := make(map[Tier]TierConfig, len(d.Tiers))
	for name, tc := range d.Tiers {
		tier, ok := ParseTier(string(name))
		if !ok {
			tier = name
		}
		tc.TargetModel = strings.TrimSpace(tc.TargetModel)
		tc.Candidates = normalizeCandidates(tc.TargetModel, tc.Candidates)
		tiers[tier] = tc
	}
	d.Tiers = tiers

	for i := range d.Rules {
		r := &d.Rules[i]
		r.TargetModel = strings.TrimSpace(r.TargetModel)
		if r.Tier != "" {
			if tier, ok := ParseTier(string(r.Tier)); ok {
				r.Tier = tier
			}
		}
	}

	d.Classifier = d.Classifier.withDefaults()

	cd := DefaultCooldownPolicy()
	if d.Cooldown.DefaultMs <= 0 {
		d.Cooldown.DefaultMs = cd.DefaultMs
	}
	if d.Cooldown.BurstDampeningFactor <= 0 || d.Cooldown.BurstDampeningFactor > 1 {
		d.Cooldown.BurstDampeningFactor = cd.BurstDampeningFactor
	}
	if d.Cooldown.Burst429Threshold <= 0 {
		d.Cooldown.Burst429Threshold = cd.Burst429Threshold
	}
	if d.Cooldown.BurstWindowMs <= 0 {
		d.Cooldown.BurstWindowMs = cd.BurstWindowMs
	}

	fd := DefaultFailoverPolicy()
	if d.Failover.Max429AttemptsPerRequest <= 0 {
		d.Failover.Max429AttemptsPerRequest = fd.Max429AttemptsPerRequest
	}
	if d.Failover.Max429RetryWindowMs <= 0 {
		d.Failover.Max429RetryWindowMs = fd.Max429RetryWindowMs
	}
	if d.Failover.MaxModelSwitchesPerRequest <= 0 {
		d.Failover.MaxModelSwitchesPerRequest = fd.MaxModelSwitchesPerRequest
	}

	for key, model := range d.Overrides {
		d.Overrides[key] = strings.TrimSpace(model)
	}
}

// normalizeCandidates puts the target first and drops duplicates and
// blanks.
func normalizeCandidates(target string, candidates []string) []string {
	out := make([]string, 0, len(candidates)+1)
	seen := make(map[string]bool, len(candidates)+1)
	if target != "" {
		out = append(out, target)
		seen[target] = true
	}
	for _, c := range candidates {
		c = strings.TrimSpace(c)
		if c == "" || seen[c] {
			continue
		}
		out = append(out, c)
		seen[c] = true
	}
	return out
}

// Validate checks the document against the model catalog. The document
// must already be normalized.
func (d *Document) Validate(catalog *Catalog) error {
	if d.Enabled && d.DefaultModel == "" {
		return fmt.Errorf("defaultModel is required when routing is enabled")
	}
	if d.DefaultModel != "" {
		if _, ok := catalog.Lookup(d.DefaultModel); !ok {
			return fmt.Errorf("defaultModel %q is not in the model catalog", d.DefaultModel)
		}
	}

	for tier, tc := range d.Tiers {
		if _, ok := ParseTier(string(tier)); !ok {
			return fmt.Errorf("tiers: unknown tier %q", tier)
		}
		if tc.TargetModel == "" {
			return fmt.Errorf("tiers[%s]: targetModel is required", tier)
		}
		for _, c := range tc.Candidates {
			if _, ok := catalog.Lookup(c); !ok {
				return fmt.Errorf("tiers[%s]: model %q is not in the model catalog", tier, c)
			}
		}
	}

	for i, r := range d.Rules {
		if err := r.validate(catalog); err != nil {
			return fmt.Errorf("rules[%d]: %w", i, err)
		}
	}

	for key, model := range d.Overrides {
		if model == "" {
			return fmt.Errorf("overrides[%s]: model is required", key)
		}
		if _, ok := catalog.Lookup(model); !ok {
			return fmt.Errorf("overrides[%s]: model %q is not in the model catalog", key, model)
		}
	}

	if _, err := compileRules(d.Rules); err != nil {
		return err
	}
	return nil
}

func (r Rule) validate(catalog *Catalog) error {
	if r.TargetModel == "" && r.Tier == "" {
		return fmt.Errorf("rule needs a targetModel or a tier")
	}
	if r.TargetModel != "" {
		if _, ok := catalog.Lookup(r.TargetModel); !ok {
			return fmt.Errorf("targetModel %q is not in the model catalog", r.TargetModel)
		}
	}
	if r.Tier != "" {
		if _, ok := ParseTier(string(r.Tier)); !ok {
			return fmt.Errorf("unknown tier %q", r.Tier)
		}
	}
	if r.Match.MinMessages > 0 && r.Match.MaxMessages > 0 && r.Match.MinMessages > r.Match.MaxMessages {
		return fmt.Errorf("minMessages %d exceeds maxMessages %d", r.Match.MinMessages, r.Match.MaxMessages)
	}
	return nil
}

// compiledRule pairs a rule with its compiled model pattern.
type compiledRule struct {
	Rule
	pattern *regexp.Regexp
}

func compileRules(rules []Rule) ([]compiledRule, error) {
	out := make([]compiledRule, 0, len(rules))
	for i, r := range rules {
		cr := compiledRule{Rule: r}
		if r.Match.ModelPattern != "" {
			re, err := regexp.Compile(r.Match.ModelPattern)
			if err != nil {
				return nil, fmt.Errorf("rules[%d]: modelPattern: %w", i, err)
			}
			cr.pattern = re
		}
		out = append(out, cr)
	}
	return out, nil
}

// matches reports whether every set predicate holds for the features.
func (r compiledRule) matches(f anthropic.Features) bool {
	m := r.Match
	if m.ModelEquals != "" && f.Model != m.ModelEquals {
		return false
	}
	if m.ModelPrefix != "" && !strings.HasPrefix(f.Model, m.ModelPrefix) {
		return false
	}
	if r.pattern != nil && !r.pattern.MatchString(f.Model) {
		return false
	}
	if m.HasTools != nil && f.HasTools != *m.HasTools {
		return false
	}
	if m.HasVision != nil && f.HasVision != *m.HasVision {
		return false
	}
	if m.MinMessages > 0 && f.MessageCount < m.MinMessages {
		return false
	}
	if m.MaxMessages > 0 && f.MessageCount > m.MaxMessages {
		return false
	}
	if m.MinSystemLength > 0 && f.SystemLength < m.MinSystemLength {
		return false
	}
	return true
}

// Clone returns a deep copy safe to hand to callers.
func (d Document) Clone() Document {
	out := d
	out.Tiers = make(map[Tier]TierConfig, len(d.Tiers))
	for tier, tc := range d.Tiers {
		tcCopy := tc
		tcCopy.Candidates = append([]string(nil), tc.Candidates...)
		out.Tiers[tier] = tcCopy
	}
	out.Rules = append([]Rule(nil), d.Rules...)
	if d.Overrides != nil {
		out.Overrides = make(map[string]string, len(d.Overrides))
		for k, v := range d.Overrides {
			out.Overrides[k] = v
		}
	}
	return out
}
