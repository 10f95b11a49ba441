package router

import "github.com/zgate-dev/zgate/pkg/anthropic"

// ClassifierConfig holds the feature thresholds that split requests into
// tiers. Zero values take the defaults.
type ClassifierConfig struct {
	// A request is HEAVY when any of these trip.
	HeavySystemLength int `json:"heavySystemLength"`
	HeavyMessageCount int `json:"heavyMessageCount"`
	HeavyMaxTokens    int `json:"heavyMaxTokens"`

	// A request is LIGHT when it stays under all of these.
	LightMessageCount int `json:"lightMessageCount"`
	LightSystemLength int `json:"lightSystemLength"`
}

// DefaultClassifierConfig returns the production thresholds.
func DefaultClassifierConfig() ClassifierConfig {
	return ClassifierConfig{
		HeavySystemLength: 4000,
		HeavyMessageCount: 20,
		HeavyMaxTokens:    8000,
		LightMessageCount: 2,
		LightSystemLength: 256,
	}
}

func (c ClassifierConfig) withDefaults() ClassifierConfig {
	d := DefaultClassifierConfig()
	if c.HeavySystemLength <= 0 {
		c.HeavySystemLength = d.HeavySystemLength
	}
	if c.HeavyMessageCount <= 0 {
		c.HeavyMessageCount = d.HeavyMessageCount
	}
	if c.HeavyMaxTokens <= 0 {
		c.HeavyMaxTokens = d.HeavyMaxTokens
	}
	if c.LightMessageCount <= 0 {
		c.LightMessageCount = d.LightMessageCount
	}
	if c.LightSystemLength <= 0 {
		c.LightSystemLength = d.LightSystemLength
	}
	return c
}

// Classify maps a request feature vector to a tier. Vision and tool use
// always land in HEAVY; FREE is never classified, it is only reachable
// through rules, overrides or tier fallback.
func (c ClassifierConfig) Classify(f anthropic.Features) Tier {
	c = c.withDefaults()

	if f.HasVision || f.HasTools {
		return TierHeavy
	}
	if f.SystemLength >= c.HeavySystemLength {
		return TierHeavy
	}
	if f.MessageCount >= c.HeavyMessageCount {
		return TierHeavy
	}
	if f.MaxTokens >= c.HeavyMaxTokens {
		return TierHeavy
	}

	if f.MessageCount <= c.LightMessageCount && f.SystemLength <= c.LightSystemLength {
		return TierLight
	}

	return TierMedium
}
