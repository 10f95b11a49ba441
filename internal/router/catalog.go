// Package router selects the upstream model for each request and tracks
// per-model cooldowns and concurrency. Selection resolves in order:
// per-key override, first matching rule, feature classifier, default model.
package router

import (
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-json"
)

// Tier groups models by capability and cost.
type Tier string

const (
	TierHeavy  Tier = "HEAVY"
	TierMedium Tier = "MEDIUM"
	TierLight  Tier = "LIGHT"
	TierFree   Tier = "FREE"
)

// tierOrder is the display and snapshot order.
var tierOrder = []Tier{TierHeavy, TierMedium, TierLight, TierFree}

// tierFallback is the order tried when a tier has no usable candidate:
// cheaper tiers first, then back up the range.
var tierFallback = map[Tier][]Tier{
	TierHeavy:  {TierMedium, TierLight, TierFree},
	TierMedium: {TierLight, TierFree, TierHeavy},
	TierLight:  {TierFree, TierMedium, TierHeavy},
	TierFree:   {TierLight, TierMedium, TierHeavy},
}

// ParseTier normalizes a tier name. Accepts any case.
func ParseTier(s string) (Tier, bool) {
	switch Tier(strings.ToUpper(s)) {
	case TierHeavy:
		return TierHeavy, true
	case TierMedium:
		return TierMedium, true
	case TierLight:
		return TierLight, true
	case TierFree:
		return TierFree, true
	}
	return "", false
}

// ModelPricing is the per-1M-token rate pair.
type ModelPricing struct {
	InputPer1M  float64 `json:"inputPer1M"`
	OutputPer1M float64 `json:"outputPer1M"`
}

// Model describes one routable upstream model.
type Model struct {
	ID             string       `json:"id"`
	Tier           Tier         `json:"tier"`
	ContextLength  int          `json:"contextLength"`
	SupportsVision bool         `json:"supportsVision"`
	MaxConcurrency int          `json:"maxConcurrency"`
	Pricing        ModelPricing `json:"pricing"`
}

// defaultModels is the embedded canonical catalog. An external file may
// extend or override entries.
var defaultModels = []Model{
	{ID: "glm-4.7", Tier: TierHeavy, ContextLength: 200000, MaxConcurrency: 50, Pricing: ModelPricing{InputPer1M: 0.60, OutputPer1M: 2.20}},
	{ID: "glm-4.6", Tier: TierMedium, ContextLength: 200000, MaxConcurrency: 50, Pricing: ModelPricing{InputPer1M: 0.60, OutputPer1M: 2.20}},
	{ID: "glm-4.5", Tier: TierMedium, ContextLength: 128000, MaxConcurrency: 50, Pricing: ModelPricing{InputPer1M: 0.35, OutputPer1M: 1.40}},
	{ID: "glm-4.5v", Tier: TierMedium, ContextLength: 64000, SupportsVision: true, MaxConcurrency: 30, Pricing: ModelPricing{InputPer1M: 0.60, OutputPer1M: 1.80}},
	{ID: "glm-4.5-air", Tier: TierLight, ContextLength: 128000, MaxConcurrency: 50, Pricing: ModelPricing{InputPer1M: 0.20, OutputPer1M: 1.10}},
	{ID: "glm-4.5-flash", Tier: TierFree, ContextLength: 128000, MaxConcurrency: 20},
}

// Catalog is the known model set. It is built at startup and read-only
// afterwards.
type Catalog struct {
	models []Model
	index  map[string]int
}

// NewCatalog builds a catalog from the embedded defaults.
func NewCatalog() *Catalog {
	c := &Catalog{index: make(map[string]int, len(defaultModels))}
	for _, m := range defaultModels {
		c.add(m)
	}
	return c
}

// LoadFile extends the catalog from a JSON file holding a list of models.
// Entries with a known id override the embedded definition.
func (c *Catalog) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read model catalog: %w", err)
	}
	var models []Model
	if err := json.Unmarshal(data, &models); err != nil {
		return fmt.Errorf("parse model catalog: %w", err)
	}
	for i, m := range models {
		if m.ID == "" {
			return fmt.Errorf("model catalog entry %d: missing id", i)
		}
		tier, ok := ParseTier(string(m.Tier))
		if !ok {
			return fmt.Errorf("model catalog entry %d (%s): unknown tier %q", i, m.ID, m.Tier)
		}
		m.Tier = tier
		c.add(m)
	}
	return nil
}

func (c *Catalog) add(m Model) {
	if i, ok := c.index[m.ID]; ok {
		c.models[i] = m
		return
	}
	c.index[m.ID] = len(c.models)
	c.models = append(c.models, m)
}

// Lookup returns the model with the given id.
func (c *Catalog) Lookup(id string) (Model, bool) {
	i, ok := c.index[id]
	if !ok {
		return Model{}, false
	}
	return c.models[i], true
}

// TierOf returns the tier of a known model, or "" for unknown ids.
func (c *Catalog) TierOf(id string) Tier {
	if m, ok := c.Lookup(id); ok {
		return m.Tier
	}
	return ""
}

// ByTier returns the models of one tier in declaration order.
func (c *Catalog) ByTier(tier Tier) []Model {
	var out []Model
	for _, m := range c.models {
		if m.Tier == tier {
			out = append(out, m)
		}
	}
	return out
}

// Models returns every known model in declaration order.
func (c *Catalog) Models() []Model {
	out := make([]Model, len(c.models))
	copy(out, c.models)
	return out
}

// Len returns the number of known models.
func (c *Catalog) Len() int {
	return len(c.models)
}
