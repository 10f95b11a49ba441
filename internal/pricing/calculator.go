// Package pricing maps model ids to token rates and computes request cost.
package pricing

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/goccy/go-json"
)

// ModelPricing defines the rates for one model in USD per 1M tokens.
type ModelPricing struct {
	Model       string  `json:"model"`
	InputPer1M  float64 `json:"input_per_1m"`
	OutputPer1M float64 `json:"output_per_1m"`
}

// DefaultPricing is the embedded rate table. An external file extends or
// overrides it at startup.
var DefaultPricing = []ModelPricing{
	{Model: "glm-4.7", InputPer1M: 0.60, OutputPer1M: 2.20},
	{Model: "glm-4.6", InputPer1M: 0.60, OutputPer1M: 2.20},
	{Model: "glm-4.5", InputPer1M: 0.35, OutputPer1M: 1.40},
	{Model: "glm-4.5-air", InputPer1M: 0.20, OutputPer1M: 1.10},
	{Model: "glm-4.5v", InputPer1M: 0.60, OutputPer1M: 1.80},
	{Model: "glm-4.5-flash", InputPer1M: 0, OutputPer1M: 0},

	// Client-facing aliases, used when routing is disabled and the
	// inbound model name passes through unchanged.
	{Model: "claude-sonnet-4-5", InputPer1M: 3.00, OutputPer1M: 15.00},
	{Model: "claude-opus-4-1", InputPer1M: 15.00, OutputPer1M: 75.00},
	{Model: "claude-haiku-4-5", InputPer1M: 1.00, OutputPer1M: 5.00},
	{Model: "claude-3-5-haiku", InputPer1M: 0.80, OutputPer1M: 4.00},
}

// Calculator resolves model rates and computes usage cost.
type Calculator struct {
	mu      sync.RWMutex
	pricing map[string]ModelPricing
}

// NewCalculator creates a calculator. A nil table means embedded defaults.
func NewCalculator(pricing []ModelPricing) *Calculator {
	if pricing == nil {
		pricing = DefaultPricing
	}

	c := &Calculator{
		pricing: make(map[string]ModelPricing, len(pricing)),
	}
	for _, p := range pricing {
		c.pricing[p.Model] = p
	}
	return c
}

// LoadFile reads a rate table from a JSON file. Entries extend the embedded
// defaults; a model present in both takes the file's rates.
func LoadFile(path string) ([]ModelPricing, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pricing file: %w", err)
	}

	var entries []ModelPricing
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse pricing file %s: %w", path, err)
	}

	merged := make([]ModelPricing, 0, len(DefaultPricing)+len(entries))
	merged = append(merged, DefaultPricing...)
	merged = append(merged, entries...)
	return merged, nil
}

// Calculate returns the cost for the given model and token counts.
// Unknown models cost zero.
func (c *Calculator) Calculate(model string, inputTokens, outputTokens int) float64 {
	pricing, ok := c.Find(model)
	if !ok {
		return 0
	}

	inputCost := float64(inputTokens) / 1e6 * pricing.InputPer1M
	outputCost := float64(outputTokens) / 1e6 * pricing.OutputPer1M
	return inputCost + outputCost
}

// Find resolves rates for a model: exact match, then case-insensitive, then
// the longest table entry that prefixes the model id (so a dated release
// like claude-sonnet-4-5-20250929 falls back to claude-sonnet-4-5).
func (c *Calculator) Find(model string) (ModelPricing, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if p, ok := c.pricing[model]; ok {
		return p, true
	}

	for name, p := range c.pricing {
		if strings.EqualFold(name, model) {
			return p, true
		}
	}

	modelLower := strings.ToLower(model)
	var best ModelPricing
	bestLen := 0
	for name, p := range c.pricing {
		prefix := strings.ToLower(name)
		if strings.HasPrefix(modelLower, prefix) && len(prefix) > bestLen {
			best = p
			bestLen = len(prefix)
		}
	}
	if bestLen > 0 {
		return best, true
	}

	return ModelPricing{}, false
}

// SetRates adds or replaces the rates for a model at runtime.
func (c *Calculator) SetRates(pricing ModelPricing) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pricing[pricing.Model] = pricing
}

// Snapshot returns a copy of the current table.
func (c *Calculator) Snapshot() []ModelPricing {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]ModelPricing, 0, len(c.pricing))
	for _, p := range c.pricing {
		out = append(out, p)
	}
	return out
}
