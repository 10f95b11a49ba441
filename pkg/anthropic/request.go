// Package anthropic provides helpers for working with Anthropic Messages API
// payloads without decoding the full request. The proxy passes bodies through
// untouched except for the top-level model field, so everything here operates
// on raw JSON.
package anthropic

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Features is the vector the model router classifies on. It is extracted
// once per request from the inbound body.
type Features struct {
	Model        string
	MessageCount int
	HasTools     bool
	HasVision    bool
	SystemLength int
	MaxTokens    int
	Stream       bool
}

type rawRequest struct {
	Model     string            `json:"model"`
	Messages  []rawMessage      `json:"messages"`
	System    json.RawMessage   `json:"system"`
	Tools     []json.RawMessage `json:"tools"`
	MaxTokens int               `json:"max_tokens"`
	Stream    bool              `json:"stream"`
}

type rawMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type rawBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ExtractModel returns the top-level model field of a Messages request.
func ExtractModel(body []byte) (string, error) {
	var req struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return "", fmt.Errorf("parse request body: %w", err)
	}
	if req.Model == "" {
		return "", fmt.Errorf("request body has no model field")
	}
	return req.Model, nil
}

// ExtractFeatures parses the routing feature vector from a request body.
// Malformed sub-structures degrade to zero values rather than failing the
// request; the router treats an empty vector as a default-tier request.
func ExtractFeatures(body []byte) (Features, error) {
	var req rawRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return Features{}, fmt.Errorf("parse request body: %w", err)
	}

	f := Features{
		Model:        req.Model,
		MessageCount: len(req.Messages),
		HasTools:     len(req.Tools) > 0,
		MaxTokens:    req.MaxTokens,
		Stream:       req.Stream,
	}

	f.SystemLength = systemLength(req.System)

	for _, msg := range req.Messages {
		if hasVisionBlock(msg.Content) {
			f.HasVision = true
			break
		}
	}

	return f, nil
}

// systemLength handles both forms the API accepts: a plain string and an
// array of content blocks.
func systemLength(raw json.RawMessage) int {
	if len(raw) == 0 {
		return 0
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return len(s)
	}

	var blocks []rawBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return 0
	}
	total := 0
	for _, b := range blocks {
		total += len(b.Text)
	}
	return total
}

func hasVisionBlock(content json.RawMessage) bool {
	if len(content) == 0 || content[0] != '[' {
		return false
	}
	var blocks []rawBlock
	if err := json.Unmarshal(content, &blocks); err != nil {
		return false
	}
	for _, b := range blocks {
		if b.Type == "image" {
			return true
		}
	}
	return false
}

// SubstituteModel rewrites the top-level model field, preserving every other
// field of the body byte-for-byte in value (key order is not guaranteed).
func SubstituteModel(body []byte, model string) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("parse request body: %w", err)
	}

	encoded, err := json.Marshal(model)
	if err != nil {
		return nil, fmt.Errorf("encode model name: %w", err)
	}
	fields["model"] = encoded

	out, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("re-encode request body: %w", err)
	}
	return out, nil
}
