// Package catalog derives capability records from the provider's model list
// and selects models for each workflow phase.
package catalog

import (
	"sort"
	"strings"
)

// Descriptor is one entry of the model list endpoint.
type Descriptor struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Reasoning   bool   `json:"reasoning,omitempty" yaml:"reasoning,omitempty"`
	Vision      bool   `json:"vision,omitempty" yaml:"vision,omitempty"`
	Audio       bool   `json:"audio,omitempty" yaml:"audio,omitempty"`
	MaxTokens   int    `json:"maxTokens,omitempty" yaml:"maxTokens,omitempty"`
	Provider    string `json:"provider,omitempty" yaml:"provider,omitempty"`
	BaseModel   bool   `json:"baseModel,omitempty" yaml:"baseModel,omitempty"`
}

// Capability is the derived, read-only view of a model used for ranking.
type Capability struct {
	ID           string `json:"id"`
	Description  string `json:"description,omitempty"`
	IsCoder      bool   `json:"is_coder"`
	HasReasoning bool   `json:"has_reasoning"`
	IsVision     bool   `json:"is_vision"`
	IsAudio      bool   `json:"is_audio"`
	QualityScore int    `json:"quality_score"`
	ContextSize  int    `json:"context_size"`
	Provider     string `json:"provider,omitempty"`
}

const defaultScore = 50

// baseScores maps model family prefixes to a starting quality score. The
// longest matching prefix wins.
var baseScores = map[string]int{
	"qwen-coder":        95,
	"deepseek-coder":    93,
	"deepseek-r1":       92,
	"qwen-reasoning":    92,
	"deepseek-reasoner": 91,
	"openai-large":      88,
	"openai-reasoning":  87,
	"gemini-thinking":   86,
	"llama":             85,
	"deepseek":          80,
	"qwen":              80,
	"mistral":           78,
	"openai":            75,
	"gemini":            72,
	"phi":               70,
}

// descriptionScores apply when no family prefix matched the id.
var descriptionScores = []struct {
	term  string
	score int
}{
	{"gpt-4o", 88},
	{"llama 3", 85},
	{"qwen 2", 80},
}

var (
	coderIDTerms       = []string{"coder"}
	coderDescTerms     = []string{"code generation", "coding assistant"}
	reasoningIDTerms   = []string{"reasoning", "think", "deepseek-r"}
	reasoningDescTerms = []string{"reasoning", "complex tasks", "logic"}
)

// Analyze derives a capability record from a descriptor.
func Analyze(d Descriptor) Capability {
	id := strings.ToLower(d.Name)
	desc := strings.ToLower(d.Description)

	c := Capability{
		ID:           d.Name,
		Description:  d.Description,
		IsCoder:      containsAny(id, coderIDTerms) || containsAny(desc, coderDescTerms),
		HasReasoning: d.Reasoning || containsAny(id, reasoningIDTerms) || containsAny(desc, reasoningDescTerms),
		IsVision:     d.Vision,
		IsAudio:      d.Audio,
		ContextSize:  contextSize(id, d.MaxTokens),
		Provider:     d.Provider,
	}
	c.QualityScore = score(id, desc, c, d.BaseModel)
	return c
}

func score(id, desc string, c Capability, baseModel bool) int {
	s, matched := prefixScore(id)
	if !matched {
		s = defaultScore
		for _, ds := range descriptionScores {
			if strings.Contains(desc, ds.term) {
				s = ds.score
				break
			}
		}
	}

	if c.IsCoder {
		s += 8
	}
	if c.HasReasoning {
		s += 10
	}
	if c.IsVision {
		s += 2
	}
	if baseModel {
		s += 3
	}
	if strings.Contains(id, "deepseek-r1-llama") && s < 90 {
		s = 90
	}
	if s > 100 {
		s = 100
	}
	return s
}

func prefixScore(id string) (int, bool) {
	best, bestLen := 0, -1
	for prefix, s := range baseScores {
		if strings.HasPrefix(id, prefix) && len(prefix) > bestLen {
			best, bestLen = s, len(prefix)
		}
	}
	return best, bestLen >= 0
}

func contextSize(id string, maxTokens int) int {
	if maxTokens > 0 {
		return maxTokens
	}
	switch {
	case strings.Contains(id, "qwen"):
		return 32768
	case strings.Contains(id, "deepseek"), strings.Contains(id, "mistral"):
		return 16384
	case strings.Contains(id, "gpt-4"), strings.Contains(id, "openai-large"), strings.Contains(id, "llama"):
		return 8192
	default:
		return 4096
	}
}

func containsAny(s string, terms []string) bool {
	for _, t := range terms {
		if strings.Contains(s, t) {
			return true
		}
	}
	return false
}

// sortByScore orders ids by descending quality score, then by id.
func sortByScore(ids []string, caps map[string]Capability) {
	sort.SliceStable(ids, func(i, j int) bool {
		a, b := caps[ids[i]], caps[ids[j]]
		if a.QualityScore != b.QualityScore {
			return a.QualityScore > b.QualityScore
		}
		return a.ID < b.ID
	})
}
