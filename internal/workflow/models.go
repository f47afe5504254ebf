package workflow

import (
	"appforge/internal/ai"
	"appforge/internal/catalog"
)

// ModelSource provides the current model registry. A non-nil Err is a
// configuration problem that blocks every run until it clears.
type ModelSource interface {
	Registry() *catalog.Registry
	Err() error
}

// phaseModels is the model chosen for each kind of call in a run.
type phaseModels struct {
	User             string `json:"user"`
	Generation       string `json:"generation"`
	Planning         string `json:"planning"`
	Fix              string `json:"fix"`
	UserHasReasoning bool   `json:"user_has_reasoning"`
}

// resolveModels picks the per-phase models. Without a registry every phase
// uses the user's model; without a user model the registry default is used.
func resolveModels(reg *catalog.Registry, user string) (phaseModels, error) {
	if user == "" {
		id, ok := reg.Select(catalog.Any, catalog.DefaultPreference)
		if !ok {
			return phaseModels{}, ErrNoModel
		}
		user = id
	}
	m := phaseModels{User: user, Generation: user, Planning: user, Fix: user}
	if reg.Len() == 0 {
		return m, nil
	}

	if c, ok := reg.Capability(user); ok {
		m.UserHasReasoning = c.HasReasoning
	}
	if id, ok := reg.Select(catalog.Coder, catalog.GenerationPreference); ok {
		m.Generation = id
	} else if id, ok := reg.Select(catalog.General, catalog.GeneralPreference); ok {
		m.Generation = id
	}
	if id, ok := firstAvailable(reg, catalog.PlanningPreference, catalog.Reasoning); ok {
		m.Planning = id
	}
	if id, ok := firstAvailable(reg, catalog.FixPreference, catalog.Any); ok {
		m.Fix = id
	}
	return m, nil
}

// firstAvailable returns the first preferred id present in reg that passes
// filter, without falling back to the best scorer.
func firstAvailable(reg *catalog.Registry, preference []string, filter catalog.Filter) (string, bool) {
	for _, id := range preference {
		if c, ok := reg.Capability(id); ok && filter(c) {
			return id, true
		}
	}
	return "", false
}

// Per-phase sampling options. The retry counts are capped by the gateway's
// configured retry budget.
var (
	researchOptions = ai.Options{Temperature: ai.Float(0.4), TopP: ai.Float(0.9), MaxTokens: 600, MaxRetries: ai.Retries(1)}
	discussOptions  = ai.Options{Temperature: ai.Float(0.6), TopP: ai.Float(0.95), MaxTokens: 150, MaxRetries: ai.Retries(1)}
	initialOptions  = ai.Options{Temperature: ai.Float(0.15), TopP: ai.Float(0.9), MaxTokens: 4096, MaxRetries: ai.Retries(2)}
	planningOptions = ai.Options{Temperature: ai.Float(0.3), TopP: ai.Float(0.95), MaxTokens: 1024, MaxRetries: ai.Retries(2)}
	stepOptions     = ai.Options{Temperature: ai.Float(0.15), TopP: ai.Float(0.9), MaxTokens: 4096, MaxRetries: ai.Retries(2)}
	refineOptions   = ai.Options{Temperature: ai.Float(0.2), TopP: ai.Float(0.9), MaxTokens: 4096, MaxRetries: ai.Retries(2)}
	fixOptions      = ai.Options{Temperature: ai.Float(0.1), TopP: ai.Float(0.8), MaxTokens: 4096, MaxRetries: ai.Retries(1)}
)

// withCaching returns opts with response caching toggled.
func withCaching(opts ai.Options, on bool) ai.Options {
	opts.AllowCaching = on
	return opts
}
