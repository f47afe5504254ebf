package metrics

import (
	"regexp"
	"strings"
	"time"
)

var labelSanitizer = regexp.MustCompile(`[^a-z0-9_]+`)

// RecordRun records a finished top-level run.
func (m *Metrics) RecordRun(mode, outcome string, duration time.Duration) {
	mode = sanitizeLabel(mode, "unknown")
	m.RunsTotal.WithLabelValues(mode, sanitizeLabel(outcome, "unknown")).Inc()
	m.RunDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// RecordPhase records the time spent in a workflow phase.
func (m *Metrics) RecordPhase(phase string, duration time.Duration) {
	m.PhaseDuration.WithLabelValues(sanitizeLabel(phase, "unknown")).Observe(duration.Seconds())
}

// RecordStep records an enhancement step outcome: applied, unchanged or failed.
func (m *Metrics) RecordStep(outcome string) {
	m.StepsTotal.WithLabelValues(sanitizeLabel(outcome, "unknown")).Inc()
}

func sanitizeLabel(raw, fallback string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return fallback
	}
	s = labelSanitizer.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if s == "" {
		return fallback
	}
	if len(s) > 63 {
		s = s[:63]
	}
	return s
}
