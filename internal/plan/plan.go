// Package plan turns free-form enhancement plans into ordered steps and
// provides the keyword heuristics used around step execution.
package plan

import (
	"errors"
	"regexp"
	"strings"
)

// DefaultMaxSteps is the soft cap applied to overlong plans.
const DefaultMaxSteps = 15

// ErrEmptyPlan is returned when no numbered step could be parsed.
var ErrEmptyPlan = errors.New("plan contains no numbered steps")

var (
	itemLine   = regexp.MustCompile(`^\d+\.?\s+\S`)
	dashBullet = regexp.MustCompile(`(?m)^[ \t]*-[ \t]+`)
)

// Plan is an ordered list of enhancement steps together with the raw text
// they were parsed from.
type Plan struct {
	Raw       string   `json:"raw"`
	Steps     []string `json:"steps"`
	Truncated int      `json:"truncated,omitempty"`
}

// Len returns the number of steps.
func (p Plan) Len() int { return len(p.Steps) }

// Parse keeps the trimmed lines that look like numbered list items
// ("1. text", "2 text") in their original order.
func Parse(raw string) []string {
	var steps []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if itemLine.MatchString(line) {
			steps = append(steps, line)
		}
	}
	return steps
}

// Normalize rewrites dash bullets as numbered items so Parse recognizes them.
func Normalize(raw string) string {
	return dashBullet.ReplaceAllString(raw, "1. ")
}

// Build normalizes and parses raw, then truncates the result to maxSteps when
// maxSteps is positive. An empty result is ErrEmptyPlan.
func Build(raw string, maxSteps int) (Plan, error) {
	p := Plan{Raw: raw, Steps: Parse(Normalize(raw))}
	if len(p.Steps) == 0 {
		return p, ErrEmptyPlan
	}
	if maxSteps > 0 && len(p.Steps) > maxSteps {
		p.Truncated = len(p.Steps) - maxSteps
		p.Steps = p.Steps[:maxSteps]
	}
	return p, nil
}

// Text renders the steps one per line.
func (p Plan) Text() string {
	return strings.Join(p.Steps, "\n")
}
