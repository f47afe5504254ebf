package plan

import "regexp"

// Category is a cosmetic label for a step, used by status displays only.
type Category string

const (
	CategoryStyling    Category = "styling"
	CategoryFeature    Category = "feature"
	CategoryFix        Category = "fix"
	CategoryRobustness Category = "robustness"
	CategoryQA         Category = "qa"
	CategoryReview     Category = "review"
	CategoryGeneral    Category = "general"
)

var categoryRules = []struct {
	category Category
	pattern  *regexp.Regexp
}{
	{CategoryStyling, regexp.MustCompile(`(?i)\b(style|styling|css|color|colou?rs|layout|design|visual|responsive|animation|theme|font)`)},
	{CategoryFeature, regexp.MustCompile(`(?i)\b(add|implement|feature|functionality|create|build|support)`)},
	{CategoryFix, regexp.MustCompile(`(?i)\b(fix|bug|error|issue|correct|repair|resolve)`)},
	{CategoryRobustness, regexp.MustCompile(`(?i)\b(robust|validation|validate input|edge case|handle|fallback|accessib|a11y|performance|optimi[sz])`)},
	{CategoryQA, regexp.MustCompile(`(?i)\b(test|testing|qa|quality|verify|verification)`)},
	{CategoryReview, regexp.MustCompile(`(?i)\b(review|refactor|clean ?up|polish|final)`)},
}

// Classify maps a step description to a display category. The first matching
// keyword group wins.
func Classify(step string) Category {
	for _, r := range categoryRules {
		if r.pattern.MatchString(step) {
			return r.category
		}
	}
	return CategoryGeneral
}

var reviewStep = regexp.MustCompile(`(?i)\b(review|validate|validation|test|testing|verify|verification|quality assurance|qa|final check)\b`)

// HasReviewStep reports whether any step already asks for a holistic review,
// which makes an automatic quality pass redundant.
func HasReviewStep(steps []string) bool {
	for _, s := range steps {
		if reviewStep.MatchString(s) {
			return true
		}
	}
	return false
}

var (
	dependencyWords = regexp.MustCompile(`(?i)previous|existing|update|modify|enhance|improve|fix|extend|combine|integrate`)
	complexWork     = regexp.MustCompile(`(?i)implement|create complex|build system|advanced`)
)

// DependsOnPrevious reports whether a step likely builds on the output of the
// steps before it and therefore must not run alongside them.
func DependsOnPrevious(step string) bool {
	return len(step) > 100 || dependencyWords.MatchString(step) || complexWork.MatchString(step)
}
