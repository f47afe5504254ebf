package plan

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{"numbered with noise", "1. A\n2. B\nNotes: ignore\n3. C", []string{"1. A", "2. B", "3. C"}},
		{"empty", "", nil},
		{"no period and indentation", "  1 Add header  \n\n 2) skip\n10. Tenth", []string{"1 Add header", "10. Tenth"}},
		{"headers discarded", "# Plan\nHere is the plan:\n1. Only step\nThanks!", []string{"1. Only step"}},
		{"bare number", "1.\n2. Real", []string{"2. Real"}},
		{"windows newlines", "1. A\r\n2. B\r\n", []string{"1. A", "2. B"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Parse(tt.raw))
		})
	}
}

func TestNormalizeDashBullets(t *testing.T) {
	raw := "Plan:\n- Add dark mode\n  - Add reset button\nnot-a-bullet"
	assert.Equal(t, []string{"1. Add dark mode", "1. Add reset button"}, Parse(Normalize(raw)))
}

func TestBuild(t *testing.T) {
	t.Run("empty plan fails", func(t *testing.T) {
		p, err := Build("I think it is fine as is.", DefaultMaxSteps)
		require.ErrorIs(t, err, ErrEmptyPlan)
		assert.Equal(t, 0, p.Len())
	})

	t.Run("truncates overlong plan", func(t *testing.T) {
		var lines []string
		for i := 1; i <= 20; i++ {
			lines = append(lines, fmt.Sprintf("%d. Step %d", i, i))
		}
		p, err := Build(strings.Join(lines, "\n"), DefaultMaxSteps)
		require.NoError(t, err)
		assert.Equal(t, DefaultMaxSteps, p.Len())
		assert.Equal(t, 5, p.Truncated)
		assert.Equal(t, "15. Step 15", p.Steps[14])
	})

	t.Run("zero cap keeps everything", func(t *testing.T) {
		p, err := Build("1. a\n2. b\n3. c", 0)
		require.NoError(t, err)
		assert.Equal(t, 3, p.Len())
		assert.Equal(t, "1. a\n2. b\n3. c", p.Text())
	})
}

func TestClassify(t *testing.T) {
	tests := []struct {
		step string
		want Category
	}{
		{"1. Improve the color scheme and layout", CategoryStyling},
		{"2. Add a reset button", CategoryFeature},
		{"3. Fix the off-by-one bug in the counter", CategoryFix},
		{"4. Handle edge cases for negative numbers", CategoryRobustness},
		{"5. Test everything works", CategoryQA},
		{"6. Review and refactor the code", CategoryReview},
		{"7. Keyboard shortcuts", CategoryGeneral},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.step), tt.step)
	}
}

func TestHasReviewStep(t *testing.T) {
	assert.False(t, HasReviewStep([]string{"1. Add buttons", "2. Style buttons"}))
	assert.True(t, HasReviewStep([]string{"1. Add buttons", "2. Review the final code for consistency"}))
	assert.True(t, HasReviewStep([]string{"1. Verify input handling"}))
	assert.False(t, HasReviewStep(nil))
}

func TestDependsOnPrevious(t *testing.T) {
	assert.False(t, DependsOnPrevious("1. Add a footer"))
	assert.True(t, DependsOnPrevious("2. Update the existing header"))
	assert.True(t, DependsOnPrevious("3. Implement persistence"))
	assert.True(t, DependsOnPrevious("4. "+strings.Repeat("x", 120)))
}
