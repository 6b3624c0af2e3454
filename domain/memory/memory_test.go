package memory

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/google/go-cmp/cmp"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "decisium-backend/pkg/errors"
)

func fixture() []RetrievalResult {
	return []RetrievalResult{
		{
			Level: LevelMonthly,
			Fragments: []Fragment{
				{Content: "Focused on marathon training", Metadata: Metadata{Date: "2026-02", Type: "summary"}, Similarity: 0.8},
			},
		},
		{
			Level: LevelDaily,
			Fragments: []Fragment{
				{Content: "Ran 10km before work", Metadata: Metadata{Date: "2026-03-01"}, Similarity: 0.9},
				{Content: "Skipped the gym", Similarity: 0.6},
			},
		},
	}
}

func newGoldie(t *testing.T) *goldie.Goldie {
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
}

func TestFormatForPrompt(t *testing.T) {
	g := newGoldie(t)
	g.Assert(t, "format_for_prompt", []byte(FormatForPrompt(fixture())))
}

func TestFormatForPromptEmpty(t *testing.T) {
	assert.Equal(t, NoMemories, FormatForPrompt(nil))
	assert.Equal(t, NoMemories, FormatForPrompt([]RetrievalResult{{Level: LevelRaw}}))
}

func TestGetMemoryContext(t *testing.T) {
	t.Run("FitsEntirely", func(t *testing.T) {
		got := GetMemoryContext(fixture(), 1000)
		assert.Equal(t, FormatForPrompt(fixture()), got)
		assert.NotContains(t, got, TruncationMarker)
	})

	t.Run("KeepsCoarseLevelWhenTight", func(t *testing.T) {
		g := newGoldie(t)
		g.Assert(t, "memory_context_truncated", []byte(GetMemoryContext(fixture(), 20)))
	})

	t.Run("TenTokenBudget", func(t *testing.T) {
		long := []RetrievalResult{{
			Level:     LevelRaw,
			Fragments: []Fragment{{Content: strings.Repeat("a", 100), Similarity: 0.9}},
		}}
		got := GetMemoryContext(long, 10)

		require.True(t, strings.HasSuffix(got, TruncationMarker))
		body := strings.TrimSuffix(got, TruncationMarker)
		assert.LessOrEqual(t, utf8.RuneCountInString(body), 40)
	})

	t.Run("NeverExceedsBudget", func(t *testing.T) {
		for tokens := 0; tokens < 40; tokens++ {
			got := GetMemoryContext(fixture(), tokens)
			body := strings.TrimSuffix(strings.TrimSuffix(got, TruncationMarker), "\n")
			assert.LessOrEqual(t, utf8.RuneCountInString(body), tokens*CharsPerToken, "tokens=%d", tokens)
		}
	})

	t.Run("Empty", func(t *testing.T) {
		assert.Equal(t, NoMemories, GetMemoryContext(nil, 10))
	})

	t.Run("EmptyWithinTinyBudget", func(t *testing.T) {
		assert.Equal(t, TruncationMarker, GetMemoryContext(nil, 1))
		assert.Equal(t, TruncationMarker, GetMemoryContext(nil, 0))
	})
}

func TestSelect(t *testing.T) {
	in := []Fragment{
		{Content: "low", Similarity: 0.4},
		{Content: "b", Similarity: 0.7},
		{Content: "a", Similarity: 0.9},
		{Content: "c", Similarity: 0.7},
		{Content: "edge", Similarity: 0.5},
	}

	got := Select(in, Options{Threshold: 0.5, LimitPerLevel: 3})
	want := []Fragment{
		{Content: "a", Similarity: 0.9},
		{Content: "b", Similarity: 0.7},
		{Content: "c", Similarity: 0.7},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Select() mismatch (-want +got):\n%s", diff)
	}

	all := Select(in, Options{Threshold: 0.5, LimitPerLevel: 10})
	assert.Equal(t, "edge", all[len(all)-1].Content, "threshold is inclusive")
}

func TestOptionsValidate(t *testing.T) {
	assert.NoError(t, Options{Threshold: 0.5, LimitPerLevel: 5}.Validate())
	assert.True(t, pkgerrors.IsValidation(Options{Threshold: 1.5, LimitPerLevel: 5}.Validate()))
	assert.True(t, pkgerrors.IsValidation(Options{Threshold: 0.5}.Validate()))
}
