package memory

import (
	"strings"
	"unicode/utf8"
)

const (
	// NoMemories is rendered when nothing was retrieved.
	NoMemories = "No relevant memories found."

	// TruncationMarker is appended when GetMemoryContext drops content.
	TruncationMarker = "...[truncated]"

	// CharsPerToken is the fixed token-to-character ratio used for budgets.
	CharsPerToken = 4
)

var headings = map[Level]string{
	LevelMonthly: "### Monthly Summaries",
	LevelWeekly:  "### Weekly Summaries",
	LevelDaily:   "### Daily Summaries",
	LevelRaw:     "### Raw Entries",
}

func heading(l Level) string {
	if h, ok := headings[l]; ok {
		return h
	}
	return "### " + string(l)
}

func bullet(f Fragment) string {
	if f.Metadata.Date == "" {
		return "- " + f.Content
	}
	return "- " + f.Content + " (" + f.Metadata.Date + ")"
}

// units flattens results into the pieces GetMemoryContext emits. A heading
// always travels with its first fragment.
func units(results []RetrievalResult) []string {
	var out []string
	for _, r := range results {
		for i, f := range r.Fragments {
			var u string
			if i == 0 {
				if len(out) > 0 {
					u = "\n\n"
				}
				u += heading(r.Level) + "\n" + bullet(f)
			} else {
				u = "\n" + bullet(f)
			}
			out = append(out, u)
		}
	}
	return out
}

// FormatForPrompt renders every level as a heading followed by bullet
// fragments, levels separated by a blank line.
func FormatForPrompt(results []RetrievalResult) string {
	parts := units(results)
	if len(parts) == 0 {
		return NoMemories
	}
	return strings.Join(parts, "")
}

// GetMemoryContext renders results within maxTokens*CharsPerToken characters.
// Units are emitted greedily in FormatForPrompt order and emission stops at
// the first unit that would overflow; the body then gets TruncationMarker
// appended on its own line. The body never exceeds the budget. Empty results
// render NoMemories, which is itself subject to the budget.
func GetMemoryContext(results []RetrievalResult, maxTokens int) string {
	parts := units(results)
	if len(parts) == 0 {
		parts = []string{NoMemories}
	}

	budget := maxTokens * CharsPerToken
	if budget < 0 {
		budget = 0
	}

	var b strings.Builder
	used := 0
	for _, u := range parts {
		n := utf8.RuneCountInString(u)
		if used+n > budget {
			if used == 0 {
				return TruncationMarker
			}
			return b.String() + "\n" + TruncationMarker
		}
		b.WriteString(u)
		used += n
	}
	return b.String()
}
