package memory

import (
	"fmt"
	"sort"

	pkgerrors "decisium-backend/pkg/errors"
)

// Level is the granularity of a stored memory
type Level string

const (
	LevelMonthly Level = "monthly"
	LevelWeekly  Level = "weekly"
	LevelDaily   Level = "daily"
	LevelRaw     Level = "raw"
)

// Levels lists every level coarse to fine. Retrieval and formatting both
// follow this order.
var Levels = []Level{LevelMonthly, LevelWeekly, LevelDaily, LevelRaw}

// Valid reports whether l is a known level.
func (l Level) Valid() bool {
	for _, known := range Levels {
		if l == known {
			return true
		}
	}
	return false
}

// Metadata describes where a fragment came from.
type Metadata struct {
	SourceID string `json:"source_id,omitempty"`
	Date     string `json:"date,omitempty"`
	Type     string `json:"type,omitempty"`
}

// Fragment is one retrieved unit of context.
type Fragment struct {
	Content    string   `json:"content"`
	Metadata   Metadata `json:"metadata"`
	Similarity float64  `json:"similarity"`
}

// RetrievalResult holds one level's fragments, most similar first.
type RetrievalResult struct {
	Level     Level      `json:"hierarchy_level"`
	Fragments []Fragment `json:"fragments"`
}

// Options bound a retrieval call.
type Options struct {
	Threshold     float64
	LimitPerLevel int
}

// Validate rejects thresholds outside [0,1] and non-positive limits.
func (o Options) Validate() error {
	if o.Threshold < 0 || o.Threshold > 1 {
		return pkgerrors.NewValidationError(fmt.Sprintf("threshold %.3f outside [0,1]", o.Threshold))
	}
	if o.LimitPerLevel <= 0 {
		return pkgerrors.NewValidationError("limit per level must be positive")
	}
	return nil
}

// Select keeps fragments at or above the threshold, orders them by
// descending similarity (ties keep their input order) and truncates to the
// per-level limit.
func Select(fragments []Fragment, opts Options) []Fragment {
	kept := make([]Fragment, 0, len(fragments))
	for _, f := range fragments {
		if f.Similarity >= opts.Threshold {
			kept = append(kept, f)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].Similarity > kept[j].Similarity
	})
	if len(kept) > opts.LimitPerLevel {
		kept = kept[:opts.LimitPerLevel]
	}
	return kept
}
