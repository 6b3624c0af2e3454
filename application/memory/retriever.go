package memory

import (
	"context"

	"go.uber.org/zap"

	"decisium-backend/application/ports"
	domainmemory "decisium-backend/domain/memory"
	pkgerrors "decisium-backend/pkg/errors"
)

// Retriever runs hierarchical similarity search over a user's memories.
type Retriever struct {
	embedder ports.Embedder
	searcher ports.FragmentSearcher
	defaults domainmemory.Options
	logger   *zap.Logger
}

// NewRetriever creates a retriever. defaults apply when Retrieve is called
// with a zero Options value.
func NewRetriever(embedder ports.Embedder, searcher ports.FragmentSearcher, defaults domainmemory.Options, logger *zap.Logger) *Retriever {
	return &Retriever{
		embedder: embedder,
		searcher: searcher,
		defaults: defaults,
		logger:   logger,
	}
}

// Retrieve embeds the query once and searches every level coarse to fine.
// Levels without a fragment at or above the threshold are omitted.
func (r *Retriever) Retrieve(ctx context.Context, query, userID string, opts domainmemory.Options) ([]domainmemory.RetrievalResult, error) {
	if opts == (domainmemory.Options{}) {
		opts = r.defaults
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, pkgerrors.NewValidationError("user id is required for retrieval")
	}
	if query == "" {
		return nil, nil
	}

	embedding, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, pkgerrors.NewExternalError("embedding", err)
	}

	var results []domainmemory.RetrievalResult
	for _, level := range domainmemory.Levels {
		found, err := r.searcher.SearchFragments(ctx, ports.FragmentQuery{
			UserID:    userID,
			Level:     level,
			Embedding: embedding,
			Threshold: opts.Threshold,
			Limit:     opts.LimitPerLevel,
		})
		if err != nil {
			return nil, pkgerrors.NewExternalError("fragment search", err).
				WithDetails(map[string]interface{}{"level": string(level)})
		}

		kept := domainmemory.Select(found, opts)
		if len(kept) == 0 {
			continue
		}
		results = append(results, domainmemory.RetrievalResult{Level: level, Fragments: kept})
	}

	r.logger.Debug("Memory retrieved",
		zap.String("user_id", userID),
		zap.Int("levels", len(results)),
	)
	return results, nil
}
