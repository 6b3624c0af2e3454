// Package supabase backs the memory corpus and token verification with a
// Supabase project.
package supabase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/supabase-community/supabase-go"
	"go.uber.org/zap"

	"decisium-backend/application/ports"
	"decisium-backend/domain/memory"
	pkgerrors "decisium-backend/pkg/errors"
)

// Database functions installed by the memory migration
const (
	MatchFunction  = "match_memory_fragments"
	UpsertFunction = "upsert_memory_fragment"
)

// RPCClient is the PostgREST surface the store needs. *supabase.Client
// satisfies it.
type RPCClient interface {
	Rpc(name, count string, rpcBody interface{}) string
}

var _ RPCClient = (*supabase.Client)(nil)

// FragmentStore searches and writes memory fragments through database
// functions, so similarity ranking happens next to the vectors.
type FragmentStore struct {
	client RPCClient
	logger *zap.Logger
}

var (
	_ ports.FragmentSearcher = (*FragmentStore)(nil)
	_ ports.FragmentWriter   = (*FragmentStore)(nil)
)

// NewClient opens a service-role client
func NewClient(url, serviceKey string) (*supabase.Client, error) {
	client, err := supabase.NewClient(url, serviceKey, nil)
	if err != nil {
		return nil, pkgerrors.NewExternalError("supabase", err)
	}
	return client, nil
}

// NewFragmentStore creates a fragment store
func NewFragmentStore(client RPCClient, logger *zap.Logger) *FragmentStore {
	return &FragmentStore{client: client, logger: logger}
}

type matchParams struct {
	UserID         string    `json:"p_user_id"`
	Level          string    `json:"p_hierarchy_level"`
	QueryEmbedding []float64 `json:"query_embedding"`
	MatchThreshold float64   `json:"match_threshold"`
	MatchCount     int       `json:"match_count"`
}

type matchRow struct {
	Content    string          `json:"content"`
	Metadata   json.RawMessage `json:"metadata"`
	Similarity float64         `json:"similarity"`
}

type upsertParams struct {
	UserID    string          `json:"p_user_id"`
	Level     string          `json:"p_hierarchy_level"`
	SourceID  string          `json:"p_source_id"`
	Content   string          `json:"p_content"`
	Metadata  memory.Metadata `json:"p_metadata"`
	Embedding []float64       `json:"p_embedding"`
}

// rpcError is the body PostgREST returns for a failed call
type rpcError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Hint    string `json:"hint"`
}

// SearchFragments implements ports.FragmentSearcher
func (s *FragmentStore) SearchFragments(ctx context.Context, q ports.FragmentQuery) ([]memory.Fragment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	body, err := s.call(MatchFunction, matchParams{
		UserID:         q.UserID,
		Level:          string(q.Level),
		QueryEmbedding: q.Embedding,
		MatchThreshold: q.Threshold,
		MatchCount:     q.Limit,
	})
	if err != nil {
		return nil, err
	}

	var rows []matchRow
	if err := json.Unmarshal([]byte(body), &rows); err != nil {
		return nil, pkgerrors.NewExternalError("supabase", fmt.Errorf("decode %s: %w", MatchFunction, err))
	}

	out := make([]memory.Fragment, 0, len(rows))
	for _, r := range rows {
		f := memory.Fragment{Content: r.Content, Similarity: r.Similarity}
		if len(r.Metadata) > 0 {
			// metadata is free-form jsonb; unknown shapes keep an empty Metadata
			if err := json.Unmarshal(r.Metadata, &f.Metadata); err != nil {
				s.logger.Debug("Ignoring unreadable fragment metadata", zap.Error(err))
			}
		}
		out = append(out, f)
	}
	return out, nil
}

// UpsertFragment implements ports.FragmentWriter. Fragments are keyed by
// (user, level, source id).
func (s *FragmentStore) UpsertFragment(ctx context.Context, userID string, level memory.Level, f memory.Fragment, embedding []float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.Metadata.SourceID == "" {
		return pkgerrors.NewValidationError("fragment source_id is required")
	}

	_, err := s.call(UpsertFunction, upsertParams{
		UserID:    userID,
		Level:     string(level),
		SourceID:  f.Metadata.SourceID,
		Content:   f.Content,
		Metadata:  f.Metadata,
		Embedding: embedding,
	})
	return err
}

func (s *FragmentStore) call(fn string, params interface{}) (string, error) {
	body := strings.TrimSpace(s.client.Rpc(fn, "", params))
	if body == "" {
		return "", pkgerrors.NewExternalError("supabase", fmt.Errorf("%s: empty response", fn))
	}

	if strings.HasPrefix(body, "{") {
		var e rpcError
		if err := json.Unmarshal([]byte(body), &e); err == nil && e.Message != "" {
			s.logger.Warn("Supabase RPC failed",
				zap.String("function", fn),
				zap.String("code", e.Code),
				zap.String("message", e.Message),
			)
			return "", pkgerrors.NewExternalError("supabase", errors.New(fn+": "+e.Message))
		}
	}
	return body, nil
}
