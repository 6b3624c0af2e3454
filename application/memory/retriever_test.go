package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"decisium-backend/application/ports"
	domainmemory "decisium-backend/domain/memory"
	pkgerrors "decisium-backend/pkg/errors"
)

type mockEmbedder struct {
	mock.Mock
}

func (m *mockEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	args := m.Called(ctx, text)
	v, _ := args.Get(0).([]float64)
	return v, args.Error(1)
}

type mockSearcher struct {
	mock.Mock
}

func (m *mockSearcher) SearchFragments(ctx context.Context, q ports.FragmentQuery) ([]domainmemory.Fragment, error) {
	args := m.Called(ctx, q.Level)
	v, _ := args.Get(0).([]domainmemory.Fragment)
	return v, args.Error(1)
}

var defaults = domainmemory.Options{Threshold: 0.5, LimitPerLevel: 5}

func TestRetrieveOrdersCoarseFirstDescendingWithinLevel(t *testing.T) {
	embedder := &mockEmbedder{}
	embedder.On("Embed", mock.Anything, "how was my week").Return([]float64{0.1, 0.2}, nil).Once()

	searcher := &mockSearcher{}
	searcher.On("SearchFragments", mock.Anything, domainmemory.LevelMonthly).
		Return([]domainmemory.Fragment{{Content: "m", Similarity: 0.8}}, nil)
	searcher.On("SearchFragments", mock.Anything, domainmemory.LevelWeekly).
		Return([]domainmemory.Fragment{{Content: "w", Similarity: 0.3}}, nil)
	searcher.On("SearchFragments", mock.Anything, domainmemory.LevelDaily).
		Return([]domainmemory.Fragment{{Content: "d2", Similarity: 0.6}, {Content: "d1", Similarity: 0.9}}, nil)
	searcher.On("SearchFragments", mock.Anything, domainmemory.LevelRaw).
		Return([]domainmemory.Fragment(nil), nil)

	r := NewRetriever(embedder, searcher, defaults, zap.NewNop())
	got, err := r.Retrieve(context.Background(), "how was my week", "u1", domainmemory.Options{})
	require.NoError(t, err)

	want := []domainmemory.RetrievalResult{
		{Level: domainmemory.LevelMonthly, Fragments: []domainmemory.Fragment{{Content: "m", Similarity: 0.8}}},
		{Level: domainmemory.LevelDaily, Fragments: []domainmemory.Fragment{
			{Content: "d1", Similarity: 0.9},
			{Content: "d2", Similarity: 0.6},
		}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Retrieve() mismatch (-want +got):\n%s", diff)
	}

	embedder.AssertNumberOfCalls(t, "Embed", 1)
	searcher.AssertNumberOfCalls(t, "SearchFragments", 4)
}

func TestRetrieveTruncatesPerLevel(t *testing.T) {
	embedder := &mockEmbedder{}
	embedder.On("Embed", mock.Anything, mock.Anything).Return([]float64{1}, nil)

	many := []domainmemory.Fragment{
		{Content: "a", Similarity: 0.61}, {Content: "b", Similarity: 0.99}, {Content: "c", Similarity: 0.75},
	}
	searcher := &mockSearcher{}
	searcher.On("SearchFragments", mock.Anything, domainmemory.LevelRaw).Return(many, nil)
	searcher.On("SearchFragments", mock.Anything, mock.Anything).Return([]domainmemory.Fragment(nil), nil)

	r := NewRetriever(embedder, searcher, defaults, zap.NewNop())
	got, err := r.Retrieve(context.Background(), "q", "u1", domainmemory.Options{Threshold: 0.5, LimitPerLevel: 2})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, domainmemory.LevelRaw, got[0].Level)
	assert.Equal(t, "b", got[0].Fragments[0].Content)
	assert.Equal(t, "c", got[0].Fragments[1].Content)
}

func TestRetrieveErrors(t *testing.T) {
	t.Run("InvalidOptions", func(t *testing.T) {
		r := NewRetriever(&mockEmbedder{}, &mockSearcher{}, defaults, zap.NewNop())
		_, err := r.Retrieve(context.Background(), "q", "u1", domainmemory.Options{Threshold: 2, LimitPerLevel: 1})
		assert.True(t, pkgerrors.IsValidation(err))
	})

	t.Run("EmbeddingFails", func(t *testing.T) {
		embedder := &mockEmbedder{}
		embedder.On("Embed", mock.Anything, mock.Anything).Return(nil, errors.New("rate limited"))

		r := NewRetriever(embedder, &mockSearcher{}, defaults, zap.NewNop())
		_, err := r.Retrieve(context.Background(), "q", "u1", domainmemory.Options{})
		assert.True(t, pkgerrors.IsType(err, pkgerrors.ErrorTypeExternal))
	})

	t.Run("EmptyQuery", func(t *testing.T) {
		r := NewRetriever(&mockEmbedder{}, &mockSearcher{}, defaults, zap.NewNop())
		got, err := r.Retrieve(context.Background(), "", "u1", domainmemory.Options{})
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}
