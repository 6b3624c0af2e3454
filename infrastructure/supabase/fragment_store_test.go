package supabase

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"decisium-backend/application/ports"
	"decisium-backend/domain/memory"
	"decisium-backend/pkg/auth"
	pkgerrors "decisium-backend/pkg/errors"
)

type mockRPC struct {
	mock.Mock
}

func (m *mockRPC) Rpc(name, count string, rpcBody interface{}) string {
	return m.Called(name, rpcBody).String(0)
}

func TestSearchFragments(t *testing.T) {
	rpc := &mockRPC{}
	rpc.On("Rpc", MatchFunction, matchParams{
		UserID:         "u1",
		Level:          "weekly",
		QueryEmbedding: []float64{0.1, 0.2},
		MatchThreshold: 0.5,
		MatchCount:     3,
	}).Return(`[
		{"content": "planned the launch", "metadata": {"source_id": "w1", "date": "2025-01-06"}, "similarity": 0.91},
		{"content": "odd metadata", "metadata": "not-an-object", "similarity": 0.7}
	]`)

	store := NewFragmentStore(rpc, zap.NewNop())
	got, err := store.SearchFragments(context.Background(), ports.FragmentQuery{
		UserID: "u1", Level: memory.LevelWeekly, Embedding: []float64{0.1, 0.2}, Threshold: 0.5, Limit: 3,
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "w1", got[0].Metadata.SourceID)
	assert.Equal(t, 0.91, got[0].Similarity)
	assert.Equal(t, memory.Metadata{}, got[1].Metadata)
	rpc.AssertExpectations(t)
}

func TestSearchFragmentsErrors(t *testing.T) {
	cases := map[string]string{
		"Empty":     "",
		"RPCError":  `{"code": "42883", "message": "function does not exist"}`,
		"Malformed": `[{"content": `,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rpc := &mockRPC{}
			rpc.On("Rpc", MatchFunction, mock.Anything).Return(body)

			_, err := NewFragmentStore(rpc, zap.NewNop()).SearchFragments(context.Background(), ports.FragmentQuery{UserID: "u1", Level: memory.LevelRaw})
			assert.True(t, pkgerrors.IsType(err, pkgerrors.ErrorTypeExternal))
		})
	}
}

func TestUpsertFragment(t *testing.T) {
	rpc := &mockRPC{}
	rpc.On("Rpc", UpsertFunction, mock.MatchedBy(func(p upsertParams) bool {
		return p.UserID == "u1" && p.Level == "daily" && p.SourceID == "daily_summary:u1:2025-01-06"
	})).Return(`"5f0c1a52-8d5e-4c55-9f51-1a3b1f1f0d11"`)

	store := NewFragmentStore(rpc, zap.NewNop())
	err := store.UpsertFragment(context.Background(), "u1", memory.LevelDaily, memory.Fragment{
		Content:  "a quiet day",
		Metadata: memory.Metadata{SourceID: "daily_summary:u1:2025-01-06", Date: "2025-01-06"},
	}, []float64{1, 0})
	require.NoError(t, err)
	rpc.AssertExpectations(t)

	err = store.UpsertFragment(context.Background(), "u1", memory.LevelDaily, memory.Fragment{Content: "x"}, nil)
	assert.True(t, pkgerrors.IsValidation(err))
}

func TestTokenVerifier(t *testing.T) {
	v := &TokenVerifier{lookup: func(token string) (*auth.UserContext, error) {
		if token == "good" {
			return &auth.UserContext{UserID: "u1", Email: "u1@example.com"}, nil
		}
		return nil, errors.New("401")
	}}

	user, err := v.Verify(context.Background(), "good")
	require.NoError(t, err)
	assert.Equal(t, "u1", user.UserID)

	_, err = v.Verify(context.Background(), "bad")
	assert.ErrorIs(t, err, auth.ErrInvalidToken)

	_, err = v.Verify(context.Background(), "")
	assert.ErrorIs(t, err, auth.ErrMissingToken)
}
