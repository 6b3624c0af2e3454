package sessions

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"decisium-backend/domain/graph"
	"decisium-backend/domain/task"
	"decisium-backend/infrastructure/persistence/memory"
	pkgerrors "decisium-backend/pkg/errors"
)

type mockDispatcher struct {
	mock.Mock
}

func (m *mockDispatcher) Dispatch(ctx context.Context, t *task.Task) error {
	return m.Called(ctx, t.ID).Error(0)
}

func setup(t *testing.T) (*Service, *memory.TaskStore, *mockDispatcher) {
	t.Helper()
	store := memory.NewTaskStore()
	disp := &mockDispatcher{}
	return NewService(store, disp, zap.NewNop()), store, disp
}

func TestEnqueue(t *testing.T) {
	ctx := context.Background()

	t.Run("ByGraph", func(t *testing.T) {
		svc, _, disp := setup(t)
		disp.On("Dispatch", mock.Anything, mock.Anything).Return(nil).Once()

		created, err := svc.Enqueue(ctx, "u1", EnqueueRequest{
			SessionID: "s1",
			Graph:     "daily",
			Payload:   task.Payload{task.KeyContent: "slept well"},
		})
		require.NoError(t, err)
		assert.Equal(t, graph.DailyClassifierAgent, created.Type)
		assert.Equal(t, task.StatusPending, created.Status)
		assert.Equal(t, int64(1), created.Sequence)
		disp.AssertExpectations(t)
	})

	t.Run("ByType", func(t *testing.T) {
		svc, _, disp := setup(t)
		disp.On("Dispatch", mock.Anything, mock.Anything).Return(nil)

		created, err := svc.Enqueue(ctx, "u1", EnqueueRequest{SessionID: "s1", Type: "root.save_user_message"})
		require.NoError(t, err)
		assert.Equal(t, graph.RootSaveUserMessage, created.Type)
	})

	t.Run("DispatchFailureStillCreates", func(t *testing.T) {
		svc, store, disp := setup(t)
		disp.On("Dispatch", mock.Anything, mock.Anything).Return(errors.New("bus down"))

		created, err := svc.Enqueue(ctx, "u1", EnqueueRequest{SessionID: "s1", Graph: "root"})
		require.NoError(t, err)

		got, err := store.Get(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, task.StatusPending, got.Status)
	})

	t.Run("Rejections", func(t *testing.T) {
		svc, _, _ := setup(t)
		tests := []struct {
			name   string
			userID string
			req    EnqueueRequest
			check  func(error) bool
		}{
			{"NoCaller", "", EnqueueRequest{SessionID: "s1", Graph: "root"}, pkgerrors.IsUnauthorized},
			{"NoSession", "u1", EnqueueRequest{Graph: "root"}, pkgerrors.IsValidation},
			{"NoTypeOrGraph", "u1", EnqueueRequest{SessionID: "s1"}, pkgerrors.IsValidation},
			{"UnknownGraph", "u1", EnqueueRequest{SessionID: "s1", Graph: "weekly"}, pkgerrors.IsValidation},
			{"UnknownDailyType", "u1", EnqueueRequest{SessionID: "s1", Type: "daily.reflect"}, pkgerrors.IsValidation},
			{"GraphMismatch", "u1", EnqueueRequest{SessionID: "s1", Type: "root.save_user_message", Graph: "daily"}, pkgerrors.IsValidation},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := svc.Enqueue(ctx, tt.userID, tt.req)
				require.Error(t, err)
				assert.True(t, tt.check(err), "unexpected error %v", err)
			})
		}
	})

	t.Run("ForeignSession", func(t *testing.T) {
		svc, _, disp := setup(t)
		disp.On("Dispatch", mock.Anything, mock.Anything).Return(nil)

		_, err := svc.Enqueue(ctx, "u1", EnqueueRequest{SessionID: "s1", Graph: "root"})
		require.NoError(t, err)
		_, err = svc.Enqueue(ctx, "u2", EnqueueRequest{SessionID: "s1", Graph: "root"})
		assert.True(t, pkgerrors.IsForbidden(err))
	})
}

func TestListEnforcesOwnership(t *testing.T) {
	ctx := context.Background()
	svc, _, disp := setup(t)
	disp.On("Dispatch", mock.Anything, mock.Anything).Return(nil)

	for i := 0; i < 3; i++ {
		_, err := svc.Enqueue(ctx, "u1", EnqueueRequest{SessionID: "s1", Graph: "root"})
		require.NoError(t, err)
	}

	tasks, err := svc.List(ctx, "u1", "s1")
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	for i, tk := range tasks {
		assert.Equal(t, int64(i+1), tk.Sequence)
	}

	_, err = svc.List(ctx, "u2", "s1")
	assert.True(t, pkgerrors.IsForbidden(err))

	_, err = svc.List(ctx, "", "s1")
	assert.True(t, pkgerrors.IsUnauthorized(err))
}

func TestCancelRetryRun(t *testing.T) {
	ctx := context.Background()
	svc, store, disp := setup(t)
	disp.On("Dispatch", mock.Anything, mock.Anything).Return(nil)

	created, err := svc.Enqueue(ctx, "u1", EnqueueRequest{SessionID: "s1", Graph: "root"})
	require.NoError(t, err)

	_, err = svc.Cancel(ctx, "u2", created.ID)
	assert.True(t, pkgerrors.IsForbidden(err))
	_, err = svc.Cancel(ctx, "u1", "missing")
	assert.True(t, pkgerrors.IsNotFound(err))

	cancelled, err := svc.Cancel(ctx, "u1", created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, cancelled.Status)
	assert.Equal(t, task.CancelledReason, cancelled.ErrorMessage())

	_, err = svc.Cancel(ctx, "u1", created.ID)
	assert.True(t, pkgerrors.IsConflict(err))

	_, err = svc.Run(ctx, "u1", created.ID)
	assert.True(t, pkgerrors.IsConflict(err))

	retried, err := svc.Retry(ctx, "u1", created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, retried.Status)
	assert.Nil(t, retried.LastError)

	// retry alone does not execute
	got, err := store.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, got.Status)

	_, err = svc.Retry(ctx, "u1", created.ID)
	assert.True(t, pkgerrors.IsConflict(err))

	ran, err := svc.Run(ctx, "u1", created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, ran.ID)
	disp.AssertNumberOfCalls(t, "Dispatch", 2)
}

func TestRunPropagatesDispatchFailure(t *testing.T) {
	ctx := context.Background()
	svc, store, disp := setup(t)

	created, err := store.Create(ctx, task.Spec{SessionID: "s1", UserID: "u1", Type: graph.RootSaveUserMessage})
	require.NoError(t, err)

	disp.On("Dispatch", mock.Anything, created.ID).Return(pkgerrors.NewDispatchFailure(created.ID, errors.New("timeout")))
	_, err = svc.Run(ctx, "u1", created.ID)
	assert.True(t, pkgerrors.IsDispatchFailure(err))
}
