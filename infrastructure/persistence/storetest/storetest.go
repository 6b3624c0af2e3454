// Package storetest holds the behavioral contract every ports.TaskStore
// implementation must satisfy.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"decisium-backend/application/ports"
	"decisium-backend/domain/task"
	pkgerrors "decisium-backend/pkg/errors"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) ports.TaskStore

const (
	typeFirst  task.Type = "root.save_user_message"
	typeSecond task.Type = "root.memory_retriever"
)

func spec(session, user string) task.Spec {
	return task.Spec{SessionID: session, UserID: user, Type: typeFirst, Payload: task.Payload{"content": "hello"}}
}

// RunTaskStore runs the whole contract against stores built by newStore.
func RunTaskStore(t *testing.T, newStore Factory) {
	t.Run("CreateAssignsSequence", func(t *testing.T) { testCreateAssignsSequence(t, newStore(t)) })
	t.Run("CreateRejectsForeignSession", func(t *testing.T) { testCreateRejectsForeignSession(t, newStore(t)) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, newStore(t)) })
	t.Run("ListBySession", func(t *testing.T) { testListBySession(t, newStore(t)) })
	t.Run("ClaimIsGuarded", func(t *testing.T) { testClaimIsGuarded(t, newStore(t)) })
	t.Run("FailReleasesSlot", func(t *testing.T) { testFailReleasesSlot(t, newStore(t)) })
	t.Run("CompleteAndEnqueue", func(t *testing.T) { testCompleteAndEnqueue(t, newStore(t)) })
	t.Run("CompleteWithoutSuccessor", func(t *testing.T) { testCompleteWithoutSuccessor(t, newStore(t)) })
	t.Run("CancelledTaskCannotComplete", func(t *testing.T) { testCancelledTaskCannotComplete(t, newStore(t)) })
	t.Run("RetryClearsError", func(t *testing.T) { testRetryClearsError(t, newStore(t)) })
	t.Run("NextPending", func(t *testing.T) { testNextPending(t, newStore(t)) })
	t.Run("PendingSessions", func(t *testing.T) { testPendingSessions(t, newStore(t)) })
	t.Run("ConcurrentClaims", func(t *testing.T) { testConcurrentClaims(t, newStore(t)) })
	t.Run("ConcurrentCreates", func(t *testing.T) { testConcurrentCreates(t, newStore(t)) })
}

func testCreateAssignsSequence(t *testing.T, s ports.TaskStore) {
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		created, err := s.Create(ctx, spec("s1", "u1"))
		require.NoError(t, err)
		assert.Equal(t, i, created.Sequence)
		assert.Equal(t, task.StatusPending, created.Status)
		assert.NotEmpty(t, created.ID)
		assert.Nil(t, created.LastError)
		assert.Equal(t, "hello", created.Payload.String("content"))
	}

	other, err := s.Create(ctx, spec("s2", "u1"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), other.Sequence, "sequence is per session")
}

func testCreateRejectsForeignSession(t *testing.T, s ports.TaskStore) {
	ctx := context.Background()
	_, err := s.Create(ctx, spec("s1", "u1"))
	require.NoError(t, err)

	_, err = s.Create(ctx, spec("s1", "intruder"))
	require.Error(t, err)
	assert.True(t, pkgerrors.IsForbidden(err))
}

func testGetMissing(t *testing.T, s ports.TaskStore) {
	_, err := s.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, pkgerrors.IsNotFound(err))
}

func testListBySession(t *testing.T, s ports.TaskStore) {
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := s.Create(ctx, spec("s1", "u1"))
		require.NoError(t, err)
	}

	tasks, err := s.ListBySession(ctx, "s1", "u1")
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	for i, tk := range tasks {
		assert.Equal(t, int64(i+1), tk.Sequence)
	}

	_, err = s.ListBySession(ctx, "s1", "u2")
	assert.True(t, pkgerrors.IsForbidden(err))

	_, err = s.ListBySession(ctx, "nope", "u1")
	assert.True(t, pkgerrors.IsNotFound(err))
}

func testClaimIsGuarded(t *testing.T, s ports.TaskStore) {
	ctx := context.Background()
	a, err := s.Create(ctx, spec("s1", "u1"))
	require.NoError(t, err)
	b, err := s.Create(ctx, spec("s1", "u1"))
	require.NoError(t, err)
	other, err := s.Create(ctx, spec("s2", "u1"))
	require.NoError(t, err)

	running, err := s.UpdateStatus(ctx, a.ID, task.Claim())
	require.NoError(t, err)
	assert.Equal(t, task.StatusRunning, running.Status)

	_, err = s.UpdateStatus(ctx, a.ID, task.Claim())
	assert.True(t, pkgerrors.IsConflict(err), "second claim of the same task")

	_, err = s.UpdateStatus(ctx, b.ID, task.Claim())
	assert.True(t, pkgerrors.IsConflict(err), "second running task in the session")

	_, err = s.UpdateStatus(ctx, other.ID, task.Claim())
	assert.NoError(t, err, "sessions are independent")

	got, err := s.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, got.Status)
}

func testFailReleasesSlot(t *testing.T, s ports.TaskStore) {
	ctx := context.Background()
	a, err := s.Create(ctx, spec("s1", "u1"))
	require.NoError(t, err)
	b, err := s.Create(ctx, spec("s1", "u1"))
	require.NoError(t, err)

	_, err = s.UpdateStatus(ctx, a.ID, task.Claim())
	require.NoError(t, err)

	failed, err := s.UpdateStatus(ctx, a.ID, task.Fail("boom"))
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, failed.Status)
	assert.Equal(t, "boom", failed.ErrorMessage())
	assert.True(t, !failed.UpdatedAt.Before(a.UpdatedAt))

	_, err = s.UpdateStatus(ctx, b.ID, task.Claim())
	assert.NoError(t, err)
}

func testCompleteAndEnqueue(t *testing.T, s ports.TaskStore) {
	ctx := context.Background()
	a, err := s.Create(ctx, spec("s1", "u1"))
	require.NoError(t, err)
	_, err = s.UpdateStatus(ctx, a.ID, task.Claim())
	require.NoError(t, err)

	next := &task.Spec{SessionID: "s1", UserID: "u1", Type: typeSecond, Payload: task.Payload{"query": "hello"}}
	done, successor, err := s.CompleteAndEnqueue(ctx, a.ID, task.Payload{"message_id": "m1"}, next)
	require.NoError(t, err)

	assert.Equal(t, task.StatusSucceeded, done.Status)
	assert.Equal(t, "m1", done.Result.String("message_id"))
	require.NotNil(t, successor)
	assert.Equal(t, typeSecond, successor.Type)
	assert.Equal(t, task.StatusPending, successor.Status)
	assert.Equal(t, a.Sequence+1, successor.Sequence)
	assert.Equal(t, "hello", successor.Payload.String("query"))

	_, err = s.UpdateStatus(ctx, successor.ID, task.Claim())
	assert.NoError(t, err, "completion releases the running slot")

	_, _, err = s.CompleteAndEnqueue(ctx, a.ID, nil, next)
	assert.True(t, pkgerrors.IsConflict(err), "a succeeded task cannot complete twice")

	tasks, err := s.ListBySession(ctx, "s1", "u1")
	require.NoError(t, err)
	assert.Len(t, tasks, 2, "no duplicate successor")
}

func testCompleteWithoutSuccessor(t *testing.T, s ports.TaskStore) {
	ctx := context.Background()
	a, err := s.Create(ctx, spec("s1", "u1"))
	require.NoError(t, err)
	_, err = s.UpdateStatus(ctx, a.ID, task.Claim())
	require.NoError(t, err)

	done, successor, err := s.CompleteAndEnqueue(ctx, a.ID, task.Payload{"ok": true}, nil)
	require.NoError(t, err)
	assert.Nil(t, successor)
	assert.Equal(t, task.StatusSucceeded, done.Status)

	pending, err := s.NextPending(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, pending)
}

func testCancelledTaskCannotComplete(t *testing.T, s ports.TaskStore) {
	ctx := context.Background()
	a, err := s.Create(ctx, spec("s1", "u1"))
	require.NoError(t, err)
	_, err = s.UpdateStatus(ctx, a.ID, task.Claim())
	require.NoError(t, err)

	cancelled, err := s.UpdateStatus(ctx, a.ID, task.Cancel())
	require.NoError(t, err)
	assert.Equal(t, task.CancelledReason, cancelled.ErrorMessage())

	next := &task.Spec{SessionID: "s1", UserID: "u1", Type: typeSecond}
	_, _, err = s.CompleteAndEnqueue(ctx, a.ID, task.Payload{}, next)
	assert.True(t, pkgerrors.IsConflict(err))

	tasks, err := s.ListBySession(ctx, "s1", "u1")
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
	assert.Equal(t, task.StatusFailed, tasks[0].Status)
}

func testRetryClearsError(t *testing.T, s ports.TaskStore) {
	ctx := context.Background()
	a, err := s.Create(ctx, spec("s1", "u1"))
	require.NoError(t, err)
	_, err = s.UpdateStatus(ctx, a.ID, task.Claim())
	require.NoError(t, err)
	_, err = s.UpdateStatus(ctx, a.ID, task.Fail("X"))
	require.NoError(t, err)

	retried, err := s.UpdateStatus(ctx, a.ID, task.Retry())
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, retried.Status)
	assert.Nil(t, retried.LastError)

	got, err := s.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Nil(t, got.LastError)

	_, err = s.UpdateStatus(ctx, a.ID, task.Retry())
	assert.True(t, pkgerrors.IsConflict(err), "only failed tasks can be retried")

	next, err := s.NextPending(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, a.ID, next.ID)
}

func testNextPending(t *testing.T, s ports.TaskStore) {
	ctx := context.Background()

	none, err := s.NextPending(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, none)

	a, err := s.Create(ctx, spec("s1", "u1"))
	require.NoError(t, err)
	b, err := s.Create(ctx, spec("s1", "u1"))
	require.NoError(t, err)

	next, err := s.NextPending(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, a.ID, next.ID)

	_, err = s.UpdateStatus(ctx, a.ID, task.Cancel())
	require.NoError(t, err)

	next, err = s.NextPending(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, b.ID, next.ID)
}

func testPendingSessions(t *testing.T, s ports.TaskStore) {
	ctx := context.Background()
	for _, sid := range []string{"s1", "s2", "s3"} {
		_, err := s.Create(ctx, spec(sid, "u1"))
		require.NoError(t, err)
	}
	done, err := s.Create(ctx, spec("s4", "u1"))
	require.NoError(t, err)
	_, err = s.UpdateStatus(ctx, done.ID, task.Cancel())
	require.NoError(t, err)

	ids, err := s.PendingSessions(ctx, 10)
	require.NoError(t, err)
	sort.Strings(ids)
	assert.Equal(t, []string{"s1", "s2", "s3"}, ids)

	limited, err := s.PendingSessions(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func testConcurrentClaims(t *testing.T, s ports.TaskStore) {
	ctx := context.Background()
	const n = 8

	ids := make([]string, n)
	for i := range ids {
		created, err := s.Create(ctx, spec("s1", "u1"))
		require.NoError(t, err)
		ids[i] = created.ID
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for _, id := range ids {
		for dup := 0; dup < 2; dup++ {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				_, err := s.UpdateStatus(ctx, id, task.Claim())
				if err == nil {
					mu.Lock()
					winners++
					mu.Unlock()
					return
				}
				assert.True(t, pkgerrors.IsConflict(err), "unexpected error: %v", err)
			}(id)
		}
	}
	wg.Wait()

	assert.Equal(t, 1, winners)

	tasks, err := s.ListBySession(ctx, "s1", "u1")
	require.NoError(t, err)
	running := 0
	for _, tk := range tasks {
		if tk.Status == task.StatusRunning {
			running++
		}
	}
	assert.Equal(t, 1, running)
}

func testConcurrentCreates(t *testing.T, s ports.TaskStore) {
	ctx := context.Background()
	const n = 10

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sp := spec("s1", "u1")
			sp.Payload = task.Payload{"n": fmt.Sprint(i)}
			if _, err := s.Create(ctx, sp); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	tasks, err := s.ListBySession(ctx, "s1", "u1")
	require.NoError(t, err)
	require.Len(t, tasks, n)
	for i, tk := range tasks {
		assert.Equal(t, int64(i+1), tk.Sequence, "sequence has no gaps")
	}
}
