package continuation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"decisium-backend/application/executor"
	"decisium-backend/application/ports"
	"decisium-backend/domain/graph"
	domainmemory "decisium-backend/domain/memory"
	"decisium-backend/domain/task"
	"decisium-backend/infrastructure/persistence/memory"
	pkgerrors "decisium-backend/pkg/errors"
)

type mockDispatcher struct {
	mock.Mock
}

func (m *mockDispatcher) Dispatch(ctx context.Context, req ports.ContinuationRequest) error {
	return m.Called(ctx, req.TaskID).Error(0)
}

type mockExecutor struct {
	mock.Mock
}

func (m *mockExecutor) Execute(ctx context.Context, taskID string) (executor.Outcome, error) {
	args := m.Called(ctx, taskID)
	return args.Get(0).(executor.Outcome), args.Error(1)
}

type echoModel struct{}

func (echoModel) Complete(ctx context.Context, p ports.Prompt) (string, error) {
	return "echo: " + p.User, nil
}

// gatedModel blocks every completion until release is closed and reports
// the first call on entered.
type gatedModel struct {
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newGatedModel() *gatedModel {
	return &gatedModel{entered: make(chan struct{}), release: make(chan struct{})}
}

func (m *gatedModel) Complete(ctx context.Context, p ports.Prompt) (string, error) {
	m.once.Do(func() { close(m.entered) })
	<-m.release
	return "echo: " + p.User, nil
}

type noMemories struct{}

func (noMemories) Retrieve(ctx context.Context, query, userID string, opts domainmemory.Options) ([]domainmemory.RetrievalResult, error) {
	return nil, nil
}

func create(t *testing.T, store ports.TaskStore, session string, typ task.Type) *task.Task {
	t.Helper()
	created, err := store.Create(context.Background(), task.Spec{
		SessionID: session,
		UserID:    "u1",
		Type:      typ,
		Payload:   task.Payload{task.KeyContent: "hello"},
	})
	require.NoError(t, err)
	return created
}

func TestHandleTriggerDispatchesSuccessor(t *testing.T) {
	successor := &task.Task{ID: "t2", SessionID: "s1", Type: graph.RootMemoryRetriever}
	exec := &mockExecutor{}
	exec.On("Execute", mock.Anything, "t1").Return(executor.Outcome{Successor: successor}, nil)
	disp := &mockDispatcher{}
	disp.On("Dispatch", mock.Anything, "t2").Return(nil).Once()

	svc := NewService(memory.NewTaskStore(), exec, disp, nil, "test", zap.NewNop())
	out, err := svc.HandleTrigger(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "t2", out.Successor.ID)
	disp.AssertExpectations(t)
}

func TestHandleTriggerTerminalDoesNotDispatch(t *testing.T) {
	exec := &mockExecutor{}
	exec.On("Execute", mock.Anything, "t1").Return(executor.Outcome{Task: &task.Task{ID: "t1"}}, nil)
	disp := &mockDispatcher{}

	svc := NewService(memory.NewTaskStore(), exec, disp, nil, "test", zap.NewNop())
	_, err := svc.HandleTrigger(context.Background(), "t1")
	require.NoError(t, err)
	disp.AssertNotCalled(t, "Dispatch", mock.Anything, mock.Anything)
}

func TestHandleTriggerDispatchFailureLeavesSuccessorPending(t *testing.T) {
	store := memory.NewTaskStore()
	first := create(t, store, "s1", graph.RootSaveUserMessage)

	table := executor.NewHandlerTable(executor.NodeDeps{
		Messages: memory.NewMessageStore(),
		Model:    echoModel{},
		Memory:   noMemories{},
	})
	exec, err := executor.New(store, table, nil, nil, zap.NewNop())
	require.NoError(t, err)

	disp := &mockDispatcher{}
	disp.On("Dispatch", mock.Anything, mock.Anything).Return(errors.New("connection refused"))

	svc := NewService(store, exec, disp, nil, "test", zap.NewNop())
	out, err := svc.HandleTrigger(context.Background(), first.ID)
	require.NoError(t, err)
	require.True(t, out.HasSuccessor())

	got, err := store.Get(context.Background(), out.Successor.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, got.Status)

	err = svc.ContinueAfter(context.Background(), out)
	assert.True(t, pkgerrors.IsDispatchFailure(err))
}

func TestHandleTriggerTerminalHandsOffSession(t *testing.T) {
	store := memory.NewTaskStore()
	queued := create(t, store, "s1", graph.RootSaveUserMessage)

	exec := &mockExecutor{}
	exec.On("Execute", mock.Anything, "t1").Return(executor.Outcome{Task: &task.Task{ID: "t1", SessionID: "s1", Status: task.StatusSucceeded}}, nil)
	disp := &mockDispatcher{}
	disp.On("Dispatch", mock.Anything, queued.ID).Return(nil).Once()

	svc := NewService(store, exec, disp, nil, "test", zap.NewNop())
	_, err := svc.HandleTrigger(context.Background(), "t1")
	require.NoError(t, err)
	disp.AssertExpectations(t)
}

func TestSecondChainStartsWhenFirstFinishes(t *testing.T) {
	store := memory.NewTaskStore()
	ctx := context.Background()
	model := newGatedModel()

	table := executor.NewHandlerTable(executor.NodeDeps{
		Messages: memory.NewMessageStore(),
		Model:    model,
		Memory:   noMemories{},
	})
	exec, err := executor.New(store, table, nil, nil, zap.NewNop())
	require.NoError(t, err)

	inline := NewInlineDispatcher(zap.NewNop())
	svc := NewService(store, exec, inline, nil, "inline", zap.NewNop())
	inline.Bind(svc)

	first := create(t, store, "s1", graph.RootResponseAgent)
	done := make(chan error, 1)
	go func() {
		_, err := svc.HandleTrigger(ctx, first.ID)
		done <- err
	}()
	<-model.entered

	// the session is busy, so the second chain's trigger is skipped
	second := create(t, store, "s1", graph.RootSaveUserMessage)
	out, err := svc.HandleTrigger(ctx, second.ID)
	require.NoError(t, err)
	assert.True(t, out.Skipped)
	got, err := store.Get(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, got.Status)

	close(model.release)
	require.NoError(t, <-done)
	inline.Wait()

	tasks, err := store.ListBySession(ctx, "s1", "u1")
	require.NoError(t, err)
	require.Len(t, tasks, 6)
	for _, tk := range tasks {
		assert.Equal(t, task.StatusSucceeded, tk.Status, "%s %s", tk.Type, tk.ID)
	}
}

func TestHandleTriggerExecuteError(t *testing.T) {
	exec := &mockExecutor{}
	exec.On("Execute", mock.Anything, "missing").Return(executor.Outcome{}, pkgerrors.NewNotFoundError("task"))

	svc := NewService(memory.NewTaskStore(), exec, &mockDispatcher{}, nil, "test", zap.NewNop())
	_, err := svc.HandleTrigger(context.Background(), "missing")
	assert.True(t, pkgerrors.IsNotFound(err))
}

func TestSweep(t *testing.T) {
	store := memory.NewTaskStore()
	ctx := context.Background()

	// s1: one pending task, nothing running
	idle := create(t, store, "s1", graph.RootSaveUserMessage)

	// s2: a running task and a pending one behind it
	running := create(t, store, "s2", graph.RootSaveUserMessage)
	create(t, store, "s2", graph.RootMemoryRetriever)
	_, err := store.UpdateStatus(ctx, running.ID, task.Claim())
	require.NoError(t, err)

	// s3: pending task whose dispatch fails
	broken := create(t, store, "s3", graph.DailyClassifierAgent)

	disp := &mockDispatcher{}
	disp.On("Dispatch", mock.Anything, idle.ID).Return(nil).Once()
	disp.On("Dispatch", mock.Anything, broken.ID).Return(errors.New("throttled")).Once()

	svc := NewService(store, &mockExecutor{}, disp, nil, "test", zap.NewNop())
	report, err := svc.Sweep(ctx, 0)
	require.NoError(t, err)
	require.Len(t, report.Entries, 3)

	byID := map[string]SweepEntry{}
	for _, e := range report.Entries {
		byID[e.SessionID] = e
	}
	assert.Equal(t, SweepDispatched, byID["s1"].Action)
	assert.Equal(t, idle.ID, byID["s1"].TaskID)
	assert.Equal(t, SweepSkippedRunning, byID["s2"].Action)
	assert.Equal(t, SweepError, byID["s3"].Action)
	assert.Contains(t, byID["s3"].Error, "throttled")

	assert.Equal(t, 1, report.Count(SweepDispatched))
	disp.AssertExpectations(t)
}

func TestSweepReportsStaleRunningTask(t *testing.T) {
	store := memory.NewTaskStore()
	ctx := context.Background()

	stuck := create(t, store, "s1", graph.RootSaveUserMessage)
	create(t, store, "s1", graph.RootMemoryRetriever)
	_, err := store.UpdateStatus(ctx, stuck.ID, task.Claim())
	require.NoError(t, err)

	svc := NewService(store, &mockExecutor{}, &mockDispatcher{}, nil, "test", zap.NewNop())
	svc.now = func() time.Time { return time.Now().Add(DefaultStaleAfter + time.Minute) }

	report, err := svc.Sweep(ctx, 0)
	require.NoError(t, err)
	require.Len(t, report.Entries, 1)
	assert.Equal(t, SweepStaleRunning, report.Entries[0].Action)
	assert.Equal(t, stuck.ID, report.Entries[0].TaskID)
	assert.Equal(t, 1, report.Count(SweepStaleRunning))
}

func TestSweepStoreError(t *testing.T) {
	store := memory.NewTaskStore()
	store.SetError("PendingSessions", errors.New("unavailable"))

	svc := NewService(store, &mockExecutor{}, &mockDispatcher{}, nil, "test", zap.NewNop())
	_, err := svc.Sweep(context.Background(), 10)
	assert.Error(t, err)
}

func TestInlineDispatcherDrivesChainToCompletion(t *testing.T) {
	store := memory.NewTaskStore()
	first := create(t, store, "s1", graph.RootSaveUserMessage)

	table := executor.NewHandlerTable(executor.NodeDeps{
		Messages: memory.NewMessageStore(),
		Model:    echoModel{},
		Memory:   noMemories{},
	})
	exec, err := executor.New(store, table, nil, nil, zap.NewNop())
	require.NoError(t, err)

	inline := NewInlineDispatcher(zap.NewNop())
	svc := NewService(store, exec, inline, nil, "inline", zap.NewNop())
	inline.Bind(svc)

	require.NoError(t, svc.Dispatch(context.Background(), first))
	inline.Wait()

	tasks, err := store.ListBySession(context.Background(), "s1", "u1")
	require.NoError(t, err)
	require.Len(t, tasks, 4)
	for _, tk := range tasks {
		assert.Equal(t, task.StatusSucceeded, tk.Status)
	}
	assert.Equal(t, graph.RootSaveAssistantMessage, tasks[3].Type)
	assert.Equal(t, "echo: hello", tasks[2].Result.String(task.KeyResponse))
}

func TestInlineDispatcherUnbound(t *testing.T) {
	err := NewInlineDispatcher(zap.NewNop()).Dispatch(context.Background(), ports.ContinuationRequest{TaskID: "t1"})
	assert.True(t, pkgerrors.IsDispatchFailure(err))
}
