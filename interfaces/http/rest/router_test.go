package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"decisium-backend/application/executor"
	"decisium-backend/application/sessions"
	"decisium-backend/domain/task"
	"decisium-backend/infrastructure/observability"
	"decisium-backend/infrastructure/persistence/memory"
	"decisium-backend/interfaces/http/rest/handlers"
	"decisium-backend/pkg/auth"
	pkgerrors "decisium-backend/pkg/errors"
)

const (
	jwtSecret      = "test-secret"
	internalSecret = "internal"
)

type mockDispatcher struct {
	mock.Mock
}

func (m *mockDispatcher) Dispatch(ctx context.Context, t *task.Task) error {
	return m.Called(t.ID).Error(0)
}

type mockTriggers struct {
	mock.Mock
}

func (m *mockTriggers) HandleTrigger(ctx context.Context, taskID string) (executor.Outcome, error) {
	args := m.Called(taskID)
	return args.Get(0).(executor.Outcome), args.Error(1)
}

type fixture struct {
	handler    http.Handler
	store      *memory.TaskStore
	dispatcher *mockDispatcher
	triggers   *mockTriggers
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.NewTaskStore()
	dispatcher := &mockDispatcher{}
	dispatcher.On("Dispatch", mock.Anything).Return(nil).Maybe()
	triggers := &mockTriggers{}

	validator, err := auth.NewJWTValidator(auth.JWTConfig{SecretKey: jwtSecret, Issuer: "decisium"})
	require.NoError(t, err)
	collector := observability.NewCollector("test")

	router := NewRouter(Options{
		Sessions:       sessions.NewService(store, dispatcher, zap.NewNop()),
		Triggers:       triggers,
		Verifier:       validator,
		RateLimiter:    auth.NewSlidingWindowLimiter(100, time.Minute),
		InternalSecret: internalSecret,
		Metrics:        collector,
		MetricsHandler: collector.Handler(),
		EnableCORS:     true,
	}, zap.NewNop())

	return &fixture{handler: router.Setup(), store: store, dispatcher: dispatcher, triggers: triggers}
}

func (f *fixture) do(t *testing.T, method, path, user string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		token, err := auth.GenerateToken(jwtSecret, "decisium", user, user+"@example.com", time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `test_http_requests_total{method="GET",route="/health",status="200"} 1`)
}

func TestUserRoutesRequireToken(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/sessions/s1/tasks", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/s1/tasks", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Invalid token", decode[pkgerrors.ErrorResponse](t, rec).Message)
}

func TestEnqueueAndList(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/sessions/s1/tasks", "u1", map[string]interface{}{
		"graph":   "root",
		"payload": map[string]interface{}{"content": "hello"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[task.Task](t, rec)
	assert.Equal(t, task.Type("root.save_user_message"), created.Type)
	assert.Equal(t, task.StatusPending, created.Status)
	f.dispatcher.AssertCalled(t, "Dispatch", created.ID)

	rec = f.do(t, http.MethodGet, "/api/v1/sessions/s1/tasks/", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[handlers.ListTasksResponse](t, rec)
	require.Len(t, list.Tasks, 1)
	assert.Equal(t, created.ID, list.Tasks[0].ID)

	rec = f.do(t, http.MethodGet, "/api/v1/sessions/s1/tasks", "u2", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestEnqueueValidation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		body interface{}
	}{
		{"NoTypeOrGraph", map[string]interface{}{"payload": map[string]interface{}{}}},
		{"UnknownGraph", map[string]interface{}{"graph": "weekly"}},
		{"UnknownType", map[string]interface{}{"type": "daily.dream_journal"}},
		{"MalformedBody", "not an object"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/api/v1/sessions/s1/tasks", "u1", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			assert.Equal(t, string(pkgerrors.ErrorTypeValidation), decode[pkgerrors.ErrorResponse](t, rec).Type)
		})
	}
}

func TestTaskTransitions(t *testing.T) {
	f := newFixture(t)
	created, err := f.store.Create(context.Background(), task.Spec{SessionID: "s1", UserID: "u1", Type: "root.save_user_message", Payload: task.Payload{"content": "hi"}})
	require.NoError(t, err)
	path := "/api/v1/tasks/" + created.ID

	rec := f.do(t, http.MethodPost, path+"/retry", "u1", nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "only failed tasks can be retried")

	rec = f.do(t, http.MethodPost, path+"/cancel", "u2", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPost, path+"/cancel", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, task.StatusFailed, decode[task.Task](t, rec).Status)

	rec = f.do(t, http.MethodPost, path+"/run", "u1", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, path+"/retry", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, task.StatusPending, decode[task.Task](t, rec).Status)

	rec = f.do(t, http.MethodPost, path+"/run", "u1", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/tasks/missing/cancel", "u1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInternalContinue(t *testing.T) {
	f := newFixture(t)
	f.triggers.On("HandleTrigger", "t1").Return(executor.Outcome{Task: &task.Task{ID: "t1", Status: task.StatusSucceeded}}, nil)
	f.triggers.On("HandleTrigger", "t2").Return(executor.Outcome{}, pkgerrors.NewDatabaseError("get task", context.DeadlineExceeded))

	post := func(secret string, body interface{}) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
		req := httptest.NewRequest(http.MethodPost, "/internal/tasks/continue", &buf)
		if secret != "" {
			req.Header.Set(auth.InternalSecretHeader, secret)
		}
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, req)
		return rec
	}

	rec := post("", map[string]string{"task_id": "t1"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = post("wrong", map[string]string{"task_id": "t1"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = post(internalSecret, map[string]string{"task_id": "t1"})
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[handlers.ContinuationResponse](t, rec)
	assert.True(t, resp.OK)
	assert.Equal(t, "succeeded", resp.Status)

	rec = post(internalSecret, map[string]string{"task_id": "t2"})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	resp = decode[handlers.ContinuationResponse](t, rec)
	assert.False(t, resp.OK)
	assert.NotEmpty(t, resp.Error)

	rec = post(internalSecret, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, decode[handlers.ContinuationResponse](t, rec).OK)
}

func TestRateLimit(t *testing.T) {
	store := memory.NewTaskStore()
	validator, err := auth.NewJWTValidator(auth.JWTConfig{SecretKey: jwtSecret})
	require.NoError(t, err)
	h := NewRouter(Options{
		Sessions:    sessions.NewService(store, &mockDispatcher{}, zap.NewNop()),
		Triggers:    &mockTriggers{},
		Verifier:    validator,
		RateLimiter: auth.NewSlidingWindowLimiter(2, time.Minute),
	}, zap.NewNop()).Setup()
	f := &fixture{handler: h}

	// the session does not exist, so admitted requests answer 404
	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/v1/sessions/s1/tasks", "u1", nil).Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, f.do(t, http.MethodGet, "/api/v1/sessions/s1/tasks", "u1", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/v1/sessions/s1/tasks", "u2", nil).Code)
}
