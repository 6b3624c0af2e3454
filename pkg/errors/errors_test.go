package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPredicatesFollowWrappedChains(t *testing.T) {
	base := NewForbiddenError("not your session")
	wrapped := fmt.Errorf("list tasks: %w", base)

	assert.True(t, IsForbidden(wrapped))
	assert.False(t, IsNotFound(wrapped))
	assert.Equal(t, http.StatusForbidden, GetAppError(wrapped).HTTPStatus)
}

func TestHandlerFailureKeepsCause(t *testing.T) {
	cause := stderrors.New("model timeout")
	err := NewHandlerFailure("response_agent", cause)

	assert.True(t, IsHandlerFailure(err))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "response_agent")
}

func TestWrap(t *testing.T) {
	t.Run("AppErrorKeepsType", func(t *testing.T) {
		err := Wrap(NewNotFoundError("task"), "cancel")
		assert.True(t, IsNotFound(err))
		assert.Equal(t, "cancel: task not found", GetAppError(err).Message)
	})

	t.Run("PlainErrorBecomesInternal", func(t *testing.T) {
		err := Wrap(stderrors.New("boom"), "execute")
		assert.True(t, IsType(err, ErrorTypeInternal))
	})

	t.Run("Nil", func(t *testing.T) {
		assert.NoError(t, Wrap(nil, "noop"))
	})
}

func TestErrorHandlerWritesStatusAndBody(t *testing.T) {
	h := NewErrorHandler(zap.NewNop(), false)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/x", nil)
	h.Handle(rec, req, NewNotFoundError("task"))

	require.Equal(t, http.StatusNotFound, rec.Code)
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, string(ErrorTypeNotFound), body.Type)
	assert.Equal(t, "task not found", body.Message)
}

func TestErrorHandlerHidesPlainErrors(t *testing.T) {
	h := NewErrorHandler(zap.NewNop(), false)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	h.Handle(rec, req, stderrors.New("secret detail"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "secret detail")
}
