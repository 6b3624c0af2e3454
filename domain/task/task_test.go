package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "decisium-backend/pkg/errors"
)

func TestTypeParts(t *testing.T) {
	ty := Type("daily.classifier_agent")
	assert.Equal(t, "daily", ty.Graph())
	assert.Equal(t, "classifier_agent", ty.Node())
	assert.Equal(t, "", Type("nodot").Node())
}

func TestSpecValidate(t *testing.T) {
	ok := Spec{SessionID: "s", UserID: "u", Type: "root.save_user_message"}
	require.NoError(t, ok.Validate())

	missing := ok
	missing.UserID = ""
	assert.True(t, pkgerrors.IsValidation(missing.Validate()))

	bad := ok
	bad.Type = "root"
	assert.True(t, pkgerrors.IsValidation(bad.Validate()))
}

func TestTransitions(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("RetryClearsError", func(t *testing.T) {
		msg := "X"
		tk := &Task{Status: StatusFailed, LastError: &msg}

		u := Retry()
		require.True(t, u.Allows(tk.Status))
		u.Apply(tk, now)

		assert.Equal(t, StatusPending, tk.Status)
		assert.Nil(t, tk.LastError)
		assert.Equal(t, now, tk.UpdatedAt)
	})

	t.Run("CancelOnlyFromNonTerminal", func(t *testing.T) {
		u := Cancel()
		assert.True(t, u.Allows(StatusPending))
		assert.True(t, u.Allows(StatusRunning))
		assert.False(t, u.Allows(StatusSucceeded))
		assert.False(t, u.Allows(StatusFailed))

		tk := &Task{Status: StatusRunning}
		u.Apply(tk, now)
		assert.Equal(t, CancelledReason, tk.ErrorMessage())
	})

	t.Run("ClaimOnlyFromPending", func(t *testing.T) {
		assert.True(t, Claim().Allows(StatusPending))
		assert.False(t, Claim().Allows(StatusRunning))
	})
}

func TestPayload(t *testing.T) {
	p := Payload{"content": "hello", KeyIteration: float64(2)}
	assert.Equal(t, "hello", p.String("content"))
	assert.Equal(t, 2, p.Int(KeyIteration))
	assert.Equal(t, "", p.String("missing"))

	merged := p.Merge(Payload{"content": "bye", "extra": true})
	assert.Equal(t, "bye", merged.String("content"))
	assert.Equal(t, "hello", p.String("content"), "merge does not mutate the receiver")

	enc, err := p.Encode()
	require.NoError(t, err)
	dec, err := DecodePayload(enc)
	require.NoError(t, err)
	assert.Equal(t, 2, dec.Int(KeyIteration))

	empty, err := DecodePayload("")
	require.NoError(t, err)
	assert.Nil(t, empty)
}
