package main

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSummaryDay(t *testing.T) {
	now := time.Date(2025, 3, 10, 2, 0, 0, 0, time.UTC)

	day, err := summaryDay(nil, now)
	require.NoError(t, err)
	assert.Equal(t, "2025-03-09", day.Format("2006-01-02"))

	day, err = summaryDay(json.RawMessage(`{}`), now)
	require.NoError(t, err)
	assert.Equal(t, "2025-03-09", day.Format("2006-01-02"))

	day, err = summaryDay(json.RawMessage(`{"day":"2025-01-31"}`), now)
	require.NoError(t, err)
	assert.Equal(t, "2025-01-31", day.Format("2006-01-02"))

	_, err = summaryDay(json.RawMessage(`{"day":"31/01/2025"}`), now)
	assert.Error(t, err)
}
