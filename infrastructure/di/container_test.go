package di

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"decisium-backend/application/continuation"
	"decisium-backend/infrastructure/config"
	"decisium-backend/infrastructure/persistence/memory"
	"decisium-backend/pkg/auth"
	pkgerrors "decisium-backend/pkg/errors"
)

func TestBuildDevelopmentContainer(t *testing.T) {
	cfg := config.Defaults()
	cfg.JWTSecret = "dev-secret"

	c, cleanup, err := Build(context.Background(), cfg)
	require.NoError(t, err)
	defer cleanup()

	assert.IsType(t, &memory.TaskStore{}, c.Tasks)
	assert.IsType(t, &continuation.InlineDispatcher{}, c.Dispatcher)
	assert.IsType(t, &auth.JWTValidator{}, c.Verifier)
	assert.Same(t, c.Collector, c.Metrics)
	assert.NotNil(t, c.Sessions)
	assert.NotNil(t, c.Summaries)

	c.Drain(context.Background())
}

func TestBuildRefusesInvalidConfig(t *testing.T) {
	cfg := config.Defaults()
	cfg.DispatchMode = "carrier-pigeon"

	_, _, err := Build(context.Background(), cfg)
	require.Error(t, err)

	cfg = config.Defaults()
	cfg.LogLevel = "loud"
	_, _, err = Build(context.Background(), cfg)
	assert.True(t, pkgerrors.IsType(err, pkgerrors.ErrorTypeConfiguration))
}

func TestBuildWithoutVerifier(t *testing.T) {
	c, cleanup, err := Build(context.Background(), config.Defaults())
	require.NoError(t, err)
	defer cleanup()
	assert.Nil(t, c.Verifier)
}
