package bootstrap

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/makex/orchestrator/internal/config"
	"github.com/makex/orchestrator/internal/sandbox"
)

func TestBuildProviders(t *testing.T) {
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	t.Run("none configured", func(t *testing.T) {
		_, _, err := BuildProviders(ctx, config.Default(), logger)
		assert.Error(t, err)
	})

	t.Run("enabled by credentials", func(t *testing.T) {
		cfg := config.Default()
		cfg.Providers.E2B.APIKey = "e2b-key"
		cfg.Providers.Daytona.APIKey = "daytona-key"
		cfg.Providers.Default = sandbox.ProviderDaytona

		reg, closers, err := BuildProviders(ctx, cfg, logger)
		require.NoError(t, err)
		assert.Empty(t, closers)
		assert.Equal(t, []sandbox.ProviderName{sandbox.ProviderDaytona, sandbox.ProviderE2B}, reg.Names())

		def, err := reg.Default()
		require.NoError(t, err)
		assert.Equal(t, sandbox.ProviderDaytona, def.Name())
	})

	t.Run("default must be enabled", func(t *testing.T) {
		cfg := config.Default()
		cfg.Providers.E2B.APIKey = "e2b-key"
		cfg.Providers.Default = sandbox.ProviderFly

		_, _, err := BuildProviders(ctx, cfg, logger)
		assert.ErrorIs(t, err, sandbox.ErrUnknownProvider)
	})
}

func TestClose_ReverseOrder(t *testing.T) {
	var order []int
	a := &App{}
	for i := 1; i <= 3; i++ {
		i := i
		a.onClose(func() error {
			order = append(order, i)
			return nil
		})
	}
	require.NoError(t, a.Close())
	assert.Equal(t, []int{3, 2, 1}, order)
	require.NoError(t, a.Close(), "second close is a no-op")
}
