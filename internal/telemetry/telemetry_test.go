package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewDisabledIsNoOpAndShutsDownCleanly(t *testing.T) {
	p, err := New(context.Background(), Config{Enabled: false}, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.False(t, p.enabled)
	assert.NoError(t, p.Shutdown(context.Background()))
}
