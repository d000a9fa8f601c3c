package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewFallsBackToInfo(t *testing.T) {
	logger, err := New("verbose", "json")
	require.NoError(t, err)

	assert.True(t, logger.Desugar().Core().Enabled(zapcore.InfoLevel))
	assert.False(t, logger.Desugar().Core().Enabled(zapcore.DebugLevel))
}

func TestNewHonoursLevel(t *testing.T) {
	logger, err := New("DEBUG", "console")
	require.NoError(t, err)

	assert.True(t, logger.Desugar().Core().Enabled(zapcore.DebugLevel))
}
