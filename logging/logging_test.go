package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewProducesUsableLogger(t *testing.T) {
	log, err := New(false)
	require.NoError(t, err)
	require.NotNil(t, log)
	log.Infow("test message", "k", "v")
}

func TestNewVerboseEnablesDebugLevel(t *testing.T) {
	log, err := New(true)
	require.NoError(t, err)
	require.True(t, log.Desugar().Core().Enabled(zapcore.DebugLevel))
}
