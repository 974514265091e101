package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// Library code logs long before main wires the logger, so the package-level
// helpers must be safe without Init.
func TestHelpersSafeBeforeInit(t *testing.T) {
	require.NotNil(t, Log)
	require.NotNil(t, Sugar)

	assert.NotPanics(t, func() {
		Debug("debug", zap.String("k", "v"))
		Info("info")
		Warn("warn")
		Error("error", zap.Int("n", 1))
		With(zap.String("k", "v")).Info("child")
		FromContext(context.Background()).Info("ctx")
	})
}

func TestInitBuildsLeveledLogger(t *testing.T) {
	err := Init(&Config{Level: "debug", Format: "json", Output: "stdout"})
	require.NoError(t, err)
	assert.NotNil(t, Log)
	assert.NotNil(t, Sugar)
	assert.True(t, Log.Core().Enabled(zap.DebugLevel))
}
