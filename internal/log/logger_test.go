package log

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shock-trader/internal/config"
)

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(config.LoggingConfig{Level: "DEBUG", Encoding: "json"})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(-1))

	_, err = NewLogger(config.LoggingConfig{Level: "verbose"})
	assert.Error(t, err)
}

func TestComponent_NilLogger(t *testing.T) {
	logger := Component(nil, "scanner")
	require.NotNil(t, logger)
	logger.Info("不会输出")
}
