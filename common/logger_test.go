package common

import (
	"testing"

	"github.com/phuslu/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewNopLogger(t *testing.T) {
	logger := NewNopLogger()
	require.NotNil(t, logger)

	assert.NotPanics(t, func() {
		logger.Info().Str("session", "c1").Msg("dropped")
		logger.WithCorrelationId("c1").Warn().Int("slot", 2).Msg("dropped")
		logger.Error().Err(assert.AnError).Msg("dropped")
	})
}

func TestDiscardWriter(t *testing.T) {
	w := discardWriter{}

	n, err := w.Write([]byte(`{"message":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, 15, n)
	assert.Equal(t, w, w.WithLevel(log.DebugLevel))
	assert.Empty(t, w.GetFilePath())
	assert.NoError(t, w.Close())
}

func TestNewLogger_DefaultsLevel(t *testing.T) {
	assert.NotNil(t, NewLogger(""))
	assert.NotNil(t, NewLogger(" DEBUG "))
}
