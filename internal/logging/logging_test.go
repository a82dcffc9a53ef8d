package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewParsesLevel(t *testing.T) {
	log, err := New("warn", false)
	require.NoError(t, err)
	assert.False(t, log.Core().Enabled(zap.InfoLevel))
	assert.True(t, log.Core().Enabled(zap.WarnLevel))

	_, err = New("loud", true)
	assert.Error(t, err)
}

func TestNodeAddsField(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	Node(zap.New(core), 4).Info("hello")

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, uint8(4), logs.All()[0].ContextMap()["node"])
}
