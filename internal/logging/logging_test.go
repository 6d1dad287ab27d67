package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewFormats(t *testing.T) {
	for _, format := range []string{"", "json", "console", "JSON"} {
		log, sync, err := New("info", format)
		require.NoError(t, err, format)
		log.Info("hello", "format", format)
		sync()
	}

	_, _, err := New("info", "xml")
	assert.Error(t, err)
}

func TestDebugLevelEnablesVerbosity(t *testing.T) {
	log, sync, err := New("debug", "json")
	require.NoError(t, err)
	defer sync()
	assert.True(t, log.V(1).Enabled())

	log, sync2, err := New("info", "json")
	require.NoError(t, err)
	defer sync2()
	assert.False(t, log.V(1).Enabled())
}

func TestParseLevel(t *testing.T) {
	lvl, err := parseLevel("")
	require.NoError(t, err)
	assert.Equal(t, zapcore.InfoLevel, lvl)

	lvl, err = parseLevel("WARN")
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, lvl)

	_, err = parseLevel("loud")
	assert.Error(t, err)
}
