package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProductionLoggerWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "prod", "debug", "api-server")

	logger.Debug().Str("appointment", "abc").Msg("hello")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "debug", line["level"])
	assert.Equal(t, "api-server", line["service"])
	assert.Equal(t, "abc", line["appointment"])
	assert.Equal(t, "hello", line["message"])
}

func TestLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "prod", "chatty", "worker")

	logger.Debug().Msg("hidden")
	assert.Zero(t, buf.Len())

	logger.Info().Msg("shown")
	assert.NotZero(t, buf.Len())
}

func TestDevLoggerIsHumanReadable(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "dev", "info", "worker")

	logger.Info().Msg("sweep complete")
	assert.Contains(t, buf.String(), "sweep complete")
	assert.False(t, json.Valid(buf.Bytes()))
}
