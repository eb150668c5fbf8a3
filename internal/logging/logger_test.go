package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/stackboot/internal/config"
)

func TestNewLogger_ContextFields(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, &config.Config{ServiceName: "stackboot", LogLevel: "debug"}, "user", "run-1")

	logger.Debug().Msg("hello")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "stackboot", line["service"])
	assert.Equal(t, "user", line["phase"])
	assert.Equal(t, "run-1", line["run_id"])
	assert.Equal(t, "hello", line["message"])
}

func TestNewLogger_InvalidLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, &config.Config{LogLevel: "chatty"}, "", "run-2")

	logger.Debug().Msg("hidden")
	assert.Empty(t, buf.String())

	logger.Info().Msg("shown")
	assert.Contains(t, buf.String(), "shown")
}
