package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "debug", "json")
	l.Debug().Int("prediction", 3).Msg("predicted")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "predicted", line["message"])
	assert.Equal(t, float64(3), line["prediction"])
	assert.Contains(t, line, "time")
}

func TestNew_LevelFallback(t *testing.T) {
	l := New(&bytes.Buffer{}, "nonsense", "json")
	assert.Equal(t, zerolog.InfoLevel, l.GetLevel())

	l = New(&bytes.Buffer{}, "WARN", "json")
	assert.Equal(t, zerolog.WarnLevel, l.GetLevel())
}

func TestNew_ConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "info", "console")
	l.Info().Msg("model loaded")
	assert.Contains(t, buf.String(), "model loaded")
	assert.False(t, json.Valid(bytes.TrimSpace(buf.Bytes())))
}
