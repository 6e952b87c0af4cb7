package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	log := Component(New(Config{Level: "warn", Format: "json"}, &buf), "registry")

	log.Info().Msg("dropped")
	log.Warn().Str("document", "d1").Msg("kept")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "kept", line["message"])
	require.Equal(t, "registry", line["component"])
	require.Equal(t, "d1", line["document"])
	require.Contains(t, line, "time")
}

func TestUnknownLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "chatty", Format: "json"}, &buf)

	log.Debug().Msg("hidden")
	require.Zero(t, buf.Len())

	log.Info().Msg("shown")
	require.NotZero(t, buf.Len())
}
