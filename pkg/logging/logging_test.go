package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"
)

func TestInitLogger_JSONAndLevel(t *testing.T) {
	prev, prevLevel := log.Logger, zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prev
		zerolog.SetGlobalLevel(prevLevel)
	})

	var buf bytes.Buffer
	require.NoError(t, initLogger(&Config{Level: "WARN", Format: "json"}, &buf))
	require.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())

	log.Info().Msg("dropped")
	log.Warn().Str("chat_id", "c1").Msg("kept")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "kept", line["message"])
	require.Equal(t, "c1", line["chat_id"])
}

func TestInitLogger_Invalid(t *testing.T) {
	var buf bytes.Buffer
	require.Error(t, initLogger(&Config{Level: "loud"}, &buf))
	require.Error(t, initLogger(&Config{Format: "xml"}, &buf))
}
