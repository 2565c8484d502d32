package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.InfoLevel, ParseLevel(""))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("chatty"))
	assert.Equal(t, zerolog.DebugLevel, ParseLevel(" DEBUG "))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel("warn"))
}

func TestNewWritesJSONWithApp(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "nnunet-api", "info")
	logger.Debug().Msg("hidden")
	logger.Info().Str("req_id", "req_1").Msg("submitted")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "nnunet-api", line["app"])
	assert.Equal(t, "req_1", line["req_id"])
	assert.Equal(t, "submitted", line["message"])
}
