package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithWriterLevels(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "production", false)
	assert.Equal(t, zerolog.InfoLevel, l.GetLevel())

	l.Debug().Msg("hidden")
	assert.Zero(t, buf.Len())

	l.Info().Str("job_id", "abc").Msg("submitted")
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "abc", entry["job_id"])
	assert.Equal(t, "submitted", entry["message"])

	assert.Equal(t, zerolog.DebugLevel, NewWithWriter(&buf, "production", true).GetLevel())
	assert.Equal(t, zerolog.DebugLevel, NewWithWriter(&buf, "development", false).GetLevel())
}
