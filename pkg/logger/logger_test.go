package logger

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestLevelParsing(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, New(Config{Level: "debug"}).GetLevel())
	assert.Equal(t, zerolog.WarnLevel, New(Config{Level: "warn"}).GetLevel())
	assert.Equal(t, zerolog.InfoLevel, New(Config{Level: "nonsense"}).GetLevel())
	assert.Equal(t, zerolog.InfoLevel, New(Config{}).GetLevel())
}

func TestLinesCarryAppTag(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: "info"}).Output(&buf)

	l.Info().Str("service", "stream_consumer").Msg("ready")

	out := buf.String()
	assert.Contains(t, out, `"app":"chainarb"`)
	assert.Contains(t, out, `"service":"stream_consumer"`)
}
