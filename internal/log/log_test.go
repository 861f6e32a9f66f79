package log

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextFields(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Setup(&buf, "debug", "json"))
	t.Cleanup(func() { _ = Setup(&bytes.Buffer{}, "info", "json") })

	ctx := WithQueueID(WithSession(context.Background(), "abc"), "Q123")
	InfoContext(ctx).Msg("hello")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "abc", line["session"])
	assert.Equal(t, "Q123", line["queue_id"])
	assert.Equal(t, "hello", line["message"])
}

func TestWithQueueIDEmpty(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, ctx, WithQueueID(ctx, ""))
}

func TestSetupLevel(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Setup(&buf, "warn", "json"))
	t.Cleanup(func() { _ = Setup(&bytes.Buffer{}, "info", "json") })

	Info().Msg("hidden")
	assert.Zero(t, buf.Len())
	Warn().Msg("shown")
	assert.NotZero(t, buf.Len())

	assert.Error(t, Setup(&buf, "loud", "json"))
}
