package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// capture swaps the default logger for one writing to a buffer and
// restores it when the test ends.
func capture(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func TestInitLogger_LevelFiltering(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	InitLogger("warn", "text")
	require.NotNil(t, Logger)
	assert.False(t, Logger.Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, Logger.Enabled(context.Background(), slog.LevelWarn))
}

func TestWithChannel_AttachesChannelField(t *testing.T) {
	buf := capture(t)

	WithChannel("broadcasts").Info("listener subscribed")

	out := buf.String()
	assert.Contains(t, out, "channel=broadcasts")
	assert.Contains(t, out, "listener subscribed")
}

func TestWithIdentity_AttachesIdentityField(t *testing.T) {
	buf := capture(t)

	WithIdentity("alice").With("channel", "broadcasts").Warn("socket dropped")

	out := buf.String()
	assert.Contains(t, out, "identity=alice")
	assert.Contains(t, out, "channel=broadcasts")
}
