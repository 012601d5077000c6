package log

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"trace":   LevelTrace,
		"DEBUG":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestLevelRangeSplitsOutput(t *testing.T) {
	var low, high bytes.Buffer
	opts := &slog.HandlerOptions{Level: LevelTrace}
	logger := slog.New(fanout{
		levelRange{min: LevelTrace, max: slog.LevelError, h: slog.NewTextHandler(&low, opts)},
		levelRange{min: slog.LevelError, max: slog.LevelError + 100, h: slog.NewTextHandler(&high, opts)},
	}).With("ep", 2)

	logger.Log(context.Background(), LevelTrace, "nak")
	logger.Info("started")
	logger.Error("broken")

	assert.Contains(t, low.String(), "msg=nak")
	assert.Contains(t, low.String(), "msg=started")
	assert.NotContains(t, low.String(), "broken")
	assert.Contains(t, high.String(), "msg=broken")
	assert.Contains(t, high.String(), "ep=2")
	assert.NotContains(t, high.String(), "started")
}

func TestSetupLoggerWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vkey.log")
	logger, closers, err := SetupLogger("debug", path)
	require.NoError(t, err)
	require.Len(t, closers, 1)

	logger.Debug("hello", "k", "v")
	logger.Log(context.Background(), LevelTrace, "hidden")
	for _, c := range closers {
		require.NoError(t, c.Close())
	}

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "msg=hello k=v")
	assert.NotContains(t, string(raw), "hidden")
}

func TestRawLogger(t *testing.T) {
	var buf bytes.Buffer
	r := NewRaw(&buf)
	r.Log(true, []byte{0x00, 0x01, 0xab})
	r.Log(false, []byte{0xff})
	r.Log(false, nil)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "C->S chunk: 3 bytes, hex: 00 01 ab")
	assert.Contains(t, lines[1], "S->C chunk: 1 bytes, hex: ff")

	assert.NotPanics(t, func() { NewRaw(nil).Log(true, []byte{1}) })
}
