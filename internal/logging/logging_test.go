package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigure(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{
			name: "default config",
			cfg:  Config{Level: "INFO"},
		},
		{
			name: "debug level",
			cfg:  Config{Level: "DEBUG"},
		},
		{
			name: "structured JSON",
			cfg:  Config{Level: "INFO", Structured: true, StructuredFormat: "json"},
		},
		{
			name: "with channel filter",
			cfg:  Config{Level: "INFO", Channels: []string{"session", "channel"}},
		},
		{
			name: "with extra fields and PID",
			cfg: Config{
				Level:       "INFO",
				IncludePID:  true,
				ExtraFields: map[string]string{"service": "test"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := Configure(tt.cfg)
			require.NotNil(t, logger)
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"DEBUG", slog.LevelDebug},
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"WARN", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"ERROR", slog.LevelError},
		{"bogus", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, parseLevel(tt.input))
		})
	}
}

func TestChannelFilter(t *testing.T) {
	var buf bytes.Buffer
	base := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(newChannelFilter(base, []string{"resolver"}))

	ForChannel(logger, "resolver").Info("kept")
	ForChannel(logger, "session").Info("dropped")
	logger.Info("no channel, kept")

	out := buf.String()
	assert.Contains(t, out, "kept")
	assert.Contains(t, out, "no channel")
	assert.NotContains(t, out, "dropped")
}

func TestChannelFilterInlineAttr(t *testing.T) {
	var buf bytes.Buffer
	base := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	f := newChannelFilter(base, []string{"stats"})

	rec := slog.NewRecord(time.Now(), slog.LevelInfo, "inline", 0)
	rec.AddAttrs(slog.String(ChannelKey, "stats"))
	require.NoError(t, f.Handle(context.Background(), rec))
	assert.Contains(t, buf.String(), "inline")
}
