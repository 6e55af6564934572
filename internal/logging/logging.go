// Package logging configures the process-wide slog logger for fastproxy.
//
// Every component logger carries a "channel" attribute (proxy, session,
// channel, resolver, stats, api). The optional Channels filter restricts
// output to the named channels; records without a channel attribute always
// pass, so startup and error records are never filtered out.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// ChannelKey is the attribute key identifying the emitting component.
const ChannelKey = "channel"

type Config struct {
	Level            string
	Structured       bool
	StructuredFormat string
	IncludePID       bool
	Channels         []string
	ExtraFields      map[string]string
}

// Configure builds the root logger, installs it as the slog default and
// returns it. Component loggers are derived with [ForChannel].
func Configure(cfg Config) *slog.Logger {
	level := parseLevel(cfg.Level)
	var handler slog.Handler
	out := io.Writer(os.Stderr)

	attrs := make([]slog.Attr, 0, len(cfg.ExtraFields)+1)
	for k, v := range cfg.ExtraFields {
		attrs = append(attrs, slog.String(k, v))
	}
	if cfg.IncludePID {
		attrs = append(attrs, slog.Int("pid", os.Getpid()))
	}

	if cfg.Structured && strings.ToLower(cfg.StructuredFormat) == "json" {
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})
	}

	if len(attrs) > 0 {
		handler = handler.WithAttrs(attrs)
	}
	if len(cfg.Channels) > 0 {
		handler = newChannelFilter(handler, cfg.Channels)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// ForChannel derives a component logger carrying the channel attribute.
func ForChannel(logger *slog.Logger, channel string) *slog.Logger {
	return logger.With(slog.String(ChannelKey, channel))
}

// channelFilter suppresses records whose channel attribute is not in the
// allowed set. Records with no channel attribute pass through.
type channelFilter struct {
	next    slog.Handler
	allowed map[string]struct{}
	// channel resolved at WithAttrs time, "" if none seen yet
	channel string
}

func newChannelFilter(next slog.Handler, channels []string) *channelFilter {
	allowed := make(map[string]struct{}, len(channels))
	for _, c := range channels {
		allowed[strings.ToLower(strings.TrimSpace(c))] = struct{}{}
	}
	return &channelFilter{next: next, allowed: allowed}
}

func (f *channelFilter) Enabled(ctx context.Context, level slog.Level) bool {
	return f.next.Enabled(ctx, level)
}

func (f *channelFilter) Handle(ctx context.Context, rec slog.Record) error {
	channel := f.channel
	rec.Attrs(func(a slog.Attr) bool {
		if a.Key == ChannelKey {
			channel = a.Value.String()
			return false
		}
		return true
	})
	if channel != "" {
		if _, ok := f.allowed[strings.ToLower(channel)]; !ok {
			return nil
		}
	}
	return f.next.Handle(ctx, rec)
}

func (f *channelFilter) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *f
	for _, a := range attrs {
		if a.Key == ChannelKey {
			clone.channel = a.Value.String()
		}
	}
	clone.next = f.next.WithAttrs(attrs)
	return &clone
}

func (f *channelFilter) WithGroup(name string) slog.Handler {
	clone := *f
	clone.next = f.next.WithGroup(name)
	return &clone
}

func parseLevel(s string) slog.Level {
	s = strings.ToUpper(strings.TrimSpace(s))
	switch s {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
