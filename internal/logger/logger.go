package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

type sink struct {
	w      io.Writer
	asJSON bool
}

var (
	levelVar slog.LevelVar

	// sinkMu serialises rebuilds; readers only touch current.
	sinkMu  sync.Mutex
	sinkCfg = sink{w: os.Stdout}
	current atomic.Pointer[slog.Logger]
)

func init() {
	levelVar.Set(slog.LevelInfo)
	current.Store(sinkCfg.build())
}

func (s sink) build() *slog.Logger {
	w := s.w
	if w == nil {
		w = os.Stdout
	}
	opts := &slog.HandlerOptions{Level: &levelVar}
	if s.asJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func rebuild(mutate func(*sink)) {
	sinkMu.Lock()
	defer sinkMu.Unlock()
	mutate(&sinkCfg)
	current.Store(sinkCfg.build())
}

func SetOutput(w io.Writer) {
	rebuild(func(s *sink) { s.w = w })
}

// SetFormat switches between "text" (default) and "json" records.
func SetFormat(format string) {
	asJSON := strings.EqualFold(strings.TrimSpace(format), "json")
	rebuild(func(s *sink) { s.asJSON = asJSON })
}

// SetLevel accepts debug, info, warn or error. Anything else falls back to
// info and reports false.
func SetLevel(level string) bool {
	lvl, ok := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}[strings.ToLower(strings.TrimSpace(level))]
	if !ok {
		lvl = slog.LevelInfo
	}
	levelVar.Set(lvl)
	return ok
}

// With returns a structured logger carrying attrs, e.g. the session key.
func With(attrs ...any) *slog.Logger {
	return current.Load().With(attrs...)
}

func logf(level slog.Level, format string, v ...any) {
	l := current.Load()
	if !l.Enabled(context.Background(), level) {
		return
	}
	l.Log(context.Background(), level, fmt.Sprintf(format, v...))
}

func Debugf(format string, v ...any) { logf(slog.LevelDebug, format, v...) }
func Infof(format string, v ...any)  { logf(slog.LevelInfo, format, v...) }
func Warnf(format string, v ...any)  { logf(slog.LevelWarn, format, v...) }
func Errorf(format string, v ...any) { logf(slog.LevelError, format, v...) }

// InfoBlock logs a multi-line block one record per line under title.
func InfoBlock(title, block string) {
	block = strings.TrimSpace(block)
	if block == "" {
		return
	}
	l := current.Load()
	if title = strings.TrimSpace(title); title != "" {
		l = l.With("block", title)
	}
	for _, line := range strings.Split(block, "\n") {
		l.Info(line)
	}
}
