package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// newLogger builds the slog logger described by o. Logs go to stderr unless
// a log file is configured, in which case the file is rotated. The returned
// close function releases the file.
func newLogger(o options, stderr io.Writer) (*slog.Logger, func() error, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(o.LogLevel)); err != nil {
		return nil, nil, fmt.Errorf("log level %q: %w", o.LogLevel, err)
	}

	w := stderr
	closeFn := func() error { return nil }
	if o.LogFile != "" {
		lj := &lumberjack.Logger{
			Filename:   o.LogFile,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		}
		w = lj
		closeFn = lj.Close
	}

	hopts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	switch strings.ToLower(o.LogFormat) {
	case "", "text":
		h = slog.NewTextHandler(w, hopts)
	case "json":
		h = slog.NewJSONHandler(w, hopts)
	default:
		_ = closeFn()
		return nil, nil, fmt.Errorf("unknown log format %q", o.LogFormat)
	}
	return slog.New(h), closeFn, nil
}
