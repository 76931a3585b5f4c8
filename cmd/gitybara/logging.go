package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// setupLogger logs to stdout and, when path is set, to that file as well.
// A file that cannot be opened is reported on stderr and skipped.
func setupLogger(path string, verbose bool) (*slog.Logger, func(), error) {
	return newLogger(os.Stdout, path, verbose)
}

func newLogger(out io.Writer, path string, verbose bool) (*slog.Logger, func(), error) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level, AddSource: verbose}

	cleanup := func() {}
	if path != "" {
		f, err := openLogFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: logging to stdout only: %v\n", err)
		} else {
			out = io.MultiWriter(out, f)
			cleanup = func() { f.Close() }
		}
	}
	return slog.New(slog.NewTextHandler(out, opts)), cleanup, nil
}

func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
}
