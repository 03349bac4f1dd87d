package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"coe/pkg/config"
	"coe/pkg/store"

	"github.com/mattn/go-isatty"
)

// cliEnv is the state shared by every subcommand.
type cliEnv struct {
	logLevel *string
}

// logger builds the process logger: human-readable text on a terminal,
// JSON otherwise.
func (e *cliEnv) logger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(*e.logLevel)}
	if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// paths resolves the state paths and makes sure the home directory exists.
func (e *cliEnv) paths() (*config.Paths, error) {
	p, err := config.ResolvePaths()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(p.Home, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", p.Home, err)
	}
	return p, nil
}

// openStore opens the engine database.
func (e *cliEnv) openStore() (*store.SQLite, *config.Paths, error) {
	p, err := e.paths()
	if err != nil {
		return nil, nil, err
	}
	st, err := store.Open(p.DBPath)
	if err != nil {
		return nil, nil, err
	}
	return st, p, nil
}

// touchKick wakes a running engine so it picks up changes made by this
// process.
func touchKick(p *config.Paths) error {
	stamp := []byte(time.Now().UTC().Format(time.RFC3339Nano) + "\n")
	if err := os.WriteFile(p.KickPath, stamp, 0o644); err != nil {
		return fmt.Errorf("touch kick file: %w", err)
	}
	return nil
}
