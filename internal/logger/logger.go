// Package logger builds the daemon's slog logger and the rotating files
// plugin output is written to.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"

	"github.com/fpemud/mycdn-controller-sub000/internal/process"
)

// Default rotation settings
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Config describes the daemon log and the rotation applied to every file
// this package opens. Rotation parameters follow lumberjack semantics.
type Config struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // text, json, color
	File       string `mapstructure:"file"`   // empty logs to stderr
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

func (c Config) Validate() error {
	if _, err := parseLevel(c.Level); err != nil {
		return err
	}
	switch strings.ToLower(c.Format) {
	case "", "text", "json", "color":
		return nil
	}
	return fmt.Errorf("log.format must be text, json or color, got %q", c.Format)
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return l, nil
}

func (c Config) rotating(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

// New returns the daemon logger. w is used when no file is configured. The
// returned closer releases the log file and is never nil.
func New(c Config, w io.Writer) (*slog.Logger, io.Closer, error) {
	level, err := parseLevel(c.Level)
	if err != nil {
		return nil, nil, err
	}
	var closer io.Closer = io.NopCloser(nil)
	if c.File != "" {
		f := c.rotating(c.File)
		w, closer = f, f
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	switch strings.ToLower(c.Format) {
	case "json":
		h = slog.NewJSONHandler(w, opts)
	case "color":
		h = NewColorTextHandler(w, opts, true)
	default:
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h), closer, nil
}

// ChildWriters opens <dir>/<site>.stdout.log and <dir>/<site>.stderr.log.
// Initializer and updater of a site share the files; the kind is only
// recorded as a header line.
func (c Config) ChildWriters(dir, siteID string, kind process.Kind) (io.WriteCloser, io.WriteCloser) {
	stdout := c.rotating(filepath.Join(dir, siteID+".stdout.log"))
	stderr := c.rotating(filepath.Join(dir, siteID+".stderr.log"))
	header := fmt.Sprintf("==> %s started by pid %d\n", kind, os.Getpid())
	_, _ = io.WriteString(stdout, header)
	_, _ = io.WriteString(stderr, header)
	return stdout, stderr
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
