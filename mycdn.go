// Package mycdn embeds the mirror site daemon in another program.
package mycdn

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fpemud/mycdn-controller-sub000/internal/config"
	"github.com/fpemud/mycdn-controller-sub000/internal/daemon"
	"github.com/fpemud/mycdn-controller-sub000/internal/history"
	"github.com/fpemud/mycdn-controller-sub000/internal/server"
	"github.com/fpemud/mycdn-controller-sub000/internal/site"
	"github.com/fpemud/mycdn-controller-sub000/internal/updater"
)

// Re-exported types. These are aliases so conversions are zero-cost.

type Config = config.Config

type MirrorSite = site.MirrorSite

type Status = updater.Status

type State = updater.State

type HistorySink = history.Sink

type HistoryEvent = history.Event

const (
	Uninitialized = updater.Uninitialized
	Initializing  = updater.Initializing
	InitFailed    = updater.InitFailed
	Idle          = updater.Idle
	Syncing       = updater.Syncing
	SyncFailed    = updater.SyncFailed
)

var (
	ErrAlreadyRunning = daemon.ErrAlreadyRunning
	ErrNotRunning     = daemon.ErrNotRunning
)

func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// Daemon is a thin facade over the internal controller.
type Daemon struct{ inner *daemon.Controller }

type Option func(*daemon.Options)

func WithLogger(l *slog.Logger) Option { return func(o *daemon.Options) { o.Logger = l } }

// WithHistorySink records run history to s instead of the sink named by
// history.dsn.
func WithHistorySink(s HistorySink) Option { return func(o *daemon.Options) { o.History = s } }

func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *daemon.Options) { o.Registerer = r }
}

func New(cfg *Config, opts ...Option) (*Daemon, error) {
	var o daemon.Options
	for _, opt := range opts {
		opt(&o)
	}
	c, err := daemon.New(cfg, o)
	if err != nil {
		return nil, err
	}
	return &Daemon{inner: c}, nil
}

// Run blocks until ctx is cancelled or the process receives SIGINT/SIGTERM.
func (d *Daemon) Run(ctx context.Context) error { return d.inner.Run(ctx) }

// Ready is closed once every site has been started.
func (d *Daemon) Ready() <-chan struct{} { return d.inner.Ready() }

func (d *Daemon) Status() ([]Status, error) { return d.inner.Status() }

func (d *Daemon) SiteStatus(id string) (Status, bool, error) { return d.inner.SiteStatus(id) }

// Handler serves the read-only status API under basePath for mounting in the
// embedding program's own server.
func (d *Daemon) Handler(basePath string) http.Handler {
	return server.NewRouter(d.inner, basePath).Handler()
}
