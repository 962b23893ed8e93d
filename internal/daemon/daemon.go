// Package daemon wires the event loop, scheduler, process supervisor, IPC
// server and one updater per mirror site into a running daemon.
package daemon

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fpemud/mycdn-controller-sub000/internal/config"
	"github.com/fpemud/mycdn-controller-sub000/internal/cron"
	"github.com/fpemud/mycdn-controller-sub000/internal/env"
	"github.com/fpemud/mycdn-controller-sub000/internal/history"
	"github.com/fpemud/mycdn-controller-sub000/internal/history/factory"
	"github.com/fpemud/mycdn-controller-sub000/internal/ipc"
	"github.com/fpemud/mycdn-controller-sub000/internal/loop"
	"github.com/fpemud/mycdn-controller-sub000/internal/metrics"
	"github.com/fpemud/mycdn-controller-sub000/internal/plugin"
	"github.com/fpemud/mycdn-controller-sub000/internal/process"
	"github.com/fpemud/mycdn-controller-sub000/internal/server"
	"github.com/fpemud/mycdn-controller-sub000/internal/site"
	apitls "github.com/fpemud/mycdn-controller-sub000/internal/tls"
	"github.com/fpemud/mycdn-controller-sub000/internal/updater"
)

var (
	ErrAlreadyRunning = errors.New("another daemon holds the lock")
	ErrNotRunning     = errors.New("daemon is not running")
)

// killWait bounds the wait for exits after SIGKILL at the end of shutdown.
const killWait = 5 * time.Second

type Options struct {
	Logger *slog.Logger
	// Loop and Clock replace the real event loop and wall clock, mainly in
	// tests. A nil Clock drives the scheduler from Loop's timers.
	Loop  *loop.Loop
	Clock cron.Clock
	// Registry overrides the plugin registry built from the config.
	Registry *plugin.Registry
	// History overrides the sink opened from history.dsn.
	History history.Sink
	// Registerer receives the daemon's collectors when metrics are enabled.
	Registerer prometheus.Registerer
}

type Controller struct {
	cfg    *config.Config
	logger *slog.Logger

	loop  *loop.Loop
	clock cron.Clock
	sched *cron.Scheduler
	sup   *process.Supervisor
	ipc   *ipc.Server

	sites     []site.MirrorSite
	exes      map[string]plugin.Executables
	pluginEnv *env.Env

	historySink history.Sink
	registerer  prometheus.Registerer

	// owned by the loop once Run has started it
	updaters map[string]*updater.Updater

	recorder *history.Recorder
	reader   history.Reader
	lock     *flock.Flock
	children *metrics.ChildCollector
	apiTLS   *tls.Config
	servers  []*http.Server

	running atomic.Bool
	ready   chan struct{}
}

// New resolves every site's plugin and builds the daemon's components.
// Nothing touches the filesystem until Run.
func New(cfg *config.Config, opts Options) (*Controller, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reg := opts.Registry
	if reg == nil {
		var err error
		if reg, err = cfg.Registry(); err != nil {
			return nil, err
		}
	}
	exes := make(map[string]plugin.Executables, len(cfg.Sites))
	for _, s := range cfg.Sites {
		exe, err := reg.Resolve(s)
		if err != nil {
			return nil, err
		}
		for _, perr := range plugin.Check(exe) {
			logger.Warn("plugin program not usable yet", "site", s.ID, "error", perr)
		}
		exes[s.ID] = exe
	}
	pe, err := cfg.PluginEnv()
	if err != nil {
		return nil, err
	}

	l := opts.Loop
	if l == nil {
		l = loop.New(logger)
	}
	clock := opts.Clock
	if clock == nil {
		clock = cron.LoopClock(l)
	}
	c := &Controller{
		cfg:         cfg,
		logger:      logger,
		loop:        l,
		clock:       clock,
		sched:       cron.New(clock, cron.WithLogger(logger)),
		sup:         process.New(l, process.WithLogger(logger)),
		sites:       cfg.Sites,
		exes:        exes,
		pluginEnv:   pe,
		historySink: opts.History,
		registerer:  opts.Registerer,
		updaters:    make(map[string]*updater.Updater, len(cfg.Sites)),
		ready:       make(chan struct{}),
	}
	if c.registerer == nil {
		c.registerer = prometheus.DefaultRegisterer
	}
	c.ipc = ipc.NewServer(l, c.resolve, c.dispatch, logger)
	c.sup.SetDrain(c.ipc.ExitDrain, 0)
	c.sup.OnExit(c.onExit)
	return c, nil
}

// Ready is closed once every updater has been started.
func (c *Controller) Ready() <-chan struct{} { return c.ready }

// SocketPath is the IPC socket plugins connect to.
func (c *Controller) SocketPath() string { return c.cfg.Daemon.SocketPath }

// Run starts the daemon and blocks until ctx is cancelled or SIGINT/SIGTERM
// arrives, then shuts down in order: updaters stop, children get the grace
// period before SIGKILL, the socket is removed, and the lock released.
func (c *Controller) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := c.acquireLock(); err != nil {
		return err
	}
	defer c.releaseLock()

	if err := c.prepare(); err != nil {
		c.closeHistory()
		return err
	}
	if err := c.ipc.Listen(c.cfg.Daemon.SocketPath); err != nil {
		c.closeHistory()
		return err
	}

	loopDone := make(chan error, 1)
	go func() { loopDone <- c.loop.Run(context.Background()) }()
	c.running.Store(true)

	c.loop.Call(func() {
		for _, s := range c.sites {
			c.updaters[s.ID].Start()
		}
	})
	c.startAux()
	close(c.ready)
	c.logger.Info("daemon started", "sites", len(c.sites), "socket", c.ipc.Path())

	<-ctx.Done()
	c.logger.Info("daemon shutting down")
	c.shutdown(loopDone)
	return nil
}

func (c *Controller) acquireLock() error {
	path := c.cfg.Daemon.LockFile
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return fmt.Errorf("lock %s: %w", path, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, path)
	}
	c.lock = fl
	return nil
}

func (c *Controller) releaseLock() {
	if c.lock == nil {
		return
	}
	if err := c.lock.Unlock(); err != nil {
		c.logger.Warn("unlock failed", "path", c.cfg.Daemon.LockFile, "error", err)
	}
}

// prepare creates the daemon directories and site data directories, opens
// history and builds the updaters.
func (c *Controller) prepare() error {
	d := c.cfg.Daemon
	for _, dir := range []string{d.RunDir, d.LogDir, d.TmpDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	if c.cfg.API.Listen != "" {
		var err error
		if c.apiTLS, err = apitls.Setup(c.cfg.API.TLS); err != nil {
			return err
		}
	}
	if err := c.openHistory(); err != nil {
		return err
	}
	for _, s := range c.sites {
		if err := s.Prepare(); err != nil {
			return fmt.Errorf("site %q: %w", s.ID, err)
		}
		tmp := filepath.Join(d.TmpDir, s.ID)
		if err := os.MkdirAll(tmp, 0o755); err != nil {
			return fmt.Errorf("site %q: %w", s.ID, err)
		}
		u, err := updater.New(s, updater.Deps{
			Scheduler:   c.sched,
			Spawner:     c.sup,
			Executables: c.exes[s.ID],
			TmpDir:      tmp,
			LogDir:      d.LogDir,
			Country:     d.Country,
			Location:    d.Location,
			Env:         c.pluginEnv.Merge(append(append([]string(nil), s.Env...), ipc.SocketEnv+"="+d.SocketPath)),
			Output:      c.childOutput,
			InitRetry:   d.InitRetryInterval,
			Now:         c.clock.Now,
			History:     c.recorder,
			Logger:      c.logger,
		})
		if err != nil {
			return err
		}
		c.updaters[s.ID] = u
	}
	return nil
}

func (c *Controller) childOutput(siteID string, kind process.Kind) (io.WriteCloser, io.WriteCloser) {
	return c.cfg.Log.ChildWriters(c.cfg.Daemon.LogDir, siteID, kind)
}

func (c *Controller) openHistory() error {
	sink := c.historySink
	if sink == nil && c.cfg.History.DSN != "" {
		var err error
		if sink, err = factory.NewSinkFromDSN(c.cfg.History.DSN); err != nil {
			return fmt.Errorf("history: %w", err)
		}
	}
	if sink == nil {
		return nil
	}
	if r, ok := sink.(history.Reader); ok {
		c.reader = r
	}
	c.recorder = history.NewRecorder(sink, c.logger, c.cfg.History.Buffer)
	return nil
}

func (c *Controller) closeHistory() {
	if c.recorder == nil {
		return
	}
	if err := c.recorder.Close(); err != nil {
		c.logger.Warn("closing history", "error", err)
	}
}

// startAux starts the optional metrics, child sampling and status API.
func (c *Controller) startAux() {
	if c.cfg.Metrics.Enabled {
		if err := metrics.Register(c.registerer); err != nil {
			c.logger.Warn("metrics registration failed", "error", err)
		}
		c.children = metrics.NewChildCollector(c.cfg.Metrics.ChildInterval, c.livePIDs)
		c.children.Start(context.Background())
		if c.cfg.Metrics.Listen != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			c.serve("metrics", server.NewServer(c.cfg.Metrics.Listen, mux))
		}
	}
	if c.cfg.API.Listen != "" {
		r := server.NewRouter(c, c.cfg.API.BasePath).WithHistory(c.reader)
		if c.children != nil {
			r = r.WithUsage(c.children.Latest).WithMetrics()
		}
		srv := server.NewServer(c.cfg.API.Listen, r.Handler())
		srv.TLSConfig = c.apiTLS
		c.serve("api", srv)
	}
}

func (c *Controller) serve(name string, srv *http.Server) {
	c.servers = append(c.servers, srv)
	go func() {
		c.logger.Info("http server listening", "server", name, "addr", srv.Addr, "tls", srv.TLSConfig != nil)
		var err error
		if srv.TLSConfig != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error("http server failed", "server", name, "error", err)
		}
	}()
}

func (c *Controller) shutdown(loopDone <-chan error) {
	c.loop.Call(func() {
		for _, s := range c.sites {
			c.updaters[s.ID].Stop()
		}
	})

	grace, cancel := context.WithTimeout(context.Background(), c.cfg.Daemon.ShutdownGrace)
	err := c.sup.WaitIdle(grace)
	cancel()
	if err != nil {
		c.logger.Warn("plugins still running after grace period, killing", "grace", c.cfg.Daemon.ShutdownGrace)
		c.loop.Call(c.sup.KillAll)
		kill, cancel := context.WithTimeout(context.Background(), killWait)
		if err := c.sup.WaitIdle(kill); err != nil {
			c.logger.Error("plugins did not exit after SIGKILL", "error", err)
		}
		cancel()
	}

	for _, srv := range c.servers {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = srv.Shutdown(ctx)
		cancel()
	}
	if c.children != nil {
		c.children.Stop()
	}
	if err := c.ipc.Close(); err != nil {
		c.logger.Warn("closing ipc server", "error", err)
	}
	c.loop.Call(c.sched.Close)
	c.running.Store(false)
	c.loop.Stop()
	<-loopDone
	c.closeHistory()
	c.logger.Info("daemon stopped")
}

// resolve binds an IPC peer to the site whose plugin it is. Runs on the loop.
func (c *Controller) resolve(pid int) (string, bool) {
	h, ok := c.sup.Lookup(pid)
	if !ok {
		return "", false
	}
	return h.Owner, true
}

func (c *Controller) dispatch(siteID string, pid int, m ipc.Message) {
	if u, ok := c.updaters[siteID]; ok {
		u.HandleMessage(pid, m)
	}
}

func (c *Controller) onExit(h *process.Handle, code int) {
	if u, ok := c.updaters[h.Owner]; ok {
		u.HandleExit(h, code)
	}
}

// livePIDs is called by the child collector from its own goroutine.
func (c *Controller) livePIDs() map[string]int32 {
	out := make(map[string]int32)
	c.call(func() {
		for _, h := range c.sup.Handles() {
			out[h.Owner] = int32(h.PID)
		}
	})
	return out
}

func (c *Controller) call(fn func()) bool {
	if !c.running.Load() {
		return false
	}
	return c.loop.Call(fn)
}

// Status returns a snapshot of every site in configuration order.
func (c *Controller) Status() ([]updater.Status, error) {
	out := make([]updater.Status, 0, len(c.sites))
	if !c.call(func() {
		for _, s := range c.sites {
			out = append(out, c.updaters[s.ID].Snapshot())
		}
	}) {
		return nil, ErrNotRunning
	}
	return out, nil
}

func (c *Controller) SiteStatus(id string) (updater.Status, bool, error) {
	var (
		st updater.Status
		ok bool
	)
	if !c.call(func() {
		var u *updater.Updater
		if u, ok = c.updaters[id]; ok {
			st = u.Snapshot()
		}
	}) {
		return updater.Status{}, false, ErrNotRunning
	}
	return st, ok, nil
}
