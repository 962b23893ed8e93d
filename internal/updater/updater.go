// Package updater drives one mirror site through initialization and
// periodic synchronization.
//
// An Updater is not safe for concurrent use: every method runs on the event
// loop, which also delivers scheduler ticks, plugin messages and process
// exits.
package updater

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/fpemud/mycdn-controller-sub000/internal/cron"
	"github.com/fpemud/mycdn-controller-sub000/internal/history"
	"github.com/fpemud/mycdn-controller-sub000/internal/ipc"
	"github.com/fpemud/mycdn-controller-sub000/internal/metrics"
	"github.com/fpemud/mycdn-controller-sub000/internal/plugin"
	"github.com/fpemud/mycdn-controller-sub000/internal/process"
	"github.com/fpemud/mycdn-controller-sub000/internal/site"
)

// DefaultInitRetry is the delay before retrying a failed initialization that
// did not ask for a specific hold.
const DefaultInitRetry = 60 * time.Second

type Scheduler interface {
	AddJob(id, expr string, cb cron.Callback) error
	AddOneShot(id string, at time.Time, cb cron.Callback) error
	RemoveJob(id string)
	PauseJob(id string, until time.Time) error
	NextFire(id string) (time.Time, bool)
}

type Spawner interface {
	Spawn(req process.SpawnRequest) (*process.Handle, error)
	Terminate(h *process.Handle) error
}

// OutputFunc opens the files a child's stdout and stderr go to.
type OutputFunc func(siteID string, kind process.Kind) (stdout, stderr io.WriteCloser)

type Deps struct {
	Scheduler   Scheduler
	Spawner     Spawner
	Executables plugin.Executables

	TmpDir   string
	LogDir   string
	Country  string
	Location string
	Env      []string // nil inherits the daemon's environment
	Output   OutputFunc

	InitRetry time.Duration
	Now       func() time.Time
	History   *history.Recorder
	Logger    *slog.Logger
}

// ProtocolViolation is a plugin behaving outside the protocol. It is logged
// and counted, never returned to the plugin.
type ProtocolViolation struct {
	Site   string
	PID    int
	Reason string
}

func (v ProtocolViolation) Error() string {
	return fmt.Sprintf("protocol violation by %s (pid %d): %s", v.Site, v.PID, v.Reason)
}

// run is the bookkeeping for one child lifetime.
type run struct {
	handle      *process.Handle
	progress    int // -1 until the first report
	errReported bool
	excInfo     string
	hold        time.Duration
}

type Updater struct {
	site   site.MirrorSite
	deps   Deps
	logger *slog.Logger

	state    State
	run      *run
	started  bool
	stopping bool

	lastProgress int
	lastError    string
	lastExitCode int
	holdUntil    time.Time
	lastRunAt    time.Time
	runs         int
}

// New builds the updater for s. The initial state comes from the marker
// file: Uninitialized when it exists, Idle otherwise.
func New(s site.MirrorSite, deps Deps) (*Updater, error) {
	if deps.Scheduler == nil || deps.Spawner == nil {
		return nil, fmt.Errorf("site %q: scheduler and spawner are required", s.ID)
	}
	if deps.InitRetry <= 0 {
		deps.InitRetry = DefaultInitRetry
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	un, err := s.IsUninitialized()
	if err != nil {
		return nil, fmt.Errorf("site %q: %w", s.ID, err)
	}
	u := &Updater{
		site:         s,
		deps:         deps,
		logger:       logger.With("site", s.ID),
		state:        Idle,
		lastProgress: -1,
	}
	if un {
		u.state = Uninitialized
	}
	metrics.SetState(s.ID, u.state.String())
	return u, nil
}

func (u *Updater) ID() string { return u.site.ID }

func (u *Updater) State() State { return u.state }

// Start arms the first action: an immediate initialization attempt for an
// uninitialized site, the recurring schedule otherwise.
func (u *Updater) Start() {
	if u.started {
		return
	}
	u.started = true
	switch u.state {
	case Uninitialized:
		u.scheduleInit(u.deps.Now())
	default:
		u.registerSchedule()
	}
}

// Stop cancels scheduling and terminates a running plugin. The child's exit
// still flows through HandleExit.
func (u *Updater) Stop() {
	if u.stopping {
		return
	}
	u.stopping = true
	u.deps.Scheduler.RemoveJob(u.site.ID)
	if u.run != nil {
		u.logger.Info("terminating plugin", "kind", u.run.handle.Kind, "pid", u.run.handle.PID)
		if err := u.deps.Spawner.Terminate(u.run.handle); err != nil {
			u.logger.Warn("terminate failed", "pid", u.run.handle.PID, "error", err)
		}
	}
}

func (u *Updater) scheduleInit(at time.Time) {
	if err := u.deps.Scheduler.AddOneShot(u.site.ID, at, u.onInitTick); err != nil {
		u.logger.Error("cannot schedule initialization", "error", err)
	}
}

func (u *Updater) registerSchedule() {
	if err := u.deps.Scheduler.AddJob(u.site.ID, u.site.CronExpr(), u.onUpdateTick); err != nil {
		u.logger.Error("cannot register update schedule", "schedule", u.site.Schedule, "error", err)
	}
}

func (u *Updater) onInitTick(time.Time) {
	if u.stopping {
		return
	}
	if u.state != Uninitialized && u.state != InitFailed {
		u.logger.Warn("initialization tick ignored", "state", u.state)
		return
	}
	if err := u.spawn(process.KindInitializer, time.Time{}); err != nil {
		u.setState(InitFailed)
		u.scheduleInit(u.deps.Now().Add(u.deps.InitRetry))
		return
	}
	u.setState(Initializing)
}

func (u *Updater) onUpdateTick(scheduled time.Time) {
	if u.stopping {
		return
	}
	switch u.state {
	case Idle, SyncFailed:
	case Syncing, Initializing:
		u.logger.Info("update skipped, previous not finished", "scheduled", scheduled)
		return
	default:
		u.logger.Warn("update tick ignored", "state", u.state)
		return
	}
	if err := u.spawn(process.KindUpdater, scheduled); err != nil {
		u.setState(SyncFailed)
		return
	}
	u.setState(Syncing)
}

func (u *Updater) spawn(kind process.Kind, scheduled time.Time) error {
	path := u.deps.Executables.Updater
	if kind == process.KindInitializer {
		path = u.deps.Executables.Initializer
	}
	handoff := process.Handoff{
		TmpDir:    u.deps.TmpDir,
		DataDir:   u.site.DataDir,
		LogDir:    u.deps.LogDir,
		Country:   u.deps.Country,
		Location:  u.deps.Location,
		Scheduled: scheduled,
	}
	req := process.SpawnRequest{
		Owner:   u.site.ID,
		Kind:    kind,
		Path:    path,
		Args:    []string{u.site.DataDir},
		Handoff: handoff.Lines(),
		Env:     u.deps.Env,
	}
	if u.deps.Output != nil {
		req.Stdout, req.Stderr = u.deps.Output(u.site.ID, kind)
	}

	now := u.deps.Now()
	u.lastRunAt = now
	u.runs++
	h, err := u.deps.Spawner.Spawn(req)
	if err != nil {
		u.lastError = err.Error()
		u.lastExitCode = -1
		u.logger.Error("plugin spawn failed", "kind", kind, "path", path, "error", err)
		u.deps.History.Record(history.Event{
			Type: history.EventExit, OccurredAt: now, Site: u.site.ID,
			Kind: string(kind), ExitCode: -1, Error: err.Error(),
		})
		return err
	}
	u.run = &run{handle: h, progress: -1}
	u.lastProgress = -1
	metrics.SetProgress(u.site.ID, 0)
	u.deps.History.Record(history.Event{
		Type: history.EventSpawn, OccurredAt: now, Site: u.site.ID,
		Kind: string(kind), PID: h.PID,
	})
	return nil
}

// HandleMessage applies a message received from the process with pid.
func (u *Updater) HandleMessage(pid int, m ipc.Message) {
	r := u.run
	if r == nil || r.handle.PID != pid {
		u.violation(pid, fmt.Sprintf("%s message without a live child", m.Kind))
		return
	}
	switch m.Kind {
	case ipc.KindProgress:
		if m.Progress < r.progress {
			u.violation(pid, fmt.Sprintf("progress went backwards from %d to %d", r.progress, m.Progress))
			return
		}
		r.progress = m.Progress
		u.lastProgress = m.Progress
		metrics.SetProgress(u.site.ID, m.Progress)
		u.logger.Debug("progress", "kind", r.handle.Kind, "progress", m.Progress)
	case ipc.KindError, ipc.KindErrorAndHoldFor:
		if r.errReported {
			u.violation(pid, "more than one error reported")
			return
		}
		r.errReported = true
		r.excInfo = m.ExcInfo
		if m.Kind == ipc.KindErrorAndHoldFor {
			r.hold = time.Duration(m.Seconds) * time.Second
		}
		u.logger.Warn("plugin reported error", "kind", r.handle.Kind, "hold", r.hold, "exc_info", m.ExcInfo)
	default:
		u.violation(pid, fmt.Sprintf("unknown message %q", m.Kind))
	}
}

// HandleExit completes the child lifetime started by the last spawn. The
// exit code decides success; reports that disagree with it are violations.
func (u *Updater) HandleExit(h *process.Handle, code int) {
	r := u.run
	if r == nil || r.handle != h {
		u.logger.Warn("exit of unknown child ignored", "pid", h.PID, "code", code)
		return
	}
	u.run = nil
	u.lastExitCode = code
	now := u.deps.Now()
	ok := code == 0

	switch {
	case ok && r.progress != 100:
		reason := "exited 0 without reporting progress 100"
		if r.progress >= 0 {
			reason = fmt.Sprintf("exited 0 with last progress %d", r.progress)
		}
		u.violation(h.PID, reason)
	case ok && r.errReported:
		u.violation(h.PID, "reported an error but exited 0")
	case !ok && r.progress == 100:
		u.violation(h.PID, fmt.Sprintf("reported progress 100 but exited with code %d", code))
	}

	if ok {
		u.lastError = ""
		u.holdUntil = time.Time{}
	} else if r.excInfo != "" {
		u.lastError = r.excInfo
	} else {
		u.lastError = fmt.Sprintf("%s exited with code %d", h.Kind, code)
	}

	switch h.Kind {
	case process.KindInitializer:
		if ok {
			if err := u.site.ClearMarker(); err != nil {
				u.logger.Error("cannot clear uninitialized marker", "error", err)
			}
			u.setState(Idle)
			if !u.stopping {
				u.registerSchedule()
			}
		} else {
			u.setState(InitFailed)
			if !u.stopping {
				delay := u.deps.InitRetry
				if r.hold > 0 {
					delay = r.hold
					u.holdUntil = now.Add(delay)
				}
				u.logger.Info("initialization will be retried", "in", delay)
				u.scheduleInit(now.Add(delay))
			}
		}
	case process.KindUpdater:
		if ok {
			u.setState(Idle)
		} else {
			u.setState(SyncFailed)
			if r.hold > 0 && !u.stopping {
				u.holdUntil = now.Add(r.hold)
				if err := u.deps.Scheduler.PauseJob(u.site.ID, u.holdUntil); err != nil {
					u.logger.Error("cannot pause update schedule", "error", err)
				}
			}
		}
	}

	u.deps.History.Record(history.Event{
		Type: history.EventExit, OccurredAt: now, Site: u.site.ID, Kind: string(h.Kind),
		PID: h.PID, ExitCode: code, State: u.state.String(), Error: errorUnlessOK(ok, u.lastError),
	})
}

func errorUnlessOK(ok bool, s string) string {
	if ok {
		return ""
	}
	return s
}

func (u *Updater) setState(to State) {
	from := u.state
	if from == to {
		return
	}
	u.state = to
	u.logger.Info("state changed", "from", from, "to", to)
	metrics.RecordTransition(u.site.ID, from.String(), to.String())
	u.deps.History.Record(history.Event{
		Type: history.EventTransition, OccurredAt: u.deps.Now(), Site: u.site.ID, State: to.String(),
	})
}

func (u *Updater) violation(pid int, reason string) {
	v := ProtocolViolation{Site: u.site.ID, PID: pid, Reason: reason}
	metrics.IncProtocolViolation(u.site.ID)
	u.logger.Error("protocol violation", "pid", pid, "error", v)
}

// Status is a point-in-time view of an updater.
type Status struct {
	Site         string     `json:"site"`
	Plugin       string     `json:"plugin"`
	State        State      `json:"state"`
	Progress     int        `json:"progress"` // -1 when nothing has been reported
	PID          int        `json:"pid,omitempty"`
	Kind         string     `json:"kind,omitempty"`
	Runs         int        `json:"runs"`
	LastExitCode int        `json:"last_exit_code"`
	LastError    string     `json:"last_error,omitempty"`
	LastRunAt    *time.Time `json:"last_run_at,omitempty"`
	HoldUntil    *time.Time `json:"hold_until,omitempty"`
	NextRunAt    *time.Time `json:"next_run_at,omitempty"`
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (u *Updater) Snapshot() Status {
	st := Status{
		Site:         u.site.ID,
		Plugin:       u.site.Plugin,
		State:        u.state,
		Progress:     u.lastProgress,
		Runs:         u.runs,
		LastExitCode: u.lastExitCode,
		LastError:    u.lastError,
		LastRunAt:    timePtr(u.lastRunAt),
	}
	if u.run != nil {
		st.PID = u.run.handle.PID
		st.Kind = string(u.run.handle.Kind)
	}
	if u.holdUntil.After(u.deps.Now()) {
		st.HoldUntil = timePtr(u.holdUntil)
	}
	if next, ok := u.deps.Scheduler.NextFire(u.site.ID); ok {
		st.NextRunAt = timePtr(next)
	}
	return st
}
