package updater_test

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fpemud/mycdn-controller-sub000/internal/clocktest"
	"github.com/fpemud/mycdn-controller-sub000/internal/cron"
	"github.com/fpemud/mycdn-controller-sub000/internal/ipc"
	"github.com/fpemud/mycdn-controller-sub000/internal/plugin"
	"github.com/fpemud/mycdn-controller-sub000/internal/process"
	"github.com/fpemud/mycdn-controller-sub000/internal/site"
	"github.com/fpemud/mycdn-controller-sub000/internal/updater"
)

type fakeSpawner struct {
	nextPID    int
	fail       error
	reqs       []process.SpawnRequest
	handles    []*process.Handle
	terminated []int
}

func (f *fakeSpawner) Spawn(req process.SpawnRequest) (*process.Handle, error) {
	f.reqs = append(f.reqs, req)
	if f.fail != nil {
		return nil, f.fail
	}
	f.nextPID++
	h := &process.Handle{PID: 1000 + f.nextPID, Owner: req.Owner, Kind: req.Kind, Path: req.Path}
	f.handles = append(f.handles, h)
	return h, nil
}

func (f *fakeSpawner) Terminate(h *process.Handle) error {
	f.terminated = append(f.terminated, h.PID)
	return nil
}

func (f *fakeSpawner) last() *process.Handle { return f.handles[len(f.handles)-1] }

type fixture struct {
	site  site.MirrorSite
	clock *clocktest.Clock
	sched *cron.Scheduler
	spawn *fakeSpawner
	u     *updater.Updater
	logs  *bytes.Buffer
}

var start = time.Date(2023, 12, 31, 23, 59, 50, 0, time.UTC)

func newFixture(t *testing.T, initialized bool, schedule string) *fixture {
	t.Helper()
	s := site.MirrorSite{
		ID:       "debian",
		Plugin:   "exec",
		DataDir:  filepath.Join(t.TempDir(), "debian"),
		Schedule: schedule,
	}
	require.NoError(t, s.Prepare())
	if initialized {
		require.NoError(t, s.ClearMarker())
	}

	f := &fixture{site: s, spawn: &fakeSpawner{}, logs: &bytes.Buffer{}}
	f.clock = clocktest.New(start, clocktest.Inline{})
	f.sched = cron.New(f.clock)
	logger := slog.New(slog.NewJSONHandler(f.logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	u, err := updater.New(s, updater.Deps{
		Scheduler:   f.sched,
		Spawner:     f.spawn,
		Executables: plugin.Executables{Initializer: "/opt/plugins/init", Updater: "/opt/plugins/update"},
		TmpDir:      "/var/tmp/mycdn/debian",
		LogDir:      "/var/log/mycdn/debian",
		Country:     "CN",
		Location:    "Beijing",
		Now:         f.clock.Now,
		Logger:      logger,
	})
	require.NoError(t, err)
	f.u = u
	return f
}

func sameTime(t *testing.T, want, got time.Time) {
	t.Helper()
	assert.True(t, want.Equal(got), "want %s, got %s", want, got)
}

func (f *fixture) violations() int {
	return strings.Count(f.logs.String(), `"msg":"protocol violation"`)
}

func (f *fixture) succeed(h *process.Handle) {
	f.u.HandleMessage(h.PID, ipc.Progress(100))
	f.u.HandleExit(h, 0)
}

func TestInitialStateFollowsMarker(t *testing.T) {
	assert.Equal(t, updater.Uninitialized, newFixture(t, false, "0 0 * * *").u.State())
	assert.Equal(t, updater.Idle, newFixture(t, true, "0 0 * * *").u.State())
}

func TestInitializeThenSchedule(t *testing.T) {
	f := newFixture(t, false, "0 0 * * *")
	f.u.Start()
	require.Empty(t, f.spawn.reqs)

	f.clock.Advance(0)
	require.Len(t, f.spawn.reqs, 1)
	req := f.spawn.reqs[0]
	assert.Equal(t, process.KindInitializer, req.Kind)
	assert.Equal(t, "/opt/plugins/init", req.Path)
	assert.Equal(t, []string{f.site.DataDir}, req.Args)
	assert.Equal(t, []string{"/var/tmp/mycdn/debian", f.site.DataDir, "/var/log/mycdn/debian", "CN", "Beijing"}, req.Handoff)
	assert.Equal(t, updater.Initializing, f.u.State())

	f.succeed(f.spawn.last())
	assert.Equal(t, updater.Idle, f.u.State())
	_, err := os.Stat(f.site.MarkerPath())
	assert.True(t, errors.Is(err, os.ErrNotExist), "marker should be removed")

	next, ok := f.sched.NextFire("debian")
	require.True(t, ok)
	sameTime(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), next)
	assert.Zero(t, f.violations())
}

func TestIdleSiteSyncsOnSchedule(t *testing.T) {
	f := newFixture(t, true, "0 0 * * *")
	f.u.Start()

	f.clock.Advance(9 * time.Second)
	require.Empty(t, f.spawn.reqs)
	f.clock.Advance(time.Second)
	require.Len(t, f.spawn.reqs, 1)
	req := f.spawn.reqs[0]
	assert.Equal(t, process.KindUpdater, req.Kind)
	assert.Equal(t, "/opt/plugins/update", req.Path)
	require.Len(t, req.Handoff, 6)
	assert.Equal(t, "2024-01-01 00:00", req.Handoff[5])
	assert.Equal(t, updater.Syncing, f.u.State())

	h := f.spawn.last()
	f.u.HandleMessage(h.PID, ipc.Progress(42))
	assert.Equal(t, 42, f.u.Snapshot().Progress)
	f.succeed(h)
	assert.Equal(t, updater.Idle, f.u.State())
	assert.Zero(t, f.violations())
}

func TestInitHoldForDelaysRetry(t *testing.T) {
	f := newFixture(t, false, "0 0 * * *")
	f.u.Start()
	f.clock.Advance(0)
	h := f.spawn.last()

	f.u.HandleMessage(h.PID, ipc.ErrorAndHoldFor(5, "upstream busy"))
	f.u.HandleExit(h, 1)
	assert.Equal(t, updater.InitFailed, f.u.State())
	st := f.u.Snapshot()
	assert.Equal(t, "upstream busy", st.LastError)
	require.NotNil(t, st.HoldUntil)
	sameTime(t, start.Add(5*time.Second), *st.HoldUntil)

	f.clock.Advance(4 * time.Second)
	assert.Len(t, f.spawn.reqs, 1)
	f.clock.Advance(time.Second)
	assert.Len(t, f.spawn.reqs, 2)
	assert.Equal(t, updater.Initializing, f.u.State())
	assert.Zero(t, f.violations())
}

func TestInitFailureRetriesAfterDefaultDelay(t *testing.T) {
	f := newFixture(t, false, "0 0 * * *")
	f.u.Start()
	f.clock.Advance(0)
	f.u.HandleExit(f.spawn.last(), 2)
	assert.Equal(t, updater.InitFailed, f.u.State())
	assert.Equal(t, "initializer exited with code 2", f.u.Snapshot().LastError)

	f.clock.Advance(updater.DefaultInitRetry - time.Second)
	assert.Len(t, f.spawn.reqs, 1)
	f.clock.Advance(time.Second)
	assert.Len(t, f.spawn.reqs, 2)
}

func TestSyncHoldPausesSchedule(t *testing.T) {
	f := newFixture(t, true, "* * * * *")
	f.u.Start()
	f.clock.Advance(10 * time.Second) // 00:00
	require.Len(t, f.spawn.reqs, 1)
	h := f.spawn.last()

	f.u.HandleMessage(h.PID, ipc.Progress(30))
	f.u.HandleMessage(h.PID, ipc.ErrorAndHoldFor(300, "rate limited"))
	f.u.HandleExit(h, 1)
	assert.Equal(t, updater.SyncFailed, f.u.State())

	next, ok := f.sched.NextFire("debian")
	require.True(t, ok)
	sameTime(t, time.Date(2024, 1, 1, 0, 5, 0, 0, time.UTC), next)

	f.clock.Advance(4*time.Minute + 59*time.Second)
	assert.Len(t, f.spawn.reqs, 1)
	f.clock.Advance(time.Second)
	assert.Len(t, f.spawn.reqs, 2)
	assert.Equal(t, updater.Syncing, f.u.State())
}

func TestSyncFailureWithoutHoldKeepsCadence(t *testing.T) {
	f := newFixture(t, true, "* * * * *")
	f.u.Start()
	f.clock.Advance(10 * time.Second)
	f.u.HandleMessage(f.spawn.last().PID, ipc.Error("boom"))
	f.u.HandleExit(f.spawn.last(), 1)
	assert.Equal(t, updater.SyncFailed, f.u.State())
	assert.Nil(t, f.u.Snapshot().HoldUntil)

	f.clock.Advance(time.Minute)
	assert.Len(t, f.spawn.reqs, 2)
}

func TestOverlappingTickIsSkipped(t *testing.T) {
	f := newFixture(t, true, "* * * * *")
	f.u.Start()
	f.clock.Advance(10 * time.Second)
	require.Len(t, f.spawn.reqs, 1)

	f.clock.Advance(time.Minute)
	assert.Len(t, f.spawn.reqs, 1)
	assert.Equal(t, updater.Syncing, f.u.State())
	assert.Contains(t, f.logs.String(), "update skipped, previous not finished")

	f.succeed(f.spawn.last())
	f.clock.Advance(time.Minute)
	assert.Len(t, f.spawn.reqs, 2)
}

func TestExitCodeIsAuthoritative(t *testing.T) {
	t.Run("zero with incomplete progress", func(t *testing.T) {
		f := newFixture(t, true, "0 0 * * *")
		f.u.Start()
		f.clock.Advance(10 * time.Second)
		h := f.spawn.last()
		f.u.HandleMessage(h.PID, ipc.Progress(50))
		f.u.HandleExit(h, 0)
		assert.Equal(t, updater.Idle, f.u.State())
		assert.Equal(t, 1, f.violations())
	})
	t.Run("zero after error report", func(t *testing.T) {
		f := newFixture(t, true, "0 0 * * *")
		f.u.Start()
		f.clock.Advance(10 * time.Second)
		h := f.spawn.last()
		f.u.HandleMessage(h.PID, ipc.Progress(100))
		f.u.HandleMessage(h.PID, ipc.Error("late failure"))
		f.u.HandleExit(h, 0)
		assert.Equal(t, updater.Idle, f.u.State())
		assert.Equal(t, 1, f.violations())
	})
	t.Run("nonzero after progress 100", func(t *testing.T) {
		f := newFixture(t, true, "0 0 * * *")
		f.u.Start()
		f.clock.Advance(10 * time.Second)
		h := f.spawn.last()
		f.u.HandleMessage(h.PID, ipc.Progress(100))
		f.u.HandleExit(h, 3)
		assert.Equal(t, updater.SyncFailed, f.u.State())
		assert.Equal(t, 1, f.violations())
	})
}

func TestMessageViolations(t *testing.T) {
	f := newFixture(t, true, "0 0 * * *")
	f.u.Start()

	f.u.HandleMessage(4242, ipc.Progress(10))
	assert.Equal(t, 1, f.violations(), "message with no live child")
	assert.Contains(t, f.logs.String(), `"error":"protocol violation by `+f.site.ID+` (pid 4242): `)

	f.clock.Advance(10 * time.Second)
	h := f.spawn.last()
	f.u.HandleMessage(h.PID+1, ipc.Progress(10))
	assert.Equal(t, 2, f.violations(), "message from another pid")

	f.u.HandleMessage(h.PID, ipc.Progress(60))
	f.u.HandleMessage(h.PID, ipc.Progress(40))
	assert.Equal(t, 3, f.violations(), "progress going backwards")
	assert.Equal(t, 60, f.u.Snapshot().Progress)

	f.u.HandleMessage(h.PID, ipc.Progress(60))
	assert.Equal(t, 3, f.violations(), "repeating progress is allowed")

	f.u.HandleMessage(h.PID, ipc.ErrorAndHoldFor(30, "first"))
	f.u.HandleMessage(h.PID, ipc.Error("second"))
	assert.Equal(t, 4, f.violations(), "second error report")

	f.u.HandleExit(h, 1)
	st := f.u.Snapshot()
	assert.Equal(t, "first", st.LastError)
	require.NotNil(t, st.HoldUntil)
	sameTime(t, start.Add(10*time.Second+30*time.Second), *st.HoldUntil)
}

func TestSpawnFailure(t *testing.T) {
	t.Run("updater", func(t *testing.T) {
		f := newFixture(t, true, "* * * * *")
		f.spawn.fail = errors.New("exec format error")
		f.u.Start()
		f.clock.Advance(10 * time.Second)
		assert.Equal(t, updater.SyncFailed, f.u.State())
		st := f.u.Snapshot()
		assert.Equal(t, -1, st.LastExitCode)
		assert.Contains(t, st.LastError, "exec format error")

		f.spawn.fail = nil
		f.clock.Advance(time.Minute)
		assert.Equal(t, updater.Syncing, f.u.State())
	})
	t.Run("initializer", func(t *testing.T) {
		f := newFixture(t, false, "* * * * *")
		f.spawn.fail = errors.New("no such file")
		f.u.Start()
		f.clock.Advance(0)
		assert.Equal(t, updater.InitFailed, f.u.State())

		f.spawn.fail = nil
		f.clock.Advance(updater.DefaultInitRetry)
		assert.Equal(t, updater.Initializing, f.u.State())
	})
}

func TestStopTerminatesChildAndRemovesJob(t *testing.T) {
	f := newFixture(t, true, "* * * * *")
	f.u.Start()
	f.clock.Advance(10 * time.Second)
	h := f.spawn.last()

	f.u.Stop()
	assert.Equal(t, []int{h.PID}, f.spawn.terminated)
	_, ok := f.sched.NextFire("debian")
	assert.False(t, ok)

	f.u.HandleMessage(h.PID, ipc.ErrorAndHoldFor(60, "terminated"))
	f.u.HandleExit(h, 143)
	assert.Equal(t, updater.SyncFailed, f.u.State())
	_, ok = f.sched.NextFire("debian")
	assert.False(t, ok, "no rescheduling while stopping")
	assert.Zero(t, f.sched.Armed())
}

func TestStopDuringInitDoesNotRegisterSchedule(t *testing.T) {
	f := newFixture(t, false, "* * * * *")
	f.u.Start()
	f.clock.Advance(0)
	h := f.spawn.last()
	f.u.Stop()
	f.succeed(h)
	assert.Equal(t, updater.Idle, f.u.State())
	_, ok := f.sched.NextFire("debian")
	assert.False(t, ok)
}

func TestSnapshot(t *testing.T) {
	f := newFixture(t, true, "0 0 * * *")
	f.u.Start()
	st := f.u.Snapshot()
	assert.Equal(t, "debian", st.Site)
	assert.Equal(t, "exec", st.Plugin)
	assert.Equal(t, updater.Idle, st.State)
	assert.Equal(t, -1, st.Progress)
	assert.Nil(t, st.LastRunAt)
	require.NotNil(t, st.NextRunAt)
	sameTime(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), *st.NextRunAt)

	f.clock.Advance(10 * time.Second)
	st = f.u.Snapshot()
	assert.Equal(t, f.spawn.last().PID, st.PID)
	assert.Equal(t, "updater", st.Kind)
	assert.Equal(t, 1, st.Runs)
	require.NotNil(t, st.LastRunAt)
}

func TestStateText(t *testing.T) {
	for _, s := range []updater.State{
		updater.Uninitialized, updater.Initializing, updater.InitFailed,
		updater.Idle, updater.Syncing, updater.SyncFailed,
	} {
		b, err := s.MarshalText()
		require.NoError(t, err)
		var back updater.State
		require.NoError(t, back.UnmarshalText(b))
		assert.Equal(t, s, back)
	}
	assert.Equal(t, "init-failed", updater.InitFailed.String())
	assert.True(t, updater.Syncing.Running())
	assert.False(t, updater.SyncFailed.Running())
}
