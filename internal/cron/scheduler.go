// Package cron multiplexes any number of cron jobs onto a single timer.
//
// The scheduler keeps one OS timer armed for the earliest pending fire time
// across all jobs. When it expires every job due at that instant runs in the
// same tick. All methods must be called from the event loop that delivers the
// clock's timer callbacks.
package cron

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fpemud/mycdn-controller-sub000/internal/metrics"
)

var (
	ErrJobExists   = errors.New("job already exists")
	ErrJobNotFound = errors.New("job not found")
	ErrClosed      = errors.New("scheduler closed")
)

// Callback receives the nominal fire time of the tick, not the wall clock at
// which it actually ran.
type Callback func(scheduled time.Time)

type job struct {
	id          string
	expr        string
	schedule    cron.Schedule // nil for one-shot jobs
	next        time.Time
	pausedUntil time.Time
	callback    Callback
	removed     bool
}

// due is the instant the job will actually fire.
func (j *job) due() time.Time {
	if j.pausedUntil.After(j.next) {
		return j.pausedUntil
	}
	return j.next
}

// JobInfo is a read-only view of a registered job.
type JobInfo struct {
	ID          string
	Expr        string
	Next        time.Time
	PausedUntil time.Time
	OneShot     bool
}

type Scheduler struct {
	clock  Clock
	logger *slog.Logger

	jobs   map[string]*job
	timer  Timer
	armed  time.Time
	firing bool
	closed bool
}

type Option func(*Scheduler)

func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

func New(clock Clock, opts ...Option) *Scheduler {
	s := &Scheduler{
		clock:  clock,
		logger: slog.Default(),
		jobs:   make(map[string]*job),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// AddJob registers a recurring job. The first fire is the first instant
// matching expr strictly after now.
func (s *Scheduler) AddJob(id, expr string, cb Callback) error {
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.jobs[id]; ok {
		return fmt.Errorf("add job %q: %w", id, ErrJobExists)
	}
	sched, err := Parse(expr)
	if err != nil {
		return err
	}
	j := &job{id: id, expr: expr, schedule: sched, callback: cb}
	j.next = sched.Next(s.clock.Now())
	if j.next.IsZero() {
		return fmt.Errorf("cron expression %q never fires", expr)
	}
	s.jobs[id] = j
	s.logger.Debug("cron job added", "job", id, "expr", expr, "next", j.next)
	s.rearm()
	return nil
}

// AddOneShot registers a job that fires once at `at` and is then removed.
// An instant in the past fires on the next tick.
func (s *Scheduler) AddOneShot(id string, at time.Time, cb Callback) error {
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.jobs[id]; ok {
		return fmt.Errorf("add job %q: %w", id, ErrJobExists)
	}
	s.jobs[id] = &job{id: id, next: at, callback: cb}
	s.logger.Debug("one-shot job added", "job", id, "at", at)
	s.rearm()
	return nil
}

// RemoveJob unregisters id. Removing an unknown id is a no-op.
func (s *Scheduler) RemoveJob(id string) {
	j, ok := s.jobs[id]
	if !ok {
		return
	}
	j.removed = true
	delete(s.jobs, id)
	s.rearm()
}

// PauseJob suppresses every fire of id before until. The job next fires at
// until exactly (or at its regular time if that is later) and then resumes its
// normal cadence.
func (s *Scheduler) PauseJob(id string, until time.Time) error {
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("pause job %q: %w", id, ErrJobNotFound)
	}
	j.pausedUntil = until
	s.logger.Debug("cron job paused", "job", id, "until", until)
	s.rearm()
	return nil
}

// NextFire reports when id will next fire.
func (s *Scheduler) NextFire(id string) (time.Time, bool) {
	j, ok := s.jobs[id]
	if !ok {
		return time.Time{}, false
	}
	return j.due(), true
}

func (s *Scheduler) Jobs() []JobInfo {
	out := make([]JobInfo, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, JobInfo{
			ID:          j.id,
			Expr:        j.expr,
			Next:        j.due(),
			PausedUntil: j.pausedUntil,
			OneShot:     j.schedule == nil,
		})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

// Armed reports the number of pending timers, which is never more than one.
func (s *Scheduler) Armed() int {
	if s.timer != nil {
		return 1
	}
	return 0
}

// Close disarms the timer and drops every job.
func (s *Scheduler) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.disarm()
	for _, j := range s.jobs {
		j.removed = true
	}
	s.jobs = make(map[string]*job)
}

func (s *Scheduler) disarm() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
		s.armed = time.Time{}
	}
}

func (s *Scheduler) earliest() (time.Time, bool) {
	var first time.Time
	found := false
	for _, j := range s.jobs {
		d := j.due()
		if !found || d.Before(first) {
			first = d
			found = true
		}
	}
	return first, found
}

// rearm makes the single timer match the earliest due time. Mutations made by
// callbacks during a tick are folded into one rearm at the end of the tick.
func (s *Scheduler) rearm() {
	if s.firing || s.closed {
		return
	}
	next, ok := s.earliest()
	if !ok {
		s.disarm()
		return
	}
	if s.timer != nil && s.armed.Equal(next) {
		return
	}
	s.disarm()
	d := next.Sub(s.clock.Now())
	if d < 0 {
		d = 0
	}
	s.armed = next
	s.timer = s.clock.AfterFunc(d, s.tick)
}

func (s *Scheduler) tick() {
	s.timer = nil
	s.armed = time.Time{}
	if s.closed {
		return
	}
	next, ok := s.earliest()
	if !ok {
		return
	}
	if next.After(s.clock.Now()) {
		// woke early, e.g. the wall clock was stepped back
		s.rearm()
		return
	}

	type fire struct {
		j   *job
		cb  Callback
		due time.Time
	}
	var batch []fire
	for _, j := range s.jobs {
		if !j.due().Equal(next) {
			continue
		}
		batch = append(batch, fire{j: j, cb: j.callback, due: next})
		if j.schedule == nil {
			j.removed = true
			delete(s.jobs, j.id)
			continue
		}
		j.pausedUntil = time.Time{}
		j.next = j.schedule.Next(next)
	}
	sort.Slice(batch, func(a, b int) bool { return batch[a].j.id < batch[b].j.id })

	s.firing = true
	for _, f := range batch {
		if f.j.removed && f.j.schedule != nil {
			continue
		}
		metrics.IncSchedulerFire(f.j.id)
		s.invoke(f.j.id, f.cb, f.due)
	}
	s.firing = false
	s.rearm()
}

func (s *Scheduler) invoke(id string, cb Callback, due time.Time) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("cron callback panicked", "job", id, "panic", fmt.Sprint(r))
		}
	}()
	cb(due)
}
