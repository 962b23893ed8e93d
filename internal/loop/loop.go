// Package loop runs posted functions one at a time on a single goroutine.
//
// Every mutation of daemon state (updater state machines, the supervisor's pid
// table, the scheduler's job table) happens inside a function executed by the
// loop. Worker goroutines that block on the OS (process waits, socket accepts
// and reads, timers) hand their results over with Post.
package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var ErrStopped = errors.New("loop stopped")

type Loop struct {
	logger *slog.Logger

	mu      sync.Mutex
	pending []func()
	stopped bool

	wake    chan struct{}
	quit    chan struct{}
	done    chan struct{}
	started chan struct{}
	once    sync.Once
}

func New(logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		logger:  logger,
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		started: make(chan struct{}),
	}
}

// Run executes posted functions in FIFO order until Stop is called or ctx is
// cancelled. Functions still queued at that point are discarded.
func (l *Loop) Run(ctx context.Context) error {
	select {
	case <-l.started:
		return errors.New("loop already running")
	default:
		close(l.started)
	}
	defer close(l.done)
	defer l.markStopped()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.quit:
			return nil
		case <-l.wake:
		}
		for {
			batch := l.take()
			if len(batch) == 0 {
				break
			}
			for _, fn := range batch {
				l.invoke(fn)
				select {
				case <-l.quit:
					return nil
				default:
				}
			}
		}
	}
}

// Post enqueues fn. It is safe from any goroutine and never blocks. It
// returns false once the loop has stopped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.pending = append(l.pending, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Call posts fn and waits until it has run. It must not be called from the
// loop goroutine itself.
func (l *Loop) Call(fn func()) bool {
	ran := make(chan struct{})
	if !l.Post(func() {
		defer close(ran)
		fn()
	}) {
		return false
	}
	select {
	case <-ran:
		return true
	case <-l.done:
		// a final batch may have completed fn before Run returned
		select {
		case <-ran:
			return true
		default:
			return false
		}
	}
}

// Stop makes Run return after the function currently executing, if any.
func (l *Loop) Stop() {
	l.once.Do(func() {
		l.markStopped()
		close(l.quit)
	})
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} { return l.done }

func (l *Loop) take() []func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	batch := l.pending
	l.pending = nil
	return batch
}

func (l *Loop) markStopped() {
	l.mu.Lock()
	l.stopped = true
	l.pending = nil
	l.mu.Unlock()
}

func (l *Loop) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("panic in event loop", "panic", fmt.Sprint(r))
		}
	}()
	fn()
}

// Timer is an OS timer whose expiry is delivered on the loop.
type Timer struct {
	t         *time.Timer
	cancelled bool
}

// AfterFunc arms a timer that posts fn to the loop after d. Stop must be
// called on the loop; a fire already queued behind it is then dropped.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	tm := &Timer{}
	tm.t = time.AfterFunc(d, func() {
		l.Post(func() {
			if tm.cancelled {
				return
			}
			tm.cancelled = true
			fn()
		})
	})
	return tm
}

// Stop disarms the timer. It reports whether the timer was still pending.
func (t *Timer) Stop() bool {
	if t.cancelled {
		return false
	}
	t.cancelled = true
	t.t.Stop()
	return true
}
