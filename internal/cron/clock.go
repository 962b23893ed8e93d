package cron

import (
	"time"

	"github.com/fpemud/mycdn-controller-sub000/internal/loop"
)

// Clock supplies the current time and one-shot timers whose callbacks run on
// the event loop.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

type Timer interface {
	Stop() bool
}

type loopClock struct{ l *loop.Loop }

// LoopClock is the wall clock with timers delivered through l.
func LoopClock(l *loop.Loop) Clock { return loopClock{l: l} }

func (c loopClock) Now() time.Time { return time.Now() }

func (c loopClock) AfterFunc(d time.Duration, fn func()) Timer { return c.l.AfterFunc(d, fn) }
