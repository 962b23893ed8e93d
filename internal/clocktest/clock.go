// Package clocktest provides a manually advanced clock for scheduler tests.
package clocktest

import (
	"sort"
	"sync"
	"time"

	"github.com/fpemud/mycdn-controller-sub000/internal/cron"
)

// Poster delivers timer callbacks, normally *loop.Loop.
type Poster interface {
	Post(fn func()) bool
}

// Inline runs callbacks synchronously on the goroutine calling Advance.
type Inline struct{}

func (Inline) Post(fn func()) bool {
	fn()
	return true
}

type Clock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*timer
	poster Poster
	armed  int
}

type timer struct {
	c       *Clock
	at      time.Time
	fn      func()
	stopped bool
	fired   bool
}

var _ cron.Clock = (*Clock)(nil)

func New(start time.Time, p Poster) *Clock {
	if p == nil {
		p = Inline{}
	}
	return &Clock{now: start, poster: p}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) AfterFunc(d time.Duration, fn func()) cron.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &timer{c: c, at: c.now.Add(d), fn: fn}
	c.timers = append(c.timers, t)
	c.armed++
	return t
}

// Active reports how many timers are armed and neither fired nor stopped.
func (c *Clock) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.armed
}

// Advance moves the clock forward by d and fires every timer that comes due,
// in deadline order. With the Inline poster, timers armed by those callbacks
// for an instant not after the new time fire in the same call.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()
	for {
		t := c.nextDue(target)
		if t == nil {
			break
		}
		c.poster.Post(func() {
			c.mu.Lock()
			if t.stopped {
				c.mu.Unlock()
				return
			}
			c.mu.Unlock()
			t.fn()
		})
	}
	c.mu.Lock()
	if c.now.Before(target) {
		c.now = target
	}
	c.mu.Unlock()
}

// nextDue pops the earliest pending timer due at or before target and moves
// the clock to its deadline.
func (c *Clock) nextDue(target time.Time) *timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	sort.SliceStable(c.timers, func(a, b int) bool { return c.timers[a].at.Before(c.timers[b].at) })
	for i, t := range c.timers {
		if t.stopped || t.fired {
			continue
		}
		if t.at.After(target) {
			return nil
		}
		t.fired = true
		c.armed--
		c.timers = append(c.timers[:i], c.timers[i+1:]...)
		if t.at.After(c.now) {
			c.now = t.at
		}
		return t
	}
	return nil
}

func (t *timer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	t.c.armed--
	return true
}
