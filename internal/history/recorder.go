package history

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Recorder forwards events to a Sink from its own goroutine so that callers
// on the event loop never block on I/O. When the queue is full new events are
// dropped.
type Recorder struct {
	sink    Sink
	logger  *slog.Logger
	timeout time.Duration

	mu     sync.Mutex
	closed bool
	ch     chan Event
	done   chan struct{}
}

func NewRecorder(sink Sink, logger *slog.Logger, buffer int) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = 256
	}
	r := &Recorder{
		sink:    sink,
		logger:  logger,
		timeout: 5 * time.Second,
		ch:      make(chan Event, buffer),
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Recorder) run() {
	defer close(r.done)
	for e := range r.ch {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		if err := r.sink.Send(ctx, e); err != nil {
			r.logger.Warn("history sink send failed", "site", e.Site, "type", e.Type, "error", err)
		}
		cancel()
	}
}

// Record queues e. A nil Recorder discards it.
func (r *Recorder) Record(e Event) {
	if r == nil {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.ch <- e:
	default:
		r.logger.Warn("history queue full, event dropped", "site", e.Site, "type", e.Type)
	}
}

// Close flushes queued events and closes the sink if it is an io.Closer.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.ch)
	r.mu.Unlock()
	<-r.done
	if c, ok := r.sink.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
