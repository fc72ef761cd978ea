// Package history records session activity to best-effort sinks. Offer never
// blocks and never reports failure to the caller; a full queue or a failing
// sink loses records silently apart from a debug log and a counter.
package history

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Record is one activity entry.
type Record struct {
	SessionID string
	Kind      string
	Agent     string
	Payload   any
	Time      time.Time
}

// Sink persists records. Implementations need not be safe for concurrent
// use; the recorder calls them from one goroutine.
type Sink interface {
	Name() string
	Write(ctx context.Context, rec Record) error
	Close() error
}

// Recorder queues records and hands them to every sink on a worker
// goroutine.
type Recorder struct {
	sinks  []Sink
	logger *zap.Logger
	queue  chan Record

	mu     sync.RWMutex
	closed bool
	done   chan struct{}

	written atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

// NewRecorder starts a recorder with a queue of buffer records.
func NewRecorder(buffer int, logger *zap.Logger, sinks ...Sink) *Recorder {
	if buffer <= 0 {
		buffer = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Recorder{
		sinks:  sinks,
		logger: logger.With(zap.String("component", "history")),
		queue:  make(chan Record, buffer),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

// Offer enqueues rec without blocking. It is safe on a nil recorder and
// after Close.
func (r *Recorder) Offer(rec Record) {
	if r == nil {
		return
	}
	if rec.Time.IsZero() {
		rec.Time = time.Now().UTC()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- rec:
	default:
		r.dropped.Add(1)
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for rec := range r.queue {
		for _, s := range r.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := s.Write(ctx, rec)
			cancel()
			if err != nil {
				r.failed.Add(1)
				r.logger.Debug("history sink write failed",
					zap.String("sink", s.Name()), zap.String("session_id", rec.SessionID), zap.Error(err))
				continue
			}
			r.written.Add(1)
		}
	}
}

// Close stops accepting records, drains the queue and closes the sinks.
func (r *Recorder) Close() {
	if r == nil {
		return
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.done
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	<-r.done
	for _, s := range r.sinks {
		if err := s.Close(); err != nil {
			r.logger.Debug("history sink close failed", zap.String("sink", s.Name()), zap.Error(err))
		}
	}
}

// Stats reports sink writes, queue drops and sink failures.
func (r *Recorder) Stats() (written, dropped, failed uint64) {
	if r == nil {
		return 0, 0, 0
	}
	return r.written.Load(), r.dropped.Load(), r.failed.Load()
}
