// Package sequencer serializes every accelerator-bound job through one worker.
//
// The sequencer is the sole owner of the resource handed to New. Callers never
// touch that resource directly: they submit a Job, receive a Future, and wait on
// it. Jobs run one at a time in submission order and always run to completion,
// even when the submitter has stopped waiting.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"OwlDetServer/logger"
	"OwlDetServer/monitor"

	"go.uber.org/zap"
)

var (
	ErrClosed      = errors.New("sequencer closed")
	ErrJobPanicked = errors.New("job panicked")
	ErrResultType  = errors.New("unexpected job result type")
)

// Job runs on the worker with exclusive access to the resource.
type Job[R any] func(res R) (any, error)

// Future is fulfilled exactly once, when its job has run.
type Future struct {
	done  chan struct{}
	value any
	err   error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(value any, err error) {
	f.value, f.err = value, err
	close(f.done)
}

func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the job has run or ctx ends. Giving up does not cancel the job.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type jobPackage[R any] struct {
	op     string
	job    Job[R]
	result *Future
}

type Sequencer[R any] struct {
	resource R

	mu      sync.Mutex
	pending []*jobPackage[R]
	closed  bool
	wake    chan struct{}
	stopped chan struct{}

	log *zap.Logger
}

// New starts the worker. The queue is unbounded.
func New[R any](resource R) *Sequencer[R] {
	s := &Sequencer[R]{
		resource: resource,
		wake:     make(chan struct{}, 1),
		stopped:  make(chan struct{}),
		log:      logger.Named("sequencer"),
	}
	go s.runWorker()
	return s
}

// Submit enqueues job and returns immediately.
func (s *Sequencer[R]) Submit(op string, job Job[R]) (*Future, error) {
	f := newFuture()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.pending = append(s.pending, &jobPackage[R]{op: op, job: job, result: f})
	depth := len(s.pending)
	s.mu.Unlock()

	monitor.QueueDepth.Set(float64(depth))
	s.signal()
	return f, nil
}

// Pending is the number of jobs not yet picked up by the worker.
func (s *Sequencer[R]) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Close stops accepting jobs, lets the worker drain what is queued and waits for it.
func (s *Sequencer[R]) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.signal()
	<-s.stopped
}

func (s *Sequencer[R]) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Sequencer[R]) runWorker() {
	// Accelerator runtimes tend to bind contexts to the calling thread.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(s.stopped)

	s.log.Info("worker started")
	for {
		job, ok := s.next()
		if !ok {
			s.log.Info("worker stopped")
			return
		}
		s.run(job)
	}
}

func (s *Sequencer[R]) next() (*jobPackage[R], bool) {
	for {
		s.mu.Lock()
		if len(s.pending) > 0 {
			job := s.pending[0]
			s.pending[0] = nil
			s.pending = s.pending[1:]
			depth := len(s.pending)
			s.mu.Unlock()
			monitor.QueueDepth.Set(float64(depth))
			return job, true
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return nil, false
		}
		<-s.wake
	}
}

func (s *Sequencer[R]) run(job *jobPackage[R]) {
	start := time.Now()
	value, err := s.invoke(job)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		s.log.Warn("job failed", zap.String("op", job.op), zap.Error(err))
	}
	monitor.JobDuration.WithLabelValues(job.op, outcome).Observe(time.Since(start).Seconds())
	job.result.resolve(value, err)
}

func (s *Sequencer[R]) invoke(job *jobPackage[R]) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("job panicked", zap.String("op", job.op), zap.Any("panic", r), zap.Stack("stack"))
			value, err = nil, fmt.Errorf("%w: %v", ErrJobPanicked, r)
		}
	}()
	return job.job(s.resource)
}

// Do submits fn and waits for its typed result.
func Do[R, T any](ctx context.Context, s *Sequencer[R], op string, fn func(res R) (T, error)) (T, error) {
	var zero T
	f, err := s.Submit(op, func(res R) (any, error) {
		return fn(res)
	})
	if err != nil {
		return zero, err
	}
	v, err := f.Wait(ctx)
	if err != nil {
		return zero, err
	}
	return resultAs[T](op, v)
}

func resultAs[T any](op string, v any) (T, error) {
	var zero T
	if v == nil {
		// a nil interface result
		return zero, nil
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%w: job %s returned %T, want %T", ErrResultType, op, v, zero)
	}
	return t, nil
}
