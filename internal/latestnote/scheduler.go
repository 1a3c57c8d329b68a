package latestnote

import (
	"context"
	"fmt"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
)

const (
	defaultSchedulerWorkers   = 4
	defaultSchedulerQueueSize = 1024
	failureKindError          = "error"
	failureKindPanic          = "panic"
)

// Task is a unit of projection work detached from its caller.
type Task struct {
	Operation string
	NoteID    string
	Run       func(ctx context.Context) error
}

type SchedulerConfig struct {
	Workers   int
	QueueSize int
	Logger    *zap.Logger
	Metrics   *Metrics
}

// Scheduler runs tasks on a fixed pool of workers. Submit never blocks: tasks that do not fit
// in the queue are dropped. Failures are logged and counted, never returned or retried.
type Scheduler struct {
	mu      sync.RWMutex
	closed  bool
	queue   chan Task
	pending *xsync.Counter
	workers sync.WaitGroup

	baseCtx context.Context
	cancel  context.CancelFunc
	logger  *zap.Logger
	metrics *Metrics
}

// NewScheduler starts the worker pool.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultSchedulerWorkers
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultSchedulerQueueSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	scheduler := &Scheduler{
		queue:   make(chan Task, queueSize),
		pending: xsync.NewCounter(),
		baseCtx: baseCtx,
		cancel:  cancel,
		logger:  logger,
		metrics: cfg.Metrics,
	}
	scheduler.workers.Add(workers)
	for i := 0; i < workers; i++ {
		go scheduler.work()
	}
	return scheduler
}

// Submit enqueues task and reports whether it was accepted.
func (s *Scheduler) Submit(task Task) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		s.drop(task, "scheduler stopped")
		return false
	}
	s.pending.Inc()
	select {
	case s.queue <- task:
		s.metrics.setPending(s.pending.Value())
		return true
	default:
		s.pending.Dec()
		s.drop(task, "scheduler queue full")
		return false
	}
}

// Pending returns the number of accepted tasks that have not finished yet.
func (s *Scheduler) Pending() int64 {
	return s.pending.Value()
}

// Shutdown stops accepting tasks and waits for queued and running ones to finish. When ctx
// expires first, running tasks see their context cancelled and ctx.Err() is returned.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		return ctx.Err()
	}
}

func (s *Scheduler) work() {
	defer s.workers.Done()
	for task := range s.queue {
		s.run(task)
		s.pending.Dec()
		s.metrics.setPending(s.pending.Value())
	}
}

func (s *Scheduler) run(task Task) {
	defer func() {
		if recovered := recover(); recovered != nil {
			s.metrics.taskFailed(task.Operation, failureKindPanic)
			s.logger.Error("background task panicked",
				zap.String(fieldOperation, task.Operation),
				zap.String(fieldNoteID, task.NoteID),
				zap.Error(fmt.Errorf("panic: %v", recovered)))
		}
	}()

	if task.Run == nil {
		return
	}
	if err := task.Run(s.baseCtx); err != nil {
		s.metrics.taskFailed(task.Operation, failureKindError)
		s.logger.Error("background task failed",
			zap.String(fieldOperation, task.Operation),
			zap.String(fieldNoteID, task.NoteID),
			zap.Error(err))
	}
}

func (s *Scheduler) drop(task Task, message string) {
	s.metrics.taskDropped()
	s.logger.Warn(message,
		zap.String(fieldOperation, task.Operation),
		zap.String(fieldNoteID, task.NoteID))
}
