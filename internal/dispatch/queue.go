package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"warelay/internal/domain"
	"warelay/internal/metrics"
)

var (
	// ErrQueueFull is returned by Submit when no slot frees up within the enqueue timeout.
	ErrQueueFull = errors.New("dispatch queue full")
	// ErrQueueClosed is returned by Submit after Close.
	ErrQueueClosed = errors.New("dispatch queue closed")
)

// TaskFunc is one unit of background work.
type TaskFunc func(ctx context.Context) error

// TaskStatus represents the status of a queued task.
type TaskStatus string

const (
	TaskPending  TaskStatus = "pending"
	TaskRunning  TaskStatus = "running"
	TaskComplete TaskStatus = "complete"
	TaskFailed   TaskStatus = "failed"
)

// Task is the tracked state of a submitted unit of work.
type Task struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Status      TaskStatus `json:"status"`
	Error       string     `json:"error,omitempty"`
	SubmittedAt time.Time  `json:"submitted_at"`
	StartedAt   time.Time  `json:"started_at,omitempty"`
	DoneAt      time.Time  `json:"done_at,omitempty"`
}

// Stats counts tracked tasks by status.
type Stats struct {
	Pending  int `json:"pending"`
	Running  int `json:"running"`
	Complete int `json:"complete"`
	Failed   int `json:"failed"`
}

// QueueConfig configures a Queue.
type QueueConfig struct {
	Workers        int           // default 4
	Size           int           // channel capacity, default 256
	EnqueueTimeout time.Duration // wait for a free slot, default 2s
	Retention      time.Duration // finished tasks kept this long, default 10m
	Logger         *slog.Logger
}

type job struct {
	task *Task
	fn   TaskFunc
}

// Queue is a bounded work queue drained by a fixed pool of workers.
type Queue struct {
	jobs           chan job
	enqueueTimeout time.Duration
	retention      time.Duration
	logger         *slog.Logger

	sendMu sync.RWMutex // guards closed and the jobs channel close
	closed bool

	tasksMu sync.Mutex
	tasks   map[string]*Task

	ctx       context.Context
	cancel    context.CancelFunc
	workers   sync.WaitGroup
	stopClean chan struct{}
	closeOnce sync.Once
}

// NewQueue creates the queue and starts its workers.
func NewQueue(cfg QueueConfig) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Size <= 0 {
		cfg.Size = 256
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = 2 * time.Second
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 10 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		jobs:           make(chan job, cfg.Size),
		enqueueTimeout: cfg.EnqueueTimeout,
		retention:      cfg.Retention,
		logger:         cfg.Logger,
		tasks:          make(map[string]*Task),
		ctx:            ctx,
		cancel:         cancel,
		stopClean:      make(chan struct{}),
	}
	for i := 0; i < cfg.Workers; i++ {
		q.workers.Add(1)
		go q.worker(i)
	}
	go q.cleanLoop()
	return q
}

// Submit enqueues fn and returns its task id without waiting for it to run.
func (q *Queue) Submit(name string, fn TaskFunc) (string, error) {
	task := &Task{
		ID:          uuid.NewString(),
		Name:        name,
		Status:      TaskPending,
		SubmittedAt: time.Now(),
	}

	// Held across the send so Close cannot close the channel underneath it.
	q.sendMu.RLock()
	defer q.sendMu.RUnlock()
	if q.closed {
		return "", ErrQueueClosed
	}

	q.track(task)
	metrics.QueueDepth.Inc()

	j := job{task: task, fn: fn}
	select {
	case q.jobs <- j:
	default:
		timer := time.NewTimer(q.enqueueTimeout)
		defer timer.Stop()
		select {
		case q.jobs <- j:
		case <-timer.C:
			q.untrack(task.ID)
			metrics.QueueDepth.Dec()
			q.logger.Warn("dispatch queue full, task dropped", "name", name, "wait", q.enqueueTimeout)
			return "", ErrQueueFull
		}
	}

	q.logger.Debug("task queued", "task", task.ID, "name", name)
	return task.ID, nil
}

func (q *Queue) track(task *Task) {
	q.tasksMu.Lock()
	defer q.tasksMu.Unlock()
	q.tasks[task.ID] = task
}

func (q *Queue) untrack(id string) {
	q.tasksMu.Lock()
	defer q.tasksMu.Unlock()
	delete(q.tasks, id)
}

func (q *Queue) worker(n int) {
	defer q.workers.Done()
	for j := range q.jobs {
		q.run(n, j)
	}
}

func (q *Queue) run(n int, j job) {
	q.setStatus(j.task, TaskRunning, nil)
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		err = j.fn(q.ctx)
	}()
	metrics.QueueDepth.Dec()

	if err != nil {
		q.setStatus(j.task, TaskFailed, err)
		q.logger.Warn("task failed", "task", j.task.ID, "name", j.task.Name, "worker", n, "err", err)
		return
	}
	q.setStatus(j.task, TaskComplete, nil)
	q.logger.Debug("task complete", "task", j.task.ID, "name", j.task.Name, "worker", n)
}

func (q *Queue) setStatus(task *Task, status TaskStatus, err error) {
	q.tasksMu.Lock()
	defer q.tasksMu.Unlock()
	task.Status = status
	switch status {
	case TaskRunning:
		task.StartedAt = time.Now()
	case TaskComplete, TaskFailed:
		task.DoneAt = time.Now()
		if err != nil {
			task.Error = err.Error()
		}
	}
}

// Get returns a copy of the task's current state.
func (q *Queue) Get(id string) (Task, bool) {
	q.tasksMu.Lock()
	defer q.tasksMu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// Stats counts tracked tasks by status.
func (q *Queue) Stats() Stats {
	q.tasksMu.Lock()
	defer q.tasksMu.Unlock()
	var s Stats
	for _, t := range q.tasks {
		switch t.Status {
		case TaskPending:
			s.Pending++
		case TaskRunning:
			s.Running++
		case TaskComplete:
			s.Complete++
		case TaskFailed:
			s.Failed++
		}
	}
	return s
}

// Clean removes finished tasks older than maxAge and returns how many were removed.
func (q *Queue) Clean(maxAge time.Duration) int {
	q.tasksMu.Lock()
	defer q.tasksMu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for id, t := range q.tasks {
		if (t.Status == TaskComplete || t.Status == TaskFailed) && t.DoneAt.Before(cutoff) {
			delete(q.tasks, id)
			removed++
		}
	}
	return removed
}

func (q *Queue) cleanLoop() {
	interval := q.retention / 10
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := q.Clean(q.retention); n > 0 {
				q.logger.Debug("cleaned finished tasks", "removed", n)
			}
		case <-q.stopClean:
			return
		}
	}
}

// Close stops accepting work and waits for queued and running tasks to
// finish. When ctx ends first, running tasks are cancelled and ctx.Err() is
// returned.
func (q *Queue) Close(ctx context.Context) error {
	q.closeOnce.Do(func() {
		q.sendMu.Lock()
		q.closed = true
		close(q.jobs)
		q.sendMu.Unlock()
		close(q.stopClean)
	})

	done := make(chan struct{})
	go func() {
		q.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		q.logger.Warn("dispatch queue drain interrupted", "stats", q.Stats())
		return ctx.Err()
	}
}

// Scheduler submits reply dispatches to a Queue.
type Scheduler struct {
	queue      *Queue
	dispatcher *Dispatcher
}

var _ domain.Scheduler = (*Scheduler)(nil)

func NewScheduler(q *Queue, d *Dispatcher) *Scheduler {
	return &Scheduler{queue: q, dispatcher: d}
}

// Schedule queues a reply dispatch for in. A full queue drops the dispatch
// and counts it.
func (s *Scheduler) Schedule(in domain.ResolvedInput) (string, error) {
	name := "reply"
	if in.Kind != domain.KindNone {
		name += ":" + string(in.Kind)
	}
	id, err := s.queue.Submit(name, s.dispatcher.Task(in))
	if errors.Is(err, ErrQueueFull) {
		metrics.DispatchDropped.Inc()
	}
	return id, err
}
