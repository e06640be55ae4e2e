package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrQueueClosed       = errors.New("job queue closed")
	ErrQueueFull         = errors.New("job queue full")
	ErrWorkerRunning     = errors.New("worker already running")
	ErrWorkerNotRunning  = errors.New("worker not running")
	ErrHandlerRegistered = errors.New("handler already registered for this job type")
)

// Enqueuer adds jobs to a queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, job Job) error
}

// Handler processes one type of job.
type Handler interface {
	Handle(ctx context.Context, job Job) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job Job) error

func (f HandlerFunc) Handle(ctx context.Context, job Job) error { return f(ctx, job) }

// HandlerRegistry maps job types to handlers.
type HandlerRegistry interface {
	RegisterHandler(jobType string, handler Handler) error
	GetHandler(jobType string) Handler
}

// Worker processes jobs using a HandlerRegistry.
type Worker interface {
	Start(ctx context.Context, registry HandlerRegistry) error
	// Stop stops accepting jobs and waits for queued jobs to finish.
	Stop(ctx context.Context) error
}

// Handlers is the default HandlerRegistry.
type Handlers struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewHandlers() *Handlers {
	return &Handlers{handlers: make(map[string]Handler)}
}

func (h *Handlers) RegisterHandler(jobType string, handler Handler) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.handlers[jobType]; exists {
		return fmt.Errorf("%w: %s", ErrHandlerRegistered, jobType)
	}
	h.handlers[jobType] = handler
	return nil
}

func (h *Handlers) GetHandler(jobType string) Handler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.handlers[jobType]
}

// Queue is an in-process Enqueuer and Worker backed by a buffered channel.
type Queue struct {
	jobs    chan Job
	quit    chan struct{}
	workers int
	onError func(Job, error)

	mu       sync.RWMutex
	running  bool
	closed   bool
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewQueue returns a queue holding up to capacity pending jobs and processing
// them with the given number of workers. onError, when set, receives handler
// errors and recovered panics.
func NewQueue(capacity, workers int, onError func(Job, error)) *Queue {
	if workers < 1 {
		workers = 1
	}
	return &Queue{
		jobs:    make(chan Job, capacity),
		quit:    make(chan struct{}),
		workers: workers,
		onError: onError,
	}
}

// Enqueue blocks until the job is buffered, ctx is done or the queue stops.
func (q *Queue) Enqueue(ctx context.Context, job Job) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.quit:
		return ErrQueueClosed
	}
}

// TryEnqueue buffers the job without waiting and fails with ErrQueueFull when
// no slot is free.
func (q *Queue) TryEnqueue(job Job) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Start launches the workers. They exit when ctx is done or the queue stops.
func (q *Queue) Start(ctx context.Context, registry HandlerRegistry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return ErrWorkerRunning
	}
	if q.closed {
		return ErrQueueClosed
	}
	q.running = true
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.work(ctx, registry)
	}
	return nil
}

func (q *Queue) work(ctx context.Context, registry HandlerRegistry) {
	defer q.wg.Done()
	for {
		select {
		case job, ok := <-q.jobs:
			if !ok {
				return
			}
			q.handle(registry, job)
		case <-ctx.Done():
			return
		}
	}
}

func (q *Queue) handle(registry HandlerRegistry, job Job) {
	defer func() {
		if r := recover(); r != nil {
			q.report(job, fmt.Errorf("job %s panicked: %v", job.Type(), r))
		}
	}()
	handler := registry.GetHandler(job.Type())
	if handler == nil {
		q.report(job, fmt.Errorf("no handler registered for job type %s", job.Type()))
		return
	}
	if err := handler.Handle(job.Context(), job); err != nil {
		q.report(job, err)
	}
}

func (q *Queue) report(job Job, err error) {
	if q.onError != nil {
		q.onError(job, err)
	}
}

// Stop closes the queue and waits for the workers to drain it.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.RLock()
	running := q.running
	q.mu.RUnlock()
	if !running {
		return ErrWorkerNotRunning
	}

	stopped := false
	q.stopOnce.Do(func() {
		close(q.quit) // releases blocked enqueuers before taking the write lock
		q.mu.Lock()
		q.closed = true
		close(q.jobs)
		q.mu.Unlock()
		stopped = true
	})
	if !stopped {
		return ErrWorkerNotRunning
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
