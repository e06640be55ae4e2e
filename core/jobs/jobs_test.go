package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// recordingHandler collects the payloads it handles.
type recordingHandler struct {
	mu       sync.Mutex
	payloads []any
	err      error
}

func (h *recordingHandler) Handle(ctx context.Context, job Job) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.payloads = append(h.payloads, job.Payload())
	return h.err
}

func (h *recordingHandler) handled() []any {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]any(nil), h.payloads...)
}

func TestBaseJob(t *testing.T) {
	type ctxKey string
	ctx := context.WithValue(context.Background(), ctxKey("key"), "value")
	job := NewJob(ctx, "stat", map[string]string{"data": "some_data"})

	assert.Equal(t, "stat", job.Type())
	assert.Equal(t, "some_data", job.Payload().(map[string]string)["data"])
	assert.Equal(t, "value", job.Context().Value(ctxKey("key")))

	var empty BaseJob
	assert.NotNil(t, empty.Context())
}

func TestHandlersRejectDuplicates(t *testing.T) {
	h := NewHandlers()
	require.NoError(t, h.RegisterHandler("stat", &recordingHandler{}))
	err := h.RegisterHandler("stat", &recordingHandler{})
	assert.ErrorIs(t, err, ErrHandlerRegistered)
	assert.Nil(t, h.GetHandler("missing"))
}

func TestQueueDrainsOnStop(t *testing.T) {
	handler := &recordingHandler{}
	registry := NewHandlers()
	require.NoError(t, registry.RegisterHandler("stat", handler))

	q := NewQueue(8, 2, nil)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, q.Enqueue(ctx, NewJob(ctx, "stat", i)))
	}

	require.NoError(t, q.Start(ctx, registry))
	assert.ErrorIs(t, q.Start(ctx, registry), ErrWorkerRunning)

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, q.Stop(stopCtx))

	assert.ElementsMatch(t, []any{0, 1, 2, 3, 4}, handler.handled())
	assert.ErrorIs(t, q.Enqueue(ctx, NewJob(ctx, "stat", 9)), ErrQueueClosed)
	assert.ErrorIs(t, q.Stop(stopCtx), ErrWorkerNotRunning)
}

func TestQueueReportsFailures(t *testing.T) {
	var mu sync.Mutex
	var reported []error
	q := NewQueue(4, 1, func(_ Job, err error) {
		mu.Lock()
		defer mu.Unlock()
		reported = append(reported, err)
	})

	registry := NewHandlers()
	require.NoError(t, registry.RegisterHandler("fail", &recordingHandler{err: errors.New("boom")}))
	require.NoError(t, registry.RegisterHandler("panic", HandlerFunc(func(context.Context, Job) error {
		panic("bad job")
	})))

	ctx := context.Background()
	require.NoError(t, q.Start(ctx, registry))
	require.NoError(t, q.Enqueue(ctx, NewJob(ctx, "fail", nil)))
	require.NoError(t, q.Enqueue(ctx, NewJob(ctx, "panic", nil)))
	require.NoError(t, q.Enqueue(ctx, NewJob(ctx, "unknown", nil)))
	require.NoError(t, q.Stop(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, reported, 3)
}

func TestQueueEnqueueHonoursContext(t *testing.T) {
	q := NewQueue(0, 1, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := q.Enqueue(ctx, NewJob(ctx, "stat", nil))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorIs(t, q.Stop(context.Background()), ErrWorkerNotRunning)
}

func TestQueueTryEnqueueDoesNotWait(t *testing.T) {
	q := NewQueue(1, 1, nil)
	ctx := context.Background()

	require.NoError(t, q.TryEnqueue(NewJob(ctx, "stat", 1)))
	assert.ErrorIs(t, q.TryEnqueue(NewJob(ctx, "stat", 2)), ErrQueueFull)

	handler := &recordingHandler{}
	registry := NewHandlers()
	require.NoError(t, registry.RegisterHandler("stat", handler))
	require.NoError(t, q.Start(ctx, registry))
	require.NoError(t, q.Stop(ctx))

	assert.Equal(t, []any{1}, handler.handled())
	assert.ErrorIs(t, q.TryEnqueue(NewJob(ctx, "stat", 3)), ErrQueueClosed)
}
