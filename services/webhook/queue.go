package webhook

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const (
	defaultQueueCapacity = 1024
	defaultQueueTTL      = 15 * time.Minute
	pollInterval         = 25 * time.Millisecond
)

// Task is one pending delivery of an event to an endpoint.
type Task struct {
	Delivery  string
	Endpoint  *Endpoint
	Event     Event
	Attempt   int
	NotBefore time.Time
}

type queuedTask struct {
	task       Task
	enqueuedAt time.Time
}

// Queue buffers delivery tasks in a fixed-size ring. On overflow the oldest
// task is dropped; tasks older than the TTL are discarded unsent.
type Queue struct {
	mu      sync.Mutex
	tasks   queueRing[queuedTask]
	ttl     time.Duration
	now     func() time.Time
	metrics *queueMetrics
}

// NewQueue returns a queue holding at most capacity tasks. Non-positive
// values select the defaults.
func NewQueue(capacity int, ttl time.Duration) *Queue {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	if ttl < 0 {
		ttl = 0
	} else if ttl == 0 {
		ttl = defaultQueueTTL
	}
	return &Queue{
		tasks:   newQueueRing[queuedTask](capacity),
		ttl:     ttl,
		now:     time.Now,
		metrics: sharedMetrics(),
	}
}

// Push appends a task, evicting the oldest one when the ring is full.
func (q *Queue) Push(task Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	q.evictExpiredLocked(now)
	if _, dropped := q.tasks.push(queuedTask{task: task, enqueuedAt: now}); dropped {
		q.metrics.recordDropped("overflow", 1)
	}
}

// Len reports the number of pending tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tasks.len()
}

// Pop waits for the next task whose NotBefore has passed, oldest first.
// Tasks still backing off stay queued without holding up the ones behind
// them. It returns false once ctx is cancelled.
func (q *Queue) Pop(ctx context.Context) (Task, bool) {
	for {
		q.mu.Lock()
		now := q.now()
		q.evictExpiredLocked(now)
		task, ok, wait := q.takeDueLocked(now)
		q.mu.Unlock()
		if ok {
			return task, true
		}
		if wait <= 0 || wait > pollInterval {
			wait = pollInterval
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Task{}, false
		case <-timer.C:
		}
	}
}

// takeDueLocked removes the oldest due task. When none is due it reports how
// long until the earliest one is.
func (q *Queue) takeDueLocked(now time.Time) (Task, bool, time.Duration) {
	var wait time.Duration
	for i := 0; i < q.tasks.len(); i++ {
		queued := q.tasks.at(i)
		delay := queued.task.NotBefore.Sub(now)
		if delay <= 0 {
			q.tasks.removeAt(i)
			return queued.task, true, 0
		}
		if wait == 0 || delay < wait {
			wait = delay
		}
	}
	return Task{}, false, wait
}

func (q *Queue) evictExpiredLocked(now time.Time) {
	if q.ttl <= 0 {
		return
	}
	expired := 0
	for {
		queued, ok := q.tasks.peek()
		if !ok || now.Sub(queued.enqueuedAt) <= q.ttl {
			break
		}
		q.tasks.pop()
		expired++
	}
	q.metrics.recordDropped("ttl", expired)
}

// queueRing is a fixed-size ring buffer that overwrites the oldest element on overflow.
type queueRing[T any] struct {
	buf  []T
	head int
	size int
}

func newQueueRing[T any](capacity int) queueRing[T] {
	return queueRing[T]{buf: make([]T, capacity)}
}

func (r *queueRing[T]) push(v T) (T, bool) {
	var zero T
	if len(r.buf) == 0 {
		return zero, true
	}
	if r.size == len(r.buf) {
		dropped := r.buf[r.head]
		r.buf[r.head] = v
		r.head = (r.head + 1) % len(r.buf)
		return dropped, true
	}
	r.buf[(r.head+r.size)%len(r.buf)] = v
	r.size++
	return zero, false
}

func (r *queueRing[T]) pop() (T, bool) {
	var zero T
	if r.size == 0 {
		return zero, false
	}
	v := r.buf[r.head]
	r.buf[r.head] = zero
	r.head = (r.head + 1) % len(r.buf)
	r.size--
	return v, true
}

func (r *queueRing[T]) peek() (T, bool) {
	if r.size == 0 {
		var zero T
		return zero, false
	}
	return r.buf[r.head], true
}

func (r *queueRing[T]) len() int { return r.size }

func (r *queueRing[T]) at(i int) T {
	return r.buf[(r.head+i)%len(r.buf)]
}

// removeAt drops the i-th element, shifting later elements forward.
func (r *queueRing[T]) removeAt(i int) {
	for j := i; j < r.size-1; j++ {
		r.buf[(r.head+j)%len(r.buf)] = r.buf[(r.head+j+1)%len(r.buf)]
	}
	var zero T
	r.buf[(r.head+r.size-1)%len(r.buf)] = zero
	r.size--
}

var (
	metricsOnce sync.Once
	metricsInst *queueMetrics
)

type queueMetrics struct {
	dropped   metric.Int64Counter
	delivered metric.Int64Counter
}

func sharedMetrics() *queueMetrics {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("brm/webhook")
		dropped, err := meter.Int64Counter("brm.webhooks.dropped")
		if err != nil {
			dropped, _ = noop.NewMeterProvider().Meter("brm/webhook").Int64Counter("brm.webhooks.dropped")
		}
		delivered, err := meter.Int64Counter("brm.webhooks.attempts")
		if err != nil {
			delivered, _ = noop.NewMeterProvider().Meter("brm/webhook").Int64Counter("brm.webhooks.attempts")
		}
		metricsInst = &queueMetrics{dropped: dropped, delivered: delivered}
	})
	return metricsInst
}

func (m *queueMetrics) recordDropped(reason string, count int) {
	if m == nil || m.dropped == nil || count <= 0 {
		return
	}
	m.dropped.Add(context.Background(), int64(count), metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *queueMetrics) recordAttempt(endpoint, status string) {
	if m == nil || m.delivered == nil {
		return
	}
	m.delivered.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("status", status),
	))
}
