package webhook

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestQueueDropsOldestOnOverflow(t *testing.T) {
	q := NewQueue(2, 0)
	q.Push(Task{Delivery: "a"})
	q.Push(Task{Delivery: "b"})
	q.Push(Task{Delivery: "c"})
	require.Equal(t, 2, q.Len())

	ctx := context.Background()
	first, ok := q.Pop(ctx)
	require.True(t, ok)
	require.Equal(t, "b", first.Delivery)
	second, ok := q.Pop(ctx)
	require.True(t, ok)
	require.Equal(t, "c", second.Delivery)
}

func TestQueueEvictsExpiredTasks(t *testing.T) {
	q := NewQueue(4, time.Minute)
	now := time.Unix(1_700_000_000, 0)
	q.now = func() time.Time { return now }
	q.Push(Task{Delivery: "stale"})
	now = now.Add(2 * time.Minute)
	q.Push(Task{Delivery: "fresh"})
	require.Equal(t, 1, q.Len())
}

func TestQueuePopStopsOnCancel(t *testing.T) {
	q := NewQueue(1, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok := q.Pop(ctx)
	require.False(t, ok)
}

func TestQueuePopSkipsTasksBackingOff(t *testing.T) {
	q := NewQueue(4, 0)
	now := time.Unix(1_700_000_000, 0)
	q.now = func() time.Time { return now }
	q.Push(Task{Delivery: "retry", NotBefore: now.Add(time.Minute)})
	q.Push(Task{Delivery: "fresh"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	task, ok := q.Pop(ctx)
	require.True(t, ok)
	require.Equal(t, "fresh", task.Delivery)
	require.Equal(t, 1, q.Len())

	now = now.Add(time.Minute)
	task, ok = q.Pop(ctx)
	require.True(t, ok)
	require.Equal(t, "retry", task.Delivery)
	require.Zero(t, q.Len())
}

func TestQueueRingRemoveAtKeepsOrder(t *testing.T) {
	r := newQueueRing[int](4)
	for i := 1; i <= 4; i++ {
		r.push(i)
	}
	r.pop()
	r.push(5) // wraps around
	r.removeAt(1)
	var got []int
	for r.len() > 0 {
		v, _ := r.pop()
		got = append(got, v)
	}
	require.Equal(t, []int{2, 4, 5}, got)
}
