package batch

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// Task is a deferred persistence operation. It runs only when the queue owner
// decides to flush it.
type Task func(ctx context.Context) error

// Pending is a task popped from a Queue together with its key.
type Pending[K comparable] struct {
	Key  K
	Task Task
}

// QueueStats tracks queue activity
type QueueStats struct {
	Puts     int64 `json:"puts"`
	Replaced int64 `json:"replaced"`
	Taken    int64 `json:"taken"`
	Popped   int64 `json:"popped"`
	Batches  int64 `json:"batches"`
}

// Queue holds at most one pending task per key in insertion order. Putting a
// task for a key that is already pending replaces the task but keeps the
// key's position, so a later write supersedes an unflushed earlier one.
type Queue[K comparable] struct {
	mu    sync.Mutex
	order *list.List
	items map[K]*list.Element
	stats QueueStats
}

// NewQueue creates an empty queue
func NewQueue[K comparable]() *Queue[K] {
	return &Queue[K]{
		order: list.New(),
		items: make(map[K]*list.Element),
	}
}

// Put registers task for key, replacing any pending task for the same key.
// It reports whether a pending task was replaced.
func (q *Queue[K]) Put(key K, task Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.stats.Puts++
	if elem, ok := q.items[key]; ok {
		elem.Value.(*Pending[K]).Task = task
		q.stats.Replaced++
		return true
	}
	q.items[key] = q.order.PushBack(&Pending[K]{Key: key, Task: task})
	return false
}

// Take removes and returns the pending task for key.
func (q *Queue[K]) Take(key K) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	elem, ok := q.items[key]
	if !ok {
		return nil, false
	}
	q.order.Remove(elem)
	delete(q.items, key)
	q.stats.Taken++
	return elem.Value.(*Pending[K]).Task, true
}

// PopBatch removes up to max tasks from the front of the queue. Popping stops
// early once budget has elapsed; a non-positive budget means no time limit.
// At least one task is returned when the queue is not empty.
func (q *Queue[K]) PopBatch(max int, budget time.Duration) []Pending[K] {
	q.mu.Lock()
	defer q.mu.Unlock()

	if max <= 0 || q.order.Len() == 0 {
		return nil
	}

	start := time.Now()
	batch := make([]Pending[K], 0, min(max, q.order.Len()))
	for len(batch) < max {
		front := q.order.Front()
		if front == nil {
			break
		}
		p := q.order.Remove(front).(*Pending[K])
		delete(q.items, p.Key)
		batch = append(batch, *p)

		if budget > 0 && time.Since(start) >= budget {
			break
		}
	}

	q.stats.Popped += int64(len(batch))
	q.stats.Batches++
	return batch
}

// Drain removes and returns every pending task in insertion order.
func (q *Queue[K]) Drain() []Pending[K] {
	q.mu.Lock()
	defer q.mu.Unlock()

	batch := make([]Pending[K], 0, q.order.Len())
	for e := q.order.Front(); e != nil; e = e.Next() {
		batch = append(batch, *e.Value.(*Pending[K]))
	}
	q.order.Init()
	q.items = make(map[K]*list.Element)
	q.stats.Popped += int64(len(batch))
	return batch
}

// Has reports whether a task is pending for key.
func (q *Queue[K]) Has(key K) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.items[key]
	return ok
}

// Len returns the number of pending tasks.
func (q *Queue[K]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.order.Len()
}

// Stats returns a snapshot of queue statistics.
func (q *Queue[K]) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}
