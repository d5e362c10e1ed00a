package queue

import (
	"container/heap"
	"errors"
	"sync"
)

// ErrFull is returned when the queue is at capacity.
var ErrFull = errors.New("queue is full")

// Item is a queued job reference. Seq preserves FIFO order within a priority.
type Item struct {
	JobID    string
	Priority int
	Seq      uint64
	index    int
}

// PriorityQueue orders pending job ids by priority (lower first), then by
// submission order. It is safe for concurrent use.
type PriorityQueue struct {
	mu      sync.Mutex
	items   itemHeap
	byID    map[string]*Item
	nextSeq uint64
	max     int
}

// New creates a queue holding at most max items; max <= 0 means unbounded.
func New(max int) *PriorityQueue {
	return &PriorityQueue{
		byID: make(map[string]*Item),
		max:  max,
	}
}

// Enqueue appends a job at the tail of its priority band.
func (q *PriorityQueue) Enqueue(jobID string, priority int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.byID[jobID]; ok {
		return nil
	}
	if q.max > 0 && len(q.items) >= q.max {
		return ErrFull
	}
	q.nextSeq++
	q.push(&Item{JobID: jobID, Priority: priority, Seq: q.nextSeq})
	return nil
}

// Requeue appends a job at the tail of its priority band regardless of the
// capacity bound. Jobs already admitted once are never rejected.
func (q *PriorityQueue) Requeue(jobID string, priority int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.byID[jobID]; ok {
		return
	}
	q.nextSeq++
	q.push(&Item{JobID: jobID, Priority: priority, Seq: q.nextSeq})
}

func (q *PriorityQueue) push(it *Item) {
	heap.Push(&q.items, it)
	q.byID[it.JobID] = it
}

// Dequeue removes and returns the next job.
func (q *PriorityQueue) Dequeue() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Item{}, false
	}
	it := heap.Pop(&q.items).(*Item)
	delete(q.byID, it.JobID)
	return *it, true
}

// Peek returns the next job without removing it.
func (q *PriorityQueue) Peek() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Item{}, false
	}
	return *q.items[0], true
}

// Cancel removes a job wherever it sits in the queue.
func (q *PriorityQueue) Cancel(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.byID[jobID]
	if !ok {
		return false
	}
	heap.Remove(&q.items, it.index)
	delete(q.byID, jobID)
	return true
}

// Contains reports whether the job is queued.
func (q *PriorityQueue) Contains(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.byID[jobID]
	return ok
}

// Depth returns the number of queued jobs.
func (q *PriorityQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Full reports whether an Enqueue would be rejected.
func (q *PriorityQueue) Full() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.max > 0 && len(q.items) >= q.max
}

type itemHeap []*Item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].Seq < h[j].Seq
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x any) {
	it := x.(*Item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}
