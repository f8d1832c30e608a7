// Package queue holds the in-memory priority queue of runnable tasks.
// Ordering is priority descending, then FIFO among equal priorities.
package queue

import (
	"container/heap"
	"errors"
	"sort"
	"sync"
	"time"

	v1 "github.com/mindmux/mindmux/pkg/api/v1"
)

// ErrTaskExists is returned when a task is enqueued twice.
var ErrTaskExists = errors.New("task already exists in queue")

// QueuedTask is one queue entry.
type QueuedTask struct {
	TaskID   string
	Priority int
	QueuedAt time.Time
	Task     *v1.Task
	seq      uint64 // insertion order, final FIFO tiebreak
	index    int    // heap index maintained by container/heap
}

type taskHeap []*QueuedTask

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	if !h[i].QueuedAt.Equal(h[j].QueuedAt) {
		return h[i].QueuedAt.Before(h[j].QueuedAt)
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x interface{}) {
	n := len(*h)
	item := x.(*QueuedTask)
	item.index = n
	*h = append(*h, item)
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[0 : n-1]
	return item
}

// TaskQueue is the scheduler's runnable set.
type TaskQueue struct {
	mu      sync.RWMutex
	heap    taskHeap
	taskMap map[string]*QueuedTask
	nextSeq uint64
}

// New creates an empty queue.
func New() *TaskQueue {
	q := &TaskQueue{
		heap:    make(taskHeap, 0),
		taskMap: make(map[string]*QueuedTask),
	}
	heap.Init(&q.heap)
	return q
}

// Enqueue inserts a task. The task's QueuedAt timestamp (falling back to
// now) orders it among equal priorities, so rebuilding the queue from
// the store after a restart preserves the original FIFO order.
func (q *TaskQueue) Enqueue(task *v1.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.taskMap[task.ID]; exists {
		return ErrTaskExists
	}

	queuedAt := time.Now().UTC()
	if task.QueuedAt != nil {
		queuedAt = *task.QueuedAt
	}
	qt := &QueuedTask{
		TaskID:   task.ID,
		Priority: task.Priority,
		QueuedAt: queuedAt,
		Task:     task,
		seq:      q.nextSeq,
	}
	q.nextSeq++

	heap.Push(&q.heap, qt)
	q.taskMap[task.ID] = qt
	return nil
}

// Dequeue removes and returns the highest priority task, nil when empty.
func (q *TaskQueue) Dequeue() *QueuedTask {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) == 0 {
		return nil
	}
	qt := heap.Pop(&q.heap).(*QueuedTask)
	delete(q.taskMap, qt.TaskID)
	return qt
}

// Peek returns the highest priority task without removing it.
func (q *TaskQueue) Peek() *QueuedTask {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if len(q.heap) == 0 {
		return nil
	}
	return q.heap[0]
}

// Remove deletes a specific task from the queue.
func (q *TaskQueue) Remove(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	qt, exists := q.taskMap[taskID]
	if !exists {
		return false
	}
	heap.Remove(&q.heap, qt.index)
	delete(q.taskMap, taskID)
	return true
}

// Snapshot returns the queued tasks in dispatch order without removing
// them. Callers iterate the snapshot while the live queue mutates.
func (q *TaskQueue) Snapshot() []*v1.Task {
	q.mu.RLock()
	entries := make([]*QueuedTask, len(q.heap))
	copy(entries, q.heap)
	q.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Priority != entries[j].Priority {
			return entries[i].Priority > entries[j].Priority
		}
		if !entries[i].QueuedAt.Equal(entries[j].QueuedAt) {
			return entries[i].QueuedAt.Before(entries[j].QueuedAt)
		}
		return entries[i].seq < entries[j].seq
	})

	tasks := make([]*v1.Task, len(entries))
	for i, qt := range entries {
		tasks[i] = qt.Task
	}
	return tasks
}

// Contains reports whether the task is queued.
func (q *TaskQueue) Contains(taskID string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	_, exists := q.taskMap[taskID]
	return exists
}

// Len returns the number of queued tasks.
func (q *TaskQueue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return len(q.heap)
}
