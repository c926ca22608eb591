// Package memory provides the in-process wait queue used by the execution gate.
package memory

import "sync"

// Queue is a FIFO of schedule IDs in which every ID appears at most once.
type Queue struct {
	mu    sync.Mutex
	items []string
	index map[string]struct{}
}

// NewQueue constructs an empty queue.
func NewQueue() *Queue {
	return &Queue{index: make(map[string]struct{})}
}

// Push appends id unless it is already queued. It reports whether id was added.
func (q *Queue) Push(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, queued := q.index[id]; queued {
		return false
	}
	q.items = append(q.items, id)
	q.index[id] = struct{}{}
	return true
}

// Pop removes and returns the oldest ID.
func (q *Queue) Pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return "", false
	}
	id := q.items[0]
	q.items[0] = ""
	q.items = q.items[1:]
	delete(q.index, id)
	return id, true
}

// Remove drops id wherever it sits. It reports whether id was queued.
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, queued := q.index[id]; !queued {
		return false
	}
	delete(q.index, id)
	for i, item := range q.items {
		if item == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			break
		}
	}
	return true
}

// Len returns the number of queued IDs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot returns the queued IDs in FIFO order.
func (q *Queue) Snapshot() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, len(q.items))
	copy(out, q.items)
	return out
}

// Clear empties the queue.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
	q.index = make(map[string]struct{})
}
