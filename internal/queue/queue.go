// Package queue provides the priority lane's ordered container.
package queue

import "github.com/fentz26/courier/internal/models"

// PriorityQueue keeps work items sorted by ascending Priority value.
// Items with equal priority keep their insertion order. Not safe for
// concurrent use; the dispatcher serializes access.
type PriorityQueue struct {
	items []models.WorkItem
}

// New creates an empty priority queue.
func New() *PriorityQueue {
	return &PriorityQueue{}
}

// Enqueue inserts item before the first entry with a strictly greater priority.
func (q *PriorityQueue) Enqueue(item models.WorkItem) {
	idx := len(q.items)
	for i, existing := range q.items {
		if existing.Priority > item.Priority {
			idx = i
			break
		}
	}

	q.items = append(q.items, models.WorkItem{})
	copy(q.items[idx+1:], q.items[idx:])
	q.items[idx] = item
}

// Dequeue removes and returns the head entry. ok is false when the queue is empty.
func (q *PriorityQueue) Dequeue() (item models.WorkItem, ok bool) {
	if len(q.items) == 0 {
		return models.WorkItem{}, false
	}
	item = q.items[0]
	q.items[0] = models.WorkItem{}
	q.items = q.items[1:]
	return item, true
}

// Peek returns the head entry without removing it.
func (q *PriorityQueue) Peek() (models.WorkItem, bool) {
	if len(q.items) == 0 {
		return models.WorkItem{}, false
	}
	return q.items[0], true
}

// IsEmpty reports whether the queue has no entries.
func (q *PriorityQueue) IsEmpty() bool {
	return len(q.items) == 0
}

// Len returns the number of queued entries.
func (q *PriorityQueue) Len() int {
	return len(q.items)
}
