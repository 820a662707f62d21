// Package queue provides the bounded per-agent message queue with a
// high-priority lane.
package queue

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lacehq/lace/pkg/models"
)

// DefaultMaxLength bounds a queue when the config does not say otherwise.
const DefaultMaxLength = 64

// ErrQueueFull is returned when an enqueue would exceed the bound.
var ErrQueueFull = errors.New("message queue full")

// Stats is a point-in-time snapshot of queue pressure.
type Stats struct {
	QueueLength       int   `json:"queueLength"`
	HighPriorityCount int   `json:"highPriorityCount"`
	OldestAgeMs       int64 `json:"oldestAgeMs,omitempty"`
}

// Queue is a bounded two-lane FIFO. High-priority entries always dequeue
// before normal ones; within a lane, order is FIFO. The queue is owned by a
// single agent but safe for concurrent producers.
type Queue struct {
	mu        sync.Mutex
	high      []models.QueuedMessage
	normal    []models.QueuedMessage
	maxLength int
}

// New creates a queue bounded at maxLength; zero or negative uses
// DefaultMaxLength.
func New(maxLength int) *Queue {
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}
	return &Queue{maxLength: maxLength}
}

// Enqueue adds a message. Missing id and enqueue time are filled in.
func (q *Queue) Enqueue(msg models.QueuedMessage) (models.QueuedMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.high)+len(q.normal) >= q.maxLength {
		return models.QueuedMessage{}, ErrQueueFull
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now()
	}
	if msg.Priority == models.PriorityHigh {
		q.high = append(q.high, msg)
	} else {
		q.normal = append(q.normal, msg)
	}
	return msg, nil
}

// Dequeue removes and returns the next message: all high entries before any
// normal ones.
func (q *Queue) Dequeue() (models.QueuedMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.high) > 0 {
		msg := q.high[0]
		q.high = q.high[1:]
		return msg, true
	}
	if len(q.normal) > 0 {
		msg := q.normal[0]
		q.normal = q.normal[1:]
		return msg, true
	}
	return models.QueuedMessage{}, false
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.high) + len(q.normal)
}

// Stats returns a snapshot of queue pressure.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := Stats{
		QueueLength:       len(q.high) + len(q.normal),
		HighPriorityCount: len(q.high),
	}
	oldest := time.Time{}
	for _, lane := range [][]models.QueuedMessage{q.high, q.normal} {
		for _, msg := range lane {
			if oldest.IsZero() || msg.EnqueuedAt.Before(oldest) {
				oldest = msg.EnqueuedAt
			}
		}
	}
	if !oldest.IsZero() {
		stats.OldestAgeMs = time.Since(oldest).Milliseconds()
	}
	return stats
}
