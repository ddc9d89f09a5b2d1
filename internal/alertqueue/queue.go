// Package alertqueue provides a thread-safe queue of pending alerts between
// the detector stages and webhook delivery.
package alertqueue

import (
	"context"
	"sync"

	"github.com/uthgardwatch/herald-sentinel/internal/discord"
)

// Alert is one undelivered notification plus its post-delivery side effects.
type Alert struct {
	// Channel selects the webhook endpoint list.
	Channel discord.Channel

	// Embed is the rendered notification payload.
	Embed discord.Embed

	// Commit stamps dedupe keys and advances baselines. The engine runs it
	// after the batch send; under strict delivery it is skipped on failure.
	Commit func(ctx context.Context) error

	// Rollback releases claim keys taken during detection. Under strict
	// delivery the engine runs it instead of Commit when the alert was not
	// sent, so the surviving claim cannot swallow the retry on the next tick.
	Rollback func(ctx context.Context) error
}

// Queue is a simple, thread-safe, in-memory queue for pending alerts.
type Queue struct {
	mu     sync.Mutex
	alerts []Alert
}

// NewQueue creates a new, empty queue.
func NewQueue() *Queue {
	return &Queue{alerts: make([]Alert, 0)}
}

// Enqueue adds an alert to the queue.
func (q *Queue) Enqueue(alert Alert) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.alerts = append(q.alerts, alert)
}

// DequeueChannel removes and returns all pending alerts for one channel,
// preserving enqueue order.
func (q *Queue) DequeueChannel(ch discord.Channel) []Alert {
	q.mu.Lock()
	defer q.mu.Unlock()

	var drained, rest []Alert
	for _, a := range q.alerts {
		if a.Channel == ch {
			drained = append(drained, a)
		} else {
			rest = append(rest, a)
		}
	}
	q.alerts = rest
	return drained
}

// Size returns the current number of pending alerts.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.alerts)
}
