// Package connectors defines how the supervisor reaches its workers.
package connectors

import (
	"context"
	"log"
	"time"

	"github.com/fentz26/courier/internal/models"
)

// EventKind classifies a notification coming back from a worker.
type EventKind string

const (
	EventStarted  EventKind = "started"
	EventFinished EventKind = "finished"
	EventExited   EventKind = "exited"
)

// Event is a worker-to-supervisor notification. The supervisor demultiplexes
// events from every worker by WorkerID.
type Event struct {
	WorkerID string
	Kind     EventKind
	ItemID   string
	Err      error
}

// Worker is an independent execution context reachable only by message.
type Worker interface {
	// ID returns the stable worker identifier.
	ID() string

	// Send queues msg for delivery and returns without waiting for the worker.
	Send(msg models.WorkerMessage) error

	// Stop asks the worker to exit. An EventExited follows.
	Stop() error
}

// Spawner creates workers that report on a shared event channel.
type Spawner interface {
	// Name returns the spawner identifier.
	Name() string

	// Spawn starts a new worker. The worker runs until Stop or ctx is done.
	Spawn(ctx context.Context, events chan<- Event) (Worker, error)
}

// Handler processes one work item inside a worker.
type Handler func(ctx context.Context, msg models.WorkerMessage) error

// Emit delivers ev unless ctx is cancelled first.
func Emit(ctx context.Context, events chan<- Event, ev Event) {
	select {
	case events <- ev:
	case <-ctx.Done():
	}
}

// SimulatedHandler returns a handler that waits latency before finishing.
func SimulatedHandler(latency time.Duration) Handler {
	return func(ctx context.Context, msg models.WorkerMessage) error {
		log.Printf("Handling item %s (%d bytes)", msg.ItemID, len(msg.Payload))
		if latency <= 0 {
			return nil
		}
		select {
		case <-time.After(latency):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
