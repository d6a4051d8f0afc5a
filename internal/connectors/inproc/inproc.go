// Package inproc runs workers as goroutines inside the supervising process.
package inproc

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"

	"github.com/fentz26/courier/internal/connectors"
	"github.com/fentz26/courier/internal/models"
)

// Spawner starts goroutine workers that share one handler.
type Spawner struct {
	handler     connectors.Handler
	mailboxSize int
	seq         int64
}

// New creates a new in-process spawner.
func New(handler connectors.Handler, mailboxSize int) *Spawner {
	if handler == nil {
		handler = connectors.SimulatedHandler(0)
	}
	return &Spawner{handler: handler, mailboxSize: mailboxSize}
}

// Name returns the spawner identifier.
func (s *Spawner) Name() string {
	return "inproc"
}

// Spawn starts a worker goroutine.
func (s *Spawner) Spawn(ctx context.Context, events chan<- connectors.Event) (connectors.Worker, error) {
	w := &worker{
		id:      fmt.Sprintf("inproc-%d", atomic.AddInt64(&s.seq, 1)),
		inbox:   connectors.NewMailbox(s.mailboxSize),
		handler: s.handler,
	}
	go w.run(ctx, events)
	return w, nil
}

type worker struct {
	id      string
	inbox   *connectors.Mailbox
	handler connectors.Handler
}

func (w *worker) ID() string {
	return w.id
}

func (w *worker) Send(msg models.WorkerMessage) error {
	return w.inbox.Send(msg)
}

func (w *worker) Stop() error {
	w.inbox.Close()
	return nil
}

// run processes messages one at a time. A panicking handler takes the
// worker down the same way a crashing child process would.
func (w *worker) run(ctx context.Context, events chan<- connectors.Event) {
	var exitErr error
	defer func() {
		if r := recover(); r != nil {
			exitErr = fmt.Errorf("worker %s panicked: %v", w.id, r)
		}
		w.inbox.Close()
		connectors.Emit(ctx, events, connectors.Event{WorkerID: w.id, Kind: connectors.EventExited, Err: exitErr})
	}()

	for {
		msg, err := w.inbox.Receive(ctx)
		if err != nil {
			return
		}
		if msg.Command != models.CommandHandle {
			continue
		}

		connectors.Emit(ctx, events, connectors.Event{WorkerID: w.id, Kind: connectors.EventStarted, ItemID: msg.ItemID})
		if err := w.handler(ctx, msg); err != nil {
			log.Printf("Worker %s: item %s failed: %v", w.id, msg.ItemID, err)
		}
		connectors.Emit(ctx, events, connectors.Event{WorkerID: w.id, Kind: connectors.EventFinished, ItemID: msg.ItemID})
	}
}
