package connectors

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/fentz26/courier/internal/models"
)

var (
	// ErrMailboxClosed is returned when sending to or receiving from a closed mailbox.
	ErrMailboxClosed = errors.New("mailbox is closed")

	// ErrMailboxFull is returned when a worker's inbox has no room left.
	ErrMailboxFull = errors.New("mailbox is full")
)

// DefaultMailboxSize is the inbox capacity used when none is configured.
const DefaultMailboxSize = 1024

// Mailbox is a bounded per-worker inbox. Send never blocks.
type Mailbox struct {
	ch     chan models.WorkerMessage
	done   chan struct{}
	closed int32
}

// NewMailbox creates a mailbox with the given capacity.
func NewMailbox(capacity int) *Mailbox {
	if capacity < 1 {
		capacity = DefaultMailboxSize
	}
	return &Mailbox{
		ch:   make(chan models.WorkerMessage, capacity),
		done: make(chan struct{}),
	}
}

// Send enqueues msg or fails immediately.
func (m *Mailbox) Send(msg models.WorkerMessage) error {
	if atomic.LoadInt32(&m.closed) == 1 {
		return ErrMailboxClosed
	}
	select {
	case m.ch <- msg:
		return nil
	default:
		return ErrMailboxFull
	}
}

// Receive blocks until a message arrives, the mailbox closes, or ctx is done.
// Messages still queued at close are discarded.
func (m *Mailbox) Receive(ctx context.Context) (models.WorkerMessage, error) {
	select {
	case <-m.done:
		return models.WorkerMessage{}, ErrMailboxClosed
	default:
	}

	select {
	case msg := <-m.ch:
		return msg, nil
	case <-m.done:
		return models.WorkerMessage{}, ErrMailboxClosed
	case <-ctx.Done():
		return models.WorkerMessage{}, ctx.Err()
	}
}

// Close stops the mailbox. Safe to call more than once.
func (m *Mailbox) Close() {
	if atomic.CompareAndSwapInt32(&m.closed, 0, 1) {
		close(m.done)
	}
}

// Size returns the number of queued messages.
func (m *Mailbox) Size() int {
	return len(m.ch)
}
