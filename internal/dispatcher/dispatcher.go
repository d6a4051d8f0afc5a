// Package dispatcher is the entry point for inbound work. It classifies each
// item into a lane, drains the priority queue ahead of normal traffic and
// pairs orders with a delivery partner.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/fentz26/courier/internal/metrics"
	"github.com/fentz26/courier/internal/models"
	"github.com/fentz26/courier/internal/queue"
	"github.com/fentz26/courier/internal/strategy"
	"github.com/google/uuid"
)

// ErrShuttingDown is returned for submissions after Stop.
var ErrShuttingDown = errors.New("dispatcher is shutting down")

// Pool routes a single item to a worker.
type Pool interface {
	Dispatch(item models.WorkItem, strat strategy.Strategy) (models.WorkerInfo, error)
}

// PartnerSource grants delivery partners.
type PartnerSource interface {
	AcquireNext() (models.Grant, error)
}

// OrderStore persists order assignments.
type OrderStore interface {
	SaveOrder(o *models.Order) error
}

// Recorder writes audit records.
type Recorder interface {
	Record(action string, inputs interface{}, outcome, subjectID, details string) (*models.PDREntry, error)
}

// Status is the outcome of a submission.
type Status string

const (
	StatusDispatched Status = "dispatched"
	StatusQueued     Status = "queued"
	StatusFailed     Status = "failed"
)

// Receipt reports what happened to one submitted item.
type Receipt struct {
	ItemID   string      `json:"id"`
	Lane     models.Lane `json:"lane"`
	Priority int         `json:"priority"`
	Status   Status      `json:"status"`
	WorkerID string      `json:"worker,omitempty"`
	Error    string      `json:"error,omitempty"`
}

// Assignment is the result of AssignOrder.
type Assignment struct {
	Message string         `json:"message"`
	Order   models.Order   `json:"order"`
	Partner models.Partner `json:"partner"`
	Grant   models.Grant   `json:"grant"`
	Worker  string         `json:"worker"`
}

// Options configures a Dispatcher. Zero values get defaults.
type Options struct {
	// PriorityStrategy picks workers for drained priority items.
	PriorityStrategy strategy.Strategy
	// RedrainInterval retries queued priority items. 0 disables the loop.
	RedrainInterval time.Duration
	Rules           []Rule
	Orders          OrderStore
	PDR             Recorder
	Metrics         *metrics.Metrics
}

// Dispatcher routes work items to the pool.
type Dispatcher struct {
	pool       Pool
	partners   PartnerSource
	classifier *Classifier
	priority   strategy.Strategy
	normal     strategy.Strategy
	redrain    time.Duration
	orders     OrderStore
	pdr        Recorder
	metrics    *metrics.Metrics

	// mu guards queue and stopped. Drains run to completion under it.
	mu      sync.Mutex
	queue   *queue.PriorityQueue
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type drained struct {
	item   models.WorkItem
	worker models.WorkerInfo
}

// New creates a dispatcher. partners may be nil if orders are not used.
func New(pool Pool, partners PartnerSource, opts Options) *Dispatcher {
	if opts.PriorityStrategy == nil {
		opts.PriorityStrategy = &strategy.RoundRobin{}
	}
	if opts.Rules == nil {
		opts.Rules = DefaultRules()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		pool:       pool,
		partners:   partners,
		classifier: NewClassifier(opts.Rules),
		priority:   opts.PriorityStrategy,
		normal:     &strategy.LeastConnections{},
		redrain:    opts.RedrainInterval,
		orders:     opts.Orders,
		pdr:        opts.PDR,
		metrics:    opts.Metrics,
		queue:      queue.New(),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Classify returns the lane and default priority for a request path.
func (d *Dispatcher) Classify(path string) (models.Lane, int) {
	return d.classifier.Classify(path)
}

// Classifier exposes the routing rules.
func (d *Dispatcher) Classifier() *Classifier {
	return d.classifier
}

// Start begins the periodic redrain loop.
func (d *Dispatcher) Start() {
	if d.redrain <= 0 {
		return
	}
	d.wg.Add(1)
	go d.redrainLoop()
}

// Stop ends the redrain loop and drops anything still queued.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	dropped := d.queue.Len()
	for !d.queue.IsEmpty() {
		d.queue.Dequeue()
	}
	d.metrics.SetQueueDepth(0)
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()
	if dropped > 0 {
		log.Printf("Dropped %d queued priority items on shutdown", dropped)
	}
}

// QueueDepth returns the number of queued priority items.
func (d *Dispatcher) QueueDepth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queue.Len()
}

func (d *Dispatcher) prepare(item *models.WorkItem) {
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	if item.Lane == "" {
		item.Lane = models.LaneNormal
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now().UTC()
	}
}

// Submit routes one item. Priority items are queued and the queue is drained
// immediately; a priority item that finds no worker stays queued and is
// reported as StatusQueued without error. Normal items go straight to the
// least-loaded worker.
func (d *Dispatcher) Submit(ctx context.Context, item models.WorkItem) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	d.prepare(&item)

	if item.Lane == models.LanePriority {
		d.mu.Lock()
		if d.stopped {
			d.mu.Unlock()
			return Receipt{}, ErrShuttingDown
		}
		d.queue.Enqueue(item)
		log.Printf("Request with priority %d added to the queue", item.Priority)
		out := d.drainLocked()
		d.mu.Unlock()

		d.recordDrained(out)
		for _, dr := range out {
			if dr.item.ID == item.ID {
				return receiptFor(dr.item, StatusDispatched, dr.worker.ID), nil
			}
		}
		return receiptFor(item, StatusQueued, ""), nil
	}

	if d.isStopped() {
		return Receipt{}, ErrShuttingDown
	}
	return d.dispatchNormal(item)
}

// SubmitBatch routes several items. Every priority item is queued before a
// single drain, so the batch is emitted in priority order ahead of the
// normal items. Receipts follow input order.
func (d *Dispatcher) SubmitBatch(ctx context.Context, items []models.WorkItem) ([]Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	receipts := make([]Receipt, len(items))
	index := make(map[string]int, len(items))

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil, ErrShuttingDown
	}
	for i := range items {
		d.prepare(&items[i])
		index[items[i].ID] = i
		if items[i].Lane == models.LanePriority {
			d.queue.Enqueue(items[i])
			receipts[i] = receiptFor(items[i], StatusQueued, "")
		}
	}
	out := d.drainLocked()
	d.mu.Unlock()

	d.recordDrained(out)
	for _, dr := range out {
		if i, ok := index[dr.item.ID]; ok {
			receipts[i] = receiptFor(dr.item, StatusDispatched, dr.worker.ID)
		}
	}

	for i, item := range items {
		if item.Lane == models.LanePriority {
			continue
		}
		r, err := d.dispatchNormal(item)
		if err != nil {
			r = receiptFor(item, StatusFailed, "")
			r.Error = err.Error()
		}
		receipts[i] = r
	}
	return receipts, nil
}

func (d *Dispatcher) dispatchNormal(item models.WorkItem) (Receipt, error) {
	w, err := d.pool.Dispatch(item, d.normal)
	if err != nil {
		d.metrics.RecordDispatchFailure(string(item.Lane))
		d.record("work.dispatch", item, "failure", err.Error())
		return receiptFor(item, StatusFailed, ""), err
	}
	log.Printf("Dispatched item %s (%s) to worker %s", item.ID, item.Lane, w.ID)
	d.record("work.dispatch", item, "success", "Dispatched to worker "+w.ID)
	return receiptFor(item, StatusDispatched, w.ID), nil
}

// drainLocked dispatches queued items in priority order until the queue is
// empty or no worker accepts the head item.
func (d *Dispatcher) drainLocked() []drained {
	var out []drained
	for !d.queue.IsEmpty() {
		head, _ := d.queue.Peek()
		log.Printf("Handling priority %d request", head.Priority)

		w, err := d.pool.Dispatch(head, d.priority)
		if err != nil {
			d.metrics.RecordDispatchFailure(string(head.Lane))
			log.Printf("Priority drain paused with %d queued: %v", d.queue.Len(), err)
			break
		}
		d.queue.Dequeue()
		out = append(out, drained{item: head, worker: w})
	}
	d.metrics.SetQueueDepth(d.queue.Len())
	return out
}

func (d *Dispatcher) recordDrained(out []drained) {
	for _, dr := range out {
		log.Printf("Dispatched item %s (%s) to worker %s", dr.item.ID, dr.item.Lane, dr.worker.ID)
		d.record("work.dispatch", dr.item, "success", "Dispatched to worker "+dr.worker.ID)
	}
}

func (d *Dispatcher) redrainLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.redrain)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.Drain()
		}
	}
}

// Drain dispatches whatever is queued and returns how many items left the queue.
func (d *Dispatcher) Drain() int {
	d.mu.Lock()
	if d.stopped || d.queue.IsEmpty() {
		d.mu.Unlock()
		return 0
	}
	out := d.drainLocked()
	d.mu.Unlock()

	d.recordDrained(out)
	return len(out)
}

// AssignOrder grants the next delivery partner and dispatches the order to a
// worker. A denied grant returns partners.ErrResourceExhausted unchanged.
// Once granted, the partner stays busy for the full grant even if dispatch
// fails.
func (d *Dispatcher) AssignOrder(ctx context.Context, order models.Order) (*Assignment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.isStopped() {
		return nil, ErrShuttingDown
	}
	if d.partners == nil {
		return nil, fmt.Errorf("no partner pool configured")
	}
	if order.ID == "" {
		order.ID = uuid.New().String()
	}

	grant, err := d.partners.AcquireNext()
	if err != nil {
		d.record("partner.grant", order, "denied", err.Error())
		return nil, err
	}
	d.record("partner.grant", order, "success", "Granted "+grant.Partner.Name)

	order.PartnerID = grant.Partner.ID
	order.PartnerName = grant.Partner.Name

	payload, err := json.Marshal(order)
	if err != nil {
		return nil, fmt.Errorf("encode order: %w", err)
	}
	item := models.WorkItem{ID: order.ID, Lane: models.LaneNormal, Payload: payload}
	d.prepare(&item)

	receipt, err := d.dispatchNormal(item)
	if err != nil {
		return nil, err
	}
	order.WorkerID = receipt.WorkerID
	order.CreatedAt = item.EnqueuedAt

	if d.orders != nil {
		if err := d.orders.SaveOrder(&order); err != nil {
			log.Printf("Error saving order %s: %v", order.ID, err)
		}
	}

	log.Printf("Order %s assigned to %s on worker %s", order.ID, grant.Partner.Name, order.WorkerID)
	return &Assignment{
		Message: "Order assigned to " + grant.Partner.Name,
		Order:   order,
		Partner: grant.Partner,
		Grant:   grant,
		Worker:  order.WorkerID,
	}, nil
}

func (d *Dispatcher) isStopped() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopped
}

func (d *Dispatcher) record(action string, inputs interface{}, outcome, details string) {
	if d.pdr == nil {
		return
	}
	subject := ""
	switch v := inputs.(type) {
	case models.WorkItem:
		subject = v.ID
	case models.Order:
		subject = v.ID
	}
	if _, err := d.pdr.Record(action, inputs, outcome, subject, details); err != nil {
		log.Printf("Error writing PDR: %v", err)
	}
}

func receiptFor(item models.WorkItem, status Status, workerID string) Receipt {
	return Receipt{
		ItemID:   item.ID,
		Lane:     item.Lane,
		Priority: item.Priority,
		Status:   status,
		WorkerID: workerID,
	}
}
