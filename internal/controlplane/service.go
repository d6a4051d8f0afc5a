// Package controlplane provides the HTTP API and service layer for courier.
package controlplane

import (
	"context"
	"fmt"

	"github.com/fentz26/courier/internal/dispatcher"
	"github.com/fentz26/courier/internal/models"
	"github.com/fentz26/courier/internal/supervisor"
)

// WorkerView is the read side of the worker pool.
type WorkerView interface {
	Snapshot() []models.WorkerInfo
	Stats() supervisor.Stats
}

// PartnerView is the read side of the partner allocator.
type PartnerView interface {
	Snapshot() []models.Partner
	Available() int
}

// RecordStore reads persisted audit records and orders.
type RecordStore interface {
	Ping(ctx context.Context) error
	ListPDR(action string, limit int) ([]models.PDREntry, error)
	ListOrders(limit int) ([]models.Order, error)
}

// Service ties the dispatcher, pool, partners and store together for the
// HTTP layer.
type Service struct {
	dispatcher *dispatcher.Dispatcher
	workers    WorkerView
	partners   PartnerView
	store      RecordStore
}

// NewService creates a new control plane service.
func NewService(d *dispatcher.Dispatcher, workers WorkerView, partners PartnerView, st RecordStore) *Service {
	return &Service{
		dispatcher: d,
		workers:    workers,
		partners:   partners,
		store:      st,
	}
}

// SubmitRequest is one unit of inbound work.
type SubmitRequest struct {
	// Path is used for lane classification when Lane is empty.
	Path     string      `json:"path,omitempty"`
	Lane     models.Lane `json:"lane,omitempty"`
	Priority *int        `json:"priority,omitempty"`
	Payload  []byte      `json:"-"`
}

func (s *Service) toItem(req SubmitRequest) (models.WorkItem, error) {
	lane, priority := s.dispatcher.Classify(req.Path)
	if req.Lane != "" {
		if !req.Lane.Valid() {
			return models.WorkItem{}, fmt.Errorf("%w: %q", ErrInvalidLane, req.Lane)
		}
		lane = req.Lane
	}
	if req.Priority != nil {
		priority = *req.Priority
	}
	return models.WorkItem{Lane: lane, Priority: priority, Payload: req.Payload}, nil
}

// Submit classifies and routes one item.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (dispatcher.Receipt, error) {
	item, err := s.toItem(req)
	if err != nil {
		return dispatcher.Receipt{}, err
	}
	return s.dispatcher.Submit(ctx, item)
}

// SubmitBatch classifies and routes several items in one drain.
func (s *Service) SubmitBatch(ctx context.Context, reqs []SubmitRequest) ([]dispatcher.Receipt, error) {
	if len(reqs) == 0 {
		return nil, ErrEmptyBatch
	}
	items := make([]models.WorkItem, len(reqs))
	for i, r := range reqs {
		item, err := s.toItem(r)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		items[i] = item
	}
	return s.dispatcher.SubmitBatch(ctx, items)
}

// AssignOrder pairs an order with a partner and a worker.
func (s *Service) AssignOrder(ctx context.Context, order models.Order) (*dispatcher.Assignment, error) {
	return s.dispatcher.AssignOrder(ctx, order)
}

// WorkersStatus is the body of GET /workers.
type WorkersStatus struct {
	Workers    []models.WorkerInfo `json:"workers"`
	Stats      supervisor.Stats    `json:"stats"`
	QueueDepth int                 `json:"queue_depth"`
}

// Workers returns the live pool.
func (s *Service) Workers() WorkersStatus {
	workers := s.workers.Snapshot()
	if workers == nil {
		workers = []models.WorkerInfo{}
	}
	return WorkersStatus{
		Workers:    workers,
		Stats:      s.workers.Stats(),
		QueueDepth: s.dispatcher.QueueDepth(),
	}
}

// PartnersStatus is the body of GET /partners.
type PartnersStatus struct {
	Partners  []models.Partner `json:"partners"`
	Available int              `json:"available"`
}

// Partners returns every partner's state.
func (s *Service) Partners() PartnersStatus {
	if s.partners == nil {
		return PartnersStatus{Partners: []models.Partner{}}
	}
	return PartnersStatus{
		Partners:  s.partners.Snapshot(),
		Available: s.partners.Available(),
	}
}

// Records returns recent audit records.
func (s *Service) Records(action string, limit int) ([]models.PDREntry, error) {
	entries, err := s.store.ListPDR(action, limit)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	if entries == nil {
		entries = []models.PDREntry{}
	}
	return entries, nil
}

// Orders returns recent order assignments.
func (s *Service) Orders(limit int) ([]models.Order, error) {
	orders, err := s.store.ListOrders(limit)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	if orders == nil {
		orders = []models.Order{}
	}
	return orders, nil
}

// Ping checks the backing store.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}
