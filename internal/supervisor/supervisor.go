// Package supervisor owns the worker pool: it spawns workers, tracks their
// in-flight counters, routes work to them and replaces any worker that exits.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/fentz26/courier/internal/connectors"
	"github.com/fentz26/courier/internal/metrics"
	"github.com/fentz26/courier/internal/models"
	"github.com/fentz26/courier/internal/strategy"
)

var (
	// ErrWorkerUnavailable is returned when no live worker can take an item.
	ErrWorkerUnavailable = errors.New("no live worker available")
	// ErrNotRunning is returned when dispatching to a pool that is not started.
	ErrNotRunning = errors.New("worker pool is not running")
)

// Recorder writes audit records. *audit.PDRWriter satisfies it.
type Recorder interface {
	Record(action string, inputs interface{}, outcome, subjectID, details string) (*models.PDREntry, error)
}

// Stats summarizes the pool for status endpoints.
type Stats struct {
	Workers      int    `json:"workers"`
	Size         int    `json:"size"`
	InFlight     int    `json:"in_flight"`
	Restarts     int64  `json:"restarts"`
	LostInFlight int64  `json:"lost_in_flight"`
	Spawner      string `json:"spawner"`
}

type handle struct {
	worker connectors.Worker
	info   models.WorkerInfo
}

// Supervisor manages a fixed-size pool of workers. All counter, registry and
// cursor mutations happen under mu.
type Supervisor struct {
	spawner connectors.Spawner
	size    int
	pdr     Recorder
	metrics *metrics.Metrics

	respawnDelay time.Duration

	mu           sync.Mutex
	workers      []*handle
	byID         map[string]*handle
	running      bool
	stopping     bool
	restarts     int64
	lostInFlight int64

	events chan connectors.Event
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a supervisor for size workers. pdr and m may be nil.
func New(spawner connectors.Spawner, size int, pdr Recorder, m *metrics.Metrics) *Supervisor {
	if size < 1 {
		size = 1
	}
	return &Supervisor{
		spawner:      spawner,
		size:         size,
		pdr:          pdr,
		metrics:      m,
		respawnDelay: time.Second,
		byID:         make(map[string]*handle),
		events:       make(chan connectors.Event, size*64),
	}
}

// Start spawns the pool and begins the event loop.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	s.stopping = false
	s.ctx, s.cancel = context.WithCancel(ctx)

	for i := 0; i < s.size; i++ {
		if _, err := s.spawnLocked(); err != nil {
			for _, h := range s.workers {
				h.worker.Stop()
			}
			s.workers = nil
			s.byID = make(map[string]*handle)
			s.cancel()
			return fmt.Errorf("spawn worker %d: %w", i+1, err)
		}
	}
	s.running = true

	s.wg.Add(1)
	go s.eventLoop()

	log.Printf("Worker pool started: %d %s workers", s.size, s.spawner.Name())
	return nil
}

// Stop stops every worker without replacing them.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.stopping = true
	s.running = false
	workers := make([]*handle, len(s.workers))
	copy(workers, s.workers)
	s.mu.Unlock()

	for _, h := range workers {
		if err := h.worker.Stop(); err != nil {
			log.Printf("Error stopping worker %s: %v", h.info.ID, err)
		}
	}
	s.cancel()
	s.wg.Wait()

	// Exit events still queued belong to workers that are gone.
	for drained := false; !drained; {
		select {
		case <-s.events:
		default:
			drained = true
		}
	}

	s.mu.Lock()
	for _, h := range s.workers {
		s.metrics.RetireWorker(h.info.ID)
	}
	s.workers = nil
	s.byID = make(map[string]*handle)
	s.metrics.SetWorkersAlive(0)
	s.mu.Unlock()

	log.Println("Worker pool stopped")
}

// spawnLocked starts one worker and appends it to the registry.
func (s *Supervisor) spawnLocked() (*handle, error) {
	w, err := s.spawner.Spawn(s.ctx, s.events)
	if err != nil {
		return nil, err
	}
	h := &handle{
		worker: w,
		info: models.WorkerInfo{
			ID:        w.ID(),
			Alive:     true,
			SpawnedAt: time.Now().UTC(),
		},
	}
	s.workers = append(s.workers, h)
	s.byID[h.info.ID] = h

	s.metrics.SetInFlight(h.info.ID, 0)
	s.metrics.SetWorkersAlive(len(s.workers))
	log.Printf("Spawned worker %s", h.info.ID)
	return h, nil
}

// Dispatch selects a live worker with strat, sends it item and increments its
// in-flight counter. It never waits for the worker. A worker whose mailbox
// is closed or full is skipped and strat picks again from the rest; a closed
// mailbox also marks the worker dead until its exit event retires it.
func (s *Supervisor) Dispatch(item models.WorkItem, strat strategy.Strategy) (models.WorkerInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return models.WorkerInfo{}, ErrNotRunning
	}

	msg := models.WorkerMessage{Command: models.CommandHandle, ItemID: item.ID, Payload: item.Payload}
	candidates := s.liveLocked()
	var lastErr error
	for len(candidates) > 0 {
		chosen, ok := strat.Select(candidates)
		if !ok {
			break
		}
		candidates = without(candidates, chosen.ID)

		h := s.byID[chosen.ID]
		if h == nil {
			continue
		}
		if err := h.worker.Send(msg); err != nil {
			if errors.Is(err, connectors.ErrMailboxClosed) {
				h.info.Alive = false
			}
			lastErr = fmt.Errorf("worker %s: %w", h.info.ID, err)
			continue
		}
		h.info.InFlight++

		s.metrics.SetInFlight(h.info.ID, h.info.InFlight)
		s.metrics.RecordDispatch(string(item.Lane), strat.Name())
		return h.info, nil
	}

	if lastErr != nil {
		return models.WorkerInfo{}, fmt.Errorf("%w: %v", ErrWorkerUnavailable, lastErr)
	}
	return models.WorkerInfo{}, ErrWorkerUnavailable
}

func without(workers []models.WorkerInfo, id string) []models.WorkerInfo {
	out := make([]models.WorkerInfo, 0, len(workers))
	for _, w := range workers {
		if w.ID != id {
			out = append(out, w)
		}
	}
	return out
}

func (s *Supervisor) liveLocked() []models.WorkerInfo {
	live := make([]models.WorkerInfo, 0, len(s.workers))
	for _, h := range s.workers {
		if h.info.Alive {
			live = append(live, h.info)
		}
	}
	return live
}

// Snapshot returns the live workers in registry order.
func (s *Supervisor) Snapshot() []models.WorkerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.liveLocked()
}

// Stats returns pool-level counters.
func (s *Supervisor) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		Workers:      len(s.workers),
		Size:         s.size,
		Restarts:     s.restarts,
		LostInFlight: s.lostInFlight,
		Spawner:      s.spawner.Name(),
	}
	for _, h := range s.workers {
		st.InFlight += h.info.InFlight
	}
	return st
}

func (s *Supervisor) eventLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-s.events:
			s.handleEvent(ev)
		}
	}
}

func (s *Supervisor) handleEvent(ev connectors.Event) {
	s.metrics.RecordWorkerEvent(string(ev.Kind))

	switch ev.Kind {
	case connectors.EventStarted:
		s.mu.Lock()
		if h := s.byID[ev.WorkerID]; h != nil {
			h.info.Started++
		}
		s.mu.Unlock()

	case connectors.EventFinished:
		s.mu.Lock()
		if h := s.byID[ev.WorkerID]; h != nil {
			h.info.Finished++
			if h.info.InFlight > 0 {
				h.info.InFlight--
			}
			s.metrics.SetInFlight(h.info.ID, h.info.InFlight)
		}
		s.mu.Unlock()

	case connectors.EventExited:
		s.handleExit(ev)
	}
}

// handleExit retires the exited worker and spawns its replacement. Work that
// was in flight on the dead worker is counted and dropped.
func (s *Supervisor) handleExit(ev connectors.Event) {
	s.mu.Lock()
	h := s.byID[ev.WorkerID]
	if h == nil {
		s.mu.Unlock()
		return
	}
	s.removeLocked(h)
	lost := h.info.InFlight
	s.lostInFlight += int64(lost)
	s.metrics.RetireWorker(h.info.ID)
	s.metrics.SetWorkersAlive(len(s.workers))

	if s.stopping {
		s.mu.Unlock()
		return
	}

	log.Printf("Worker %s died. Starting a new worker...", ev.WorkerID)
	replacement, err := s.spawnLocked()
	if err == nil {
		s.restarts++
	}
	s.mu.Unlock()

	if err != nil {
		log.Printf("Error spawning replacement for %s: %v", ev.WorkerID, err)
		s.scheduleRespawn()
		s.record("worker.restart", ev.WorkerID, "failure", err.Error())
		return
	}

	s.metrics.RecordRestart()
	details := fmt.Sprintf("Replaced by %s", replacement.info.ID)
	if lost > 0 {
		details = fmt.Sprintf("%s, %d in-flight items lost", details, lost)
	}
	if ev.Err != nil {
		details = fmt.Sprintf("%s (exit: %v)", details, ev.Err)
	}
	s.record("worker.restart", ev.WorkerID, "success", details)
}

func (s *Supervisor) removeLocked(h *handle) {
	h.info.Alive = false
	delete(s.byID, h.info.ID)
	for i, w := range s.workers {
		if w == h {
			s.workers = append(s.workers[:i], s.workers[i+1:]...)
			break
		}
	}
}

func (s *Supervisor) scheduleRespawn() {
	time.AfterFunc(s.respawnDelay, s.respawn)
}

// respawn refills the pool after a failed replacement.
func (s *Supervisor) respawn() {
	s.mu.Lock()
	if s.stopping || len(s.workers) >= s.size {
		s.mu.Unlock()
		return
	}
	h, err := s.spawnLocked()
	if err == nil {
		s.restarts++
	}
	s.mu.Unlock()

	if err != nil {
		log.Printf("Error respawning worker: %v", err)
		s.scheduleRespawn()
		return
	}
	s.metrics.RecordRestart()
	s.record("worker.restart", h.info.ID, "success", "Pool refilled after failed spawn")
}

func (s *Supervisor) record(action, workerID, outcome, details string) {
	if s.pdr == nil {
		return
	}
	if _, err := s.pdr.Record(action, map[string]interface{}{
		"worker_id": workerID,
		"spawner":   s.spawner.Name(),
	}, outcome, workerID, details); err != nil {
		log.Printf("Error writing PDR: %v", err)
	}
}
