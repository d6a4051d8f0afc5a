package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fentz26/courier/internal/connectors"
	"github.com/fentz26/courier/internal/models"
	"github.com/fentz26/courier/internal/strategy"
)

type fakeWorker struct {
	id     string
	events chan<- connectors.Event

	mu      sync.Mutex
	sent    []models.WorkerMessage
	stopped bool
	full    bool
	closed  bool
}

func (w *fakeWorker) ID() string { return w.id }

func (w *fakeWorker) Send(msg models.WorkerMessage) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return connectors.ErrMailboxClosed
	}
	if w.full {
		return connectors.ErrMailboxFull
	}
	w.sent = append(w.sent, msg)
	return nil
}

func (w *fakeWorker) Stop() error {
	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()
	return nil
}

func (w *fakeWorker) emit(kind connectors.EventKind) {
	w.events <- connectors.Event{WorkerID: w.id, Kind: kind}
}

type fakeSpawner struct {
	mu      sync.Mutex
	n       int
	failing bool
	workers []*fakeWorker
}

func (s *fakeSpawner) Name() string { return "fake" }

func (s *fakeSpawner) Spawn(ctx context.Context, events chan<- connectors.Event) (connectors.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return nil, errors.New("spawn refused")
	}
	s.n++
	w := &fakeWorker{id: fmt.Sprintf("w%d", s.n), events: events}
	s.workers = append(s.workers, w)
	return w, nil
}

func (s *fakeSpawner) setFailing(v bool) {
	s.mu.Lock()
	s.failing = v
	s.mu.Unlock()
}

func (s *fakeSpawner) worker(i int) *fakeWorker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workers[i]
}

type fakeRecorder struct {
	mu      sync.Mutex
	actions []string
}

func (r *fakeRecorder) Record(action string, inputs interface{}, outcome, subjectID, details string) (*models.PDREntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = append(r.actions, action+":"+outcome)
	return &models.PDREntry{Action: action}, nil
}

func (r *fakeRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.actions)
}

func startPool(t *testing.T, size int) (*Supervisor, *fakeSpawner) {
	t.Helper()
	sp := &fakeSpawner{}
	s := New(sp, size, nil, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(s.Stop)
	return s, sp
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timeout waiting for %s", what)
}

func inFlight(s *Supervisor) []int {
	var out []int
	for _, w := range s.Snapshot() {
		out = append(out, w.InFlight)
	}
	return out
}

func TestStartSpawnsPool(t *testing.T) {
	s, _ := startPool(t, 3)

	workers := s.Snapshot()
	if len(workers) != 3 {
		t.Fatalf("Expected 3 workers, got %d", len(workers))
	}
	for _, w := range workers {
		if w.InFlight != 0 || !w.Alive {
			t.Errorf("Worker %s should start alive with zero in-flight: %+v", w.ID, w)
		}
	}
}

func TestLeastConnectionsScenario(t *testing.T) {
	s, _ := startPool(t, 2)
	lc := &strategy.LeastConnections{}

	want := []string{"w1", "w2", "w1"}
	for i, id := range want {
		got, err := s.Dispatch(models.WorkItem{ID: fmt.Sprintf("item-%d", i), Lane: models.LaneNormal}, lc)
		if err != nil {
			t.Fatalf("Dispatch %d failed: %v", i, err)
		}
		if got.ID != id {
			t.Errorf("Dispatch %d: expected %s, got %s", i, id, got.ID)
		}
	}

	counts := inFlight(s)
	if len(counts) != 2 || counts[0] != 2 || counts[1] != 1 {
		t.Errorf("Expected counters [2 1], got %v", counts)
	}
}

func TestDispatchSendsHandleMessage(t *testing.T) {
	s, sp := startPool(t, 1)

	item := models.WorkItem{ID: "abc", Payload: []byte(`{"k":"v"}`)}
	if _, err := s.Dispatch(item, &strategy.RoundRobin{}); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	w := sp.worker(0)
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.sent) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(w.sent))
	}
	if w.sent[0].Command != models.CommandHandle || w.sent[0].ItemID != "abc" || string(w.sent[0].Payload) != `{"k":"v"}` {
		t.Errorf("Unexpected message: %+v", w.sent[0])
	}
}

func TestFinishedDecrementsAndClamps(t *testing.T) {
	s, sp := startPool(t, 1)
	s.Dispatch(models.WorkItem{ID: "a"}, &strategy.LeastConnections{})

	w := sp.worker(0)
	w.emit(connectors.EventStarted)
	w.emit(connectors.EventFinished)
	w.emit(connectors.EventFinished)

	waitFor(t, "finished events", func() bool {
		ws := s.Snapshot()
		return len(ws) == 1 && ws[0].Finished == 2
	})

	info := s.Snapshot()[0]
	if info.InFlight != 0 {
		t.Errorf("Expected in-flight clamped at 0, got %d", info.InFlight)
	}
	if info.Started != 1 {
		t.Errorf("Expected 1 started ack, got %d", info.Started)
	}
}

func TestExitReplacesWorker(t *testing.T) {
	rec := &fakeRecorder{}
	sp := &fakeSpawner{}
	s := New(sp, 2, rec, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop()

	s.Dispatch(models.WorkItem{ID: "lost"}, &strategy.LeastConnections{})
	sp.worker(0).emit(connectors.EventExited)

	waitFor(t, "replacement worker", func() bool {
		ws := s.Snapshot()
		return len(ws) == 2 && ws[1].ID == "w3"
	})

	rr := &strategy.RoundRobin{}
	for i := 0; i < 6; i++ {
		got, err := s.Dispatch(models.WorkItem{ID: fmt.Sprintf("i%d", i)}, rr)
		if err != nil {
			t.Fatalf("Dispatch failed: %v", err)
		}
		if got.ID == "w1" {
			t.Fatal("Retired worker w1 was selected")
		}
	}

	st := s.Stats()
	if st.Restarts != 1 || st.LostInFlight != 1 || st.Workers != 2 {
		t.Errorf("Unexpected stats after restart: %+v", st)
	}
	waitFor(t, "restart record", func() bool { return rec.count() == 1 })
}

func TestReplacementStartsAtZero(t *testing.T) {
	s, sp := startPool(t, 1)
	lc := &strategy.LeastConnections{}
	s.Dispatch(models.WorkItem{ID: "a"}, lc)
	s.Dispatch(models.WorkItem{ID: "b"}, lc)

	sp.worker(0).emit(connectors.EventExited)
	waitFor(t, "replacement", func() bool {
		ws := s.Snapshot()
		return len(ws) == 1 && ws[0].ID == "w2"
	})

	if n := s.Snapshot()[0].InFlight; n != 0 {
		t.Errorf("Replacement should start at 0 in-flight, got %d", n)
	}
}

func TestUnknownWorkerEventsIgnored(t *testing.T) {
	s, sp := startPool(t, 1)

	sp.worker(0).events <- connectors.Event{WorkerID: "ghost", Kind: connectors.EventExited}
	sp.worker(0).events <- connectors.Event{WorkerID: "ghost", Kind: connectors.EventFinished}
	sp.worker(0).emit(connectors.EventStarted)

	waitFor(t, "started ack", func() bool { return s.Snapshot()[0].Started == 1 })
	if st := s.Stats(); st.Restarts != 0 || st.Workers != 1 {
		t.Errorf("Ghost events should not affect the pool: %+v", st)
	}
}

func TestSpawnFailureLeavesPoolEmpty(t *testing.T) {
	s, sp := startPool(t, 1)
	s.respawnDelay = 10 * time.Millisecond

	sp.setFailing(true)
	sp.worker(0).emit(connectors.EventExited)

	waitFor(t, "empty pool", func() bool { return len(s.Snapshot()) == 0 })

	_, err := s.Dispatch(models.WorkItem{ID: "x"}, &strategy.LeastConnections{})
	if !errors.Is(err, ErrWorkerUnavailable) {
		t.Errorf("Expected ErrWorkerUnavailable, got %v", err)
	}

	sp.setFailing(false)
	waitFor(t, "respawned worker", func() bool { return len(s.Snapshot()) == 1 })
}

func TestFullMailboxIsUnavailable(t *testing.T) {
	s, sp := startPool(t, 1)
	w := sp.worker(0)
	w.mu.Lock()
	w.full = true
	w.mu.Unlock()

	_, err := s.Dispatch(models.WorkItem{ID: "x"}, &strategy.RoundRobin{})
	if !errors.Is(err, ErrWorkerUnavailable) {
		t.Errorf("Expected ErrWorkerUnavailable, got %v", err)
	}
	if n := s.Snapshot()[0].InFlight; n != 0 {
		t.Errorf("Failed send must not count as in-flight, got %d", n)
	}
}

func TestClosedMailboxFallsBackToLiveWorker(t *testing.T) {
	s, sp := startPool(t, 2)
	dead := sp.worker(0)
	dead.mu.Lock()
	dead.closed = true
	dead.mu.Unlock()

	// Both idle: LeastConnections picks w1 first, whose inbox is already closed.
	w, err := s.Dispatch(models.WorkItem{ID: "x"}, &strategy.LeastConnections{})
	if err != nil {
		t.Fatalf("Dispatch failed with a live worker available: %v", err)
	}
	if w.ID != "w2" {
		t.Errorf("Expected w2, got %s", w.ID)
	}

	live := s.Snapshot()
	if len(live) != 1 || live[0].ID != "w2" {
		t.Errorf("Closed worker should no longer be live, got %+v", live)
	}

	// A second dispatch never considers the dead worker.
	rr := &strategy.RoundRobin{}
	for i := 0; i < 3; i++ {
		w, err := s.Dispatch(models.WorkItem{ID: fmt.Sprintf("y%d", i)}, rr)
		if err != nil || w.ID != "w2" {
			t.Fatalf("Dispatch %d = %s, %v", i, w.ID, err)
		}
	}

	// Its exit event still retires it and brings in a replacement.
	dead.emit(connectors.EventExited)
	waitFor(t, "replacement", func() bool { return len(s.Snapshot()) == 2 })
}

func TestFullMailboxFallsBackToNextWorker(t *testing.T) {
	s, sp := startPool(t, 2)
	busy := sp.worker(0)
	busy.mu.Lock()
	busy.full = true
	busy.mu.Unlock()

	w, err := s.Dispatch(models.WorkItem{ID: "x"}, &strategy.RoundRobin{})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if w.ID != "w2" {
		t.Errorf("Expected w2, got %s", w.ID)
	}
	if n := len(s.Snapshot()); n != 2 {
		t.Errorf("A full worker is still live, got %d live", n)
	}
}

func TestAllMailboxesClosedIsUnavailable(t *testing.T) {
	s, sp := startPool(t, 2)
	for i := 0; i < 2; i++ {
		w := sp.worker(i)
		w.mu.Lock()
		w.closed = true
		w.mu.Unlock()
	}

	_, err := s.Dispatch(models.WorkItem{ID: "x"}, &strategy.LeastConnections{})
	if !errors.Is(err, ErrWorkerUnavailable) {
		t.Errorf("Expected ErrWorkerUnavailable, got %v", err)
	}
}

func TestRestartAfterStopStartsFreshPool(t *testing.T) {
	sp := &fakeSpawner{}
	s := New(sp, 2, nil, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	s.Stop()

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("second Start failed: %v", err)
	}
	defer s.Stop()

	live := s.Snapshot()
	if len(live) != 2 {
		t.Fatalf("Expected 2 workers after restart, got %d", len(live))
	}
	for _, w := range live {
		if w.ID == "w1" || w.ID == "w2" {
			t.Errorf("Stale worker %s survived Stop", w.ID)
		}
	}
	if st := s.Stats(); st.Workers != 2 {
		t.Errorf("Stats.Workers = %d, want 2", st.Workers)
	}
}

func TestDispatchBeforeStart(t *testing.T) {
	s := New(&fakeSpawner{}, 1, nil, nil)
	_, err := s.Dispatch(models.WorkItem{ID: "x"}, &strategy.RoundRobin{})
	if !errors.Is(err, ErrNotRunning) {
		t.Errorf("Expected ErrNotRunning, got %v", err)
	}
}

func TestStartFailure(t *testing.T) {
	sp := &fakeSpawner{failing: true}
	s := New(sp, 2, nil, nil)
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("Expected Start to fail when spawning fails")
	}
}

func TestStopDoesNotRestart(t *testing.T) {
	sp := &fakeSpawner{}
	s := New(sp, 2, nil, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	s.Stop()

	for i := 0; i < 2; i++ {
		w := sp.worker(i)
		w.mu.Lock()
		if !w.stopped {
			t.Errorf("Worker %s was not stopped", w.id)
		}
		w.mu.Unlock()
	}

	sp.mu.Lock()
	defer sp.mu.Unlock()
	if sp.n != 2 {
		t.Errorf("Expected no replacement spawns after Stop, got %d spawns", sp.n)
	}
}

func TestConcurrentDispatchAndEvents(t *testing.T) {
	s, sp := startPool(t, 4)
	lc := &strategy.LeastConnections{}

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				s.Dispatch(models.WorkItem{ID: fmt.Sprintf("%d-%d", g, i)}, lc)
			}
		}(g)
	}
	wg.Wait()

	if st := s.Stats(); st.InFlight != 400 {
		t.Fatalf("Expected 400 in flight, got %d", st.InFlight)
	}

	for _, info := range s.Snapshot() {
		var w *fakeWorker
		for i := 0; i < 4; i++ {
			if sp.worker(i).id == info.ID {
				w = sp.worker(i)
			}
		}
		for i := 0; i < info.InFlight; i++ {
			w.emit(connectors.EventFinished)
		}
	}

	waitFor(t, "all finished", func() bool { return s.Stats().InFlight == 0 })
}
