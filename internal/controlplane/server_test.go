package controlplane

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fentz26/courier/internal/audit"
	"github.com/fentz26/courier/internal/connectors"
	"github.com/fentz26/courier/internal/connectors/inproc"
	"github.com/fentz26/courier/internal/dispatcher"
	"github.com/fentz26/courier/internal/metrics"
	"github.com/fentz26/courier/internal/models"
	"github.com/fentz26/courier/internal/partners"
	"github.com/fentz26/courier/internal/store"
	"github.com/fentz26/courier/internal/supervisor"
	"github.com/jonboulle/clockwork"
)

type testEnv struct {
	server *Server
	store  *store.Store
	pool   *supervisor.Supervisor
	clock  clockwork.FakeClock
}

func newTestEnv(t *testing.T, startPool bool, pool []models.Partner) *testEnv {
	t.Helper()

	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	pdr := audit.NewPDRWriter(st)
	m := metrics.New()

	sup := supervisor.New(inproc.New(connectors.SimulatedHandler(0), 16), 2, pdr, m)
	if startPool {
		if err := sup.Start(context.Background()); err != nil {
			t.Fatalf("Failed to start pool: %v", err)
		}
	}

	clock := clockwork.NewFakeClock()
	alloc := partners.New(pool, 5*time.Second, partners.WithClock(clock), partners.WithMetrics(m))
	d := dispatcher.New(sup, alloc, dispatcher.Options{Orders: st, PDR: pdr, Metrics: m})

	server := NewServer(NewService(d, sup, alloc, st), "127.0.0.1:0")
	server.SetMetrics(m)

	t.Cleanup(func() {
		d.Stop()
		sup.Stop()
		alloc.Stop()
		st.Close()
	})
	return &testEnv{server: server, store: st, pool: sup, clock: clock}
}

func (e *testEnv) do(method, path, body string) *http.Response {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w.Result()
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
}

func TestHealthEndpoint_OK(t *testing.T) {
	env := newTestEnv(t, true, partners.DefaultPool())

	resp := env.do(http.MethodGet, "/health", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var health HealthResponse
	decode(t, resp, &health)

	if !health.OK {
		t.Error("Expected health.OK to be true")
	}
	if health.DB != "ok" {
		t.Errorf("Expected DB status 'ok', got '%s'", health.DB)
	}
	if health.Version == "" {
		t.Error("Expected version to be set")
	}
	if health.Time == "" {
		t.Error("Expected time to be set")
	}
	if health.Workers != 2 {
		t.Errorf("Expected 2 workers, got %d", health.Workers)
	}
}

func TestHealthEndpoint_MethodNotAllowed(t *testing.T) {
	env := newTestEnv(t, true, partners.DefaultPool())

	resp := env.do(http.MethodPost, "/health", "")
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", resp.StatusCode)
	}
}

func TestHealthEndpoint_DBError(t *testing.T) {
	env := newTestEnv(t, true, partners.DefaultPool())
	env.store.Close()

	resp := env.do(http.MethodGet, "/health", "")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", resp.StatusCode)
	}

	var health HealthResponse
	decode(t, resp, &health)
	if health.OK {
		t.Error("Expected health.OK to be false when DB is down")
	}
	if health.DB == "ok" {
		t.Error("Expected DB status to indicate error")
	}
}

func TestSubmitNormal(t *testing.T) {
	env := newTestEnv(t, true, partners.DefaultPool())

	resp := env.do(http.MethodPost, "/work", `{"payload":{"todo":"buy milk"}}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", resp.StatusCode)
	}

	var r dispatcher.Receipt
	decode(t, resp, &r)
	if r.Lane != models.LaneNormal || r.Status != dispatcher.StatusDispatched || r.WorkerID == "" {
		t.Errorf("Unexpected receipt: %+v", r)
	}
}

func TestSubmitHighPriorityPath(t *testing.T) {
	env := newTestEnv(t, true, partners.DefaultPool())

	for _, path := range []string{"/high-priority", "/high-priority/orders"} {
		resp := env.do(http.MethodPost, path, `{"data":"x"}`)
		if resp.StatusCode != http.StatusAccepted {
			t.Fatalf("%s: expected 202, got %d", path, resp.StatusCode)
		}
		var r dispatcher.Receipt
		decode(t, resp, &r)
		if r.Lane != models.LanePriority || r.Priority != 1 {
			t.Errorf("%s: expected priority lane, got %+v", path, r)
		}
	}
}

func TestRequestRequiresNumericPriority(t *testing.T) {
	env := newTestEnv(t, true, partners.DefaultPool())

	tests := []struct {
		body   string
		status int
	}{
		{`{"data":"x"}`, http.StatusBadRequest},
		{`{"data":"x","priority":"high"}`, http.StatusBadRequest},
		{`{"data":"x","priority":1.5}`, http.StatusBadRequest},
		{`{"data":"x","priority":2}`, http.StatusAccepted},
	}
	for _, tt := range tests {
		resp := env.do(http.MethodPost, "/request", tt.body)
		if resp.StatusCode != tt.status {
			t.Errorf("%s: expected %d, got %d", tt.body, tt.status, resp.StatusCode)
			continue
		}
		if tt.status == http.StatusBadRequest {
			var e ErrorResponse
			decode(t, resp, &e)
			if e.Message != "Priority must be a number." {
				t.Errorf("Unexpected message: %q", e.Message)
			}
		}
	}
}

func TestSubmitInvalidJSON(t *testing.T) {
	env := newTestEnv(t, true, partners.DefaultPool())

	resp := env.do(http.MethodPost, "/work", `{not json`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", resp.StatusCode)
	}
}

func TestSubmitWithoutWorkers(t *testing.T) {
	env := newTestEnv(t, false, partners.DefaultPool())

	resp := env.do(http.MethodPost, "/work", `{}`)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", resp.StatusCode)
	}

	// Priority items wait in the queue instead.
	resp = env.do(http.MethodPost, "/high-priority", `{}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", resp.StatusCode)
	}
	var r dispatcher.Receipt
	decode(t, resp, &r)
	if r.Status != dispatcher.StatusQueued {
		t.Errorf("Expected queued, got %s", r.Status)
	}
}

func TestAssignOrderAndExhaustion(t *testing.T) {
	env := newTestEnv(t, true, []models.Partner{{ID: 1, Name: "Delivery Partner A"}})

	body := `{"customerName":"Ada","deliveryAddress":"1 Main St","orderItems":"tea"}`
	resp := env.do(http.MethodPost, "/assign-order", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	var a dispatcher.Assignment
	decode(t, resp, &a)
	if a.Message != "Order assigned to Delivery Partner A" {
		t.Errorf("Unexpected message: %s", a.Message)
	}
	if a.Order.CustomerName != "Ada" || a.Worker == "" {
		t.Errorf("Unexpected assignment: %+v", a)
	}

	resp = env.do(http.MethodPost, "/assign-order", body)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("Expected 409, got %d", resp.StatusCode)
	}
	var e ErrorResponse
	decode(t, resp, &e)
	if e.Message != "No available delivery partners" {
		t.Errorf("Unexpected message: %q", e.Message)
	}

	var orders []models.Order
	decode(t, env.do(http.MethodGet, "/orders", ""), &orders)
	if len(orders) != 1 || orders[0].PartnerName != "Delivery Partner A" {
		t.Errorf("Expected one persisted order, got %+v", orders)
	}
}

func TestBatch(t *testing.T) {
	env := newTestEnv(t, true, partners.DefaultPool())

	body := `{"items":[{"priority":3,"lane":"priority"},{"path":"/work"},{"path":"/high-priority","priority":0}]}`
	resp := env.do(http.MethodPost, "/batch", body)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", resp.StatusCode)
	}
	var receipts []dispatcher.Receipt
	decode(t, resp, &receipts)
	if len(receipts) != 3 {
		t.Fatalf("Expected 3 receipts, got %d", len(receipts))
	}
	if receipts[1].Lane != models.LaneNormal || receipts[2].Lane != models.LanePriority {
		t.Errorf("Unexpected lanes: %+v", receipts)
	}

	resp = env.do(http.MethodPost, "/batch", `{"items":[]}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for empty batch, got %d", resp.StatusCode)
	}
}

func TestStatusEndpoints(t *testing.T) {
	env := newTestEnv(t, true, partners.DefaultPool())
	env.do(http.MethodPost, "/work", `{}`)

	var ws WorkersStatus
	decode(t, env.do(http.MethodGet, "/workers", ""), &ws)
	if len(ws.Workers) != 2 || ws.Stats.Spawner != "inproc" {
		t.Errorf("Unexpected workers status: %+v", ws)
	}

	var ps PartnersStatus
	decode(t, env.do(http.MethodGet, "/partners", ""), &ps)
	if len(ps.Partners) != 3 || ps.Available != 3 {
		t.Errorf("Unexpected partners status: %+v", ps)
	}

	var records []models.PDREntry
	decode(t, env.do(http.MethodGet, "/records?action=work.dispatch&limit=10", ""), &records)
	if len(records) != 1 {
		t.Errorf("Expected 1 dispatch record, got %d", len(records))
	}

	resp := env.do(http.MethodGet, "/metrics", "")
	data, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(data), "courier_dispatch_total") {
		t.Error("Expected dispatch counter in /metrics output")
	}
	if !strings.Contains(string(data), `courier_http_requests_total{method="POST",path="/work",status="202"} 1`) {
		t.Errorf("Expected instrumented /work request in /metrics output:\n%s", data)
	}
}

func TestOversizedBodyRejected(t *testing.T) {
	env := newTestEnv(t, true, partners.DefaultPool())
	env.server.SetMaxBodyBytes(64)

	big := strings.Repeat("x", 200)
	tests := []struct {
		path string
		body string
	}{
		{"/work", `{"data":"` + big + `"}`},
		{"/high-priority", `{"data":"` + big + `"}`},
		{"/batch", `{"items":[{"data":"` + big + `"}]}`},
		{"/assign-order", `{"customerName":"` + big + `"}`},
	}
	for _, tt := range tests {
		resp := env.do(http.MethodPost, tt.path, tt.body)
		if resp.StatusCode != http.StatusRequestEntityTooLarge {
			t.Errorf("%s: expected 413, got %d", tt.path, resp.StatusCode)
		}
		var e ErrorResponse
		decode(t, resp, &e)
		if !strings.Contains(e.Message, "too large") {
			t.Errorf("%s: unexpected message %q", tt.path, e.Message)
		}
	}

	// Nothing was dispatched and no partner was taken.
	for _, w := range env.pool.Snapshot() {
		if w.InFlight != 0 {
			t.Errorf("worker %s has %d in flight", w.ID, w.InFlight)
		}
	}

	resp := env.do(http.MethodPost, "/work", `{"data":"ok"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("small body: expected 202, got %d", resp.StatusCode)
	}
}

func TestUnknownLaneRejected(t *testing.T) {
	env := newTestEnv(t, true, partners.DefaultPool())

	resp := env.do(http.MethodPost, "/work", `{"lane":"express","data":"x"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}

	resp = env.do(http.MethodPost, "/batch", `{"items":[{"lane":"normal"},{"lane":"bogus"}]}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("batch: expected 400, got %d", resp.StatusCode)
	}

	resp = env.do(http.MethodPost, "/work", `{"lane":"priority","data":"x"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("valid lane: expected 202, got %d", resp.StatusCode)
	}

	resp = env.do(http.MethodGet, "/metrics", "")
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if strings.Contains(string(body), `lane="express"`) || strings.Contains(string(body), `lane="bogus"`) {
		t.Error("rejected lanes must not reach metrics labels")
	}
}

func TestRulePrefixesCannotShadowBuiltins(t *testing.T) {
	sup := supervisor.New(inproc.New(connectors.SimulatedHandler(0), 4), 1, nil, nil)
	d := dispatcher.New(sup, nil, dispatcher.Options{Rules: []dispatcher.Rule{
		{Prefix: "/metrics", Lane: models.LanePriority, Priority: 1},
		{Prefix: "/health", Lane: models.LanePriority, Priority: 1},
		{Prefix: "/", Lane: models.LanePriority, Priority: 1},
		{Prefix: "/reports", Lane: models.LanePriority, Priority: 2},
	}})
	t.Cleanup(d.Stop)

	server := NewServer(NewService(d, sup, nil, nil), "127.0.0.1:0")
	server.SetMetrics(metrics.New())

	var h http.Handler
	func() {
		defer func() {
			if r := recover(); r != nil {
				t.Fatalf("Handler panicked: %v", r)
			}
		}()
		h = server.Handler()
	}()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Errorf("/metrics: expected 200, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/unrouted", strings.NewReader(`{}`)))
	if w.Code != http.StatusNotFound {
		t.Errorf("/unrouted: expected 404, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/reports/daily", strings.NewReader(`{}`)))
	if w.Code == http.StatusNotFound {
		t.Error("/reports/daily should be routed to submission")
	}
}
