package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/fentz26/courier/internal/metrics"
	"github.com/fentz26/courier/internal/models"
	"github.com/fentz26/courier/internal/version"
)

// DefaultMaxBodyBytes caps request bodies well below the worker
// protocol's line limit.
const DefaultMaxBodyBytes = 1 << 20

// Server provides the HTTP API for courier.
type Server struct {
	service *Service
	addr    string
	server  *http.Server
	metrics *metrics.Metrics
	maxBody int64
}

// NewServer creates a new HTTP server.
func NewServer(service *Service, addr string) *Server {
	return &Server{
		service: service,
		addr:    addr,
		maxBody: DefaultMaxBodyBytes,
	}
}

// SetMaxBodyBytes changes the request body cap.
func (s *Server) SetMaxBodyBytes(n int64) {
	if n > 0 {
		s.maxBody = n
	}
}

// SetMetrics enables request instrumentation and the /metrics endpoint.
func (s *Server) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// Handler builds the request router. Built-in routes are registered first;
// a routing prefix that collides with one is skipped.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	registered := make(map[string]bool)
	handle := func(pattern string, h http.Handler) bool {
		if registered[pattern] {
			return false
		}
		registered[pattern] = true
		mux.Handle(pattern, h)
		return true
	}
	route := func(pattern string, h http.HandlerFunc) bool {
		return handle(pattern, s.instrument(pattern, h))
	}

	// Work submission
	route("/work", s.handleSubmit)
	route("/request", s.handleRequest)
	route("/batch", s.handleBatch)

	// Orders
	route("/assign-order", s.handleAssignOrder)
	route("/orders", s.handleOrders)

	// Status
	route("/workers", s.handleWorkers)
	route("/partners", s.handlePartners)
	route("/records", s.handleRecords)
	route("/health", s.handleHealth)
	if s.metrics != nil {
		handle("/metrics", s.metrics.Handler())
	} else {
		registered["/metrics"] = true
	}

	// Routing-rule prefixes
	for _, prefix := range s.service.dispatcher.Classifier().Prefixes() {
		if prefix == "" || prefix == "/" {
			log.Printf("Ignoring routing prefix %q: it would capture every path", prefix)
			continue
		}
		if !route(prefix, s.handleSubmit) {
			log.Printf("Ignoring routing prefix %s: built-in route", prefix)
			continue
		}
		route(prefix+"/", s.handleSubmit)
	}

	return mux
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	log.Printf("Starting courier daemon on %s", s.addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument records request counts and latency under the route pattern.
func (s *Server) instrument(route string, h http.HandlerFunc) http.Handler {
	if s.metrics == nil {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		s.metrics.RecordHTTPRequest(r.Method, route, strconv.Itoa(rec.status), time.Since(start))
	})
}

// --- Work Handlers ---

type submitBody struct {
	Path     string          `json:"path,omitempty"`
	Lane     models.Lane     `json:"lane,omitempty"`
	Priority json.RawMessage `json:"priority,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

func (b submitBody) toRequest(path string, requirePriority bool) (SubmitRequest, error) {
	req := SubmitRequest{Path: path, Lane: b.Lane, Payload: b.Payload}
	if b.Path != "" {
		req.Path = b.Path
	}
	if len(req.Payload) == 0 {
		req.Payload = b.Data
	}

	if len(b.Priority) == 0 || string(b.Priority) == "null" {
		if requirePriority {
			return SubmitRequest{}, ErrInvalidPriority
		}
		return req, nil
	}
	var p int
	if err := json.Unmarshal(b.Priority, &p); err != nil {
		return SubmitRequest{}, ErrInvalidPriority
	}
	req.Priority = &p
	return req, nil
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	body := http.MaxBytesReader(w, r.Body, s.maxBody)
	err := json.NewDecoder(body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return fmt.Errorf("%w: limit is %d bytes", ErrBodyTooLarge, tooLarge.Limit)
	}
	return fmt.Errorf("%w: %v", ErrInvalidJSON, err)
}

// handleSubmit handles POST /work and every routing-rule prefix. The lane
// comes from the request path unless the body overrides it.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.submit(w, r, false)
}

// handleRequest handles POST /request: a priority-lane submission whose body
// must carry a numeric priority.
func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.submit(w, r, true)
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, priorityLane bool) {
	var body submitBody
	if err := s.decodeBody(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	if priorityLane {
		body.Lane = models.LanePriority
	}

	req, err := body.toRequest(r.URL.Path, priorityLane)
	if err != nil {
		writeError(w, err)
		return
	}

	receipt, err := s.service.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, receipt)
}

type batchBody struct {
	Items []submitBody `json:"items"`
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body batchBody
	if err := s.decodeBody(w, r, &body); err != nil {
		writeError(w, err)
		return
	}

	reqs := make([]SubmitRequest, 0, len(body.Items))
	for _, item := range body.Items {
		req, err := item.toRequest("", false)
		if err != nil {
			writeError(w, err)
			return
		}
		reqs = append(reqs, req)
	}

	receipts, err := s.service.SubmitBatch(r.Context(), reqs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, receipts)
}

// --- Order Handlers ---

func (s *Server) handleAssignOrder(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var order models.Order
	if err := s.decodeBody(w, r, &order); err != nil {
		writeError(w, err)
		return
	}

	assignment, err := s.service.AssignOrder(r.Context(), order)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, assignment)
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	orders, err := s.service.Orders(queryLimit(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

// --- Status Handlers ---

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.service.Workers())
}

func (s *Server) handlePartners(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.service.Partners())
}

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	entries, err := s.service.Records(r.URL.Query().Get("action"), queryLimit(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	OK         bool   `json:"ok"`
	DB         string `json:"db"`
	Version    string `json:"version"`
	Time       string `json:"time"`
	Workers    int    `json:"workers"`
	QueueDepth int    `json:"queue_depth"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := HealthResponse{
		OK:      true,
		DB:      "ok",
		Version: version.Version,
		Time:    time.Now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK

	if err := s.service.Ping(ctx); err != nil {
		resp.OK = false
		resp.DB = err.Error()
		status = http.StatusServiceUnavailable
	}

	ws := s.service.Workers()
	resp.Workers = len(ws.Workers)
	resp.QueueDepth = ws.QueueDepth

	writeJSON(w, status, resp)
}

func queryLimit(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		return 50
	}
	return limit
}
