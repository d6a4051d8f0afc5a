// Package strategy provides the worker selection policies used by the dispatcher.
package strategy

import (
	"fmt"

	"github.com/fentz26/courier/internal/models"
)

// Strategy names accepted by New.
const (
	NameRoundRobin       = "round_robin"
	NameLeastConnections = "least_connections"
)

// Strategy selects one worker from the live set. Implementations never
// modify worker counters; the caller accounts for the dispatch.
type Strategy interface {
	// Name returns the strategy identifier.
	Name() string

	// Select picks a worker. ok is false when workers is empty.
	Select(workers []models.WorkerInfo) (w models.WorkerInfo, ok bool)
}

// New returns a fresh strategy for the given name.
func New(name string) (Strategy, error) {
	switch name {
	case NameRoundRobin, "rr":
		return &RoundRobin{}, nil
	case NameLeastConnections, "lc":
		return &LeastConnections{}, nil
	default:
		return nil, fmt.Errorf("unknown strategy %q", name)
	}
}

// RoundRobin cycles through the live workers in registry order.
type RoundRobin struct {
	cursor int
}

// Name returns the strategy identifier.
func (r *RoundRobin) Name() string {
	return NameRoundRobin
}

// Select returns the worker at the cursor and advances it. A cursor left
// out of range by a shrinking pool is wrapped back in.
func (r *RoundRobin) Select(workers []models.WorkerInfo) (models.WorkerInfo, bool) {
	n := len(workers)
	if n == 0 {
		return models.WorkerInfo{}, false
	}
	if r.cursor >= n {
		r.cursor %= n
	}

	w := workers[r.cursor]
	r.cursor = (r.cursor + 1) % n
	return w, true
}

// LeastConnections picks the worker with the fewest in-flight items.
type LeastConnections struct{}

// Name returns the strategy identifier.
func (l *LeastConnections) Name() string {
	return NameLeastConnections
}

// Select scans every worker; ties go to the earliest in iteration order.
func (l *LeastConnections) Select(workers []models.WorkerInfo) (models.WorkerInfo, bool) {
	if len(workers) == 0 {
		return models.WorkerInfo{}, false
	}

	best := workers[0]
	for _, w := range workers[1:] {
		if w.InFlight < best.InFlight {
			best = w
		}
	}
	return best, true
}
