// Package partners allocates delivery partners for fixed, timer-driven grants.
package partners

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/fentz26/courier/internal/metrics"
	"github.com/fentz26/courier/internal/models"
	"github.com/jonboulle/clockwork"
)

// ErrResourceExhausted is returned when no partner can be granted.
var ErrResourceExhausted = errors.New("no available delivery partners")

// DefaultGrantDuration is how long a partner stays busy after a grant.
const DefaultGrantDuration = 5 * time.Second

// Selection controls how AcquireNext picks a partner.
type Selection string

const (
	// SelectCursor grants only the partner at the cursor, or nothing.
	SelectCursor Selection = "cursor"
	// SelectScan walks forward from the cursor to the first available partner.
	SelectScan Selection = "scan"
)

// ParseSelection validates a selection name. Empty means cursor.
func ParseSelection(s string) (Selection, error) {
	switch Selection(s) {
	case "", SelectCursor:
		return SelectCursor, nil
	case SelectScan:
		return SelectScan, nil
	default:
		return "", fmt.Errorf("unknown partner selection %q", s)
	}
}

// DefaultPool is the partner set used when none is configured.
func DefaultPool() []models.Partner {
	return []models.Partner{
		{ID: 1, Name: "Delivery Partner A"},
		{ID: 2, Name: "Delivery Partner B"},
		{ID: 3, Name: "Delivery Partner C"},
	}
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c clockwork.Clock) Option {
	return func(a *Allocator) { a.clock = c }
}

// WithSelection sets the selection rule.
func WithSelection(s Selection) Option {
	return func(a *Allocator) { a.selection = s }
}

// WithReleaseHook registers fn to run after a partner becomes available again.
func WithReleaseHook(fn func(models.Partner)) Option {
	return func(a *Allocator) { a.onRelease = fn }
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Allocator) { a.metrics = m }
}

// Allocator hands out partners round-robin. A granted partner is released
// only by its grant timer; there is no early release.
type Allocator struct {
	clock     clockwork.Clock
	grant     time.Duration
	selection Selection
	onRelease func(models.Partner)
	metrics   *metrics.Metrics

	mu       sync.Mutex
	partners []models.Partner
	timers   []clockwork.Timer
	cursor   int
	stopped  bool
}

// New creates an allocator over a fixed partner set.
func New(pool []models.Partner, grant time.Duration, opts ...Option) *Allocator {
	if grant <= 0 {
		grant = DefaultGrantDuration
	}
	a := &Allocator{
		clock:     clockwork.NewRealClock(),
		grant:     grant,
		selection: SelectCursor,
		partners:  make([]models.Partner, len(pool)),
		timers:    make([]clockwork.Timer, len(pool)),
	}
	for i, p := range pool {
		p.State = models.PartnerAvailable
		p.BusyUntil = nil
		a.partners[i] = p
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// GrantDuration returns the configured grant window.
func (a *Allocator) GrantDuration() time.Duration {
	return a.grant
}

// AcquireNext grants the next partner. The cursor advances on every call,
// granted or not.
func (a *Allocator) AcquireNext() (models.Grant, error) {
	a.mu.Lock()

	n := len(a.partners)
	if n == 0 || a.stopped {
		a.mu.Unlock()
		a.metrics.RecordPartnerAcquire(false)
		return models.Grant{}, ErrResourceExhausted
	}

	idx := a.cursor
	a.cursor = (a.cursor + 1) % n

	chosen := -1
	switch a.selection {
	case SelectScan:
		for i := 0; i < n; i++ {
			j := (idx + i) % n
			if a.partners[j].State == models.PartnerAvailable {
				chosen = j
				a.cursor = (j + 1) % n
				break
			}
		}
	default:
		if a.partners[idx].State == models.PartnerAvailable {
			chosen = idx
		}
	}

	if chosen < 0 {
		busy := a.partners[idx].Name
		a.mu.Unlock()
		log.Printf("No partner available (%s is busy)", busy)
		a.metrics.RecordPartnerAcquire(false)
		return models.Grant{}, ErrResourceExhausted
	}

	now := a.clock.Now()
	until := now.Add(a.grant)
	p := &a.partners[chosen]
	p.State = models.PartnerBusy
	p.BusyUntil = &until
	a.timers[chosen] = a.clock.AfterFunc(a.grant, func() {
		a.release(chosen, until)
	})

	g := models.Grant{Partner: *p, GrantedAt: now, ExpiresAt: until}
	busy := a.busyLocked()
	a.mu.Unlock()

	log.Printf("Granted %s until %s", g.Partner.Name, until.Format(time.RFC3339))
	a.metrics.RecordPartnerAcquire(true)
	a.metrics.SetPartnersBusy(busy)
	return g, nil
}

// release returns a partner to the pool. A timer from an older grant whose
// expiry no longer matches is ignored.
func (a *Allocator) release(idx int, until time.Time) {
	a.mu.Lock()
	p := &a.partners[idx]
	if p.State != models.PartnerBusy || p.BusyUntil == nil || !p.BusyUntil.Equal(until) {
		a.mu.Unlock()
		return
	}
	p.State = models.PartnerAvailable
	p.BusyUntil = nil
	a.timers[idx] = nil
	released := *p
	busy := a.busyLocked()
	hook := a.onRelease
	a.mu.Unlock()

	log.Printf("%s is now available again", released.Name)
	a.metrics.SetPartnersBusy(busy)
	if hook != nil {
		hook(released)
	}
}

func (a *Allocator) busyLocked() int {
	n := 0
	for _, p := range a.partners {
		if p.State == models.PartnerBusy {
			n++
		}
	}
	return n
}

// Snapshot returns a copy of every partner's current state.
func (a *Allocator) Snapshot() []models.Partner {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]models.Partner, len(a.partners))
	copy(out, a.partners)
	return out
}

// Available returns how many partners are not busy.
func (a *Allocator) Available() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.partners) - a.busyLocked()
}

// Stop cancels pending release timers and refuses further grants.
func (a *Allocator) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.stopped = true
	for i, t := range a.timers {
		if t != nil {
			t.Stop()
			a.timers[i] = nil
		}
	}
}
