// Package health serves liveness and readiness endpoints.
//
// Every registered check runs in its own goroutine. A check flips to
// unhealthy after FailureThreshold consecutive failures and back after
// SuccessThreshold consecutive successes. Failing degraded checks are
// reported by the readiness endpoint without failing it.
package health

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-faster/jx"
)

// CheckFunc returns nil when the checked component is healthy.
type CheckFunc func(ctx context.Context) error

// Checker is a component that can report its own health.
type Checker interface {
	Check(ctx context.Context) error
}

// Thresholds control how many consecutive results flip a check.
type Thresholds struct {
	Failure int
	Success int
}

// DefaultThresholds are used when a check is registered without options.
var DefaultThresholds = Thresholds{Failure: 3, Success: 1}

// monitor is the runtime state of one check. The counters are touched only by
// the goroutine running the check; healthy and lastErr are read by handlers.
type monitor struct {
	name       string
	timeout    time.Duration
	check      CheckFunc
	thresholds Thresholds

	healthy atomic.Bool
	lastErr atomic.Pointer[error]

	fails int
	oks   int
}

func newMonitor(name string, timeout time.Duration, check CheckFunc, th Thresholds) *monitor {
	p := &monitor{name: name, timeout: timeout, check: check, thresholds: th}
	p.healthy.Store(true)
	return p
}

func (p *monitor) run(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.check(ctx)
	p.lastErr.Store(&err)

	if err != nil {
		p.oks = 0
		p.fails++
		if p.fails >= p.thresholds.Failure {
			p.healthy.Store(false)
		}
		return
	}
	p.fails = 0
	p.oks++
	if p.oks >= p.thresholds.Success {
		p.healthy.Store(true)
	}
}

// failure returns the reason the monitor is unhealthy, or "" when it is healthy.
func (p *monitor) failure() string {
	if p.healthy.Load() {
		return ""
	}
	if e := p.lastErr.Load(); e != nil && *e != nil {
		return (*e).Error()
	}
	return "check is unhealthy"
}

// Health tracks the liveness and readiness of the service.
type Health struct {
	ready atomic.Bool

	mu        sync.RWMutex
	liveness  []*monitor
	readiness []*monitor
	degraded  []*monitor
	cancel    context.CancelFunc
}

// New returns a Health that starts not ready.
func New() *Health {
	return &Health{}
}

// AddLivenessCheck registers a check that tells whether the process works.
func (h *Health) AddLivenessCheck(name string, timeout time.Duration, check CheckFunc) {
	h.AddLivenessCheckWith(name, timeout, check, DefaultThresholds)
}

// AddLivenessCheckWith is AddLivenessCheck with explicit thresholds.
func (h *Health) AddLivenessCheckWith(name string, timeout time.Duration, check CheckFunc, th Thresholds) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.liveness = append(h.liveness, newMonitor(name, timeout, check, th))
}

// AddReadinessCheck registers a check that tells whether a dependency needed
// to serve traffic is available.
func (h *Health) AddReadinessCheck(name string, timeout time.Duration, check CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readiness = append(h.readiness, newMonitor(name, timeout, check, DefaultThresholds))
}

// AddDegradedCheck registers a check of an optional dependency. While it
// fails, /readyz answers "degraded" and the service stays ready.
func (h *Health) AddDegradedCheck(name string, timeout time.Duration, check CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.degraded = append(h.degraded, newMonitor(name, timeout, check, DefaultThresholds))
}

// AddDegradedChecker registers c as a degraded check.
func (h *Health) AddDegradedChecker(name string, timeout time.Duration, c Checker) {
	h.AddDegradedCheck(name, timeout, c.Check)
}

// Start runs every registered check now and then at interval, until ctx is
// done or Stop is called.
func (h *Health) Start(ctx context.Context, interval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)

	h.mu.Lock()
	h.cancel = cancel
	monitors := make([]*monitor, 0, len(h.liveness)+len(h.readiness)+len(h.degraded))
	monitors = append(monitors, h.liveness...)
	monitors = append(monitors, h.readiness...)
	monitors = append(monitors, h.degraded...)
	h.mu.Unlock()

	for _, p := range monitors {
		go loop(ctx, p, interval)
	}
}

func loop(ctx context.Context, p *monitor, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.run(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.run(ctx)
		}
	}
}

// Stop cancels the check goroutines. It is safe to call more than once.
func (h *Health) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
}

// SetReady sets the manual readiness flag. Shutdown sets it to false so load
// balancers drain the instance.
func (h *Health) SetReady(ready bool) {
	h.ready.Store(ready)
}

// IsReady reports whether the service is marked ready and every readiness
// check passes.
func (h *Health) IsReady() bool {
	return h.ready.Load() && len(failures(h.snapshot(&h.readiness))) == 0
}

func (h *Health) snapshot(monitors *[]*monitor) []*monitor {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*monitor, len(*monitors))
	copy(out, *monitors)
	return out
}

// LiveEndpoint serves /livez.
func (h *Health) LiveEndpoint(w http.ResponseWriter, _ *http.Request) {
	writeStatus(w, failures(h.snapshot(&h.liveness)), nil)
}

// ReadyEndpoint serves /readyz.
func (h *Health) ReadyEndpoint(w http.ResponseWriter, _ *http.Request) {
	failed := failures(h.snapshot(&h.readiness))
	if !h.ready.Load() {
		failed["_readiness"] = "service is not ready"
	}
	writeStatus(w, failed, failures(h.snapshot(&h.degraded)))
}

func failures(monitors []*monitor) map[string]string {
	out := make(map[string]string)
	for _, p := range monitors {
		if reason := p.failure(); reason != "" {
			out[p.name] = reason
		}
	}
	return out
}

// writeStatus writes {"status":"ok"}, {"status":"degraded","checks":{...}}
// or {"status":"unhealthy","checks":{...}}. Only failed turns the response
// into a 503; degraded checks are listed next to them.
func writeStatus(w http.ResponseWriter, failed, degraded map[string]string) {
	status, label := http.StatusOK, "ok"
	switch {
	case len(failed) > 0:
		status, label = http.StatusServiceUnavailable, "unhealthy"
	case len(degraded) > 0:
		label = "degraded"
	}

	checks := make(map[string]string, len(failed)+len(degraded))
	for name, reason := range degraded {
		checks[name] = reason
	}
	for name, reason := range failed {
		checks[name] = reason
	}
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("status")
	e.Str(label)
	if len(names) > 0 {
		e.FieldStart("checks")
		e.ObjStart()
		for _, name := range names {
			e.FieldStart(name)
			e.Str(checks[name])
		}
		e.ObjEnd()
	}
	e.ObjEnd()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}
