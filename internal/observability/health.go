package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const readinessTimeout = 3 * time.Second

// Readiness states reported by CheckReady.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusFail     = "fail"
)

// HealthChecker probes the dependencies a build needs (database, run queue)
// for the readiness endpoint.
type HealthChecker struct {
	mu     sync.RWMutex
	checks []readinessCheck
	logger *slog.Logger
}

type readinessCheck struct {
	name string
	fn   func(ctx context.Context) error
	// optional checks report failure without degrading the aggregate.
	optional bool
}

// HealthStatus is the JSON body of /readyz.
type HealthStatus struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the outcome of one probe.
type CheckResult struct {
	Status   string `json:"status"`
	Message  string `json:"message,omitempty"`
	Duration string `json:"duration"`
}

// NewHealthChecker creates a checker with no probes. logger may be nil.
func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	return &HealthChecker{logger: logger}
}

// AddCheck registers a probe whose failure marks the service degraded.
func (h *HealthChecker) AddCheck(name string, fn func(ctx context.Context) error) {
	h.add(readinessCheck{name: name, fn: fn})
}

// AddOptionalCheck registers a probe that is reported but never degrades readiness.
func (h *HealthChecker) AddOptionalCheck(name string, fn func(ctx context.Context) error) {
	h.add(readinessCheck{name: name, fn: fn, optional: true})
}

func (h *HealthChecker) add(c readinessCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, c)
}

// CheckReady runs every probe concurrently under a shared deadline.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	h.mu.RLock()
	checks := append([]readinessCheck(nil), h.checks...)
	h.mu.RUnlock()

	if len(checks) == 0 {
		return HealthStatus{Status: StatusOK}
	}

	ctx, cancel := context.WithTimeout(ctx, readinessTimeout)
	defer cancel()

	results := make([]CheckResult, len(checks))
	var g errgroup.Group
	for i, c := range checks {
		g.Go(func() error {
			start := time.Now()
			err := c.fn(ctx)
			results[i] = CheckResult{Status: StatusOK, Duration: time.Since(start).Round(time.Millisecond).String()}
			if err != nil {
				results[i].Status = StatusFail
				results[i].Message = err.Error()
			}
			return nil
		})
	}
	_ = g.Wait()

	status := HealthStatus{Status: StatusOK, Checks: make(map[string]CheckResult, len(checks))}
	for i, c := range checks {
		status.Checks[c.name] = results[i]
		if results[i].Status == StatusOK {
			continue
		}
		if !c.optional {
			status.Status = StatusDegraded
		}
		if h.logger != nil {
			h.logger.Warn("readiness check failed",
				slog.String("check", c.name),
				slog.Bool("optional", c.optional),
				slog.String("error", results[i].Message),
			)
		}
	}
	return status
}
