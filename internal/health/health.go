// Package health aggregates component checks behind liveness and readiness
// probes. Checks run in the background on an interval; HTTP handlers serve
// the cached snapshot so a wedged component cannot stall the probe endpoint.
package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type Status int

const (
	StatusHealthy Status = iota
	StatusDegraded
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// Result is one component's answer at one point in time.
type Result struct {
	Component string        `json:"component"`
	Status    Status        `json:"-"`
	StatusStr string        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Duration  time.Duration `json:"duration"`
	Checked   time.Time     `json:"checked"`
}

// Checker is one probed component. Critical checkers gate readiness; a
// failing non-critical checker only degrades the overall status.
type Checker interface {
	Name() string
	Check(ctx context.Context) Result
	Critical() bool
}

// Manager runs the registered checkers and caches their results.
type Manager struct {
	logger   *zap.Logger
	interval time.Duration

	mu       sync.RWMutex
	checkers map[string]Checker
	results  map[string]Result
}

func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		logger:   logger,
		interval: 15 * time.Second,
		checkers: map[string]Checker{},
		results:  map[string]Result{},
	}
}

func (m *Manager) Register(c Checker) {
	m.mu.Lock()
	m.checkers[c.Name()] = c
	m.mu.Unlock()
}

// Start runs checks until the context is cancelled. The first pass runs
// immediately so readiness flips as soon as the components are up.
func (m *Manager) Start(ctx context.Context) {
	m.RunChecks(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RunChecks(ctx)
		}
	}
}

// RunChecks executes every checker once, each under a 5s cap.
func (m *Manager) RunChecks(ctx context.Context) {
	m.mu.RLock()
	checkers := make([]Checker, 0, len(m.checkers))
	for _, c := range m.checkers {
		checkers = append(checkers, c)
	}
	m.mu.RUnlock()

	for _, c := range checkers {
		checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		start := time.Now()
		res := c.Check(checkCtx)
		cancel()
		res.Component = c.Name()
		res.StatusStr = res.Status.String()
		res.Duration = time.Since(start)
		res.Checked = time.Now()

		if res.Status != StatusHealthy {
			m.logger.Warn("Health check not healthy",
				zap.String("component", c.Name()),
				zap.String("status", res.Status.String()),
				zap.String("message", res.Message),
			)
		}
		m.mu.Lock()
		m.results[c.Name()] = res
		m.mu.Unlock()
	}
}

// Overall folds the cached results: any failing critical checker is
// unhealthy, any other failure is degraded.
func (m *Manager) Overall() (Status, []Result) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := StatusHealthy
	results := make([]Result, 0, len(m.results))
	for name, res := range m.results {
		results = append(results, res)
		if res.Status == StatusHealthy {
			continue
		}
		if c, ok := m.checkers[name]; ok && c.Critical() {
			status = StatusUnhealthy
		} else if status == StatusHealthy {
			status = StatusDegraded
		}
	}
	return status, results
}

// Ready reports whether every critical checker has passed at least once.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, c := range m.checkers {
		if !c.Critical() {
			continue
		}
		res, ok := m.results[name]
		if !ok || res.Status == StatusUnhealthy {
			return false
		}
	}
	return true
}
