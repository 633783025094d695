// Package health aggregates component health checks and serves them over
// HTTP for liveness and readiness probes.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status is the result grade of one check.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult is the outcome of one component check.
type CheckResult struct {
	Component string        `json:"component"`
	Status    Status        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Duration  time.Duration `json:"duration"`
	Critical  bool          `json:"critical"`
}

// Checker probes one component. Critical checkers gate readiness; failures
// of non-critical ones only degrade the report.
type Checker interface {
	Name() string
	Critical() bool
	Check(ctx context.Context) CheckResult
}

// CheckFunc adapts a function into a Checker.
type CheckFunc struct {
	CheckName  string
	IsCritical bool
	Fn         func(ctx context.Context) error
}

func (c CheckFunc) Name() string   { return c.CheckName }
func (c CheckFunc) Critical() bool { return c.IsCritical }

func (c CheckFunc) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Component: c.CheckName, Status: StatusHealthy, Critical: c.IsCritical}
	if err := c.Fn(ctx); err != nil {
		result.Status = StatusUnhealthy
		result.Message = err.Error()
	}
	result.Duration = time.Since(start)
	return result
}

// Report is the aggregated view over all checkers.
type Report struct {
	Status     Status                 `json:"status"`
	Ready      bool                   `json:"ready"`
	Components map[string]CheckResult `json:"components"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Manager runs registered checkers on demand with a per-check timeout.
type Manager struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	timeout  time.Duration
	logger   *zap.Logger
}

// NewManager creates a health manager.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		checkers: make(map[string]Checker),
		timeout:  5 * time.Second,
		logger:   logger,
	}
}

// Register adds a checker; a checker with the same name is replaced.
func (m *Manager) Register(c Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers[c.Name()] = c
}

// Check runs every checker and aggregates. The service is ready when all
// critical components are healthy; any unhealthy component degrades the
// overall status.
func (m *Manager) Check(ctx context.Context) Report {
	m.mu.RLock()
	names := make([]string, 0, len(m.checkers))
	for name := range m.checkers {
		names = append(names, name)
	}
	sort.Strings(names)
	checkers := make([]Checker, 0, len(names))
	for _, name := range names {
		checkers = append(checkers, m.checkers[name])
	}
	m.mu.RUnlock()

	report := Report{
		Status:     StatusHealthy,
		Ready:      true,
		Components: make(map[string]CheckResult, len(checkers)),
		Timestamp:  time.Now(),
	}
	for _, c := range checkers {
		checkCtx, cancel := context.WithTimeout(ctx, m.timeout)
		result := c.Check(checkCtx)
		cancel()
		report.Components[c.Name()] = result

		if result.Status == StatusUnhealthy {
			if c.Critical() {
				report.Status = StatusUnhealthy
				report.Ready = false
			} else if report.Status == StatusHealthy {
				report.Status = StatusDegraded
			}
			m.logger.Warn("Health check failed",
				zap.String("component", c.Name()),
				zap.Bool("critical", c.Critical()),
				zap.String("message", result.Message),
			)
		}
	}
	return report
}

// RegisterRoutes mounts /healthz (liveness), /readyz (readiness) and
// /healthz/detail on the mux.
func (m *Manager) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		report := m.Check(r.Context())
		if !report.Ready {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"ready":  report.Ready,
			"status": report.Status,
		})
	})
	mux.HandleFunc("/healthz/detail", func(w http.ResponseWriter, r *http.Request) {
		report := m.Check(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if !report.Ready {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(report)
	})
}
