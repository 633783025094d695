// Package monitor tracks the health of external services from a rolling
// window of call records. Health is derived, never set: every status read
// recomputes from the records currently inside the window.
package monitor

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lumilearn/orchestrator/internal/alerting"
	"github.com/lumilearn/orchestrator/internal/config"
	"github.com/lumilearn/orchestrator/internal/metrics"
)

// Status is the derived health of one service.
type Status string

const (
	StatusHealthy     Status = "healthy"
	StatusDegraded    Status = "degraded"
	StatusDown        Status = "down"
	StatusRateLimited Status = "rate_limited"
	StatusUnknown     Status = "unknown"
)

// CallRecord is one observed external call.
type CallRecord struct {
	Service     string
	Success     bool
	RateLimited bool
	Latency     time.Duration
	Timestamp   time.Time
}

// StatusChange is one recorded health transition, kept for diagnostics.
type StatusChange struct {
	Service   string    `json:"service"`
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	Timestamp time.Time `json:"timestamp"`
}

// serviceStats are lifetime running totals, maintained in O(1) per record.
type serviceStats struct {
	calls      int64
	failures   int64
	latencySum time.Duration
}

// Monitor holds a fixed-capacity ring of call records plus per-service
// lifetime totals. Window-scoped rates scan at most capacity records.
type Monitor struct {
	mu       sync.RWMutex
	buf      []CallRecord
	head     int
	count    int
	totals   map[string]*serviceStats
	last     map[string]Status
	changes  []StatusChange
	cfg      config.MonitorConfig
	notifier Notifier
	logger   *zap.Logger
	now      func() time.Time
}

// Notifier receives status-change events for alert evaluation.
type Notifier interface {
	Publish(event alerting.Event)
}

// New creates a monitor with the configured ring capacity and thresholds.
func New(cfg config.MonitorConfig, notifier Notifier, logger *zap.Logger) *Monitor {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 1000
	}
	if cfg.StatusWindow <= 0 {
		cfg.StatusWindow = 10 * time.Minute
	}
	if cfg.DegradedErrRate <= 0 {
		cfg.DegradedErrRate = 0.1
	}
	if cfg.DownErrRate <= 0 {
		cfg.DownErrRate = 0.3
	}
	if cfg.DegradedLatency <= 0 {
		cfg.DegradedLatency = 5 * time.Second
	}
	if cfg.DownLatency <= 0 {
		cfg.DownLatency = 10 * time.Second
	}
	if cfg.RateLimitedPct <= 0 {
		cfg.RateLimitedPct = 0.5
	}
	return &Monitor{
		buf:      make([]CallRecord, cfg.HistorySize),
		totals:   make(map[string]*serviceStats),
		last:     make(map[string]Status),
		cfg:      cfg,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// Record observes one call and re-derives the service's status, publishing a
// status_change event on any transition.
func (m *Monitor) Record(rec CallRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = m.now()
	}

	m.mu.Lock()
	idx := (m.head + m.count) % len(m.buf)
	if m.count == len(m.buf) {
		m.head = (m.head + 1) % len(m.buf)
		m.count--
	}
	m.buf[idx] = rec
	m.count++

	stats := m.totals[rec.Service]
	if stats == nil {
		stats = &serviceStats{}
		m.totals[rec.Service] = stats
	}
	stats.calls++
	stats.latencySum += rec.Latency
	if !rec.Success {
		stats.failures++
	}

	prev, known := m.last[rec.Service]
	next := m.deriveLocked(rec.Service)
	m.last[rec.Service] = next

	var change *StatusChange
	if known && prev != next {
		change = &StatusChange{
			Service:   rec.Service,
			From:      prev,
			To:        next,
			Timestamp: rec.Timestamp,
		}
		m.changes = append(m.changes, *change)
		if over := len(m.changes) - 200; over > 0 {
			m.changes = m.changes[over:]
		}
	}
	m.mu.Unlock()

	status := "ok"
	if !rec.Success {
		status = "error"
	}
	metrics.ExternalCalls.WithLabelValues(rec.Service, status).Inc()

	if change == nil {
		return
	}
	m.logger.Info("Service status changed",
		zap.String("service", change.Service),
		zap.String("from", string(change.From)),
		zap.String("to", string(change.To)),
	)
	if m.notifier != nil {
		m.notifier.Publish(alerting.Event{
			Type:      "status_change",
			Service:   change.Service,
			Severity:  transitionSeverity(change.To),
			Message:   "service " + change.Service + " is now " + string(change.To),
			Timestamp: change.Timestamp,
			Data: map[string]interface{}{
				"from": string(change.From),
				"to":   string(change.To),
			},
		})
	}
}

func transitionSeverity(to Status) string {
	switch to {
	case StatusDown:
		return "high"
	case StatusDegraded, StatusRateLimited:
		return "medium"
	default:
		return "low"
	}
}

// Health derives the current status for a service from records inside the
// window. A service with no recent records is unknown.
func (m *Monitor) Health(service string) Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.deriveLocked(service)
}

// deriveLocked applies the classification rules, most severe first:
// rate-limited when over half of recent failures are rate limits, then the
// down thresholds, then the degraded thresholds. Caller holds the lock.
func (m *Monitor) deriveLocked(service string) Status {
	cutoff := m.now().Add(-m.cfg.StatusWindow)

	var calls, failures, rateLimited int
	var latencySum time.Duration
	for i := 0; i < m.count; i++ {
		rec := m.buf[(m.head+i)%len(m.buf)]
		if rec.Service != service || !rec.Timestamp.After(cutoff) {
			continue
		}
		calls++
		latencySum += rec.Latency
		if !rec.Success {
			failures++
			if rec.RateLimited {
				rateLimited++
			}
		}
	}
	if calls == 0 {
		return StatusUnknown
	}

	errRate := float64(failures) / float64(calls)
	avgLatency := latencySum / time.Duration(calls)

	if failures > 0 && float64(rateLimited)/float64(failures) > m.cfg.RateLimitedPct {
		return StatusRateLimited
	}
	if errRate > m.cfg.DownErrRate || avgLatency > m.cfg.DownLatency {
		return StatusDown
	}
	if errRate > m.cfg.DegradedErrRate || avgLatency > m.cfg.DegradedLatency {
		return StatusDegraded
	}
	return StatusHealthy
}

// Snapshot is the externally visible per-service aggregate view.
type Snapshot struct {
	Service     string        `json:"service"`
	Status      Status        `json:"status"`
	Calls       int64         `json:"calls"`
	Failures    int64         `json:"failures"`
	ErrorRate   float64       `json:"error_rate"`
	AvgLatency  time.Duration `json:"avg_latency"`
	WindowCalls int           `json:"window_calls"`
}

// Snapshot returns lifetime totals plus the derived status for one service.
func (m *Monitor) Snapshot(service string) Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := Snapshot{Service: service, Status: m.deriveLocked(service)}
	if stats := m.totals[service]; stats != nil {
		snap.Calls = stats.calls
		snap.Failures = stats.failures
		if stats.calls > 0 {
			snap.ErrorRate = float64(stats.failures) / float64(stats.calls)
			snap.AvgLatency = stats.latencySum / time.Duration(stats.calls)
		}
	}
	cutoff := m.now().Add(-m.cfg.StatusWindow)
	for i := 0; i < m.count; i++ {
		rec := m.buf[(m.head+i)%len(m.buf)]
		if rec.Service == service && rec.Timestamp.After(cutoff) {
			snap.WindowCalls++
		}
	}
	return snap
}

// Services lists every service that has ever been observed.
func (m *Monitor) Services() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.totals))
	for svc := range m.totals {
		out = append(out, svc)
	}
	return out
}

// StatusHistory returns the most recent transitions, newest last.
func (m *Monitor) StatusHistory(limit int) []StatusChange {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h := m.changes
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	out := make([]StatusChange, len(h))
	copy(out, h)
	return out
}
