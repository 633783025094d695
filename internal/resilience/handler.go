package resilience

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/lumilearn/orchestrator/internal/alerting"
	"github.com/lumilearn/orchestrator/internal/config"
	"github.com/lumilearn/orchestrator/internal/metrics"
)

// Notifier receives error events for alert-rule evaluation. Satisfied by
// *alerting.Dispatcher; decoupled so tests can capture events.
type Notifier interface {
	Publish(event alerting.Event)
}

// Handler is the single entry point for external-call failures. It records
// the error, re-derives service health, fires alerts, and decides between
// retry, circuit short-circuit and fallback. One Handler is shared by every
// session in the process; all mutable state is behind the history's lock.
type Handler struct {
	cfg        config.ResilienceConfig
	history    *history
	strategies []Strategy
	notifier   Notifier
	logger     *zap.Logger
	now        func() time.Time
}

// NewHandler creates the shared error handler. The notifier may be nil.
func NewHandler(cfg config.ResilienceConfig, notifier Notifier, logger *zap.Logger) *Handler {
	if cfg.CircuitWindow <= 0 {
		cfg.CircuitWindow = 5 * time.Minute
	}
	if cfg.CircuitThreshold <= 0 {
		cfg.CircuitThreshold = 5
	}
	if cfg.DegradedErrors <= 0 {
		cfg.DegradedErrors = 3
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = 300 * time.Second
	}
	return &Handler{
		cfg:      cfg,
		history:  newHistory(cfg.HistorySize),
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// Register appends a fallback strategy. Order matters: the first strategy
// whose Applicable returns true handles the error.
func (h *Handler) Register(s Strategy) {
	h.strategies = append(h.strategies, s)
}

// HandleError processes one failed external call and returns the outcome the
// caller must act on. The retry count for the current request is read from
// callCtx["retry_count"]; callers using Execute never touch it directly.
//
// It never sleeps and holds no lock while consulting strategies, so retried
// sessions back off on their own goroutine only.
func (h *Handler) HandleError(ctx context.Context, svc Service, code, message string, callCtx map[string]interface{}, sev Severity) Outcome {
	if callCtx == nil {
		callCtx = map[string]interface{}{}
	}
	retryCount, _ := callCtx["retry_count"].(int)

	serr := ServiceError{
		Service:    svc,
		Code:       code,
		Message:    message,
		Class:      Classify(code),
		Severity:   sev,
		Timestamp:  h.now(),
		Context:    callCtx,
		RetryCount: retryCount,
	}
	h.history.add(serr)
	metrics.ExternalErrors.WithLabelValues(string(svc), code).Inc()

	label := h.healthLabel(svc)
	h.logger.Warn("External service error",
		zap.String("service", string(svc)),
		zap.String("code", code),
		zap.String("class", string(serr.Class)),
		zap.String("severity", string(sev)),
		zap.String("health", string(label)),
		zap.Int("retry_count", retryCount),
	)

	if h.notifier != nil {
		h.notifier.Publish(alerting.Event{
			Type:      "service_error",
			Service:   string(svc),
			Severity:  string(sev),
			Message:   message,
			Timestamp: serr.Timestamp,
			Data: map[string]interface{}{
				"error_code": code,
				"class":      string(serr.Class),
				"health":     string(label),
			},
		})
	}

	if h.circuitOpen(svc) {
		metrics.CircuitOpens.WithLabelValues(string(svc)).Inc()
		h.logger.Warn("Circuit open, short-circuiting call",
			zap.String("service", string(svc)),
			zap.Duration("retry_after", h.cfg.RetryAfter),
		)
		return Outcome{
			Kind:       OutcomeCircuitOpen,
			Service:    svc,
			RetryAfter: h.cfg.RetryAfter,
			Message:    string(svc) + " is temporarily unavailable, please retry later",
		}
	}

	if policy, ok := h.cfg.Retry[string(svc)]; ok && retryCount < policy.MaxRetries {
		wait := backoff(policy.BackoffFactor, retryCount)
		metrics.RetriesScheduled.WithLabelValues(string(svc)).Inc()
		return Outcome{
			Kind:       OutcomeRetry,
			Service:    svc,
			Wait:       wait,
			RetryCount: retryCount + 1,
		}
	}

	return h.fallback(ctx, serr)
}

// backoff computes factor^attempt seconds, capped at one minute.
func backoff(factor float64, attempt int) time.Duration {
	if factor <= 1 {
		factor = 1.5
	}
	secs := math.Pow(factor, float64(attempt))
	if secs > 60 {
		secs = 60
	}
	return time.Duration(secs * float64(time.Second))
}

func (h *Handler) fallback(ctx context.Context, serr ServiceError) Outcome {
	for _, s := range h.strategies {
		if !s.Applicable(serr) {
			continue
		}
		result, err := s.Execute(ctx, serr.Context)
		if err != nil {
			h.logger.Error("Fallback strategy failed",
				zap.String("strategy", s.Name()),
				zap.Error(err),
			)
			continue
		}
		metrics.FallbacksExecuted.WithLabelValues(string(serr.Service), s.Name()).Inc()
		return Outcome{
			Kind:    OutcomeFallback,
			Service: serr.Service,
			Result:  result,
		}
	}

	metrics.FallbacksExecuted.WithLabelValues(string(serr.Service), "default").Inc()
	return Outcome{
		Kind:    OutcomeDegraded,
		Service: serr.Service,
		Result: &FallbackResult{
			Content:      string(serr.Service) + " is temporarily unavailable, please retry shortly",
			IsFallback:   true,
			FallbackType: "default",
		},
		Message: serr.Code,
	}
}

// CircuitOpen reports whether the service's derived circuit is open. Callers
// check this before attempting a call so an open circuit skips the provider
// entirely.
func (h *Handler) CircuitOpen(svc Service) bool {
	return h.circuitOpen(svc)
}

func (h *Handler) circuitOpen(svc Service) bool {
	cutoff := h.now().Add(-h.cfg.CircuitWindow)
	return h.history.countRecent(svc, cutoff) >= h.cfg.CircuitThreshold
}

// RetryAfter is the suggested cool-off while a circuit is open.
func (h *Handler) RetryAfter() time.Duration {
	return h.cfg.RetryAfter
}

func (h *Handler) healthLabel(svc Service) HealthLabel {
	cutoff := h.now().Add(-h.cfg.CircuitWindow)
	n := h.history.countRecent(svc, cutoff)
	switch {
	case n >= h.cfg.CircuitThreshold:
		return HealthCritical
	case n >= h.cfg.DegradedErrors:
		return HealthDegraded
	default:
		return HealthHealthy
	}
}

// ServiceHealth returns the health snapshot for every known service.
func (h *Handler) ServiceHealth() []ServiceStatus {
	services := []Service{ServiceGeneration, ServiceKnowledge, ServiceWebSearch, ServiceExternal}
	cutoff := h.now().Add(-h.cfg.CircuitWindow)
	out := make([]ServiceStatus, 0, len(services))
	for _, svc := range services {
		out = append(out, ServiceStatus{
			Service:       svc,
			Status:        h.healthLabel(svc),
			RecentErrors:  h.history.countRecent(svc, cutoff),
			LastErrorTime: h.history.lastErrorTime(svc),
			CircuitOpen:   h.circuitOpen(svc),
		})
	}
	return out
}

// ResetCircuit marks a service's recent errors resolved, closing its circuit.
func (h *Handler) ResetCircuit(svc Service) {
	n := h.history.resolveService(svc)
	h.logger.Info("Circuit reset",
		zap.String("service", string(svc)),
		zap.Int("resolved_errors", n),
	)
}

// Stats aggregates recorded errors over the window for diagnostics.
func (h *Handler) Stats(window time.Duration) map[string]interface{} {
	cutoff := h.now().Add(-window)
	errs := h.history.recent("", cutoff)
	byService := make(map[string]int)
	bySeverity := make(map[string]int)
	for _, e := range errs {
		byService[string(e.Service)]++
		bySeverity[string(e.Severity)]++
	}
	return map[string]interface{}{
		"window":      window.String(),
		"total":       len(errs),
		"by_service":  byService,
		"by_severity": bySeverity,
	}
}
