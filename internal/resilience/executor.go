package resilience

import (
	"context"
	"time"

	"github.com/lumilearn/orchestrator/internal/metrics"
)

// CallError is how an executed function reports a classified failure.
type CallError struct {
	Code     string
	Message  string
	Severity Severity
}

func (e *CallError) Error() string { return e.Code + ": " + e.Message }

// NewCallError builds a classified call failure.
func NewCallError(code, message string, sev Severity) *CallError {
	return &CallError{Code: code, Message: message, Severity: sev}
}

// Execute runs fn under the full resilience envelope: circuit pre-check,
// per-service retry with backoff, and fallback on exhaustion. On success it
// returns (result, nil, Outcome{}); on a terminal failure the Outcome carries
// the degraded result. Backoff sleeps respect ctx cancellation.
func (h *Handler) Execute(ctx context.Context, svc Service, callCtx map[string]interface{}, fn func(ctx context.Context) (interface{}, error)) (interface{}, Outcome, error) {
	if callCtx == nil {
		callCtx = map[string]interface{}{}
	}

	if h.circuitOpen(svc) {
		metrics.CircuitOpens.WithLabelValues(string(svc)).Inc()
		return nil, Outcome{
			Kind:       OutcomeCircuitOpen,
			Service:    svc,
			RetryAfter: h.cfg.RetryAfter,
			Message:    string(svc) + " is temporarily unavailable, please retry later",
		}, nil
	}

	for {
		start := h.now()
		result, err := fn(ctx)
		metrics.ExternalCallLatency.WithLabelValues(string(svc)).Observe(h.now().Sub(start).Seconds())
		if err == nil {
			metrics.ExternalCalls.WithLabelValues(string(svc), "ok").Inc()
			return result, Outcome{}, nil
		}
		metrics.ExternalCalls.WithLabelValues(string(svc), "error").Inc()

		code, message, sev := "unknown_error", err.Error(), SeverityMedium
		if ce, ok := err.(*CallError); ok {
			code, message, sev = ce.Code, ce.Message, ce.Severity
		}

		outcome := h.HandleError(ctx, svc, code, message, callCtx, sev)
		if outcome.Kind != OutcomeRetry {
			return nil, outcome, nil
		}

		callCtx["retry_count"] = outcome.RetryCount
		select {
		case <-ctx.Done():
			return nil, Outcome{}, ctx.Err()
		case <-time.After(outcome.Wait):
		}
	}
}
