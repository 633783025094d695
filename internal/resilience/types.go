package resilience

import (
	"context"
	"time"
)

// Service identifies an external collaborator for error accounting,
// circuit breaking and fallback selection.
type Service string

const (
	ServiceGeneration Service = "generation"
	ServiceKnowledge  Service = "knowledge"
	ServiceWebSearch  Service = "websearch"
	ServiceExternal   Service = "external"
)

// Severity grades how serious a service error is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Class is the error taxonomy by kind rather than by Go type.
type Class string

const (
	ClassTransient  Class = "transient_network"
	ClassAuth       Class = "authentication"
	ClassQuota      Class = "quota"
	ClassMalformed  Class = "malformed_response"
	ClassInit       Class = "init_failure"
	ClassValidation Class = "validation"
)

// Classify maps an error code string onto the taxonomy. Codes follow the
// convention <kind>_<detail>, so prefix matching is enough.
func Classify(code string) Class {
	switch {
	case hasAnyPrefix(code, "timeout", "network", "connection", "unavailable"):
		return ClassTransient
	case hasAnyPrefix(code, "auth", "credential", "unauthorized", "forbidden"):
		return ClassAuth
	case hasAnyPrefix(code, "rate_limit", "quota", "too_many"):
		return ClassQuota
	case hasAnyPrefix(code, "parse", "malformed", "decode", "schema"):
		return ClassMalformed
	case hasAnyPrefix(code, "init", "startup"):
		return ClassInit
	case hasAnyPrefix(code, "validation", "invalid_input"):
		return ClassValidation
	default:
		return ClassTransient
	}
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if len(s) >= len(p) && s[:len(p)] == p {
			return true
		}
	}
	return false
}

// ServiceError is one recorded failure of an external call.
type ServiceError struct {
	Service    Service
	Code       string
	Message    string
	Class      Class
	Severity   Severity
	Timestamp  time.Time
	Context    map[string]interface{}
	RetryCount int
	Resolved   bool
}

// HealthLabel is the derived per-service health from recent error density.
type HealthLabel string

const (
	HealthHealthy  HealthLabel = "healthy"
	HealthDegraded HealthLabel = "degraded"
	HealthCritical HealthLabel = "critical"
)

// OutcomeKind is the disposition HandleError reaches for a failed call.
type OutcomeKind string

const (
	OutcomeRetry       OutcomeKind = "retry"
	OutcomeCircuitOpen OutcomeKind = "circuit_open"
	OutcomeFallback    OutcomeKind = "fallback"
	OutcomeDegraded    OutcomeKind = "degraded"
)

// Outcome is the first-class result of error handling. Exactly one of the
// kind-specific fields is meaningful, keyed by Kind.
type Outcome struct {
	Kind       OutcomeKind
	Service    Service
	Wait       time.Duration // OutcomeRetry: backoff before the next attempt
	RetryCount int           // OutcomeRetry: attempts consumed so far
	RetryAfter time.Duration // OutcomeCircuitOpen: suggested cool-off
	Result     *FallbackResult
	Message    string
}

// FallbackResult is shaped like a successful call so downstream code needs
// no fallback-specific branching. IsFallback is the only marker.
type FallbackResult struct {
	Content         string
	Results         []FallbackEntry
	IsFallback      bool
	FallbackType    string
	SuggestedAction string
	Sources         []string
}

// FallbackEntry mirrors a search/knowledge hit produced by a degraded path.
type FallbackEntry struct {
	Content   string
	Source    string
	Relevance float64
}

// Strategy produces a degraded but well-formed result for a failed service.
// Strategies are consulted in registration order; the first applicable one
// wins.
type Strategy interface {
	Name() string
	Applicable(err ServiceError) bool
	Execute(ctx context.Context, callCtx map[string]interface{}) (*FallbackResult, error)
}

// ServiceStatus is the externally visible health snapshot for one service.
type ServiceStatus struct {
	Service       Service     `json:"service"`
	Status        HealthLabel `json:"status"`
	RecentErrors  int         `json:"recent_errors"`
	LastErrorTime time.Time   `json:"last_error_time"`
	CircuitOpen   bool        `json:"circuit_open"`
}
