// Package alerting evaluates error events against operator-defined rules and
// dispatches notifications through pluggable channels. It is fire-and-forget:
// a failing channel never blocks or fails the calling path.
package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lumilearn/orchestrator/internal/metrics"
)

// Event is one occurrence worth evaluating against the alert rules.
type Event struct {
	Type      string                 `json:"type"`
	Service   string                 `json:"service"`
	Severity  string                 `json:"severity"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Rule matches events and names the channels to notify. Empty Service or
// EventType fields match anything. MinSeverity is inclusive on the
// low < medium < high < critical ordering.
type Rule struct {
	Name            string
	Service         string
	EventType       string
	MinSeverity     string
	Message         string
	Channels        []string
	CooldownMinutes int
}

var severityRank = map[string]int{
	"low":      0,
	"medium":   1,
	"high":     2,
	"critical": 3,
}

func (r Rule) matches(e Event) bool {
	if r.Service != "" && r.Service != e.Service {
		return false
	}
	if r.EventType != "" && r.EventType != e.Type {
		return false
	}
	if r.MinSeverity != "" && severityRank[e.Severity] < severityRank[r.MinSeverity] {
		return false
	}
	return true
}

// Channel delivers one alert notification.
type Channel interface {
	Name() string
	Send(ctx context.Context, rule Rule, event Event) error
}

// Alert is a fired rule kept in the bounded history for inspection.
type Alert struct {
	Rule      string    `json:"rule"`
	Service   string    `json:"service"`
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Channels  []string  `json:"channels"`
}

// Dispatcher evaluates events against rules, applies per-rule cooldowns and
// fans out to channels. Publish is safe for concurrent use.
type Dispatcher struct {
	mu        sync.Mutex
	rules     []Rule
	channels  map[string]Channel
	lastFired map[string]time.Time
	history   []Alert
	capacity  int
	logger    *zap.Logger
	now       func() time.Time
}

// NewDispatcher creates a dispatcher with the given rules and history bound.
func NewDispatcher(rules []Rule, historySize int, logger *zap.Logger) *Dispatcher {
	if historySize <= 0 {
		historySize = 500
	}
	return &Dispatcher{
		rules:     rules,
		channels:  make(map[string]Channel),
		lastFired: make(map[string]time.Time),
		capacity:  historySize,
		logger:    logger,
		now:       time.Now,
	}
}

// RegisterChannel makes a delivery channel available to rules by name.
func (d *Dispatcher) RegisterChannel(c Channel) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.channels[c.Name()] = c
}

// Publish evaluates the event against every rule. Rules in cooldown are
// skipped silently. Channel errors are logged and swallowed.
func (d *Dispatcher) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = d.now()
	}

	d.mu.Lock()
	var fired []Rule
	for _, rule := range d.rules {
		if !rule.matches(event) {
			continue
		}
		if cooldown := time.Duration(rule.CooldownMinutes) * time.Minute; cooldown > 0 {
			if last, ok := d.lastFired[rule.Name]; ok && d.now().Sub(last) < cooldown {
				continue
			}
		}
		d.lastFired[rule.Name] = d.now()
		fired = append(fired, rule)
		d.record(Alert{
			Rule:      rule.Name,
			Service:   event.Service,
			Severity:  event.Severity,
			Message:   d.renderMessage(rule, event),
			Timestamp: event.Timestamp,
			Channels:  rule.Channels,
		})
	}
	channels := d.channels
	d.mu.Unlock()

	for _, rule := range fired {
		metrics.AlertsFired.WithLabelValues(rule.Name).Inc()
		for _, name := range rule.Channels {
			ch, ok := channels[name]
			if !ok {
				d.logger.Warn("Alert rule references unknown channel",
					zap.String("rule", rule.Name),
					zap.String("channel", name),
				)
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := ch.Send(ctx, rule, event); err != nil {
				d.logger.Error("Alert channel delivery failed",
					zap.String("rule", rule.Name),
					zap.String("channel", name),
					zap.Error(err),
				)
			}
			cancel()
		}
	}
}

// record appends to the bounded history; caller holds the lock.
func (d *Dispatcher) record(a Alert) {
	d.history = append(d.history, a)
	if over := len(d.history) - d.capacity; over > 0 {
		d.history = d.history[over:]
	}
}

func (d *Dispatcher) renderMessage(rule Rule, event Event) string {
	if rule.Message != "" {
		return rule.Message
	}
	return fmt.Sprintf("[%s] %s: %s", event.Severity, event.Service, event.Message)
}

// History returns the most recent alerts, newest last, up to limit.
func (d *Dispatcher) History(limit int) []Alert {
	d.mu.Lock()
	defer d.mu.Unlock()
	h := d.history
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	out := make([]Alert, len(h))
	copy(out, h)
	return out
}

// LogChannel writes alerts through the structured logger.
type LogChannel struct {
	Logger *zap.Logger
}

func (c *LogChannel) Name() string { return "log" }

func (c *LogChannel) Send(_ context.Context, rule Rule, event Event) error {
	c.Logger.Warn("ALERT",
		zap.String("rule", rule.Name),
		zap.String("service", event.Service),
		zap.String("severity", event.Severity),
		zap.String("message", event.Message),
	)
	return nil
}

// ConsoleChannel prints alerts to stdout for interactive runs.
type ConsoleChannel struct{}

func (c *ConsoleChannel) Name() string { return "console" }

func (c *ConsoleChannel) Send(_ context.Context, rule Rule, event Event) error {
	fmt.Printf("🚨 [%s] %s: %s (%s)\n", event.Severity, rule.Name, event.Message, event.Service)
	return nil
}

// WebhookChannel POSTs the alert as JSON to a configured endpoint.
type WebhookChannel struct {
	URL    string
	Client *http.Client
}

func (c *WebhookChannel) Name() string { return "webhook" }

func (c *WebhookChannel) Send(ctx context.Context, rule Rule, event Event) error {
	if c.URL == "" {
		return fmt.Errorf("webhook channel has no URL configured")
	}
	payload, err := json.Marshal(map[string]interface{}{
		"rule":      rule.Name,
		"service":   event.Service,
		"severity":  event.Severity,
		"message":   event.Message,
		"timestamp": event.Timestamp.Format(time.RFC3339),
		"data":      event.Data,
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := c.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// EmailChannel is a stub: delivery is logged, not sent. SMTP integration is
// deployment-specific.
type EmailChannel struct {
	Logger *zap.Logger
}

func (c *EmailChannel) Name() string { return "email" }

func (c *EmailChannel) Send(_ context.Context, rule Rule, event Event) error {
	c.Logger.Info("Email alert suppressed (no SMTP configured)",
		zap.String("rule", rule.Name),
		zap.String("message", event.Message),
	)
	return nil
}

// DefaultRules is the built-in rule set used when the config carries none.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:            "critical_service_error",
			EventType:       "service_error",
			MinSeverity:     "critical",
			Message:         "Critical service error detected",
			Channels:        []string{"log", "console"},
			CooldownMinutes: 5,
		},
		{
			Name:            "service_down",
			EventType:       "status_change",
			MinSeverity:     "high",
			Message:         "Service health transitioned to down",
			Channels:        []string{"log", "console"},
			CooldownMinutes: 10,
		},
		{
			Name:            "high_error_rate",
			EventType:       "service_error",
			MinSeverity:     "high",
			Message:         "Elevated error rate on external service",
			Channels:        []string{"log"},
			CooldownMinutes: 5,
		},
	}
}
