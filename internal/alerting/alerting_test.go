package alerting

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type captureChannel struct {
	mu    sync.Mutex
	sends []Event
}

func (c *captureChannel) Name() string { return "capture" }

func (c *captureChannel) Send(_ context.Context, _ Rule, event Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sends = append(c.sends, event)
	return nil
}

func (c *captureChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sends)
}

func TestRuleMatching(t *testing.T) {
	rule := Rule{Service: "generation", EventType: "service_error", MinSeverity: "high"}

	assert.True(t, rule.matches(Event{Service: "generation", Type: "service_error", Severity: "high"}))
	assert.True(t, rule.matches(Event{Service: "generation", Type: "service_error", Severity: "critical"}))
	assert.False(t, rule.matches(Event{Service: "generation", Type: "service_error", Severity: "medium"}))
	assert.False(t, rule.matches(Event{Service: "knowledge", Type: "service_error", Severity: "high"}))
	assert.False(t, rule.matches(Event{Service: "generation", Type: "status_change", Severity: "high"}))
}

func TestWildcardRuleMatchesAnyServiceAndType(t *testing.T) {
	rule := Rule{MinSeverity: "medium"}
	assert.True(t, rule.matches(Event{Service: "anything", Type: "whatever", Severity: "medium"}))
	assert.False(t, rule.matches(Event{Service: "anything", Type: "whatever", Severity: "low"}))
}

func TestDispatchAndHistory(t *testing.T) {
	ch := &captureChannel{}
	d := NewDispatcher([]Rule{
		{Name: "any_error", EventType: "service_error", Channels: []string{"capture"}},
	}, 10, zap.NewNop())
	d.RegisterChannel(ch)

	d.Publish(Event{Type: "service_error", Service: "generation", Severity: "high", Message: "boom"})

	assert.Equal(t, 1, ch.count())
	history := d.History(0)
	require.Len(t, history, 1)
	assert.Equal(t, "any_error", history[0].Rule)
	assert.Equal(t, "generation", history[0].Service)
}

func TestCooldownSuppressesRepeatAlerts(t *testing.T) {
	ch := &captureChannel{}
	d := NewDispatcher([]Rule{
		{Name: "throttled", EventType: "service_error", Channels: []string{"capture"}, CooldownMinutes: 5},
	}, 10, zap.NewNop())
	d.RegisterChannel(ch)

	base := time.Now()
	d.now = func() time.Time { return base }

	event := Event{Type: "service_error", Service: "generation", Severity: "high", Message: "boom"}
	d.Publish(event)
	d.Publish(event)
	assert.Equal(t, 1, ch.count(), "second publish inside cooldown must be suppressed")

	d.now = func() time.Time { return base.Add(6 * time.Minute) }
	d.Publish(event)
	assert.Equal(t, 2, ch.count(), "cooldown expiry re-arms the rule")
}

func TestHistoryIsBounded(t *testing.T) {
	d := NewDispatcher([]Rule{
		{Name: "any", EventType: "service_error"},
	}, 3, zap.NewNop())

	for i := 0; i < 5; i++ {
		d.Publish(Event{Type: "service_error", Service: "x", Severity: "low"})
	}
	assert.Len(t, d.History(0), 3)
}

func TestUnknownChannelDoesNotPanic(t *testing.T) {
	d := NewDispatcher([]Rule{
		{Name: "ghost", EventType: "service_error", Channels: []string{"nope"}},
	}, 10, zap.NewNop())

	assert.NotPanics(t, func() {
		d.Publish(Event{Type: "service_error", Service: "x", Severity: "low"})
	})
}

func TestWebhookChannel(t *testing.T) {
	var received map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &received)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ch := &WebhookChannel{URL: srv.URL, Client: srv.Client()}
	err := ch.Send(context.Background(), Rule{Name: "hook"}, Event{
		Service:   "websearch",
		Severity:  "high",
		Message:   "search down",
		Timestamp: time.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, "hook", received["rule"])
	assert.Equal(t, "websearch", received["service"])
}

func TestWebhookChannelRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ch := &WebhookChannel{URL: srv.URL, Client: srv.Client()}
	err := ch.Send(context.Background(), Rule{Name: "hook"}, Event{})
	assert.Error(t, err)
}

func TestDefaultRulesFireOnCriticalError(t *testing.T) {
	matched := false
	for _, rule := range DefaultRules() {
		if rule.matches(Event{Type: "service_error", Service: "generation", Severity: "critical"}) {
			matched = true
		}
	}
	assert.True(t, matched, "default rules must cover critical service errors")
}
