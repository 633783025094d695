package state

import (
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lumilearn/orchestrator/internal/config"
)

// CompletionReason explains why a loop was closed. The evaluation order is
// fixed: when several conditions hold at once, the earliest in this list is
// the one reported.
type CompletionReason string

const (
	ReasonNone          CompletionReason = ""
	ReasonTurnLimit     CompletionReason = "turn_limit"
	ReasonDuration      CompletionReason = "duration"
	ReasonKeyword       CompletionReason = "completion_keyword"
	ReasonAgentCoverage CompletionReason = "agent_coverage"
	ReasonRepetition    CompletionReason = "repeated_question"
)

// Lifecycle manages learning-loop completion, summarization and compaction.
// It is stateless apart from its configuration; all loop data lives in the
// SessionState it is handed.
type Lifecycle struct {
	mu     sync.RWMutex
	cfg    config.LoopConfig
	logger *zap.Logger
}

// NewLifecycle creates a lifecycle manager with the given loop configuration.
func NewLifecycle(cfg config.LoopConfig, logger *zap.Logger) *Lifecycle {
	return &Lifecycle{cfg: normalizeLoopConfig(cfg), logger: logger}
}

func normalizeLoopConfig(cfg config.LoopConfig) config.LoopConfig {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = 50
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = 60 * time.Minute
	}
	if cfg.RepetitionOverlap <= 0 {
		cfg.RepetitionOverlap = 0.6
	}
	if cfg.MaxSummaries <= 0 {
		cfg.MaxSummaries = 5
	}
	if cfg.CompressThreshold <= 0 {
		cfg.CompressThreshold = 50
	}
	if cfg.CompressKeepRecent <= 0 {
		cfg.CompressKeepRecent = 30
	}
	if len(cfg.CompletionKeywords) == 0 {
		cfg.CompletionKeywords = []string{"done", "next", "enough"}
	}
	if len(cfg.RequiredAgents) == 0 {
		cfg.RequiredAgents = []string{"educator", "quiz", "evaluator"}
	}
	return cfg
}

// SetConfig swaps in reloaded loop thresholds; unset values fall back to the
// constructor defaults. Safe to call while sessions are being processed.
func (l *Lifecycle) SetConfig(cfg config.LoopConfig) {
	l.mu.Lock()
	l.cfg = normalizeLoopConfig(cfg)
	l.mu.Unlock()
}

func (l *Lifecycle) config() config.LoopConfig {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// ShouldComplete evaluates the completion conditions in priority order:
// turn count, loop age, completion keyword, required-agent coverage, then
// repeated-question stagnation. The first condition that holds wins.
func (l *Lifecycle) ShouldComplete(s *SessionState) (bool, CompletionReason) {
	cfg := l.config()
	if len(s.Turns) >= cfg.MaxTurns {
		return true, ReasonTurnLimit
	}
	if time.Since(s.LoopStartTime) >= cfg.MaxDuration {
		return true, ReasonDuration
	}
	if hasCompletionKeyword(s.RecentUserMessages(3), cfg.CompletionKeywords) {
		return true, ReasonKeyword
	}
	if hasAgentCoverage(s, cfg.RequiredAgents) {
		return true, ReasonAgentCoverage
	}
	if hasRepetition(s.RecentUserMessages(3), cfg.RepetitionOverlap) {
		return true, ReasonRepetition
	}
	return false, ReasonNone
}

func hasCompletionKeyword(msgs, keywords []string) bool {
	for _, msg := range msgs {
		lower := strings.ToLower(msg)
		for _, kw := range keywords {
			if strings.Contains(lower, kw) {
				return true
			}
		}
	}
	return false
}

// hasAgentCoverage holds when every required agent has appeared among the
// most recent turns, meaning a full theory-quiz-feedback cycle has run.
func hasAgentCoverage(s *SessionState, required []string) bool {
	turns := s.Turns
	if len(turns) > 10 {
		turns = turns[len(turns)-10:]
	}
	seen := make(map[string]bool)
	for _, t := range turns {
		seen[t.Agent] = true
	}
	for _, agent := range required {
		if !seen[agent] {
			return false
		}
	}
	return true
}

// hasRepetition flags stagnation: the learner asking near-identical questions.
// Any pair among the last three user messages with word-level Jaccard overlap
// above the configured threshold counts.
func hasRepetition(msgs []string, overlap float64) bool {
	if len(msgs) < 2 {
		return false
	}
	for i := 0; i < len(msgs); i++ {
		for j := i + 1; j < len(msgs); j++ {
			if jaccard(msgs[i], msgs[j]) > overlap {
				return true
			}
		}
	}
	return false
}

func jaccard(a, b string) float64 {
	setA := wordSet(a)
	setB := wordSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	inter := 0
	for w := range setA {
		if setB[w] {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	return float64(inter) / float64(union)
}

func wordSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, ".,!?;:\"'")
		if w != "" {
			set[w] = true
		}
	}
	return set
}

// Complete closes the current loop: it synthesizes a summary, appends it with
// FIFO eviction at the capacity bound, clears the turn list and starts a new
// loop id. Completing an empty loop only rotates the loop id.
func (l *Lifecycle) Complete(s *SessionState) {
	if len(s.Turns) > 0 {
		summary := l.summarize(s)
		s.LoopSummaries = append(s.LoopSummaries, summary)
		if over := len(s.LoopSummaries) - l.config().MaxSummaries; over > 0 {
			s.LoopSummaries = s.LoopSummaries[over:]
		}
		if l.logger != nil {
			l.logger.Info("Learning loop completed",
				zap.String("loop_id", summary.LoopID),
				zap.Int("turns", summary.TurnCount),
				zap.Duration("duration", summary.Duration),
				zap.Strings("agents", summary.AgentsUsed),
			)
		}
	}
	s.Turns = s.Turns[:0]
	s.LoopID = uuid.New().String()
	s.LoopStartTime = time.Now()
}

func (l *Lifecycle) summarize(s *SessionState) LoopSummary {
	now := time.Now()
	summary := LoopSummary{
		LoopID:     s.LoopID,
		Chapter:    s.Chapter,
		StartedAt:  s.LoopStartTime,
		EndedAt:    now,
		Duration:   now.Sub(s.LoopStartTime),
		TurnCount:  len(s.Turns),
		AgentsUsed: s.AgentsInLoop(),
	}
	for _, t := range s.Turns {
		if len(summary.Topics) >= 3 {
			break
		}
		msg := strings.TrimSpace(t.UserMessage)
		if msg == "" {
			continue
		}
		summary.Topics = append(summary.Topics, truncate(msg, 100))
	}
	return summary
}

// OptimizeSize compresses the turn list when it grows past the configured
// threshold: everything but the most recent turns collapses into a single
// synthetic summary turn at sequence 0, keeping ordering intact.
func (l *Lifecycle) OptimizeSize(s *SessionState) {
	cfg := l.config()
	if len(s.Turns) <= cfg.CompressThreshold {
		return
	}
	keep := cfg.CompressKeepRecent
	older := s.Turns[:len(s.Turns)-keep]
	recent := s.Turns[len(s.Turns)-keep:]

	userCount, systemCount := 0, 0
	for _, t := range older {
		if t.UserMessage != "" {
			userCount++
		}
		if t.SystemResponse != "" {
			systemCount++
		}
	}
	digest := fmt.Sprintf("[compacted %d earlier turns: %d user messages, %d system responses]",
		len(older), userCount, systemCount)

	summaryTurn := ConversationTurn{
		Agent:          "system",
		SystemResponse: digest,
		Timestamp:      older[0].Timestamp,
		Sequence:       0,
	}
	compacted := make([]ConversationTurn, 0, keep+1)
	compacted = append(compacted, summaryTurn)
	compacted = append(compacted, recent...)
	s.Turns = compacted

	if l.logger != nil {
		l.logger.Debug("Compacted session turns",
			zap.Int("compressed", len(older)),
			zap.Int("kept", keep),
		)
	}
}

// truncate cuts s to at most n bytes without splitting a UTF-8 rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
