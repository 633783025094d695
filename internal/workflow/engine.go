// Package workflow sequences the tutoring agents over a session. Each
// learner message runs one bounded walk through the node graph; between
// messages the workflow holds no state of its own.
package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lumilearn/orchestrator/internal/config"
	"github.com/lumilearn/orchestrator/internal/metrics"
	"github.com/lumilearn/orchestrator/internal/state"
)

// Engine executes the tutoring graph. It is safe for concurrent use across
// sessions because all per-session data lives in the SessionState.
type Engine struct {
	nodes     map[Node]Agent
	lifecycle *state.Lifecycle
	mu        sync.RWMutex
	cfg       config.WorkflowConfig
	logger    *zap.Logger
}

// NewEngine wires the agents into the graph.
func NewEngine(supervisor, educator, quiz, evaluator, qna Agent, lifecycle *state.Lifecycle, cfg config.WorkflowConfig, logger *zap.Logger) *Engine {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = 50
	}
	return &Engine{
		nodes: map[Node]Agent{
			NodeSupervisor: supervisor,
			NodeEducator:   educator,
			NodeQuiz:       quiz,
			NodeEvaluator:  evaluator,
			NodeQnA:        qna,
		},
		lifecycle: lifecycle,
		cfg:       cfg,
		logger:    logger,
	}
}

// SetConfig swaps in reloaded workflow settings; an unset step cap falls back
// to the constructor default. Walks already in flight keep the cap they
// started with.
func (e *Engine) SetConfig(cfg config.WorkflowConfig) {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = 50
	}
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
}

func (e *Engine) maxSteps() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg.MaxSteps
}

// shouldContinue is the loop guard: the walk stops at the end node, on the
// step cap, and when the state has entered error mode.
func (e *Engine) shouldContinue(node Node, steps, limit int, s *state.SessionState) bool {
	if node == NodeEnd {
		return false
	}
	if steps >= limit {
		return false
	}
	if s.UIMode == state.UIModeError {
		return false
	}
	return true
}

// ProcessMessage runs one learner message through the graph, mutating the
// session state in place. Agent failures degrade the state instead of
// propagating; only context cancellation and state corruption return errors.
func (e *Engine) ProcessMessage(ctx context.Context, s *state.SessionState, message string) error {
	return e.run(ctx, s, message, nil)
}

// ProcessMessageStream is ProcessMessage with progress streaming: after every
// executed node a deep copy of the state is sent on updates. The channel is
// closed when the walk finishes. Consumers own the copies.
func (e *Engine) ProcessMessageStream(ctx context.Context, s *state.SessionState, message string, updates chan<- *state.SessionState) error {
	defer close(updates)
	return e.run(ctx, s, message, updates)
}

func (e *Engine) run(ctx context.Context, s *state.SessionState, message string, updates chan<- *state.SessionState) error {
	s.UserMessage = message

	node := NodeStart
	steps := 0
	limit := e.maxSteps()
	for e.shouldContinue(node, steps, limit, s) {
		if err := ctx.Err(); err != nil {
			metrics.WorkflowRuns.WithLabelValues("cancelled").Inc()
			return fmt.Errorf("workflow cancelled at %s: %w", node, err)
		}

		next := route(node, s)
		if agent, ok := e.nodes[next]; ok {
			e.executeNode(ctx, next, agent, s)
		}
		if updates != nil && next != NodeEnd {
			select {
			case updates <- s.Clone():
			case <-ctx.Done():
				metrics.WorkflowRuns.WithLabelValues("cancelled").Inc()
				return ctx.Err()
			}
		}
		node = next
		steps++
	}

	if steps >= limit {
		e.logger.Error("Workflow hit step cap, aborting walk",
			zap.String("user_id", s.UserID),
			zap.Int("steps", steps),
		)
		s.SetError("Something went wrong processing that message. Please try again.")
		metrics.WorkflowRuns.WithLabelValues("step_cap").Inc()
	}

	e.closeLoopIfDue(s)

	if err := state.Validate(s); err != nil {
		metrics.WorkflowRuns.WithLabelValues("invalid_state").Inc()
		return fmt.Errorf("post-run state validation: %w", err)
	}
	if s.UIMode == state.UIModeError {
		metrics.WorkflowRuns.WithLabelValues("degraded").Inc()
	} else {
		metrics.WorkflowRuns.WithLabelValues("ok").Inc()
	}
	return nil
}

func (e *Engine) executeNode(ctx context.Context, node Node, agent Agent, s *state.SessionState) {
	start := time.Now()
	err := agent.Execute(ctx, s)
	metrics.NodeDuration.WithLabelValues(node.String()).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.WorkflowSteps.WithLabelValues(node.String(), "error").Inc()
		e.logger.Error("Node execution failed",
			zap.String("node", node.String()),
			zap.String("user_id", s.UserID),
			zap.Error(err),
		)
		s.SetError("Something went wrong. Please try again in a moment.")
		return
	}
	metrics.WorkflowSteps.WithLabelValues(node.String(), "ok").Inc()
	e.logger.Debug("Node executed",
		zap.String("node", node.String()),
		zap.String("user_id", s.UserID),
		zap.Duration("took", time.Since(start)),
	)
}

// closeLoopIfDue applies the learning-loop lifecycle after the walk: loop
// completion by any of the configured conditions, then turn compaction.
func (e *Engine) closeLoopIfDue(s *state.SessionState) {
	if e.lifecycle == nil {
		return
	}
	if done, reason := e.lifecycle.ShouldComplete(s); done {
		metrics.LoopsCompleted.WithLabelValues(string(reason)).Inc()
		metrics.SessionTurns.Observe(float64(len(s.Turns)))
		e.logger.Info("Learning loop closing",
			zap.String("user_id", s.UserID),
			zap.String("reason", string(reason)),
		)
		e.lifecycle.Complete(s)
		s.CurrentStage = state.StageCompleted
	}
	e.lifecycle.OptimizeSize(s)
}
