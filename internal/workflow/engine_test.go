package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lumilearn/orchestrator/internal/config"
	"github.com/lumilearn/orchestrator/internal/state"
)

// scriptedAgent records executions and applies a canned mutation.
type scriptedAgent struct {
	name     string
	err      error
	executed int
	mutate   func(s *state.SessionState)
}

func (a *scriptedAgent) Name() string { return a.name }

func (a *scriptedAgent) Execute(_ context.Context, s *state.SessionState) error {
	a.executed++
	if a.err != nil {
		return a.err
	}
	if a.mutate != nil {
		a.mutate(s)
	}
	return nil
}

type agentSet struct {
	supervisor, educator, quiz, evaluator, qna *scriptedAgent
}

func newAgentSet() *agentSet {
	return &agentSet{
		supervisor: &scriptedAgent{name: "supervisor"},
		educator: &scriptedAgent{name: "educator", mutate: func(s *state.SessionState) {
			s.AddTurn("educator", s.UserMessage, "theory content", nil)
			s.SetResponse("theory content", nil)
			s.CurrentStage = state.StageTheory
		}},
		quiz: &scriptedAgent{name: "quiz", mutate: func(s *state.SessionState) {
			s.AddTurn("quiz", s.UserMessage, "quiz question", nil)
			s.SetResponse("quiz question", nil)
			s.CurrentStage = state.StageQuiz
			s.UIMode = state.UIModeQuiz
		}},
		evaluator: &scriptedAgent{name: "evaluator", mutate: func(s *state.SessionState) {
			s.AddTurn("evaluator", s.UserMessage, "feedback", nil)
			s.SetResponse("feedback", nil)
			s.CurrentStage = state.StageFeedback
			s.UIMode = state.UIModeChat
		}},
		qna: &scriptedAgent{name: "qna", mutate: func(s *state.SessionState) {
			restore := state.StageTheory
			if s.CurrentStage == state.StageFeedback {
				restore = state.StageFeedback
			}
			s.AddTurn("qna", s.UserMessage, "answer", nil)
			s.SetResponse("answer", nil)
			s.CurrentStage = restore
		}},
	}
}

func newTestEngine(set *agentSet) *Engine {
	lifecycle := state.NewLifecycle(config.LoopConfig{
		MaxTurns:           50,
		MaxDuration:        time.Hour,
		CompletionKeywords: []string{"enough"},
		RequiredAgents:     []string{"educator", "quiz", "evaluator"},
		RepetitionOverlap:  0.6,
		MaxSummaries:       5,
		CompressThreshold:  50,
		CompressKeepRecent: 30,
	}, zap.NewNop())
	return NewEngine(set.supervisor, set.educator, set.quiz, set.evaluator, set.qna,
		lifecycle, config.WorkflowConfig{MaxSteps: 50}, zap.NewNop())
}

// newBareEngine has no lifecycle, for tests that assert post-run stages
// which loop completion would otherwise rotate away.
func newBareEngine(set *agentSet) *Engine {
	return NewEngine(set.supervisor, set.educator, set.quiz, set.evaluator, set.qna,
		nil, config.WorkflowConfig{MaxSteps: 50}, zap.NewNop())
}

func newSession() *state.SessionState {
	return state.New("user-1", state.KindBeginner, state.LevelLow)
}

func TestFirstMessageGoesToEducator(t *testing.T) {
	set := newAgentSet()
	e := newTestEngine(set)
	s := newSession()

	require.NoError(t, e.ProcessMessage(context.Background(), s, ""))
	assert.Equal(t, 1, set.educator.executed)
	assert.Equal(t, "theory content", s.SystemMessage)
	assert.Equal(t, state.StageTheory, s.CurrentStage)
}

func TestQuizRequestAfterTheoryRoutesToQuiz(t *testing.T) {
	set := newAgentSet()
	e := newTestEngine(set)
	s := newSession()

	require.NoError(t, e.ProcessMessage(context.Background(), s, ""))
	require.NoError(t, e.ProcessMessage(context.Background(), s, "give me a quiz"))

	assert.Equal(t, 1, set.quiz.executed)
	assert.Equal(t, state.StageQuiz, s.CurrentStage)
	assert.Equal(t, state.UIModeQuiz, s.UIMode)
	assert.Equal(t, "quiz question", s.SystemMessage)
}

func TestQuizAnswerRoutesToEvaluator(t *testing.T) {
	set := newAgentSet()
	e := newBareEngine(set)
	s := newSession()

	require.NoError(t, e.ProcessMessage(context.Background(), s, ""))
	require.NoError(t, e.ProcessMessage(context.Background(), s, "give me a quiz"))
	require.NoError(t, e.ProcessMessage(context.Background(), s, "B"))

	assert.Equal(t, 1, set.evaluator.executed)
	assert.Equal(t, state.StageFeedback, s.CurrentStage)
}

func TestQuestionDetoursThroughQnAAndRestoresStage(t *testing.T) {
	set := newAgentSet()
	e := newTestEngine(set)
	s := newSession()

	require.NoError(t, e.ProcessMessage(context.Background(), s, ""))
	require.NoError(t, e.ProcessMessage(context.Background(), s, "what is a neural network?"))

	assert.Equal(t, 1, set.qna.executed)
	assert.Equal(t, state.ReturnNone, s.ReturnRouter, "return router is cleared after the detour")
	assert.Equal(t, state.StageTheory, s.CurrentStage, "stage is restored to where the question came from")
}

func TestQuestionAfterFeedbackReturnsToFeedback(t *testing.T) {
	set := newAgentSet()
	e := newBareEngine(set)
	s := newSession()

	require.NoError(t, e.ProcessMessage(context.Background(), s, ""))
	require.NoError(t, e.ProcessMessage(context.Background(), s, "quiz please"))
	require.NoError(t, e.ProcessMessage(context.Background(), s, "A"))
	require.NoError(t, e.ProcessMessage(context.Background(), s, "why was that wrong?"))

	assert.Equal(t, 1, set.qna.executed)
	assert.Equal(t, state.StageFeedback, s.CurrentStage)
}

func TestProceedAfterFeedbackContinuesTheory(t *testing.T) {
	set := newAgentSet()
	e := newTestEngine(set)
	s := newSession()

	require.NoError(t, e.ProcessMessage(context.Background(), s, ""))
	require.NoError(t, e.ProcessMessage(context.Background(), s, "quiz please"))
	require.NoError(t, e.ProcessMessage(context.Background(), s, "A"))
	educatorBefore := set.educator.executed
	require.NoError(t, e.ProcessMessage(context.Background(), s, "next"))

	assert.Equal(t, educatorBefore+1, set.educator.executed)
}

func TestAgentCoverageCompletesLoop(t *testing.T) {
	set := newAgentSet()
	e := newTestEngine(set)
	s := newSession()

	require.NoError(t, e.ProcessMessage(context.Background(), s, ""))
	require.NoError(t, e.ProcessMessage(context.Background(), s, "quiz please"))
	firstLoop := s.LoopID
	// The evaluator turn completes educator+quiz+evaluator coverage.
	require.NoError(t, e.ProcessMessage(context.Background(), s, "B"))

	assert.NotEqual(t, firstLoop, s.LoopID, "loop rotates on completion")
	assert.Empty(t, s.Turns, "turns reset for the new loop")
	require.Len(t, s.LoopSummaries, 1)
	assert.Equal(t, firstLoop, s.LoopSummaries[0].LoopID)
	assert.ElementsMatch(t, []string{"educator", "quiz", "evaluator"}, s.LoopSummaries[0].AgentsUsed)
	assert.Equal(t, state.StageCompleted, s.CurrentStage)
}

func TestNodeFailureDegradesState(t *testing.T) {
	set := newAgentSet()
	set.educator.err = errors.New("provider exploded")
	e := newTestEngine(set)
	s := newSession()

	require.NoError(t, e.ProcessMessage(context.Background(), s, ""), "agent failure must not fail the run")
	assert.Equal(t, state.UIModeError, s.UIMode)
	assert.NotEmpty(t, s.SystemMessage)
}

func TestCancelledContext(t *testing.T) {
	set := newAgentSet()
	e := newTestEngine(set)
	s := newSession()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := e.ProcessMessage(ctx, s, "hello")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, set.supervisor.executed, "no node runs after cancellation")
}

func TestStreamingEmitsCopies(t *testing.T) {
	set := newAgentSet()
	e := newTestEngine(set)
	s := newSession()

	updates := make(chan *state.SessionState, 16)
	require.NoError(t, e.ProcessMessageStream(context.Background(), s, "", updates))

	var snapshots []*state.SessionState
	for snap := range updates {
		snapshots = append(snapshots, snap)
	}
	require.NotEmpty(t, snapshots)
	for _, snap := range snapshots {
		assert.NotSame(t, s, snap, "observers get copies, never the live state")
	}
	last := snapshots[len(snapshots)-1]
	assert.Equal(t, "theory content", last.SystemMessage)
}

func TestStepCapAborts(t *testing.T) {
	set := newAgentSet()
	// Educator that never terminates the walk: it keeps the stage in a state
	// whose route loops back through the supervisor chain.
	e := NewEngine(set.supervisor, set.educator, set.quiz, set.evaluator, set.qna,
		nil, config.WorkflowConfig{MaxSteps: 2}, zap.NewNop())
	s := newSession()

	require.NoError(t, e.ProcessMessage(context.Background(), s, "hello there"))
	assert.Equal(t, state.UIModeError, s.UIMode, "step cap forces the degraded error state")
}

func TestSetConfigAppliesNewStepCap(t *testing.T) {
	set := newAgentSet()
	e := newBareEngine(set)
	s := newSession()

	e.SetConfig(config.WorkflowConfig{MaxSteps: 2})
	require.NoError(t, e.ProcessMessage(context.Background(), s, "hello there"))
	assert.Equal(t, state.UIModeError, s.UIMode, "reloaded step cap is enforced on the next walk")
}

func TestPostRunValidation(t *testing.T) {
	set := newAgentSet()
	set.educator.mutate = func(s *state.SessionState) {
		s.CurrentStage = "nonsense"
	}
	e := newTestEngine(set)
	s := newSession()

	err := e.ProcessMessage(context.Background(), s, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, state.ErrInvalidState)
}
