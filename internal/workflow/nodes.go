package workflow

import (
	"context"

	"github.com/lumilearn/orchestrator/internal/agents"
	"github.com/lumilearn/orchestrator/internal/state"
)

// Node identifies a vertex of the tutoring graph. The set is closed: routing
// is exhaustive over these values and an unknown node is a programming error,
// not a runtime dispatch failure.
type Node int

const (
	NodeStart Node = iota
	NodeSupervisor
	NodeEducator
	NodeQuiz
	NodeEvaluator
	NodeQnA
	NodePostTheory
	NodePostFeedback
	NodeEnd
)

func (n Node) String() string {
	switch n {
	case NodeStart:
		return "start"
	case NodeSupervisor:
		return "supervisor"
	case NodeEducator:
		return "educator"
	case NodeQuiz:
		return "quiz"
	case NodeEvaluator:
		return "evaluator"
	case NodeQnA:
		return "qna"
	case NodePostTheory:
		return "post_theory"
	case NodePostFeedback:
		return "post_feedback"
	case NodeEnd:
		return "end"
	default:
		return "unknown"
	}
}

// Agent is a node that produces learner-facing output.
type Agent interface {
	Name() string
	Execute(ctx context.Context, s *state.SessionState) error
}

// route computes the successor of a node. It never mutates the session:
// router nodes (start, supervisor, post_theory, post_feedback) only redirect,
// and agent nodes end the turn. Stage bookkeeping is the agents' job.
func route(node Node, s *state.SessionState) Node {
	switch node {
	case NodeStart:
		return NodeSupervisor

	case NodeSupervisor:
		return supervisorRoute(s)

	case NodePostTheory:
		return postTheoryRoute(s)

	case NodePostFeedback:
		return postFeedbackRoute(s)

	default:
		return NodeEnd
	}
}

// supervisorRoute picks the handling path for a fresh learner message from
// the stage the session was left in.
func supervisorRoute(s *state.SessionState) Node {
	if len(s.Turns) == 0 && s.UserMessage == "" {
		return NodeEducator
	}
	switch s.CurrentStage {
	case state.StageQuiz:
		return NodeEvaluator
	case state.StageFeedback:
		return NodePostFeedback
	case state.StageTheory, state.StageQuestion, state.StageContinue, state.StageCompleted:
		return NodePostTheory
	default:
		return NodePostTheory
	}
}

// postTheoryRoute handles the message that follows a theory delivery.
func postTheoryRoute(s *state.SessionState) Node {
	switch agents.ClassifyIntent(s.UserMessage) {
	case agents.IntentQuizRequest:
		return NodeQuiz
	case agents.IntentQuestion:
		return NodeQnA
	default:
		return NodeEducator
	}
}

// postFeedbackRoute handles the message that follows quiz feedback.
func postFeedbackRoute(s *state.SessionState) Node {
	switch agents.ClassifyIntent(s.UserMessage) {
	case agents.IntentQuizRequest:
		return NodeQuiz
	case agents.IntentQuestion:
		return NodeQnA
	default:
		return NodeEducator
	}
}
