// Package agents holds the tutoring agents that produce learner-facing
// content: the educator, quiz master, evaluator and Q&A agent, plus the
// supervisor that guards state integrity. Agents mutate the session state
// and never fail the workflow; degraded output is still output.
package agents

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/lumilearn/orchestrator/internal/llm"
	"github.com/lumilearn/orchestrator/internal/resilience"
	"github.com/lumilearn/orchestrator/internal/search"
	"github.com/lumilearn/orchestrator/internal/state"
)

// Generator is the text-generation slice agents need.
type Generator interface {
	Generate(ctx context.Context, req llm.Request) (string, error)
}

// Searcher is the fused-search slice agents need.
type Searcher interface {
	Search(ctx context.Context, query string, chapter int, level string) (*search.Response, error)
}

// Deps are the shared services injected into every agent. Agents hold no
// per-session state of their own.
type Deps struct {
	Gen        Generator
	Search     Searcher
	Resilience *resilience.Handler
	Logger     *zap.Logger
}

// generate runs a generation call under the resilience envelope. It always
// returns usable text: a real completion, a fallback answer, or an apology.
func (d *Deps) generate(ctx context.Context, req llm.Request) string {
	callCtx := map[string]interface{}{"prompt": req.Prompt}
	result, outcome, err := d.Resilience.Execute(ctx, resilience.ServiceGeneration, callCtx, func(ctx context.Context) (interface{}, error) {
		text, genErr := d.Gen.Generate(ctx, req)
		if genErr != nil {
			return nil, genErr
		}
		return text, nil
	})
	if err != nil {
		d.Logger.Warn("Generation aborted", zap.Error(err))
		return "I could not finish that response. Please try again."
	}
	if outcome.Kind == "" {
		return result.(string)
	}
	if outcome.Result != nil && outcome.Result.Content != "" {
		return outcome.Result.Content
	}
	return outcome.Message
}

// material fetches supporting content, tolerating total search failure.
func (d *Deps) material(ctx context.Context, query string, chapter int, level string) string {
	if d.Search == nil {
		return ""
	}
	resp, err := d.Search.Search(ctx, query, chapter, level)
	if err != nil || resp == nil || len(resp.Items) == 0 {
		return ""
	}
	var b strings.Builder
	for i, item := range resp.Items {
		if i >= 3 {
			break
		}
		b.WriteString("- ")
		b.WriteString(item.Content)
		b.WriteString("\n")
	}
	return b.String()
}

func levelDescriptor(level state.Level) string {
	switch level {
	case state.LevelLow:
		return "a complete beginner; use everyday analogies and avoid jargon"
	case state.LevelHigh:
		return "an advanced learner; be precise and include technical depth"
	default:
		return "an intermediate learner; balance intuition with correct terminology"
	}
}

func kindDescriptor(kind state.Kind) string {
	if kind == state.KindBusiness {
		return "Frame examples around workplace and business scenarios."
	}
	return "Frame examples around everyday life."
}

// Supervisor guards the trust boundary at the workflow entry: it validates
// the inbound state and repairs presentation fields before any agent runs.
type Supervisor struct {
	Deps *Deps
}

func (a *Supervisor) Name() string { return "supervisor" }

func (a *Supervisor) Execute(_ context.Context, s *state.SessionState) error {
	if err := state.Validate(s); err != nil {
		return fmt.Errorf("supervisor: %w", err)
	}
	// A session resuming after an error gets a clean slate for this turn.
	if s.UIMode == state.UIModeError {
		s.UIMode = state.UIModeChat
	}
	s.SystemMessage = ""
	s.UIElements = nil
	return nil
}

// Educator delivers theory for the current chapter, grounded in search
// results and adapted to the learner's level and profile.
type Educator struct {
	Deps *Deps
}

func (a *Educator) Name() string { return "educator" }

func (a *Educator) Execute(ctx context.Context, s *state.SessionState) error {
	topic := s.UserMessage
	if topic == "" {
		topic = fmt.Sprintf("chapter %d overview", s.Chapter)
	}
	supporting := a.Deps.material(ctx, topic, s.Chapter, string(s.UserLevel))

	prompt := fmt.Sprintf("Teach the following topic for chapter %d: %s", s.Chapter, topic)
	if supporting != "" {
		prompt += "\n\nUse this reference material where helpful:\n" + supporting
	}
	response := a.Deps.generate(ctx, llm.Request{
		System: fmt.Sprintf(
			"You are a friendly AI literacy tutor. The learner is %s. %s Keep the explanation under 300 words and end with one question that checks understanding.",
			levelDescriptor(s.UserLevel), kindDescriptor(s.UserKind)),
		Prompt: prompt,
	})

	ui := map[string]interface{}{"type": "theory", "chapter": s.Chapter}
	s.SetResponse(response, ui)
	s.AddTurn(a.Name(), s.UserMessage, response, ui)
	s.CurrentStage = state.StageTheory
	s.UIMode = state.UIModeChat
	return nil
}

// QuizMaster produces a quiz for the current chapter and switches the client
// into quiz mode.
type QuizMaster struct {
	Deps *Deps
}

func (a *QuizMaster) Name() string { return "quiz" }

func (a *QuizMaster) Execute(ctx context.Context, s *state.SessionState) error {
	response := a.Deps.generate(ctx, llm.Request{
		System: fmt.Sprintf(
			"You are a quiz master for an AI literacy course. The learner is %s. Write one multiple-choice question with four options labeled A-D about the material of chapter %d. Do not reveal the answer.",
			levelDescriptor(s.UserLevel), s.Chapter),
		Prompt: "Create the quiz question now.",
	})

	ui := map[string]interface{}{"type": "quiz", "chapter": s.Chapter, "options": []string{"A", "B", "C", "D"}}
	s.SetResponse(response, ui)
	s.AddTurn(a.Name(), s.UserMessage, response, ui)
	s.CurrentStage = state.StageQuiz
	s.UIMode = state.UIModeQuiz
	return nil
}

// Evaluator grades the learner's quiz answer and produces feedback.
type Evaluator struct {
	Deps *Deps
}

func (a *Evaluator) Name() string { return "evaluator" }

func (a *Evaluator) Execute(ctx context.Context, s *state.SessionState) error {
	lastQuiz := lastResponseBy(s, "quiz")
	response := a.Deps.generate(ctx, llm.Request{
		System: fmt.Sprintf(
			"You are grading a quiz answer in an AI literacy course. The learner is %s. State whether the answer is correct, explain why in two or three sentences, and encourage the learner.",
			levelDescriptor(s.UserLevel)),
		Prompt: fmt.Sprintf("Quiz question:\n%s\n\nLearner's answer: %s", lastQuiz, s.UserMessage),
	})

	ui := map[string]interface{}{"type": "feedback", "chapter": s.Chapter}
	s.SetResponse(response, ui)
	s.AddTurn(a.Name(), s.UserMessage, response, ui)
	s.CurrentStage = state.StageFeedback
	s.UIMode = state.UIModeChat
	return nil
}

// QnA answers free-form learner questions using fused search plus generation.
// It records where the question interrupted the flow, answers, then restores
// that stage itself, so the next message routes as if the detour never
// happened.
type QnA struct {
	Deps *Deps
}

func (a *QnA) Name() string { return "qna" }

func (a *QnA) Execute(ctx context.Context, s *state.SessionState) error {
	returnTo := state.ReturnPostTheory
	if s.CurrentStage == state.StageFeedback {
		returnTo = state.ReturnPostFeedback
	}
	s.ReturnRouter = returnTo
	s.CurrentStage = state.StageQuestion

	supporting := a.Deps.material(ctx, s.UserMessage, s.Chapter, string(s.UserLevel))

	prompt := "Answer the learner's question: " + s.UserMessage
	if supporting != "" {
		prompt += "\n\nGround your answer in this material when relevant:\n" + supporting
	}
	response := a.Deps.generate(ctx, llm.Request{
		System: fmt.Sprintf(
			"You are answering a question in an AI literacy course. The learner is %s. %s Answer directly, then relate the answer back to chapter %d.",
			levelDescriptor(s.UserLevel), kindDescriptor(s.UserKind), s.Chapter),
		Prompt: prompt,
	})

	ui := map[string]interface{}{"type": "answer", "chapter": s.Chapter}
	s.SetResponse(response, ui)
	s.AddTurn(a.Name(), s.UserMessage, response, ui)
	if returnTo == state.ReturnPostFeedback {
		s.CurrentStage = state.StageFeedback
	} else {
		s.CurrentStage = state.StageTheory
	}
	s.ReturnRouter = state.ReturnNone
	s.UIMode = state.UIModeChat
	return nil
}

func lastResponseBy(s *state.SessionState, agent string) string {
	for i := len(s.Turns) - 1; i >= 0; i-- {
		if s.Turns[i].Agent == agent {
			return s.Turns[i].SystemResponse
		}
	}
	return ""
}
