package state

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrInvalidState is returned when a session state fails validation.
	ErrInvalidState = errors.New("invalid session state")
)

// Stage identifies where the learner currently is in the tutoring flow.
type Stage string

const (
	StageTheory    Stage = "theory"
	StageQuiz      Stage = "quiz"
	StageQuestion  Stage = "question"
	StageFeedback  Stage = "feedback"
	StageContinue  Stage = "continue"
	StageCompleted Stage = "completed"
)

// UIMode drives what the client renders for the current state.
type UIMode string

const (
	UIModeChat       UIMode = "chat"
	UIModeQuiz       UIMode = "quiz"
	UIModeRestricted UIMode = "restricted"
	UIModeError      UIMode = "error"
	UIModeLoading    UIMode = "loading"
)

// Level is the learner's proficiency band.
type Level string

const (
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

// Kind distinguishes the two learner profiles the content adapts to.
type Kind string

const (
	KindBeginner Kind = "beginner"
	KindBusiness Kind = "business"
)

// ReturnRouter records which router dispatched into the QnA node so it can
// route back to the right place afterwards.
type ReturnRouter string

const (
	ReturnNone         ReturnRouter = ""
	ReturnPostTheory   ReturnRouter = "post_theory"
	ReturnPostFeedback ReturnRouter = "post_feedback"
)

// ConversationTurn is one exchange inside the current learning loop.
// Sequence is strictly increasing within a loop; the synthetic compaction
// turn uses sequence 0 so it sorts before everything it summarizes.
type ConversationTurn struct {
	Agent          string                 `json:"agent"`
	UserMessage    string                 `json:"user_message"`
	SystemResponse string                 `json:"system_response"`
	UIElements     map[string]interface{} `json:"ui_elements,omitempty"`
	Timestamp      time.Time              `json:"timestamp"`
	Sequence       int                    `json:"sequence"`
}

// LoopSummary is the compressed record of one completed learning loop.
type LoopSummary struct {
	LoopID     string        `json:"loop_id"`
	Chapter    int           `json:"chapter"`
	StartedAt  time.Time     `json:"started_at"`
	EndedAt    time.Time     `json:"ended_at"`
	Duration   time.Duration `json:"duration"`
	TurnCount  int           `json:"turn_count"`
	AgentsUsed []string      `json:"agents_used"`
	Topics     []string      `json:"topics"`
}

// SessionState is the single mutable record threaded through every node.
// It is owned by exactly one session; shared subsystems never retain a
// reference to it.
type SessionState struct {
	UserID       string       `json:"user_id"`
	UserMessage  string       `json:"user_message"`
	Chapter      int          `json:"chapter"`
	CurrentStage Stage        `json:"current_stage"`
	UserLevel    Level        `json:"user_level"`
	UserKind     Kind         `json:"user_kind"`
	ReturnRouter ReturnRouter `json:"return_router"`
	UIMode       UIMode       `json:"ui_mode"`

	Turns         []ConversationTurn `json:"turns"`
	LoopSummaries []LoopSummary      `json:"loop_summaries"`

	LoopID        string    `json:"loop_id"`
	LoopStartTime time.Time `json:"loop_start_time"`

	SystemMessage string                 `json:"system_message"`
	UIElements    map[string]interface{} `json:"ui_elements,omitempty"`
}

// New creates the initial state for a fresh user session.
func New(userID string, kind Kind, level Level) *SessionState {
	return &SessionState{
		UserID:        userID,
		Chapter:       1,
		CurrentStage:  StageTheory,
		UserLevel:     level,
		UserKind:      kind,
		UIMode:        UIModeChat,
		Turns:         make([]ConversationTurn, 0),
		LoopSummaries: make([]LoopSummary, 0, 5),
		LoopID:        uuid.New().String(),
		LoopStartTime: time.Now(),
	}
}

// Validate is the trust-boundary gate: it rejects schema-incomplete states
// and enum values outside their sets before the state is persisted or
// returned to a caller.
func Validate(s *SessionState) error {
	if s == nil {
		return fmt.Errorf("%w: nil state", ErrInvalidState)
	}
	if s.UserID == "" {
		return fmt.Errorf("%w: missing user id", ErrInvalidState)
	}
	if s.LoopID == "" {
		return fmt.Errorf("%w: missing loop id", ErrInvalidState)
	}
	if s.LoopStartTime.IsZero() {
		return fmt.Errorf("%w: missing loop start time", ErrInvalidState)
	}
	switch s.CurrentStage {
	case StageTheory, StageQuiz, StageQuestion, StageFeedback, StageContinue, StageCompleted:
	default:
		return fmt.Errorf("%w: unknown stage %q", ErrInvalidState, s.CurrentStage)
	}
	switch s.UIMode {
	case UIModeChat, UIModeQuiz, UIModeRestricted, UIModeError, UIModeLoading:
	default:
		return fmt.Errorf("%w: unknown ui mode %q", ErrInvalidState, s.UIMode)
	}
	switch s.UserLevel {
	case LevelLow, LevelMedium, LevelHigh:
	default:
		return fmt.Errorf("%w: unknown user level %q", ErrInvalidState, s.UserLevel)
	}
	switch s.UserKind {
	case KindBeginner, KindBusiness:
	default:
		return fmt.Errorf("%w: unknown user kind %q", ErrInvalidState, s.UserKind)
	}
	if len(s.LoopSummaries) > 5 {
		return fmt.Errorf("%w: %d loop summaries exceeds capacity", ErrInvalidState, len(s.LoopSummaries))
	}
	prev := -1
	for _, t := range s.Turns {
		if t.Sequence <= prev {
			return fmt.Errorf("%w: turn sequence %d not increasing", ErrInvalidState, t.Sequence)
		}
		prev = t.Sequence
	}
	return nil
}

// AddTurn appends a conversation turn with the next sequence number. Calling
// it again with the same content after a retried node is harmless: the
// caller passes the sequence it already holds via AddTurnAt for idempotent
// replays, while AddTurn always advances.
func (s *SessionState) AddTurn(agent, userMsg, systemResp string, ui map[string]interface{}) {
	s.Turns = append(s.Turns, ConversationTurn{
		Agent:          agent,
		UserMessage:    userMsg,
		SystemResponse: systemResp,
		UIElements:     ui,
		Timestamp:      time.Now(),
		Sequence:       s.nextSequence(),
	})
}

// AddTurnAt appends a turn with an explicit sequence number. If a turn with
// that sequence already exists the call is a no-op, which makes retried node
// executions idempotent.
func (s *SessionState) AddTurnAt(seq int, agent, userMsg, systemResp string, ui map[string]interface{}) {
	for _, t := range s.Turns {
		if t.Sequence == seq {
			return
		}
	}
	s.Turns = append(s.Turns, ConversationTurn{
		Agent:          agent,
		UserMessage:    userMsg,
		SystemResponse: systemResp,
		UIElements:     ui,
		Timestamp:      time.Now(),
		Sequence:       seq,
	})
}

func (s *SessionState) nextSequence() int {
	max := 0
	for _, t := range s.Turns {
		if t.Sequence > max {
			max = t.Sequence
		}
	}
	return max + 1
}

// SetResponse records the system message and optional UI payload.
func (s *SessionState) SetResponse(message string, ui map[string]interface{}) {
	s.SystemMessage = message
	s.UIElements = ui
}

// SetError puts the state into the degraded error mode with a user-facing
// message. Nodes call this instead of propagating failures.
func (s *SessionState) SetError(message string) {
	s.UIMode = UIModeError
	s.SystemMessage = message
}

// RecentUserMessages returns up to n most recent non-empty user messages,
// newest last.
func (s *SessionState) RecentUserMessages(n int) []string {
	var msgs []string
	for _, t := range s.Turns {
		if t.UserMessage != "" {
			msgs = append(msgs, t.UserMessage)
		}
	}
	if len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	return msgs
}

// AgentsInLoop returns the distinct agent names seen in the current loop,
// in first-appearance order.
func (s *SessionState) AgentsInLoop() []string {
	seen := make(map[string]bool)
	var agents []string
	for _, t := range s.Turns {
		if t.Agent == "" || seen[t.Agent] {
			continue
		}
		seen[t.Agent] = true
		agents = append(agents, t.Agent)
	}
	return agents
}

// Clone returns a deep copy. Streaming execution hands copies to observers so
// a consumer can never alias the session's live state.
func (s *SessionState) Clone() *SessionState {
	cp := *s
	cp.Turns = make([]ConversationTurn, len(s.Turns))
	copy(cp.Turns, s.Turns)
	cp.LoopSummaries = make([]LoopSummary, len(s.LoopSummaries))
	copy(cp.LoopSummaries, s.LoopSummaries)
	if s.UIElements != nil {
		cp.UIElements = make(map[string]interface{}, len(s.UIElements))
		for k, v := range s.UIElements {
			cp.UIElements[k] = v
		}
	}
	return &cp
}
