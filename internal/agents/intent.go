package agents

import "strings"

// Intent is the coarse classification of a learner message used by the
// post-theory and post-feedback routers.
type Intent string

const (
	IntentQuestion    Intent = "question"
	IntentQuizRequest Intent = "quiz_request"
	IntentProceed     Intent = "proceed"
	IntentOther       Intent = "other"
)

var (
	quizKeywords = []string{
		"quiz", "test me", "practice", "exercise", "problem",
	}
	questionKeywords = []string{
		"what", "why", "how", "when", "where", "who",
		"explain", "tell me", "confused", "don't understand", "do not understand",
	}
	proceedKeywords = []string{
		"next", "continue", "proceed", "move on", "go on", "done", "got it", "ok", "okay",
	}
)

// ClassifyIntent scores the message against all three buckets and returns
// the highest-scoring one. Each keyword hit counts once; an explicit question
// mark counts toward the question bucket, so "what problem does X solve?"
// reads as a question despite the quiz keyword. A tie between buckets
// returns IntentOther and lets the router's contextual default decide.
func ClassifyIntent(message string) Intent {
	msg := strings.ToLower(strings.TrimSpace(message))
	if msg == "" {
		return IntentOther
	}

	quiz := countHits(msg, quizKeywords, strings.Contains)
	question := countHits(msg, questionKeywords, strings.Contains)
	if strings.Contains(msg, "?") {
		question++
	}
	proceed := countHits(msg, proceedKeywords, containsWord)

	switch {
	case quiz > question && quiz > proceed:
		return IntentQuizRequest
	case question > quiz && question > proceed:
		return IntentQuestion
	case proceed > quiz && proceed > question:
		return IntentProceed
	default:
		return IntentOther
	}
}

func countHits(msg string, keywords []string, match func(msg, kw string) bool) int {
	hits := 0
	for _, kw := range keywords {
		if match(msg, kw) {
			hits++
		}
	}
	return hits
}

// containsWord matches whole words so "ok" does not fire inside "broken".
func containsWord(msg, kw string) bool {
	if !strings.Contains(kw, " ") {
		for _, w := range strings.Fields(msg) {
			if strings.Trim(w, ".,!?;:\"'") == kw {
				return true
			}
		}
		return false
	}
	return strings.Contains(msg, kw)
}
