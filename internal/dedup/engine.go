// Package dedup decides whether a recognizer candidate is new speech, a
// repeat of something already in the transcript, or a degenerate repeated
// pattern of the kind whisper produces from silence or residual audio.
package dedup

import (
	"strings"
	"sync"
)

const (
	historySize          = 5
	coldStartEntries     = 2
	duplicateMinHistory  = 3
	exactMatchWindow     = 3
	nearDuplicateScore   = 0.9
	maxConsecutiveRepeat = 3
	maxStreak            = 2
	minLoopTokens        = 6
	minDiversityTokens   = 8
	maxRepetitionRatio   = 0.7
)

// Decision is the outcome of evaluating a candidate.
type Decision int

const (
	Accept Decision = iota
	RejectDuplicate
	RejectRepetitive
)

func (d Decision) String() string {
	switch d {
	case Accept:
		return "accept"
	case RejectDuplicate:
		return "duplicate"
	case RejectRepetitive:
		return "repetitive"
	default:
		return "unknown"
	}
}

// Result describes one evaluation. ClearBuffer asks the caller to drop the
// buffered audio: the streak of repetition signals crossed its limit and the
// recognizer is most likely re-reading the same residual samples.
type Result struct {
	Decision    Decision
	Reason      string
	Similarity  float64
	Streak      int
	ClearBuffer bool
}

// Engine holds the short history of accepted candidates and the repetition
// streak. It is safe for concurrent use.
type Engine struct {
	mu      sync.Mutex
	history []string
	streak  int
}

func New() *Engine {
	return &Engine{}
}

// Evaluate classifies text and records it when accepted.
func (e *Engine) Evaluate(text string) Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	text = strings.TrimSpace(text)

	if len(e.history) < coldStartEntries {
		return e.accept(text, "cold start")
	}

	if e.streak > 0 {
		if reason, ok := repetitive(tokenize(text)); ok {
			return e.signal(RejectRepetitive, reason, 0)
		}
	}

	if len(e.history) > duplicateMinHistory {
		last := e.history[len(e.history)-1]
		if score := Similarity(text, last); score > nearDuplicateScore {
			return e.signal(RejectDuplicate, "near duplicate of last entry", score)
		}
		normalized := strings.ToLower(text)
		for _, prev := range e.history[len(e.history)-exactMatchWindow:] {
			if strings.ToLower(strings.TrimSpace(prev)) == normalized {
				return e.signal(RejectDuplicate, "exact duplicate of recent entry", 1)
			}
		}
	}

	return e.accept(text, "new speech")
}

func (e *Engine) accept(text, reason string) Result {
	e.history = append(e.history, text)
	if len(e.history) > historySize {
		e.history = append([]string(nil), e.history[len(e.history)-historySize:]...)
	}
	e.streak = 0
	return Result{Decision: Accept, Reason: reason}
}

func (e *Engine) signal(decision Decision, reason string, score float64) Result {
	e.streak++
	res := Result{Decision: decision, Reason: reason, Similarity: score, Streak: e.streak}
	if e.streak > maxStreak {
		res.ClearBuffer = true
		e.streak = 0
	}
	return res
}

// Reset forgets history and streak.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = nil
	e.streak = 0
}

// History returns the accepted entries, oldest first.
func (e *Engine) History() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.history...)
}

func (e *Engine) Streak() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.streak
}

func repetitive(tokens []string) (string, bool) {
	run := 1
	for i := 1; i < len(tokens); i++ {
		if tokens[i] == tokens[i-1] {
			run++
			if run > maxConsecutiveRepeat {
				return "token repeated consecutively", true
			}
		} else {
			run = 1
		}
	}

	if len(tokens) >= minLoopTokens {
		a := tokens[0] + " " + tokens[1]
		b := tokens[2] + " " + tokens[3]
		c := tokens[4] + " " + tokens[5]
		if a == b && b == c {
			return "two-token loop", true
		}
	}

	if len(tokens) > minDiversityTokens {
		distinct := make(map[string]struct{}, len(tokens))
		for _, tok := range tokens {
			distinct[tok] = struct{}{}
		}
		ratio := 1 - float64(len(distinct))/float64(len(tokens))
		if ratio > maxRepetitionRatio {
			return "low token diversity", true
		}
	}
	return "", false
}

func tokenize(text string) []string {
	return strings.Fields(strings.ToLower(text))
}
