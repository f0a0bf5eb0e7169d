// Package guard filters a raw token stream for decoding artifacts and degenerate output.
package guard

import "strings"

const (
	// RepeatThreshold is the run length of identical tokens that force-stops a stream.
	RepeatThreshold = 5
	// CorruptionLimit is how many pathological tokens a response may contain.
	CorruptionLimit = 3
	// MinTokensForCorruption is the response length before corruption checks apply.
	MinTokensForCorruption = 8
)

const replacementChar = "�"

var invalidMarkers = []string{replacementChar, "\x00"}

var pathologicalTokens = map[string]struct{}{
	"":              {},
	"<unk>":         {},
	"[PAD]":         {},
	"<|endoftext|>": {},
}

// StopReason explains why the guard ended a stream early.
type StopReason int

const (
	StopNone StopReason = iota
	StopRepetition
	StopCorruption
)

func (r StopReason) String() string {
	switch r {
	case StopRepetition:
		return "repetition"
	case StopCorruption:
		return "corruption"
	default:
		return "none"
	}
}

// Decision is the guard's verdict on one raw token.
type Decision struct {
	Token   string
	Forward bool
	Stop    StopReason
}

// Guard holds per-response state. Reset it before each new response.
type Guard struct {
	last         string
	repeats      int
	seen         int
	pathological int
	text         strings.Builder
}

func New() *Guard {
	return &Guard{}
}

func (g *Guard) Reset() {
	g.last = ""
	g.repeats = 0
	g.seen = 0
	g.pathological = 0
	g.text.Reset()
}

// Accept runs one raw token through stripping, then the repetition check, then
// corruption counting. Forwarded tokens are appended to the accumulated text.
// Pathological markers are counted but never forwarded.
func (g *Guard) Accept(raw string) Decision {
	g.seen++

	token := Strip(raw)
	marker := isPathological(raw)

	if token != "" && !marker {
		if token == g.last {
			g.repeats++
		} else {
			g.last = token
			g.repeats = 1
		}

		g.text.WriteString(token)

		decision := Decision{Token: token, Forward: true}
		if g.repeats >= RepeatThreshold {
			decision.Stop = StopRepetition
		}
		return decision
	}

	if !marker {
		return Decision{}
	}

	g.pathological++
	if g.seen >= MinTokensForCorruption && g.pathological >= CorruptionLimit {
		return Decision{Stop: StopCorruption}
	}

	return Decision{}
}

// Text returns everything forwarded so far.
func (g *Guard) Text() string {
	return g.text.String()
}

func (g *Guard) HasOutput() bool {
	return g.text.Len() > 0
}

// Strip removes invalid-character markers left by the backend's detokenizer.
func Strip(token string) string {
	for _, marker := range invalidMarkers {
		if strings.Contains(token, marker) {
			token = strings.ReplaceAll(token, marker, "")
		}
	}
	return token
}

func isPathological(raw string) bool {
	if _, ok := pathologicalTokens[raw]; ok {
		return true
	}
	return strings.Trim(raw, replacementChar) == "" && strings.Contains(raw, replacementChar)
}
