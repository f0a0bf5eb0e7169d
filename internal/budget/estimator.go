package budget

import (
	"log/slog"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// Estimator approximates the token cost of text. Implementations must be
// monotone in input length and should over-estimate rather than under-estimate.
type Estimator interface {
	EstimateTokens(text string) int
}

// MessageOverhead covers the role tag and separators a chat template adds per message.
const MessageOverhead = 4

// Heuristic estimates one token per three bytes, rounded up, plus MessageOverhead.
// Counting bytes makes multibyte text cost more, never less.
type Heuristic struct{}

func (Heuristic) EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text)+2)/3 + MessageOverhead
}

// Tiktoken counts cl100k_base tokens and adds a 10% margin, since the
// backend's own vocabulary is unknown. It falls back to Heuristic when the
// codec is unavailable.
type Tiktoken struct {
	once     sync.Once
	codec    tokenizer.Codec
	fallback Heuristic
}

func NewTiktoken() *Tiktoken {
	return &Tiktoken{}
}

func (t *Tiktoken) EstimateTokens(text string) int {
	if text == "" {
		return 0
	}

	codec := t.getCodec()
	if codec == nil {
		return t.fallback.EstimateTokens(text)
	}

	count, err := codec.Count(text)
	if err != nil {
		return t.fallback.EstimateTokens(text)
	}

	return count + (count+9)/10 + MessageOverhead
}

func (t *Tiktoken) getCodec() tokenizer.Codec {
	t.once.Do(func() {
		codec, err := tokenizer.Get(tokenizer.Cl100kBase)
		if err != nil {
			slog.Warn("tiktoken codec unavailable, using heuristic estimator", "error", err)
			return
		}
		t.codec = codec
	})
	return t.codec
}

// NewEstimator returns the estimator named in settings: "tiktoken" or "heuristic".
func NewEstimator(name string) Estimator {
	if name == "heuristic" {
		return Heuristic{}
	}
	return NewTiktoken()
}
