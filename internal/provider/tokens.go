package provider

import (
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

const perMessageOverhead = 4

// Estimator approximates prompt token usage for snapshots and loop
// state. The encoder is resolved once; an unknown model falls back to
// cl100k_base, and a missing encoding falls back to a character
// heuristic.
type Estimator struct {
	model string

	once    sync.Once
	encoder *tiktoken.Tiktoken
}

func NewEstimator(model string) *Estimator {
	return &Estimator{model: model}
}

// Estimate returns the approximate token count of the conversation.
func (e *Estimator) Estimate(messages []Message) int {
	e.once.Do(e.resolve)

	total := 0
	for _, msg := range messages {
		total += e.count(msg.Content) + perMessageOverhead
	}
	return total
}

func (e *Estimator) resolve() {
	if encoder, err := tiktoken.EncodingForModel(e.model); err == nil {
		e.encoder = encoder
		return
	}
	if encoder, err := tiktoken.GetEncoding("cl100k_base"); err == nil {
		e.encoder = encoder
	}
}

func (e *Estimator) count(text string) int {
	if text == "" {
		return 0
	}
	if e.encoder != nil {
		return len(e.encoder.Encode(text, nil, nil))
	}
	// Roughly 4 characters per token.
	return (utf8.RuneCountInString(text) + 3) / 4
}
