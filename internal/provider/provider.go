// Package provider wraps the Anthropic API behind a small chat
// surface: blocking completion, streaming with a chunk callback, and
// classification of credential failures.
package provider

import (
	"context"
	"fmt"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/sschepis/oboto-server/internal/securemem"
)

const (
	defaultModel     = "claude-sonnet-4-0"
	defaultMaxTokens = 4096
)

// Message is one chat turn sent to the model.
type Message struct {
	Role    string
	Content string
}

// Client is the provider surface the rest of the server talks to.
type Client interface {
	Complete(ctx context.Context, messages []Message) (string, error)
	Stream(ctx context.Context, messages []Message, onChunk func(text string) error) (string, error)
	Model() string
}

// Anthropic implements Client using the official SDK.
type Anthropic struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropic builds a client around the given API key. The key
// leaves locked memory exactly once, here.
func NewAnthropic(key *securemem.String, model string, maxTokens int) (*Anthropic, error) {
	if key == nil || key.IsEmpty() {
		return nil, fmt.Errorf("anthropic client requires an API key")
	}
	if model == "" {
		model = defaultModel
	}
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Anthropic{
		client:    anthropic.NewClient(option.WithAPIKey(key.Value())),
		model:     model,
		maxTokens: int64(maxTokens),
	}, nil
}

func (a *Anthropic) Model() string {
	return a.model
}

// Complete sends the conversation and returns the full assistant
// reply. Errors come back already classified.
func (a *Anthropic) Complete(ctx context.Context, messages []Message) (string, error) {
	params, err := a.buildParams(messages)
	if err != nil {
		return "", err
	}

	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return "", ClassifyError(fmt.Errorf("anthropic completion failed: %w", err))
	}
	return collectText(msg.Content), nil
}

// Stream sends the conversation and invokes onChunk for every text
// delta. The accumulated reply is returned even when the stream ends
// early, so callers can persist partial output.
func (a *Anthropic) Stream(ctx context.Context, messages []Message, onChunk func(text string) error) (string, error) {
	params, err := a.buildParams(messages)
	if err != nil {
		return "", err
	}

	stream := a.client.Messages.NewStreaming(ctx, params)
	if stream == nil {
		return "", fmt.Errorf("anthropic stream failed: no stream returned")
	}
	defer stream.Close()

	var full strings.Builder
	for stream.Next() {
		event := stream.Current()

		deltaEvent, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
		if !ok {
			continue
		}
		textDelta, ok := deltaEvent.Delta.AsAny().(anthropic.TextDelta)
		if !ok {
			continue
		}
		if textDelta.Text == "" {
			continue
		}

		full.WriteString(textDelta.Text)
		if onChunk != nil {
			if err := onChunk(textDelta.Text); err != nil {
				return full.String(), err
			}
		}
	}
	if err := stream.Err(); err != nil {
		return full.String(), ClassifyError(fmt.Errorf("anthropic stream failed: %w", err))
	}
	return full.String(), nil
}

func (a *Anthropic) buildParams(messages []Message) (anthropic.MessageNewParams, error) {
	systemBlocks := make([]anthropic.TextBlockParam, 0, 1)
	chat := make([]anthropic.MessageParam, 0, len(messages))

	for _, msg := range messages {
		if strings.TrimSpace(msg.Content) == "" {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(msg.Role)) {
		case "system":
			systemBlocks = append(systemBlocks, anthropic.TextBlockParam{Text: msg.Content})
		case "assistant":
			chat = append(chat, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleAssistant,
				Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(msg.Content)},
			})
		default:
			chat = append(chat, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleUser,
				Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(msg.Content)},
			})
		}
	}
	if len(chat) == 0 {
		return anthropic.MessageNewParams{}, fmt.Errorf("completion requires at least one user or assistant message")
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: a.maxTokens,
		Messages:  chat,
	}
	if len(systemBlocks) > 0 {
		params.System = systemBlocks
	}
	return params, nil
}

func collectText(blocks []anthropic.ContentBlockUnion) string {
	var sb strings.Builder
	for _, block := range blocks {
		if block.Type != "text" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(block.Text)
	}
	return sb.String()
}
