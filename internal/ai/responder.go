package ai

import (
	"context"
	"fmt"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	defaultAnthropicModel     = "claude-3-5-sonnet-20241022"
	defaultAnthropicMaxTokens = 1024
)

// AnthropicResponder implements Responder using the official Anthropic SDK.
type AnthropicResponder struct {
	client anthropic.Client
	model  string
}

// NewAnthropicResponder creates a responder backed by the Anthropic API.
func NewAnthropicResponder(apiKey, modelName string) (*AnthropicResponder, error) {
	key := strings.TrimSpace(apiKey)
	if key == "" {
		return nil, fmt.Errorf("anthropic responder requires an API key")
	}

	model := strings.TrimSpace(modelName)
	if model == "" {
		model = defaultAnthropicModel
	}

	return &AnthropicResponder{
		client: anthropic.NewClient(option.WithAPIKey(key)),
		model:  model,
	}, nil
}

// Stream streams completion text deltas to the callback until the generation
// finishes, the callback returns an error, or ctx is cancelled.
func (r *AnthropicResponder) Stream(ctx context.Context, prompt string, callback func(delta string) error) error {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(r.model),
		MaxTokens: defaultAnthropicMaxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}

	stream := r.client.Messages.NewStreaming(ctx, params)
	if stream == nil {
		return fmt.Errorf("anthropic stream failed: no stream returned")
	}
	defer stream.Close()

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

		if err := callback(textDelta.Text); err != nil {
			return err
		}
	}

	if err := stream.Err(); err != nil {
		return fmt.Errorf("anthropic stream failed: %w", err)
	}

	return nil
}
