package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/stratamem/strata-go-sdk/config"
	"github.com/stratamem/strata-go-sdk/core"
)

// anthropicProvider speaks the Anthropic Messages API.
type anthropicProvider struct {
	id        string
	client    *anthropic.Client
	model     string
	maxTokens int64
}

func newAnthropicProvider(id string, p config.Profile) *anthropicProvider {
	opts := []option.RequestOption{option.WithAPIKey(p.ResolveAPIKey())}
	if p.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(p.BaseURL))
	}
	client := anthropic.NewClient(opts...)
	return &anthropicProvider{
		id:        id,
		client:    &client,
		model:     p.Model,
		maxTokens: p.MaxTokens,
	}
}

func (a *anthropicProvider) Generate(ctx context.Context, prompt string, p Params) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: a.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if p.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: p.System}}
	}

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return "", classifyAnthropic(a.id, "generate", err)
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return text, nil
}

// Embed is unsupported: the Anthropic API has no embeddings endpoint.
// Pair an anthropic generation profile with an openai or custom
// embedding profile instead.
func (a *anthropicProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, core.PermanentError(a.id, "embed", fmt.Errorf("anthropic profiles do not support embeddings"))
}

func classifyAnthropic(backendID, op string, err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		switch {
		case apierr.StatusCode == 408, apierr.StatusCode == 409, apierr.StatusCode == 429, apierr.StatusCode >= 500:
			return core.TransientError(backendID, op, err)
		default:
			return core.PermanentError(backendID, op, err)
		}
	}
	if errors.Is(err, context.Canceled) {
		return core.PermanentError(backendID, op, err)
	}
	// Network-level failure without an API status: worth one more try.
	return core.TransientError(backendID, op, err)
}
