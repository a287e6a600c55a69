package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/stratamem/strata-go-sdk/config"
	"github.com/stratamem/strata-go-sdk/core"
)

// openAIProvider speaks any OpenAI-compatible chat/embeddings endpoint
// (OpenRouter, Ollama, vLLM, the OpenAI API itself).
type openAIProvider struct {
	id          string
	baseURL     string
	apiKey      string
	model       string
	embedModel  string
	maxTokens   int64
	temperature float64
	httpClient  *http.Client
}

func newOpenAIProvider(id string, p config.Profile) *openAIProvider {
	return &openAIProvider{
		id:          id,
		baseURL:     strings.TrimRight(strings.TrimSpace(p.BaseURL), "/"),
		apiKey:      p.ResolveAPIKey(),
		model:       p.Model,
		embedModel:  p.EmbedModel,
		maxTokens:   p.MaxTokens,
		temperature: p.Temperature,
		httpClient:  &http.Client{Timeout: 60 * time.Second},
	}
}

func (o *openAIProvider) Generate(ctx context.Context, prompt string, p Params) (string, error) {
	if o.model == "" {
		return "", core.PermanentError(o.id, "generate", fmt.Errorf("profile has no chat model"))
	}

	messages := []map[string]string{}
	if p.System != "" {
		messages = append(messages, map[string]string{"role": "system", "content": p.System})
	}
	messages = append(messages, map[string]string{"role": "user", "content": prompt})

	body := map[string]any{
		"model":       o.model,
		"messages":    messages,
		"max_tokens":  o.maxTokens,
		"temperature": o.temperature,
	}

	respBody, err := o.post(ctx, "generate", "/chat/completions", body)
	if err != nil {
		return "", err
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return "", core.PermanentError(o.id, "generate", fmt.Errorf("decode response: %w", err))
	}
	if len(decoded.Choices) == 0 {
		return "", core.PermanentError(o.id, "generate", fmt.Errorf("empty choices in response"))
	}
	return strings.TrimSpace(decoded.Choices[0].Message.Content), nil
}

func (o *openAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	model := o.embedModel
	if model == "" {
		return nil, core.PermanentError(o.id, "embed", fmt.Errorf("profile has no embed model"))
	}

	body := map[string]any{
		"model": model,
		"input": text,
	}

	respBody, err := o.post(ctx, "embed", "/embeddings", body)
	if err != nil {
		return nil, err
	}

	var decoded struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return nil, core.PermanentError(o.id, "embed", fmt.Errorf("decode response: %w", err))
	}
	if len(decoded.Data) == 0 || len(decoded.Data[0].Embedding) == 0 {
		return nil, core.PermanentError(o.id, "embed", fmt.Errorf("empty embedding in response"))
	}
	return decoded.Data[0].Embedding, nil
}

func (o *openAIProvider) post(ctx context.Context, op, path string, body map[string]any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, core.PermanentError(o.id, op, fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, core.PermanentError(o.id, op, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+o.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, core.PermanentError(o.id, op, err)
		}
		// Connection-level failures and deadline blows are retryable.
		return nil, core.TransientError(o.id, op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, core.TransientError(o.id, op, fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		httpErr := fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
		switch {
		case resp.StatusCode == http.StatusRequestTimeout,
			resp.StatusCode == http.StatusTooManyRequests,
			resp.StatusCode >= 500:
			return nil, core.TransientError(o.id, op, httpErr)
		default:
			return nil, core.PermanentError(o.id, op, httpErr)
		}
	}
	return respBody, nil
}
