package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/metergate/metergate/pkg/circuitbreaker"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAIProvider is a near passthrough: requests already use the OpenAI
// schema, so translation is limited to stream bookkeeping and usage
// normalization.
type OpenAIProvider struct {
	*baseProvider
	apiKey  string
	baseURL string
	orgID   string
}

func NewOpenAIProvider(name string, cfg ProviderConfig, logger *zap.Logger) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: API key is required")
	}

	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}

	breaker := circuitbreaker.New(cfg.BreakerThreshold, cfg.BreakerCooldown)
	return &OpenAIProvider{
		baseProvider: newBaseProvider(name, cfg.Timeout, breaker, logger, parseOpenAIError),
		apiKey:       cfg.APIKey,
		baseURL:      baseURL,
		orgID:        cfg.OrgID,
	}, nil
}

func (p *OpenAIProvider) headers() http.Header {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+p.apiKey)
	// Some key exports carry placeholder org ids; only send real ones.
	if p.orgID != "" && p.orgID != "0" && p.orgID != "null" {
		header.Set("OpenAI-Organization", p.orgID)
	}
	return header
}

func (p *OpenAIProvider) ChatCompletion(ctx context.Context, request *ChatRequest) (*ChatResponse, error) {
	r := *request
	r.Stream = false
	r.StreamOptions = nil

	body, err := json.Marshal(&r)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	resp, err := p.send(ctx, http.MethodPost, p.baseURL+"/chat/completions", p.headers(), body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Provider: p.name, Message: "read response: " + err.Error(), Retryable: true}
	}

	var wire openAIChatResponse
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &ChatResponse{
		ID:                wire.ID,
		Object:            wire.Object,
		Created:           wire.Created,
		Model:             wire.Model,
		Choices:           wire.Choices,
		Usage:             wire.Usage.normalized(),
		SystemFingerprint: wire.SystemFingerprint,
	}, nil
}

func (p *OpenAIProvider) ChatCompletionStream(ctx context.Context, request *ChatRequest) (<-chan StreamChunk, error) {
	r := *request
	r.Stream = true
	// Without include_usage the upstream never reports token counts on a
	// stream, and billing would have nothing to settle against.
	r.StreamOptions = &StreamOptions{IncludeUsage: true}

	body, err := json.Marshal(&r)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	header := p.headers()
	header.Set("Accept", "text/event-stream")

	resp, err := p.send(ctx, http.MethodPost, p.baseURL+"/chat/completions", header, body)
	if err != nil {
		return nil, err
	}

	ch := make(chan StreamChunk, streamBufferSize)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		err := readSSE(resp.Body, func(event sseEvent) bool {
			if event.data == "[DONE]" {
				return false
			}
			var wire openAIChatChunk
			if err := json.Unmarshal([]byte(event.data), &wire); err != nil {
				p.logger.Warn("Skipping malformed stream chunk",
					zap.String("provider", p.name),
					zap.Error(err))
				return true
			}
			chunk := StreamChunk{
				ID:      wire.ID,
				Object:  wire.Object,
				Created: wire.Created,
				Model:   wire.Model,
				Choices: wire.Choices,
				Usage:   wire.Usage.normalized(),
			}
			select {
			case ch <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		})
		if err != nil && ctx.Err() == nil {
			p.logger.Warn("Stream ended with error",
				zap.String("provider", p.name),
				zap.Error(err))
		}
	}()

	return ch, nil
}

func (p *OpenAIProvider) Completion(ctx context.Context, request *CompletionRequest) (*CompletionResponse, error) {
	r := *request
	r.Stream = false
	r.StreamOptions = nil

	body, err := json.Marshal(&r)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	resp, err := p.send(ctx, http.MethodPost, p.baseURL+"/completions", p.headers(), body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Provider: p.name, Message: "read response: " + err.Error(), Retryable: true}
	}

	var wire openAICompletionResponse
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &CompletionResponse{
		ID:      wire.ID,
		Object:  wire.Object,
		Created: wire.Created,
		Model:   wire.Model,
		Choices: wire.Choices,
		Usage:   wire.Usage.normalized(),
	}, nil
}

func (p *OpenAIProvider) CompletionStream(ctx context.Context, request *CompletionRequest) (<-chan StreamChunk, error) {
	r := *request
	r.Stream = true
	r.StreamOptions = &StreamOptions{IncludeUsage: true}

	body, err := json.Marshal(&r)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	header := p.headers()
	header.Set("Accept", "text/event-stream")

	resp, err := p.send(ctx, http.MethodPost, p.baseURL+"/completions", header, body)
	if err != nil {
		return nil, err
	}

	ch := make(chan StreamChunk, streamBufferSize)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		err := readSSE(resp.Body, func(event sseEvent) bool {
			if event.data == "[DONE]" {
				return false
			}
			var wire openAICompletionChunk
			if err := json.Unmarshal([]byte(event.data), &wire); err != nil {
				p.logger.Warn("Skipping malformed stream chunk",
					zap.String("provider", p.name),
					zap.Error(err))
				return true
			}
			chunk := StreamChunk{
				ID:      wire.ID,
				Object:  wire.Object,
				Created: wire.Created,
				Model:   wire.Model,
				Usage:   wire.Usage.normalized(),
			}
			for _, choice := range wire.Choices {
				chunk.Choices = append(chunk.Choices, StreamChoice{
					Index:        choice.Index,
					Text:         choice.Text,
					FinishReason: choice.FinishReason,
				})
			}
			select {
			case ch <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		})
		if err != nil && ctx.Err() == nil {
			p.logger.Warn("Stream ended with error",
				zap.String("provider", p.name),
				zap.Error(err))
		}
	}()

	return ch, nil
}

func (p *OpenAIProvider) HealthCheck(ctx context.Context) error {
	resp, err := p.send(ctx, http.MethodGet, p.baseURL+"/models", p.headers(), nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// openAIUsage is the wire shape; cached tokens arrive as a detail bucket
// still included in prompt_tokens and are carved out during normalization.
type openAIUsage struct {
	PromptTokens        int `json:"prompt_tokens"`
	CompletionTokens    int `json:"completion_tokens"`
	TotalTokens         int `json:"total_tokens"`
	PromptTokensDetails struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"prompt_tokens_details"`
}

func (u *openAIUsage) normalized() *Usage {
	if u == nil {
		return nil
	}
	cached := u.PromptTokensDetails.CachedTokens
	prompt := u.PromptTokens - cached
	if prompt < 0 {
		prompt = 0
	}
	return &Usage{
		PromptTokens:       prompt,
		CompletionTokens:   u.CompletionTokens,
		TotalTokens:        prompt + u.CompletionTokens,
		CachedPromptTokens: cached,
	}
}

type openAIChatResponse struct {
	ID                string       `json:"id"`
	Object            string       `json:"object"`
	Created           int64        `json:"created"`
	Model             string       `json:"model"`
	Choices           []Choice     `json:"choices"`
	Usage             *openAIUsage `json:"usage"`
	SystemFingerprint string       `json:"system_fingerprint"`
}

type openAIChatChunk struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []StreamChoice `json:"choices"`
	Usage   *openAIUsage   `json:"usage"`
}

type openAICompletionResponse struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []CompletionChoice `json:"choices"`
	Usage   *openAIUsage       `json:"usage"`
}

type openAICompletionChunk struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []CompletionChoice `json:"choices"`
	Usage   *openAIUsage       `json:"usage"`
}

func parseOpenAIError(status int, body []byte) *Error {
	var envelope struct {
		Error struct {
			Message string      `json:"message"`
			Type    string      `json:"type"`
			Code    interface{} `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Error.Message == "" {
		return nil
	}

	apiErr := &Error{
		Type:    envelope.Error.Type,
		Message: envelope.Error.Message,
	}
	if envelope.Error.Code != nil {
		apiErr.Code = fmt.Sprintf("%v", envelope.Error.Code)
	}
	return apiErr
}
