package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/metergate/metergate/pkg/circuitbreaker"
)

const (
	defaultGoogleBaseURL    = "https://generativelanguage.googleapis.com"
	defaultGoogleAPIVersion = "v1beta"
)

// GoogleProvider speaks the Gemini generateContent API. Roles map
// user→user and assistant→model, system messages become the
// systemInstruction, and usageMetadata is normalized so cached content
// tokens leave the prompt count.
type GoogleProvider struct {
	*baseProvider
	apiKey     string
	baseURL    string
	apiVersion string
}

func NewGoogleProvider(name string, cfg ProviderConfig, logger *zap.Logger) (*GoogleProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("google: API key is required")
	}

	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultGoogleBaseURL
	}

	apiVersion := cfg.APIVersion
	if apiVersion == "" {
		apiVersion = defaultGoogleAPIVersion
	}

	breaker := circuitbreaker.New(cfg.BreakerThreshold, cfg.BreakerCooldown)
	return &GoogleProvider{
		baseProvider: newBaseProvider(name, cfg.Timeout, breaker, logger, parseGoogleError),
		apiKey:       cfg.APIKey,
		baseURL:      baseURL,
		apiVersion:   apiVersion,
	}, nil
}

func (p *GoogleProvider) headers() http.Header {
	// The key travels in a header rather than the query string so request
	// logs never see it.
	header := http.Header{}
	header.Set("x-goog-api-key", p.apiKey)
	return header
}

func (p *GoogleProvider) endpoint(model, method string) string {
	return fmt.Sprintf("%s/%s/models/%s:%s", p.baseURL, p.apiVersion, url.PathEscape(model), method)
}

func (p *GoogleProvider) ChatCompletion(ctx context.Context, request *ChatRequest) (*ChatResponse, error) {
	body, err := translateGoogleRequest(request)
	if err != nil {
		return nil, err
	}

	resp, err := p.send(ctx, http.MethodPost, p.endpoint(request.Model, "generateContent"), p.headers(), body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Provider: p.name, Message: "read response: " + err.Error(), Retryable: true}
	}

	var wire googleResponse
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return toGoogleChatResponse(request.Model, &wire), nil
}

func (p *GoogleProvider) ChatCompletionStream(ctx context.Context, request *ChatRequest) (<-chan StreamChunk, error) {
	body, err := translateGoogleRequest(request)
	if err != nil {
		return nil, err
	}

	header := p.headers()
	header.Set("Accept", "text/event-stream")

	resp, err := p.send(ctx, http.MethodPost, p.endpoint(request.Model, "streamGenerateContent")+"?alt=sse", header, body)
	if err != nil {
		return nil, err
	}

	ch := make(chan StreamChunk, streamBufferSize)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		var (
			id        = generateID("chatcmpl-")
			created   = time.Now().Unix()
			lastUsage *googleUsageMetadata
			finish    string
			started   bool
			toolIndex = -1
		)
		frame := func(choices ...StreamChoice) StreamChunk {
			return StreamChunk{
				ID:      id,
				Object:  "chat.completion.chunk",
				Created: created,
				Model:   request.Model,
				Choices: choices,
			}
		}
		send := func(chunk StreamChunk) bool {
			select {
			case ch <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}

		err := readSSE(resp.Body, func(event sseEvent) bool {
			var wire googleResponse
			if err := json.Unmarshal([]byte(event.data), &wire); err != nil {
				p.logger.Warn("Skipping malformed stream chunk",
					zap.String("provider", p.name),
					zap.Error(err))
				return true
			}
			if wire.UsageMetadata != nil {
				lastUsage = wire.UsageMetadata
			}

			for _, candidate := range wire.Candidates {
				if !started {
					started = true
					if !send(frame(StreamChoice{Index: 0, Delta: &Delta{Role: "assistant"}})) {
						return false
					}
				}
				if candidate.Content != nil {
					for _, part := range candidate.Content.Parts {
						if part.Text != "" {
							if !send(frame(StreamChoice{Index: 0, Delta: &Delta{Content: part.Text}})) {
								return false
							}
						}
						if part.FunctionCall != nil {
							toolIndex++
							args, _ := json.Marshal(part.FunctionCall.Args)
							call := DeltaToolCall{
								Index: toolIndex,
								ID:    generateID("call_"),
								Type:  "function",
								Function: &FunctionCall{
									Name:      part.FunctionCall.Name,
									Arguments: string(args),
								},
							}
							if !send(frame(StreamChoice{Index: 0, Delta: &Delta{ToolCalls: []DeltaToolCall{call}}})) {
								return false
							}
						}
					}
				}
				if candidate.FinishReason != "" {
					finish = googleFinishReason(candidate.FinishReason)
					if toolIndex >= 0 && finish == FinishStop {
						finish = FinishToolCalls
					}
				}
			}
			return true
		})
		if err != nil && ctx.Err() == nil {
			p.logger.Warn("Stream ended with error",
				zap.String("provider", p.name),
				zap.Error(err))
		}
		if ctx.Err() != nil {
			return
		}

		if finish == "" {
			finish = FinishStop
		}
		if !send(frame(StreamChoice{Index: 0, Delta: &Delta{}, FinishReason: finish})) {
			return
		}
		if lastUsage != nil {
			final := frame()
			final.Usage = lastUsage.normalized()
			send(final)
		}
	}()

	return ch, nil
}

func (p *GoogleProvider) Completion(ctx context.Context, request *CompletionRequest) (*CompletionResponse, error) {
	chatResp, err := p.ChatCompletion(ctx, completionToChat(request))
	if err != nil {
		return nil, err
	}
	return chatToCompletion(chatResp), nil
}

func (p *GoogleProvider) CompletionStream(ctx context.Context, request *CompletionRequest) (<-chan StreamChunk, error) {
	upstream, err := p.ChatCompletionStream(ctx, completionToChat(request))
	if err != nil {
		return nil, err
	}
	return reframeCompletionStream(upstream), nil
}

func (p *GoogleProvider) HealthCheck(ctx context.Context) error {
	resp, err := p.send(ctx, http.MethodGet, fmt.Sprintf("%s/%s/models", p.baseURL, p.apiVersion), p.headers(), nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func translateGoogleRequest(request *ChatRequest) ([]byte, error) {
	wire := &googleRequest{}

	var systemParts []googlePart
	for _, msg := range request.Messages {
		parts := googleParts(msg.Content)
		switch msg.Role {
		case "system":
			systemParts = append(systemParts, parts...)
		case "assistant":
			for _, call := range msg.ToolCalls {
				var args map[string]interface{}
				if call.Function.Arguments != "" {
					_ = json.Unmarshal([]byte(call.Function.Arguments), &args)
				}
				parts = append(parts, googlePart{FunctionCall: &googleFunctionCall{
					Name: call.Function.Name,
					Args: args,
				}})
			}
			if len(parts) > 0 {
				wire.Contents = append(wire.Contents, googleContent{Role: "model", Parts: parts})
			}
		default:
			// Tool results have no first-class slot; they ride along as
			// user text.
			if len(parts) > 0 {
				wire.Contents = append(wire.Contents, googleContent{Role: "user", Parts: parts})
			}
		}
	}
	if len(systemParts) > 0 {
		wire.SystemInstruction = &googleContent{Parts: systemParts}
	}

	config := &googleGenerationConfig{
		Temperature:   request.Temperature,
		TopP:          request.TopP,
		StopSequences: stopSequences(request.Stop),
	}
	if request.MaxTokens != nil {
		config.MaxOutputTokens = request.MaxTokens
	} else if request.MaxCompletionTokens != nil {
		config.MaxOutputTokens = request.MaxCompletionTokens
	}
	if request.N > 1 {
		n := request.N
		config.CandidateCount = &n
	}

	// top_k belongs inside generationConfig, so it cannot ride the
	// top-level extra merge like it does for other vendors.
	extra := request.Extra
	if v, ok := extra["top_k"]; ok {
		if f, ok := v.(float64); ok {
			k := int(f)
			config.TopK = &k
		}
		extra = cloneWithout(extra, "top_k")
	}
	wire.GenerationConfig = config

	if len(request.Tools) > 0 {
		decl := googleToolDecl{}
		for _, tool := range request.Tools {
			decl.FunctionDeclarations = append(decl.FunctionDeclarations, googleFunctionDecl{
				Name:        tool.Function.Name,
				Description: tool.Function.Description,
				Parameters:  tool.Function.Parameters,
			})
		}
		wire.Tools = []googleToolDecl{decl}
	}

	return marshalMerged(wire, extra)
}

func cloneWithout(m map[string]interface{}, key string) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if k != key {
			out[k] = v
		}
	}
	return out
}

func googleParts(content interface{}) []googlePart {
	switch v := content.(type) {
	case string:
		if v == "" {
			return nil
		}
		return []googlePart{{Text: v}}
	case []interface{}:
		var parts []googlePart
		for _, item := range v {
			if m, ok := item.(map[string]interface{}); ok {
				if text, ok := m["text"].(string); ok && text != "" {
					parts = append(parts, googlePart{Text: text})
				}
			}
		}
		return parts
	default:
		return nil
	}
}

func toGoogleChatResponse(model string, wire *googleResponse) *ChatResponse {
	resp := &ChatResponse{
		ID:      generateID("chatcmpl-"),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Usage:   wire.UsageMetadata.normalized(),
	}

	for i, candidate := range wire.Candidates {
		message := Message{Role: "assistant"}
		var text strings.Builder
		if candidate.Content != nil {
			for _, part := range candidate.Content.Parts {
				text.WriteString(part.Text)
				if part.FunctionCall != nil {
					args, _ := json.Marshal(part.FunctionCall.Args)
					message.ToolCalls = append(message.ToolCalls, ToolCall{
						ID:   generateID("call_"),
						Type: "function",
						Function: FunctionCall{
							Name:      part.FunctionCall.Name,
							Arguments: string(args),
						},
					})
				}
			}
		}
		message.Content = text.String()

		finish := googleFinishReason(candidate.FinishReason)
		if len(message.ToolCalls) > 0 && finish == FinishStop {
			finish = FinishToolCalls
		}
		resp.Choices = append(resp.Choices, Choice{
			Index:        i,
			Message:      &message,
			FinishReason: finish,
		})
	}
	return resp
}

func googleFinishReason(reason string) string {
	switch reason {
	case "":
		return ""
	case "MAX_TOKENS":
		return FinishLength
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT", "SPII":
		return FinishContentFilter
	default:
		return FinishStop
	}
}

type googleRequest struct {
	Contents          []googleContent         `json:"contents"`
	SystemInstruction *googleContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *googleGenerationConfig `json:"generationConfig,omitempty"`
	Tools             []googleToolDecl        `json:"tools,omitempty"`
}

type googleContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []googlePart `json:"parts"`
}

type googlePart struct {
	Text         string              `json:"text,omitempty"`
	FunctionCall *googleFunctionCall `json:"functionCall,omitempty"`
}

type googleFunctionCall struct {
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args,omitempty"`
}

type googleGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	TopK            *int     `json:"topK,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
	CandidateCount  *int     `json:"candidateCount,omitempty"`
}

type googleToolDecl struct {
	FunctionDeclarations []googleFunctionDecl `json:"functionDeclarations"`
}

type googleFunctionDecl struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

type googleResponse struct {
	Candidates    []googleCandidate    `json:"candidates"`
	UsageMetadata *googleUsageMetadata `json:"usageMetadata"`
	ModelVersion  string               `json:"modelVersion"`
}

type googleCandidate struct {
	Content      *googleContent `json:"content"`
	FinishReason string         `json:"finishReason"`
	Index        int            `json:"index"`
}

// googleUsageMetadata reports promptTokenCount inclusive of cached content,
// so normalization subtracts the cached bucket out.
type googleUsageMetadata struct {
	PromptTokenCount        int `json:"promptTokenCount"`
	CandidatesTokenCount    int `json:"candidatesTokenCount"`
	TotalTokenCount         int `json:"totalTokenCount"`
	CachedContentTokenCount int `json:"cachedContentTokenCount"`
}

func (u *googleUsageMetadata) normalized() *Usage {
	if u == nil {
		return nil
	}
	cached := u.CachedContentTokenCount
	prompt := u.PromptTokenCount - cached
	if prompt < 0 {
		prompt = 0
	}
	return &Usage{
		PromptTokens:        prompt,
		CompletionTokens:    u.CandidatesTokenCount,
		TotalTokens:         prompt + u.CandidatesTokenCount,
		CachedContentTokens: cached,
	}
}

func parseGoogleError(status int, body []byte) *Error {
	var envelope struct {
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
			Status  string `json:"status"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Error.Message == "" {
		return nil
	}
	return &Error{
		Type:    envelope.Error.Status,
		Message: envelope.Error.Message,
	}
}
