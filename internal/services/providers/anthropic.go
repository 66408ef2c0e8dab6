package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/metergate/metergate/pkg/circuitbreaker"
)

const (
	defaultAnthropicBaseURL   = "https://api.anthropic.com"
	defaultAnthropicVersion   = "2023-06-01"
	anthropicDefaultMaxTokens = 4096
)

// AnthropicProvider speaks the messages API. System prompts are lifted out
// of the message list, cache_control markers on content parts pass through
// untouched, and the SSE event stream is re-framed into OpenAI-style
// chunks.
type AnthropicProvider struct {
	*baseProvider
	apiKey     string
	baseURL    string
	apiVersion string
}

func NewAnthropicProvider(name string, cfg ProviderConfig, logger *zap.Logger) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic: API key is required")
	}

	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultAnthropicBaseURL
	}

	apiVersion := cfg.APIVersion
	if apiVersion == "" {
		apiVersion = defaultAnthropicVersion
	}

	breaker := circuitbreaker.New(cfg.BreakerThreshold, cfg.BreakerCooldown)
	return &AnthropicProvider{
		baseProvider: newBaseProvider(name, cfg.Timeout, breaker, logger, parseAnthropicError),
		apiKey:       cfg.APIKey,
		baseURL:      baseURL,
		apiVersion:   apiVersion,
	}, nil
}

func (p *AnthropicProvider) headers() http.Header {
	header := http.Header{}
	header.Set("x-api-key", p.apiKey)
	header.Set("anthropic-version", p.apiVersion)
	return header
}

func (p *AnthropicProvider) ChatCompletion(ctx context.Context, request *ChatRequest) (*ChatResponse, error) {
	body, err := p.translateChatRequest(request, false)
	if err != nil {
		return nil, err
	}

	resp, err := p.send(ctx, http.MethodPost, p.baseURL+"/v1/messages", p.headers(), body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Provider: p.name, Message: "read response: " + err.Error(), Retryable: true}
	}

	var wire anthropicResponse
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return p.toChatResponse(&wire), nil
}

func (p *AnthropicProvider) ChatCompletionStream(ctx context.Context, request *ChatRequest) (<-chan StreamChunk, error) {
	body, err := p.translateChatRequest(request, true)
	if err != nil {
		return nil, err
	}

	header := p.headers()
	header.Set("Accept", "text/event-stream")

	resp, err := p.send(ctx, http.MethodPost, p.baseURL+"/v1/messages", header, body)
	if err != nil {
		return nil, err
	}

	ch := make(chan StreamChunk, streamBufferSize)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		state := anthropicStreamState{model: request.Model, created: time.Now().Unix()}
		send := func(chunk StreamChunk) bool {
			select {
			case ch <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}

		err := readSSE(resp.Body, func(event sseEvent) bool {
			return p.handleStreamEvent(event, &state, send)
		})
		if err != nil && ctx.Err() == nil {
			p.logger.Warn("Stream ended with error",
				zap.String("provider", p.name),
				zap.Error(err))
		}
	}()

	return ch, nil
}

// Completion bridges the legacy text surface onto the messages API: the
// prompt becomes a single user message and deltas come back as text.
func (p *AnthropicProvider) Completion(ctx context.Context, request *CompletionRequest) (*CompletionResponse, error) {
	chatResp, err := p.ChatCompletion(ctx, completionToChat(request))
	if err != nil {
		return nil, err
	}
	return chatToCompletion(chatResp), nil
}

func (p *AnthropicProvider) CompletionStream(ctx context.Context, request *CompletionRequest) (<-chan StreamChunk, error) {
	upstream, err := p.ChatCompletionStream(ctx, completionToChat(request))
	if err != nil {
		return nil, err
	}
	return reframeCompletionStream(upstream), nil
}

func (p *AnthropicProvider) HealthCheck(ctx context.Context) error {
	resp, err := p.send(ctx, http.MethodGet, p.baseURL+"/v1/models", p.headers(), nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (p *AnthropicProvider) translateChatRequest(request *ChatRequest, stream bool) ([]byte, error) {
	wire := &anthropicRequest{
		Model:         request.Model,
		MaxTokens:     anthropicDefaultMaxTokens,
		Temperature:   request.Temperature,
		TopP:          request.TopP,
		StopSequences: stopSequences(request.Stop),
		Stream:        stream,
	}
	if request.MaxTokens != nil {
		wire.MaxTokens = *request.MaxTokens
	} else if request.MaxCompletionTokens != nil {
		wire.MaxTokens = *request.MaxCompletionTokens
	}

	var system []interface{}
	for _, msg := range request.Messages {
		switch msg.Role {
		case "system":
			system = append(system, systemBlocks(msg.Content)...)
		case "tool":
			wire.Messages = append(wire.Messages, anthropicMessage{
				Role: "user",
				Content: []interface{}{map[string]interface{}{
					"type":        "tool_result",
					"tool_use_id": msg.ToolCallID,
					"content":     msg.Content,
				}},
			})
		case "assistant":
			wire.Messages = append(wire.Messages, anthropicMessage{
				Role:    "assistant",
				Content: assistantContent(msg),
			})
		default:
			wire.Messages = append(wire.Messages, anthropicMessage{
				Role:    "user",
				Content: msg.Content,
			})
		}
	}
	if len(system) == 1 {
		if block, ok := system[0].(map[string]interface{}); ok {
			if text, ok := block["text"].(string); ok && len(block) == 2 {
				wire.System = text
			}
		}
	}
	if wire.System == nil && len(system) > 0 {
		wire.System = system
	}

	for _, tool := range request.Tools {
		schema := tool.Function.Parameters
		if schema == nil {
			schema = map[string]interface{}{"type": "object"}
		}
		wire.Tools = append(wire.Tools, anthropicTool{
			Name:        tool.Function.Name,
			Description: tool.Function.Description,
			InputSchema: schema,
		})
	}
	wire.ToolChoice = anthropicToolChoice(request.ToolChoice)

	return marshalMerged(wire, request.Extra)
}

// systemBlocks converts a system message's content into system blocks,
// keeping structured parts and their cache_control untouched.
func systemBlocks(content interface{}) []interface{} {
	switch v := content.(type) {
	case string:
		if v == "" {
			return nil
		}
		return []interface{}{map[string]interface{}{"type": "text", "text": v}}
	case []interface{}:
		return v
	default:
		return nil
	}
}

// assistantContent rebuilds an assistant turn, converting recorded tool
// calls back into tool_use blocks.
func assistantContent(msg Message) interface{} {
	if len(msg.ToolCalls) == 0 {
		return msg.Content
	}

	var blocks []interface{}
	switch v := msg.Content.(type) {
	case string:
		if v != "" {
			blocks = append(blocks, map[string]interface{}{"type": "text", "text": v})
		}
	case []interface{}:
		blocks = append(blocks, v...)
	}

	for _, call := range msg.ToolCalls {
		var input interface{} = map[string]interface{}{}
		if call.Function.Arguments != "" {
			var decoded interface{}
			if err := json.Unmarshal([]byte(call.Function.Arguments), &decoded); err == nil {
				input = decoded
			}
		}
		blocks = append(blocks, map[string]interface{}{
			"type":  "tool_use",
			"id":    call.ID,
			"name":  call.Function.Name,
			"input": input,
		})
	}
	return blocks
}

func anthropicToolChoice(choice interface{}) interface{} {
	switch v := choice.(type) {
	case string:
		switch v {
		case "auto":
			return map[string]string{"type": "auto"}
		case "required":
			return map[string]string{"type": "any"}
		case "none":
			return map[string]string{"type": "none"}
		}
	case map[string]interface{}:
		if fn, ok := v["function"].(map[string]interface{}); ok {
			if name, ok := fn["name"].(string); ok {
				return map[string]string{"type": "tool", "name": name}
			}
		}
	}
	return nil
}

func (p *AnthropicProvider) toChatResponse(wire *anthropicResponse) *ChatResponse {
	message := Message{Role: "assistant"}
	var text strings.Builder
	for _, block := range wire.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			message.ToolCalls = append(message.ToolCalls, ToolCall{
				ID:   block.ID,
				Type: "function",
				Function: FunctionCall{
					Name:      block.Name,
					Arguments: string(block.Input),
				},
			})
		}
	}
	message.Content = text.String()

	return &ChatResponse{
		ID:      wire.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   wire.Model,
		Choices: []Choice{{
			Index:        0,
			Message:      &message,
			FinishReason: anthropicFinishReason(wire.StopReason),
		}},
		Usage: wire.Usage.normalized(),
	}
}

func anthropicFinishReason(stopReason string) string {
	switch stopReason {
	case "":
		return ""
	case "max_tokens":
		return FinishLength
	case "tool_use":
		return FinishToolCalls
	case "refusal":
		return FinishContentFilter
	default:
		// end_turn, stop_sequence and anything newer read as a normal stop.
		return FinishStop
	}
}

// anthropicStreamState accumulates what the event stream reveals
// piecemeal: identity from message_start, output tokens and stop reason
// from message_delta.
type anthropicStreamState struct {
	id        string
	model     string
	created   int64
	usage     anthropicUsage
	finish    string
	toolIndex int
}

func (p *AnthropicProvider) handleStreamEvent(event sseEvent, state *anthropicStreamState, send func(StreamChunk) bool) bool {
	if event.name == "ping" || event.data == "" {
		return true
	}

	var wire anthropicStreamEvent
	if err := json.Unmarshal([]byte(event.data), &wire); err != nil {
		p.logger.Warn("Skipping malformed stream event",
			zap.String("provider", p.name),
			zap.String("event", event.name),
			zap.Error(err))
		return true
	}

	switch wire.Type {
	case "message_start":
		if wire.Message != nil {
			state.id = wire.Message.ID
			state.model = wire.Message.Model
			state.usage = wire.Message.Usage
		}
		state.toolIndex = -1
		return send(state.chunk(StreamChoice{Index: 0, Delta: &Delta{Role: "assistant"}}))

	case "content_block_start":
		if wire.ContentBlock == nil || wire.ContentBlock.Type != "tool_use" {
			return true
		}
		state.toolIndex++
		return send(state.chunk(StreamChoice{
			Index: 0,
			Delta: &Delta{ToolCalls: []DeltaToolCall{{
				Index:    state.toolIndex,
				ID:       wire.ContentBlock.ID,
				Type:     "function",
				Function: &FunctionCall{Name: wire.ContentBlock.Name},
			}}},
		}))

	case "content_block_delta":
		if wire.Delta == nil {
			return true
		}
		switch wire.Delta.Type {
		case "text_delta":
			if wire.Delta.Text == "" {
				return true
			}
			return send(state.chunk(StreamChoice{Index: 0, Delta: &Delta{Content: wire.Delta.Text}}))
		case "input_json_delta":
			if state.toolIndex < 0 {
				return true
			}
			return send(state.chunk(StreamChoice{
				Index: 0,
				Delta: &Delta{ToolCalls: []DeltaToolCall{{
					Index:    state.toolIndex,
					Function: &FunctionCall{Arguments: wire.Delta.PartialJSON},
				}}},
			}))
		default:
			return true
		}

	case "message_delta":
		if wire.Delta != nil && wire.Delta.StopReason != "" {
			state.finish = anthropicFinishReason(wire.Delta.StopReason)
		}
		if wire.Usage != nil {
			state.usage.OutputTokens = wire.Usage.OutputTokens
			if wire.Usage.InputTokens > 0 {
				state.usage.InputTokens = wire.Usage.InputTokens
			}
		}
		return true

	case "message_stop":
		finish := state.finish
		if finish == "" {
			finish = FinishStop
		}
		if !send(state.chunk(StreamChoice{Index: 0, Delta: &Delta{}, FinishReason: finish})) {
			return false
		}
		final := state.chunk()
		final.Usage = state.usage.normalized()
		send(final)
		return false

	case "error":
		p.logger.Warn("Upstream reported a stream error",
			zap.String("provider", p.name),
			zap.String("body", event.data))
		return false

	default:
		return true
	}
}

func (s *anthropicStreamState) chunk(choices ...StreamChoice) StreamChunk {
	return StreamChunk{
		ID:      s.id,
		Object:  "chat.completion.chunk",
		Created: s.created,
		Model:   s.model,
		Choices: choices,
	}
}

type anthropicRequest struct {
	Model         string             `json:"model"`
	System        interface{}        `json:"system,omitempty"`
	Messages      []anthropicMessage `json:"messages"`
	MaxTokens     int                `json:"max_tokens"`
	Temperature   *float64           `json:"temperature,omitempty"`
	TopP          *float64           `json:"top_p,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
	Tools         []anthropicTool    `json:"tools,omitempty"`
	ToolChoice    interface{}        `json:"tool_choice,omitempty"`
}

type anthropicMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

type anthropicTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

type anthropicResponse struct {
	ID         string                  `json:"id"`
	Type       string                  `json:"type"`
	Role       string                  `json:"role"`
	Model      string                  `json:"model"`
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      anthropicUsage          `json:"usage"`
}

type anthropicContentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

// anthropicUsage already reports input_tokens exclusive of the cache
// buckets, so normalization is a straight copy.
type anthropicUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

func (u anthropicUsage) normalized() *Usage {
	return &Usage{
		PromptTokens:             u.InputTokens,
		CompletionTokens:         u.OutputTokens,
		TotalTokens:              u.InputTokens + u.OutputTokens,
		CacheCreationInputTokens: u.CacheCreationInputTokens,
		CacheReadInputTokens:     u.CacheReadInputTokens,
	}
}

type anthropicStreamEvent struct {
	Type    string `json:"type"`
	Message *struct {
		ID    string         `json:"id"`
		Model string         `json:"model"`
		Usage anthropicUsage `json:"usage"`
	} `json:"message,omitempty"`
	ContentBlock *struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block,omitempty"`
	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta,omitempty"`
	Usage *anthropicUsage `json:"usage,omitempty"`
}

func parseAnthropicError(status int, body []byte) *Error {
	var envelope struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Error.Message == "" {
		return nil
	}
	return &Error{
		Type:    envelope.Error.Type,
		Message: envelope.Error.Message,
	}
}
