package providers

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/metergate/metergate/pkg/circuitbreaker"
)

// Provider translates OpenAI-style requests to an upstream vendor API and
// normalizes the responses back. Implementations are safe for concurrent
// use; every call is bounded by its context.
type Provider interface {
	ChatCompletion(ctx context.Context, request *ChatRequest) (*ChatResponse, error)
	ChatCompletionStream(ctx context.Context, request *ChatRequest) (<-chan StreamChunk, error)
	Completion(ctx context.Context, request *CompletionRequest) (*CompletionResponse, error)
	CompletionStream(ctx context.Context, request *CompletionRequest) (<-chan StreamChunk, error)

	Name() string
	HealthCheck(ctx context.Context) error
}

// ErrUnavailable is returned without dialing the upstream when the
// provider's circuit breaker is open.
var ErrUnavailable = errors.New("provider temporarily unavailable")

// Error describes a provider failure. Retryable marks transport errors and
// provider 5xx; validation errors, auth failures and safety refusals keep
// Retryable false and must surface to the caller without another attempt.
type Error struct {
	Provider   string
	StatusCode int
	Type       string
	Code       string
	Message    string
	Retryable  bool
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s (status %d)", e.Provider, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// IsRetryable reports whether err may be retried against the same upstream.
func IsRetryable(err error) bool {
	var provErr *Error
	if errors.As(err, &provErr) {
		return provErr.Retryable
	}
	return false
}

// Normalized finish reasons. Adapters map vendor stop reasons onto these;
// FinishCanceled is set locally when the client disconnects mid-stream.
const (
	FinishStop          = "stop"
	FinishLength        = "length"
	FinishContentFilter = "content_filter"
	FinishToolCalls     = "tool_calls"
	FinishCanceled      = "canceled"
)

// Usage reports token consumption for one inference with cached portions
// broken out. PromptTokens always excludes tokens served from a provider
// cache; the cache buckets carry those counts instead, so the buckets never
// overlap and TotalTokens = PromptTokens + CompletionTokens.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`

	// Anthropic prompt caching.
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
	// OpenAI prompt_tokens_details.cached_tokens.
	CachedPromptTokens int `json:"cached_prompt_tokens,omitempty"`
	// Google usageMetadata.cachedContentTokenCount.
	CachedContentTokens int `json:"cached_content_tokens,omitempty"`
}

type Message struct {
	Role string `json:"role"`
	// Content is either a plain string or a list of content parts. Parts
	// are kept as decoded JSON so vendor extensions like cache_control
	// survive the round trip.
	Content    interface{} `json:"content"`
	Name       string      `json:"name,omitempty"`
	ToolCalls  []ToolCall  `json:"tool_calls,omitempty"`
	ToolCallID string      `json:"tool_call_id,omitempty"`
}

type ToolCall struct {
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function FunctionCall `json:"function"`
}

type FunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type Tool struct {
	Type     string             `json:"type"`
	Function FunctionDefinition `json:"function"`
}

type FunctionDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

type ResponseFormat struct {
	Type string `json:"type"`
}

type StreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type ChatRequest struct {
	Model               string             `json:"model"`
	Messages            []Message          `json:"messages"`
	Temperature         *float64           `json:"temperature,omitempty"`
	TopP                *float64           `json:"top_p,omitempty"`
	N                   int                `json:"n,omitempty"`
	Stream              bool               `json:"stream,omitempty"`
	StreamOptions       *StreamOptions     `json:"stream_options,omitempty"`
	Stop                interface{}        `json:"stop,omitempty"`
	MaxTokens           *int               `json:"max_tokens,omitempty"`
	MaxCompletionTokens *int               `json:"max_completion_tokens,omitempty"`
	PresencePenalty     *float64           `json:"presence_penalty,omitempty"`
	FrequencyPenalty    *float64           `json:"frequency_penalty,omitempty"`
	LogitBias           map[string]float64 `json:"logit_bias,omitempty"`
	User                string             `json:"user,omitempty"`
	ResponseFormat      *ResponseFormat    `json:"response_format,omitempty"`
	Seed                *int               `json:"seed,omitempty"`
	Tools               []Tool             `json:"tools,omitempty"`
	ToolChoice          interface{}        `json:"tool_choice,omitempty"`

	// Extra holds parameters outside the typed schema, such as top_k or
	// thinking_budget. They survive a decode/encode round trip so the
	// constraint filter can validate them and adapters can forward them.
	Extra map[string]interface{} `json:"-"`
}

// chatRequestFields mirrors the json tags above; anything else lands in
// Extra.
var chatRequestFields = map[string]struct{}{
	"model": {}, "messages": {}, "temperature": {}, "top_p": {}, "n": {},
	"stream": {}, "stream_options": {}, "stop": {}, "max_tokens": {},
	"max_completion_tokens": {}, "presence_penalty": {}, "frequency_penalty": {},
	"logit_bias": {}, "user": {}, "response_format": {}, "seed": {},
	"tools": {}, "tool_choice": {},
}

func (r *ChatRequest) UnmarshalJSON(data []byte) error {
	type plain ChatRequest
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	p.Extra = extraFields(data, chatRequestFields)
	*r = ChatRequest(p)
	return nil
}

func (r ChatRequest) MarshalJSON() ([]byte, error) {
	type plain ChatRequest
	return marshalMerged(plain(r), r.Extra)
}

type ChatResponse struct {
	ID                string   `json:"id"`
	Object            string   `json:"object"`
	Created           int64    `json:"created"`
	Model             string   `json:"model"`
	Choices           []Choice `json:"choices"`
	Usage             *Usage   `json:"usage,omitempty"`
	SystemFingerprint string   `json:"system_fingerprint,omitempty"`
}

type Choice struct {
	Index        int      `json:"index"`
	Message      *Message `json:"message,omitempty"`
	FinishReason string   `json:"finish_reason,omitempty"`
}

// StreamChunk is one SSE frame of a streaming response, already re-framed
// to the OpenAI chunk shape. Chat deltas fill Delta, text completions fill
// Text. Only the final chunk of a stream carries Usage.
type StreamChunk struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []StreamChoice `json:"choices"`
	Usage   *Usage         `json:"usage,omitempty"`
}

type StreamChoice struct {
	Index        int    `json:"index"`
	Delta        *Delta `json:"delta,omitempty"`
	Text         string `json:"text,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
}

type Delta struct {
	Role      string          `json:"role,omitempty"`
	Content   string          `json:"content,omitempty"`
	ToolCalls []DeltaToolCall `json:"tool_calls,omitempty"`
}

type DeltaToolCall struct {
	Index    int           `json:"index"`
	ID       string        `json:"id,omitempty"`
	Type     string        `json:"type,omitempty"`
	Function *FunctionCall `json:"function,omitempty"`
}

type CompletionRequest struct {
	Model               string         `json:"model"`
	Prompt              interface{}    `json:"prompt"`
	MaxTokens           *int           `json:"max_tokens,omitempty"`
	MaxCompletionTokens *int           `json:"max_completion_tokens,omitempty"`
	Temperature         *float64       `json:"temperature,omitempty"`
	TopP                *float64       `json:"top_p,omitempty"`
	N                   int            `json:"n,omitempty"`
	Stream              bool           `json:"stream,omitempty"`
	StreamOptions       *StreamOptions `json:"stream_options,omitempty"`
	Stop                interface{}    `json:"stop,omitempty"`
	User                string         `json:"user,omitempty"`

	Extra map[string]interface{} `json:"-"`
}

var completionRequestFields = map[string]struct{}{
	"model": {}, "prompt": {}, "max_tokens": {}, "max_completion_tokens": {},
	"temperature": {}, "top_p": {}, "n": {}, "stream": {}, "stream_options": {},
	"stop": {}, "user": {},
}

func (r *CompletionRequest) UnmarshalJSON(data []byte) error {
	type plain CompletionRequest
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	p.Extra = extraFields(data, completionRequestFields)
	*r = CompletionRequest(p)
	return nil
}

func (r CompletionRequest) MarshalJSON() ([]byte, error) {
	type plain CompletionRequest
	return marshalMerged(plain(r), r.Extra)
}

type CompletionResponse struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []CompletionChoice `json:"choices"`
	Usage   *Usage             `json:"usage,omitempty"`
}

type CompletionChoice struct {
	Index        int    `json:"index"`
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// extraFields returns the top-level keys of data that are not part of the
// typed schema.
func extraFields(data []byte, known map[string]struct{}) map[string]interface{} {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil
	}

	var extra map[string]interface{}
	for key, value := range raw {
		if _, ok := known[key]; ok {
			continue
		}
		var decoded interface{}
		if err := json.Unmarshal(value, &decoded); err != nil {
			continue
		}
		if extra == nil {
			extra = make(map[string]interface{})
		}
		extra[key] = decoded
	}
	return extra
}

// marshalMerged marshals v and overlays the extra keys that do not collide
// with fields v already produced.
func marshalMerged(v interface{}, extra map[string]interface{}) ([]byte, error) {
	base, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if len(extra) == 0 {
		return base, nil
	}

	merged := make(map[string]interface{}, len(extra)+16)
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for key, value := range extra {
		if _, exists := merged[key]; !exists {
			merged[key] = value
		}
	}
	return json.Marshal(merged)
}

// stopSequences coerces the OpenAI stop field (string or list of strings)
// into a slice.
func stopSequences(stop interface{}) []string {
	switch v := stop.(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

const idAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// generateID builds an OpenAI-style identifier such as "chatcmpl-8fK...".
func generateID(prefix string) string {
	buf := make([]byte, 29)
	if _, err := rand.Read(buf); err != nil {
		return prefix + strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	for i, b := range buf {
		buf[i] = idAlphabet[int(b)%len(idAlphabet)]
	}
	return prefix + string(buf)
}

const (
	defaultProviderTimeout = 60 * time.Second
	streamBufferSize       = 100
	sendAttempts           = 2
	retryBackoff           = 500 * time.Millisecond
	maxErrorBody           = 64 << 10
)

// baseProvider carries the HTTP plumbing shared by every adapter: a pooled
// client, the circuit breaker, and retry-once on transport errors and 5xx.
type baseProvider struct {
	name       string
	client     *http.Client
	breaker    *circuitbreaker.Breaker
	logger     *zap.Logger
	parseError func(status int, body []byte) *Error
}

func newBaseProvider(name string, timeout time.Duration, breaker *circuitbreaker.Breaker, logger *zap.Logger, parseError func(int, []byte) *Error) *baseProvider {
	if timeout <= 0 {
		timeout = defaultProviderTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	// No overall client timeout: streaming responses stay open for minutes
	// and are bounded by the request context instead. The header timeout
	// still catches unresponsive upstreams.
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = timeout

	return &baseProvider{
		name:       name,
		client:     &http.Client{Transport: transport},
		breaker:    breaker,
		logger:     logger,
		parseError: parseError,
	}
}

func (b *baseProvider) Name() string {
	return b.name
}

// send issues the request, retrying once after a short backoff on transport
// errors and 5xx responses. 4xx responses return immediately as fatal
// errors. The breaker sees every attempt; when it is open no request is
// made at all.
func (b *baseProvider) send(ctx context.Context, method, url string, header http.Header, body []byte) (*http.Response, error) {
	if b.breaker != nil && b.breaker.Open() {
		return nil, ErrUnavailable
	}

	var lastErr error
	for attempt := 0; attempt < sendAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryBackoff):
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		for key, values := range header {
			req.Header[key] = values
		}
		if body != nil && req.Header.Get("Content-Type") == "" {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := b.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if b.breaker != nil {
				b.breaker.RecordFailure()
			}
			lastErr = &Error{Provider: b.name, Message: err.Error(), Retryable: true}
			b.logger.Warn("Provider request failed",
				zap.String("provider", b.name),
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			continue
		}

		if resp.StatusCode >= 500 {
			if b.breaker != nil {
				b.breaker.RecordFailure()
			}
			lastErr = b.responseError(resp)
			b.logger.Warn("Provider returned server error",
				zap.String("provider", b.name),
				zap.Int("status", resp.StatusCode),
				zap.Int("attempt", attempt+1))
			continue
		}

		if resp.StatusCode >= 400 {
			return nil, b.responseError(resp)
		}

		if b.breaker != nil {
			b.breaker.RecordSuccess()
		}
		return resp, nil
	}

	return nil, lastErr
}

// responseError drains and closes the body and maps it through the
// adapter's error parser.
func (b *baseProvider) responseError(resp *http.Response) *Error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	resp.Body.Close()

	var apiErr *Error
	if b.parseError != nil {
		apiErr = b.parseError(resp.StatusCode, body)
	}
	if apiErr == nil {
		apiErr = &Error{Message: http.StatusText(resp.StatusCode)}
	}
	apiErr.Provider = b.name
	apiErr.StatusCode = resp.StatusCode
	apiErr.Retryable = resp.StatusCode >= 500
	return apiErr
}

type sseEvent struct {
	name string
	data string
}

// readSSE walks a text/event-stream body and hands each event to emit,
// stopping at EOF or when emit returns false. Multi-line data fields are
// joined with newlines per the SSE format.
func readSSE(r io.Reader, emit func(sseEvent) bool) error {
	reader := bufio.NewReader(r)
	var event sseEvent

	flush := func() bool {
		if event.name == "" && event.data == "" {
			return true
		}
		keep := emit(event)
		event = sseEvent{}
		return keep
	}

	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			trimmed := strings.TrimRight(line, "\r\n")
			switch {
			case trimmed == "":
				if !flush() {
					return nil
				}
			case strings.HasPrefix(trimmed, "event:"):
				event.name = strings.TrimSpace(strings.TrimPrefix(trimmed, "event:"))
			case strings.HasPrefix(trimmed, "data:"):
				data := strings.TrimPrefix(strings.TrimPrefix(trimmed, "data:"), " ")
				if event.data != "" {
					event.data += "\n"
				}
				event.data += data
			}
		}
		if err != nil {
			flush()
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// completionToChat bridges the legacy text surface onto a chat API for
// vendors that no longer expose a completions endpoint.
func completionToChat(request *CompletionRequest) *ChatRequest {
	return &ChatRequest{
		Model:               request.Model,
		Messages:            []Message{{Role: "user", Content: promptText(request.Prompt)}},
		MaxTokens:           request.MaxTokens,
		MaxCompletionTokens: request.MaxCompletionTokens,
		Temperature:         request.Temperature,
		TopP:                request.TopP,
		N:                   request.N,
		Stop:                request.Stop,
		User:                request.User,
		Extra:               request.Extra,
	}
}

func chatToCompletion(resp *ChatResponse) *CompletionResponse {
	out := &CompletionResponse{
		ID:      resp.ID,
		Object:  "text_completion",
		Created: resp.Created,
		Model:   resp.Model,
		Usage:   resp.Usage,
	}
	for _, choice := range resp.Choices {
		text := ""
		if choice.Message != nil {
			if s, ok := choice.Message.Content.(string); ok {
				text = s
			}
		}
		out.Choices = append(out.Choices, CompletionChoice{
			Index:        choice.Index,
			Text:         text,
			FinishReason: choice.FinishReason,
		})
	}
	return out
}

// reframeCompletionStream rewrites chat chunks as text_completion chunks,
// dropping pure role frames that have no text equivalent.
func reframeCompletionStream(upstream <-chan StreamChunk) <-chan StreamChunk {
	ch := make(chan StreamChunk, streamBufferSize)
	go func() {
		defer close(ch)
		for chunk := range upstream {
			out := StreamChunk{
				ID:      chunk.ID,
				Object:  "text_completion",
				Created: chunk.Created,
				Model:   chunk.Model,
				Usage:   chunk.Usage,
			}
			for _, choice := range chunk.Choices {
				text := ""
				if choice.Delta != nil {
					text = choice.Delta.Content
				}
				if text == "" && choice.FinishReason == "" {
					continue
				}
				out.Choices = append(out.Choices, StreamChoice{
					Index:        choice.Index,
					Text:         text,
					FinishReason: choice.FinishReason,
				})
			}
			if len(out.Choices) == 0 && out.Usage == nil {
				continue
			}
			ch <- out
		}
	}()
	return ch
}

// promptText flattens the completions prompt field, which may be a string
// or a list of strings.
func promptText(prompt interface{}) string {
	switch v := prompt.(type) {
	case string:
		return v
	case []string:
		return strings.Join(v, "\n")
	case []interface{}:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "\n")
	default:
		return ""
	}
}
