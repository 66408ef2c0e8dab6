package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/metergate/metergate/internal/models"
	"github.com/metergate/metergate/internal/services/credits"
	"github.com/metergate/metergate/internal/services/monitoring"
	"github.com/metergate/metergate/internal/services/providers"
)

// streamPingInterval is how often a comment frame keeps idle connections
// alive through proxies.
const streamPingInterval = 15 * time.Second

// usageFrame is the final SSE event before [DONE]. It mirrors the chunk
// shape with the gateway's usage block in place of the provider's.
type usageFrame struct {
	ID      string                   `json:"id"`
	Object  string                   `json:"object"`
	Created int64                    `json:"created"`
	Model   string                   `json:"model"`
	Choices []providers.StreamChoice `json:"choices"`
	Usage   *UsageView               `json:"usage"`
}

// StreamChatCompletion runs the streaming chat pipeline. It returns an
// error only before the response has started; once the stream is open,
// failures are terminal in-stream. On success it returns the settled
// usage, including whatever was salvaged from a canceled stream.
func (s *Service) StreamChatCompletion(ctx context.Context, w http.ResponseWriter, caller Caller, request *providers.ChatRequest) (*UsageView, error) {
	caller = caller.withRequestID()
	if err := validateChatRequest(request); err != nil {
		return nil, err
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, internalError("streaming is not supported on this connection")
	}

	ctx, cancel := context.WithTimeout(ctx, s.streamTimeout)
	defer cancel()

	model, provider, err := s.resolveModel(ctx, caller, request.Model)
	if err != nil {
		return nil, err
	}
	if err := s.applyChatConstraints(model, request); err != nil {
		return nil, err
	}

	prompt := estimateChatPrompt(request.Messages)
	output := outputEstimate(request.MaxTokens, request.MaxCompletionTokens, s.defaultOutput)
	estimate, balances, err := s.preflight(ctx, caller, model, prompt, output)
	if err != nil {
		return nil, err
	}

	request.Stream = true
	started := s.now()
	chunks, err := provider.ChatCompletionStream(ctx, request)
	if err != nil {
		monitoring.RecordProviderError(model.Provider, providerStatus(err))
		monitoring.RecordInference(model.ID, model.Provider, string(models.OperationChat), "error", 0)
		return nil, s.mapProviderError(model.ID, err)
	}

	return s.pump(ctx, w, flusher, caller, model, models.OperationChat, chunks, balances, estimate, started), nil
}

// StreamCompletion runs the streaming text completion pipeline under the
// same contract as StreamChatCompletion.
func (s *Service) StreamCompletion(ctx context.Context, w http.ResponseWriter, caller Caller, request *providers.CompletionRequest) (*UsageView, error) {
	caller = caller.withRequestID()
	if err := validateCompletionRequest(request); err != nil {
		return nil, err
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, internalError("streaming is not supported on this connection")
	}

	ctx, cancel := context.WithTimeout(ctx, s.streamTimeout)
	defer cancel()

	model, provider, err := s.resolveModel(ctx, caller, request.Model)
	if err != nil {
		return nil, err
	}
	if err := s.applyCompletionConstraints(model, request); err != nil {
		return nil, err
	}

	prompt := estimateCompletionPrompt(request.Prompt)
	output := outputEstimate(request.MaxTokens, request.MaxCompletionTokens, s.defaultOutput)
	estimate, balances, err := s.preflight(ctx, caller, model, prompt, output)
	if err != nil {
		return nil, err
	}

	request.Stream = true
	started := s.now()
	chunks, err := provider.CompletionStream(ctx, request)
	if err != nil {
		monitoring.RecordProviderError(model.Provider, providerStatus(err))
		monitoring.RecordInference(model.ID, model.Provider, string(models.OperationCompletion), "error", 0)
		return nil, s.mapProviderError(model.ID, err)
	}

	return s.pump(ctx, w, flusher, caller, model, models.OperationCompletion, chunks, balances, estimate, started), nil
}

// pump forwards upstream chunks as SSE frames and settles the charge when
// the stream ends. Provider usage is held back so the final frame before
// [DONE] is the only one carrying it, with the credit receipt attached.
// On cancellation whatever usage arrived is still settled, and neither
// the usage frame nor [DONE] is written.
func (s *Service) pump(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, caller Caller, model *models.Model, operation models.Operation, chunks <-chan providers.StreamChunk, preflight *credits.Balances, estimate int64, started time.Time) *UsageView {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	pings := time.NewTicker(streamPingInterval)
	defer pings.Stop()

	var (
		usage    *providers.Usage
		finish   string
		frame    usageFrame
		canceled bool
	)

loop:
	for {
		select {
		case <-ctx.Done():
			canceled = true
			break loop
		case <-pings.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				canceled = true
				break loop
			}
			flusher.Flush()
		case chunk, open := <-chunks:
			if !open {
				break loop
			}
			if chunk.Usage != nil {
				usage = chunk.Usage
				chunk.Usage = nil
			}
			if reason := streamFinish(&chunk); reason != "" {
				finish = reason
			}
			rememberFrame(&frame, &chunk)
			if len(chunk.Choices) == 0 {
				continue
			}
			data, err := json.Marshal(chunk)
			if err != nil {
				s.logger.Error("failed to encode stream chunk", zap.Error(err), zap.String("model", model.ID))
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				canceled = true
				break loop
			}
			flusher.Flush()
		}
	}

	if canceled {
		if buffered := drainBuffered(chunks); buffered != nil {
			usage = buffered
		}
		settleCtx, release := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
		defer release()
		view := s.settle(settleCtx, caller, model, operation, usage, preflight, estimate, started, providers.FinishCanceled)
		monitoring.RecordInference(model.ID, model.Provider, string(operation), "canceled", 0)
		return view
	}

	view := s.settle(ctx, caller, model, operation, usage, preflight, estimate, started, finish)
	frame.Choices = []providers.StreamChoice{}
	frame.Usage = view
	if frame.Object == "" {
		frame.Object = defaultStreamObject(operation)
	}
	if frame.Model == "" {
		frame.Model = model.ID
	}
	if data, err := json.Marshal(frame); err == nil {
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err == nil {
			flusher.Flush()
		}
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()

	monitoring.RecordInference(model.ID, model.Provider, string(operation), "success", s.now().Sub(started).Seconds())
	return view
}

// drainBuffered scoops chunks the adapter buffered before it noticed the
// cancellation, keeping the last usage report it finds. It never blocks.
func drainBuffered(chunks <-chan providers.StreamChunk) *providers.Usage {
	var usage *providers.Usage
	for {
		select {
		case chunk, open := <-chunks:
			if !open {
				return usage
			}
			if chunk.Usage != nil {
				usage = chunk.Usage
			}
		default:
			return usage
		}
	}
}

func streamFinish(chunk *providers.StreamChunk) string {
	for _, choice := range chunk.Choices {
		if choice.FinishReason != "" {
			return choice.FinishReason
		}
	}
	return ""
}

func rememberFrame(frame *usageFrame, chunk *providers.StreamChunk) {
	if chunk.ID != "" {
		frame.ID = chunk.ID
	}
	if chunk.Object != "" {
		frame.Object = chunk.Object
	}
	if chunk.Created != 0 {
		frame.Created = chunk.Created
	}
	if chunk.Model != "" {
		frame.Model = chunk.Model
	}
}

func defaultStreamObject(operation models.Operation) string {
	if operation == models.OperationChat {
		return "chat.completion.chunk"
	}
	return "text_completion"
}
