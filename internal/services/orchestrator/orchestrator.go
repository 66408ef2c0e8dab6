// Package orchestrator runs the inference pipeline: model access,
// parameter constraints, the pre-flight credit check, provider dispatch
// and the post-inference deduction. It is the single place where pipeline
// outcomes are mapped to HTTP semantics.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/metergate/metergate/internal/models"
	"github.com/metergate/metergate/internal/services/credits"
	"github.com/metergate/metergate/internal/services/monitoring"
	"github.com/metergate/metergate/internal/services/pricing"
	"github.com/metergate/metergate/internal/services/providers"
	"github.com/metergate/metergate/internal/services/registry"
)

const (
	defaultUnaryTimeout  = 30 * time.Second
	defaultStreamTimeout = 10 * time.Minute

	// settleTimeout bounds the deduction that runs after the client has
	// already disconnected.
	settleTimeout = 15 * time.Second
)

type Config struct {
	Logger    *zap.Logger
	Registry  *registry.Service
	Pricing   *pricing.Service
	Ledger    *credits.Ledger
	Providers *providers.Manager

	// UpgradeURL is included in tier_restricted error details when set.
	UpgradeURL string

	// DefaultOutputEstimate overrides the output-token assumption used by
	// the pre-flight check when the request caps nothing.
	DefaultOutputEstimate int

	UnaryTimeout  time.Duration
	StreamTimeout time.Duration
}

type Service struct {
	logger    *zap.Logger
	registry  *registry.Service
	pricing   *pricing.Service
	ledger    *credits.Ledger
	providers *providers.Manager

	upgradeURL    string
	defaultOutput int
	unaryTimeout  time.Duration
	streamTimeout time.Duration

	now func() time.Time
}

func NewService(config *Config) *Service {
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.UnaryTimeout <= 0 {
		config.UnaryTimeout = defaultUnaryTimeout
	}
	if config.StreamTimeout <= 0 {
		config.StreamTimeout = defaultStreamTimeout
	}

	return &Service{
		logger:        config.Logger,
		registry:      config.Registry,
		pricing:       config.Pricing,
		ledger:        config.Ledger,
		providers:     config.Providers,
		upgradeURL:    config.UpgradeURL,
		defaultOutput: config.DefaultOutputEstimate,
		unaryTimeout:  config.UnaryTimeout,
		streamTimeout: config.StreamTimeout,
		now:           time.Now,
	}
}

// Caller identifies the authenticated user a request runs as.
type Caller struct {
	UserID    uuid.UUID
	Tier      models.Tier
	RequestID string
}

func (c Caller) withRequestID() Caller {
	if c.RequestID == "" {
		c.RequestID = uuid.NewString()
	}
	return c
}

// CreditReceipt reports what an inference cost and what remains.
type CreditReceipt struct {
	Deducted              int64 `json:"deducted"`
	Remaining             int64 `json:"remaining"`
	SubscriptionRemaining int64 `json:"subscription_remaining"`
	PurchasedRemaining    int64 `json:"purchased_remaining"`
}

// UsageView is the usage block returned to clients: the provider's token
// counts plus what they cost.
type UsageView struct {
	PromptTokens     int   `json:"prompt_tokens"`
	CompletionTokens int   `json:"completion_tokens"`
	TotalTokens      int   `json:"total_tokens"`
	CreditsUsed      int64 `json:"credits_used"`

	CachedTokens             int `json:"cached_tokens,omitempty"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`

	Credits *CreditReceipt `json:"credits,omitempty"`
}

// ChatResult is the provider's response with the gateway's usage block in
// place of the raw token counts. The outer Usage field takes precedence
// over the embedded one when marshaling.
type ChatResult struct {
	*providers.ChatResponse
	Usage *UsageView `json:"usage,omitempty"`
}

type CompletionResult struct {
	*providers.CompletionResponse
	Usage *UsageView `json:"usage,omitempty"`
}

// ChatCompletion runs the unary chat pipeline.
func (s *Service) ChatCompletion(ctx context.Context, caller Caller, request *providers.ChatRequest) (*ChatResult, error) {
	caller = caller.withRequestID()
	if err := validateChatRequest(request); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.unaryTimeout)
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

	request.Stream = false
	started := s.now()
	response, err := provider.ChatCompletion(ctx, request)
	if err != nil {
		monitoring.RecordProviderError(model.Provider, providerStatus(err))
		monitoring.RecordInference(model.ID, model.Provider, string(models.OperationChat), "error", 0)
		return nil, s.mapProviderError(model.ID, err)
	}

	view := s.settle(ctx, caller, model, models.OperationChat, response.Usage, balances, estimate, started, chatFinish(response))
	monitoring.RecordInference(model.ID, model.Provider, string(models.OperationChat), "success", s.now().Sub(started).Seconds())

	return &ChatResult{ChatResponse: response, Usage: view}, nil
}

// Completion runs the unary text completion pipeline.
func (s *Service) Completion(ctx context.Context, caller Caller, request *providers.CompletionRequest) (*CompletionResult, error) {
	caller = caller.withRequestID()
	if err := validateCompletionRequest(request); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.unaryTimeout)
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

	request.Stream = false
	started := s.now()
	response, err := provider.Completion(ctx, request)
	if err != nil {
		monitoring.RecordProviderError(model.Provider, providerStatus(err))
		monitoring.RecordInference(model.ID, model.Provider, string(models.OperationCompletion), "error", 0)
		return nil, s.mapProviderError(model.ID, err)
	}

	view := s.settle(ctx, caller, model, models.OperationCompletion, response.Usage, balances, estimate, started, completionFinish(response))
	monitoring.RecordInference(model.ID, model.Provider, string(models.OperationCompletion), "success", s.now().Sub(started).Seconds())

	return &CompletionResult{CompletionResponse: response, Usage: view}, nil
}

func validateChatRequest(request *providers.ChatRequest) error {
	if request.Model == "" {
		return badRequest("model is required")
	}
	if len(request.Messages) == 0 {
		return badRequest("messages must not be empty")
	}
	for i, message := range request.Messages {
		if message.Role == "" {
			return badRequest(fmt.Sprintf("messages[%d] is missing a role", i))
		}
	}
	if request.MaxTokens != nil && *request.MaxTokens < 1 {
		return badRequest("max_tokens must be positive")
	}
	if request.MaxCompletionTokens != nil && *request.MaxCompletionTokens < 1 {
		return badRequest("max_completion_tokens must be positive")
	}
	return nil
}

func validateCompletionRequest(request *providers.CompletionRequest) error {
	if request.Model == "" {
		return badRequest("model is required")
	}
	switch prompt := request.Prompt.(type) {
	case nil:
		return badRequest("prompt is required")
	case string:
		if prompt == "" {
			return badRequest("prompt must not be empty")
		}
	case []interface{}:
		if len(prompt) == 0 {
			return badRequest("prompt must not be empty")
		}
	}
	if request.MaxTokens != nil && *request.MaxTokens < 1 {
		return badRequest("max_tokens must be positive")
	}
	return nil
}

// resolveModel loads the model, checks the caller's tier against it and
// finds its provider. Archived and unavailable models are reported as
// missing rather than announced.
func (s *Service) resolveModel(ctx context.Context, caller Caller, modelID string) (*models.Model, providers.Provider, error) {
	model, access, err := s.registry.GetWithAccess(ctx, modelID, caller.Tier)
	if err != nil {
		if errors.Is(err, registry.ErrModelNotFound) {
			return nil, nil, notFound(fmt.Sprintf("model %q does not exist", modelID))
		}
		s.logger.Error("model lookup failed", zap.Error(err), zap.String("model", modelID))
		return nil, nil, internalError("model lookup failed")
	}
	if !model.Dispatchable() {
		return nil, nil, notFound(fmt.Sprintf("model %q does not exist", modelID))
	}
	if access != models.AccessAllowed {
		return nil, nil, s.tierRestricted(model, caller.Tier)
	}

	provider, err := s.providers.Get(model.Provider)
	if err != nil {
		s.logger.Error("model names an unconfigured provider",
			zap.String("model", model.ID), zap.String("provider", model.Provider))
		return nil, nil, unavailable("model temporarily unavailable")
	}
	return model, provider, nil
}

func (s *Service) tierRestricted(model *models.Model, current models.Tier) *Error {
	details := map[string]interface{}{
		"modelId":      model.ID,
		"requiredTier": string(model.RequiredTier),
		"currentTier":  string(current),
	}
	if s.upgradeURL != "" {
		details["upgradeUrl"] = s.upgradeURL
	}
	return &Error{
		Status:  http.StatusForbidden,
		Code:    CodeTierRestricted,
		Message: fmt.Sprintf("model %q requires the %s tier", model.ID, model.RequiredTier),
		Details: details,
	}
}

// preflight rejects the request before any provider traffic when the
// caller cannot cover the estimated cost. It returns the estimate and the
// balance snapshot for later receipt building.
func (s *Service) preflight(ctx context.Context, caller Caller, model *models.Model, promptTokens, outputTokens int) (int64, *credits.Balances, error) {
	estimate, err := s.pricing.EstimateCredits(ctx, caller.Tier, model.Provider, model.ID, promptTokens, outputTokens)
	if err != nil {
		if errors.Is(err, pricing.ErrNoPricing) {
			s.logger.Error("model has no pricing", zap.String("model", model.ID), zap.String("provider", model.Provider))
			return 0, nil, unavailable("model temporarily unavailable")
		}
		s.logger.Error("credit estimate failed", zap.Error(err), zap.String("model", model.ID))
		return 0, nil, internalError("failed to estimate request cost")
	}

	balances, err := s.ledger.GetDetailed(ctx, caller.UserID)
	if err != nil {
		s.logger.Error("balance lookup failed", zap.Error(err), zap.String("user_id", caller.UserID.String()))
		return 0, nil, internalError("failed to check credit balance")
	}
	if balances.TotalAvailable < estimate {
		return 0, nil, insufficientCredits(estimate, balances.TotalAvailable)
	}
	return estimate, balances, nil
}

// settle prices the provider's reported usage, deducts it and builds the
// usage block for the response. A deduction failure after a successful
// inference defers the charge to reconciliation instead of failing the
// request. Zero usage deducts nothing and writes no record.
func (s *Service) settle(ctx context.Context, caller Caller, model *models.Model, operation models.Operation, usage *providers.Usage, preflight *credits.Balances, estimate int64, started time.Time, finish string) *UsageView {
	if usage == nil {
		usage = &providers.Usage{}
	}
	view := &UsageView{
		PromptTokens:             usage.PromptTokens,
		CompletionTokens:         usage.CompletionTokens,
		TotalTokens:              usage.TotalTokens,
		CachedTokens:             usage.CachedPromptTokens + usage.CachedContentTokens,
		CacheCreationInputTokens: usage.CacheCreationInputTokens,
		CacheReadInputTokens:     usage.CacheReadInputTokens,
	}
	if !consumed(usage) {
		view.Credits = snapshotReceipt(preflight)
		return view
	}

	cacheRead := usage.CacheReadInputTokens + usage.CachedPromptTokens + usage.CachedContentTokens
	monitoring.RecordTokens(model.ID, model.Provider, usage.PromptTokens, usage.CompletionTokens, cacheRead, usage.CacheCreationInputTokens)

	executed := s.now()
	quote, err := s.pricing.Quote(ctx, caller.Tier, model.Provider, model.ID, pricingUsage(usage))
	if err != nil {
		s.logger.Error("pricing failed after inference, deferring charge",
			zap.Error(err),
			zap.String("model", model.ID),
			zap.String("request_id", caller.RequestID))
		meta := buildDeductMeta(caller, model, operation, usage, nil, started, executed, finish)
		s.deferCharge(ctx, caller, estimate, meta, err)
		view.CreditsUsed = estimate
		view.Credits = approximateReceipt(preflight, estimate)
		return view
	}
	view.CreditsUsed = quote.CreditsUsed

	meta := buildDeductMeta(caller, model, operation, usage, quote, started, executed, finish)
	balances, err := s.ledger.Deduct(ctx, caller.UserID, quote.CreditsUsed, meta)
	if err != nil && retryableDeduct(err) {
		balances, err = s.ledger.Deduct(ctx, caller.UserID, quote.CreditsUsed, meta)
	}
	if err != nil {
		s.logger.Error("deduction failed after inference, deferring charge",
			zap.Error(err),
			zap.String("request_id", caller.RequestID),
			zap.String("user_id", caller.UserID.String()),
			zap.Int64("credits", quote.CreditsUsed))
		s.deferCharge(ctx, caller, quote.CreditsUsed, meta, err)
		view.Credits = approximateReceipt(preflight, quote.CreditsUsed)
		return view
	}

	monitoring.RecordCreditsDeducted(string(caller.Tier), quote.CreditsUsed)
	view.Credits = &CreditReceipt{
		Deducted:              quote.CreditsUsed,
		Remaining:             balances.TotalAvailable,
		SubscriptionRemaining: balances.Subscription.Remaining,
		PurchasedRemaining:    balances.Purchased.Remaining,
	}
	return view
}

// retryableDeduct reports whether a second deduction attempt could
// succeed. An insufficient balance will not change between attempts.
func retryableDeduct(err error) bool {
	var insufficient *credits.InsufficientCreditsError
	return !errors.As(err, &insufficient)
}

func (s *Service) deferCharge(ctx context.Context, caller Caller, amount int64, meta *credits.DeductMeta, cause error) {
	monitoring.RecordDeferredCharge()
	if err := s.ledger.CreateReconciliation(ctx, caller.UserID, amount, meta, cause.Error()); err != nil {
		s.logger.Error("failed to record deferred charge",
			zap.Error(err),
			zap.String("request_id", meta.RequestID),
			zap.String("user_id", caller.UserID.String()),
			zap.Int64("credits", amount))
	}
}

func consumed(u *providers.Usage) bool {
	return u.TotalTokens > 0 || u.PromptTokens > 0 || u.CompletionTokens > 0 ||
		u.CacheCreationInputTokens > 0 || u.CacheReadInputTokens > 0 ||
		u.CachedPromptTokens > 0 || u.CachedContentTokens > 0
}

func pricingUsage(u *providers.Usage) pricing.Usage {
	return pricing.Usage{
		InputTokens:         u.PromptTokens,
		OutputTokens:        u.CompletionTokens,
		CacheCreationTokens: u.CacheCreationInputTokens,
		CacheReadTokens:     u.CacheReadInputTokens,
		CachedPromptTokens:  u.CachedPromptTokens,
		CachedContentTokens: u.CachedContentTokens,
	}
}

func buildDeductMeta(caller Caller, model *models.Model, operation models.Operation, usage *providers.Usage, quote *pricing.Quote, started, executed time.Time, finish string) *credits.DeductMeta {
	meta := &credits.DeductMeta{
		RequestID: caller.RequestID,
		ModelID:   model.ID,
		Provider:  model.Provider,
		Operation: operation,

		PromptTokens:        usage.PromptTokens,
		CompletionTokens:    usage.CompletionTokens,
		CacheCreationTokens: usage.CacheCreationInputTokens,
		CacheReadTokens:     usage.CacheReadInputTokens,
		CachedPromptTokens:  usage.CachedPromptTokens,
		CachedContentTokens: usage.CachedContentTokens,

		FinishReason: finish,
		DurationMs:   executed.Sub(started).Milliseconds(),
		ExecutedAt:   executed,
	}
	if quote != nil {
		meta.VendorCostUSD = quote.TotalUSD
		meta.Multiplier = quote.Multiplier
		meta.InputCredits = quote.InputCredits
		meta.OutputCredits = quote.OutputCredits
		meta.CacheWriteCredits = quote.CacheWriteCredits
		meta.CacheReadCredits = quote.CacheReadCredits
		meta.CacheHitRate = quote.CacheHitRate
		meta.CostSavingsPercent = quote.SavingsPercent
	}
	return meta
}

// snapshotReceipt reports the pre-flight balances untouched.
func snapshotReceipt(preflight *credits.Balances) *CreditReceipt {
	if preflight == nil {
		return nil
	}
	return &CreditReceipt{
		Remaining:             preflight.TotalAvailable,
		SubscriptionRemaining: preflight.Subscription.Remaining,
		PurchasedRemaining:    preflight.Purchased.Remaining,
	}
}

// approximateReceipt projects balances after a deferred charge. The
// subscription pool drains first, matching the ledger's settlement order.
func approximateReceipt(preflight *credits.Balances, deducted int64) *CreditReceipt {
	if preflight == nil {
		return &CreditReceipt{Deducted: deducted}
	}
	subscription := preflight.Subscription.Remaining
	purchased := preflight.Purchased.Remaining
	rest := deducted
	if take := min(rest, subscription); take > 0 {
		subscription -= take
		rest -= take
	}
	if take := min(rest, purchased); take > 0 {
		purchased -= take
	}
	return &CreditReceipt{
		Deducted:              deducted,
		Remaining:             max(preflight.TotalAvailable-deducted, 0),
		SubscriptionRemaining: subscription,
		PurchasedRemaining:    purchased,
	}
}

func chatFinish(response *providers.ChatResponse) string {
	for _, choice := range response.Choices {
		if choice.FinishReason != "" {
			return choice.FinishReason
		}
	}
	return ""
}

func completionFinish(response *providers.CompletionResponse) string {
	for _, choice := range response.Choices {
		if choice.FinishReason != "" {
			return choice.FinishReason
		}
	}
	return ""
}
