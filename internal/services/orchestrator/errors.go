package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/metergate/metergate/internal/services/providers"
)

// Envelope error codes. Every pipeline failure maps onto exactly one of
// these; the HTTP layer renders them without re-interpreting.
const (
	CodeInvalidRequest      = "invalid_request"
	CodeUnauthorized        = "unauthorized"
	CodeForbidden           = "forbidden"
	CodeInsufficientCredits = "insufficient_credits"
	CodeTierRestricted      = "tier_restricted"
	CodeNotFound            = "not_found"
	CodeConflict            = "conflict"
	CodeValidationError     = "validation_error"
	CodeRateLimited         = "rate_limit_exceeded"
	CodeInternal            = "internal_server_error"
	CodeUnavailable         = "service_unavailable"
)

// Error is a pipeline failure with its HTTP mapping already decided.
type Error struct {
	Status  int
	Code    string
	Message string
	Details map[string]interface{}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func badRequest(message string) *Error {
	return &Error{Status: http.StatusBadRequest, Code: CodeInvalidRequest, Message: message}
}

func validationError(message string, details map[string]interface{}) *Error {
	return &Error{Status: http.StatusUnprocessableEntity, Code: CodeValidationError, Message: message, Details: details}
}

func notFound(message string) *Error {
	return &Error{Status: http.StatusNotFound, Code: CodeNotFound, Message: message}
}

func unavailable(message string) *Error {
	return &Error{Status: http.StatusServiceUnavailable, Code: CodeUnavailable, Message: message}
}

func internalError(message string) *Error {
	return &Error{Status: http.StatusInternalServerError, Code: CodeInternal, Message: message}
}

func insufficientCredits(required, available int64) *Error {
	return &Error{
		Status:  http.StatusPaymentRequired,
		Code:    CodeInsufficientCredits,
		Message: "not enough credits to run this request",
		Details: map[string]interface{}{
			"required":  required,
			"available": available,
			"shortfall": required - available,
		},
	}
}

// mapProviderError translates a dispatch failure into the envelope error
// the client sees. Upstream auth failures stay internal because the
// credentials are the gateway's, not the caller's.
func (s *Service) mapProviderError(modelID string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return unavailable("upstream provider timed out")
	}
	if errors.Is(err, providers.ErrUnavailable) || errors.Is(err, providers.ErrNotConfigured) {
		return unavailable("model temporarily unavailable")
	}

	var provErr *providers.Error
	if errors.As(err, &provErr) {
		switch {
		case provErr.StatusCode == http.StatusUnauthorized || provErr.StatusCode == http.StatusForbidden:
			s.logger.Error("provider rejected gateway credentials",
				zap.String("provider", provErr.Provider),
				zap.Int("status", provErr.StatusCode))
			return internalError("inference failed")
		case provErr.StatusCode == http.StatusUnprocessableEntity:
			return validationError(provErr.Message, nil)
		case provErr.StatusCode >= 400 && provErr.StatusCode < 500 && provErr.StatusCode != http.StatusTooManyRequests:
			return badRequest(provErr.Message)
		default:
			return unavailable("upstream provider error")
		}
	}

	s.logger.Error("provider dispatch failed", zap.Error(err), zap.String("model", modelID))
	return unavailable("upstream provider error")
}

// providerStatus extracts the upstream status code for metrics; zero
// means a transport-level failure.
func providerStatus(err error) int {
	var provErr *providers.Error
	if errors.As(err, &provErr) {
		return provErr.StatusCode
	}
	return 0
}
