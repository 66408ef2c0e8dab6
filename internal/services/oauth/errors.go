package oauth

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
)

var (
	ErrUserInactive      = errors.New("user is inactive")
	ErrInsufficientScope = errors.New("token lacks the required scope")
)

// TokenError is an RFC 6749 token-endpoint error. The JSON tags make it the
// response body as-is.
type TokenError struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
	Status      int    `json:"-"`
}

func (e *TokenError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func invalidRequest(description string) *TokenError {
	return &TokenError{Code: "invalid_request", Description: description, Status: http.StatusBadRequest}
}

func invalidClient(description string) *TokenError {
	return &TokenError{Code: "invalid_client", Description: description, Status: http.StatusUnauthorized}
}

func invalidGrant(description string) *TokenError {
	return &TokenError{Code: "invalid_grant", Description: description, Status: http.StatusBadRequest}
}

func invalidScope(description string) *TokenError {
	return &TokenError{Code: "invalid_scope", Description: description, Status: http.StatusBadRequest}
}

// AuthorizeError is an authorize-endpoint failure. When RedirectURI is set
// the client's redirect target was validated and the error travels back as
// query parameters; when empty the error must be rendered at the gateway,
// never redirected.
type AuthorizeError struct {
	Code        string
	Description string
	RedirectURI string
	State       string
}

func (e *AuthorizeError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// RedirectURL returns the client redirect carrying the error, or "" when
// the error has to stay at the gateway.
func (e *AuthorizeError) RedirectURL() string {
	if e.RedirectURI == "" {
		return ""
	}
	u, err := url.Parse(e.RedirectURI)
	if err != nil {
		return ""
	}

	q := u.Query()
	q.Set("error", e.Code)
	if e.Description != "" {
		q.Set("error_description", e.Description)
	}
	if e.State != "" {
		q.Set("state", e.State)
	}
	u.RawQuery = q.Encode()
	return u.String()
}
