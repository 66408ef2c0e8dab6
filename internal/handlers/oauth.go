package handlers

import (
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/metergate/metergate/internal/services/oauth"
)

// OAuthHandler serves the authorization server surface: discovery, JWKS,
// the browser-facing authorize/callback leg, and the token machinery.
// Errors follow the RFC 6749 wire shapes rather than the gateway
// envelope, because OAuth clients parse them.
type OAuthHandler struct {
	logger  *zap.Logger
	service *oauth.Service
}

func NewOAuthHandler(logger *zap.Logger, service *oauth.Service) *OAuthHandler {
	return &OAuthHandler{logger: logger, service: service}
}

// Discovery serves the OIDC discovery document.
func (h *OAuthHandler) Discovery(w http.ResponseWriter, r *http.Request) {
	sendJSON(h.logger, w, http.StatusOK, h.service.Discovery())
}

// JWKS serves the token verification keys.
func (h *OAuthHandler) JWKS(w http.ResponseWriter, r *http.Request) {
	sendJSON(h.logger, w, http.StatusOK, h.service.JWKS())
}

// Authorize starts the authorization code flow by redirecting the browser
// to the upstream identity provider.
func (h *OAuthHandler) Authorize(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	redirect, err := h.service.Authorize(r.Context(), &oauth.AuthorizeRequest{
		ClientID:            query.Get("client_id"),
		RedirectURI:         query.Get("redirect_uri"),
		ResponseType:        query.Get("response_type"),
		Scope:               query.Get("scope"),
		State:               query.Get("state"),
		CodeChallenge:       query.Get("code_challenge"),
		CodeChallengeMethod: query.Get("code_challenge_method"),
		Nonce:               query.Get("nonce"),
	})
	if err != nil {
		h.renderAuthorizeError(w, r, err)
		return
	}

	http.Redirect(w, r, redirect, http.StatusFound)
}

// Callback finishes the upstream leg and sends the browser back to the
// client with the authorization code.
func (h *OAuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	redirect, err := h.service.HandleCallback(r.Context(), query.Get("state"), query.Get("code"), query.Get("error"))
	if err != nil {
		h.renderAuthorizeError(w, r, err)
		return
	}

	http.Redirect(w, r, redirect, http.StatusFound)
}

// Token exchanges authorization codes and refresh tokens for tokens.
// Client credentials may arrive as HTTP basic auth or form fields.
func (h *OAuthHandler) Token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.renderTokenError(w, &oauth.TokenError{
			Code:        "invalid_request",
			Description: "request body is not a valid form",
			Status:      http.StatusBadRequest,
		})
		return
	}

	req := &oauth.TokenRequest{
		GrantType:    r.PostFormValue("grant_type"),
		Code:         r.PostFormValue("code"),
		RedirectURI:  r.PostFormValue("redirect_uri"),
		CodeVerifier: r.PostFormValue("code_verifier"),
		RefreshToken: r.PostFormValue("refresh_token"),
		Scope:        r.PostFormValue("scope"),
		ClientID:     r.PostFormValue("client_id"),
		ClientSecret: r.PostFormValue("client_secret"),
	}
	if id, secret, ok := r.BasicAuth(); ok {
		req.ClientID = id
		req.ClientSecret = secret
	}

	response, err := h.service.Token(r.Context(), req)
	if err != nil {
		h.renderTokenError(w, err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	sendJSON(h.logger, w, http.StatusOK, response)
}

// Revoke invalidates a token. Unknown tokens still return 200 per
// RFC 7009.
func (h *OAuthHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.renderTokenError(w, &oauth.TokenError{
			Code:        "invalid_request",
			Description: "request body is not a valid form",
			Status:      http.StatusBadRequest,
		})
		return
	}

	req := &oauth.RevokeRequest{
		Token:         r.PostFormValue("token"),
		TokenTypeHint: r.PostFormValue("token_type_hint"),
		ClientID:      r.PostFormValue("client_id"),
		ClientSecret:  r.PostFormValue("client_secret"),
	}
	if id, secret, ok := r.BasicAuth(); ok {
		req.ClientID = id
		req.ClientSecret = secret
	}

	if err := h.service.Revoke(r.Context(), req); err != nil {
		h.renderTokenError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// UserInfo returns OIDC claims for the access token's subject.
func (h *OAuthHandler) UserInfo(w http.ResponseWriter, r *http.Request) {
	token := rawBearer(r)
	if token == "" {
		w.Header().Set("WWW-Authenticate", `Bearer realm="userinfo"`)
		sendJSON(h.logger, w, http.StatusUnauthorized, map[string]string{"error": "invalid_token"})
		return
	}

	info, err := h.service.UserInfo(r.Context(), token)
	if err != nil {
		switch {
		case errors.Is(err, oauth.ErrInsufficientScope):
			w.Header().Set("WWW-Authenticate", `Bearer error="insufficient_scope"`)
			sendJSON(h.logger, w, http.StatusForbidden, map[string]string{"error": "insufficient_scope"})
		case errors.Is(err, oauth.ErrInvalidToken) || errors.Is(err, oauth.ErrTokenRevoked):
			w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
			sendJSON(h.logger, w, http.StatusUnauthorized, map[string]string{"error": "invalid_token"})
		default:
			h.logger.Error("Userinfo lookup failed", zap.Error(err))
			sendJSON(h.logger, w, http.StatusInternalServerError, map[string]string{"error": "server_error"})
		}
		return
	}

	sendJSON(h.logger, w, http.StatusOK, info)
}

// renderAuthorizeError sends the error back to the client when the
// redirect target was validated, and renders it at the gateway otherwise.
func (h *OAuthHandler) renderAuthorizeError(w http.ResponseWriter, r *http.Request, err error) {
	var authErr *oauth.AuthorizeError
	if errors.As(err, &authErr) {
		if redirect := authErr.RedirectURL(); redirect != "" {
			http.Redirect(w, r, redirect, http.StatusFound)
			return
		}
		sendJSON(h.logger, w, http.StatusBadRequest, map[string]string{
			"error":             authErr.Code,
			"error_description": authErr.Description,
		})
		return
	}

	h.logger.Error("Authorization request failed", zap.Error(err))
	sendJSON(h.logger, w, http.StatusInternalServerError, map[string]string{"error": "server_error"})
}

func (h *OAuthHandler) renderTokenError(w http.ResponseWriter, err error) {
	var tokenErr *oauth.TokenError
	if errors.As(err, &tokenErr) {
		status := tokenErr.Status
		if status == 0 {
			status = http.StatusBadRequest
		}
		if status == http.StatusUnauthorized {
			w.Header().Set("WWW-Authenticate", `Basic realm="token"`)
		}
		sendJSON(h.logger, w, status, tokenErr)
		return
	}

	h.logger.Error("Token request failed", zap.Error(err))
	sendJSON(h.logger, w, http.StatusInternalServerError, map[string]string{"error": "server_error"})
}

func rawBearer(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
