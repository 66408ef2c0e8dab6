package oauth

import (
	"context"
	"errors"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/metergate/metergate/internal/config"
)

// IdentityProvider is the upstream IdP that owns login and consent. The
// gateway never renders those screens; /oauth/authorize redirects here and
// /oauth/callback turns the returned code into a verified identity.
type IdentityProvider interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*UpstreamIdentity, error)
}

// UpstreamIdentity is the subset of upstream ID-token claims the gateway
// provisions users from.
type UpstreamIdentity struct {
	Subject       string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
}

// Upstream federates against an OIDC provider discovered from its issuer
// URL.
type Upstream struct {
	oauth2Config *oauth2.Config
	verifier     *oidc.IDTokenVerifier
}

func NewUpstream(ctx context.Context, cfg config.UpstreamConfig) (*Upstream, error) {
	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to discover upstream provider: %w", err)
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "profile", "email"}
	}

	oauth2Config := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Endpoint:     provider.Endpoint(),
		Scopes:       scopes,
	}

	verifier := provider.Verifier(&oidc.Config{
		ClientID: cfg.ClientID,
	})

	return &Upstream{
		oauth2Config: oauth2Config,
		verifier:     verifier,
	}, nil
}

func (u *Upstream) AuthCodeURL(state string) string {
	return u.oauth2Config.AuthCodeURL(state)
}

// Exchange trades the upstream code for tokens and returns the verified
// ID-token identity.
func (u *Upstream) Exchange(ctx context.Context, code string) (*UpstreamIdentity, error) {
	token, err := u.oauth2Config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange upstream code: %w", err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		return nil, errors.New("upstream token response carried no id_token")
	}

	idToken, err := u.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("failed to verify upstream ID token: %w", err)
	}

	var identity UpstreamIdentity
	if err := idToken.Claims(&identity); err != nil {
		return nil, fmt.Errorf("failed to parse upstream claims: %w", err)
	}

	if identity.Subject == "" {
		identity.Subject = idToken.Subject
	}

	return &identity, nil
}
