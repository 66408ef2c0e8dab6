package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/metergate/metergate/internal/models"
)

const (
	GrantAuthorizationCode = "authorization_code"
	GrantRefreshToken      = "refresh_token"

	challengeMethodS256 = "S256"

	defaultAccessTokenTTL  = time.Hour
	defaultRefreshTokenTTL = 30 * 24 * time.Hour
)

// Service is the gateway's own OIDC provider: it validates authorize
// requests, delegates login to the upstream identity provider, and mints
// the RS256 tokens the rest of the API consumes.
type Service struct {
	db       *gorm.DB
	logger   *zap.Logger
	signer   *Signer
	codes    *CodeStore
	denylist *Denylist
	upstream IdentityProvider
	parser   *jwt.Parser

	issuer     string
	audience   string
	accessTTL  time.Duration
	refreshTTL time.Duration

	now func() time.Time
}

type Config struct {
	DB     *gorm.DB
	Logger *zap.Logger
	Signer *Signer
	Codes  *CodeStore
	// Denylist is optional; without it access-token revocation is a no-op.
	Denylist *Denylist
	// Upstream is optional; without it authorize fails with
	// temporarily_unavailable while token refresh and validation keep
	// working.
	Upstream   IdentityProvider
	Issuer     string
	Audience   string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

func NewService(config *Config) *Service {
	if config.AccessTTL <= 0 {
		config.AccessTTL = defaultAccessTokenTTL
	}
	if config.RefreshTTL <= 0 {
		config.RefreshTTL = defaultRefreshTokenTTL
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithIssuer(config.Issuer),
		jwt.WithAudience(config.Audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	)

	return &Service{
		db:         config.DB,
		logger:     config.Logger,
		signer:     config.Signer,
		codes:      config.Codes,
		denylist:   config.Denylist,
		upstream:   config.Upstream,
		parser:     parser,
		issuer:     config.Issuer,
		audience:   config.Audience,
		accessTTL:  config.AccessTTL,
		refreshTTL: config.RefreshTTL,
		now:        time.Now,
	}
}

type AuthorizeRequest struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
}

// Authorize validates an authorization request, stashes it, and returns the
// upstream identity provider URL to redirect the browser to. Failures are
// *AuthorizeError values; whether they may be redirected back to the client
// depends on how far validation got.
func (s *Service) Authorize(ctx context.Context, req *AuthorizeRequest) (string, error) {
	var client models.OAuthClient
	err := s.db.WithContext(ctx).First(&client, "client_id = ?", req.ClientID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", &AuthorizeError{Code: "invalid_request", Description: "unknown client_id"}
	}
	if err != nil {
		return "", fmt.Errorf("failed to load client: %w", err)
	}

	redirectURI := req.RedirectURI
	if redirectURI == "" {
		if len(client.RedirectURIs) != 1 {
			return "", &AuthorizeError{Code: "invalid_request", Description: "redirect_uri is required"}
		}
		redirectURI = client.RedirectURIs[0]
	} else if !client.AllowsRedirect(redirectURI) {
		return "", &AuthorizeError{Code: "invalid_request", Description: "redirect_uri is not registered for this client"}
	}

	// From here the redirect target is trusted, so errors travel back to
	// the client.
	fail := func(code, description string) error {
		return &AuthorizeError{Code: code, Description: description, RedirectURI: redirectURI, State: req.State}
	}

	if req.ResponseType != "code" {
		return "", fail("unsupported_response_type", "only the code response type is supported")
	}

	scope := normalizeScope(req.Scope)
	if scope == "" {
		scope = normalizeScope(joinScope(client.AllowedScopes))
	}
	for _, sc := range splitScope(scope) {
		if !client.AllowsScope(sc) {
			return "", fail("invalid_scope", fmt.Sprintf("scope %q is not allowed for this client", sc))
		}
	}

	if req.CodeChallenge == "" && client.SecretHash == nil {
		return "", fail("invalid_request", "public clients must send a PKCE code_challenge")
	}
	if req.CodeChallenge != "" && req.CodeChallengeMethod != challengeMethodS256 {
		return "", fail("invalid_request", "only the S256 code_challenge_method is supported")
	}

	if s.upstream == nil {
		return "", fail("temporarily_unavailable", "no upstream identity provider is configured")
	}

	state, err := s.codes.StashPending(ctx, &PendingAuthorization{
		ClientID:        client.ClientID,
		RedirectURI:     redirectURI,
		Scope:           scope,
		ClientState:     req.State,
		CodeChallenge:   req.CodeChallenge,
		ChallengeMethod: req.CodeChallengeMethod,
		Nonce:           req.Nonce,
	})
	if err != nil {
		return "", fmt.Errorf("failed to stash authorization request: %w", err)
	}

	return s.upstream.AuthCodeURL(state), nil
}

// HandleCallback finishes the upstream leg: it redeems the stashed request,
// exchanges the upstream code, provisions or refreshes the user, and mints
// the single-use authorization code. The returned URL sends the browser
// back to the client.
func (s *Service) HandleCallback(ctx context.Context, state, code, upstreamError string) (string, error) {
	pending, err := s.codes.ConsumePending(ctx, state)
	if err != nil {
		if errors.Is(err, ErrPendingInvalid) {
			return "", &AuthorizeError{Code: "invalid_request", Description: "unknown or expired state"}
		}
		return "", err
	}

	fail := func(code, description string) error {
		return &AuthorizeError{Code: code, Description: description, RedirectURI: pending.RedirectURI, State: pending.ClientState}
	}

	if upstreamError != "" {
		return "", fail("access_denied", "the identity provider rejected the sign-in")
	}
	if code == "" {
		return "", fail("invalid_request", "callback carried no code")
	}

	identity, err := s.upstream.Exchange(ctx, code)
	if err != nil {
		s.logger.Warn("Upstream code exchange failed", zap.Error(err))
		return "", fail("server_error", "sign-in could not be completed")
	}

	user, err := s.provisionUser(ctx, identity)
	if err != nil {
		if errors.Is(err, ErrUserInactive) {
			return "", fail("access_denied", "account is deactivated")
		}
		return "", fmt.Errorf("failed to provision user: %w", err)
	}

	// The admin scope is granted by role, not by asking for it.
	scope := pending.Scope
	if !user.IsAdmin() {
		scope = stripScope(scope, ScopeAdmin)
	}

	grantCode, err := s.codes.IssueCode(ctx, &AuthorizationCode{
		ClientID:        pending.ClientID,
		UserID:          user.ID,
		RedirectURI:     pending.RedirectURI,
		Scope:           scope,
		CodeChallenge:   pending.CodeChallenge,
		ChallengeMethod: pending.ChallengeMethod,
		Nonce:           pending.Nonce,
	})
	if err != nil {
		return "", fmt.Errorf("failed to issue authorization code: %w", err)
	}

	redirect, err := redirectWithCode(pending.RedirectURI, grantCode, pending.ClientState)
	if err != nil {
		return "", fail("server_error", "registered redirect_uri is malformed")
	}
	return redirect, nil
}

// provisionUser finds the user for an upstream identity, creating one on
// first login. Pre-federation accounts are matched by email and adopted.
func (s *Service) provisionUser(ctx context.Context, identity *UpstreamIdentity) (*models.User, error) {
	if identity.Subject == "" {
		return nil, errors.New("upstream identity has no subject")
	}

	var user models.User
	err := s.db.WithContext(ctx).First(&user, "external_subject = ?", identity.Subject).Error
	if errors.Is(err, gorm.ErrRecordNotFound) && identity.Email != "" {
		err = s.db.WithContext(ctx).First(&user, "email = ?", identity.Email).Error
	}

	now := s.now()
	if errors.Is(err, gorm.ErrRecordNotFound) {
		user = models.User{
			Email:           identity.Email,
			ExternalSubject: identity.Subject,
			Name:            identity.Name,
			Picture:         identity.Picture,
			EmailVerified:   identity.EmailVerified,
			Role:            models.RoleUser,
			Tier:            models.TierFree,
			IsActive:        true,
			LastLoginAt:     &now,
		}
		if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
			return nil, fmt.Errorf("failed to create user: %w", err)
		}

		s.logger.Info("Provisioned user from upstream identity",
			zap.String("user_id", user.ID.String()),
			zap.String("email", user.Email))
		return &user, nil
	}
	if err != nil {
		return nil, err
	}

	if !user.IsActive {
		return nil, ErrUserInactive
	}

	user.ExternalSubject = identity.Subject
	user.EmailVerified = identity.EmailVerified
	if identity.Name != "" {
		user.Name = identity.Name
	}
	if identity.Picture != "" {
		user.Picture = identity.Picture
	}
	user.LastLoginAt = &now
	if err := s.db.WithContext(ctx).Save(&user).Error; err != nil {
		// Profile refresh is best effort; the login still proceeds.
		s.logger.Warn("Failed to update user from upstream claims",
			zap.String("user_id", user.ID.String()),
			zap.Error(err))
	}

	return &user, nil
}

// ClientSpec describes a client to register. Confidential clients get a
// generated secret returned exactly once.
type ClientSpec struct {
	Name          string
	RedirectURIs  []string
	AllowedScopes []string
	Confidential  bool
}

// CreateClient registers an OAuth client and returns it with the plaintext
// secret for confidential clients.
func (s *Service) CreateClient(ctx context.Context, spec *ClientSpec) (*models.OAuthClient, string, error) {
	if len(spec.RedirectURIs) == 0 {
		return nil, "", errors.New("client needs at least one redirect URI")
	}

	id, err := randomToken(12)
	if err != nil {
		return nil, "", err
	}

	client := &models.OAuthClient{
		ClientID:      "client_" + id,
		Name:          spec.Name,
		RedirectURIs:  spec.RedirectURIs,
		AllowedScopes: spec.AllowedScopes,
		IsPublic:      !spec.Confidential,
	}

	var secret string
	if spec.Confidential {
		secret, err = randomToken(32)
		if err != nil {
			return nil, "", err
		}
		hash, err := hashSecret(secret)
		if err != nil {
			return nil, "", err
		}
		client.SecretHash = &hash
	}

	if err := s.db.WithContext(ctx).Create(client).Error; err != nil {
		return nil, "", fmt.Errorf("failed to create client: %w", err)
	}
	return client, secret, nil
}

func stripScope(scope, drop string) string {
	var out []string
	for _, sc := range splitScope(scope) {
		if sc != drop {
			out = append(out, sc)
		}
	}
	return joinScope(out)
}

func redirectWithCode(redirectURI, code, state string) (string, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return "", fmt.Errorf("malformed redirect_uri: %w", err)
	}

	q := u.Query()
	q.Set("code", code)
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
