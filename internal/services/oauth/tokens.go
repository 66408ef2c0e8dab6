package oauth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/metergate/metergate/internal/models"
)

const refreshTokenPrefix = "rt_"

// RFC 7636 bounds on the code verifier.
const (
	minVerifierLength = 43
	maxVerifierLength = 128
)

type TokenRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	CodeVerifier string
	RefreshToken string
	Scope        string
	ClientID     string
	ClientSecret string
}

type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope"`
}

// Token handles the token endpoint. Grant failures come back as
// *TokenError so the handler can serialize them per RFC 6749.
func (s *Service) Token(ctx context.Context, req *TokenRequest) (*TokenResponse, error) {
	client, err := s.authenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}

	switch req.GrantType {
	case GrantAuthorizationCode:
		return s.exchangeCode(ctx, client, req)
	case GrantRefreshToken:
		return s.refreshGrant(ctx, client, req)
	case "":
		return nil, invalidRequest("grant_type is required")
	default:
		return nil, &TokenError{
			Code:        "unsupported_grant_type",
			Description: fmt.Sprintf("grant type %q is not supported", req.GrantType),
			Status:      http.StatusBadRequest,
		}
	}
}

// authenticateClient enforces the per-client token endpoint auth method:
// none for public clients, client_secret_post for confidential ones.
func (s *Service) authenticateClient(ctx context.Context, clientID, clientSecret string) (*models.OAuthClient, error) {
	if clientID == "" {
		return nil, invalidClient("client_id is required")
	}

	var client models.OAuthClient
	err := s.db.WithContext(ctx).First(&client, "client_id = ?", clientID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, invalidClient("unknown client")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load client: %w", err)
	}

	if client.SecretHash == nil {
		if clientSecret != "" {
			return nil, invalidClient("public clients do not authenticate with a secret")
		}
		return &client, nil
	}

	if clientSecret == "" {
		return nil, invalidClient("client secret is required")
	}
	if bcrypt.CompareHashAndPassword([]byte(*client.SecretHash), []byte(clientSecret)) != nil {
		return nil, invalidClient("invalid client credentials")
	}
	return &client, nil
}

func (s *Service) exchangeCode(ctx context.Context, client *models.OAuthClient, req *TokenRequest) (*TokenResponse, error) {
	if req.Code == "" {
		return nil, invalidRequest("code is required")
	}

	grant, err := s.codes.ConsumeCode(ctx, req.Code)
	if err != nil {
		if errors.Is(err, ErrCodeInvalid) {
			return nil, invalidGrant("authorization code is invalid, expired, or already redeemed")
		}
		return nil, err
	}

	if grant.ClientID != client.ClientID {
		return nil, invalidGrant("authorization code was issued to another client")
	}
	if req.RedirectURI != grant.RedirectURI {
		return nil, invalidGrant("redirect_uri does not match the authorization request")
	}

	if grant.CodeChallenge != "" {
		if req.CodeVerifier == "" {
			return nil, invalidGrant("code_verifier is required")
		}
		if !verifyPKCE(grant.CodeChallenge, grant.ChallengeMethod, req.CodeVerifier) {
			return nil, invalidGrant("code_verifier does not match the challenge")
		}
	}

	user, err := s.loadGrantUser(ctx, grant.UserID)
	if err != nil {
		return nil, err
	}

	return s.mintTokens(ctx, user, client, grant.Scope, grant.Nonce)
}

func (s *Service) refreshGrant(ctx context.Context, client *models.OAuthClient, req *TokenRequest) (*TokenResponse, error) {
	if req.RefreshToken == "" {
		return nil, invalidRequest("refresh_token is required")
	}

	var stored models.RefreshToken
	err := s.db.WithContext(ctx).First(&stored, "token_hash = ?", models.HashToken(req.RefreshToken)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, invalidGrant("refresh token is not recognized")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load refresh token: %w", err)
	}

	if stored.ClientID != client.ClientID {
		return nil, invalidGrant("refresh token was issued to another client")
	}
	if !stored.Usable() {
		return nil, invalidGrant("refresh token is expired or revoked")
	}

	scope := stored.Scope
	if req.Scope != "" {
		requested := normalizeScope(req.Scope)
		if !scopeSubset(splitScope(requested), splitScope(stored.Scope)) {
			return nil, invalidScope("requested scope exceeds the original grant")
		}
		scope = requested
	}

	user, err := s.loadGrantUser(ctx, stored.UserID)
	if err != nil {
		return nil, err
	}

	// Rotate before minting so a replay of the old token is already dead.
	if err := s.db.WithContext(ctx).Model(&stored).Update("revoked_at", s.now()).Error; err != nil {
		return nil, fmt.Errorf("failed to rotate refresh token: %w", err)
	}

	return s.mintTokens(ctx, user, client, scope, "")
}

func (s *Service) loadGrantUser(ctx context.Context, userID uuid.UUID) (*models.User, error) {
	var user models.User
	err := s.db.WithContext(ctx).First(&user, "id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, invalidGrant("user no longer exists")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	if !user.IsActive {
		return nil, invalidGrant("account is deactivated")
	}
	return &user, nil
}

func (s *Service) mintTokens(ctx context.Context, user *models.User, client *models.OAuthClient, scope, nonce string) (*TokenResponse, error) {
	now := s.now()

	access := &AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   user.ID.String(),
			Audience:  jwt.ClaimStrings{s.audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
		Scope: scope,
		Email: user.Email,
		Tier:  string(user.Tier),
		Role:  string(user.Role),
	}

	accessToken, err := s.signer.Sign(access)
	if err != nil {
		return nil, fmt.Errorf("failed to sign access token: %w", err)
	}

	refreshToken, err := s.issueRefreshToken(ctx, user.ID, client.ClientID, scope)
	if err != nil {
		return nil, err
	}

	response := &TokenResponse{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.accessTTL.Seconds()),
		RefreshToken: refreshToken,
		Scope:        scope,
	}

	scopes := splitScope(scope)
	if hasScope(scopes, ScopeOpenID) {
		idToken, err := s.signIDToken(user, client.ClientID, scopes, nonce, now)
		if err != nil {
			return nil, err
		}
		response.IDToken = idToken
	}

	return response, nil
}

func (s *Service) signIDToken(user *models.User, clientID string, scopes []string, nonce string, now time.Time) (string, error) {
	claims := &idClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   user.ID.String(),
			Audience:  jwt.ClaimStrings{clientID},
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Nonce: nonce,
	}
	if hasScope(scopes, ScopeEmail) {
		claims.Email = user.Email
		claims.EmailVerified = user.EmailVerified
	}
	if hasScope(scopes, ScopeProfile) {
		claims.Name = user.Name
		claims.Picture = user.Picture
	}

	idToken, err := s.signer.Sign(claims)
	if err != nil {
		return "", fmt.Errorf("failed to sign ID token: %w", err)
	}
	return idToken, nil
}

func (s *Service) issueRefreshToken(ctx context.Context, userID uuid.UUID, clientID, scope string) (string, error) {
	token, err := randomToken(32)
	if err != nil {
		return "", err
	}
	token = refreshTokenPrefix + token

	record := &models.RefreshToken{
		TokenHash: models.HashToken(token),
		UserID:    userID,
		ClientID:  clientID,
		Scope:     scope,
		ExpiresAt: s.now().Add(s.refreshTTL),
	}
	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		return "", fmt.Errorf("failed to store refresh token: %w", err)
	}
	return token, nil
}

type RevokeRequest struct {
	Token         string
	TokenTypeHint string
	ClientID      string
	ClientSecret  string
}

// Revoke invalidates a refresh token or denylists an access token's jti.
// Unknown and already-dead tokens are a successful no-op per RFC 7009; only
// client auth failures and store errors surface.
func (s *Service) Revoke(ctx context.Context, req *RevokeRequest) error {
	client, err := s.authenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return err
	}
	if req.Token == "" {
		return invalidRequest("token is required")
	}

	// The type hint is advisory; refresh tokens are checked first either way.
	var stored models.RefreshToken
	err = s.db.WithContext(ctx).First(&stored, "token_hash = ?", models.HashToken(req.Token)).Error
	if err == nil {
		// A token held by another client is left alone, without telling the
		// caller it exists.
		if stored.ClientID == client.ClientID && stored.RevokedAt == nil {
			if err := s.db.WithContext(ctx).Model(&stored).Update("revoked_at", s.now()).Error; err != nil {
				return fmt.Errorf("failed to revoke refresh token: %w", err)
			}
		}
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("failed to look up refresh token: %w", err)
	}

	claims, err := s.VerifyAccessToken(ctx, req.Token)
	if err != nil {
		return nil
	}
	if s.denylist == nil {
		return nil
	}
	if err := s.denylist.Revoke(ctx, claims.ID, claims.ExpiresAt.Time.Sub(s.now())); err != nil {
		return fmt.Errorf("failed to revoke access token: %w", err)
	}
	return nil
}

// VerifyAccessToken validates a token against the service's own signing key
// and the revocation list. The API middleware verifies via JWKS instead;
// this path serves userinfo and revocation, which run next to the keys.
func (s *Service) VerifyAccessToken(ctx context.Context, rawToken string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	token, err := s.parser.ParseWithClaims(rawToken, claims, func(token *jwt.Token) (interface{}, error) {
		return s.signer.Public(), nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	if s.denylist != nil && s.denylist.IsRevoked(ctx, claims.ID) {
		return nil, ErrTokenRevoked
	}
	return claims, nil
}

// UserInfo answers the OIDC userinfo endpoint for a bearer token carrying
// the openid scope.
type UserInfo struct {
	Subject       string `json:"sub"`
	Email         string `json:"email,omitempty"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name,omitempty"`
	Picture       string `json:"picture,omitempty"`
	UpdatedAt     int64  `json:"updated_at"`
}

func (s *Service) UserInfo(ctx context.Context, rawToken string) (*UserInfo, error) {
	claims, err := s.VerifyAccessToken(ctx, rawToken)
	if err != nil {
		return nil, err
	}
	if !claims.HasScope(ScopeOpenID) {
		return nil, ErrInsufficientScope
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed subject", ErrInvalidToken)
	}

	var user models.User
	err = s.db.WithContext(ctx).First(&user, "id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: unknown subject", ErrInvalidToken)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}

	return &UserInfo{
		Subject:       user.ID.String(),
		Email:         user.Email,
		EmailVerified: user.EmailVerified,
		Name:          user.Name,
		Picture:       user.Picture,
		UpdatedAt:     user.UpdatedAt.Unix(),
	}, nil
}

func verifyPKCE(challenge, method, verifier string) bool {
	if method != challengeMethodS256 {
		return false
	}
	if len(verifier) < minVerifierLength || len(verifier) > maxVerifierLength {
		return false
	}

	sum := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

func hasScope(scopes []string, want string) bool {
	for _, s := range scopes {
		if s == want {
			return true
		}
	}
	return false
}

func hashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash client secret: %w", err)
	}
	return string(hash), nil
}
