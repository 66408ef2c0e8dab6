package oauth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/url"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/metergate/metergate/internal/models"
	"github.com/metergate/metergate/internal/testutil"
)

// fakeUpstream stands in for the federated identity provider. It records the
// state parameter so tests can drive the callback leg.
type fakeUpstream struct {
	identity  *UpstreamIdentity
	err       error
	lastState string
}

func (f *fakeUpstream) AuthCodeURL(state string) string {
	f.lastState = state
	return "https://idp.example.com/auth?state=" + url.QueryEscape(state)
}

func (f *fakeUpstream) Exchange(ctx context.Context, code string) (*UpstreamIdentity, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.identity, nil
}

type serviceFixture struct {
	service  *Service
	db       *gorm.DB
	signer   *Signer
	codes    *CodeStore
	denylist *Denylist
	upstream *fakeUpstream
}

func newTestService(t *testing.T) *serviceFixture {
	t.Helper()

	db, cleanup := testutil.NewTestDB(t)
	t.Cleanup(cleanup)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	signer, err := GenerateSigner("kid-test")
	require.NoError(t, err)

	upstream := &fakeUpstream{
		identity: &UpstreamIdentity{
			Subject:       "upstream|alice",
			Email:         "alice@example.com",
			EmailVerified: true,
			Name:          "Alice",
		},
	}

	codes := NewCodeStore(client, 0)
	denylist := NewDenylist(client, zap.NewNop())

	service := NewService(&Config{
		DB:       db,
		Logger:   zap.NewNop(),
		Signer:   signer,
		Codes:    codes,
		Denylist: denylist,
		Upstream: upstream,
		Issuer:   testIssuer,
		Audience: testAudience,
	})

	return &serviceFixture{
		service:  service,
		db:       db,
		signer:   signer,
		codes:    codes,
		denylist: denylist,
		upstream: upstream,
	}
}

func createPublicClient(t *testing.T, fx *serviceFixture) *models.OAuthClient {
	t.Helper()

	client, secret, err := fx.service.CreateClient(context.Background(), &ClientSpec{
		Name:          "Console",
		RedirectURIs:  []string{"https://console.example.com/callback"},
		AllowedScopes: SupportedScopes,
	})
	require.NoError(t, err)
	require.Empty(t, secret)
	return client
}

func pkcePair(t *testing.T) (string, string) {
	t.Helper()

	verifier, err := randomToken(32)
	require.NoError(t, err)
	sum := sha256.Sum256([]byte(verifier))
	return verifier, base64.RawURLEncoding.EncodeToString(sum[:])
}

// completeAuthorization drives the browser leg end to end and returns the
// code and state from the final redirect back to the client.
func completeAuthorization(t *testing.T, fx *serviceFixture, req *AuthorizeRequest) (string, string) {
	t.Helper()
	ctx := context.Background()

	_, err := fx.service.Authorize(ctx, req)
	require.NoError(t, err)

	redirect, err := fx.service.HandleCallback(ctx, fx.upstream.lastState, "upstream-code", "")
	require.NoError(t, err)

	u, err := url.Parse(redirect)
	require.NoError(t, err)
	return u.Query().Get("code"), u.Query().Get("state")
}

// issueTokens runs a full PKCE code flow for the client and scope.
func issueTokens(t *testing.T, fx *serviceFixture, client *models.OAuthClient, scope string) *TokenResponse {
	t.Helper()

	verifier, challenge := pkcePair(t)
	code, _ := completeAuthorization(t, fx, &AuthorizeRequest{
		ClientID:            client.ClientID,
		RedirectURI:         client.RedirectURIs[0],
		ResponseType:        "code",
		Scope:               scope,
		State:               "st",
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
	})

	resp, err := fx.service.Token(context.Background(), &TokenRequest{
		GrantType:    GrantAuthorizationCode,
		Code:         code,
		RedirectURI:  client.RedirectURIs[0],
		CodeVerifier: verifier,
		ClientID:     client.ClientID,
	})
	require.NoError(t, err)
	return resp
}

func TestAuthorizeValidation(t *testing.T) {
	fx := newTestService(t)
	client := createPublicClient(t, fx)
	ctx := context.Background()

	_, challenge := pkcePair(t)
	valid := func() *AuthorizeRequest {
		return &AuthorizeRequest{
			ClientID:            client.ClientID,
			RedirectURI:         client.RedirectURIs[0],
			ResponseType:        "code",
			Scope:               "openid llm.inference",
			State:               "client-state",
			CodeChallenge:       challenge,
			CodeChallengeMethod: "S256",
		}
	}

	t.Run("UnknownClient", func(t *testing.T) {
		req := valid()
		req.ClientID = "client_nope"
		_, err := fx.service.Authorize(ctx, req)

		var authErr *AuthorizeError
		require.ErrorAs(t, err, &authErr)
		assert.Equal(t, "invalid_request", authErr.Code)
		assert.Empty(t, authErr.RedirectURI, "unknown clients must never be redirected to")
	})

	t.Run("UnregisteredRedirect", func(t *testing.T) {
		req := valid()
		req.RedirectURI = "https://evil.example.com/callback"
		_, err := fx.service.Authorize(ctx, req)

		var authErr *AuthorizeError
		require.ErrorAs(t, err, &authErr)
		assert.Equal(t, "invalid_request", authErr.Code)
		assert.Empty(t, authErr.RedirectURI)
	})

	t.Run("WrongResponseType", func(t *testing.T) {
		req := valid()
		req.ResponseType = "token"
		_, err := fx.service.Authorize(ctx, req)

		var authErr *AuthorizeError
		require.ErrorAs(t, err, &authErr)
		assert.Equal(t, "unsupported_response_type", authErr.Code)
		assert.Equal(t, client.RedirectURIs[0], authErr.RedirectURI)
		assert.Equal(t, "client-state", authErr.State)
	})

	t.Run("DisallowedScope", func(t *testing.T) {
		req := valid()
		req.Scope = "openid warp.drive"
		_, err := fx.service.Authorize(ctx, req)

		var authErr *AuthorizeError
		require.ErrorAs(t, err, &authErr)
		assert.Equal(t, "invalid_scope", authErr.Code)
	})

	t.Run("PublicClientWithoutPKCE", func(t *testing.T) {
		req := valid()
		req.CodeChallenge = ""
		req.CodeChallengeMethod = ""
		_, err := fx.service.Authorize(ctx, req)

		var authErr *AuthorizeError
		require.ErrorAs(t, err, &authErr)
		assert.Equal(t, "invalid_request", authErr.Code)
	})

	t.Run("PlainChallengeMethod", func(t *testing.T) {
		req := valid()
		req.CodeChallengeMethod = "plain"
		_, err := fx.service.Authorize(ctx, req)

		var authErr *AuthorizeError
		require.ErrorAs(t, err, &authErr)
		assert.Equal(t, "invalid_request", authErr.Code)
	})

	t.Run("DefaultsRedirectAndScope", func(t *testing.T) {
		req := valid()
		req.RedirectURI = ""
		req.Scope = ""
		redirect, err := fx.service.Authorize(ctx, req)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(redirect, "https://idp.example.com/auth"))
		assert.NotEmpty(t, fx.upstream.lastState)
	})

	t.Run("NoUpstreamConfigured", func(t *testing.T) {
		degraded := NewService(&Config{
			DB:       fx.db,
			Logger:   zap.NewNop(),
			Signer:   fx.signer,
			Codes:    fx.codes,
			Issuer:   testIssuer,
			Audience: testAudience,
		})
		_, err := degraded.Authorize(ctx, valid())

		var authErr *AuthorizeError
		require.ErrorAs(t, err, &authErr)
		assert.Equal(t, "temporarily_unavailable", authErr.Code)
	})
}

func TestAuthorizationCodeFlow(t *testing.T) {
	fx := newTestService(t)
	client := createPublicClient(t, fx)
	ctx := context.Background()

	verifier, challenge := pkcePair(t)
	code, state := completeAuthorization(t, fx, &AuthorizeRequest{
		ClientID:            client.ClientID,
		RedirectURI:         client.RedirectURIs[0],
		ResponseType:        "code",
		Scope:               "openid email models.read llm.inference",
		State:               "client-state-xyz",
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
	})
	require.NotEmpty(t, code)
	assert.Equal(t, "client-state-xyz", state)

	resp, err := fx.service.Token(ctx, &TokenRequest{
		GrantType:    GrantAuthorizationCode,
		Code:         code,
		RedirectURI:  client.RedirectURIs[0],
		CodeVerifier: verifier,
		ClientID:     client.ClientID,
	})
	require.NoError(t, err)

	assert.Equal(t, "Bearer", resp.TokenType)
	assert.Equal(t, int64(3600), resp.ExpiresIn)
	assert.True(t, strings.HasPrefix(resp.RefreshToken, "rt_"))
	assert.NotEmpty(t, resp.IDToken, "openid scope should yield an ID token")
	assert.ElementsMatch(t,
		[]string{"email", "llm.inference", "models.read", "openid"},
		splitScope(resp.Scope))

	claims, err := fx.service.VerifyAccessToken(ctx, resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", claims.Email)
	assert.Equal(t, "free", claims.Tier)
	assert.Equal(t, "user", claims.Role)
	assert.True(t, claims.HasScope(ScopeInference))
	assert.False(t, claims.HasScope(ScopeAdmin))

	// First login provisions the user.
	var user models.User
	require.NoError(t, fx.db.First(&user, "external_subject = ?", "upstream|alice").Error)
	assert.Equal(t, "alice@example.com", user.Email)
	assert.True(t, user.EmailVerified)
	assert.True(t, user.IsActive)
	assert.NotNil(t, user.LastLoginAt)
	assert.Equal(t, user.ID.String(), claims.Subject)

	// Only the hash of the refresh token is stored.
	var stored models.RefreshToken
	require.NoError(t, fx.db.First(&stored, "user_id = ?", user.ID).Error)
	assert.Equal(t, models.HashToken(resp.RefreshToken), stored.TokenHash)
	assert.Equal(t, resp.Scope, stored.Scope)

	t.Run("CodeReplay", func(t *testing.T) {
		_, err := fx.service.Token(ctx, &TokenRequest{
			GrantType:    GrantAuthorizationCode,
			Code:         code,
			RedirectURI:  client.RedirectURIs[0],
			CodeVerifier: verifier,
			ClientID:     client.ClientID,
		})

		var tokenErr *TokenError
		require.ErrorAs(t, err, &tokenErr)
		assert.Equal(t, "invalid_grant", tokenErr.Code)
	})

	t.Run("WrongVerifier", func(t *testing.T) {
		wrongVerifier, err := randomToken(32)
		require.NoError(t, err)

		_, freshChallenge := pkcePair(t)
		freshCode, _ := completeAuthorization(t, fx, &AuthorizeRequest{
			ClientID:            client.ClientID,
			RedirectURI:         client.RedirectURIs[0],
			ResponseType:        "code",
			Scope:               "llm.inference",
			CodeChallenge:       freshChallenge,
			CodeChallengeMethod: "S256",
		})

		_, err = fx.service.Token(ctx, &TokenRequest{
			GrantType:    GrantAuthorizationCode,
			Code:         freshCode,
			RedirectURI:  client.RedirectURIs[0],
			CodeVerifier: wrongVerifier,
			ClientID:     client.ClientID,
		})

		var tokenErr *TokenError
		require.ErrorAs(t, err, &tokenErr)
		assert.Equal(t, "invalid_grant", tokenErr.Code)
	})

	t.Run("RedirectMismatch", func(t *testing.T) {
		freshVerifier, freshChallenge := pkcePair(t)
		freshCode, _ := completeAuthorization(t, fx, &AuthorizeRequest{
			ClientID:            client.ClientID,
			RedirectURI:         client.RedirectURIs[0],
			ResponseType:        "code",
			Scope:               "llm.inference",
			CodeChallenge:       freshChallenge,
			CodeChallengeMethod: "S256",
		})

		_, err := fx.service.Token(ctx, &TokenRequest{
			GrantType:    GrantAuthorizationCode,
			Code:         freshCode,
			RedirectURI:  "https://console.example.com/other",
			CodeVerifier: freshVerifier,
			ClientID:     client.ClientID,
		})

		var tokenErr *TokenError
		require.ErrorAs(t, err, &tokenErr)
		assert.Equal(t, "invalid_grant", tokenErr.Code)
	})

	t.Run("CodeBoundToClient", func(t *testing.T) {
		other, _, err := fx.service.CreateClient(ctx, &ClientSpec{
			Name:          "Other",
			RedirectURIs:  []string{"https://other.example.com/callback"},
			AllowedScopes: SupportedScopes,
		})
		require.NoError(t, err)

		freshVerifier, freshChallenge := pkcePair(t)
		freshCode, _ := completeAuthorization(t, fx, &AuthorizeRequest{
			ClientID:            client.ClientID,
			RedirectURI:         client.RedirectURIs[0],
			ResponseType:        "code",
			Scope:               "llm.inference",
			CodeChallenge:       freshChallenge,
			CodeChallengeMethod: "S256",
		})

		_, err = fx.service.Token(ctx, &TokenRequest{
			GrantType:    GrantAuthorizationCode,
			Code:         freshCode,
			RedirectURI:  client.RedirectURIs[0],
			CodeVerifier: freshVerifier,
			ClientID:     other.ClientID,
		})

		var tokenErr *TokenError
		require.ErrorAs(t, err, &tokenErr)
		assert.Equal(t, "invalid_grant", tokenErr.Code)
	})
}

func TestRefreshTokenGrant(t *testing.T) {
	fx := newTestService(t)
	client := createPublicClient(t, fx)
	ctx := context.Background()

	t.Run("RotatesOnUse", func(t *testing.T) {
		first := issueTokens(t, fx, client, "openid llm.inference models.read")

		second, err := fx.service.Token(ctx, &TokenRequest{
			GrantType:    GrantRefreshToken,
			RefreshToken: first.RefreshToken,
			ClientID:     client.ClientID,
		})
		require.NoError(t, err)
		assert.NotEqual(t, first.RefreshToken, second.RefreshToken)
		assert.Equal(t, first.Scope, second.Scope)

		// The rotated-out token is dead.
		_, err = fx.service.Token(ctx, &TokenRequest{
			GrantType:    GrantRefreshToken,
			RefreshToken: first.RefreshToken,
			ClientID:     client.ClientID,
		})
		var tokenErr *TokenError
		require.ErrorAs(t, err, &tokenErr)
		assert.Equal(t, "invalid_grant", tokenErr.Code)

		// Its replacement still works.
		_, err = fx.service.Token(ctx, &TokenRequest{
			GrantType:    GrantRefreshToken,
			RefreshToken: second.RefreshToken,
			ClientID:     client.ClientID,
		})
		require.NoError(t, err)
	})

	t.Run("NarrowsScope", func(t *testing.T) {
		initial := issueTokens(t, fx, client, "openid llm.inference models.read")

		narrowed, err := fx.service.Token(ctx, &TokenRequest{
			GrantType:    GrantRefreshToken,
			RefreshToken: initial.RefreshToken,
			Scope:        "models.read",
			ClientID:     client.ClientID,
		})
		require.NoError(t, err)
		assert.Equal(t, "models.read", narrowed.Scope)

		claims, err := fx.service.VerifyAccessToken(ctx, narrowed.AccessToken)
		require.NoError(t, err)
		assert.True(t, claims.HasScope(ScopeModelsRead))
		assert.False(t, claims.HasScope(ScopeInference))

		// The narrowed grant cannot be widened back.
		_, err = fx.service.Token(ctx, &TokenRequest{
			GrantType:    GrantRefreshToken,
			RefreshToken: narrowed.RefreshToken,
			Scope:        "models.read llm.inference",
			ClientID:     client.ClientID,
		})
		var tokenErr *TokenError
		require.ErrorAs(t, err, &tokenErr)
		assert.Equal(t, "invalid_scope", tokenErr.Code)
	})

	t.Run("UnknownToken", func(t *testing.T) {
		_, err := fx.service.Token(ctx, &TokenRequest{
			GrantType:    GrantRefreshToken,
			RefreshToken: "rt_does-not-exist",
			ClientID:     client.ClientID,
		})

		var tokenErr *TokenError
		require.ErrorAs(t, err, &tokenErr)
		assert.Equal(t, "invalid_grant", tokenErr.Code)
	})

	t.Run("BoundToClient", func(t *testing.T) {
		tokens := issueTokens(t, fx, client, "llm.inference")

		other, _, err := fx.service.CreateClient(ctx, &ClientSpec{
			Name:          "Other",
			RedirectURIs:  []string{"https://other.example.com/callback"},
			AllowedScopes: SupportedScopes,
		})
		require.NoError(t, err)

		_, err = fx.service.Token(ctx, &TokenRequest{
			GrantType:    GrantRefreshToken,
			RefreshToken: tokens.RefreshToken,
			ClientID:     other.ClientID,
		})

		var tokenErr *TokenError
		require.ErrorAs(t, err, &tokenErr)
		assert.Equal(t, "invalid_grant", tokenErr.Code)
	})

	t.Run("UnsupportedGrantType", func(t *testing.T) {
		_, err := fx.service.Token(ctx, &TokenRequest{
			GrantType: "client_credentials",
			ClientID:  client.ClientID,
		})

		var tokenErr *TokenError
		require.ErrorAs(t, err, &tokenErr)
		assert.Equal(t, "unsupported_grant_type", tokenErr.Code)
	})
}

func TestRevoke(t *testing.T) {
	fx := newTestService(t)
	client := createPublicClient(t, fx)
	ctx := context.Background()

	t.Run("RefreshToken", func(t *testing.T) {
		tokens := issueTokens(t, fx, client, "llm.inference")

		require.NoError(t, fx.service.Revoke(ctx, &RevokeRequest{
			Token:    tokens.RefreshToken,
			ClientID: client.ClientID,
		}))

		_, err := fx.service.Token(ctx, &TokenRequest{
			GrantType:    GrantRefreshToken,
			RefreshToken: tokens.RefreshToken,
			ClientID:     client.ClientID,
		})
		var tokenErr *TokenError
		require.ErrorAs(t, err, &tokenErr)
		assert.Equal(t, "invalid_grant", tokenErr.Code)

		// Revoking again is still a success per RFC 7009.
		require.NoError(t, fx.service.Revoke(ctx, &RevokeRequest{
			Token:    tokens.RefreshToken,
			ClientID: client.ClientID,
		}))
	})

	t.Run("AccessToken", func(t *testing.T) {
		tokens := issueTokens(t, fx, client, "openid llm.inference")

		_, err := fx.service.VerifyAccessToken(ctx, tokens.AccessToken)
		require.NoError(t, err)

		require.NoError(t, fx.service.Revoke(ctx, &RevokeRequest{
			Token:    tokens.AccessToken,
			ClientID: client.ClientID,
		}))

		_, err = fx.service.VerifyAccessToken(ctx, tokens.AccessToken)
		assert.ErrorIs(t, err, ErrTokenRevoked)
	})

	t.Run("UnknownTokenIsNoop", func(t *testing.T) {
		require.NoError(t, fx.service.Revoke(ctx, &RevokeRequest{
			Token:    "neither-a-refresh-token-nor-a-jwt",
			ClientID: client.ClientID,
		}))
	})

	t.Run("OtherClientsTokenSurvives", func(t *testing.T) {
		tokens := issueTokens(t, fx, client, "llm.inference")

		other, _, err := fx.service.CreateClient(ctx, &ClientSpec{
			Name:          "Other",
			RedirectURIs:  []string{"https://other.example.com/callback"},
			AllowedScopes: SupportedScopes,
		})
		require.NoError(t, err)

		require.NoError(t, fx.service.Revoke(ctx, &RevokeRequest{
			Token:    tokens.RefreshToken,
			ClientID: other.ClientID,
		}))

		_, err = fx.service.Token(ctx, &TokenRequest{
			GrantType:    GrantRefreshToken,
			RefreshToken: tokens.RefreshToken,
			ClientID:     client.ClientID,
		})
		require.NoError(t, err, "a client must not be able to revoke another client's token")
	})
}

func TestUserInfo(t *testing.T) {
	fx := newTestService(t)
	client := createPublicClient(t, fx)
	ctx := context.Background()

	t.Run("WithOpenIDScope", func(t *testing.T) {
		tokens := issueTokens(t, fx, client, "openid email profile")

		info, err := fx.service.UserInfo(ctx, tokens.AccessToken)
		require.NoError(t, err)

		var user models.User
		require.NoError(t, fx.db.First(&user, "external_subject = ?", "upstream|alice").Error)
		assert.Equal(t, user.ID.String(), info.Subject)
		assert.Equal(t, "alice@example.com", info.Email)
		assert.True(t, info.EmailVerified)
		assert.Equal(t, "Alice", info.Name)
	})

	t.Run("WithoutOpenIDScope", func(t *testing.T) {
		tokens := issueTokens(t, fx, client, "llm.inference models.read")

		_, err := fx.service.UserInfo(ctx, tokens.AccessToken)
		assert.ErrorIs(t, err, ErrInsufficientScope)
	})

	t.Run("GarbageToken", func(t *testing.T) {
		_, err := fx.service.UserInfo(ctx, "not-a-token")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestAdminScopeFollowsRole(t *testing.T) {
	fx := newTestService(t)
	client := createPublicClient(t, fx)
	ctx := context.Background()

	tokens := issueTokens(t, fx, client, "openid llm.inference admin")
	claims, err := fx.service.VerifyAccessToken(ctx, tokens.AccessToken)
	require.NoError(t, err)
	assert.False(t, claims.HasScope(ScopeAdmin), "non-admin users must not receive the admin scope")
	assert.True(t, claims.HasScope(ScopeInference))

	require.NoError(t, fx.db.Model(&models.User{}).
		Where("external_subject = ?", "upstream|alice").
		Update("role", models.RoleAdmin).Error)

	tokens = issueTokens(t, fx, client, "openid llm.inference admin")
	claims, err = fx.service.VerifyAccessToken(ctx, tokens.AccessToken)
	require.NoError(t, err)
	assert.True(t, claims.HasScope(ScopeAdmin))
	assert.Equal(t, "admin", claims.Role)
}

func TestConfidentialClientAuthentication(t *testing.T) {
	fx := newTestService(t)
	ctx := context.Background()

	client, secret, err := fx.service.CreateClient(ctx, &ClientSpec{
		Name:          "Backend",
		RedirectURIs:  []string{"https://backend.example.com/callback"},
		AllowedScopes: SupportedScopes,
		Confidential:  true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, secret)
	require.NotNil(t, client.SecretHash)

	t.Run("WrongSecret", func(t *testing.T) {
		_, err := fx.service.Token(ctx, &TokenRequest{
			GrantType:    GrantAuthorizationCode,
			Code:         "whatever",
			ClientID:     client.ClientID,
			ClientSecret: "wrong",
		})

		var tokenErr *TokenError
		require.ErrorAs(t, err, &tokenErr)
		assert.Equal(t, "invalid_client", tokenErr.Code)
		assert.Equal(t, 401, tokenErr.Status)
	})

	t.Run("MissingSecret", func(t *testing.T) {
		_, err := fx.service.Token(ctx, &TokenRequest{
			GrantType: GrantAuthorizationCode,
			Code:      "whatever",
			ClientID:  client.ClientID,
		})

		var tokenErr *TokenError
		require.ErrorAs(t, err, &tokenErr)
		assert.Equal(t, "invalid_client", tokenErr.Code)
	})

	t.Run("CorrectSecret", func(t *testing.T) {
		// Confidential clients may skip PKCE; the secret carries the proof.
		code, _ := completeAuthorization(t, fx, &AuthorizeRequest{
			ClientID:     client.ClientID,
			RedirectURI:  client.RedirectURIs[0],
			ResponseType: "code",
			Scope:        "llm.inference",
		})

		resp, err := fx.service.Token(ctx, &TokenRequest{
			GrantType:    GrantAuthorizationCode,
			Code:         code,
			RedirectURI:  client.RedirectURIs[0],
			ClientID:     client.ClientID,
			ClientSecret: secret,
		})
		require.NoError(t, err)
		assert.NotEmpty(t, resp.AccessToken)
	})

	t.Run("PublicClientSendingSecret", func(t *testing.T) {
		public := createPublicClient(t, fx)

		_, err := fx.service.Token(ctx, &TokenRequest{
			GrantType:    GrantAuthorizationCode,
			Code:         "whatever",
			ClientID:     public.ClientID,
			ClientSecret: "should-not-be-here",
		})

		var tokenErr *TokenError
		require.ErrorAs(t, err, &tokenErr)
		assert.Equal(t, "invalid_client", tokenErr.Code)
	})
}

func TestCallbackFailures(t *testing.T) {
	fx := newTestService(t)
	client := createPublicClient(t, fx)
	ctx := context.Background()

	_, challenge := pkcePair(t)
	authorize := func(t *testing.T) string {
		t.Helper()
		_, err := fx.service.Authorize(ctx, &AuthorizeRequest{
			ClientID:            client.ClientID,
			RedirectURI:         client.RedirectURIs[0],
			ResponseType:        "code",
			Scope:               "openid llm.inference",
			State:               "client-state",
			CodeChallenge:       challenge,
			CodeChallengeMethod: "S256",
		})
		require.NoError(t, err)
		return fx.upstream.lastState
	}

	t.Run("UpstreamDenied", func(t *testing.T) {
		state := authorize(t)

		_, err := fx.service.HandleCallback(ctx, state, "", "access_denied")
		var authErr *AuthorizeError
		require.ErrorAs(t, err, &authErr)
		assert.Equal(t, "access_denied", authErr.Code)
		assert.Equal(t, client.RedirectURIs[0], authErr.RedirectURI)
		assert.Equal(t, "client-state", authErr.State)

		// The state was consumed; replaying the callback fails cold.
		_, err = fx.service.HandleCallback(ctx, state, "", "access_denied")
		require.ErrorAs(t, err, &authErr)
		assert.Equal(t, "invalid_request", authErr.Code)
		assert.Empty(t, authErr.RedirectURI)
	})

	t.Run("MissingCode", func(t *testing.T) {
		state := authorize(t)

		_, err := fx.service.HandleCallback(ctx, state, "", "")
		var authErr *AuthorizeError
		require.ErrorAs(t, err, &authErr)
		assert.Equal(t, "invalid_request", authErr.Code)
		assert.Equal(t, client.RedirectURIs[0], authErr.RedirectURI)
	})

	t.Run("ExchangeFailure", func(t *testing.T) {
		state := authorize(t)

		fx.upstream.err = errors.New("idp unreachable")
		defer func() { fx.upstream.err = nil }()

		_, err := fx.service.HandleCallback(ctx, state, "upstream-code", "")
		var authErr *AuthorizeError
		require.ErrorAs(t, err, &authErr)
		assert.Equal(t, "server_error", authErr.Code)
	})

	t.Run("InactiveUser", func(t *testing.T) {
		// Provision the account, then deactivate it.
		issueTokens(t, fx, client, "llm.inference")
		require.NoError(t, fx.db.Model(&models.User{}).
			Where("external_subject = ?", "upstream|alice").
			Update("is_active", false).Error)

		state := authorize(t)
		_, err := fx.service.HandleCallback(ctx, state, "upstream-code", "")
		var authErr *AuthorizeError
		require.ErrorAs(t, err, &authErr)
		assert.Equal(t, "access_denied", authErr.Code)
	})
}

func TestProvisioningAdoptsPreFederationAccount(t *testing.T) {
	fx := newTestService(t)
	client := createPublicClient(t, fx)
	ctx := context.Background()

	existing := models.User{
		Email:    "legacy@example.com",
		Name:     "Legacy",
		Role:     models.RoleUser,
		Tier:     models.TierPro,
		IsActive: true,
	}
	require.NoError(t, fx.db.Create(&existing).Error)

	fx.upstream.identity = &UpstreamIdentity{
		Subject:       "upstream|legacy",
		Email:         "legacy@example.com",
		EmailVerified: true,
		Name:          "Legacy User",
	}

	tokens := issueTokens(t, fx, client, "openid llm.inference")
	claims, err := fx.service.VerifyAccessToken(ctx, tokens.AccessToken)
	require.NoError(t, err)

	assert.Equal(t, existing.ID.String(), claims.Subject, "login must adopt the existing account, not create a second one")
	assert.Equal(t, "pro", claims.Tier)

	var count int64
	require.NoError(t, fx.db.Model(&models.User{}).Where("email = ?", "legacy@example.com").Count(&count).Error)
	assert.Equal(t, int64(1), count)

	var adopted models.User
	require.NoError(t, fx.db.First(&adopted, "id = ?", existing.ID).Error)
	assert.Equal(t, "upstream|legacy", adopted.ExternalSubject)
	assert.Equal(t, "Legacy User", adopted.Name)
	assert.True(t, adopted.EmailVerified)
}

func TestCreateClient(t *testing.T) {
	fx := newTestService(t)
	ctx := context.Background()

	t.Run("Public", func(t *testing.T) {
		client, secret, err := fx.service.CreateClient(ctx, &ClientSpec{
			Name:          "SPA",
			RedirectURIs:  []string{"https://spa.example.com/callback"},
			AllowedScopes: []string{ScopeOpenID, ScopeInference},
		})
		require.NoError(t, err)
		assert.Empty(t, secret)
		assert.Nil(t, client.SecretHash)
		assert.True(t, client.IsPublic)
		assert.True(t, strings.HasPrefix(client.ClientID, "client_"))
	})

	t.Run("Confidential", func(t *testing.T) {
		client, secret, err := fx.service.CreateClient(ctx, &ClientSpec{
			Name:          "Backend",
			RedirectURIs:  []string{"https://backend.example.com/callback"},
			AllowedScopes: []string{ScopeOpenID, ScopeInference},
			Confidential:  true,
		})
		require.NoError(t, err)
		require.NotNil(t, client.SecretHash)
		assert.False(t, client.IsPublic)
		assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(*client.SecretHash), []byte(secret)))
	})

	t.Run("NoRedirectURI", func(t *testing.T) {
		_, _, err := fx.service.CreateClient(ctx, &ClientSpec{Name: "Broken"})
		assert.Error(t, err)
	})
}

func TestDiscoveryDocument(t *testing.T) {
	signer, err := GenerateSigner("kid-disc")
	require.NoError(t, err)

	service := NewService(&Config{
		Signer:   signer,
		Logger:   zap.NewNop(),
		Issuer:   "https://gateway.example.com/",
		Audience: testAudience,
	})

	doc := service.Discovery()
	assert.Equal(t, "https://gateway.example.com/", doc.Issuer)
	assert.Equal(t, "https://gateway.example.com/oauth/authorize", doc.AuthorizationEndpoint)
	assert.Equal(t, "https://gateway.example.com/oauth/token", doc.TokenEndpoint)
	assert.Equal(t, "https://gateway.example.com/.well-known/jwks.json", doc.JWKSURI)
	assert.Equal(t, []string{"code"}, doc.ResponseTypesSupported)
	assert.Equal(t, []string{GrantAuthorizationCode, GrantRefreshToken}, doc.GrantTypesSupported)
	assert.Equal(t, []string{"S256"}, doc.CodeChallengeMethodsSupported)
	assert.Equal(t, SupportedScopes, doc.ScopesSupported)
	assert.Equal(t, []string{"RS256"}, doc.IDTokenSigningAlgValuesSupported)
	assert.ElementsMatch(t, []string{"none", "client_secret_post"}, doc.TokenEndpointAuthMethodsSupported)

	jwks := service.JWKS()
	require.Len(t, jwks.Keys, 1)
	assert.Equal(t, "kid-disc", jwks.Keys[0].Kid)
}
