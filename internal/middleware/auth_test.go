package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/metergate/metergate/internal/models"
	"github.com/metergate/metergate/internal/services/oauth"
	"github.com/metergate/metergate/internal/testutil"
)

const (
	testIssuer   = "https://gateway.example.com"
	testAudience = "metergate"
)

type authFixture struct {
	auth   *Authenticator
	signer *oauth.Signer
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()

	signer, err := oauth.GenerateSigner("kid-test")
	require.NoError(t, err)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(signer.JWKS())
	}))
	t.Cleanup(server.Close)

	validator := oauth.NewValidator(&oauth.ValidatorConfig{
		JWKSURL:  server.URL,
		Issuer:   testIssuer,
		Audience: testAudience,
		Logger:   zap.NewNop(),
	})

	return &authFixture{
		auth:   NewAuthenticator(validator, nil, zap.NewNop()),
		signer: signer,
	}
}

func (f *authFixture) mint(t *testing.T, mutate func(*oauth.AccessClaims)) string {
	t.Helper()

	claims := &oauth.AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Subject:   uuid.NewString(),
			Audience:  jwt.ClaimStrings{testAudience},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ID:        uuid.NewString(),
		},
		Scope: "llm.inference models.read",
		Email: "dev@example.com",
		Tier:  "pro",
		Role:  "user",
	}
	if mutate != nil {
		mutate(claims)
	}

	raw, err := f.signer.Sign(claims)
	require.NoError(t, err)
	return raw
}

func decodeErrorEnvelope(t *testing.T, rec *httptest.ResponseRecorder) (string, map[string]interface{}) {
	t.Helper()

	var envelope struct {
		Error struct {
			Code    string                 `json:"code"`
			Message string                 `json:"message"`
			Details map[string]interface{} `json:"details"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	return envelope.Error.Code, envelope.Error.Details
}

func TestAuthenticateAttachesIdentity(t *testing.T) {
	f := newAuthFixture(t)
	userID := uuid.New()
	token := f.mint(t, func(c *oauth.AccessClaims) { c.Subject = userID.String() })

	var got *Identity
	handler := f.auth.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = IdentityFrom(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, got)
	assert.Equal(t, userID, got.UserID)
	assert.Equal(t, "dev@example.com", got.Email)
	assert.Equal(t, models.TierPro, got.Tier)
	assert.Equal(t, models.RoleUser, got.Role)
	assert.True(t, got.HasScope(oauth.ScopeInference))
	assert.False(t, got.HasScope(oauth.ScopeAdmin))
}

func TestAuthenticateRejects(t *testing.T) {
	f := newAuthFixture(t)

	cases := []struct {
		name   string
		header string
	}{
		{"MissingHeader", ""},
		{"WrongScheme", "Basic dXNlcjpwYXNz"},
		{"MalformedToken", "Bearer not-a-jwt"},
		{"ExpiredToken", "Bearer " + f.mint(t, func(c *oauth.AccessClaims) {
			c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
		})},
		{"NonUUIDSubject", "Bearer " + f.mint(t, func(c *oauth.AccessClaims) {
			c.Subject = "legacy-user-7"
		})},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			handler := f.auth.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Error("handler should not run")
			}))

			req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			require.Equal(t, http.StatusUnauthorized, rec.Code)
			code, _ := decodeErrorEnvelope(t, rec)
			assert.Equal(t, "unauthorized", code)
		})
	}
}

func TestRequireScope(t *testing.T) {
	auth := NewAuthenticator(nil, nil, zap.NewNop())

	run := func(identity *Identity, scope string) *httptest.ResponseRecorder {
		handler := auth.RequireScope(scope)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}))

		req := httptest.NewRequest(http.MethodGet, "/v1/credits/me", nil)
		if identity != nil {
			req = req.WithContext(WithIdentity(req.Context(), identity))
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	t.Run("GrantedScopePasses", func(t *testing.T) {
		identity := &Identity{UserID: uuid.New(), Scopes: []string{oauth.ScopeCreditsRead}}
		rec := run(identity, oauth.ScopeCreditsRead)
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})

	t.Run("MissingScopeForbidden", func(t *testing.T) {
		identity := &Identity{UserID: uuid.New(), Scopes: []string{oauth.ScopeModelsRead}}
		rec := run(identity, oauth.ScopeCreditsRead)
		require.Equal(t, http.StatusForbidden, rec.Code)
		code, details := decodeErrorEnvelope(t, rec)
		assert.Equal(t, "forbidden", code)
		assert.Equal(t, oauth.ScopeCreditsRead, details["requiredScope"])
	})

	t.Run("NoIdentityUnauthorized", func(t *testing.T) {
		rec := run(nil, oauth.ScopeCreditsRead)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
		code, _ := decodeErrorEnvelope(t, rec)
		assert.Equal(t, "unauthorized", code)
	})

	t.Run("AdminRoleClaimSatisfiesAdminScope", func(t *testing.T) {
		identity := &Identity{UserID: uuid.New(), Role: models.RoleAdmin, Scopes: []string{oauth.ScopeCreditsRead}}
		rec := run(identity, oauth.ScopeAdmin)
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})

	t.Run("UserRoleClaimDeniedAdminScope", func(t *testing.T) {
		identity := &Identity{UserID: uuid.New(), Role: models.RoleUser, Scopes: []string{oauth.ScopeCreditsRead}}
		rec := run(identity, oauth.ScopeAdmin)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}

func TestIsAdminFallsBackToStoredRole(t *testing.T) {
	db, cleanup := testutil.NewTestDB(t)
	t.Cleanup(cleanup)

	admin := &models.User{Email: "ops@example.com", Role: models.RoleAdmin}
	require.NoError(t, db.Create(admin).Error)
	member := &models.User{Email: "member@example.com", Role: models.RoleUser}
	require.NoError(t, db.Create(member).Error)

	auth := NewAuthenticator(nil, oauth.NewRoleCache(db, time.Minute), zap.NewNop())
	ctx := context.Background()

	// Tokens minted before the role claim existed carry no role at all.
	assert.True(t, auth.IsAdmin(ctx, &Identity{UserID: admin.ID, Scopes: []string{oauth.ScopeCreditsRead}}))
	assert.False(t, auth.IsAdmin(ctx, &Identity{UserID: member.ID, Scopes: []string{oauth.ScopeCreditsRead}}))
	assert.False(t, auth.IsAdmin(ctx, &Identity{UserID: uuid.New(), Scopes: []string{oauth.ScopeCreditsRead}}))

	// An explicit role claim wins over the stored role.
	assert.False(t, auth.IsAdmin(ctx, &Identity{UserID: admin.ID, Role: models.RoleUser}))
	assert.True(t, auth.IsAdmin(ctx, &Identity{UserID: member.ID, Scopes: []string{oauth.ScopeAdmin}}))
}
