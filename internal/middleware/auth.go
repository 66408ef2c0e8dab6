package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/metergate/metergate/internal/models"
	"github.com/metergate/metergate/internal/services/oauth"
)

type contextKey string

const identityContextKey contextKey = "identity"

// Identity is the authenticated principal derived from a bearer token.
// Tier and Role are snapshots taken when the token was minted.
type Identity struct {
	UserID uuid.UUID
	Email  string
	Tier   models.Tier
	Role   models.UserRole
	Scopes []string
}

func (i *Identity) HasScope(scope string) bool {
	for _, s := range i.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// IdentityFrom returns the principal attached by Authenticate.
func IdentityFrom(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityContextKey).(*Identity)
	return identity, ok
}

// WithIdentity attaches a principal to the context the same way
// Authenticate does.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, identity)
}

// Authenticator verifies bearer tokens and enforces per-route scopes.
type Authenticator struct {
	validator *oauth.Validator
	roles     *oauth.RoleCache
	logger    *zap.Logger
}

func NewAuthenticator(validator *oauth.Validator, roles *oauth.RoleCache, logger *zap.Logger) *Authenticator {
	return &Authenticator{
		validator: validator,
		roles:     roles,
		logger:    logger,
	}
}

// Authenticate validates the Authorization header and attaches the
// caller's identity to the request context.
func (a *Authenticator) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "Authorization required", nil)
			return
		}

		claims, err := a.validator.Validate(r.Context(), token)
		if err != nil {
			if errors.Is(err, oauth.ErrTokenRevoked) {
				writeError(w, http.StatusUnauthorized, "unauthorized", "Token has been revoked", nil)
				return
			}
			a.logger.Debug("Rejected bearer token", zap.Error(err))
			writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid or expired token", nil)
			return
		}

		userID, err := uuid.Parse(claims.Subject)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid or expired token", nil)
			return
		}

		identity := &Identity{
			UserID: userID,
			Email:  claims.Email,
			Tier:   models.NormalizeTier(claims.Tier),
			Role:   models.UserRole(claims.Role),
			Scopes: claims.Scopes(),
		}

		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
	})
}

// RequireScope rejects requests whose token does not carry the scope. The
// admin scope additionally accepts callers whose stored role is admin,
// covering tokens minted before the role claim existed.
func (a *Authenticator) RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := IdentityFrom(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "unauthorized", "Authorization required", nil)
				return
			}

			allowed := identity.HasScope(scope)
			if !allowed && scope == oauth.ScopeAdmin {
				allowed = a.IsAdmin(r.Context(), identity)
			}
			if !allowed {
				writeError(w, http.StatusForbidden, "forbidden", "Token is missing a required scope", map[string]interface{}{
					"requiredScope": scope,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// IsAdmin reports whether the caller is an administrator, by scope, by
// role claim, or, when the claim is absent, by a cached role lookup.
func (a *Authenticator) IsAdmin(ctx context.Context, identity *Identity) bool {
	if identity == nil {
		return false
	}
	if identity.HasScope(oauth.ScopeAdmin) {
		return true
	}
	if identity.Role != "" {
		return identity.Role == models.RoleAdmin
	}
	if a.roles == nil {
		return false
	}
	role, err := a.roles.Role(ctx, identity.UserID)
	if err != nil {
		a.logger.Warn("Role lookup failed",
			zap.String("user_id", identity.UserID.String()),
			zap.Error(err))
		return false
	}
	return role == models.RoleAdmin
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func writeError(w http.ResponseWriter, status int, code, message string, details map[string]interface{}) {
	body := map[string]interface{}{
		"code":    code,
		"message": message,
	}
	if len(details) > 0 {
		body["details"] = details
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"error": body})
}
