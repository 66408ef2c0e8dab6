package oauth

import (
	"sort"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Scopes the gateway understands. openid/profile/email control identity
// claims; the rest gate API routes.
const (
	ScopeOpenID      = "openid"
	ScopeProfile     = "profile"
	ScopeEmail       = "email"
	ScopeModelsRead  = "models.read"
	ScopeInference   = "llm.inference"
	ScopeUserInfo    = "user.info"
	ScopeCreditsRead = "credits.read"
	ScopeAdmin       = "admin"
)

// SupportedScopes is the advertised scope list, in discovery-document order.
var SupportedScopes = []string{
	ScopeOpenID,
	ScopeProfile,
	ScopeEmail,
	ScopeModelsRead,
	ScopeInference,
	ScopeUserInfo,
	ScopeCreditsRead,
	ScopeAdmin,
}

// AccessClaims is the payload of every access token the gateway issues.
// Subject is the user id; Scope is space-separated per RFC 8693.
type AccessClaims struct {
	jwt.RegisteredClaims
	Scope string `json:"scope"`
	Email string `json:"email,omitempty"`
	Tier  string `json:"tier,omitempty"`
	Role  string `json:"role,omitempty"`
}

// Scopes splits the scope claim into its members.
func (c *AccessClaims) Scopes() []string {
	return strings.Fields(c.Scope)
}

func (c *AccessClaims) HasScope(scope string) bool {
	for _, s := range c.Scopes() {
		if s == scope {
			return true
		}
	}
	return false
}

// idClaims is the payload of an ID token. Audience is the client, not the
// API; profile claims are filled per the granted scopes.
type idClaims struct {
	jwt.RegisteredClaims
	Nonce         string `json:"nonce,omitempty"`
	Email         string `json:"email,omitempty"`
	EmailVerified bool   `json:"email_verified,omitempty"`
	Name          string `json:"name,omitempty"`
	Picture       string `json:"picture,omitempty"`
}

func splitScope(scope string) []string {
	return strings.Fields(scope)
}

func joinScope(scopes []string) string {
	return strings.Join(scopes, " ")
}

// normalizeScope dedupes and sorts a scope string so equality checks and
// stored values are stable regardless of request ordering.
func normalizeScope(scope string) string {
	seen := make(map[string]struct{})
	var out []string
	for _, s := range splitScope(scope) {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return joinScope(out)
}

// scopeSubset reports whether every member of want is present in have.
func scopeSubset(want, have []string) bool {
	set := make(map[string]struct{}, len(have))
	for _, s := range have {
		set[s] = struct{}{}
	}
	for _, s := range want {
		if _, ok := set[s]; !ok {
			return false
		}
	}
	return true
}
