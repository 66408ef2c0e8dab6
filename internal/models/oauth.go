package models

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// OAuthClient is a registered OAuth 2.0 client. Public clients carry no
// secret and must use PKCE; confidential clients authenticate with
// client_secret_post.
type OAuthClient struct {
	ClientID      string         `gorm:"primaryKey;column:client_id" json:"client_id"`
	Name          string         `json:"name"`
	SecretHash    *string        `json:"-"`
	RedirectURIs  pq.StringArray `gorm:"type:text[]" json:"redirect_uris"`
	AllowedScopes pq.StringArray `gorm:"type:text[]" json:"allowed_scopes"`
	IsPublic      bool           `gorm:"default:true" json:"is_public"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (OAuthClient) TableName() string {
	return "oauth_clients"
}

// AllowsRedirect requires an exact registered match; no prefix or wildcard
// matching.
func (c *OAuthClient) AllowsRedirect(uri string) bool {
	for _, registered := range c.RedirectURIs {
		if registered == uri {
			return true
		}
	}
	return false
}

func (c *OAuthClient) AllowsScope(scope string) bool {
	for _, allowed := range c.AllowedScopes {
		if allowed == scope {
			return true
		}
	}
	return false
}

// RefreshToken stores only the SHA-256 of the issued token.
type RefreshToken struct {
	BaseModel
	TokenHash string    `gorm:"uniqueIndex;not null" json:"-"`
	UserID    uuid.UUID `gorm:"type:uuid;not null;index" json:"user_id"`
	ClientID  string    `gorm:"not null;index" json:"client_id"`
	Scope     string    `json:"scope"`
	ExpiresAt time.Time `gorm:"not null;index" json:"expires_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

func (t *RefreshToken) Usable() bool {
	return t.RevokedAt == nil && time.Now().Before(t.ExpiresAt)
}

// HashToken is the lookup form of an opaque token. Only this digest is ever
// persisted.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
