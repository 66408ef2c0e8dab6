package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	codeKeyPrefix    = "oauth:code:"
	pendingKeyPrefix = "oauth:pending:"
	defaultCodeTTL   = 10 * time.Minute
)

var (
	ErrCodeInvalid    = errors.New("authorization code is invalid or expired")
	ErrPendingInvalid = errors.New("authorization request is invalid or expired")
)

// AuthorizationCode is everything the token endpoint needs to finish a code
// exchange. Codes live only in Redis and are consumed atomically, so each
// one redeems at most once even across processes.
type AuthorizationCode struct {
	ClientID        string    `json:"client_id"`
	UserID          uuid.UUID `json:"user_id"`
	RedirectURI     string    `json:"redirect_uri"`
	Scope           string    `json:"scope"`
	CodeChallenge   string    `json:"code_challenge,omitempty"`
	ChallengeMethod string    `json:"challenge_method,omitempty"`
	Nonce           string    `json:"nonce,omitempty"`
}

// PendingAuthorization is a stashed /oauth/authorize request awaiting the
// upstream identity provider's callback. Keyed by the state parameter we
// send upstream.
type PendingAuthorization struct {
	ClientID        string `json:"client_id"`
	RedirectURI     string `json:"redirect_uri"`
	Scope           string `json:"scope"`
	ClientState     string `json:"client_state,omitempty"`
	CodeChallenge   string `json:"code_challenge,omitempty"`
	ChallengeMethod string `json:"challenge_method,omitempty"`
	Nonce           string `json:"nonce,omitempty"`
}

// CodeStore keeps authorization codes and pending authorize requests in
// Redis with a shared TTL.
type CodeStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewCodeStore(client *redis.Client, ttl time.Duration) *CodeStore {
	if ttl <= 0 {
		ttl = defaultCodeTTL
	}
	return &CodeStore{
		client: client,
		ttl:    ttl,
	}
}

// IssueCode mints a single-use authorization code bound to the grant.
func (s *CodeStore) IssueCode(ctx context.Context, grant *AuthorizationCode) (string, error) {
	code, err := randomToken(32)
	if err != nil {
		return "", err
	}

	data, err := json.Marshal(grant)
	if err != nil {
		return "", fmt.Errorf("failed to marshal authorization code: %w", err)
	}

	if err := s.client.Set(ctx, codeKeyPrefix+code, data, s.ttl).Err(); err != nil {
		return "", fmt.Errorf("failed to store authorization code: %w", err)
	}
	return code, nil
}

// ConsumeCode redeems a code, deleting it in the same store operation.
func (s *CodeStore) ConsumeCode(ctx context.Context, code string) (*AuthorizationCode, error) {
	data, err := s.client.GetDel(ctx, codeKeyPrefix+code).Result()
	if err == redis.Nil {
		return nil, ErrCodeInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume authorization code: %w", err)
	}

	var grant AuthorizationCode
	if err := json.Unmarshal([]byte(data), &grant); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authorization code: %w", err)
	}
	return &grant, nil
}

// StashPending stores an authorize request and returns the opaque state
// value to hand to the upstream provider.
func (s *CodeStore) StashPending(ctx context.Context, pending *PendingAuthorization) (string, error) {
	state, err := randomToken(32)
	if err != nil {
		return "", err
	}

	data, err := json.Marshal(pending)
	if err != nil {
		return "", fmt.Errorf("failed to marshal pending authorization: %w", err)
	}

	if err := s.client.Set(ctx, pendingKeyPrefix+state, data, s.ttl).Err(); err != nil {
		return "", fmt.Errorf("failed to store pending authorization: %w", err)
	}
	return state, nil
}

// ConsumePending redeems a stashed authorize request by its state value.
// Single-use, like codes, so a replayed callback fails.
func (s *CodeStore) ConsumePending(ctx context.Context, state string) (*PendingAuthorization, error) {
	data, err := s.client.GetDel(ctx, pendingKeyPrefix+state).Result()
	if err == redis.Nil {
		return nil, ErrPendingInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume pending authorization: %w", err)
	}

	var pending PendingAuthorization
	if err := json.Unmarshal([]byte(data), &pending); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pending authorization: %w", err)
	}
	return &pending, nil
}

// randomToken returns n bytes of entropy as URL-safe base64.
func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
