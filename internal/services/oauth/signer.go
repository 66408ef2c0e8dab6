package oauth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/metergate/metergate/internal/config"
)

const signingKeyBits = 2048

// Signer holds the RSA key pair the gateway mints tokens with. The public
// half is published at /.well-known/jwks.json under the configured key id.
type Signer struct {
	key   *rsa.PrivateKey
	keyID string
}

// JSONWebKey is the published form of one RSA public key.
type JSONWebKey struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type JSONWebKeySet struct {
	Keys []JSONWebKey `json:"keys"`
}

// NewSigner parses a PEM-encoded RSA private key (PKCS#1 or PKCS#8).
func NewSigner(privatePEM []byte, keyID string) (*Signer, error) {
	block, _ := pem.Decode(privatePEM)
	if block == nil {
		return nil, errors.New("signing key is not valid PEM")
	}

	var key *rsa.PrivateKey
	switch block.Type {
	case "RSA PRIVATE KEY":
		parsed, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse PKCS#1 signing key: %w", err)
		}
		key = parsed
	case "PRIVATE KEY":
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse PKCS#8 signing key: %w", err)
		}
		rsaKey, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("signing key is not an RSA key")
		}
		key = rsaKey
	default:
		return nil, fmt.Errorf("unsupported PEM block %q", block.Type)
	}

	return &Signer{key: key, keyID: keyID}, nil
}

// GenerateSigner creates a fresh key pair. Tokens signed with it do not
// survive a restart, so it is only suitable for development.
func GenerateSigner(keyID string) (*Signer, error) {
	key, err := rsa.GenerateKey(rand.Reader, signingKeyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	return &Signer{key: key, keyID: keyID}, nil
}

// LoadSigner resolves the signing key from config: inline PEM first, then a
// key file, then an ephemeral generated key as a logged last resort.
func LoadSigner(cfg *config.AuthConfig, logger *zap.Logger) (*Signer, error) {
	if cfg.SigningKey != "" {
		return NewSigner([]byte(cfg.SigningKey), cfg.SigningKeyID)
	}

	if cfg.SigningKeyFile != "" {
		pemBytes, err := os.ReadFile(cfg.SigningKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read signing key file: %w", err)
		}
		return NewSigner(pemBytes, cfg.SigningKeyID)
	}

	logger.Warn("No signing key configured, generating an ephemeral key; issued tokens will not survive a restart")
	return GenerateSigner(cfg.SigningKeyID)
}

// Sign produces a compact RS256 JWT with the signer's key id in the header.
func (s *Signer) Sign(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = s.keyID
	return token.SignedString(s.key)
}

func (s *Signer) KeyID() string {
	return s.keyID
}

func (s *Signer) Public() *rsa.PublicKey {
	return &s.key.PublicKey
}

// JWKS renders the public half of the signing key as a key set.
func (s *Signer) JWKS() *JSONWebKeySet {
	pub := s.key.PublicKey
	return &JSONWebKeySet{
		Keys: []JSONWebKey{{
			Kty: "RSA",
			Use: "sig",
			Alg: "RS256",
			Kid: s.keyID,
			N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		}},
	}
}

// publicKeyFromJWK rebuilds an RSA public key from its published modulus
// and exponent.
func publicKeyFromJWK(key JSONWebKey) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(key.N)
	if err != nil {
		return nil, fmt.Errorf("invalid modulus in JWK %s: %w", key.Kid, err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(key.E)
	if err != nil {
		return nil, fmt.Errorf("invalid exponent in JWK %s: %w", key.Kid, err)
	}

	e := new(big.Int).SetBytes(eBytes)
	if !e.IsInt64() || e.Int64() <= 0 {
		return nil, fmt.Errorf("exponent out of range in JWK %s", key.Kid)
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(e.Int64()),
	}, nil
}
