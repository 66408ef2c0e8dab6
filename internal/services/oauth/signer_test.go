package oauth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/metergate/metergate/internal/config"
)

func pkcs1PEM(t *testing.T, key *rsa.PrivateKey) []byte {
	t.Helper()
	return pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
}

func pkcs8PEM(t *testing.T, key *rsa.PrivateKey) []byte {
	t.Helper()
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: der,
	})
}

func TestNewSignerParsesPEM(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	t.Run("PKCS1", func(t *testing.T) {
		signer, err := NewSigner(pkcs1PEM(t, key), "kid-1")
		require.NoError(t, err)
		assert.Equal(t, key.PublicKey.N, signer.Public().N)
	})

	t.Run("PKCS8", func(t *testing.T) {
		signer, err := NewSigner(pkcs8PEM(t, key), "kid-1")
		require.NoError(t, err)
		assert.Equal(t, key.PublicKey.N, signer.Public().N)
	})

	t.Run("Garbage", func(t *testing.T) {
		_, err := NewSigner([]byte("not a key"), "kid-1")
		assert.Error(t, err)
	})
}

func TestSignerSignAndVerify(t *testing.T) {
	signer, err := GenerateSigner("kid-test")
	require.NoError(t, err)

	claims := &AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "https://gateway.example.com",
			Subject:   "user-1",
			Audience:  jwt.ClaimStrings{"metergate"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Scope: "openid llm.inference",
		Tier:  "pro",
	}

	raw, err := signer.Sign(claims)
	require.NoError(t, err)

	parsed := &AccessClaims{}
	token, err := jwt.ParseWithClaims(raw, parsed, func(token *jwt.Token) (interface{}, error) {
		return signer.Public(), nil
	}, jwt.WithValidMethods([]string{"RS256"}))
	require.NoError(t, err)
	require.True(t, token.Valid)

	assert.Equal(t, "kid-test", token.Header["kid"])
	assert.Equal(t, "user-1", parsed.Subject)
	assert.Equal(t, "pro", parsed.Tier)
	assert.True(t, parsed.HasScope(ScopeInference))
	assert.False(t, parsed.HasScope(ScopeAdmin))
}

func TestSignerJWKSRoundTrip(t *testing.T) {
	signer, err := GenerateSigner("kid-jwks")
	require.NoError(t, err)

	set := signer.JWKS()
	require.Len(t, set.Keys, 1)

	jwk := set.Keys[0]
	assert.Equal(t, "RSA", jwk.Kty)
	assert.Equal(t, "sig", jwk.Use)
	assert.Equal(t, "RS256", jwk.Alg)
	assert.Equal(t, "kid-jwks", jwk.Kid)

	pub, err := publicKeyFromJWK(jwk)
	require.NoError(t, err)
	assert.Equal(t, signer.Public().N, pub.N)
	assert.Equal(t, signer.Public().E, pub.E)
}

func TestLoadSigner(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pemBytes := pkcs8PEM(t, key)

	t.Run("Inline", func(t *testing.T) {
		signer, err := LoadSigner(&config.AuthConfig{
			SigningKey:   string(pemBytes),
			SigningKeyID: "inline-1",
		}, zap.NewNop())
		require.NoError(t, err)
		assert.Equal(t, "inline-1", signer.KeyID())
		assert.Equal(t, key.PublicKey.N, signer.Public().N)
	})

	t.Run("File", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "signing.pem")
		require.NoError(t, os.WriteFile(path, pemBytes, 0o600))

		signer, err := LoadSigner(&config.AuthConfig{
			SigningKeyFile: path,
			SigningKeyID:   "file-1",
		}, zap.NewNop())
		require.NoError(t, err)
		assert.Equal(t, key.PublicKey.N, signer.Public().N)
	})

	t.Run("EphemeralFallback", func(t *testing.T) {
		signer, err := LoadSigner(&config.AuthConfig{SigningKeyID: "dev-1"}, zap.NewNop())
		require.NoError(t, err)
		assert.NotNil(t, signer.Public())
	})

	t.Run("MissingFile", func(t *testing.T) {
		_, err := LoadSigner(&config.AuthConfig{
			SigningKeyFile: filepath.Join(t.TempDir(), "missing.pem"),
		}, zap.NewNop())
		assert.Error(t, err)
	})
}
