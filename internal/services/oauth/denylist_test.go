package oauth

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func TestDenylist(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = client.Close() }()

	ctx := context.Background()
	denylist := NewDenylist(client, zap.NewNop())

	t.Run("RevokeAndCheck", func(t *testing.T) {
		if err := denylist.Revoke(ctx, "jti-1", time.Hour); err != nil {
			t.Fatalf("Revoke: %v", err)
		}
		if !denylist.IsRevoked(ctx, "jti-1") {
			t.Error("Expected jti-1 to be revoked")
		}
		if denylist.IsRevoked(ctx, "jti-other") {
			t.Error("Expected jti-other to be clean")
		}
	})

	t.Run("EntryExpiresWithToken", func(t *testing.T) {
		if err := denylist.Revoke(ctx, "jti-2", time.Minute); err != nil {
			t.Fatalf("Revoke: %v", err)
		}
		mr.FastForward(2 * time.Minute)
		if denylist.IsRevoked(ctx, "jti-2") {
			t.Error("Expected entry to lapse with the token lifetime")
		}
	})

	t.Run("ExpiredTokenIsNoop", func(t *testing.T) {
		if err := denylist.Revoke(ctx, "jti-3", -time.Minute); err != nil {
			t.Fatalf("Revoke: %v", err)
		}
		if denylist.IsRevoked(ctx, "jti-3") {
			t.Error("Expected no entry for an already-expired token")
		}
	})

	t.Run("EmptyJTI", func(t *testing.T) {
		if denylist.IsRevoked(ctx, "") {
			t.Error("Expected empty jti to read as not revoked")
		}
	})
}

func TestDenylistFailsOpen(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = client.Close() }()

	denylist := NewDenylist(client, zap.NewNop())
	mr.Close()

	// With the store down the check must not block token validation.
	if denylist.IsRevoked(context.Background(), "jti-1") {
		t.Error("Expected revocation check to fail open")
	}
}
