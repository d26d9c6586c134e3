package processor_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"

	"termgate/internal/processor"
)

func newCache(t *testing.T) (*processor.TokenCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	cache, err := processor.NewTokenCache(rdb, "unit-test-secret")
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	return cache, mr
}

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "SER001",
		"exp": exp.Unix(),
	})
	s, err := tok.SignedString([]byte("upstream-key"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func TestTokenRoundTripIsEncryptedAtRest(t *testing.T) {
	cache, mr := newCache(t)
	ctx := context.Background()
	token := signedToken(t, time.Now().Add(time.Hour))

	if err := cache.Put(ctx, "SER001", token); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := cache.Get(ctx, "SER001")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != token {
		t.Fatalf("round trip mismatch: got %q", got)
	}

	stored, err := mr.Get("xtoken:SER001")
	if err != nil {
		t.Fatalf("raw get: %v", err)
	}
	if stored == token {
		t.Fatal("token must not be stored in the clear")
	}
}

func TestTokenTTLFollowsExpClaim(t *testing.T) {
	cache, mr := newCache(t)
	ctx := context.Background()

	if err := cache.Put(ctx, "SER001", signedToken(t, time.Now().Add(30*time.Minute))); err != nil {
		t.Fatalf("put: %v", err)
	}
	ttl := mr.TTL("xtoken:SER001")
	if ttl <= 0 || ttl > 30*time.Minute {
		t.Fatalf("ttl should track the exp claim, got %s", ttl)
	}

	// Tokens without a parseable exp get the fixed fallback.
	if err := cache.Put(ctx, "SER002", "not-a-jwt"); err != nil {
		t.Fatalf("put opaque: %v", err)
	}
	if ttl := mr.TTL("xtoken:SER002"); ttl != time.Hour {
		t.Fatalf("opaque token should use the fallback ttl, got %s", ttl)
	}
}

func TestExpiredTokenNotCached(t *testing.T) {
	cache, mr := newCache(t)
	ctx := context.Background()

	if err := cache.Put(ctx, "SER001", signedToken(t, time.Now().Add(-time.Minute))); err != nil {
		t.Fatalf("put expired: %v", err)
	}
	if mr.Exists("xtoken:SER001") {
		t.Fatal("expired token must not be cached")
	}
	got, err := cache.Get(ctx, "SER001")
	if err != nil || got != "" {
		t.Fatalf("expected miss, got %q err %v", got, err)
	}
}

func TestCorruptEntryTreatedAsMissAndEvicted(t *testing.T) {
	cache, mr := newCache(t)
	ctx := context.Background()

	mr.Set("xtoken:SER001", "garbage-not-ciphertext")
	got, err := cache.Get(ctx, "SER001")
	if err != nil || got != "" {
		t.Fatalf("expected miss on corrupt entry, got %q err %v", got, err)
	}
	if mr.Exists("xtoken:SER001") {
		t.Fatal("corrupt entry must be evicted")
	}
}

func TestNewTokenCacheRequiresSecret(t *testing.T) {
	if _, err := processor.NewTokenCache(nil, ""); err == nil {
		t.Fatal("empty secret must be rejected")
	}
}
