package processor

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
)

// TokenCache stores bearer tokens in redis, AES-256-CBC encrypted at rest.
// Entries expire when the token does, so a cache hit is always usable.
type TokenCache struct {
	rdb *redis.Client
	key []byte
	now func() time.Time
}

const fallbackTTL = time.Hour

func NewTokenCache(rdb *redis.Client, secret string) (*TokenCache, error) {
	if secret == "" {
		return nil, errors.New("token cache: secret is required")
	}
	sum := sha256.Sum256([]byte(secret))
	return &TokenCache{rdb: rdb, key: sum[:], now: time.Now}, nil
}

func tokenKey(serial string) string {
	return "xtoken:" + serial
}

// Get returns the cached token for a terminal, or "" on a miss. A corrupt
// entry is treated as a miss and evicted.
func (c *TokenCache) Get(ctx context.Context, serial string) (string, error) {
	raw, err := c.rdb.Get(ctx, tokenKey(serial)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	token, err := c.decrypt(raw)
	if err != nil {
		c.rdb.Del(ctx, tokenKey(serial))
		return "", nil
	}
	return token, nil
}

// Put caches a token until it expires. The TTL comes from the token's exp
// claim; tokens without one get a conservative fixed TTL.
func (c *TokenCache) Put(ctx context.Context, serial, token string) error {
	ttl := fallbackTTL
	if exp, ok := expiry(token); ok {
		ttl = exp.Sub(c.now())
		if ttl <= 0 {
			return nil
		}
	}
	enc, err := c.encrypt(token)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, tokenKey(serial), enc, ttl).Err()
}

// expiry extracts the exp claim without verifying the signature. The token is
// opaque to us; only its lifetime matters here.
func expiry(token string) (time.Time, bool) {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, false
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

func (c *TokenCache) encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", err
	}
	padded := pad([]byte(plaintext), aes.BlockSize)
	out := make([]byte, aes.BlockSize+len(padded))
	iv := out[:aes.BlockSize]
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", err
	}
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[aes.BlockSize:], padded)
	return base64.StdEncoding.EncodeToString(out), nil
}

func (c *TokenCache) decrypt(encoded string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", err
	}
	if len(data) < aes.BlockSize || len(data)%aes.BlockSize != 0 {
		return "", errors.New("token cache: bad ciphertext length")
	}
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", err
	}
	iv, body := data[:aes.BlockSize], data[aes.BlockSize:]
	plain := make([]byte, len(body))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, body)
	return unpad(plain)
}

func pad(b []byte, size int) []byte {
	n := size - len(b)%size
	out := make([]byte, len(b)+n)
	copy(out, b)
	for i := len(b); i < len(out); i++ {
		out[i] = byte(n)
	}
	return out
}

func unpad(b []byte) (string, error) {
	if len(b) == 0 {
		return "", errors.New("token cache: empty plaintext")
	}
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return "", fmt.Errorf("token cache: bad padding %d", n)
	}
	for _, p := range b[len(b)-n:] {
		if int(p) != n {
			return "", errors.New("token cache: bad padding bytes")
		}
	}
	return string(b[:len(b)-n]), nil
}
