package roster

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenIdentity is the stable identity returned when a reconnection token is
// redeemed: enough to rebind a refreshed client to its roster row without any
// client-side persistence heuristics.
type TokenIdentity struct {
	SessionCode   string    `json:"sessionCode"`
	ParticipantID string    `json:"participantId"`
	IssuedAt      time.Time `json:"issuedAt"`
}

// TokenStore keeps opaque reconnection tokens in Redis, keyed by the token's
// SHA-256 so the token value itself is never stored.
type TokenStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewTokenStore creates a Redis-backed token store.
func NewTokenStore(redisURL string, ttl time.Duration) (*TokenStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewTokenStoreWithClient(client, ttl), nil
}

// NewTokenStoreWithClient wraps an existing Redis client. Used by tests.
func NewTokenStoreWithClient(client *redis.Client, ttl time.Duration) *TokenStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &TokenStore{client: client, prefix: "reconnect:", ttl: ttl}
}

func (s *TokenStore) key(token string) string {
	sum := sha256.Sum256([]byte(token))
	return s.prefix + hex.EncodeToString(sum[:])
}

// Issue mints a new opaque token bound to one participant.
func (s *TokenStore) Issue(ctx context.Context, sessionCode, participantID string) (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	token := hex.EncodeToString(raw)

	data, err := json.Marshal(TokenIdentity{
		SessionCode:   sessionCode,
		ParticipantID: participantID,
		IssuedAt:      time.Now(),
	})
	if err != nil {
		return "", fmt.Errorf("marshal token identity: %w", err)
	}
	if err := s.client.Set(ctx, s.key(token), data, s.ttl).Err(); err != nil {
		return "", fmt.Errorf("save reconnection token: %w", err)
	}
	return token, nil
}

// Redeem resolves a presented token back to its stable identity and refreshes
// the TTL, so an active client's token survives repeated reconnects.
func (s *TokenStore) Redeem(ctx context.Context, token string) (TokenIdentity, error) {
	key := s.key(token)
	data, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return TokenIdentity{}, fmt.Errorf("token not found or expired")
	}
	if err != nil {
		return TokenIdentity{}, fmt.Errorf("lookup reconnection token: %w", err)
	}

	var identity TokenIdentity
	if err := json.Unmarshal([]byte(data), &identity); err != nil {
		return TokenIdentity{}, fmt.Errorf("unmarshal token identity: %w", err)
	}
	if err := s.client.Expire(ctx, key, s.ttl).Err(); err != nil {
		return TokenIdentity{}, fmt.Errorf("refresh token ttl: %w", err)
	}
	return identity, nil
}

// Revoke deletes a token.
func (s *TokenStore) Revoke(ctx context.Context, token string) error {
	if err := s.client.Del(ctx, s.key(token)).Err(); err != nil {
		return fmt.Errorf("revoke reconnection token: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *TokenStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable.
func (s *TokenStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
