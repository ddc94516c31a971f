package middleware

import (
	"context"
	"time"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/redis/go-redis/v9"
)

const blacklistPrefix = "iouchain:blacklist:"

// RedisTokenBlacklist implements TokenBlacklist using Redis. Only a hash of
// each token is stored.
type RedisTokenBlacklist struct {
	client *redis.Client
}

func NewRedisTokenBlacklist(client *redis.Client) *RedisTokenBlacklist {
	return &RedisTokenBlacklist{client: client}
}

func blacklistKey(token string) string {
	return blacklistPrefix + chainhash.HashH([]byte(token)).String()
}

// Blacklist revokes a token until expiration.
func (b *RedisTokenBlacklist) Blacklist(ctx context.Context, token string, expiration time.Duration) error {
	return b.client.Set(ctx, blacklistKey(token), "revoked", expiration).Err()
}

func (b *RedisTokenBlacklist) IsBlacklisted(ctx context.Context, token string) (bool, error) {
	n, err := b.client.Exists(ctx, blacklistKey(token)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
