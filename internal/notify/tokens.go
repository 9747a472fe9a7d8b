// README: Device push tokens kept in a Redis hash keyed by user id.
package notify

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"

	"swiftride/internal/types"
)

const tokensKey = "notify:tokens"

type RedisTokenDirectory struct {
	redis *redis.Client
}

func NewRedisTokenDirectory(client *redis.Client) *RedisTokenDirectory {
	return &RedisTokenDirectory{redis: client}
}

func (d *RedisTokenDirectory) Register(ctx context.Context, userID types.ID, token string) error {
	return d.redis.HSet(ctx, tokensKey, string(userID), token).Err()
}

func (d *RedisTokenDirectory) Token(ctx context.Context, userID types.ID) (string, error) {
	token, err := d.redis.HGet(ctx, tokensKey, string(userID)).Result()
	if errors.Is(err, redis.Nil) || (err == nil && token == "") {
		return "", ErrNoToken
	}
	return token, err
}
