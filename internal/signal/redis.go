package signal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "verifybridge:signals:"

// RedisClient はRedisProviderが使うgo-redisのコマンドの部分集合。
// *redis.Client と *redis.ClusterClient が満たす。
type RedisClient interface {
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// RedisProvider は名前空間ごとに1つのハッシュへ保存するProvider。
// 書き込みのたびにTTLを延長し、放置された名前空間はRedis側で消える。
type RedisProvider struct {
	client RedisClient
	ttl    time.Duration
}

// NewRedisProvider はRedisProviderを生成する。ttlが0以下なら期限を設定しない。
func NewRedisProvider(client RedisClient, ttl time.Duration) *RedisProvider {
	return &RedisProvider{client: client, ttl: ttl}
}

// NewRedisClient はREDIS_URL形式のURLからクライアントを生成する。
func NewRedisClient(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

// For は名前空間に束縛されたStoreを返す。
func (p *RedisProvider) For(namespace string) Store {
	return &redisStore{p: p, hash: redisKeyPrefix + namespace}
}

type redisStore struct {
	p    *RedisProvider
	hash string
}

func (s *redisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.p.client.HGet(ctx, s.hash, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get signal %s: %w", key, err)
	}
	return v, true, nil
}

func (s *redisStore) Set(ctx context.Context, key, value string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := s.p.client.HSet(ctx, s.hash, key, value).Err(); err != nil {
		return fmt.Errorf("failed to set signal %s: %w", key, err)
	}
	if s.p.ttl > 0 {
		if err := s.p.client.Expire(ctx, s.hash, s.p.ttl).Err(); err != nil {
			return fmt.Errorf("failed to extend signal ttl: %w", err)
		}
	}
	return nil
}

func (s *redisStore) Delete(ctx context.Context, key string) error {
	if err := s.p.client.HDel(ctx, s.hash, key).Err(); err != nil {
		return fmt.Errorf("failed to delete signal %s: %w", key, err)
	}
	return nil
}

func (s *redisStore) Clear(ctx context.Context) error {
	if err := s.p.client.Del(ctx, s.hash).Err(); err != nil {
		return fmt.Errorf("failed to clear signals: %w", err)
	}
	return nil
}
