package registry

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"emperror.dev/errors"
	"github.com/redis/go-redis/v9"
)

const defaultRedisTokenPrefix = "regsync:token:"

// RedisTokenRepository keeps resumption tokens as Redis keys that expire
// with the token, so abandoned listings need no sweep.
type RedisTokenRepository struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

type RedisTokenOption func(*RedisTokenRepository)

func WithRedisKeyPrefix(prefix string) RedisTokenOption {
	return func(r *RedisTokenRepository) {
		if strings.TrimSpace(prefix) != "" {
			r.prefix = prefix
		}
	}
}

func NewRedisTokenRepository(client redis.UniversalClient, opts ...RedisTokenOption) *RedisTokenRepository {
	r := &RedisTokenRepository{
		client: client,
		prefix: defaultRedisTokenPrefix,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewRedisTokenRepositoryFromURL parses a redis:// or rediss:// URL and
// verifies the server is reachable.
func NewRedisTokenRepositoryFromURL(rawURL string, opts ...RedisTokenOption) (*RedisTokenRepository, error) {
	options, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, errors.WrapIf(err, "parse redis url")
	}
	client := redis.NewClient(options)
	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.WrapIf(err, "ping redis")
	}
	return NewRedisTokenRepository(client, opts...), nil
}

func (r *RedisTokenRepository) key(id string) string {
	return r.prefix + id
}

func (r *RedisTokenRepository) Save(ctx context.Context, token ResumptionToken) error {
	if strings.TrimSpace(token.ID) == "" {
		return ErrInvalidInput
	}
	ttl := token.ExpiresAt.Sub(r.now())
	if ttl <= 0 {
		return nil
	}
	payload, err := json.Marshal(token)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.key(token.ID), payload, ttl).Err()
}

// Take reads and deletes the key inside a WATCH transaction so a token of
// another listing is left untouched and two callers cannot both take it.
func (r *RedisTokenRepository) Take(ctx context.Context, id string, listing ListingType) (ResumptionToken, error) {
	key := r.key(id)
	var token ResumptionToken
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		payload, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if err := json.Unmarshal(payload, &token); err != nil {
			return err
		}
		if token.ListingType != listing {
			return listingMismatch(token.ListingType)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		// Another caller changed the key first.
		return ResumptionToken{}, ErrNotFound
	}
	if err != nil {
		return ResumptionToken{}, err
	}
	return token, nil
}

// PurgeExpired is a no-op: Redis expires the keys itself.
func (r *RedisTokenRepository) PurgeExpired(context.Context, time.Time) (int, error) {
	return 0, nil
}

func (r *RedisTokenRepository) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}
