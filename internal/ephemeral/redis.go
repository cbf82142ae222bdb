package ephemeral

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is the production Store backend: Redis provides the TTL
// key/value space, BLPOP/RPUSH for the rendezvous list,
// and PUBLISH/SUBSCRIBE for cancellation and progress channels, each
// mapped directly onto Redis's own commands.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore dials addr (host:port) with sane defaults; callers
// supply a pre-built *redis.Options for TLS/auth via NewRedisStoreWithOptions.
func NewRedisStore(addr string) *RedisStore {
	return NewRedisStoreWithOptions(&redis.Options{Addr: addr})
}

func NewRedisStoreWithOptions(opts *redis.Options) *RedisStore {
	return &RedisStore{client: redis.NewClient(opts)}
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return v, err
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.client.Expire(ctx, key, ttl).Err()
}

func (s *RedisStore) RPush(ctx context.Context, list string, value []byte) (int64, error) {
	return s.client.RPush(ctx, list, value).Result()
}

func (s *RedisStore) BLPop(ctx context.Context, list string, timeout time.Duration) ([]byte, bool, error) {
	// Redis treats BLPOP with a zero timeout as "block forever"; the
	// Store contract wants an immediate poll instead.
	if timeout <= 0 {
		v, err := s.client.LPop(ctx, list).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, err
		}
		return v, true, nil
	}
	res, err := s.client.BLPop(ctx, timeout, list).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	// BLPop returns [list, value].
	if len(res) != 2 {
		return nil, false, nil
	}
	return []byte(res[1]), true, nil
}

func (s *RedisStore) Publish(ctx context.Context, channel string, message []byte) error {
	return s.client.Publish(ctx, channel, message).Err()
}

func (s *RedisStore) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	pubsub := s.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		return nil, err
	}
	sub := &redisSub{pubsub: pubsub, ch: make(chan []byte, 64), done: make(chan struct{})}
	go sub.pump()
	return sub, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

type redisSub struct {
	pubsub *redis.PubSub
	ch     chan []byte
	done   chan struct{}
	once   sync.Once
}
