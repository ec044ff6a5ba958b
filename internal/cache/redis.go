package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"billsync/backend/internal/domain"
	"billsync/backend/internal/store"
)

const InvalidationChannel = "billsync:invalidate"

// Event is one invalidation as it travels between instances.
type Event struct {
	Source string            `json:"source"`
	Op     store.Op          `json:"op"`
	Kind   domain.EntityKind `json:"kind"`
	Target Target            `json:"target"`
}

type Bus interface {
	Publish(ctx context.Context, ev Event) error
	Subscribe(ctx context.Context, handler func(Event)) error
}

type NoopBus struct{}

func (NoopBus) Publish(_ context.Context, _ Event) error { return nil }

func (NoopBus) Subscribe(_ context.Context, _ func(Event)) error { return nil }

type AnalyticsStore interface {
	Get(ctx context.Context, key string) (*domain.AnalyticsSummary, bool, error)
	Set(ctx context.Context, key string, value *domain.AnalyticsSummary, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type NoopAnalyticsStore struct{}

func (NoopAnalyticsStore) Get(_ context.Context, _ string) (*domain.AnalyticsSummary, bool, error) {
	return nil, false, nil
}

func (NoopAnalyticsStore) Set(_ context.Context, _ string, _ *domain.AnalyticsSummary, _ time.Duration) error {
	return nil
}

func (NoopAnalyticsStore) Delete(_ context.Context, _ string) error { return nil }

func NewRedisClient(addr string, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

type RedisBus struct {
	client  *redis.Client
	channel string
}

func NewRedisBus(client *redis.Client, channel string) *RedisBus {
	if channel == "" {
		channel = InvalidationChannel
	}
	return &RedisBus{client: client, channel: channel}
}

func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, payload).Err()
}

// Subscribe returns once the subscription is confirmed and delivers events
// on a background goroutine until ctx is done.
func (b *RedisBus) Subscribe(ctx context.Context, handler func(Event)) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return err
	}
	go func() {
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					continue
				}
				handler(ev)
			}
		}
	}()
	return nil
}

type RedisAnalyticsStore struct {
	client *redis.Client
	prefix string
}

func NewRedisAnalyticsStore(client *redis.Client) *RedisAnalyticsStore {
	return &RedisAnalyticsStore{client: client, prefix: "billsync:"}
}

func (c *RedisAnalyticsStore) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisAnalyticsStore) Get(ctx context.Context, key string) (*domain.AnalyticsSummary, bool, error) {
	val, err := c.client.Get(ctx, c.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var summary domain.AnalyticsSummary
	if err := json.Unmarshal([]byte(val), &summary); err != nil {
		return nil, false, err
	}
	return &summary, true, nil
}

func (c *RedisAnalyticsStore) Set(ctx context.Context, key string, value *domain.AnalyticsSummary, ttl time.Duration) error {
	if value == nil {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.prefix+key, payload, ttl).Err()
}

func (c *RedisAnalyticsStore) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, c.prefix+key).Err()
}
