package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mmeshcher/atelier-checkout/internal/model"
)

// RedisSessionStore хранит сессии оформления в Redis. Брошенные сессии
// удаляются самим Redis по истечении TTL.
type RedisSessionStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisSessionStore подключается к Redis по URL и проверяет соединение.
func NewRedisSessionStore(ctx context.Context, redisURL string, ttl time.Duration) (*RedisSessionStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &RedisSessionStore{client: client, ttl: ttl}, nil
}

func sessionKey(id string) string {
	return "checkout:session:" + id
}

// Close закрывает соединение с Redis.
func (r *RedisSessionStore) Close() error {
	return r.client.Close()
}

// CreateSession сохраняет новую сессию; существующий ключ не перезаписывается.
func (r *RedisSessionStore) CreateSession(ctx context.Context, s *model.CheckoutSession) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	ok, err := r.client.SetNX(ctx, sessionKey(s.ID), data, r.ttl).Result()
	if err != nil {
		return fmt.Errorf("set session: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrVersionConflict, s.ID)
	}
	return nil
}

// GetSession возвращает сессию по идентификатору.
func (r *RedisSessionStore) GetSession(ctx context.Context, id string) (*model.CheckoutSession, error) {
	data, err := r.client.Get(ctx, sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	return decodeSession(data)
}

func decodeSession(data []byte) (*model.CheckoutSession, error) {
	var s model.CheckoutSession
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &s, nil
}

// SaveSession сохраняет сессию через WATCH/MULTI, если её версия не изменилась.
// Каждое сохранение продлевает TTL.
func (r *RedisSessionStore) SaveSession(ctx context.Context, s *model.CheckoutSession) error {
	key := sessionKey(s.ID)
	next := *s
	next.Version++

	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrSessionNotFound
		}
		if err != nil {
			return fmt.Errorf("get session: %w", err)
		}

		stored, err := decodeSession(current)
		if err != nil {
			return err
		}
		if stored.Version != s.Version {
			return ErrVersionConflict
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, r.ttl)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrVersionConflict
	}
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrVersionConflict) {
			return err
		}
		return fmt.Errorf("save session: %w", err)
	}

	s.Version = next.Version
	return nil
}

// DeleteSession удаляет сессию.
func (r *RedisSessionStore) DeleteSession(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, sessionKey(id)).Err(); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// DeleteStaleSessions ничего не делает: устаревшие ключи удаляются по TTL.
func (r *RedisSessionStore) DeleteStaleSessions(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}
