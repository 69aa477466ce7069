package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/worldland/worldland-broker/internal/domain"
)

// DefaultRedisPrefix namespaces every key the store writes.
const DefaultRedisPrefix = "gpubroker"

// RedisConfig holds connection settings for the Redis store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	// MaxRetryTime bounds how long an optimistic transaction is retried under contention.
	MaxRetryTime time.Duration
}

// Redis keeps active reservations in one list, in commit order, and archives released ones
// in a list per GPU. Mutations are WATCH/MULTI transactions on the active list.
type Redis struct {
	client       redis.UniversalClient
	prefix       string
	maxRetryTime time.Duration
}

// NewRedis connects and pings the server.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, domain.StoreError("ping", err)
	}
	s := NewRedisWithClient(client, cfg.Prefix)
	if cfg.MaxRetryTime > 0 {
		s.maxRetryTime = cfg.MaxRetryTime
	}
	return s, nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &Redis{client: client, prefix: prefix, maxRetryTime: 5 * time.Second}
}

func (s *Redis) activeKey() string { return s.prefix + ":reservations:active" }

func (s *Redis) historyKey(nodeID, gpuID string) string {
	return fmt.Sprintf("%s:reservations:history:%s:%s", s.prefix, nodeID, gpuID)
}

// withTx runs fn inside WATCH on the active list, retrying when another client
// modified the list between read and commit.
func (s *Redis) withTx(ctx context.Context, op string, fn func(tx *redis.Tx) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond
	b.MaxElapsedTime = s.maxRetryTime

	err := backoff.Retry(func() error {
		err := s.client.Watch(ctx, fn, s.activeKey())
		switch {
		case err == nil:
			return nil
		case errors.Is(err, redis.TxFailedErr):
			return err
		default:
			return backoff.Permanent(err)
		}
	}, backoff.WithContext(b, ctx))
	if err == nil || isDomainError(err) {
		return err
	}
	return domain.StoreError(op, err)
}

// isDomainError tells errors raised by guards and matchers apart from Redis failures.
func isDomainError(err error) bool {
	return errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, domain.ErrInsufficientMemory) ||
		errors.Is(err, domain.ErrInvalidRequest) ||
		errors.Is(err, domain.ErrNoCapacity)
}

type redisEntry struct {
	raw string
	r   domain.Reservation
}

func (s *Redis) readActive(ctx context.Context, c redis.Cmdable) ([]redisEntry, error) {
	vals, err := c.LRange(ctx, s.activeKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]redisEntry, 0, len(vals))
	for _, v := range vals {
		var r domain.Reservation
		if err := json.Unmarshal([]byte(v), &r); err != nil {
			return nil, fmt.Errorf("decode reservation: %w", err)
		}
		out = append(out, redisEntry{raw: v, r: r})
	}
	return out, nil
}

func (s *Redis) Append(ctx context.Context, r domain.Reservation, guard domain.Guard) (domain.Reservation, error) {
	var out domain.Reservation
	err := s.withTx(ctx, "append", func(tx *redis.Tx) error {
		entries, err := s.readActive(ctx, tx)
		if err != nil {
			return err
		}
		existing := make([]domain.Reservation, 0)
		for _, e := range entries {
			if e.r.NodeID == r.NodeID && e.r.GPUID == r.GPUID {
				existing = append(existing, e.r)
			}
		}
		if err := checkGuard(guard, existing); err != nil {
			return err
		}

		out = prepare(r, time.Now().UTC())
		data, err := json.Marshal(out)
		if err != nil {
			return fmt.Errorf("encode reservation: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.RPush(ctx, s.activeKey(), data)
			return nil
		})
		return err
	})
	if err != nil {
		return domain.Reservation{}, err
	}
	return out, nil
}

func (s *Redis) ReadAll(ctx context.Context) ([]domain.Reservation, error) {
	entries, err := s.readActive(ctx, s.client)
	if err != nil {
		return nil, domain.StoreError("read reservations", err)
	}
	out := make([]domain.Reservation, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.r)
	}
	return out, nil
}

func (s *Redis) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.activeKey()).Err(); err != nil {
		return domain.StoreError("clear", err)
	}
	return nil
}

func (s *Redis) Release(ctx context.Context, nodeID, gpuID string, match func(domain.Reservation) bool) (domain.Reservation, error) {
	var out domain.Reservation
	err := s.withTx(ctx, "release", func(tx *redis.Tx) error {
		entries, err := s.readActive(ctx, tx)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.r.NodeID != nodeID || e.r.GPUID != gpuID || !match(e.r) {
				continue
			}
			released := e.r
			now := time.Now().UTC()
			released.Active = false
			released.ReleasedAt = &now
			data, err := json.Marshal(released)
			if err != nil {
				return fmt.Errorf("encode reservation: %w", err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.LRem(ctx, s.activeKey(), 1, e.raw)
				pipe.RPush(ctx, s.historyKey(nodeID, gpuID), data)
				return nil
			})
			if err != nil {
				return err
			}
			out = released
			return nil
		}
		return &domain.NotFoundError{Kind: domain.ReservationKind, NodeID: nodeID, GPUID: gpuID}
	})
	if err != nil {
		return domain.Reservation{}, err
	}
	return out, nil
}

func (s *Redis) History(ctx context.Context, nodeID, gpuID string) ([]domain.Reservation, error) {
	vals, err := s.client.LRange(ctx, s.historyKey(nodeID, gpuID), 0, -1).Result()
	if err != nil {
		return nil, domain.StoreError("history", err)
	}
	out := make([]domain.Reservation, 0, len(vals))
	for _, v := range vals {
		var r domain.Reservation
		if err := json.Unmarshal([]byte(v), &r); err != nil {
			return nil, domain.StoreError("history", fmt.Errorf("decode reservation: %w", err))
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *Redis) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}
