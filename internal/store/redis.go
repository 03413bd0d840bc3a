package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// DefaultTxRetries bounds how often a WATCH transaction is replayed.
const DefaultTxRetries = 16

// Redis stores documents as plain string values and serialises Transact with
// WATCH/MULTI/EXEC, replaying the callback when another client got there first.
type Redis struct {
	client  redis.UniversalClient
	prefix  string
	retries int
}

func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix, retries: DefaultTxRetries}
}

func (r *Redis) key(k string) string { return r.prefix + k }

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return b, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte) error {
	if err := r.client.Set(ctx, r.key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	observeTransact("redis", "set")
	return nil
}

func (r *Redis) Transact(ctx context.Context, key string, fn TransactFunc) error {
	k := r.key(key)
	for i := 0; i < r.retries; i++ {
		var fnErr error
		wrote := false
		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			cur, err := tx.Get(ctx, k).Bytes()
			if errors.Is(err, redis.Nil) {
				cur = nil
			} else if err != nil {
				return err
			}
			next, err := fn(cur)
			if err != nil {
				fnErr = err
				return err
			}
			if next == nil {
				return nil
			}
			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.Set(ctx, k, next, 0)
				return nil
			})
			wrote = err == nil
			return err
		}, k)
		switch {
		case fnErr != nil:
			observeTransact("redis", "aborted")
			return fnErr
		case errors.Is(err, redis.TxFailedErr):
			metricTxRetries.WithLabelValues("redis").Inc()
			log.Debug().Str("module", "store").Str("key", key).Int("try", i+1).Msg("watch lost, retrying")
			continue
		case err != nil:
			return fmt.Errorf("redis transact %s: %w", key, err)
		}
		if wrote {
			observeTransact("redis", "committed")
		} else {
			observeTransact("redis", "noop")
		}
		return nil
	}
	return ErrConflict
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
