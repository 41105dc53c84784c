package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"accounts-service/internal/client"
	"accounts-service/internal/repository"
	"accounts-service/internal/util"
)

const (
	statePrefix  = "otp_state:"
	fieldVersion = "version"
	fieldValue   = "value"
	opTimeout    = 5 * time.Second
)

// StateStore keeps versioned OTP state in redis hashes so several
// instances can share send throttles and lockouts. CompareAndSwap uses
// WATCH/MULTI.
type StateStore struct {
	client *client.RedisClient
}

func NewStateStore(client *client.RedisClient) *StateStore {
	return &StateStore{client: client}
}

func (s *StateStore) Get(ctx context.Context, key string) (repository.StateRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	fields, err := s.client.Client.HGetAll(ctx, statePrefix+key).Result()
	if err != nil {
		util.Error("Failed to read OTP state", zap.String("key", key), zap.Error(err))
		return repository.StateRecord{}, fmt.Errorf("failed to read OTP state: %w", err)
	}
	if len(fields) == 0 {
		return repository.StateRecord{}, nil
	}

	version, err := strconv.ParseInt(fields[fieldVersion], 10, 64)
	if err != nil {
		return repository.StateRecord{}, fmt.Errorf("invalid OTP state version: %w", err)
	}
	return repository.StateRecord{Value: []byte(fields[fieldValue]), Version: version}, nil
}

func (s *StateStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	k := statePrefix + key
	_, err := s.client.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, k, fieldVersion, 1)
		pipe.HSet(ctx, k, fieldValue, value)
		expire(ctx, pipe, k, ttl)
		return nil
	})
	if err != nil {
		util.Error("Failed to write OTP state", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("failed to write OTP state: %w", err)
	}
	return nil
}

func (s *StateStore) CompareAndSwap(ctx context.Context, key string, version int64, value []byte, ttl time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	k := statePrefix + key
	swapped := false

	err := s.client.Client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.HGet(ctx, k, fieldVersion).Int64()
		if errors.Is(err, redis.Nil) {
			current = 0
		} else if err != nil {
			return err
		}
		if current != version {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, k, fieldVersion, version+1, fieldValue, value)
			expire(ctx, pipe, k, ttl)
			return nil
		})
		if err == nil {
			swapped = true
		}
		return err
	}, k)

	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		util.Error("Failed to swap OTP state", zap.String("key", key), zap.Error(err))
		return false, fmt.Errorf("failed to swap OTP state: %w", err)
	}
	return swapped, nil
}

func expire(ctx context.Context, pipe redis.Pipeliner, key string, ttl time.Duration) {
	if ttl > 0 {
		pipe.PExpire(ctx, key, ttl)
	} else {
		pipe.Persist(ctx, key)
	}
}
