package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/Yulian302/lfusys-services-migrator/apperror"
	"github.com/Yulian302/lfusys-services-migrator/models"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const guardKeyPrefix = "migrator:dispatch:"

// RedisGuardStoreImpl keeps latches as SET NX keys. A zero ttl keeps them
// forever.
type RedisGuardStoreImpl struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewRedisGuardStoreImpl(client redis.UniversalClient, ttl time.Duration) *RedisGuardStoreImpl {
	return &RedisGuardStoreImpl{
		client: client,
		ttl:    ttl,
	}
}

func (s *RedisGuardStoreImpl) IsReady(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisGuardStoreImpl) Name() string {
	return "GuardStore[redis]"
}

func (s *RedisGuardStoreImpl) Acquire(ctx context.Context, guard models.DispatchGuard) error {
	if guard.Token == "" {
		guard.Token = uuid.NewString()
	}

	payload, err := json.Marshal(guard)
	if err != nil {
		return err
	}

	key := guardKeyPrefix + guard.URI
	ok, err := s.client.SetNX(ctx, key, payload, s.ttl).Result()
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	// the client retries on network errors, so the key may be our own
	held, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return apperror.ErrAlreadyDispatched
	}
	if err != nil {
		return err
	}

	var holder models.DispatchGuard
	if err := json.Unmarshal(held, &holder); err == nil && holder.Token == guard.Token {
		return nil
	}
	return apperror.ErrAlreadyDispatched
}

func (s *RedisGuardStoreImpl) Release(ctx context.Context, uri string) error {
	return s.client.Del(ctx, guardKeyPrefix+uri).Err()
}
