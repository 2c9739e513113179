package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrInProgress means another request with the same key has not finished yet.
var ErrInProgress = errors.New("request with this idempotency key is in progress")

// Store remembers which order a client-supplied Idempotency-Key produced so a
// retried create-order request returns the original order.
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{rdb: rdb, ttl: ttl}
}

func (s *Store) Key(userID int64, key string) string {
	return fmt.Sprintf("idem:%d:%s", userID, key)
}

// Begin claims key for userID. When the key was already used it returns the
// order id it produced. started is true only for the first caller, who must
// then call Complete or Abort.
func (s *Store) Begin(ctx context.Context, userID int64, key string) (orderID string, started bool, err error) {
	k := s.Key(userID, key)

	ok, err := s.rdb.SetNX(ctx, k, "", s.ttl).Result()
	if err != nil {
		return "", false, err
	}
	if ok {
		return "", true, nil
	}

	orderID, err = s.rdb.Get(ctx, k).Result()
	if errors.Is(err, redis.Nil) {
		// expired between SETNX and GET
		return "", false, ErrInProgress
	}
	if err != nil {
		return "", false, err
	}
	if orderID == "" {
		return "", false, ErrInProgress
	}

	return orderID, false, nil
}

func (s *Store) Complete(ctx context.Context, userID int64, key, orderID string) error {
	return s.rdb.Set(ctx, s.Key(userID, key), orderID, s.ttl).Err()
}

// Abort releases key so the client can retry after a failed request.
func (s *Store) Abort(ctx context.Context, userID int64, key string) error {
	return s.rdb.Del(ctx, s.Key(userID, key)).Err()
}
