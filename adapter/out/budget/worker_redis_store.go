// Package budget stores per-user daily budget state in Redis.
package budget

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"priority_server/core/domain"
	"priority_server/core/port/out"
)

const (
	keyPrefix = "priority:budget:"
	// 하루치 상태는 사용자 timezone 차이를 고려해 이틀간 유지
	stateTTL = 48 * time.Hour
)

// RedisStore implements out.BudgetStore with optimistic WATCH/MULTI
// transactions keyed by (user, day). Concurrent writers on other instances
// lose the race with domain.ErrBudgetRace instead of overwriting each other.
type RedisStore struct {
	client *redis.Client
}

var _ out.BudgetStore = (*RedisStore)(nil)

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func stateKey(userID, day string) string {
	return keyPrefix + userID + ":" + day
}

func (s *RedisStore) Load(ctx context.Context, userID, day string) (domain.BudgetState, bool, error) {
	return s.get(ctx, s.client, stateKey(userID, day))
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) get(ctx context.Context, c getter, key string) (domain.BudgetState, bool, error) {
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.BudgetState{}, false, nil
	}
	if err != nil {
		return domain.BudgetState{}, false, fmt.Errorf("failed to load budget state: %w", err)
	}

	var st domain.BudgetState
	if err := json.Unmarshal(data, &st); err != nil {
		return domain.BudgetState{}, false, fmt.Errorf("failed to decode budget state: %w", err)
	}
	return st, true, nil
}

// Update applies fn inside a WATCH transaction. A concurrent modification of
// the same key surfaces as domain.ErrBudgetRace; the tracker decides whether to retry.
func (s *RedisStore) Update(ctx context.Context, userID, day string, fn out.BudgetMutation) (domain.BudgetState, error) {
	key := stateKey(userID, day)
	var result domain.BudgetState

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		st, found, err := s.get(ctx, tx, key)
		if err != nil {
			return err
		}
		if !found {
			st = domain.BudgetState{UserID: userID, Day: day}
		}

		if err := fn(&st); err != nil {
			return err
		}

		data, err := json.Marshal(st)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, stateTTL)
			return nil
		})
		if err != nil {
			return err
		}
		result = st
		return nil
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return domain.BudgetState{}, domain.ErrBudgetRace
	}
	if err != nil {
		return domain.BudgetState{}, err
	}
	return result, nil
}
