// Package redis stores daily usage in a Redis hash per day, so several
// processes on different hosts can share one counter history.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/rmax-ai/cadence/pkg/ledger"
	"github.com/rmax-ai/cadence/pkg/store"
)

const keyPrefix = "cadence:usage:"

// DefaultRetention is how long a day's hash outlives its last write.
const DefaultRetention = 48 * time.Hour

type RedisUsageStore struct {
	client    *redis.Client
	retention time.Duration
	logger    *zap.Logger
}

func NewRedisUsageStore(client *redis.Client, logger *zap.Logger) *RedisUsageStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisUsageStore{client: client, retention: DefaultRetention, logger: logger}
}

func (s *RedisUsageStore) makeKey(date string) string {
	return keyPrefix + date
}

func field(q ledger.ProviderQuota) string {
	return fmt.Sprintf("%s|%s", q.Provider, q.Window)
}

func (s *RedisUsageStore) LoadDailyUsage(ctx context.Context, date string) ([]ledger.ProviderQuota, error) {
	key := s.makeKey(date)
	values, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: HGETALL %s: %v", store.ErrUnavailable, key, err)
	}

	out := make([]ledger.ProviderQuota, 0, len(values))
	for f, data := range values {
		var q ledger.ProviderQuota
		if err := json.Unmarshal([]byte(data), &q); err != nil {
			s.logger.Warn("daily_usage_corrupt", zap.String("key", key), zap.String("field", f), zap.Error(err))
			continue
		}
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].Window < out[j].Window
	})
	return out, nil
}

// SaveDailyUsage replaces the day's hash in one MULTI/EXEC.
func (s *RedisUsageStore) SaveDailyUsage(ctx context.Context, date string, quotas []ledger.ProviderQuota) error {
	key := s.makeKey(date)
	fields := make(map[string]any, len(quotas))
	for _, q := range quotas {
		data, err := json.Marshal(q)
		if err != nil {
			return fmt.Errorf("failed to marshal %s: %w", q, err)
		}
		fields[field(q)] = data
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(fields) > 0 {
			pipe.HSet(ctx, key, fields)
			pipe.Expire(ctx, key, s.retention)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: saving %s: %v", store.ErrUnavailable, key, err)
	}
	return nil
}

func (s *RedisUsageStore) Close() error {
	return s.client.Close()
}

var _ store.DailyUsageStore = (*RedisUsageStore)(nil)
