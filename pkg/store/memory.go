package store

import (
	"context"
	"sort"
	"sync"

	"github.com/rmax-ai/cadence/pkg/ledger"
)

// MemoryStore keeps daily usage for the life of the process.
type MemoryStore struct {
	mu   sync.RWMutex
	days map[string][]ledger.ProviderQuota
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{days: make(map[string][]ledger.ProviderQuota)}
}

func (s *MemoryStore) LoadDailyUsage(_ context.Context, date string) ([]ledger.ProviderQuota, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := append([]ledger.ProviderQuota(nil), s.days[date]...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].Window < out[j].Window
	})
	return out, nil
}

func (s *MemoryStore) SaveDailyUsage(_ context.Context, date string, quotas []ledger.ProviderQuota) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.days[date] = append([]ledger.ProviderQuota(nil), quotas...)
	return nil
}

func (s *MemoryStore) Close() error { return nil }
