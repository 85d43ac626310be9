package picopad

import (
	"context"
	"fmt"
	"sync"
)

// Store persists the padding metrics and transition log across restarts.
type Store interface {
	// LoadMetrics returns the last saved record, or nil when none exists.
	LoadMetrics(ctx context.Context) (*Metrics, error)
	SaveMetrics(ctx context.Context, m *Metrics) error
	// AppendTransitions adds recs and keeps only the newest limit records.
	AppendTransitions(ctx context.Context, recs []TransitionRecord, limit int) error
	// LoadTransitions returns up to limit records, oldest first.
	LoadTransitions(ctx context.Context, limit int) ([]TransitionRecord, error)
	Close() error
}

// MemoryStore keeps everything in process memory. Used when persistence is
// disabled and in tests.
type MemoryStore struct {
	mu          sync.Mutex
	metrics     *Metrics
	transitions []TransitionRecord
	saves       int
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) LoadMetrics(ctx context.Context) (*Metrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.metrics == nil {
		return nil, nil
	}
	return s.metrics.Clone(), nil
}

func (s *MemoryStore) SaveMetrics(ctx context.Context, m *Metrics) error {
	s.mu.Lock()
	s.metrics = m.Clone()
	s.saves++
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) AppendTransitions(ctx context.Context, recs []TransitionRecord, limit int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitions = append(s.transitions, recs...)
	s.transitions = trimTransitions(s.transitions, limit)
	return nil
}

func (s *MemoryStore) LoadTransitions(ctx context.Context, limit int) ([]TransitionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := trimTransitions(s.transitions, limit)
	return append([]TransitionRecord(nil), out...), nil
}

// Saves reports how many times SaveMetrics has been called.
func (s *MemoryStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func (s *MemoryStore) Close() error { return nil }

// trimTransitions keeps the newest limit records.
func trimTransitions(recs []TransitionRecord, limit int) []TransitionRecord {
	if limit > 0 && len(recs) > limit {
		return recs[len(recs)-limit:]
	}
	return recs
}

// OpenStore builds the backend named in cfg. A Redis store is pinged so a
// wrong address fails at startup instead of on the first flush.
func OpenStore(ctx context.Context, cfg StoreConfig, session string) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStore(), nil
	case "file":
		return NewFileStore(cfg.Path)
	case "redis":
		rs := NewRedisStore(cfg.Redis, session)
		if err := rs.Ping(ctx); err != nil {
			rs.Close()
			return nil, err
		}
		return rs, nil
	}
	return nil, fmt.Errorf("%w: unknown store backend %q", ErrConfiguration, cfg.Backend)
}
