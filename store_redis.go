package picopad

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures RedisStore.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// RedisStore keeps metrics as a JSON string and the transition log as a
// capped list, both under <prefix>:<session>.
type RedisStore struct {
	client *redis.Client
	prefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore connects to Redis. session separates independent padders
// sharing one server.
func NewRedisStore(cfg RedisConfig, session string) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "picopad"
	}
	return &RedisStore{client: client, prefix: prefix + ":" + session}
}

func (s *RedisStore) metricsKey() string     { return s.prefix + ":metrics" }
func (s *RedisStore) transitionsKey() string { return s.prefix + ":transitions" }

// Ping checks the connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: redis ping: %v", ErrStore, err)
	}
	return nil
}

func (s *RedisStore) LoadMetrics(ctx context.Context) (*Metrics, error) {
	val, err := s.client.Get(ctx, s.metricsKey()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}
	var m Metrics
	if err := json.Unmarshal(val, &m); err != nil {
		return nil, fmt.Errorf("%w: parse metrics: %v", ErrStore, err)
	}
	return &m, nil
}

func (s *RedisStore) SaveMetrics(ctx context.Context, m *Metrics) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}
	if err := s.client.Set(ctx, s.metricsKey(), data, 0).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}
	return nil
}

func (s *RedisStore) AppendTransitions(ctx context.Context, recs []TransitionRecord, limit int) error {
	if len(recs) == 0 {
		return nil
	}
	vals := make([]any, 0, len(recs))
	for _, rec := range recs {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStore, err)
		}
		vals = append(vals, data)
	}

	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, s.transitionsKey(), vals...)
	if limit > 0 {
		pipe.LTrim(ctx, s.transitionsKey(), int64(-limit), -1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}
	return nil
}

func (s *RedisStore) LoadTransitions(ctx context.Context, limit int) ([]TransitionRecord, error) {
	start := int64(0)
	if limit > 0 {
		start = int64(-limit)
	}
	vals, err := s.client.LRange(ctx, s.transitionsKey(), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}
	out := make([]TransitionRecord, 0, len(vals))
	for _, v := range vals {
		var rec TransitionRecord
		if err := json.Unmarshal([]byte(v), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// reset removes this session's keys.
func (s *RedisStore) reset(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.client.Del(ctx, s.metricsKey(), s.transitionsKey()).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
