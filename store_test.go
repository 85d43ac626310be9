package picopad

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func sampleMetrics() *Metrics {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	m := NewMetrics(at)
	m.DummyCount = 7
	m.DummyByPhase[PhaseBurst] = 4
	m.DummyByPhase[PhaseGap] = 3
	m.RealCount = 11
	m.TimeInPhase[PhaseIdle] = 9 * time.Second
	m.CurrentPhase = PhaseGap
	return m
}

func sampleTransitions(n int) []TransitionRecord {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	out := make([]TransitionRecord, n)
	for i := range out {
		out[i] = TransitionRecord{
			From:  PhaseIdle,
			To:    PhaseBurst,
			Event: EventRealOutbound,
			At:    at.Add(time.Duration(i) * time.Second),
		}
	}
	return out
}

// exerciseStore runs the same checks against any backend.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	got, err := s.LoadMetrics(ctx)
	if err != nil {
		t.Fatalf("load empty: %v", err)
	}
	if got != nil {
		t.Fatalf("expected no metrics, got %+v", got)
	}

	want := sampleMetrics()
	if err := s.SaveMetrics(ctx, want); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err = s.LoadMetrics(ctx)
	if err != nil || got == nil {
		t.Fatalf("load: %v %v", got, err)
	}
	if got.DummyCount != 7 || got.RealCount != 11 || got.CurrentPhase != PhaseGap {
		t.Errorf("counters mismatch: %+v", got)
	}
	if got.DummyByPhase[PhaseBurst] != 4 || got.TimeInPhase[PhaseIdle] != 9*time.Second {
		t.Errorf("per-phase values mismatch: %+v", got)
	}
	if !got.LastPhaseChange.Equal(want.LastPhaseChange) {
		t.Errorf("last change: got %v, want %v", got.LastPhaseChange, want.LastPhaseChange)
	}

	recs := sampleTransitions(5)
	if err := s.AppendTransitions(ctx, recs[:3], 4); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.AppendTransitions(ctx, recs[3:], 4); err != nil {
		t.Fatalf("append: %v", err)
	}
	loaded, err := s.LoadTransitions(ctx, 4)
	if err != nil {
		t.Fatalf("load transitions: %v", err)
	}
	if len(loaded) != 4 {
		t.Fatalf("transitions: got %d, want 4", len(loaded))
	}
	if !loaded[0].At.Equal(recs[1].At) || !loaded[3].At.Equal(recs[4].At) {
		t.Errorf("expected the newest four records, oldest first")
	}
	if loaded[0].Event != EventRealOutbound || loaded[0].To != PhaseBurst {
		t.Errorf("record fields lost: %+v", loaded[0])
	}

	short, _ := s.LoadTransitions(ctx, 2)
	if len(short) != 2 || !short[1].At.Equal(recs[4].At) {
		t.Errorf("limit 2 returned %+v", short)
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStore_IsolatesCaller(t *testing.T) {
	s := NewMemoryStore()
	m := sampleMetrics()
	s.SaveMetrics(context.Background(), m)
	m.DummyByPhase[PhaseBurst] = 100

	got, _ := s.LoadMetrics(context.Background())
	if got.DummyByPhase[PhaseBurst] != 4 {
		t.Fatal("store shares map with caller")
	}
	if s.Saves() != 1 {
		t.Fatalf("saves: got %d", s.Saves())
	}
}

func TestFileStore(t *testing.T) {
	s, err := NewFileStore(filepath.Join(t.TempDir(), "state"))
	if err != nil {
		t.Fatal(err)
	}
	exerciseStore(t, s)
}

func TestFileStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s1, _ := NewFileStore(dir)
	s1.SaveMetrics(context.Background(), sampleMetrics())

	s2, _ := NewFileStore(dir)
	got, err := s2.LoadMetrics(context.Background())
	if err != nil || got == nil || got.DummyCount != 7 {
		t.Fatalf("reopen: %+v %v", got, err)
	}
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".tmp" {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestFileStore_ConcurrentAppends(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	const writers, each = 8, 5
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < each; j++ {
				if err := s.AppendTransitions(context.Background(), sampleTransitions(1), 0); err != nil {
					t.Error(err)
				}
			}
		}()
	}
	wg.Wait()

	got, err := s.LoadTransitions(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != writers*each {
		t.Fatalf("kept %d records, want %d", len(got), writers*each)
	}
}

func TestFileStore_CorruptFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, metricsFile), []byte("not snappy"), 0o644); err != nil {
		t.Fatal(err)
	}
	s, _ := NewFileStore(dir)
	if _, err := s.LoadMetrics(context.Background()); !errors.Is(err, ErrStore) {
		t.Fatalf("expected ErrStore, got %v", err)
	}
}

func TestFileStore_NeedsPath(t *testing.T) {
	if _, err := NewFileStore(""); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("PICOPAD_TEST_REDIS")
	if addr == "" {
		addr = "127.0.0.1:6379"
	}
	s := NewRedisStore(RedisConfig{Addr: addr, Prefix: "picopad-test"}, "store-test")
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Ping(ctx); err != nil {
		t.Skipf("redis not reachable at %s: %v", addr, err)
	}
	s.reset(context.Background())
	defer s.reset(context.Background())

	exerciseStore(t, s)
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()

	s, err := OpenStore(ctx, StoreConfig{}, "sess")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.(*MemoryStore); !ok {
		t.Errorf("empty backend: got %T", s)
	}

	s, err = OpenStore(ctx, StoreConfig{Backend: "file", Path: t.TempDir()}, "sess")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.(*FileStore); !ok {
		t.Errorf("file backend: got %T", s)
	}

	if _, err := OpenStore(ctx, StoreConfig{Backend: "etcd"}, "sess"); !errors.Is(err, ErrConfiguration) {
		t.Errorf("unknown backend: %v", err)
	}

	// Nothing listens on port 1.
	dead, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	_, err = OpenStore(dead, StoreConfig{Backend: "redis", Redis: RedisConfig{Addr: "127.0.0.1:1"}}, "sess")
	if !errors.Is(err, ErrStore) {
		t.Errorf("unreachable redis: %v", err)
	}
}
