package picopad

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/golang/snappy"
)

const (
	metricsFile     = "metrics.json.sz"
	transitionsFile = "transitions.json.sz"
)

// FileStore keeps snappy-compressed JSON documents in a directory. Writes go
// to a temp file first and are renamed into place.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: file store needs a path", ErrConfiguration)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) LoadMetrics(ctx context.Context) (*Metrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var m Metrics
	found, err := s.readLocked(metricsFile, &m)
	if err != nil || !found {
		return nil, err
	}
	return &m, nil
}

func (s *FileStore) SaveMetrics(ctx context.Context, m *Metrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(metricsFile, m)
}

// AppendTransitions holds the lock across the read and the rewrite.
func (s *FileStore) AppendTransitions(ctx context.Context, recs []TransitionRecord, limit int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []TransitionRecord
	if _, err := s.readLocked(transitionsFile, &all); err != nil {
		return err
	}
	all = trimTransitions(append(all, recs...), limit)
	return s.writeLocked(transitionsFile, all)
}

func (s *FileStore) LoadTransitions(ctx context.Context, limit int) ([]TransitionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []TransitionRecord
	if _, err := s.readLocked(transitionsFile, &all); err != nil {
		return nil, err
	}
	return trimTransitions(all, limit), nil
}

func (s *FileStore) Close() error { return nil }

// readLocked and writeLocked expect s.mu to be held.
func (s *FileStore) readLocked(name string, v any) (bool, error) {
	raw, err := os.ReadFile(filepath.Join(s.dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: read %s: %v", ErrStore, name, err)
	}
	data, err := snappy.Decode(nil, raw)
	if err != nil {
		return false, fmt.Errorf("%w: decode %s: %v", ErrStore, name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("%w: parse %s: %v", ErrStore, name, err)
	}
	return true, nil
}

func (s *FileStore) writeLocked(name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", ErrStore, name, err)
	}

	tmp, err := os.CreateTemp(s.dir, name+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}
	if _, err := tmp.Write(snappy.Encode(nil, data)); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("%w: write %s: %v", ErrStore, name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("%w: %v", ErrStore, err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, name)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("%w: %v", ErrStore, err)
	}
	return nil
}
