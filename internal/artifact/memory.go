package artifact

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and dry runs.
type MemoryStore struct {
	mu      sync.RWMutex
	history map[Key][]Record
	now     func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{history: make(map[Key][]Record), now: time.Now}
}

func (m *MemoryStore) Record(ctx context.Context, rec Record) error {
	return m.RecordAll(ctx, []Record{rec})
}

func (m *MemoryStore) RecordAll(_ context.Context, recs []Record) error {
	for _, r := range recs {
		if err := validateRecord(r); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range recs {
		k := r.Key()
		h := m.history[k]
		if n := len(h); n > 0 && h[n-1].Hash == r.Hash && h[n-1].Object == r.Object {
			continue
		}
		if r.RecordedAt.IsZero() {
			r.RecordedAt = m.now().UTC()
		}
		m.history[k] = append(h, r)
	}
	return nil
}

func (m *MemoryStore) Current(_ context.Context, stage, kind string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h := m.history[Key{Stage: stage, Kind: kind}]
	if len(h) == 0 {
		return Record{}, fmt.Errorf("%s/%s: %w", stage, kind, ErrNotFound)
	}
	return h[len(h)-1], nil
}

func (m *MemoryStore) CurrentHash(ctx context.Context, stage, kind string) (string, error) {
	rec, err := m.Current(ctx, stage, kind)
	if err != nil {
		return "", err
	}
	return rec.Hash, nil
}

func (m *MemoryStore) IsStale(ctx context.Context, stage, kind, sinceHash string) (bool, error) {
	return isStale(ctx, m, stage, kind, sinceHash)
}

func (m *MemoryStore) History(_ context.Context, stage, kind string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h := m.history[Key{Stage: stage, Kind: kind}]
	out := make([]Record, len(h))
	copy(out, h)
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }

func isStale(ctx context.Context, s Store, stage, kind, sinceHash string) (bool, error) {
	cur, err := s.CurrentHash(ctx, stage, kind)
	if errors.Is(err, ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return cur != sinceHash, nil
}

func validateRecord(r Record) error {
	switch {
	case r.Stage == "":
		return errors.New("artifact record: stage is required")
	case r.Kind == "":
		return errors.New("artifact record: kind is required")
	case r.Hash == "":
		return fmt.Errorf("artifact record %s/%s: hash is required", r.Stage, r.Kind)
	}
	return nil
}
