package kb

import (
	"context"
	"sync"
)

// MemoryStore keeps findings in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]map[string][]Finding
	// order remembers insertion order per namespace for All.
	order map[string][]string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:  make(map[string]map[string][]Finding),
		order: make(map[string][]string),
	}
}

// Query implements Store.
func (s *MemoryStore) Query(ctx context.Context, namespace, key string) ([]Finding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Finding(nil), s.data[namespace][key]...), nil
}

// All implements Store.
func (s *MemoryStore) All(ctx context.Context, namespace string) ([]Finding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Finding
	for _, key := range s.order[namespace] {
		out = append(out, s.data[namespace][key]...)
	}
	return out, nil
}

// Append implements Store.
func (s *MemoryStore) Append(ctx context.Context, namespace string, f Finding) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(namespace, f)
	return nil
}

// AppendUnique implements Store.
func (s *MemoryStore) AppendUnique(ctx context.Context, namespace string, f Finding) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.data[namespace][f.Key]) > 0 {
		return false, nil
	}
	s.put(namespace, f)
	return true, nil
}

// put assumes s.mu is held.
func (s *MemoryStore) put(namespace string, f Finding) {
	ns, ok := s.data[namespace]
	if !ok {
		ns = make(map[string][]Finding)
		s.data[namespace] = ns
	}
	if len(ns[f.Key]) == 0 {
		s.order[namespace] = append(s.order[namespace], f.Key)
	}
	ns[f.Key] = append(ns[f.Key], f)
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }
