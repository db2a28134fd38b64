package storage

import (
	"context"
	"sort"
	"sync"
)

// memoryStore keeps everything in process memory. Values are copied on the
// way in and out so callers can't alias stored bytes.
type memoryStore struct {
	mu     sync.RWMutex
	data   map[string]map[string][]byte
	closed bool
}

func NewMemory() Store {
	return &memoryStore{data: map[string]map[string][]byte{}}
}

func (s *memoryStore) Get(ctx context.Context, ns, key string) ([]byte, bool, error) {
	_ = ctx
	if err := validKey(ns, key); err != nil {
		return nil, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, false, ErrClosed
	}
	v, ok := s.data[ns][key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (s *memoryStore) Put(ctx context.Context, ns, key string, val []byte) error {
	_ = ctx
	if err := validKey(ns, key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	m := s.data[ns]
	if m == nil {
		m = map[string][]byte{}
		s.data[ns] = m
	}
	m[key] = append([]byte(nil), val...)
	return nil
}

func (s *memoryStore) Delete(ctx context.Context, ns, key string) error {
	_ = ctx
	if err := validKey(ns, key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if m := s.data[ns]; m != nil {
		delete(m, key)
		if len(m) == 0 {
			delete(s.data, ns)
		}
	}
	return nil
}

func (s *memoryStore) Namespaces(ctx context.Context) ([]string, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]string, 0, len(s.data))
	for ns := range s.data {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out, nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
