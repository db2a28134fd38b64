package storage

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	logx "reminderd/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Layout (Path is a directory):
//   - <dir>/<namespace>.json  (one snapshot per namespace: key -> base64 value)
//
// Every Put rewrites the namespace snapshot through a temp file + rename, so a
// crash leaves either the old or the new snapshot on disk.
type fileStore struct {
	log logx.Logger
	dir string

	mu     sync.Mutex
	cache  map[string]map[string][]byte // loaded namespaces
	closed bool
}

const fileExt = ".json"

func openFile(cfg Config, log logx.Logger) (Store, error) {
	dir := strings.TrimSpace(cfg.Path)
	if dir == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	log.Debug("file store opened", logx.String("dir", dir))
	return &fileStore{log: log, dir: dir, cache: map[string]map[string][]byte{}}, nil
}

func (s *fileStore) nsPath(ns string) string {
	return filepath.Join(s.dir, url.PathEscape(ns)+fileExt)
}

// loadLocked returns the namespace map, reading it from disk on first use.
// Call with s.mu held.
func (s *fileStore) loadLocked(ns string) (map[string][]byte, error) {
	if m, ok := s.cache[ns]; ok {
		return m, nil
	}
	m := map[string][]byte{}
	b, err := os.ReadFile(s.nsPath(ns))
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		if err := json.Unmarshal(b, &m); err != nil {
			return nil, err
		}
	}
	s.cache[ns] = m
	return m, nil
}

func (s *fileStore) Get(ctx context.Context, ns, key string) ([]byte, bool, error) {
	_ = ctx
	if err := validKey(ns, key); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, ErrClosed
	}
	m, err := s.loadLocked(ns)
	if err != nil {
		return nil, false, err
	}
	v, ok := m[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (s *fileStore) Put(ctx context.Context, ns, key string, val []byte) error {
	_ = ctx
	if err := validKey(ns, key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	cur, err := s.loadLocked(ns)
	if err != nil {
		return err
	}
	next := make(map[string][]byte, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	next[key] = append([]byte(nil), val...)
	return s.commitLocked(ns, next)
}

func (s *fileStore) Delete(ctx context.Context, ns, key string) error {
	_ = ctx
	if err := validKey(ns, key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	cur, err := s.loadLocked(ns)
	if err != nil {
		return err
	}
	if _, ok := cur[key]; !ok {
		return nil
	}
	next := make(map[string][]byte, len(cur))
	for k, v := range cur {
		if k != key {
			next[k] = v
		}
	}
	return s.commitLocked(ns, next)
}

// commitLocked persists m and only then swaps it into the cache.
func (s *fileStore) commitLocked(ns string, m map[string][]byte) error {
	path := s.nsPath(ns)
	if len(m) == 0 {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		s.cache[ns] = m
		return nil
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(m); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	s.cache[ns] = m
	return nil
}

func (s *fileStore) Namespaces(ctx context.Context) ([]string, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, fileExt) {
			continue
		}
		ns, err := url.PathUnescape(strings.TrimSuffix(name, fileExt))
		if err != nil {
			s.log.Debug("skipping unexpected file", logx.String("name", name))
			continue
		}
		out = append(out, ns)
	}
	sort.Strings(out)
	return out, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.cache = nil
	s.mu.Unlock()
	return nil
}
