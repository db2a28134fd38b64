package reminder

import (
	"context"
	"encoding/json"
	"strings"
)

// PoolKey is the durable key holding the serialized pool of an instance.
const PoolKey = "tasks"

const maxContentBytes = 64 << 10

// Region is the slice of durable storage owned by one scheduler instance.
// storage.Region satisfies it.
type Region interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, val []byte) error
}

// TaskStore is durable CRUD over the task pool.
//
// Every operation reads, modifies and writes the whole pool. TaskStore does
// not lock: callers serialize access per instance (Scheduler does).
type TaskStore struct {
	region Region
	newID  func() string
}

func NewTaskStore(region Region, newID func() string) *TaskStore {
	if newID == nil {
		newID = NewTaskID
	}
	return &TaskStore{region: region, newID: newID}
}

// Load reads the current pool. A missing key is an empty pool.
func (s *TaskStore) Load(ctx context.Context) (Pool, error) {
	b, ok, err := s.region.Get(ctx, PoolKey)
	if err != nil {
		return nil, &StoreError{Op: "read", Err: err}
	}
	pool := Pool{}
	if !ok || len(b) == 0 {
		return pool, nil
	}
	if err := json.Unmarshal(b, &pool); err != nil {
		return nil, &StoreError{Op: "decode", Err: err}
	}
	if pool == nil {
		pool = Pool{}
	}
	return pool, nil
}

// ReplaceAll overwrites the persisted pool.
func (s *TaskStore) ReplaceAll(ctx context.Context, pool Pool) error {
	if pool == nil {
		pool = Pool{}
	}
	b, err := json.Marshal(pool)
	if err != nil {
		return &StoreError{Op: "encode", Err: err}
	}
	if err := s.region.Put(ctx, PoolKey, b); err != nil {
		return &StoreError{Op: "write", Err: err}
	}
	return nil
}

// Create mints an id, inserts the task and persists the pool.
// It returns the new task and the pool as written.
func (s *TaskStore) Create(ctx context.Context, reminderAt int64, content, userID string) (Task, Pool, error) {
	if err := validateTask(reminderAt, content, userID); err != nil {
		return Task{}, nil, err
	}
	cur, err := s.Load(ctx)
	if err != nil {
		return Task{}, nil, err
	}

	id := s.newID()
	for id == "" || cur.has(id) {
		id = s.newID()
	}
	t := Task{TaskID: id, ReminderAt: reminderAt, Content: content, UserID: userID}

	next := cur.clone()
	next[id] = t
	if err := s.ReplaceAll(ctx, next); err != nil {
		return Task{}, nil, err
	}
	return t, next, nil
}

// Delete removes taskID if present. A missing id is not an error; in that
// case nothing is written and removed is false.
func (s *TaskStore) Delete(ctx context.Context, taskID string) (removed bool, pool Pool, err error) {
	cur, err := s.Load(ctx)
	if err != nil {
		return false, nil, err
	}
	if _, ok := cur[taskID]; !ok {
		return false, cur, nil
	}
	next := cur.clone()
	delete(next, taskID)
	if err := s.ReplaceAll(ctx, next); err != nil {
		return false, nil, err
	}
	return true, next, nil
}

// List returns a snapshot of the current tasks ordered by ReminderAt.
func (s *TaskStore) List(ctx context.Context) ([]Task, error) {
	pool, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	return pool.Sorted(), nil
}

func validateTask(reminderAt int64, content, userID string) error {
	if reminderAt <= 0 {
		return invalidf("reminderAt must be a positive epoch-millisecond timestamp")
	}
	if strings.TrimSpace(userID) == "" {
		return invalidf("userId is required")
	}
	if len(content) > maxContentBytes {
		return invalidf("content exceeds %d bytes", maxContentBytes)
	}
	return nil
}
