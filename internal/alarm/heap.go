package alarm

import (
	"container/heap"
	"time"
)

// entry is one armed wake-up in the host's queue.
type entry struct {
	key   string
	at    time.Time
	index int
}

// queue is a min-heap of entries ordered by at, with O(log n) re-arm via index.
type queue []*entry

func (q queue) Len() int { return len(q) }
func (q queue) Less(i, j int) bool {
	if q[i].at.Equal(q[j].at) {
		return q[i].key < q[j].key
	}
	return q[i].at.Before(q[j].at)
}
func (q queue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *queue) Push(x any) {
	e := x.(*entry)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *queue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}

// armed tracks the single pending wake-up of every key.
type armed struct {
	q     queue
	byKey map[string]*entry
}

func newArmed() *armed { return &armed{byKey: map[string]*entry{}} }

// set replaces the wake-up of key.
func (a *armed) set(key string, at time.Time) {
	if e, ok := a.byKey[key]; ok {
		e.at = at
		heap.Fix(&a.q, e.index)
		return
	}
	e := &entry{key: key, at: at}
	heap.Push(&a.q, e)
	a.byKey[key] = e
}

func (a *armed) clear(key string) bool {
	e, ok := a.byKey[key]
	if !ok {
		return false
	}
	heap.Remove(&a.q, e.index)
	delete(a.byKey, key)
	return true
}

func (a *armed) get(key string) (time.Time, bool) {
	e, ok := a.byKey[key]
	if !ok {
		return time.Time{}, false
	}
	return e.at, true
}

// next returns the earliest wake-up.
func (a *armed) next() (time.Time, bool) {
	if len(a.q) == 0 {
		return time.Time{}, false
	}
	return a.q[0].at, true
}

// popDue removes and returns every wake-up at or before now.
func (a *armed) popDue(now time.Time) []entry {
	var due []entry
	for len(a.q) > 0 && !a.q[0].at.After(now) {
		e := heap.Pop(&a.q).(*entry)
		delete(a.byKey, e.key)
		due = append(due, *e)
	}
	return due
}

func (a *armed) len() int { return len(a.q) }
