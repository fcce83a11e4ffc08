package errors

import (
	"sync"
	"time"
)

// Tracker keeps a bounded in-memory history of classified failures.
// It backs status reporting and alert context; nothing is persisted.
type Tracker struct {
	mutex    sync.RWMutex
	capacity int
	records  []*Record
	next     int
	filled   bool

	total       int64
	byKind      map[Kind]int64
	byComponent map[string]int64
}

// TrackerSnapshot is a point-in-time view of tracked failure counts
type TrackerSnapshot struct {
	Total       int64            `json:"total"`
	ByKind      map[Kind]int64   `json:"by_kind"`
	ByComponent map[string]int64 `json:"by_component"`
}

// NewTracker creates a tracker holding at most capacity recent records
func NewTracker(capacity int) *Tracker {
	if capacity <= 0 {
		capacity = 100
	}
	return &Tracker{
		capacity:    capacity,
		records:     make([]*Record, capacity),
		byKind:      make(map[Kind]int64),
		byComponent: make(map[string]int64),
	}
}

// Track records a classified failure
func (t *Tracker) Track(rec *Record) {
	if rec == nil {
		return
	}

	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.records[t.next] = rec
	t.next = (t.next + 1) % t.capacity
	if t.next == 0 {
		t.filled = true
	}

	t.total++
	t.byKind[rec.Kind]++
	if rec.Component != "" {
		t.byComponent[rec.Component]++
	}
}

// Recent returns up to n most recent records, newest first
func (t *Tracker) Recent(n int) []*Record {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	size := t.next
	if t.filled {
		size = t.capacity
	}
	if n <= 0 || n > size {
		n = size
	}

	out := make([]*Record, 0, n)
	for i := 1; i <= n; i++ {
		idx := (t.next - i + t.capacity) % t.capacity
		out = append(out, t.records[idx])
	}
	return out
}

// CountSince returns the number of tracked records newer than the cutoff
func (t *Tracker) CountSince(cutoff time.Time) int {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	count := 0
	size := t.next
	if t.filled {
		size = t.capacity
	}
	for i := 1; i <= size; i++ {
		idx := (t.next - i + t.capacity) % t.capacity
		if t.records[idx].Timestamp.Before(cutoff) {
			break
		}
		count++
	}
	return count
}

// Snapshot returns current counts
func (t *Tracker) Snapshot() TrackerSnapshot {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	byKind := make(map[Kind]int64, len(t.byKind))
	for k, v := range t.byKind {
		byKind[k] = v
	}
	byComponent := make(map[string]int64, len(t.byComponent))
	for k, v := range t.byComponent {
		byComponent[k] = v
	}

	return TrackerSnapshot{
		Total:       t.total,
		ByKind:      byKind,
		ByComponent: byComponent,
	}
}

// Reset clears all tracked history and counts
func (t *Tracker) Reset() {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.records = make([]*Record, t.capacity)
	t.next = 0
	t.filled = false
	t.total = 0
	t.byKind = make(map[Kind]int64)
	t.byComponent = make(map[string]int64)
}
