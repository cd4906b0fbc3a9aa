package projection

import (
	"sync"

	"github.com/google/uuid"
)

// ActivityEntry is one loan lifecycle step kept in memory for the recent
// activity feed. The durable copy lives in read_model.loan_history.
type ActivityEntry struct {
	Sequence  int64
	LoanID    uuid.UUID
	EventType string
	Actor     *uuid.UUID
	Amount    *string
	State     int32
	EventTime int64
}

// ActivityLog is a bounded in-memory ring of recent loan activity, served
// by the HTTP layer without a database round trip. The projection worker
// writes, request handlers read.
type ActivityLog struct {
	mu      sync.RWMutex
	entries []ActivityEntry
	next    int
	full    bool
}

func NewActivityLog(capacity int) *ActivityLog {
	if capacity <= 0 {
		capacity = 256
	}
	return &ActivityLog{
		entries: make([]ActivityEntry, capacity),
	}
}

// Add records an entry, overwriting the oldest once the ring is full.
func (al *ActivityLog) Add(entry ActivityEntry) {
	al.mu.Lock()
	defer al.mu.Unlock()

	al.entries[al.next] = entry
	al.next++
	if al.next == len(al.entries) {
		al.next = 0
		al.full = true
	}
}

// Recent returns up to limit entries, newest first.
func (al *ActivityLog) Recent(limit int) []ActivityEntry {
	al.mu.RLock()
	defer al.mu.RUnlock()
	return al.collect(limit, func(ActivityEntry) bool { return true })
}

// ByLoan returns up to limit entries for one loan, newest first.
func (al *ActivityLog) ByLoan(loanID uuid.UUID, limit int) []ActivityEntry {
	al.mu.RLock()
	defer al.mu.RUnlock()
	return al.collect(limit, func(e ActivityEntry) bool { return e.LoanID == loanID })
}

func (al *ActivityLog) collect(limit int, keep func(ActivityEntry) bool) []ActivityEntry {
	size := al.next
	if al.full {
		size = len(al.entries)
	}

	result := make([]ActivityEntry, 0, limit)
	for i := 1; i <= size && len(result) < limit; i++ {
		idx := al.next - i
		if idx < 0 {
			idx += len(al.entries)
		}
		if keep(al.entries[idx]) {
			result = append(result, al.entries[idx])
		}
	}
	return result
}
