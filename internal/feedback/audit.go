package feedback

import (
	"sync"
	"time"
)

// AuditEntry records one processed event, including neutral ones.
type AuditEntry struct {
	ID      string    `json:"id"`
	At      time.Time `json:"at"`
	Event   Event     `json:"event"`
	Updates []Update  `json:"updates,omitempty"`
}

// AuditLog is a bounded, concurrency-safe ring of recent entries. When full,
// the oldest entry is overwritten.
type AuditLog struct {
	mu      sync.Mutex
	entries []AuditEntry
	next    int
	full    bool
	total   uint64
}

// NewAuditLog creates a log holding up to capacity entries. A capacity of
// zero keeps only the running total.
func NewAuditLog(capacity int) *AuditLog {
	return &AuditLog{entries: make([]AuditEntry, capacity)}
}

// Append adds an entry.
func (a *AuditLog) Append(e AuditEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.total++
	if len(a.entries) == 0 {
		return
	}
	a.entries[a.next] = e
	a.next = (a.next + 1) % len(a.entries)
	if a.next == 0 {
		a.full = true
	}
}

// Entries returns retained entries oldest first.
func (a *AuditLog) Entries() []AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.full {
		out := make([]AuditEntry, a.next)
		copy(out, a.entries[:a.next])
		return out
	}
	out := make([]AuditEntry, 0, len(a.entries))
	out = append(out, a.entries[a.next:]...)
	out = append(out, a.entries[:a.next]...)
	return out
}

// Total returns how many entries were ever appended.
func (a *AuditLog) Total() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total
}
