// Package requestlog keeps a bounded in-memory history of job outcomes.
package requestlog

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// DefaultCapacity is the number of entries kept when no capacity is given.
const DefaultCapacity = 1000

// Entry records the outcome of one job or attempt.
type Entry struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	CallerID   string    `json:"caller_id,omitempty"`
	RequestIP  string    `json:"request_ip,omitempty"`
	Endpoint   string    `json:"endpoint"`
	JobID      string    `json:"job_id,omitempty"`
	Model      string    `json:"model,omitempty"`
	NodeID     string    `json:"node_id,omitempty"`
	IPVersion  string    `json:"ip_version,omitempty"`
	Provider   string    `json:"provider,omitempty"`
	StatusCode int       `json:"status_code"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"duration_ms"`
}

// Log is a fixed-capacity circular buffer of entries. Once full, the oldest entry is overwritten.
type Log struct {
	mu      sync.Mutex
	entries []Entry
	next    int
	size    int
}

// New creates a log holding at most capacity entries.
func New(capacity int) *Log {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Log{entries: make([]Entry, capacity)}
}

// Add appends an entry, stamping its id and timestamp when missing.
func (l *Log) Add(entry Entry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.ID == "" {
		entry.ID = ulid.Make().String()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries[l.next] = entry
	l.next = (l.next + 1) % len(l.entries)
	if l.size < len(l.entries) {
		l.size++
	}
}

// Recent returns up to limit entries, newest first. limit <= 0 returns everything.
func (l *Log) Recent(limit int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	if limit <= 0 || limit > l.size {
		limit = l.size
	}

	out := make([]Entry, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (l.next - 1 - i + len(l.entries)) % len(l.entries)
		out = append(out, l.entries[idx])
	}
	return out
}

// Len returns the number of stored entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

// Cap returns the buffer capacity.
func (l *Log) Cap() int {
	return len(l.entries)
}
