package usage

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type callerWindow struct {
	hits  []time.Time
	burst *rate.Limiter
}

// MemoryStore keeps rate windows and usage rows in process memory.
// Burst limiting uses a token bucket refilled at Burst tokens per second.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*callerWindow
	days    map[string]map[string]*Totals
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		windows: make(map[string]*callerWindow),
		days:    make(map[string]map[string]*Totals),
	}
}

// Hit checks and records one request for callerID.
func (m *MemoryStore) Hit(_ context.Context, callerID string, limits RateLimits, now time.Time) (RateDecision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	win, exists := m.windows[callerID]
	if !exists {
		win = &callerWindow{}
		m.windows[callerID] = win
	}

	// Drop hits older than the hour window
	cut := 0
	for cut < len(win.hits) && !win.hits[cut].After(now.Add(-hourWindow)) {
		cut++
	}
	win.hits = win.hits[cut:]

	minuteStart := sort.Search(len(win.hits), func(i int) bool {
		return win.hits[i].After(now.Add(-minuteWindow))
	})
	minuteCount := len(win.hits) - minuteStart
	hourCount := len(win.hits)

	allowed := true
	var retry time.Duration

	if limits.PerMinute > 0 && minuteCount >= limits.PerMinute {
		allowed = false
		oldest := win.hits[len(win.hits)-limits.PerMinute]
		retry = max(retry, oldest.Add(minuteWindow).Sub(now))
	}
	if limits.PerHour > 0 && hourCount >= limits.PerHour {
		allowed = false
		oldest := win.hits[len(win.hits)-limits.PerHour]
		retry = max(retry, oldest.Add(hourWindow).Sub(now))
	}

	if limits.Burst > 0 {
		win.syncBurst(limits.Burst, now)
		if tokens := win.burst.TokensAt(now); tokens < 1 {
			allowed = false
			wait := time.Duration((1 - tokens) / float64(win.burst.Limit()) * float64(time.Second))
			retry = max(retry, wait)
		}
	}

	if allowed {
		win.hits = append(win.hits, now)
		if limits.Burst > 0 {
			win.burst.AllowN(now, 1)
		}
	}

	return RateDecision{
		Allowed:         allowed,
		RetryAfter:      retry,
		MinuteRemaining: remaining(limits.PerMinute, minuteCount, allowed),
		HourRemaining:   remaining(limits.PerHour, hourCount, allowed),
	}, nil
}

func (w *callerWindow) syncBurst(burst int, now time.Time) {
	refill := rate.Every(burstWindow / time.Duration(burst))
	if w.burst == nil {
		w.burst = rate.NewLimiter(refill, burst)
		return
	}
	if w.burst.Burst() != burst {
		w.burst.SetLimitAt(now, refill)
		w.burst.SetBurstAt(now, burst)
	}
}

// Record adds delta to the caller's row for the UTC day of at.
func (m *MemoryStore) Record(_ context.Context, callerID string, at time.Time, delta Delta) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	days, exists := m.days[callerID]
	if !exists {
		days = make(map[string]*Totals)
		m.days[callerID] = days
	}
	key := dayKey(at)
	row, exists := days[key]
	if !exists {
		row = &Totals{}
		days[key] = row
	}
	row.add(delta)
	return nil
}

// Day returns the caller's totals for the UTC day of day.
func (m *MemoryStore) Day(_ context.Context, callerID string, day time.Time) (Totals, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if row, ok := m.days[callerID][dayKey(day)]; ok {
		return *row, nil
	}
	return Totals{}, nil
}

// Month returns the caller's totals for the UTC month of month.
func (m *MemoryStore) Month(_ context.Context, callerID string, month time.Time) (Totals, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	from, to := monthBounds(month)
	var out Totals
	for key, row := range m.days[callerID] {
		if key >= from && key < to {
			out.merge(*row)
		}
	}
	return out, nil
}
