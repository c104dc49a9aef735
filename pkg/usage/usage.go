// Package usage tracks per-caller rate windows and daily usage totals.
package usage

import (
	"context"
	"time"
)

const (
	minuteWindow = time.Minute
	hourWindow   = time.Hour
	burstWindow  = time.Second

	dayLayout = "2006-01-02"
)

// Unlimited is reported as the remaining count for limits that are not set.
const Unlimited = -1

// RateLimits are the caller's request thresholds. Zero disables a threshold.
type RateLimits struct {
	PerMinute int
	PerHour   int
	Burst     int
}

// RateDecision is the outcome of a rate check.
type RateDecision struct {
	Allowed         bool
	RetryAfter      time.Duration
	MinuteRemaining int
	HourRemaining   int
}

// RateCounter atomically checks the caller's windows and records the hit when allowed.
type RateCounter interface {
	Hit(ctx context.Context, callerID string, limits RateLimits, now time.Time) (RateDecision, error)
}

// Delta is the usage of one finished job.
type Delta struct {
	Success   bool
	TokensIn  int64
	TokensOut int64
	CostUSD   float64
	LatencyMs int64
}

// Totals are accumulated usage counters.
type Totals struct {
	RequestsTotal   int64   `json:"requests_total"`
	RequestsSuccess int64   `json:"requests_success"`
	RequestsFailed  int64   `json:"requests_failed"`
	TokensInput     int64   `json:"tokens_input"`
	TokensOutput    int64   `json:"tokens_output"`
	TokensTotal     int64   `json:"tokens_total"`
	CostUSD         float64 `json:"cost_usd"`
	AvgLatencyMs    float64 `json:"avg_latency_ms"`
}

// Ledger keeps one usage row per caller and UTC day.
type Ledger interface {
	Record(ctx context.Context, callerID string, at time.Time, delta Delta) error
	Day(ctx context.Context, callerID string, day time.Time) (Totals, error)
	Month(ctx context.Context, callerID string, month time.Time) (Totals, error)
}

// Store is the full usage abstraction used by admission control.
type Store interface {
	RateCounter
	Ledger
}

type combined struct {
	RateCounter
	Ledger
}

// Combine joins a rate counter and a ledger backed by different storage.
func Combine(counter RateCounter, ledger Ledger) Store {
	return combined{RateCounter: counter, Ledger: ledger}
}

func (t *Totals) add(d Delta) {
	t.AvgLatencyMs = (t.AvgLatencyMs*float64(t.RequestsTotal) + float64(d.LatencyMs)) / float64(t.RequestsTotal+1)
	t.RequestsTotal++
	if d.Success {
		t.RequestsSuccess++
	} else {
		t.RequestsFailed++
	}
	t.TokensInput += d.TokensIn
	t.TokensOutput += d.TokensOut
	t.TokensTotal += d.TokensIn + d.TokensOut
	t.CostUSD += d.CostUSD
}

func (t *Totals) merge(o Totals) {
	if total := t.RequestsTotal + o.RequestsTotal; total > 0 {
		t.AvgLatencyMs = (t.AvgLatencyMs*float64(t.RequestsTotal) + o.AvgLatencyMs*float64(o.RequestsTotal)) / float64(total)
	}
	t.RequestsTotal += o.RequestsTotal
	t.RequestsSuccess += o.RequestsSuccess
	t.RequestsFailed += o.RequestsFailed
	t.TokensInput += o.TokensInput
	t.TokensOutput += o.TokensOutput
	t.TokensTotal += o.TokensTotal
	t.CostUSD += o.CostUSD
}

func dayKey(t time.Time) string {
	return t.UTC().Format(dayLayout)
}

func monthBounds(t time.Time) (string, string) {
	t = t.UTC()
	first := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return first.Format(dayLayout), first.AddDate(0, 1, 0).Format(dayLayout)
}

func remaining(limit, used int, allowed bool) int {
	if limit <= 0 {
		return Unlimited
	}
	left := limit - used
	if allowed {
		left--
	}
	if left < 0 {
		return 0
	}
	return left
}
