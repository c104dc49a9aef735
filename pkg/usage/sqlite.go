package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"llmhub/pkg/db"
)

// LedgerSchema creates the daily usage table. One row per caller and day.
const LedgerSchema = `
CREATE TABLE IF NOT EXISTS connector_usage (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    caller_id        TEXT NOT NULL,
    day              TEXT NOT NULL,
    requests_total   INTEGER NOT NULL DEFAULT 0,
    requests_success INTEGER NOT NULL DEFAULT 0,
    requests_failed  INTEGER NOT NULL DEFAULT 0,
    tokens_input     INTEGER NOT NULL DEFAULT 0,
    tokens_output    INTEGER NOT NULL DEFAULT 0,
    tokens_total     INTEGER NOT NULL DEFAULT 0,
    cost_usd         REAL NOT NULL DEFAULT 0,
    avg_latency_ms   REAL NOT NULL DEFAULT 0,
    UNIQUE (caller_id, day)
);

CREATE INDEX IF NOT EXISTS idx_connector_usage_caller_day ON connector_usage(caller_id, day);
`

// SQLiteLedger stores usage rows in SQLite.
type SQLiteLedger struct {
	db *sql.DB
}

// NewSQLiteLedger creates the usage table on database if needed.
func NewSQLiteLedger(ctx context.Context, database *sql.DB) (*SQLiteLedger, error) {
	if err := db.Migrate(ctx, database, LedgerSchema); err != nil {
		return nil, err
	}
	return &SQLiteLedger{db: database}, nil
}

// Record upserts the caller's row for the UTC day of at.
func (l *SQLiteLedger) Record(ctx context.Context, callerID string, at time.Time, delta Delta) error {
	success, failed := 0, 1
	if delta.Success {
		success, failed = 1, 0
	}

	_, err := l.db.ExecContext(ctx, `
INSERT INTO connector_usage (caller_id, day, requests_total, requests_success, requests_failed,
    tokens_input, tokens_output, tokens_total, cost_usd, avg_latency_ms)
VALUES (?, ?, 1, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (caller_id, day) DO UPDATE SET
    avg_latency_ms   = (connector_usage.avg_latency_ms * connector_usage.requests_total + excluded.avg_latency_ms)
                       / (connector_usage.requests_total + 1),
    requests_total   = connector_usage.requests_total + 1,
    requests_success = connector_usage.requests_success + excluded.requests_success,
    requests_failed  = connector_usage.requests_failed + excluded.requests_failed,
    tokens_input     = connector_usage.tokens_input + excluded.tokens_input,
    tokens_output    = connector_usage.tokens_output + excluded.tokens_output,
    tokens_total     = connector_usage.tokens_total + excluded.tokens_total,
    cost_usd         = connector_usage.cost_usd + excluded.cost_usd`,
		callerID, dayKey(at), success, failed,
		delta.TokensIn, delta.TokensOut, delta.TokensIn+delta.TokensOut,
		delta.CostUSD, float64(delta.LatencyMs),
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDatabaseError, err)
	}
	return nil
}

// Day returns the caller's row for the UTC day of day.
func (l *SQLiteLedger) Day(ctx context.Context, callerID string, day time.Time) (Totals, error) {
	key := dayKey(day)
	next := day.UTC().AddDate(0, 0, 1).Format(dayLayout)
	return l.sum(ctx, callerID, key, next)
}

// Month returns the caller's totals for the UTC month of month.
func (l *SQLiteLedger) Month(ctx context.Context, callerID string, month time.Time) (Totals, error) {
	from, to := monthBounds(month)
	return l.sum(ctx, callerID, from, to)
}

func (l *SQLiteLedger) sum(ctx context.Context, callerID, from, to string) (Totals, error) {
	var totals Totals
	err := l.db.QueryRowContext(ctx, `
SELECT COALESCE(SUM(requests_total), 0), COALESCE(SUM(requests_success), 0), COALESCE(SUM(requests_failed), 0),
       COALESCE(SUM(tokens_input), 0), COALESCE(SUM(tokens_output), 0), COALESCE(SUM(tokens_total), 0),
       COALESCE(SUM(cost_usd), 0),
       COALESCE(SUM(avg_latency_ms * requests_total) / NULLIF(SUM(requests_total), 0), 0)
FROM connector_usage
WHERE caller_id = ? AND day >= ? AND day < ?`,
		callerID, from, to,
	).Scan(
		&totals.RequestsTotal, &totals.RequestsSuccess, &totals.RequestsFailed,
		&totals.TokensInput, &totals.TokensOutput, &totals.TokensTotal,
		&totals.CostUSD, &totals.AvgLatencyMs,
	)
	if err != nil {
		return Totals{}, fmt.Errorf("%w: %w", ErrDatabaseError, err)
	}
	return totals, nil
}
