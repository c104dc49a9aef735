// Package callers stores the gateway's authenticated clients in SQLite.
package callers

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"llmhub/pkg/db"
	"llmhub/pkg/models"
)

const selectColumns = `id, api_key_hash, name, priority, allowed_models, blocked_models,
    rate_limit_per_minute, rate_limit_per_hour, burst_limit,
    tokens_per_day, tokens_per_month, spend_per_day, spend_per_month,
    routing_prefer, routing_fallback, routing_ollama_only, routing_cloud_only,
    default_params, is_active, created_at, updated_at`

// Store manages caller records in SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewStore creates a caller store on database, creating the schema if needed.
func NewStore(ctx context.Context, database *sql.DB) (*Store, error) {
	if err := db.Migrate(ctx, database, Schema); err != nil {
		return nil, err
	}
	return &Store{db: database}, nil
}

// Validate checks a caller record and fills defaults for unset fields.
func Validate(caller *models.Caller) error {
	if caller.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidCaller)
	}
	if caller.Name == "" {
		caller.Name = caller.ID
	}
	if caller.APIKeyHash == "" {
		return fmt.Errorf("%w: %s has no api key", ErrInvalidCaller, caller.ID)
	}
	if caller.Priority == 0 {
		caller.Priority = DefaultPriority
	}
	if caller.Priority < minPriority || caller.Priority > maxPriority {
		return fmt.Errorf("%w: priority %d outside %d..%d", ErrInvalidCaller, caller.Priority, minPriority, maxPriority)
	}
	if caller.RateLimitPerMinute < 0 || caller.RateLimitPerHour < 0 || caller.BurstLimit < 0 {
		return fmt.Errorf("%w: negative rate limit", ErrInvalidCaller)
	}
	if len(caller.AllowedModels) == 0 {
		caller.AllowedModels = []string{models.Wildcard}
	}
	if caller.BlockedModels == nil {
		caller.BlockedModels = []string{}
	}
	return nil
}

// Save inserts or replaces a caller.
func (s *Store) Save(ctx context.Context, caller *models.Caller) error {
	if err := Validate(caller); err != nil {
		return err
	}

	allowed, err := json.Marshal(caller.AllowedModels)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidCaller, err)
	}
	blocked, err := json.Marshal(caller.BlockedModels)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidCaller, err)
	}
	params, err := json.Marshal(caller.DefaultParams)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidCaller, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if caller.CreatedAt.IsZero() {
		caller.CreatedAt = now
	}
	caller.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, `
INSERT INTO callers (id, api_key_hash, name, priority, allowed_models, blocked_models,
    rate_limit_per_minute, rate_limit_per_hour, burst_limit,
    tokens_per_day, tokens_per_month, spend_per_day, spend_per_month,
    routing_prefer, routing_fallback, routing_ollama_only, routing_cloud_only,
    default_params, is_active, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    api_key_hash = excluded.api_key_hash,
    name = excluded.name,
    priority = excluded.priority,
    allowed_models = excluded.allowed_models,
    blocked_models = excluded.blocked_models,
    rate_limit_per_minute = excluded.rate_limit_per_minute,
    rate_limit_per_hour = excluded.rate_limit_per_hour,
    burst_limit = excluded.burst_limit,
    tokens_per_day = excluded.tokens_per_day,
    tokens_per_month = excluded.tokens_per_month,
    spend_per_day = excluded.spend_per_day,
    spend_per_month = excluded.spend_per_month,
    routing_prefer = excluded.routing_prefer,
    routing_fallback = excluded.routing_fallback,
    routing_ollama_only = excluded.routing_ollama_only,
    routing_cloud_only = excluded.routing_cloud_only,
    default_params = excluded.default_params,
    is_active = excluded.is_active,
    updated_at = excluded.updated_at`,
		caller.ID, caller.APIKeyHash, caller.Name, caller.Priority, string(allowed), string(blocked),
		caller.RateLimitPerMinute, caller.RateLimitPerHour, caller.BurstLimit,
		caller.Quota.TokensPerDay, caller.Quota.TokensPerMonth, caller.Quota.SpendPerDay, caller.Quota.SpendPerMonth,
		caller.Routing.Prefer, caller.Routing.Fallback, caller.Routing.OllamaOnly, caller.Routing.CloudOnly,
		string(params), caller.IsActive, caller.CreatedAt, caller.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDatabaseError, err)
	}
	return nil
}

// Get retrieves a caller by id.
func (s *Store) Get(ctx context.Context, id string) (*models.Caller, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return scanCaller(s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM callers WHERE id = ?`, id))
}

// GetByKeyHash retrieves a caller by the hash of its API key, active or not.
func (s *Store) GetByKeyHash(ctx context.Context, keyHash string) (*models.Caller, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return scanCaller(s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM callers WHERE api_key_hash = ?`, keyHash))
}

// List returns all callers ordered by id.
func (s *Store) List(ctx context.Context) ([]*models.Caller, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM callers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDatabaseError, err)
	}
	defer rows.Close()

	var out []*models.Caller
	for rows.Next() {
		caller, err := scanCaller(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, caller)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDatabaseError, err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCaller(row rowScanner) (*models.Caller, error) {
	var (
		caller                   models.Caller
		allowed, blocked, params string
	)

	err := row.Scan(
		&caller.ID, &caller.APIKeyHash, &caller.Name, &caller.Priority, &allowed, &blocked,
		&caller.RateLimitPerMinute, &caller.RateLimitPerHour, &caller.BurstLimit,
		&caller.Quota.TokensPerDay, &caller.Quota.TokensPerMonth, &caller.Quota.SpendPerDay, &caller.Quota.SpendPerMonth,
		&caller.Routing.Prefer, &caller.Routing.Fallback, &caller.Routing.OllamaOnly, &caller.Routing.CloudOnly,
		&params, &caller.IsActive, &caller.CreatedAt, &caller.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCallerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDatabaseError, err)
	}

	if err := json.Unmarshal([]byte(allowed), &caller.AllowedModels); err != nil {
		return nil, fmt.Errorf("%w: allowed_models: %w", ErrDatabaseError, err)
	}
	if err := json.Unmarshal([]byte(blocked), &caller.BlockedModels); err != nil {
		return nil, fmt.Errorf("%w: blocked_models: %w", ErrDatabaseError, err)
	}
	if err := json.Unmarshal([]byte(params), &caller.DefaultParams); err != nil {
		return nil, fmt.Errorf("%w: default_params: %w", ErrDatabaseError, err)
	}

	return &caller, nil
}
