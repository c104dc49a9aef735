package callers

// Schema contains the SQL statements to create the caller table.
// Model lists are stored as JSON arrays.
const Schema = `
CREATE TABLE IF NOT EXISTS callers (
    id                    TEXT PRIMARY KEY,
    api_key_hash          TEXT UNIQUE NOT NULL,
    name                  TEXT NOT NULL,
    priority              INTEGER NOT NULL DEFAULT 5,
    allowed_models        TEXT NOT NULL DEFAULT '["*"]',
    blocked_models        TEXT NOT NULL DEFAULT '[]',
    rate_limit_per_minute INTEGER NOT NULL DEFAULT 60,
    rate_limit_per_hour   INTEGER NOT NULL DEFAULT 1000,
    burst_limit           INTEGER NOT NULL DEFAULT 20,
    tokens_per_day        INTEGER NOT NULL DEFAULT 0,
    tokens_per_month      INTEGER NOT NULL DEFAULT 0,
    spend_per_day         REAL NOT NULL DEFAULT 0,
    spend_per_month       REAL NOT NULL DEFAULT 0,
    routing_prefer        TEXT NOT NULL DEFAULT 'ollama',
    routing_fallback      TEXT NOT NULL DEFAULT 'openrouter',
    routing_ollama_only   BOOLEAN NOT NULL DEFAULT FALSE,
    routing_cloud_only    BOOLEAN NOT NULL DEFAULT FALSE,
    default_params        TEXT NOT NULL DEFAULT '{}',
    is_active             BOOLEAN NOT NULL DEFAULT TRUE,
    created_at            DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at            DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_callers_key ON callers(api_key_hash);
`

// Defaults applied to callers that leave the field unset.
const (
	DefaultPriority           = 5
	DefaultRateLimitPerMinute = 60
	DefaultRateLimitPerHour   = 1000
	DefaultBurstLimit         = 20
	DefaultRoutingPrefer      = "ollama"
	DefaultRoutingFallback    = "openrouter"

	minPriority = 1
	maxPriority = 10
)
