package models

import "time"

// Wildcard matches every model in allow lists and node model lists.
const Wildcard = "*"

// Quota holds per-caller usage caps. Zero means no cap.
type Quota struct {
	TokensPerDay   int64   `json:"tokens_per_day,omitempty" yaml:"tokens_per_day"`
	TokensPerMonth int64   `json:"tokens_per_month,omitempty" yaml:"tokens_per_month"`
	SpendPerDay    float64 `json:"spend_per_day,omitempty" yaml:"spend_per_day"`
	SpendPerMonth  float64 `json:"spend_per_month,omitempty" yaml:"spend_per_month"`
}

// Routing holds the caller's provider preferences.
type Routing struct {
	Prefer     string `json:"prefer" yaml:"prefer"`
	Fallback   string `json:"fallback,omitempty" yaml:"fallback"`
	OllamaOnly bool   `json:"ollama_only" yaml:"ollama_only"`
	CloudOnly  bool   `json:"cloud_only" yaml:"cloud_only"`
}

// DefaultParams fill job options the request left unset.
type DefaultParams struct {
	Temperature *float64 `json:"temperature,omitempty" yaml:"temperature"`
	MaxTokens   *int     `json:"max_tokens,omitempty" yaml:"max_tokens"`
}

// Caller is an authenticated client of the gateway.
type Caller struct {
	ID                 string        `json:"id"`
	Name               string        `json:"name"`
	APIKeyHash         string        `json:"-"`
	Priority           int           `json:"priority"`
	AllowedModels      []string      `json:"allowed_models"`
	BlockedModels      []string      `json:"blocked_models"`
	RateLimitPerMinute int           `json:"rate_limit_per_minute"`
	RateLimitPerHour   int           `json:"rate_limit_per_hour"`
	BurstLimit         int           `json:"burst_limit"`
	Quota              Quota         `json:"quota"`
	Routing            Routing       `json:"routing"`
	DefaultParams      DefaultParams `json:"default_params"`
	IsActive           bool          `json:"is_active"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// ModelAllowed reports whether the caller may use model. Blocked entries win over allowed ones.
func (c *Caller) ModelAllowed(model string) bool {
	for _, blocked := range c.BlockedModels {
		if blocked == model || blocked == Wildcard {
			return false
		}
	}

	allowed := c.AllowedModels
	if len(allowed) == 0 {
		allowed = []string{Wildcard}
	}
	for _, entry := range allowed {
		if entry == model || entry == Wildcard {
			return true
		}
	}
	return false
}

// ApplyDefaults fills temperature and token limit options the job left unset.
func (d DefaultParams) ApplyDefaults(options map[string]any) map[string]any {
	if options == nil {
		options = make(map[string]any, 2)
	}
	if d.Temperature != nil {
		if _, set := options["temperature"]; !set {
			options["temperature"] = *d.Temperature
		}
	}
	if d.MaxTokens != nil {
		_, setPredict := options["num_predict"]
		_, setMax := options["max_tokens"]
		if !setPredict && !setMax {
			options["num_predict"] = *d.MaxTokens
		}
	}
	return options
}
