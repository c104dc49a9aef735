package callers

import (
	"context"
	"errors"
	"fmt"
	"io"

	"llmhub/pkg/models"

	"gopkg.in/yaml.v3"
)

// callerSeed is one caller entry of a seed file. Pointer fields distinguish
// "unset" from an explicit zero.
type callerSeed struct {
	ID                 string               `yaml:"id"`
	Name               string               `yaml:"name"`
	APIKey             string               `yaml:"api_key"`
	Priority           int                  `yaml:"priority"`
	AllowedModels      []string             `yaml:"allowed_models"`
	BlockedModels      []string             `yaml:"blocked_models"`
	RateLimitPerMinute *int                 `yaml:"rate_limit_per_minute"`
	RateLimitPerHour   *int                 `yaml:"rate_limit_per_hour"`
	BurstLimit         *int                 `yaml:"burst_limit"`
	Quota              models.Quota         `yaml:"quota"`
	Routing            *models.Routing      `yaml:"routing"`
	DefaultParams      models.DefaultParams `yaml:"default_params"`
	IsActive           *bool                `yaml:"is_active"`
}

type seedFile struct {
	Callers []callerSeed `yaml:"callers"`
}

// Imported reports one caller written by Import. APIKey is set only when the
// key was generated or supplied in the file.
type Imported struct {
	ID     string
	Name   string
	APIKey string
}

// Import reads a YAML seed file and upserts every caller in it.
// Existing callers without an api_key in the file keep their current key;
// new callers without one get a generated key.
func Import(ctx context.Context, store *Store, r io.Reader) ([]Imported, error) {
	var file seedFile
	if err := yaml.NewDecoder(r).Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCaller, err)
	}

	out := make([]Imported, 0, len(file.Callers))
	for i, seed := range file.Callers {
		caller, apiKey, err := fromSeed(ctx, store, seed)
		if err != nil {
			return out, fmt.Errorf("caller %d: %w", i, err)
		}
		if err := store.Save(ctx, caller); err != nil {
			return out, fmt.Errorf("caller %s: %w", caller.ID, err)
		}
		out = append(out, Imported{ID: caller.ID, Name: caller.Name, APIKey: apiKey})
	}
	return out, nil
}

func fromSeed(ctx context.Context, store *Store, seed callerSeed) (*models.Caller, string, error) {
	caller := &models.Caller{
		ID:                 seed.ID,
		Name:               seed.Name,
		Priority:           seed.Priority,
		AllowedModels:      seed.AllowedModels,
		BlockedModels:      seed.BlockedModels,
		RateLimitPerMinute: intOr(seed.RateLimitPerMinute, DefaultRateLimitPerMinute),
		RateLimitPerHour:   intOr(seed.RateLimitPerHour, DefaultRateLimitPerHour),
		BurstLimit:         intOr(seed.BurstLimit, DefaultBurstLimit),
		Quota:              seed.Quota,
		Routing:            models.Routing{Prefer: DefaultRoutingPrefer, Fallback: DefaultRoutingFallback},
		DefaultParams:      seed.DefaultParams,
		IsActive:           seed.IsActive == nil || *seed.IsActive,
	}
	if seed.Routing != nil {
		caller.Routing = *seed.Routing
	}

	if caller.ID == "" {
		caller.ID = GenerateID()
	}

	apiKey := seed.APIKey
	if apiKey != "" {
		caller.APIKeyHash = HashKey(apiKey)
		return caller, apiKey, nil
	}

	existing, err := store.Get(ctx, caller.ID)
	switch {
	case err == nil:
		caller.APIKeyHash = existing.APIKeyHash
		caller.CreatedAt = existing.CreatedAt
	case errors.Is(err, ErrCallerNotFound):
		apiKey = GenerateKey()
		caller.APIKeyHash = HashKey(apiKey)
	default:
		return nil, "", err
	}
	return caller, apiKey, nil
}

func intOr(v *int, fallback int) int {
	if v == nil {
		return fallback
	}
	return *v
}
