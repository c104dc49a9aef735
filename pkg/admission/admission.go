// Package admission authenticates callers and enforces their model lists,
// rate limits and quotas before a job reaches the router.
package admission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"llmhub/pkg/callers"
	"llmhub/pkg/log"
	"llmhub/pkg/models"
	"llmhub/pkg/registry"
	"llmhub/pkg/usage"
)

// CallerLookup finds callers by API key hash.
type CallerLookup interface {
	GetByKeyHash(ctx context.Context, keyHash string) (*models.Caller, error)
}

// Grant is the result of a successful admission.
type Grant struct {
	Caller   *models.Caller
	Routing  models.Routing
	Priority int
}

// Controller runs the admission checks.
type Controller struct {
	callers CallerLookup
	usage   usage.Store
	clock   registry.Clock
}

// New creates an admission controller.
func New(lookup CallerLookup, store usage.Store, clock registry.Clock) *Controller {
	if clock == nil {
		clock = registry.SystemClock{}
	}
	return &Controller{callers: lookup, usage: store, clock: clock}
}

// BearerToken extracts the key from an Authorization header value.
func BearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

// Authenticate resolves an API key to an active caller.
func (c *Controller) Authenticate(ctx context.Context, apiKey string) (*models.Caller, error) {
	if apiKey == "" {
		return nil, &Rejection{Kind: ErrAuth, Reason: "missing API key"}
	}

	caller, err := c.callers.GetByKeyHash(ctx, callers.HashKey(apiKey))
	if errors.Is(err, callers.ErrCallerNotFound) {
		return nil, &Rejection{Kind: ErrAuth}
	}
	if err != nil {
		return nil, fmt.Errorf("caller lookup: %w", err)
	}
	if !caller.IsActive {
		return nil, &Rejection{Kind: ErrAuth, Reason: "caller is inactive"}
	}
	return caller, nil
}

// Admit runs authentication, model, rate and quota checks in that order and
// stops at the first failure. Rejections are returned as *Rejection.
func (c *Controller) Admit(ctx context.Context, apiKey, model string) (*Grant, error) {
	caller, err := c.Authenticate(ctx, apiKey)
	if err != nil {
		c.logRejection("", err)
		return nil, err
	}
	return c.AdmitCaller(ctx, caller, model)
}

// AdmitCaller runs the model, rate and quota checks for an already
// authenticated caller.
func (c *Controller) AdmitCaller(ctx context.Context, caller *models.Caller, model string) (*Grant, error) {
	if !caller.ModelAllowed(model) {
		err := &Rejection{Kind: ErrModelNotAllowed, Reason: model}
		c.logRejection(caller.ID, err)
		return nil, err
	}

	now := c.clock.Now()

	decision, err := c.usage.Hit(ctx, caller.ID, usage.RateLimits{
		PerMinute: caller.RateLimitPerMinute,
		PerHour:   caller.RateLimitPerHour,
		Burst:     caller.BurstLimit,
	}, now)
	if err != nil {
		return nil, fmt.Errorf("rate check: %w", err)
	}
	if !decision.Allowed {
		err := &Rejection{
			Kind:            ErrRateLimited,
			RetryAfter:      decision.RetryAfter,
			MinuteRemaining: decision.MinuteRemaining,
			HourRemaining:   decision.HourRemaining,
		}
		c.logRejection(caller.ID, err)
		return nil, err
	}

	if err := c.checkQuota(ctx, caller, now); err != nil {
		c.logRejection(caller.ID, err)
		return nil, err
	}

	return &Grant{Caller: caller, Routing: caller.Routing, Priority: caller.Priority}, nil
}

func (c *Controller) checkQuota(ctx context.Context, caller *models.Caller, now time.Time) error {
	q := caller.Quota
	if q.TokensPerDay <= 0 && q.SpendPerDay <= 0 && q.TokensPerMonth <= 0 && q.SpendPerMonth <= 0 {
		return nil
	}

	if q.TokensPerDay > 0 || q.SpendPerDay > 0 {
		day, err := c.usage.Day(ctx, caller.ID, now)
		if err != nil {
			return fmt.Errorf("quota check: %w", err)
		}
		if q.SpendPerDay > 0 && day.CostUSD >= q.SpendPerDay {
			return &Rejection{Kind: ErrQuotaExceeded, Reason: "daily spend limit reached", Spend: true}
		}
		if q.TokensPerDay > 0 && day.TokensTotal >= q.TokensPerDay {
			return &Rejection{Kind: ErrQuotaExceeded, Reason: "daily token limit reached"}
		}
	}

	if q.TokensPerMonth > 0 || q.SpendPerMonth > 0 {
		month, err := c.usage.Month(ctx, caller.ID, now)
		if err != nil {
			return fmt.Errorf("quota check: %w", err)
		}
		if q.SpendPerMonth > 0 && month.CostUSD >= q.SpendPerMonth {
			return &Rejection{Kind: ErrQuotaExceeded, Reason: "monthly spend limit reached", Spend: true}
		}
		if q.TokensPerMonth > 0 && month.TokensTotal >= q.TokensPerMonth {
			return &Rejection{Kind: ErrQuotaExceeded, Reason: "monthly token limit reached"}
		}
	}

	return nil
}

// Account records the usage of a finished job. Failures are logged only.
func (c *Controller) Account(ctx context.Context, callerID string, delta usage.Delta) {
	if err := c.usage.Record(ctx, callerID, c.clock.Now(), delta); err != nil {
		log.Warn().Err(err).Str("caller_id", callerID).Msg("Failed to record usage")
	}
}

// Usage returns the caller's totals for the day or month containing now.
func (c *Controller) Usage(ctx context.Context, callerID string, monthly bool) (usage.Totals, error) {
	if monthly {
		return c.usage.Month(ctx, callerID, c.clock.Now())
	}
	return c.usage.Day(ctx, callerID, c.clock.Now())
}

func (c *Controller) logRejection(callerID string, err error) {
	log.Info().
		Str("caller_id", callerID).
		Str("reason", err.Error()).
		Msg("Request rejected")
}
