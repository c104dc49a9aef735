package router

import (
	"strings"

	"llmhub/pkg/models"
)

// Provider is one step of a routing plan.
type Provider string

const (
	ProviderLocal     Provider = "local"
	ProviderCloud     Provider = "cloud"
	ProviderCloudFree Provider = "cloud:free"
)

var providerAliases = map[string]Provider{
	"local":           ProviderLocal,
	"ollama":          ProviderLocal,
	"cloud":           ProviderCloud,
	"openrouter":      ProviderCloud,
	"cloud:free":      ProviderCloudFree,
	"openrouter:free": ProviderCloudFree,
}

// ParseProvider resolves a provider name or alias.
func ParseProvider(name string) (Provider, bool) {
	p, ok := providerAliases[strings.ToLower(strings.TrimSpace(name))]
	return p, ok
}

func (p Provider) isCloud() bool {
	return p == ProviderCloud || p == ProviderCloudFree
}

// Plan returns the ordered provider steps for a caller's routing preferences.
func Plan(routing models.Routing) []Provider {
	if routing.OllamaOnly {
		return []Provider{ProviderLocal}
	}

	prefer, ok := ParseProvider(routing.Prefer)
	if routing.CloudOnly {
		if ok && prefer.isCloud() {
			return []Provider{prefer}
		}
		return []Provider{ProviderCloud}
	}

	if !ok {
		prefer = ProviderLocal
	}
	plan := []Provider{prefer}

	if fallback, ok := ParseProvider(routing.Fallback); ok && fallback != prefer {
		plan = append(plan, fallback)
	}
	return plan
}
