package registry

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
)

// catalog is the on-disk shape of a provider catalog file.
type catalog struct {
	Providers []*Provider `yaml:"providers"`
}

// LoadCatalog reads a YAML provider catalog. An empty path returns the
// built-in defaults.
func LoadCatalog(path string) (*Registry, error) {
	if path == "" {
		return Defaults(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read provider catalog: %w", err)
	}

	var cat catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("failed to parse provider catalog: %w", err)
	}
	if len(cat.Providers) == 0 {
		return nil, fmt.Errorf("provider catalog %s lists no providers", path)
	}

	for _, p := range cat.Providers {
		if p.Name == "" {
			return nil, fmt.Errorf("provider catalog %s has a provider without a name", path)
		}
		if len(p.APIEndpoints) == 0 {
			return nil, fmt.Errorf("provider %q lists no api_endpoints", p.Name)
		}
	}
	return New(cat.Providers...), nil
}

// Defaults returns the built-in catalog.
func Defaults() *Registry {
	return New(
		&Provider{
			Name:         "openai",
			Hosts:        []string{"chatgpt.com", "openai.com"},
			APIEndpoints: []string{"https://chatgpt.com/backend-api/*", "https://api.openai.com/v1/*"},
			AuthScheme:   "Bearer",
			StripHeaders: []string{"Origin"},
		},
		&Provider{
			Name:         "anthropic",
			Hosts:        []string{"claude.ai", "anthropic.com"},
			APIEndpoints: []string{"https://claude.ai/api/*", "https://api.anthropic.com/v1/*"},
			AuthHeader:   "x-api-key",
			StripHeaders: []string{"Origin"},
		},
		&Provider{
			Name:         "gemini",
			Hosts:        []string{"gemini.google.com"},
			APIEndpoints: []string{"https://gemini.google.com/api/*"},
			AuthScheme:   "Bearer",
		},
	)
}
