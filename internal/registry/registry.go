package registry

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"github.com/samber/lo"

	"github.com/extmesh/extmesh/internal/shared/types"
	"github.com/extmesh/extmesh/internal/vault"
)

// Provider describes one chat backend: where its API lives and how a
// credential is injected into requests headed there.
type Provider struct {
	Name         string   `yaml:"name" json:"name"`
	Hosts        []string `yaml:"hosts" json:"hosts"`
	APIEndpoints []string `yaml:"api_endpoints" json:"api_endpoints"`
	AuthHeader   string   `yaml:"auth_header" json:"auth_header"`
	AuthScheme   string   `yaml:"auth_scheme" json:"auth_scheme"`
	StripHeaders []string `yaml:"strip_headers" json:"strip_headers"`
}

// Registry is the catalog of known providers. It supplies the domain
// knowledge the rule orchestrator needs without the orchestrator knowing
// any per-provider specifics.
type Registry struct {
	mu        sync.RWMutex
	providers []*Provider
	byName    map[string]*Provider
	patterns  map[string]*regexp.Regexp // compiled endpoint patterns
}

// New creates a registry over the given providers.
func New(providers ...*Provider) *Registry {
	r := &Registry{
		byName:   make(map[string]*Provider),
		patterns: make(map[string]*regexp.Regexp),
	}
	for _, p := range providers {
		r.add(p)
	}
	return r
}

func (r *Registry) add(p *Provider) {
	if p.AuthHeader == "" {
		p.AuthHeader = "Authorization"
	}
	r.providers = append(r.providers, p)
	r.byName[p.Name] = p
	for _, pattern := range p.APIEndpoints {
		if _, ok := r.patterns[pattern]; !ok {
			if re, err := compilePattern(pattern); err == nil {
				r.patterns[pattern] = re
			}
		}
	}
}

// Provider looks up a provider by name.
func (r *Registry) Provider(name string) (*Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byName[name]
	return p, ok
}

// ProviderForURL finds the provider whose API endpoint patterns (or hosts)
// cover the given URL.
func (r *Registry) ProviderForURL(rawURL string) (*Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.providers {
		for _, pattern := range p.APIEndpoints {
			if re, ok := r.patterns[pattern]; ok && re.MatchString(rawURL) {
				return p, true
			}
		}
	}

	// Fall back to hostname matching for non-API provider pages.
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, false
	}
	host := strings.ToLower(u.Hostname())
	for _, p := range r.providers {
		match := lo.SomeBy(p.Hosts, func(h string) bool {
			h = strings.ToLower(h)
			return host == h || strings.HasSuffix(host, "."+h)
		})
		if match {
			return p, true
		}
	}
	return nil, false
}

// APIEndpoints returns every known endpoint pattern, deduplicated. This is
// what the rule orchestrator observes at startup.
func (r *Registry) APIEndpoints() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := lo.FlatMap(r.providers, func(p *Provider, _ int) []string {
		return p.APIEndpoints
	})
	return lo.Uniq(all)
}

// Hosts returns every provider-owned hostname, deduplicated. Used by locus
// detection to recognize provider frames.
func (r *Registry) Hosts() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := lo.FlatMap(r.providers, func(p *Provider, _ int) []string {
		return p.Hosts
	})
	return lo.Uniq(all)
}

// BuildRules produces the scoped rule set injecting cred into API calls from
// one tab. Rule ids embed provider and tab so concurrently active sets can
// never collide.
func (r *Registry) BuildRules(cred *vault.Credential, tabID int) ([]types.NetworkRule, error) {
	if cred == nil || cred.AccessToken == "" {
		return nil, fmt.Errorf("registry: no credential to build rules from")
	}

	p, ok := r.Provider(cred.Provider)
	if !ok {
		return nil, fmt.Errorf("registry: unknown provider %q", cred.Provider)
	}

	header := cred.HeaderName
	if header == "" {
		header = p.AuthHeader
	}
	value := cred.AccessToken
	if p.AuthScheme != "" {
		value = p.AuthScheme + " " + value
	}

	rules := make([]types.NetworkRule, 0, len(p.APIEndpoints))
	for i, pattern := range p.APIEndpoints {
		actions := []types.HeaderOp{
			{Kind: types.HeaderSet, Name: header, Value: value},
		}
		for _, strip := range p.StripHeaders {
			actions = append(actions, types.HeaderOp{Kind: types.HeaderRemove, Name: strip})
		}
		rules = append(rules, types.NetworkRule{
			ID:       fmt.Sprintf("%s:tab%d:%d", p.Name, tabID, i),
			Priority: 1,
			Condition: types.RuleCondition{
				URLPattern:    pattern,
				ResourceTypes: []string{"xmlhttprequest"},
				TabID:         tabID,
			},
			Actions: actions,
		})
	}
	return rules, nil
}

// Matches reports whether a URL is one of the given provider's API calls.
func (r *Registry) Matches(providerName, rawURL string) bool {
	p, ok := r.ProviderForURL(rawURL)
	return ok && p.Name == providerName
}

// compilePattern turns a glob-style URL pattern ("https://api.x.com/v1/*")
// into an anchored regexp.
func compilePattern(pattern string) (*regexp.Regexp, error) {
	parts := strings.Split(pattern, "*")
	for i, part := range parts {
		parts[i] = regexp.QuoteMeta(part)
	}
	return regexp.Compile("^" + strings.Join(parts, ".*") + "$")
}
