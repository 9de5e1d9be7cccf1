package orbits

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"orbitgate/pkg/models"
)

// ErrUnknownOrbit reports a lookup against an orbit no policy declares.
var ErrUnknownOrbit = errors.New("unknown orbit")

// Built-in orbit names. Higher-privilege orbits are both harder to
// enter and more sparingly usable.
const (
	OrbitSafe    = "safe"
	OrbitNetwork = "network"
	OrbitSystem  = "system"
	OrbitKernel  = "kernel"
)

// Policy is the declarative access rule set for one orbit namespace.
type Policy struct {
	Name             string                 `json:"name"`
	AllowedPatterns  []models.UsagePattern  `json:"allowed_patterns"`
	MaxComplexity    models.ComplexityLevel `json:"max_complexity"`
	RequiresProof    bool                   `json:"requires_proof"`
	RateLimitPerHour int                    `json:"rate_limit_per_hour"`
}

func (p Policy) AllowsPattern(pattern models.UsagePattern) bool {
	for _, allowed := range p.AllowedPatterns {
		if allowed == pattern {
			return true
		}
	}
	return false
}

// Config enumerates the full policy set loaded at construction, so
// alternate sets are testable without code changes.
type Config struct {
	Policies []Policy
}

// DefaultConfig is the built-in orbit set: ceilings rise and hourly
// budgets shrink with privilege; system and kernel demand proof.
func DefaultConfig() Config {
	return Config{Policies: []Policy{
		{
			Name: OrbitSafe,
			AllowedPatterns: []models.UsagePattern{
				models.PatternReadOnly, models.PatternComputation, models.PatternDataTransform,
			},
			MaxComplexity:    models.ComplexitySafe,
			RequiresProof:    false,
			RateLimitPerHour: 100,
		},
		{
			Name: OrbitNetwork,
			AllowedPatterns: []models.UsagePattern{
				models.PatternReadOnly, models.PatternComputation, models.PatternDataTransform,
				models.PatternNetworkAccess,
			},
			MaxComplexity:    models.ComplexityLimited,
			RequiresProof:    false,
			RateLimitPerHour: 50,
		},
		{
			Name: OrbitSystem,
			AllowedPatterns: []models.UsagePattern{
				models.PatternReadOnly, models.PatternFileAccess, models.PatternSystemConfig,
			},
			MaxComplexity:    models.ComplexityPrivileged,
			RequiresProof:    true,
			RateLimitPerHour: 20,
		},
		{
			Name:             OrbitKernel,
			AllowedPatterns:  models.AllPatterns(),
			MaxComplexity:    models.ComplexitySyscall,
			RequiresProof:    true,
			RateLimitPerHour: 5,
		},
	}}
}

// Registry resolves orbit names to policies. The set is immutable once
// built; policy changes ship as a new registry.
type Registry struct {
	policies map[string]Policy
}

// NewRegistry validates the whole config up front: a malformed policy
// is a construction error, never a request-time surprise.
func NewRegistry(cfg Config) (*Registry, error) {
	if len(cfg.Policies) == 0 {
		return nil, errors.New("orbit config: at least one policy required")
	}
	policies := make(map[string]Policy, len(cfg.Policies))
	for _, p := range cfg.Policies {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			return nil, errors.New("orbit config: policy with empty name")
		}
		if _, dup := policies[name]; dup {
			return nil, fmt.Errorf("orbit config: duplicate orbit %q", name)
		}
		if len(p.AllowedPatterns) == 0 {
			return nil, fmt.Errorf("orbit %q: empty allowed pattern set", name)
		}
		for _, pattern := range p.AllowedPatterns {
			if !pattern.Valid() {
				return nil, fmt.Errorf("orbit %q: unknown usage pattern %q", name, pattern)
			}
		}
		if !p.MaxComplexity.Valid() {
			return nil, fmt.Errorf("orbit %q: unknown complexity ceiling %d", name, int(p.MaxComplexity))
		}
		if p.RateLimitPerHour <= 0 {
			return nil, fmt.Errorf("orbit %q: rate limit must be positive", name)
		}
		p.Name = name
		policies[name] = p
	}
	return &Registry{policies: policies}, nil
}

func (r *Registry) Get(name string) (Policy, error) {
	policy, ok := r.policies[name]
	if !ok {
		return Policy{}, fmt.Errorf("orbit %q: %w", name, ErrUnknownOrbit)
	}
	return policy, nil
}

func (r *Registry) Has(name string) bool {
	_, ok := r.policies[name]
	return ok
}

// Names returns the registered orbits in stable order.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.policies))
	for name := range r.policies {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
