// Package verify implements pluggable post-condition checks, grouped by
// domain (browser, api, database) and looked up by type.
package verify

import (
	"context"
	"sort"
	"sync"

	"github.com/rendis/stepflow/internal/runctx"
	"github.com/rendis/stepflow/pkg/schema"
)

// Verification domains.
const (
	DomainBrowser  = "browser"
	DomainAPI      = "api"
	DomainDatabase = "database"
)

// Config is a strategy's decoded configuration.
type Config map[string]any

// Result is the outcome of one verification.
type Result struct {
	Passed        bool           `json:"passed"`
	Message       string         `json:"message"`
	ActualValue   any            `json:"actualValue,omitempty"`
	ExpectedValue any            `json:"expectedValue,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
}

// Strategy verifies one kind of post-condition.
type Strategy interface {
	Execute(ctx context.Context, rc *runctx.RunContext, cfg Config) (*Result, error)
	ValidateConfig(cfg Config) *schema.ValidationResult
	RequiredFields() []string
}

// Registration is one entry returned by GetAll.
type Registration struct {
	Domain   string   `json:"domain"`
	Type     string   `json:"type"`
	Strategy Strategy `json:"-"`
}

// Registry maps (domain, type) to a Strategy. Safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]map[string]Strategy
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{strategies: make(map[string]map[string]Strategy)}
}

// Register stores s under (domain, typ), replacing any existing entry.
func (r *Registry) Register(domain, typ string, s Strategy) error {
	if domain == "" || typ == "" {
		return schema.NewError(schema.ErrCodeConfig, "verification domain and type are required")
	}
	if s == nil {
		return schema.NewErrorf(schema.ErrCodeConfig, "strategy %s/%s is nil", domain, typ)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.strategies[domain] == nil {
		r.strategies[domain] = make(map[string]Strategy)
	}
	r.strategies[domain][typ] = s
	return nil
}

// Get returns the strategy registered under (domain, typ).
func (r *Registry) Get(domain, typ string) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[domain][typ]
	return s, ok
}

// Has reports whether (domain, typ) is registered.
func (r *Registry) Has(domain, typ string) bool {
	_, ok := r.Get(domain, typ)
	return ok
}

// Lookup is Get with a NOT_FOUND error listing the types known for domain.
func (r *Registry) Lookup(domain, typ string) (Strategy, error) {
	if s, ok := r.Get(domain, typ); ok {
		return s, nil
	}
	var known []string
	for _, reg := range r.GetAll(domain) {
		known = append(known, reg.Type)
	}
	return nil, schema.NotFoundError("verification "+domain, typ, known)
}

// GetAll lists registrations for domain, or for every domain when domain
// is empty, sorted by domain then type.
func (r *Registry) GetAll(domain string) []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Registration
	for d, byType := range r.strategies {
		if domain != "" && d != domain {
			continue
		}
		for t, s := range byType {
			out = append(out, Registration{Domain: d, Type: t, Strategy: s})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Domain != out[j].Domain {
			return out[i].Domain < out[j].Domain
		}
		return out[i].Type < out[j].Type
	})
	return out
}

// Verify validates cfg and runs the strategy registered under (domain, typ).
func (r *Registry) Verify(ctx context.Context, rc *runctx.RunContext, domain, typ string, cfg Config) (*Result, error) {
	s, err := r.Lookup(domain, typ)
	if err != nil {
		return nil, err
	}
	if err := s.ValidateConfig(cfg).ToError(); err != nil {
		return nil, err
	}
	return s.Execute(ctx, rc, cfg)
}
