// Package secret resolves credential references. A credential in the key
// configuration is either a literal value, "env://NAME", or
// "vault://path/to/secret#field".
package secret

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
)

// Provider retrieves secret values for one scheme.
type Provider interface {
	// Get retrieves the secret value for the scheme-stripped path.
	Get(ctx context.Context, path string) (string, error)

	// Close releases any resources held by the provider.
	Close() error
}

// Resolver routes credential references to registered providers by scheme.
// References without a scheme pass through as literals.
type Resolver struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewResolver creates an empty resolver. Register at least the env provider
// before resolving.
func NewResolver() *Resolver {
	return &Resolver{
		providers: make(map[string]Provider),
	}
}

// Register registers a provider for a scheme (e.g. "vault", "env").
func (r *Resolver) Register(scheme string, provider Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[scheme] = provider
}

// Resolve materializes a credential reference into its value.
func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	scheme, path, ok := strings.Cut(ref, "://")
	if !ok {
		// No scheme: the reference is the value
		return ref, nil
	}

	r.mu.RLock()
	provider, registered := r.providers[scheme]
	r.mu.RUnlock()

	if !registered {
		return "", fmt.Errorf("no secret provider registered for scheme: %s", scheme)
	}

	val, err := provider.Get(ctx, path)
	if err != nil {
		return "", fmt.Errorf("resolve %s secret: %w", scheme, err)
	}
	return val, nil
}

// Close closes all registered providers.
func (r *Resolver) Close() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var errs []string
	for scheme, p := range r.providers {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", scheme, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("close secret providers: %s", strings.Join(errs, "; "))
	}
	return nil
}

// EnvProvider reads secrets from environment variables.
type EnvProvider struct{}

// NewEnvProvider creates an environment-variable provider.
func NewEnvProvider() *EnvProvider {
	return &EnvProvider{}
}

// Get returns the value of the environment variable named by path.
func (p *EnvProvider) Get(ctx context.Context, path string) (string, error) {
	val, ok := os.LookupEnv(path)
	if !ok {
		return "", fmt.Errorf("environment variable %q not set", path)
	}
	return val, nil
}

// Close is a no-op.
func (p *EnvProvider) Close() error {
	return nil
}
