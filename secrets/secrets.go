// Package secrets resolves credentials such as database URLs for
// migration tasks and secret:// references in configuration. All use is
// read-only.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// SecretPrefix is the URI scheme used in config values to reference secrets.
const SecretPrefix = "secret://"

// Common errors.
var (
	ErrNotFound     = errors.New("secrets: secret not found")
	ErrInvalidKey   = errors.New("secrets: invalid key")
	ErrProviderInit = errors.New("secrets: provider initialization failed")
	ErrNoProvider   = errors.New("secrets: no provider for scheme")
)

// Provider defines the interface for secret storage backends.
type Provider interface {
	// Name returns the provider identifier, also used as its scheme in
	// secret:// references.
	Name() string
	// Get retrieves a secret value by key.
	Get(ctx context.Context, key string) (string, error)
}

// EnvProvider looks secrets up in the process environment. A key such as
// "staging.database_url" is read from STAGING_DATABASE_URL, after the
// optional prefix.
type EnvProvider struct {
	prefix string
}

// NewEnvProvider returns an EnvProvider. prefix, when set, is upper-cased
// and prepended to every variable name.
func NewEnvProvider(prefix string) *EnvProvider {
	return &EnvProvider{prefix: strings.ToUpper(prefix)}
}

func (p *EnvProvider) Name() string { return "env" }

func (p *EnvProvider) Get(_ context.Context, key string) (string, error) {
	if key == "" {
		return "", ErrInvalidKey
	}
	name := p.prefix + strings.ToUpper(strings.NewReplacer(".", "_", "-", "_", "/", "_").Replace(key))
	if v, ok := os.LookupEnv(name); ok {
		return v, nil
	}
	return "", fmt.Errorf("%w: $%s", ErrNotFound, name)
}

// FileProvider reads one secret per file from a mounted directory, such as
// a Kubernetes secret volume. Trailing newlines are trimmed.
type FileProvider struct {
	root string
}

// NewFileProvider returns a FileProvider reading from dir.
func NewFileProvider(dir string) *FileProvider {
	return &FileProvider{root: dir}
}

func (p *FileProvider) Name() string { return "file" }

func (p *FileProvider) Get(_ context.Context, key string) (string, error) {
	if !filepath.IsLocal(key) || strings.ContainsRune(key, filepath.Separator) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	data, err := os.ReadFile(filepath.Join(p.root, key))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	case err != nil:
		return "", fmt.Errorf("secrets: read %s: %w", key, err)
	}
	return strings.TrimRight(string(data), "\r\n"), nil
}

// StaticProvider serves secrets from a fixed map. It backs local mode and
// tests.
type StaticProvider struct {
	values map[string]string
}

// NewStaticProvider copies values into a new provider.
func NewStaticProvider(values map[string]string) *StaticProvider {
	cp := make(map[string]string, len(values))
	for k, v := range values {
		cp[k] = v
	}
	return &StaticProvider{values: cp}
}

func (p *StaticProvider) Name() string { return "static" }

func (p *StaticProvider) Get(_ context.Context, key string) (string, error) {
	if key == "" {
		return "", ErrInvalidKey
	}
	v, ok := p.values[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return v, nil
}

// Resolver resolves secret:// references using providers registered by
// scheme. "secret://vault/app/db#url" is looked up as "app/db#url" in the
// provider named "vault"; a reference whose first segment names no
// registered provider goes to the default provider with the full path.
type Resolver struct {
	mu        sync.RWMutex
	fallback  Provider
	providers map[string]Provider
}

// NewResolver creates a resolver whose default provider is fallback.
// Additional providers are reachable by their Name.
func NewResolver(fallback Provider, others ...Provider) *Resolver {
	r := &Resolver{fallback: fallback, providers: make(map[string]Provider)}
	if fallback != nil {
		r.providers[fallback.Name()] = fallback
	}
	for _, p := range others {
		r.providers[p.Name()] = p
	}
	return r
}

// Register adds or replaces a provider under its Name.
func (r *Resolver) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Resolve replaces a value containing a secret:// reference with the actual secret.
// If the value does not start with SecretPrefix, it is returned as-is.
func (r *Resolver) Resolve(ctx context.Context, value string) (string, error) {
	if !strings.HasPrefix(value, SecretPrefix) {
		return value, nil
	}
	p, key, err := r.route(strings.TrimPrefix(value, SecretPrefix))
	if err != nil {
		return "", err
	}
	return p.Get(ctx, key)
}

// Get implements Provider so a Resolver can be handed to components that
// take a single Provider. Keys may carry a scheme segment as in Resolve.
func (r *Resolver) Get(ctx context.Context, key string) (string, error) {
	return r.Resolve(ctx, SecretPrefix+key)
}

func (r *Resolver) Name() string { return "resolver" }

// ResolveMap resolves all secret:// references in a string map.
func (r *Resolver) ResolveMap(ctx context.Context, m map[string]string) (map[string]string, error) {
	result := make(map[string]string, len(m))
	for k, v := range m {
		resolved, err := r.Resolve(ctx, v)
		if err != nil {
			return nil, fmt.Errorf("secrets: failed to resolve %q: %w", k, err)
		}
		result[k] = resolved
	}
	return result, nil
}

func (r *Resolver) route(ref string) (Provider, string, error) {
	if ref == "" {
		return nil, "", ErrInvalidKey
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	if scheme, rest, ok := strings.Cut(ref, "/"); ok {
		if p, found := r.providers[scheme]; found {
			return p, rest, nil
		}
	}
	if r.fallback == nil {
		return nil, "", fmt.Errorf("%w: %s", ErrNoProvider, ref)
	}
	return r.fallback, ref, nil
}

// parseFieldKey splits "path#field" into (path, field).
func parseFieldKey(key string) (path, field string) {
	if idx := strings.LastIndex(key, "#"); idx >= 0 {
		return key[:idx], key[idx+1:]
	}
	return key, ""
}

// extractJSONField reads one top-level field of a JSON object secret.
func extractJSONField(raw, field string) (string, error) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return "", fmt.Errorf("secrets: secret is not a JSON object, cannot extract field %q: %w", field, err)
	}
	val, ok := obj[field]
	if !ok {
		return "", fmt.Errorf("%w: field %q", ErrNotFound, field)
	}
	if s, ok := val.(string); ok {
		return s, nil
	}
	return fmt.Sprintf("%v", val), nil
}
