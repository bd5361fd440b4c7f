package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	vault "github.com/hashicorp/vault/api"
)

// VaultConfig holds configuration for HashiCorp Vault.
type VaultConfig struct {
	Address   string `json:"address" yaml:"address"`
	Token     string `json:"token" yaml:"token"`
	MountPath string `json:"mount_path" yaml:"mount_path"`
	Namespace string `json:"namespace,omitempty" yaml:"namespace,omitempty"`
}

// VaultProvider reads secrets from a Vault KV v2 mount.
// Keys are "path" or "path#field". Without a field the whole secret data
// is returned as JSON.
type VaultProvider struct {
	client *vault.Client
	mount  string
}

// NewVaultProvider creates a Vault provider from cfg.
func NewVaultProvider(cfg VaultConfig) (*VaultProvider, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("%w: vault address is required", ErrProviderInit)
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("%w: vault token is required", ErrProviderInit)
	}
	if cfg.MountPath == "" {
		cfg.MountPath = "secret"
	}

	vcfg := vault.DefaultConfig()
	vcfg.Address = strings.TrimRight(cfg.Address, "/")
	client, err := vault.NewClient(vcfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderInit, err)
	}
	client.SetToken(cfg.Token)
	if cfg.Namespace != "" {
		client.SetNamespace(cfg.Namespace)
	}
	return &VaultProvider{client: client, mount: strings.Trim(cfg.MountPath, "/")}, nil
}

func (p *VaultProvider) Name() string { return "vault" }

func (p *VaultProvider) Get(ctx context.Context, key string) (string, error) {
	if key == "" {
		return "", ErrInvalidKey
	}
	path, field := parseFieldKey(key)

	secret, err := p.client.Logical().ReadWithContext(ctx, p.mount+"/data/"+strings.TrimLeft(path, "/"))
	if err != nil {
		return "", fmt.Errorf("secrets: vault read %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	data, ok := secret.Data["data"].(map[string]any)
	if !ok || data == nil {
		return "", fmt.Errorf("%w: no data at key %q", ErrNotFound, path)
	}

	if field != "" {
		val, ok := data[field]
		if !ok {
			return "", fmt.Errorf("%w: field %q not found at key %q", ErrNotFound, field, path)
		}
		if s, ok := val.(string); ok {
			return s, nil
		}
		return fmt.Sprintf("%v", val), nil
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("secrets: failed to marshal vault data: %w", err)
	}
	return string(raw), nil
}
