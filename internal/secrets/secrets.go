package secrets

import (
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/vault/api"
)

// Source hands out secret material by (path, key). Credentials for
// downstream auth never live in config entries, only references into a
// source.
type Source interface {
	Get(path, key string) (string, error)
}

// VaultSource reads secrets from HashiCorp Vault.
type VaultSource struct {
	client *api.Client
}

// NewVaultSource creates a Vault-backed source.
func NewVaultSource(address, token string) (*VaultSource, error) {
	config := &api.Config{
		Address: address,
		HttpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	client.SetToken(token)
	return &VaultSource{client: client}, nil
}

func (v *VaultSource) Get(path, key string) (string, error) {
	secret, err := v.client.Logical().Read(path)
	if err != nil {
		return "", fmt.Errorf("failed to read secret from %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("no secret data found at %s", path)
	}
	value, ok := secret.Data[key].(string)
	if !ok {
		return "", fmt.Errorf("secret %s has no string value for %s", path, key)
	}
	return value, nil
}

// HealthCheck checks whether Vault is reachable.
func (v *VaultSource) HealthCheck() error {
	if _, err := v.client.Sys().Health(); err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}
	return nil
}

// RenewToken renews the client token against its own lease.
func (v *VaultSource) RenewToken() error {
	if _, err := v.client.Auth().Token().RenewSelf(0); err != nil {
		return fmt.Errorf("failed to renew vault token: %w", err)
	}
	return nil
}

// StaticSource serves secrets from an in-memory map, keyed
// "path" -> "key" -> value. Used in development and tests.
type StaticSource map[string]map[string]string

func (s StaticSource) Get(path, key string) (string, error) {
	if kv, ok := s[path]; ok {
		if v, ok := kv[key]; ok {
			return v, nil
		}
	}
	return "", fmt.Errorf("no secret at %s/%s", path, key)
}
