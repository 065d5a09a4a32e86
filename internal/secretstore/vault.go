package secretstore

import (
	"context"
	"fmt"

	"github.com/hashicorp/vault/api"

	"eventbackbone/internal/signer"
)

// VaultStore persists webhook signing secrets in a HashiCorp Vault KV v2
// mount, under <mountPath>/data/<key>.
type VaultStore struct {
	client    *api.Client
	mountPath string
}

// NewVaultStore creates a Vault-backed secret store.
func NewVaultStore(address, token, mountPath string) (*VaultStore, error) {
	config := api.DefaultConfig()
	config.Address = address

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("secretstore: failed to create vault client: %w", err)
	}
	client.SetToken(token)

	return &VaultStore{client: client, mountPath: mountPath}, nil
}

func (v *VaultStore) dataPath(key string) string {
	return fmt.Sprintf("%s/data/%s", v.mountPath, key)
}

func (v *VaultStore) Get(ctx context.Context, key string) (string, error) {
	secret, err := v.client.Logical().ReadWithContext(ctx, v.dataPath(key))
	if err != nil {
		return "", fmt.Errorf("secretstore: vault read failed: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return "", errNotFound
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return "", fmt.Errorf("secretstore: unexpected vault response shape")
	}
	value, ok := data["secret"].(string)
	if !ok {
		return "", fmt.Errorf("secretstore: stored value is not a string")
	}
	return value, nil
}

func (v *VaultStore) Put(ctx context.Context, key, secret string) error {
	payload := map[string]interface{}{
		"data": map[string]interface{}{
			"secret": secret,
		},
	}
	if _, err := v.client.Logical().WriteWithContext(ctx, v.dataPath(key), payload); err != nil {
		return fmt.Errorf("secretstore: vault write failed: %w", err)
	}
	return nil
}

func (v *VaultStore) Delete(ctx context.Context, key string) error {
	if _, err := v.client.Logical().DeleteWithContext(ctx, v.dataPath(key)); err != nil {
		return fmt.Errorf("secretstore: vault delete failed: %w", err)
	}
	return nil
}

func (v *VaultStore) Rotate(ctx context.Context, key string) (string, error) {
	newSecret, err := signer.GenerateSecret()
	if err != nil {
		return "", err
	}
	// Vault KV v2 versions automatically on write, preserving history.
	if err := v.Put(ctx, key, newSecret); err != nil {
		return "", err
	}
	return newSecret, nil
}
