// Copyright 2026 fanjia1024
// HashiCorp Vault backed secret store (KV v1 and v2)

package secrets

import (
	"context"
	"fmt"
	"strings"

	vault "github.com/hashicorp/vault/api"
)

// VaultConfig Vault 配置
type VaultConfig struct {
	Address    string // Vault server address (e.g., http://vault:8200)
	Token      string // Vault token
	PathPrefix string // Secret path prefix，KV v2 需包含 data 段，如 secret/data/chatmcp
}

type vaultStore struct {
	logical    *vault.Logical
	pathPrefix string
}

// NewVaultStore 创建 Vault secret store
func NewVaultStore(config VaultConfig) (Store, error) {
	if config.Address == "" {
		config.Address = "http://localhost:8200"
	}

	cfg := vault.DefaultConfig()
	cfg.Address = config.Address

	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	if config.Token != "" {
		client.SetToken(config.Token)
	}

	prefix := "secret"
	if config.PathPrefix != "" {
		prefix = strings.TrimSuffix(config.PathPrefix, "/")
	}

	return &vaultStore{logical: client.Logical(), pathPrefix: prefix}, nil
}

func (v *vaultStore) Get(ctx context.Context, key string) (string, error) {
	secret, err := v.logical.ReadWithContext(ctx, v.buildPath(key))
	if err != nil {
		return "", fmt.Errorf("failed to read secret from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("secret not found: %s", key)
	}
	if value, ok := extractValue(secret.Data); ok {
		return value, nil
	}
	return "", fmt.Errorf("secret value not found: %s", key)
}

// extractValue 读取 value 字段；KV v2 的数据位于 data.data
func extractValue(data map[string]interface{}) (string, bool) {
	if nested, ok := data["data"].(map[string]interface{}); ok {
		data = nested
	}
	if s, ok := data["value"].(string); ok {
		return s, true
	}
	for _, val := range data {
		if s, ok := val.(string); ok {
			return s, true
		}
	}
	return "", false
}

func (v *vaultStore) Set(ctx context.Context, key string, value string) error {
	data := map[string]interface{}{"value": value}
	if strings.Contains(v.pathPrefix, "/data") {
		data = map[string]interface{}{"data": data}
	}
	if _, err := v.logical.WriteWithContext(ctx, v.buildPath(key), data); err != nil {
		return fmt.Errorf("failed to write secret to vault: %w", err)
	}
	return nil
}

func (v *vaultStore) Delete(ctx context.Context, key string) error {
	if _, err := v.logical.DeleteWithContext(ctx, v.buildPath(key)); err != nil {
		return fmt.Errorf("failed to delete secret from vault: %w", err)
	}
	return nil
}

func (v *vaultStore) buildPath(key string) string {
	return fmt.Sprintf("%s/%s", v.pathPrefix, key)
}
