// Copyright 2026 fanjia1024
// Environment variable based secret store

package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
)

type envStore struct{}

// NewEnvStore 创建环境变量 secret store；key 转为大写并将 . / - 替换为 _ 后查找
func NewEnvStore() Store {
	return &envStore{}
}

func envName(key string) string {
	return strings.ToUpper(strings.NewReplacer(".", "_", "/", "_", "-", "_").Replace(key))
}

func (e *envStore) Get(ctx context.Context, key string) (string, error) {
	value := os.Getenv(envName(key))
	if value == "" {
		return "", fmt.Errorf("environment variable not set: %s", envName(key))
	}
	return value, nil
}

func (e *envStore) Set(ctx context.Context, key string, value string) error {
	return os.Setenv(envName(key), value)
}

func (e *envStore) Delete(ctx context.Context, key string) error {
	return os.Unsetenv(envName(key))
}
