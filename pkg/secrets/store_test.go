// Copyright 2026 fanjia1024

package secrets

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewStore(t *testing.T) {
	tests := []struct {
		name        string
		provider    string
		wantErr     bool
		errContains string
	}{
		{name: "memory", provider: "memory", wantErr: false},
		{name: "env", provider: "env", wantErr: false},
		{name: "empty defaults to env", provider: "", wantErr: false},
		{name: "unknown provider", provider: "unknown", wantErr: true, errContains: "unsupported secret provider"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store, err := NewStore(Config{Provider: tc.provider})
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got nil")
				}
				if tc.errContains != "" && !strings.Contains(err.Error(), tc.errContains) {
					t.Fatalf("error = %q, want contains %q", err.Error(), tc.errContains)
				}
				if store != nil {
					t.Fatalf("store should be nil when error occurs")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if store == nil {
				t.Fatalf("store should not be nil")
			}
		})
	}
}

func TestMemoryAndEnvStoreBasicContract(t *testing.T) {
	ctx := context.Background()
	stores := []Store{NewMemoryStore(), NewEnvStore()}

	for _, s := range stores {
		if err := s.Set(ctx, "secret_test_key", "value"); err != nil {
			t.Fatalf("set secret failed: %v", err)
		}
		got, err := s.Get(ctx, "secret_test_key")
		if err != nil {
			t.Fatalf("get secret failed: %v", err)
		}
		if got != "value" {
			t.Fatalf("get secret = %q, want value", got)
		}
		if err := s.Delete(ctx, "secret_test_key"); err != nil {
			t.Fatalf("delete secret failed: %v", err)
		}
		if _, err := s.Get(ctx, "secret_test_key"); err == nil {
			t.Fatalf("expected error after delete")
		}
	}
}

func TestEnvStore_NormalizesKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-env")
	got, err := NewEnvStore().Get(context.Background(), "openai.api-key")
	if err != nil || got != "sk-env" {
		t.Fatalf("Get = %q, %v", got, err)
	}
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_ = store.Set(ctx, "openai_api_key", "sk-1")

	if got, err := Resolve(ctx, store, "plain"); err != nil || got != "plain" {
		t.Fatalf("plain value: %q, %v", got, err)
	}
	if got, err := Resolve(ctx, store, "secret://openai_api_key"); err != nil || got != "sk-1" {
		t.Fatalf("ref: %q, %v", got, err)
	}
	if _, err := Resolve(ctx, store, "secret://missing"); err == nil {
		t.Fatal("missing ref should error")
	}
	if _, err := Resolve(ctx, nil, "secret://x"); err == nil {
		t.Fatal("nil store should error")
	}
}

func TestVaultStore_ReadsKVv2(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/v1/secret/data/chatmcp/openai_api_key" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"data":     map[string]any{"value": "sk-vault"},
				"metadata": map[string]any{"version": 1},
			},
		})
	}))
	defer srv.Close()

	store, err := NewVaultStore(VaultConfig{Address: srv.URL, Token: "t", PathPrefix: "secret/data/chatmcp"})
	if err != nil {
		t.Fatalf("NewVaultStore: %v", err)
	}
	got, err := store.Get(context.Background(), "openai_api_key")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "sk-vault" {
		t.Fatalf("Get = %q", got)
	}
	if _, err := store.Get(context.Background(), "absent"); err == nil {
		t.Fatal("absent secret should error")
	}
}
