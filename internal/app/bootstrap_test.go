// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thegarrettscott/chatmcp/pkg/config"
	pkgerrors "github.com/thegarrettscott/chatmcp/pkg/errors"
	"github.com/thegarrettscott/chatmcp/pkg/secrets"
)

func loadDefaults(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("OPENAI_API_KEY", "")
	cfg, err := config.LoadConfig("")
	require.NoError(t, err)
	cfg.Log.Level = "error"
	return cfg
}

func TestNewBootstrap_Defaults(t *testing.T) {
	b, err := NewBootstrap(context.Background(), loadDefaults(t))
	require.NoError(t, err)
	defer b.Close()

	require.NotNil(t, b.Coordinator)
	assert.Equal(t, "o3", b.Coordinator.Model())
	names := []string{}
	for _, d := range b.Tools.List() {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"get_current_time", "get_weather"}, names)
}

func TestNewBootstrap_ResolvesSecretRefs(t *testing.T) {
	cfg := loadDefaults(t)
	t.Setenv("OPENAI_KEY", "sk-from-env")
	p := cfg.Model.LLM.Providers["openai"]
	p.APIKey = "secret://openai_key"
	cfg.Model.LLM.Providers["openai"] = p

	require.NoError(t, resolveSecrets(context.Background(), cfg, secrets.NewEnvStore()))
	assert.Equal(t, "sk-from-env", cfg.Model.LLM.Providers["openai"].APIKey)
}

func TestNewBootstrap_RejectsUnknownBackends(t *testing.T) {
	cfg := loadDefaults(t)
	cfg.Storage.Conversation.Type = "mongo"
	_, err := NewBootstrap(context.Background(), cfg)
	assert.Error(t, err)

	cfg = loadDefaults(t)
	p := cfg.Model.LLM.Providers["openai"]
	p.APIKey = "sk-test"
	cfg.Model.LLM.Providers["openai"] = p
	cfg.Model.Gateway = "grpc"
	_, err = NewBootstrap(context.Background(), cfg)
	assert.Error(t, err)

	_, err = NewBootstrap(context.Background(), nil)
	assert.ErrorIs(t, err, pkgerrors.ErrInvalidArg)
}

func TestConnectMCP_InvalidURL(t *testing.T) {
	b, err := NewBootstrap(context.Background(), loadDefaults(t))
	require.NoError(t, err)
	defer b.Close()

	for _, u := range []string{"", "not a url", "ftp://host/mcp", "http://"} {
		_, err := b.ConnectMCP(context.Background(), u)
		assert.ErrorIs(t, err, pkgerrors.ErrInvalidArg, u)
	}
}
