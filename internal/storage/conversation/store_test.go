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

package conversation

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thegarrettscott/chatmcp/pkg/config"
	"github.com/thegarrettscott/chatmcp/pkg/errors"
)

// storeContract 两种实现共同遵守的行为
func storeContract(t *testing.T, s Store) {
	ctx := context.Background()

	c, err := s.Create(ctx, "alice", "")
	require.NoError(t, err)
	assert.Equal(t, DefaultTitle, c.Title)
	assert.NotEmpty(t, c.ID)

	other, err := s.Create(ctx, "bob", "bob's chat")
	require.NoError(t, err)

	_, err = s.Get(ctx, other.ID, "alice")
	assert.ErrorIs(t, err, errors.ErrNotFound, "foreign conversation is invisible")
	_, err = s.Get(ctx, "not-a-uuid", "alice")
	assert.ErrorIs(t, err, errors.ErrNotFound)

	calls, _ := json.Marshal([]map[string]string{{"call_id": "c1", "name": "get_weather"}})
	require.NoError(t, s.AddMessage(ctx, &Message{ConversationID: c.ID, Role: RoleUser, Content: "weather?"}))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, s.AddMessage(ctx, &Message{ConversationID: c.ID, Role: RoleAssistant, Content: "Sunny.", FunctionCalls: calls}))

	got, err := s.Get(ctx, c.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, "Sunny.", got.LastMessage)

	msgs, err := s.Messages(ctx, c.ID, "alice")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, RoleUser, msgs[0].Role)
	assert.Equal(t, RoleAssistant, msgs[1].Role)
	assert.JSONEq(t, string(calls), string(msgs[1].FunctionCalls))
	assert.Empty(t, msgs[0].FunctionCalls)

	second, err := s.Create(ctx, "alice", "second")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = s.UpdateTitle(ctx, c.ID, "alice", "renamed")
	require.NoError(t, err)

	list, err := s.List(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, c.ID, list[0].ID, "most recently updated first")
	assert.Equal(t, "renamed", list[0].Title)
	assert.Equal(t, second.ID, list[1].ID)

	_, err = s.UpdateTitle(ctx, other.ID, "alice", "hijack")
	assert.ErrorIs(t, err, errors.ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, other.ID, "alice"), errors.ErrNotFound)

	require.NoError(t, s.Delete(ctx, c.ID, "alice"))
	_, err = s.Messages(ctx, c.ID, "alice")
	assert.ErrorIs(t, err, errors.ErrNotFound)
	assert.ErrorIs(t, s.AddMessage(ctx, &Message{ConversationID: c.ID, Role: RoleUser, Content: "x"}), errors.ErrNotFound)
}

func TestMemoryStore(t *testing.T) {
	storeContract(t, NewMemoryStore())
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("CHATMCP_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("CHATMCP_TEST_PG_DSN not set, skipping Postgres conversation store tests")
	}
	ctx := context.Background()
	s, err := NewPostgresStore(ctx, dsn, 4)
	require.NoError(t, err)
	defer s.Close()
	pg := s.(*pgStore)
	_, _ = pg.pool.Exec(ctx, `DELETE FROM conversations WHERE user_id IN ('alice', 'bob')`)

	storeContract(t, s)
}

func TestTitleFromPrompt(t *testing.T) {
	assert.Equal(t, DefaultTitle, TitleFromPrompt("   "))
	assert.Equal(t, "What's the weather?", TitleFromPrompt("What's the weather?"))

	long := strings.Repeat("天", 80)
	title := TitleFromPrompt(long)
	assert.Equal(t, 60, len([]rune(title)))
}

func TestNewStore(t *testing.T) {
	s, err := NewStore(context.Background(), config.ConversationStoreConfig{})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	_, err = NewStore(context.Background(), config.ConversationStoreConfig{Type: "postgres"})
	assert.Error(t, err)
	_, err = NewStore(context.Background(), config.ConversationStoreConfig{Type: "mongo"})
	assert.Error(t, err)
}
