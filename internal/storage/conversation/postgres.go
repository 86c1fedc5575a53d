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
	stderrors "errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/thegarrettscott/chatmcp/pkg/errors"
)

// schemaDDL 启动时执行，幂等
const schemaDDL = `
CREATE TABLE IF NOT EXISTS conversations (
	id         UUID PRIMARY KEY,
	user_id    VARCHAR(255) NOT NULL,
	title      VARCHAR(255) NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_conversations_user_updated ON conversations (user_id, updated_at DESC);
CREATE TABLE IF NOT EXISTS messages (
	id               UUID PRIMARY KEY,
	conversation_id  UUID NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	role             VARCHAR(50) NOT NULL,
	content          TEXT NOT NULL,
	reasoning        JSONB,
	function_calls   JSONB,
	function_outputs JSONB,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation_created ON messages (conversation_id, created_at);
`

// pgStore PostgreSQL 实现
type pgStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore 创建基于 PostgreSQL 的会话存储并确保表结构存在；poolSize<=0 使用 pgx 默认值
func NewPostgresStore(ctx context.Context, dsn string, poolSize int) (Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	if poolSize > 0 {
		cfg.MaxConns = int32(poolSize)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, schemaDDL); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "migrate conversation schema")
	}
	return &pgStore{pool: pool}, nil
}

func (s *pgStore) Close() error {
	s.pool.Close()
	return nil
}

func notFound(id string) error {
	return errors.Wrapf(errors.ErrNotFound, "conversation %s", id)
}

// validID 非法 uuid 在 Postgres 中会报类型错误，统一视为不存在
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func (s *pgStore) Create(ctx context.Context, userID, title string) (*Conversation, error) {
	if title == "" {
		title = DefaultTitle
	}
	c := &Conversation{ID: uuid.NewString(), UserID: userID, Title: title}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO conversations (id, user_id, title) VALUES ($1, $2, $3) RETURNING created_at, updated_at`,
		c.ID, userID, title).Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return c, nil
}

const selectWithPreview = `
SELECT c.id::text, c.user_id, c.title, c.created_at, c.updated_at,
	COALESCE((SELECT m.content FROM messages m WHERE m.conversation_id = c.id ORDER BY m.created_at DESC LIMIT 1), '')
FROM conversations c`

func scanConversation(row pgx.Row) (*Conversation, error) {
	var c Conversation
	if err := row.Scan(&c.ID, &c.UserID, &c.Title, &c.CreatedAt, &c.UpdatedAt, &c.LastMessage); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *pgStore) Get(ctx context.Context, id, userID string) (*Conversation, error) {
	if !validID(id) {
		return nil, notFound(id)
	}
	c, err := scanConversation(s.pool.QueryRow(ctx, selectWithPreview+` WHERE c.id = $1 AND c.user_id = $2`, id, userID))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, notFound(id)
	}
	return c, err
}

func (s *pgStore) List(ctx context.Context, userID string) ([]*Conversation, error) {
	rows, err := s.pool.Query(ctx, selectWithPreview+` WHERE c.user_id = $1 ORDER BY c.updated_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*Conversation, 0)
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *pgStore) UpdateTitle(ctx context.Context, id, userID, title string) (*Conversation, error) {
	if !validID(id) {
		return nil, notFound(id)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE conversations SET title = $3, updated_at = now() WHERE id = $1 AND user_id = $2`, id, userID, title)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, notFound(id)
	}
	return s.Get(ctx, id, userID)
}

func (s *pgStore) Delete(ctx context.Context, id, userID string) error {
	if !validID(id) {
		return notFound(id)
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM conversations WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFound(id)
	}
	return nil
}

func (s *pgStore) AddMessage(ctx context.Context, msg *Message) error {
	if !validID(msg.ConversationID) {
		return notFound(msg.ConversationID)
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `UPDATE conversations SET updated_at = now() WHERE id = $1`, msg.ConversationID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFound(msg.ConversationID)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, reasoning, function_calls, function_outputs, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		msg.ID, msg.ConversationID, string(msg.Role), msg.Content,
		msg.Reasoning, nullJSON(msg.FunctionCalls), nullJSON(msg.FunctionOutputs), msg.CreatedAt)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *pgStore) Messages(ctx context.Context, id, userID string) ([]*Message, error) {
	if _, err := s.Get(ctx, id, userID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id::text, conversation_id::text, role, content, reasoning, function_calls, function_outputs, created_at
		 FROM messages WHERE conversation_id = $1 ORDER BY created_at`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*Message, 0)
	for rows.Next() {
		var (
			m              Message
			role           string
			calls, outputs []byte
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &m.Reasoning, &calls, &outputs, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Role = Role(role)
		if len(calls) > 0 {
			m.FunctionCalls = calls
		}
		if len(outputs) > 0 {
			m.FunctionOutputs = outputs
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// nullJSON 空记录写入 NULL
func nullJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
