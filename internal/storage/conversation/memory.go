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
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/thegarrettscott/chatmcp/pkg/errors"
)

// MemoryStore 内存实现，进程退出即丢失
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	messages      map[string][]*Message
	now           func() time.Time
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]*Message),
		now:           time.Now,
	}
}

func (s *MemoryStore) Create(ctx context.Context, userID, title string) (*Conversation, error) {
	if title == "" {
		title = DefaultTitle
	}
	now := s.now()
	c := &Conversation{ID: uuid.NewString(), UserID: userID, Title: title, CreatedAt: now, UpdatedAt: now}
	s.mu.Lock()
	s.conversations[c.ID] = c
	s.mu.Unlock()
	cp := *c
	return &cp, nil
}

// lookup 调用方需持有锁
func (s *MemoryStore) lookup(id, userID string) (*Conversation, error) {
	c, ok := s.conversations[id]
	if !ok || c.UserID != userID {
		return nil, errors.Wrapf(errors.ErrNotFound, "conversation %s", id)
	}
	return c, nil
}

func (s *MemoryStore) withPreview(c *Conversation) *Conversation {
	cp := *c
	if msgs := s.messages[c.ID]; len(msgs) > 0 {
		cp.LastMessage = msgs[len(msgs)-1].Content
	}
	return &cp
}

func (s *MemoryStore) Get(ctx context.Context, id, userID string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, err := s.lookup(id, userID)
	if err != nil {
		return nil, err
	}
	return s.withPreview(c), nil
}

func (s *MemoryStore) List(ctx context.Context, userID string) ([]*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Conversation, 0)
	for _, c := range s.conversations {
		if c.UserID == userID {
			out = append(out, s.withPreview(c))
		}
	}
	slices.SortFunc(out, func(a, b *Conversation) int {
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})
	return out, nil
}

func (s *MemoryStore) UpdateTitle(ctx context.Context, id, userID, title string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.lookup(id, userID)
	if err != nil {
		return nil, err
	}
	c.Title = title
	c.UpdatedAt = s.now()
	return s.withPreview(c), nil
}

func (s *MemoryStore) Delete(ctx context.Context, id, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.lookup(id, userID); err != nil {
		return err
	}
	delete(s.conversations, id)
	delete(s.messages, id)
	return nil
}

func (s *MemoryStore) AddMessage(ctx context.Context, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[msg.ConversationID]
	if !ok {
		return errors.Wrapf(errors.ErrNotFound, "conversation %s", msg.ConversationID)
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	now := s.now()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	cp := *msg
	s.messages[c.ID] = append(s.messages[c.ID], &cp)
	c.UpdatedAt = now
	return nil
}

func (s *MemoryStore) Messages(ctx context.Context, id, userID string) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, err := s.lookup(id, userID); err != nil {
		return nil, err
	}
	msgs := s.messages[id]
	out := make([]*Message, 0, len(msgs))
	for _, m := range msgs {
		cp := *m
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
