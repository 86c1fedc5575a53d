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

package session

import (
	"context"
	"errors"
	"time"

	"github.com/thegarrettscott/chatmcp/internal/storage/cache"
	"github.com/thegarrettscott/chatmcp/pkg/log"
	"github.com/thegarrettscott/chatmcp/pkg/metrics"
)

// DefaultTTL Entry 默认过期时间
const DefaultTTL = time.Hour

// SessionStore Turn 状态存储抽象；Get 不返回错误，后端故障等同于不存在
type SessionStore interface {
	Put(ctx context.Context, e *Entry, ttl time.Duration) error
	Get(ctx context.Context, turnID string) (*Entry, bool)
	Delete(ctx context.Context, turnID string)
	// Claim 原子地删除 Entry；返回 false 表示已被其他调用方消费
	Claim(ctx context.Context, turnID string) bool
}

// Store 基于 cache.Store 的 SessionStore 实现
type Store struct {
	backend cache.Store
	logger  *log.Logger
}

// NewStore 创建 Session 存储；logger 可为 nil
func NewStore(backend cache.Store, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.Nop()
	}
	return &Store{backend: backend, logger: logger}
}

// Put 写入 Entry，ttl<=0 时使用 DefaultTTL
func (s *Store) Put(ctx context.Context, e *Entry, ttl time.Duration) error {
	if e == nil || e.TurnID == "" {
		return errors.New("session entry requires a turn id")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	return s.backend.Set(ctx, keyFor(e.TurnID), e, ttl)
}

// Get 读取 Entry；不存在、过期或后端不可达时返回 false
func (s *Store) Get(ctx context.Context, turnID string) (*Entry, bool) {
	if turnID == "" {
		metrics.SessionLookupTotal.WithLabelValues("miss").Inc()
		return nil, false
	}
	var e Entry
	err := s.backend.Get(ctx, keyFor(turnID), &e)
	switch {
	case err == nil:
		metrics.SessionLookupTotal.WithLabelValues("hit").Inc()
		return &e, true
	case errors.Is(err, cache.ErrMiss):
		metrics.SessionLookupTotal.WithLabelValues("miss").Inc()
	default:
		metrics.SessionLookupTotal.WithLabelValues("error").Inc()
		s.logger.Warn("session store 读取失败，按缺失处理", "turn_id", turnID, "error", err)
	}
	return nil, false
}

// Claim 消费 Entry；后端故障时放行，由 TTL 兜底清理
func (s *Store) Claim(ctx context.Context, turnID string) bool {
	ok, err := s.backend.Take(ctx, keyFor(turnID))
	if err != nil {
		s.logger.Warn("session store 删除失败，等待过期", "turn_id", turnID, "error", err)
		return true
	}
	return ok
}

// Delete 删除 Entry，失败仅记录日志（TTL 兜底）
func (s *Store) Delete(ctx context.Context, turnID string) {
	if err := s.backend.Delete(ctx, keyFor(turnID)); err != nil {
		s.logger.Warn("session store 删除失败，等待过期", "turn_id", turnID, "error", err)
	}
}
