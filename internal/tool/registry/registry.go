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

package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/thegarrettscott/chatmcp/internal/tool"
	pkgerrors "github.com/thegarrettscott/chatmcp/pkg/errors"
	"github.com/thegarrettscott/chatmcp/pkg/log"
	"github.com/thegarrettscott/chatmcp/pkg/metrics"
	"github.com/thegarrettscott/chatmcp/pkg/tracing"
)

// DefaultTimeout 单次工具调用默认超时
const DefaultTimeout = 10 * time.Second

// 工具失败时回给模型与客户端的固定文案
const (
	MsgInvalidArguments = "invalid arguments"
	MsgNotAvailable     = "tool not available"
)

// Registry 工具注册表：注册、发现、执行；并发读与运行时增删互不撕裂
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]*entry
	timeout time.Duration
	logger  *log.Logger
}

type entry struct {
	desc      tool.Descriptor
	target    tool.Target
	validator *tool.Validator
	timeout   time.Duration
}

// Option Registry 选项
type Option func(*Registry)

// WithTimeout 设置默认调用超时
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithLogger 设置日志
func WithLogger(l *log.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// New 创建新的 ToolRegistry
func New(opts ...Option) *Registry {
	r := &Registry{
		tools:   make(map[string]*entry),
		timeout: DefaultTimeout,
		logger:  log.Nop(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// RegisterOption 单个工具的注册选项
type RegisterOption func(*entry)

// WithToolTimeout 覆盖该工具的调用超时
func WithToolTimeout(d time.Duration) RegisterOption {
	return func(e *entry) { e.timeout = d }
}

// WithSource 标记工具来源
func WithSource(s tool.Source) RegisterOption {
	return func(e *entry) { e.desc.Source = s }
}

// Disabled 注册后默认禁用
func Disabled() RegisterOption {
	return func(e *entry) { e.desc.Enabled = false }
}

// Register 注册工具；同名工具会被替换
func (r *Registry) Register(name, description string, target tool.Target, schema tool.Schema, opts ...RegisterOption) error {
	if name == "" {
		return fmt.Errorf("tool name is required: %w", pkgerrors.ErrInvalidArg)
	}
	if target == nil {
		return fmt.Errorf("tool %s: target is required: %w", name, pkgerrors.ErrInvalidArg)
	}
	if schema.Type == "" {
		schema.Type = "object"
	}
	if schema.Properties == nil {
		schema.Properties = map[string]tool.SchemaProperty{}
	}
	validator, err := schema.Compile()
	if err != nil {
		return fmt.Errorf("tool %s: invalid parameter schema: %v: %w", name, err, pkgerrors.ErrInvalidArg)
	}
	e := &entry{
		desc: tool.Descriptor{
			Name:        name,
			Description: description,
			Parameters:  schema,
			Enabled:     true,
			Source:      tool.SourceLocal,
		},
		target:    target,
		validator: validator,
	}
	for _, o := range opts {
		o(e)
	}

	r.mu.Lock()
	r.tools[name] = e
	r.mu.Unlock()
	r.logger.Info("工具已注册", "tool", name, "source", e.desc.Source, "enabled", e.desc.Enabled)
	return nil
}

// Deregister 移除工具，返回是否存在
func (r *Registry) Deregister(name string) bool {
	r.mu.Lock()
	_, ok := r.tools[name]
	delete(r.tools, name)
	r.mu.Unlock()
	if ok {
		r.logger.Info("工具已移除", "tool", name)
	}
	return ok
}

// SetEnabled 启用或禁用工具
func (r *Registry) SetEnabled(name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tools[name]
	if !ok {
		return fmt.Errorf("tool %s: %w", name, pkgerrors.ErrNotFound)
	}
	e.desc.Enabled = enabled
	return nil
}

// Toggle 翻转启用状态并返回新状态
func (r *Registry) Toggle(name string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tools[name]
	if !ok {
		return false, fmt.Errorf("tool %s: %w", name, pkgerrors.ErrNotFound)
	}
	e.desc.Enabled = !e.desc.Enabled
	return e.desc.Enabled, nil
}

// Get 按名称获取工具描述
func (r *Registry) Get(name string) (tool.Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	if !ok {
		return tool.Descriptor{}, false
	}
	return e.desc, true
}

// List 返回所有已注册工具（含禁用），按名称排序
func (r *Registry) List() []tool.Descriptor {
	return r.collect(false)
}

// Catalog 返回当前启用的工具，按名称排序
func (r *Registry) Catalog() []tool.Descriptor {
	return r.collect(true)
}

func (r *Registry) collect(enabledOnly bool) []tool.Descriptor {
	r.mu.RLock()
	list := make([]tool.Descriptor, 0, len(r.tools))
	for _, e := range r.tools {
		if enabledOnly && !e.desc.Enabled {
			continue
		}
		list = append(list, e.desc)
	}
	r.mu.RUnlock()
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list
}

// Execute 执行一次工具调用；所有失败都以 tool.Failure 表达
func (r *Registry) Execute(ctx context.Context, call tool.Call) (result tool.Result) {
	start := time.Now()

	r.mu.RLock()
	e, registered := r.tools[call.Name]
	var (
		enabled   bool
		target    tool.Target
		validator *tool.Validator
		timeout   = r.timeout
	)
	if registered {
		enabled = e.desc.Enabled
		target = e.target
		validator = e.validator
		if e.timeout > 0 {
			timeout = e.timeout
		}
	}
	r.mu.RUnlock()

	// 工具名来自模型输出，未注册的名字不能直接作为指标标签
	label := metricLabel
	if registered {
		label = call.Name
	}
	ctx, span := tracing.StartToolSpan(ctx, label, call.ID)
	defer func() {
		metrics.ToolCallTotal.WithLabelValues(label, string(result.Status)).Inc()
		metrics.ToolDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
		var spanErr error
		if !result.OK() {
			spanErr = errors.New(result.Error)
		}
		tracing.EndSpan(span, spanErr)
	}()

	args, err := tool.ParseArguments(call.Arguments)
	if err != nil {
		r.logger.Warn("工具参数解析失败", "tool", label, "call_id", call.ID, "error", err)
		return tool.Failure(MsgInvalidArguments)
	}
	if !registered || !enabled {
		return tool.Failure(MsgNotAvailable)
	}

	if err := validator.Validate(args); err != nil {
		return tool.Failure(MsgInvalidArguments + ": " + err.Error())
	}

	payload, err := invoke(ctx, target, args, timeout)
	if err != nil {
		r.logger.Warn("工具调用失败", "tool", call.Name, "call_id", call.ID, "error", err)
		return tool.Failure(err.Error())
	}
	return tool.Success(normalize(payload))
}

type outcome struct {
	payload any
	err     error
}

// invoke 在独立 goroutine 中调用目标，超时或 ctx 取消时立即返回；目标自行结束
func invoke(ctx context.Context, target tool.Target, args map[string]any, timeout time.Duration) (any, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("tool panicked: %v", p)}
			}
		}()
		payload, err := target.Invoke(callCtx, args)
		done <- outcome{payload: payload, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("tool timed out after %s", timeout)
		}
		return o.payload, o.err
	case <-callCtx.Done():
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("tool timed out after %s", timeout)
		}
		return nil, fmt.Errorf("tool call cancelled: %w", callCtx.Err())
	}
}

// normalize 将 RawMessage / []byte 形式的 JSON 还原为结构化值
func normalize(payload any) any {
	var raw []byte
	switch p := payload.(type) {
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	default:
		return payload
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

// metricLabel 未注册工具在指标与 span 中使用的名字
const metricLabel = "unknown"
