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

package llm

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/thegarrettscott/chatmcp/pkg/config"
	"github.com/thegarrettscott/chatmcp/pkg/metrics"
)

// RateLimiter Provider 维度的限流器：RPM + token budget + 并发
type RateLimiter struct {
	mu       sync.RWMutex
	limiters map[string]*providerLimiter
	defaults config.LLMRateLimitConfig
}

type providerLimiter struct {
	requests  *rate.Limiter
	tokens    *rate.Limiter
	semaphore chan struct{}
	cfg       config.LLMRateLimitConfig

	mu          sync.Mutex
	tokensUsed  int
	minuteStart time.Time
}

// NewRateLimiter 创建限流器；未配置的 provider 使用 defaults（零值表示不限）
func NewRateLimiter(configs map[string]config.LLMRateLimitConfig, defaults config.LLMRateLimitConfig) *RateLimiter {
	l := &RateLimiter{limiters: make(map[string]*providerLimiter), defaults: defaults}
	for provider, cfg := range configs {
		l.limiters[provider] = newProviderLimiter(cfg)
	}
	return l
}

func newProviderLimiter(cfg config.LLMRateLimitConfig) *providerLimiter {
	p := &providerLimiter{cfg: cfg, minuteStart: time.Now()}
	if cfg.RequestsPerMinute > 0 {
		burst := int(cfg.RequestsPerMinute / 60.0 * 2) // 2 秒配额
		if burst < 1 {
			burst = 1
		}
		p.requests = rate.NewLimiter(rate.Limit(cfg.RequestsPerMinute/60.0), burst)
	}
	if cfg.TokensPerMinute > 0 {
		// burst 取整分钟配额，单个请求的估算值不会超过 burst 导致 WaitN 直接失败
		p.tokens = rate.NewLimiter(rate.Limit(float64(cfg.TokensPerMinute)/60.0), cfg.TokensPerMinute)
	}
	if cfg.MaxConcurrent > 0 {
		p.semaphore = make(chan struct{}, cfg.MaxConcurrent)
	}
	return p
}

func (l *RateLimiter) get(provider string) *providerLimiter {
	l.mu.RLock()
	p, ok := l.limiters[provider]
	l.mu.RUnlock()
	if ok {
		return p
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if p, ok = l.limiters[provider]; ok {
		return p
	}
	p = newProviderLimiter(l.defaults)
	l.limiters[provider] = p
	return p
}

// Wait 阻塞直到获得执行许可；成功后必须调用 Release
func (l *RateLimiter) Wait(ctx context.Context, provider string, estimatedTokens int) error {
	p := l.get(provider)
	start := time.Now()
	defer func() {
		metrics.RateLimitWaitSeconds.WithLabelValues("llm", provider).Observe(time.Since(start).Seconds())
	}()

	if p.requests != nil {
		if err := p.requests.Wait(ctx); err != nil {
			return fmt.Errorf("request rate limit wait failed: %w", err)
		}
	}
	if p.tokens != nil && estimatedTokens > 0 {
		n := estimatedTokens
		if n > p.tokens.Burst() {
			n = p.tokens.Burst()
		}
		if err := p.tokens.WaitN(ctx, n); err != nil {
			return fmt.Errorf("token budget wait failed: %w", err)
		}
	}
	if p.semaphore != nil {
		select {
		case p.semaphore <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p.record(estimatedTokens)
	return nil
}

// Release 释放并发 slot
func (l *RateLimiter) Release(provider string) {
	l.mu.RLock()
	p, ok := l.limiters[provider]
	l.mu.RUnlock()
	if !ok || p.semaphore == nil {
		return
	}
	select {
	case <-p.semaphore:
	default:
	}
}

func (p *providerLimiter) record(tokens int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	if now.Sub(p.minuteStart) > time.Minute {
		p.tokensUsed = tokens
		p.minuteStart = now
		return
	}
	p.tokensUsed += tokens
}

// Stats 限流统计
type Stats struct {
	RequestsPerMinute float64 `json:"requests_per_minute"`
	TokensPerMinute   int     `json:"tokens_per_minute"`
	TokensUsedMinute  int     `json:"tokens_used_minute"`
	MaxConcurrent     int     `json:"max_concurrent"`
	InFlight          int     `json:"in_flight"`
}

// Stats 返回 provider 的统计；未知 provider 返回 false
func (l *RateLimiter) Stats(provider string) (Stats, bool) {
	l.mu.RLock()
	p, ok := l.limiters[provider]
	l.mu.RUnlock()
	if !ok {
		return Stats{}, false
	}
	p.mu.Lock()
	used := p.tokensUsed
	p.mu.Unlock()
	s := Stats{
		RequestsPerMinute: p.cfg.RequestsPerMinute,
		TokensPerMinute:   p.cfg.TokensPerMinute,
		TokensUsedMinute:  used,
		MaxConcurrent:     p.cfg.MaxConcurrent,
	}
	if p.semaphore != nil {
		s.InFlight = len(p.semaphore)
	}
	return s, true
}

// RateLimitedGateway 在网关调用前获取限流许可；流式调用在序列结束时释放
type RateLimitedGateway struct {
	inner    Gateway
	limiter  *RateLimiter
	provider string
}

// NewRateLimitedGateway 包装网关
func NewRateLimitedGateway(inner Gateway, limiter *RateLimiter, provider string) *RateLimitedGateway {
	return &RateLimitedGateway{inner: inner, limiter: limiter, provider: provider}
}

// Model 实现 Gateway
func (g *RateLimitedGateway) Model() string { return g.inner.Model() }

// Completion 实现 Gateway
func (g *RateLimitedGateway) Completion(ctx context.Context, req Request) (string, error) {
	if err := g.limiter.Wait(ctx, g.provider, EstimateRequestTokens(req)); err != nil {
		return "", &GatewayError{Op: "completion", Model: g.inner.Model(), Message: "rate limited", Err: err}
	}
	defer g.limiter.Release(g.provider)
	return g.inner.Completion(ctx, req)
}

// StreamCompletion 实现 Gateway
func (g *RateLimitedGateway) StreamCompletion(ctx context.Context, req Request) iter.Seq2[Event, error] {
	return g.guard(ctx, "stream", req, func() iter.Seq2[Event, error] {
		return g.inner.StreamCompletion(ctx, req)
	})
}

// ContinueWithToolOutput 实现 Gateway
func (g *RateLimitedGateway) ContinueWithToolOutput(ctx context.Context, prior Request, call ToolCall, output string) iter.Seq2[Event, error] {
	return g.guard(ctx, "continue", WithToolOutput(prior, call, output), func() iter.Seq2[Event, error] {
		return g.inner.ContinueWithToolOutput(ctx, prior, call, output)
	})
}

func (g *RateLimitedGateway) guard(ctx context.Context, op string, req Request, open func() iter.Seq2[Event, error]) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		if err := g.limiter.Wait(ctx, g.provider, EstimateRequestTokens(req)); err != nil {
			yield(Event{}, &GatewayError{Op: op, Model: g.inner.Model(), Message: "rate limited", Err: err})
			return
		}
		defer g.limiter.Release(g.provider)
		for ev, err := range open() {
			if !yield(ev, err) || err != nil {
				return
			}
		}
	}
}
