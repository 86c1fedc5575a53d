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
	"iter"
	"time"

	"github.com/thegarrettscott/chatmcp/pkg/metrics"
	"github.com/thegarrettscott/chatmcp/pkg/tracing"
)

// InstrumentedGateway 为每次调用记录 Prometheus 指标与 OTel span
type InstrumentedGateway struct {
	inner Gateway
}

// NewInstrumentedGateway 包装网关
func NewInstrumentedGateway(inner Gateway) *InstrumentedGateway {
	return &InstrumentedGateway{inner: inner}
}

// Model 实现 Gateway
func (g *InstrumentedGateway) Model() string { return g.inner.Model() }

// Completion 实现 Gateway
func (g *InstrumentedGateway) Completion(ctx context.Context, req Request) (string, error) {
	start := time.Now()
	ctx, span := tracing.StartModelSpan(ctx, g.inner.Model(), "completion")
	text, err := g.inner.Completion(ctx, req)
	g.observe("completion", start, err)
	if err == nil {
		metrics.LLMTokensTotal.WithLabelValues("input").Add(float64(EstimateRequestTokens(req)))
		metrics.LLMTokensTotal.WithLabelValues("output").Add(float64(EstimateTokens(text)))
	}
	tracing.EndSpan(span, err)
	return text, err
}

// StreamCompletion 实现 Gateway
func (g *InstrumentedGateway) StreamCompletion(ctx context.Context, req Request) iter.Seq2[Event, error] {
	return g.wrap(ctx, "stream", req, func(ctx context.Context) iter.Seq2[Event, error] {
		return g.inner.StreamCompletion(ctx, req)
	})
}

// ContinueWithToolOutput 实现 Gateway
func (g *InstrumentedGateway) ContinueWithToolOutput(ctx context.Context, prior Request, call ToolCall, output string) iter.Seq2[Event, error] {
	return g.wrap(ctx, "continue", WithToolOutput(prior, call, output), func(ctx context.Context) iter.Seq2[Event, error] {
		return g.inner.ContinueWithToolOutput(ctx, prior, call, output)
	})
}

// wrap 流式调用的耗时统计到序列结束（或调用方提前停止）
func (g *InstrumentedGateway) wrap(ctx context.Context, op string, req Request, open func(context.Context) iter.Seq2[Event, error]) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		start := time.Now()
		ctx, span := tracing.StartModelSpan(ctx, g.inner.Model(), op)
		var (
			streamErr error
			outTokens int
		)
		defer func() {
			g.observe(op, start, streamErr)
			metrics.LLMTokensTotal.WithLabelValues("input").Add(float64(EstimateRequestTokens(req)))
			metrics.LLMTokensTotal.WithLabelValues("output").Add(float64(outTokens))
			tracing.EndSpan(span, streamErr)
		}()
		for ev, err := range open(ctx) {
			if err != nil {
				streamErr = err
			} else if ev.Kind == EventTextDelta {
				outTokens += EstimateTokens(ev.Text)
			}
			if !yield(ev, err) || err != nil {
				return
			}
		}
	}
}

func (g *InstrumentedGateway) observe(op string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.LLMRequestTotal.WithLabelValues(g.inner.Model(), op, status).Inc()
	metrics.LLMDuration.WithLabelValues(g.inner.Model(), op).Observe(time.Since(start).Seconds())
}
