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

package metrics

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// 全局 Registry，供 API 注册与暴露
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	DefaultRegistry.MustRegister(
		TurnTotal, TurnDuration, TurnsInFlight,
		ToolCallTotal, ToolDuration,
		LLMRequestTotal, LLMDuration, LLMTokensTotal,
		RateLimitWaitSeconds,
		SessionLookupTotal,
	)
}

// TurnTotal 单轮对话总数（按结束状态）
var TurnTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "chatmcp_turn_total",
		Help: "单轮对话总数（按结束状态）",
	},
	[]string{"outcome"}, // completed | failed | fallback | cancelled
)

// TurnDuration 单轮对话耗时（秒），从打开流到终止事件
var TurnDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "chatmcp_turn_duration_seconds",
		Help:    "单轮对话耗时（秒）",
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 80, 160, 300},
	},
	[]string{"outcome"},
)

// TurnsInFlight 当前正在流式输出的 Turn 数
var TurnsInFlight = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "chatmcp_turns_in_flight",
		Help: "当前正在流式输出的 Turn 数",
	},
)

// ToolCallTotal 工具调用次数（按结果）
var ToolCallTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "chatmcp_tool_call_total",
		Help: "工具调用次数",
	},
	[]string{"tool", "status"}, // success | error
)

// ToolDuration 工具调用耗时（秒）
var ToolDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "chatmcp_tool_duration_seconds",
		Help:    "工具调用耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"tool"},
)

// LLMRequestTotal LLM 请求次数
var LLMRequestTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "chatmcp_llm_request_total",
		Help: "LLM 请求次数",
	},
	[]string{"model", "op", "status"}, // op: stream | completion | continue
)

// LLMDuration LLM 请求耗时（秒），流式请求统计到流结束
var LLMDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "chatmcp_llm_duration_seconds",
		Help:    "LLM 请求耗时（秒）",
		Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 80},
	},
	[]string{"model", "op"},
)

// LLMTokensTotal LLM 调用 token 数（估算值）
var LLMTokensTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "chatmcp_llm_tokens_total",
		Help: "LLM 调用 token 总数",
	},
	[]string{"direction"}, // input | output
)

// RateLimitWaitSeconds 限流等待耗时（秒）
var RateLimitWaitSeconds = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "chatmcp_rate_limit_wait_seconds",
		Help:    "限流等待耗时（秒）",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
	},
	[]string{"kind", "name"},
)

// SessionLookupTotal Session Store 查询结果
var SessionLookupTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "chatmcp_session_lookup_total",
		Help: "Session Store 查询次数（按结果）",
	},
	[]string{"result"}, // hit | miss | error
)

// WritePrometheus 将 Prometheus 文本格式写入 w（供 Hertz 等复用）
func WritePrometheus(w io.Writer) error {
	metrics, err := DefaultRegistry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range metrics {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
