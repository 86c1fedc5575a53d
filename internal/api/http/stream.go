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

package http

import (
	"context"
	"encoding/json"
	"iter"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/cloudwego/hertz/pkg/protocol/http1/resp"

	"github.com/thegarrettscott/chatmcp/internal/agent"
	"github.com/thegarrettscott/chatmcp/pkg/auth"
)

const (
	formatSSE    = "sse"
	formatNDJSON = "ndjson"
)

// eventWriter 逐事件写出并刷新；任一步失败视为客户端断开
type eventWriter interface {
	Write(p []byte) (int, error)
	Flush() error
}

// chunkedWriter 基于 Hertz chunked 响应逐块写到连接
type chunkedWriter struct {
	c *app.RequestContext
}

func (w chunkedWriter) Write(p []byte) (int, error) { return w.c.Write(p) }
func (w chunkedWriter) Flush() error                { return w.c.Flush() }

// bodyWriter 无底层连接时（如 ut.PerformRequest）整体写入响应体
type bodyWriter struct {
	c *app.RequestContext
}

func (w bodyWriter) Write(p []byte) (int, error) {
	w.c.Response.AppendBody(p)
	return len(p), nil
}
func (w bodyWriter) Flush() error { return nil }

// frame 编码单个事件
func frame(format string, ev agent.TurnEvent) ([]byte, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	if format == formatNDJSON {
		return append(b, '\n'), nil
	}
	out := make([]byte, 0, len(b)+8)
	out = append(out, "data: "...)
	out = append(out, b...)
	return append(out, '\n', '\n'), nil
}

// StreamTurn GET /api/agent/stream/:id
func (h *Handler) StreamTurn(ctx context.Context, c *app.RequestContext) {
	turnID := c.Param("id")
	if turnID == "" {
		badRequest(c, "turn id is required")
		return
	}
	format := formatSSE
	if c.Query("format") == formatNDJSON {
		format = formatNDJSON
	}

	c.SetStatusCode(consts.StatusOK)
	if format == formatNDJSON {
		c.Response.Header.Set("Content-Type", "application/x-ndjson")
	} else {
		c.Response.Header.Set("Content-Type", "text/event-stream")
	}
	c.Response.Header.Set("Cache-Control", "no-cache")
	c.Response.Header.Set("Connection", "keep-alive")
	c.Response.Header.Set("X-Accel-Buffering", "no")

	var w eventWriter = bodyWriter{c: c}
	if c.GetWriter() != nil {
		c.Response.HijackWriter(resp.NewChunkedBodyWriter(&c.Response, c.GetWriter()))
		w = chunkedWriter{c: c}
	}

	// 写失败即跳出循环，Coordinator 随之停止本轮
	if err := h.pump(w, format, h.turns.Stream(ctx, auth.GetUserID(ctx), turnID)); err != nil {
		h.logger.Info("客户端已断开", "turn_id", turnID, "error", err)
	}
}

// pump 逐个写出事件直到序列结束或写失败
func (h *Handler) pump(w eventWriter, format string, events iter.Seq[agent.TurnEvent]) error {
	for ev := range events {
		b, err := frame(format, ev)
		if err != nil {
			h.logger.Error("事件序列化失败", "type", ev.Type, "error", err)
			continue
		}
		if _, err := w.Write(b); err != nil {
			return err
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}
	return nil
}
