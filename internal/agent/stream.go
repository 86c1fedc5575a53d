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

package agent

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/thegarrettscott/chatmcp/internal/model/llm"
	"github.com/thegarrettscott/chatmcp/internal/tool"
	"github.com/thegarrettscott/chatmcp/pkg/log"
	"github.com/thegarrettscott/chatmcp/pkg/metrics"
	"github.com/thegarrettscott/chatmcp/pkg/tracing"
)

// outcome 一轮对话的结束方式，用作指标标签
type outcome string

const (
	outcomeCompleted outcome = "completed"
	outcomeFallback  outcome = "fallback"
	outcomeApology   outcome = "apology"
	outcomeFailed    outcome = "failed"
	outcomeCancelled outcome = "cancelled"
)

// errStopped 调用方停止消费
var errStopped = errors.New("consumer stopped")

// apology 两条模型路径都失败时返回给用户的内容；prompt 原样嵌入，不做转义
func apology(prompt string) string {
	return fmt.Sprintf("I'm sorry, I couldn't generate a response to \"%s\" right now. Please try again in a moment.", prompt)
}

// Stream 打开一轮对话的事件序列；序列有限、只能消费一次，恰好以一个 done 或 error 结束。
// 调用方停止迭代或 ctx 取消后不再产生事件，也不再发起上游模型调用
func (c *Coordinator) Stream(ctx context.Context, userID, turnID string) iter.Seq[TurnEvent] {
	return func(yield func(TurnEvent) bool) {
		start := time.Now()
		logger := c.logger.With("turn_id", turnID)

		prompt, convID := c.opts.FallbackPrompt, ""
		entry, ok := c.sessions.Get(ctx, turnID)
		if ok && entry.UserID != userID {
			logger.Warn("Session 用户不匹配，按未命中处理", "user_id", userID)
			ok = false
		}
		if ok && !c.sessions.Claim(context.WithoutCancel(ctx), turnID) {
			logger.Warn("Turn 已被并发的 stream 消费，按未命中处理")
			ok = false
		}
		if ok {
			prompt, convID = entry.Prompt, entry.ConversationID
			logger = logger.With("conversation_id", convID)
		} else {
			logger.Warn("Session 不存在或已过期，使用 fallback prompt")
		}

		tctx, cancel := context.WithTimeout(ctx, c.opts.TurnTimeout)
		defer cancel()
		tctx, span := tracing.StartTurnSpan(tctx, turnID, convID)

		metrics.TurnsInFlight.Inc()
		r := &run{
			c:      c,
			parent: ctx,
			ctx:    tctx,
			cancel: cancel,
			turn:   NewTurn(turnID, convID, prompt),
			yield:  yield,
			logger: logger,
		}
		out := r.execute()
		metrics.TurnsInFlight.Dec()

		c.persist(ctx, r.turn)

		metrics.TurnTotal.WithLabelValues(string(out)).Inc()
		metrics.TurnDuration.WithLabelValues(string(out)).Observe(time.Since(start).Seconds())
		var spanErr error
		if out == outcomeFailed {
			spanErr = r.failure
		}
		tracing.EndSpan(span, spanErr)
		logger.Info("turn finished", "outcome", string(out), "tool_calls", r.toolCalls, "duration", time.Since(start))
	}
}

// run 单轮对话的执行过程，只在一个 goroutine 中使用
type run struct {
	c         *Coordinator
	parent    context.Context
	ctx       context.Context
	cancel    context.CancelFunc
	turn      *Turn
	yield     func(TurnEvent) bool
	logger    *log.Logger
	stopped   bool
	toolCalls int
	failure   error
}

func (r *run) emit(ev TurnEvent) bool {
	if r.stopped {
		return false
	}
	if !r.yield(ev) {
		r.stopped = true
		r.cancel()
		return false
	}
	return true
}

func (r *run) content(text string) bool {
	r.turn.AppendText(text)
	return r.emit(contentEvent(text))
}

// interrupted 调用方已离开或整轮超时
func (r *run) interrupted() bool {
	return r.stopped || r.ctx.Err() != nil
}

// abort 处理 interrupted：调用方离开时静默结束，超时则下发 error
func (r *run) abort() outcome {
	if r.stopped || r.parent.Err() != nil {
		_ = r.turn.Transition(StateFailed)
		return outcomeCancelled
	}
	return r.fail(fmt.Errorf("turn exceeded time limit of %s", r.c.opts.TurnTimeout))
}

func (r *run) fail(err error) outcome {
	r.failure = err
	r.logger.Error("turn failed", "error", err)
	_ = r.turn.Transition(StateFailed)
	r.emit(errorEvent(err.Error()))
	return outcomeFailed
}

func (r *run) complete(out outcome) outcome {
	if err := r.turn.Transition(StateCompleted); err != nil {
		return r.fail(err)
	}
	r.emit(doneEvent(r.turn.ConversationID))
	return out
}

func (r *run) execute() outcome {
	req := r.c.initialRequest(r.turn.Prompt)
	if err := r.turn.Transition(StateStreaming); err != nil {
		return r.fail(err)
	}

	text, calls, err := r.consume(r.c.gateway.StreamCompletion(r.ctx, req))
	if r.interrupted() {
		return r.abort()
	}
	if text == "" && len(calls) == 0 {
		if err != nil {
			r.logger.Warn("流式调用失败，回退到非流式", "model", r.c.gateway.Model(), "error", err)
		}
		return r.fallback(req)
	}
	if err != nil {
		return r.fail(err)
	}

	for len(calls) > 0 {
		if r.toolCalls+len(calls) > r.c.opts.MaxToolCalls {
			return r.fail(fmt.Errorf("tool call limit exceeded: at most %d tool calls per turn", r.c.opts.MaxToolCalls))
		}
		r.toolCalls += len(calls)
		req.Messages = append(req.Messages, llm.Message{Role: llm.RoleAssistant, Content: text, ToolCalls: calls})

		last, output, oc, ok := r.resolveTools(&req, calls)
		if !ok {
			return oc
		}
		if err := r.turn.Transition(StateResumedStreaming); err != nil {
			return r.fail(err)
		}

		seq := r.c.gateway.ContinueWithToolOutput(r.ctx, req, last, output)
		req = llm.WithToolOutput(req, last, output)
		text, calls, err = r.consume(seq)
		if r.interrupted() {
			return r.abort()
		}
		if err != nil {
			if text != "" || len(calls) > 0 {
				return r.fail(err)
			}
			return r.recoverContinuation(req, err)
		}
	}
	return r.complete(outcomeCompleted)
}

// resolveTools 按发起顺序逐个执行工具；最后一个调用的输出交给 ContinueWithToolOutput，其余直接写入上下文
func (r *run) resolveTools(req *llm.Request, calls []llm.ToolCall) (llm.ToolCall, string, outcome, bool) {
	pending := make([]tool.Call, 0, len(calls))
	for _, c := range calls {
		pending = append(pending, tool.Call{ID: c.ID, Name: c.Name, Arguments: c.Arguments})
	}
	r.turn.Enqueue(pending...)

	var output string
	for i := range calls {
		call, err := r.turn.Await()
		if err != nil {
			return llm.ToolCall{}, "", r.fail(err), false
		}
		if !r.emit(toolCallEvent(call)) {
			return llm.ToolCall{}, "", r.abort(), false
		}
		res, ok := r.executeTool(call)
		if !ok {
			return llm.ToolCall{}, "", r.abort(), false
		}
		if err := r.turn.Resolve(call.ID, res); err != nil {
			return llm.ToolCall{}, "", r.fail(err), false
		}
		if !r.emit(toolResultEvent(call, res)) {
			return llm.ToolCall{}, "", r.abort(), false
		}
		output = res.ModelOutput()
		if i < len(calls)-1 {
			req.Messages = append(req.Messages, llm.Message{Role: llm.RoleTool, Content: output, ToolCallID: call.ID})
		}
	}
	return calls[len(calls)-1], output, "", true
}

// executeTool 在独立 goroutine 中执行工具；ctx 与调用方解耦，已发出的第三方调用允许自行结束
func (r *run) executeTool(call tool.Call) (tool.Result, bool) {
	done := make(chan tool.Result, 1)
	tctx := context.WithoutCancel(r.ctx)
	go func() {
		done <- r.c.tools.Execute(tctx, call)
	}()
	select {
	case res := <-done:
		if !res.OK() {
			r.logger.Warn("工具调用失败", "tool", call.Name, "error", res.Error)
		}
		return res, true
	case <-r.ctx.Done():
		r.logger.Warn("turn ended while tool was running", "tool", call.Name)
		return tool.Result{}, false
	}
}

// fallback 首次流式无任何输出：非流式补偿，仍失败则下发致歉内容
func (r *run) fallback(req llm.Request) outcome {
	text, err := r.c.gateway.Completion(r.ctx, req)
	if r.interrupted() {
		return r.abort()
	}
	if err != nil || text == "" {
		r.logger.Error("非流式回退失败", "model", r.c.gateway.Model(), "error", err)
		if !r.content(apology(r.turn.Prompt)) {
			return r.abort()
		}
		return r.complete(outcomeApology)
	}
	if !r.rechunk(text) {
		return r.abort()
	}
	return r.complete(outcomeFallback)
}

// recoverContinuation 续写失败且未产生输出：对同一上下文做一次非流式补偿
func (r *run) recoverContinuation(req llm.Request, streamErr error) outcome {
	r.logger.Warn("续写失败，尝试非流式补偿", "model", r.c.gateway.Model(), "error", streamErr)
	text, err := r.c.gateway.Completion(r.ctx, req)
	if r.interrupted() {
		return r.abort()
	}
	if err != nil {
		return r.fail(streamErr)
	}
	if !r.rechunk(text) {
		return r.abort()
	}
	return r.complete(outcomeCompleted)
}

func (r *run) rechunk(text string) bool {
	for _, chunk := range llm.Rechunk(text) {
		if !r.content(chunk) {
			return false
		}
	}
	return true
}

// consume 转发文本增量并收集本次响应的工具调用，直到 Done 或出错
func (r *run) consume(seq iter.Seq2[llm.Event, error]) (string, []llm.ToolCall, error) {
	var (
		text  strings.Builder
		calls []llm.ToolCall
	)
	for ev, err := range seq {
		if err != nil {
			return text.String(), calls, err
		}
		switch ev.Kind {
		case llm.EventTextDelta:
			if ev.Text == "" {
				continue
			}
			text.WriteString(ev.Text)
			if !r.content(ev.Text) {
				return text.String(), calls, errStopped
			}
		case llm.EventToolCall:
			if ev.ToolCall == nil {
				continue
			}
			call := *ev.ToolCall
			if call.ID == "" {
				call.ID = fmt.Sprintf("call_%d", r.toolCalls+len(calls)+1)
			}
			calls = append(calls, call)
		case llm.EventDone:
			return text.String(), calls, nil
		}
	}
	return text.String(), calls, nil
}
