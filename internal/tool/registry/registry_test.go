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
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thegarrettscott/chatmcp/internal/tool"
	pkgerrors "github.com/thegarrettscott/chatmcp/pkg/errors"
	"github.com/thegarrettscott/chatmcp/pkg/metrics"
)

func weatherSchema() tool.Schema {
	return tool.ObjectSchema(map[string]tool.SchemaProperty{
		"location": {Type: "string", Description: "城市"},
		"units":    {Type: "string", Enum: []any{"metric", "imperial"}},
	}, "location")
}

func weatherTarget() tool.Target {
	return tool.TargetFunc(func(ctx context.Context, args map[string]any) (any, error) {
		return map[string]any{"location": args["location"], "temperature": 18.5}, nil
	})
}

func TestRegistry_ExecuteSuccess(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("get_weather", "Get weather", weatherTarget(), weatherSchema()))

	res := r.Execute(context.Background(), tool.Call{ID: "c1", Name: "get_weather", Arguments: `{"location":"Paris"}`})
	require.True(t, res.OK(), res.Error)
	payload, ok := res.Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Paris", payload["location"])
	assert.Equal(t, 18.5, payload["temperature"])
}

func TestRegistry_UnknownTool(t *testing.T) {
	r := New()
	res := r.Execute(context.Background(), tool.Call{Name: "unknown_tool", Arguments: "{}"})
	assert.Equal(t, tool.StatusError, res.Status)
	assert.Equal(t, "tool not available", res.Error)
}

func TestRegistry_InvalidArguments(t *testing.T) {
	called := false
	r := New()
	require.NoError(t, r.Register("echo", "", tool.TargetFunc(func(ctx context.Context, args map[string]any) (any, error) {
		called = true
		return args, nil
	}), tool.ObjectSchema(nil)))

	res := r.Execute(context.Background(), tool.Call{Name: "echo", Arguments: `{"location":`})
	assert.Equal(t, "invalid arguments", res.Error)
	assert.False(t, called, "target must not be invoked when arguments do not parse")

	// 参数解析先于查找
	res = r.Execute(context.Background(), tool.Call{Name: "missing", Arguments: `not json`})
	assert.Equal(t, "invalid arguments", res.Error)
}

func TestRegistry_EmptyArgumentsIsEmptyObject(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("now", "", tool.TargetFunc(func(ctx context.Context, args map[string]any) (any, error) {
		return len(args), nil
	}), tool.ObjectSchema(nil)))
	res := r.Execute(context.Background(), tool.Call{Name: "now", Arguments: ""})
	require.True(t, res.OK())
	assert.Equal(t, 0, res.Payload)
}

func TestRegistry_SchemaValidation(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("get_weather", "", weatherTarget(), weatherSchema()))

	res := r.Execute(context.Background(), tool.Call{Name: "get_weather", Arguments: `{"units":"metric"}`})
	assert.Contains(t, res.Error, "invalid arguments")
	assert.Contains(t, res.Error, "location")

	for _, args := range []string{
		`{"location":"Paris","units":"kelvin"}`,
		`{"location":42}`,
		`{"location":"Paris","units":1}`,
	} {
		res = r.Execute(context.Background(), tool.Call{Name: "get_weather", Arguments: args})
		assert.False(t, res.OK(), args)
		assert.True(t, strings.HasPrefix(res.Error, "invalid arguments: "), res.Error)
	}
}

func TestRegistry_NestedSchemaValidation(t *testing.T) {
	called := false
	r := New()
	require.NoError(t, r.Register("tag", "", tool.TargetFunc(func(ctx context.Context, args map[string]any) (any, error) {
		called = true
		return "ok", nil
	}), tool.ObjectSchema(map[string]tool.SchemaProperty{
		"labels": {Type: "array", Items: &tool.SchemaProperty{Type: "string"}},
	}, "labels")))

	res := r.Execute(context.Background(), tool.Call{Name: "tag", Arguments: `{"labels":["a",2]}`})
	assert.True(t, strings.HasPrefix(res.Error, "invalid arguments: "), res.Error)
	assert.False(t, called)

	res = r.Execute(context.Background(), tool.Call{Name: "tag", Arguments: `{"labels":["a","b"]}`})
	assert.True(t, res.OK(), res.Error)
}

func TestRegistry_UnregisteredNamesShareMetricLabel(t *testing.T) {
	r := New()
	before := testutil.ToFloat64(metrics.ToolCallTotal.WithLabelValues("unknown", "error"))

	r.Execute(context.Background(), tool.Call{Name: "model_invented_tool_1", Arguments: `not json`})
	r.Execute(context.Background(), tool.Call{Name: "model_invented_tool_2", Arguments: `{}`})

	assert.Equal(t, before+2, testutil.ToFloat64(metrics.ToolCallTotal.WithLabelValues("unknown", "error")))
	assert.False(t, metrics.ToolCallTotal.DeleteLabelValues("model_invented_tool_1", "error"))
	assert.False(t, metrics.ToolCallTotal.DeleteLabelValues("model_invented_tool_2", "error"))
}

func TestRegistry_Timeout(t *testing.T) {
	r := New(WithTimeout(20 * time.Millisecond))
	require.NoError(t, r.Register("slow", "", tool.TargetFunc(func(ctx context.Context, args map[string]any) (any, error) {
		time.Sleep(500 * time.Millisecond)
		return "late", nil
	}), tool.ObjectSchema(nil)))

	start := time.Now()
	res := r.Execute(context.Background(), tool.Call{Name: "slow", Arguments: "{}"})
	assert.Less(t, time.Since(start), 400*time.Millisecond)
	assert.Equal(t, tool.StatusError, res.Status)
	assert.Contains(t, res.Error, "timed out")
}

func TestRegistry_PerToolTimeout(t *testing.T) {
	r := New(WithTimeout(time.Hour))
	require.NoError(t, r.Register("slow", "", tool.TargetFunc(func(ctx context.Context, args map[string]any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}), tool.ObjectSchema(nil), WithToolTimeout(10*time.Millisecond)))

	res := r.Execute(context.Background(), tool.Call{Name: "slow", Arguments: "{}"})
	assert.Contains(t, res.Error, "timed out after 10ms")
}

func TestRegistry_TransportErrorAndPanic(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("down", "", tool.TargetFunc(func(ctx context.Context, args map[string]any) (any, error) {
		return nil, errors.New("dial tcp: connection refused")
	}), tool.ObjectSchema(nil)))
	require.NoError(t, r.Register("boom", "", tool.TargetFunc(func(ctx context.Context, args map[string]any) (any, error) {
		panic("nil map")
	}), tool.ObjectSchema(nil)))

	res := r.Execute(context.Background(), tool.Call{Name: "down", Arguments: "{}"})
	assert.Equal(t, "dial tcp: connection refused", res.Error)

	assert.NotPanics(t, func() {
		res = r.Execute(context.Background(), tool.Call{Name: "boom", Arguments: "{}"})
	})
	assert.Contains(t, res.Error, "panicked")
}

func TestRegistry_CatalogOnlyEnabledSorted(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("b_tool", "", weatherTarget(), tool.ObjectSchema(nil)))
	require.NoError(t, r.Register("a_tool", "", weatherTarget(), tool.ObjectSchema(nil)))
	require.NoError(t, r.Register("c_tool", "", weatherTarget(), tool.ObjectSchema(nil), Disabled()))

	names := func(ds []tool.Descriptor) []string {
		out := make([]string, 0, len(ds))
		for _, d := range ds {
			out = append(out, d.Name)
		}
		return out
	}
	assert.Equal(t, []string{"a_tool", "b_tool"}, names(r.Catalog()))
	assert.Equal(t, []string{"a_tool", "b_tool", "c_tool"}, names(r.List()))

	require.NoError(t, r.SetEnabled("a_tool", false))
	assert.Equal(t, []string{"b_tool"}, names(r.Catalog()))

	enabled, err := r.Toggle("c_tool")
	require.NoError(t, err)
	assert.True(t, enabled)
	assert.Equal(t, []string{"b_tool", "c_tool"}, names(r.Catalog()))

	_, err = r.Toggle("nope")
	assert.ErrorIs(t, err, pkgerrors.ErrNotFound)
	assert.ErrorIs(t, r.SetEnabled("nope", true), pkgerrors.ErrNotFound)
}

func TestRegistry_DisabledToolNotAvailable(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("get_weather", "", weatherTarget(), weatherSchema(), Disabled()))
	res := r.Execute(context.Background(), tool.Call{Name: "get_weather", Arguments: `{"location":"Paris"}`})
	assert.Equal(t, "tool not available", res.Error)
}

func TestRegistry_Deregister(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("get_weather", "", weatherTarget(), weatherSchema()))
	assert.True(t, r.Deregister("get_weather"))
	assert.False(t, r.Deregister("get_weather"))
	res := r.Execute(context.Background(), tool.Call{Name: "get_weather", Arguments: `{"location":"Paris"}`})
	assert.Equal(t, "tool not available", res.Error)
}

func TestRegistry_RegisterValidation(t *testing.T) {
	r := New()
	assert.ErrorIs(t, r.Register("", "", weatherTarget(), tool.Schema{}), pkgerrors.ErrInvalidArg)
	assert.ErrorIs(t, r.Register("x", "", nil, tool.Schema{}), pkgerrors.ErrInvalidArg)

	require.NoError(t, r.Register("x", "d", weatherTarget(), tool.Schema{}))
	d, ok := r.Get("x")
	require.True(t, ok)
	assert.Equal(t, "object", d.Parameters.Type)
	assert.NotNil(t, d.Parameters.Properties)
	assert.Equal(t, tool.SourceLocal, d.Source)
}

func TestRegistry_RawJSONPayloadIsDecoded(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("raw", "", tool.TargetFunc(func(ctx context.Context, args map[string]any) (any, error) {
		return json.RawMessage(`{"temperature":21}`), nil
	}), tool.ObjectSchema(nil)))
	res := r.Execute(context.Background(), tool.Call{Name: "raw", Arguments: "{}"})
	require.True(t, res.OK())
	assert.Equal(t, map[string]any{"temperature": float64(21)}, res.Payload)
}

func TestRegistry_ConcurrentMutationAndDispatch(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("stable", "", weatherTarget(), weatherSchema()))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("t%d", i)
			_ = r.Register(name, "", weatherTarget(), tool.ObjectSchema(nil))
			_ = r.Catalog()
			r.Deregister(name)
		}(i)
		go func() {
			defer wg.Done()
			res := r.Execute(context.Background(), tool.Call{Name: "stable", Arguments: `{"location":"Oslo"}`})
			assert.True(t, res.OK())
		}()
	}
	wg.Wait()
	assert.Len(t, r.Catalog(), 1)
}
