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

package builtin

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"

	"github.com/thegarrettscott/chatmcp/internal/tool"
)

// Func 将带类型参数的本地函数包装为 tool.Target，并根据 Args 的结构体标签反射出参数 Schema
func Func[Args any](fn func(ctx context.Context, args Args) (any, error)) (tool.Target, tool.Schema, error) {
	reflector := jsonschema.Reflector{DoNotReference: true, ExpandedStruct: true}
	reflected := reflector.Reflect(new(Args))
	raw, err := json.Marshal(reflected)
	if err != nil {
		return nil, tool.Schema{}, fmt.Errorf("reflect tool schema: %w", err)
	}
	schema, err := tool.SchemaFromJSON(json.RawMessage(raw))
	if err != nil {
		return nil, tool.Schema{}, err
	}
	target := tool.TargetFunc(func(ctx context.Context, in map[string]any) (any, error) {
		b, err := json.Marshal(in)
		if err != nil {
			return nil, err
		}
		var args Args
		if err := json.Unmarshal(b, &args); err != nil {
			return nil, fmt.Errorf("decode arguments: %w", err)
		}
		return fn(ctx, args)
	})
	return target, schema, nil
}
