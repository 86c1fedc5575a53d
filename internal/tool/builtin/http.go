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
	"net/http"
	"net/url"
	"strings"

	"github.com/go-resty/resty/v2"
)

// HTTPTarget 将工具参数以 JSON 请求体 POST 到固定端点（GET 时作为查询参数）
type HTTPTarget struct {
	client  *resty.Client
	url     string
	method  string
	headers map[string]string
}

// NewHTTPTarget 创建 HTTP 工具目标；method 为空时使用 POST
func NewHTTPTarget(endpoint, method string, headers map[string]string) (*HTTPTarget, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid tool endpoint %q: %w", endpoint, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}
	method = strings.ToUpper(method)
	switch method {
	case "":
		method = http.MethodPost
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch:
	default:
		return nil, fmt.Errorf("unsupported HTTP method %q", method)
	}
	return &HTTPTarget{
		client:  resty.New(),
		url:     endpoint,
		method:  method,
		headers: headers,
	}, nil
}

// Invoke 实现 tool.Target；超时由 ctx 控制
func (t *HTTPTarget) Invoke(ctx context.Context, args map[string]any) (any, error) {
	req := t.client.R().
		SetContext(ctx).
		SetHeader("Accept", "application/json").
		SetHeaders(t.headers)

	if t.method == http.MethodGet {
		for k, v := range args {
			req.SetQueryParam(k, fmt.Sprint(v))
		}
	} else {
		req.SetHeader("Content-Type", "application/json").SetBody(args)
	}

	resp, err := req.Execute(t.method, t.url)
	if err != nil {
		return nil, fmt.Errorf("tool endpoint request failed: %w", err)
	}
	body := resp.Body()
	if resp.IsError() {
		return nil, fmt.Errorf("tool endpoint returned %d: %s", resp.StatusCode(), truncate(string(body), 512))
	}
	if len(body) == 0 {
		return map[string]any{}, nil
	}
	var out any
	if err := json.Unmarshal(body, &out); err != nil {
		return string(body), nil
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
