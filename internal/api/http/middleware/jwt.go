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

package middleware

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/hertz-contrib/jwt"

	"github.com/thegarrettscott/chatmcp/pkg/auth"
)

// IdentityKey JWT 中表示用户的 claim（Supabase 为 sub）
const IdentityKey = "sub"

// NewJWTAuth 创建 HS256 JWT 中间件；只做校验，不提供登录接口（令牌由 Supabase 签发）
func NewJWTAuth(key []byte, timeout, maxRefresh time.Duration) (*jwt.HertzJWTMiddleware, error) {
	if len(key) == 0 {
		return nil, errors.New("jwt key is required")
	}
	return jwt.New(&jwt.HertzJWTMiddleware{
		Realm:            "chatmcp",
		SigningAlgorithm: "HS256",
		Key:              key,
		Timeout:          timeout,
		MaxRefresh:       maxRefresh,
		IdentityKey:      IdentityKey,
		TokenLookup:      "header: Authorization, query: token",
		TokenHeadName:    "Bearer",
		TimeFunc:         time.Now,
		PayloadFunc: func(data interface{}) jwt.MapClaims {
			if id, ok := data.(string); ok {
				return jwt.MapClaims{IdentityKey: id}
			}
			return jwt.MapClaims{}
		},
		IdentityHandler: func(ctx context.Context, c *app.RequestContext) interface{} {
			claims := jwt.ExtractClaims(ctx, c)
			return claims[IdentityKey]
		},
		Unauthorized: func(ctx context.Context, c *app.RequestContext, code int, message string) {
			c.JSON(code, map[string]string{"error": message})
		},
	})
}

// Identity 将 JWT 中间件解析出的用户写入 context；必须挂在 JWT 中间件之后
func Identity() app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		v, ok := c.Get(IdentityKey)
		if !ok {
			c.AbortWithStatusJSON(consts.StatusUnauthorized, map[string]string{"error": "authentication required"})
			return
		}
		userID := fmt.Sprint(v)
		if userID == "" || userID == "<nil>" {
			c.AbortWithStatusJSON(consts.StatusUnauthorized, map[string]string{"error": "token has no subject"})
			return
		}
		c.Next(auth.WithUserID(ctx, userID))
	}
}

// Anonymous 未启用鉴权时使用固定用户
func Anonymous() app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		c.Next(auth.WithUserID(ctx, auth.AnonymousUser))
	}
}
