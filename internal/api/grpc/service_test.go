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

package grpc

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func status(t *testing.T, s *Server, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := s.Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.GetStatus()
}

func TestServer_ServingByDefault(t *testing.T) {
	s := NewServer(nil, nil)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status(t, s, ""))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status(t, s, ServiceName))
}

func TestServer_RefreshMarksFailingDependency(t *testing.T) {
	healthy := true
	s := NewServer(map[string]Checker{
		"cache": func(ctx context.Context) error {
			if healthy {
				return nil
			}
			return errors.New("connection refused")
		},
	}, nil)

	s.Refresh(context.Background())
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status(t, s, "cache"))

	healthy = false
	s.Refresh(context.Background())
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, status(t, s, "cache"))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, status(t, s, ServiceName))

	healthy = true
	s.Refresh(context.Background())
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status(t, s, ""))
}

func TestServer_Shutdown(t *testing.T) {
	s := NewServer(nil, nil)
	s.Shutdown()
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, status(t, s, ""))
}
