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

package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemoryStore_SetGetDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)
	defer s.Close()

	if err := s.Set(ctx, "k1", "v1", 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	var v string
	if err := s.Get(ctx, "k1", &v); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v != "v1" {
		t.Errorf("Get: got %q", v)
	}
	if err := s.Delete(ctx, "k1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Get(ctx, "k1", &v); !errors.Is(err, ErrMiss) {
		t.Errorf("Get after Delete: got %v, want ErrMiss", err)
	}
	if err := s.Delete(ctx, "never-set"); err != nil {
		t.Errorf("Delete missing key should be a no-op: %v", err)
	}
}

func TestMemoryStore_Get_NotFound(t *testing.T) {
	s := NewMemoryStore(0)
	var v string
	if err := s.Get(context.Background(), "missing", &v); !errors.Is(err, ErrMiss) {
		t.Errorf("Get missing: got %v, want ErrMiss", err)
	}
}

func TestMemoryStore_Struct(t *testing.T) {
	type entry struct {
		Prompt string `json:"prompt"`
		N      int    `json:"n"`
	}
	ctx := context.Background()
	s := NewMemoryStore(0)
	if err := s.Set(ctx, "e", entry{Prompt: "hi", N: 2}, time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}
	var got entry
	if err := s.Get(ctx, "e", &got); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Prompt != "hi" || got.N != 2 {
		t.Errorf("Get: got %+v", got)
	}
}

func TestMemoryStore_Expiration(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	_ = s.Set(ctx, "short", "v", time.Minute)
	_ = s.Set(ctx, "forever", "v", 0)

	ok, _ := s.Exists(ctx, "short")
	if !ok {
		t.Fatal("short should exist before expiry")
	}

	now = now.Add(time.Minute)
	var v string
	if err := s.Get(ctx, "short", &v); !errors.Is(err, ErrMiss) {
		t.Errorf("Get expired: got %v, want ErrMiss", err)
	}
	if ok, _ := s.Exists(ctx, "short"); ok {
		t.Error("Exists expired should be false")
	}
	if err := s.Get(ctx, "forever", &v); err != nil {
		t.Errorf("Get non-expiring: %v", err)
	}

	s.sweep()
	if s.Len() != 1 {
		t.Errorf("sweep should drop expired items, len=%d", s.Len())
	}
}

func TestMemoryStore_Janitor(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(5 * time.Millisecond)
	defer s.Close()

	_ = s.Set(ctx, "k", "v", time.Millisecond)
	deadline := time.Now().Add(time.Second)
	for s.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s.Len() != 0 {
		t.Errorf("janitor should have removed expired key, len=%d", s.Len())
	}
}

func TestMemoryStore_CloseTwice(t *testing.T) {
	s := NewMemoryStore(time.Second)
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestMemoryStore_TakeSingleWinner(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)
	defer s.Close()
	if err := s.Set(ctx, "turn:t1", "p", time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.Take(ctx, "turn:t1")
			if err != nil {
				t.Errorf("Take: %v", err)
			}
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if got := wins.Load(); got != 1 {
		t.Errorf("Take winners: got %d, want 1", got)
	}
	if ok, _ := s.Exists(ctx, "turn:t1"); ok {
		t.Error("key should be gone after Take")
	}
}

func TestMemoryStore_TakeExpired(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)
	defer s.Close()
	now := time.Now()
	s.now = func() time.Time { return now }
	if err := s.Set(ctx, "k", "v", time.Second); err != nil {
		t.Fatalf("Set: %v", err)
	}
	s.now = func() time.Time { return now.Add(2 * time.Second) }

	ok, err := s.Take(ctx, "k")
	if err != nil || ok {
		t.Errorf("Take expired: got (%v, %v), want (false, nil)", ok, err)
	}
	if s.Len() != 0 {
		t.Errorf("expired item should be removed, Len=%d", s.Len())
	}
	if ok, _ := s.Take(ctx, "never-set"); ok {
		t.Error("Take missing key should report false")
	}
}
