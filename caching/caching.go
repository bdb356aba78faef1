// Copyright 2026 The LUCI Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package caching holds caches of values derived from graph entities.
//
// RequestCache lives as long as one request context and is cleared whenever
// a transaction made in that context commits. Entities is process-wide and is
// invalidated by id, usually when another instance reports a commit.
package caching

import (
	"context"
	"sync"
	"time"

	"go.chromium.org/luci/common/data/caching/lru"
)

var requestCacheKey = "graphtx/caching.RequestCache"

// Key identifies a derived value: an entity id plus a name.
type Key struct {
	ID   int64
	Name string
}

// WithRequestCache installs a fresh request cache into the context.
func WithRequestCache(ctx context.Context, size int) context.Context {
	return context.WithValue(ctx, &requestCacheKey, lru.New[Key, any](size))
}

// RequestCache returns the request cache in the context or nil.
func RequestCache(ctx context.Context) *lru.Cache[Key, any] {
	c, _ := ctx.Value(&requestCacheKey).(*lru.Cache[Key, any])
	return c
}

// ClearRequestCache drops all values from the request cache, if any.
func ClearRequestCache(ctx context.Context) {
	if c := RequestCache(ctx); c != nil {
		c.Reset()
	}
}

// Entities is a process-wide cache of derived values keyed by entity id.
//
// Safe for concurrent use.
type Entities struct {
	cache *lru.Cache[Key, any]

	m     sync.Mutex
	names map[string]struct{}
}

// NewEntities creates an entity cache.
//
// names lists the derived value names Invalidate drops for each id.
func NewEntities(size int, names ...string) *Entities {
	e := &Entities{cache: lru.New[Key, any](size), names: map[string]struct{}{}}
	for _, n := range names {
		e.names[n] = struct{}{}
	}
	return e
}

// Get returns a cached value.
func (e *Entities) Get(ctx context.Context, id int64, name string) (any, bool) {
	return e.cache.Get(ctx, Key{id, name})
}

// Put stores a value. exp <= 0 means "no expiration".
func (e *Entities) Put(ctx context.Context, id int64, name string, v any, exp time.Duration) {
	e.m.Lock()
	e.names[name] = struct{}{}
	e.m.Unlock()
	e.cache.Put(ctx, Key{id, name}, v, exp)
}

// Invalidate drops all values of the given entities.
//
// Its signature matches notify.Handler, so it can be subscribed to
// notifications of other instances directly.
func (e *Entities) Invalidate(ctx context.Context, ids []int64) {
	e.m.Lock()
	names := make([]string, 0, len(e.names))
	for n := range e.names {
		names = append(names, n)
	}
	e.m.Unlock()
	for _, id := range ids {
		for _, n := range names {
			e.cache.Remove(Key{id, n})
		}
	}
}

// Len is the number of cached values.
func (e *Entities) Len() int { return e.cache.Len() }
