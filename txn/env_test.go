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

package txn

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.chromium.org/luci/common/retry"
	"go.chromium.org/luci/common/retry/transient"

	"go.chromium.org/graphtx/changelog"
	"go.chromium.org/graphtx/graph"
	"go.chromium.org/graphtx/graph/memory"
	"go.chromium.org/graphtx/notify"
	"go.chromium.org/graphtx/schema"
	"go.chromium.org/graphtx/txn/typelock"
)

// recorder collects hook invocations.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, fmt.Sprintf(format, args...))
}

func (r *recorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.calls...)
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}

func recordingHooks(rec *recorder) schema.Hooks {
	return schema.Hooks{
		OnCreation: func(ctx context.Context, e *graph.Entity, _ *graph.Faults) error {
			rec.add("on_creation %s", e.Type)
			return nil
		},
		OnModification: func(ctx context.Context, e *graph.Entity, _ *graph.Faults) error {
			rec.add("on_modification %s", e.Type)
			return nil
		},
		OnDeletion: func(ctx context.Context, e *graph.Entity, removed graph.Properties, _ *graph.Faults) error {
			rec.add("on_deletion %s %v", e.Type, removed["name"])
			return nil
		},
		AfterCreation: func(ctx context.Context, e *graph.Entity) {
			rec.add("after_creation %s", e.Type)
		},
		AfterModification: func(ctx context.Context, e *graph.Entity) {
			rec.add("after_modification %s", e.Type)
		},
		AfterDeletion: func(ctx context.Context, e *graph.Entity, removed graph.Properties) {
			rec.add("after_deletion %s %v", e.Type, removed["name"])
		},
	}
}

// recordingLocks records every acquired and released set.
type recordingLocks struct {
	typelock.Registry

	mu       sync.Mutex
	acquired [][]string
	released [][]string
}

func (l *recordingLocks) Acquire(ctx context.Context, names []string) error {
	l.mu.Lock()
	l.acquired = append(l.acquired, append([]string(nil), names...))
	l.mu.Unlock()
	return l.Registry.Acquire(ctx, names)
}

func (l *recordingLocks) Release(names []string) {
	l.mu.Lock()
	l.released = append(l.released, append([]string(nil), names...))
	l.mu.Unlock()
	l.Registry.Release(names)
}

func (l *recordingLocks) sets() (acquired, released [][]string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.acquired, l.released
}

// flakyStore fails chosen native commits (1-based) with a conflict.
type flakyStore struct {
	graph.Store

	mu      sync.Mutex
	commits int
	failAt  map[int]bool
}

func (s *flakyStore) Begin(ctx context.Context) (graph.Tx, error) {
	tx, err := s.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &flakyTx{Tx: tx, s: s}, nil
}

type flakyTx struct {
	graph.Tx
	s *flakyStore
}

func (t *flakyTx) Commit(ctx context.Context) error {
	t.s.mu.Lock()
	t.s.commits++
	fail := t.s.failAt[t.s.commits]
	t.s.mu.Unlock()
	if fail {
		_ = t.Tx.Rollback(ctx)
		return graph.ErrConflict
	}
	return t.Tx.Commit(ctx)
}

// testEnv is an engine over an in-memory store with recording collaborators.
type testEnv struct {
	store  *memory.Store
	flaky  *flakyStore
	sink   *changelog.MemorySink
	rec    *recorder
	locks  *recordingLocks
	engine *Engine

	before, after atomic.Int32

	notifyMu sync.Mutex
	notified [][]int64

	// Concurrency of Invoice validation.
	inside, maxInside atomic.Int32
}

func newTestEnv(opts Options) *testEnv {
	env := &testEnv{
		store: memory.New(),
		sink:  &changelog.MemorySink{},
		rec:   &recorder{},
		locks: &recordingLocks{},
	}
	env.flaky = &flakyStore{Store: env.store, failAt: map[int]bool{}}

	invoiceHooks := recordingHooks(env.rec)
	invoiceHooks.Validate = func(ctx context.Context, tx graph.Tx, e *graph.Entity, faults *graph.Faults) error {
		n := env.inside.Add(1)
		for {
			m := env.maxInside.Load()
			if n <= m || env.maxInside.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		env.inside.Add(-1)
		return nil
	}

	reg := schema.NewRegistry(
		&schema.Type{
			Name: "Item",
			Keys: []*schema.Key{
				{Name: "name"},
				{Name: "secret", Hidden: true},
			},
			Hooks: recordingHooks(env.rec),
		},
		&schema.Type{
			Name:  "Invoice",
			Keys:  []*schema.Key{{Name: "number", Unique: true, Required: true}},
			Hooks: invoiceHooks,
		},
		&schema.Type{
			Name:  "LINKS",
			Hooks: recordingHooks(env.rec),
		},
		&schema.Type{
			Name: "Parent",
			Hooks: schema.Hooks{
				OnCreation: func(ctx context.Context, e *graph.Entity, _ *graph.Faults) error {
					env.rec.add("on_creation Parent")
					_, err := CreateNode(ctx, "Item", graph.Properties{"name": "child"})
					return err
				},
			},
		},
		&schema.Type{
			Name: "Guarded",
			Hooks: schema.Hooks{
				OnCreation: func(ctx context.Context, e *graph.Entity, faults *graph.Faults) error {
					faults.Addf(e, "", graph.TokenInvalid, "never allowed")
					return nil
				},
			},
		},
		&schema.Type{
			Name: "Ledger",
			Keys: []*schema.Key{{Name: "code", Unique: true}},
			Hooks: schema.Hooks{
				AfterCreation: func(ctx context.Context, e *graph.Entity) {
					env.rec.add("after_creation Ledger")
					code, err := Property(ctx, e, "code")
					if err == nil {
						_, err = CreateNode(ctx, "Invoice", graph.Properties{"number": code})
					}
					if err != nil {
						env.rec.add("error %s", err)
					}
				},
			},
		},
		&schema.Type{
			Name: "Audited",
			Hooks: schema.Hooks{
				AfterCreation: func(ctx context.Context, e *graph.Entity) {
					env.rec.add("after_creation Audited")
					if err := SetProperty(ctx, e, "audited", true); err != nil {
						env.rec.add("error %s", err)
					}
				},
			},
		},
	)

	local := &notify.Local{}
	local.Subscribe(func(ctx context.Context, ids []int64) {
		env.notifyMu.Lock()
		env.notified = append(env.notified, ids)
		env.notifyMu.Unlock()
	})

	if opts.Store == nil {
		opts.Store = env.flaky
	}
	opts.Schema = reg
	opts.Locks = env.locks
	if opts.Changelog == nil {
		opts.Changelog = env.sink
	}
	opts.UserChangelog = true
	opts.Notifier = local
	opts.Retry = transient.Only(func() retry.Iterator {
		return &retry.Limited{Retries: 3}
	})
	env.engine = New(opts)
	env.engine.AddListener(ListenerFuncs{
		Before: func(context.Context, []*Event) { env.before.Add(1) },
		After:  func(context.Context, []*Event) { env.after.Add(1) },
	})
	return env
}

func (env *testEnv) notifications() [][]int64 {
	env.notifyMu.Lock()
	defer env.notifyMu.Unlock()
	return append([][]int64(nil), env.notified...)
}
