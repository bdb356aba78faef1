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

// Package txn implements the transaction and change-tracking core.
//
// Every mutation of the graph goes through a transaction carried by a
// context. Transactions nest: only the outermost scope runs the commit
// protocol, which dispatches lifecycle hooks exactly once per object,
// serializes structural validation per type, writes the changelog and
// notifies other instances of touched entities.
//
// Typical usage:
//
//	err := engine.Run(ctx, func(ctx context.Context) error {
//	  invoice, err := txn.CreateNode(ctx, "Invoice", graph.Properties{"number": "INV-1"})
//	  if err != nil {
//	    return err
//	  }
//	  return txn.SetProperty(ctx, invoice, "total", 42)
//	})
package txn

import (
	"context"
	"sync"

	"go.chromium.org/luci/common/retry"
	"go.chromium.org/luci/common/retry/transient"

	"go.chromium.org/graphtx/caching"
	"go.chromium.org/graphtx/changelog"
	"go.chromium.org/graphtx/graph"
	"go.chromium.org/graphtx/notify"
	"go.chromium.org/graphtx/schema"
	"go.chromium.org/graphtx/txn/typelock"
)

// Locker serializes validation of instances of the same types.
//
// *typelock.Registry implements it.
type Locker interface {
	Acquire(ctx context.Context, names []string) error
	TryAcquire(names []string) bool
	Release(names []string)
}

// Options configure an Engine.
type Options struct {
	// Store is the backing store. Without it every transaction fails with
	// ErrServiceUnavailable.
	Store graph.Store
	// Schema resolves types. Default is an empty registry.
	Schema *schema.Registry
	// Locks are the type locks. Default is typelock.Default.
	Locks Locker
	// Changelog receives changelog batches. Nil disables the changelog.
	Changelog changelog.Sink
	// UserChangelog enables per-user logs in addition to per-object ones.
	UserChangelog bool
	// Notifier is told about touched entity ids after each commit.
	Notifier notify.Notifier
	// Entities is the entity cache of this instance. Touched ids are dropped
	// from it after each commit. Subscribe its Invalidate to notifications of
	// other instances.
	Entities *caching.Entities
	// CallbackWarnThreshold is the hook count per transaction above which a
	// warning is logged. Default is DefaultCallbackWarnThreshold.
	CallbackWarnThreshold int
	// Retry is the policy of retrying the post-commit phase on transient
	// conflicts. Default is transient.Only(retry.Default).
	Retry retry.Factory
}

// Engine opens transactions against a backing store.
type Engine struct {
	opts Options

	m         sync.RWMutex
	listeners []Listener
}

// New creates an engine.
func New(opts Options) *Engine {
	if opts.Schema == nil {
		opts.Schema = schema.NewRegistry()
	}
	if opts.Locks == nil {
		opts.Locks = typelock.Default
	}
	if opts.CallbackWarnThreshold == 0 {
		opts.CallbackWarnThreshold = DefaultCallbackWarnThreshold
	}
	if opts.Retry == nil {
		opts.Retry = transient.Only(retry.Default)
	}
	return &Engine{opts: opts}
}

// Entities is the entity cache of the engine, if any.
func (e *Engine) Entities() *caching.Entities { return e.opts.Entities }

// Schema is the type registry of the engine.
func (e *Engine) Schema() *schema.Registry { return e.opts.Schema }

// AddListener registers a commit listener.
func (e *Engine) AddListener(l Listener) {
	e.m.Lock()
	e.listeners = append(e.listeners, l)
	e.m.Unlock()
}

func (e *Engine) getListeners() []Listener {
	e.m.RLock()
	defer e.m.RUnlock()
	return append([]Listener(nil), e.listeners...)
}

// Run executes fn in a transaction.
//
// If ctx already carries a transaction, fn joins it and the commit happens
// when the outer scope closes. Otherwise the transaction is committed when fn
// returns nil and rolled back when it returns an error.
func (e *Engine) Run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	ctx, tx, err := e.Begin(ctx)
	if err != nil {
		return err
	}
	return run(ctx, tx, fn)
}

func run(ctx context.Context, tx *Tx, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if cerr := tx.Close(ctx); err == nil {
			err = cerr
		}
	}()
	if err = fn(ctx); err != nil {
		return err
	}
	return tx.MarkSuccessful(ctx)
}
