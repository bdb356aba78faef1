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
	"time"

	"go.opentelemetry.io/otel/attribute"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/data/stringset"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/retry"
	"go.chromium.org/luci/common/retry/transient"
	"go.chromium.org/luci/server/tracing"

	"go.chromium.org/graphtx/caching"
	"go.chromium.org/graphtx/graph"
	"go.chromium.org/graphtx/schema"
	"go.chromium.org/graphtx/txn/typelock"
)

// IdentifierType is the synchronization key taken when a new object has a
// caller supplied UUID.
const IdentifierType = graph.IDKey

// commit runs the commit protocol of the top-level transaction.
func (r *root) commit(ctx context.Context) (err error) {
	q := r.queue
	ctx, span := tracing.Start(ctx, "go.chromium.org/graphtx/txn.Commit",
		attribute.Int("graphtx.states", len(q.states)),
	)
	defer func() { tracing.End(span, err) }()

	e := r.engine

	if !r.afterHooks {
		if ls := e.getListeners(); len(ls) > 0 {
			events := q.events()
			for _, l := range ls {
				l.BeforeCommit(ctx, events)
			}
		}
	}

	start := clock.Now(ctx)
	err = r.innerCallbacks(ctx)
	r.phase(ctx, "inner", start, &q.timings.Inner)
	if err != nil {
		return err
	}
	if err := r.checkFaults(ctx); err != nil {
		return err
	}

	if keys := r.syncKeys(); len(keys) > 0 {
		if err := r.acquire(ctx, keys); err != nil {
			return err
		}
		logging.Debugf(ctx, "txn: holding type locks %q", keys)
	}

	if err := r.validate(ctx); err != nil {
		return err
	}
	if err := r.checkFaults(ctx); err != nil {
		return err
	}

	start = clock.Now(ctx)
	for i := 0; i < len(q.tasks); i++ {
		task := q.tasks[i]
		if err := task.fn(ctx); err != nil {
			r.phase(ctx, "post_process", start, &q.timings.PostProcess)
			return errors.Fmt("txn: post-process task %q: %w", task.key, err)
		}
	}
	r.phase(ctx, "post_process", start, &q.timings.PostProcess)

	if e.opts.Changelog != nil && !r.noChangelog {
		if r.batch, err = r.assembleChangelog(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (r *root) phase(ctx context.Context, name string, start time.Time, acc *time.Duration) {
	d := clock.Since(ctx, start)
	*acc += d
	phaseDurationMS.Add(ctx, float64(d.Milliseconds()), name)
}

func (r *root) checkFaults(ctx context.Context) error {
	faults := &r.queue.faults
	if faults.Empty() {
		return nil
	}
	for _, f := range faults.List() {
		faultCount.Add(ctx, 1, f.Token)
	}
	logging.Infof(ctx, "txn: rejected with %d fault(s)", faults.Len())
	return validationError(faults)
}

// innerCallbacks dispatches inner hooks until no state has unconsumed
// changes. Hooks may touch other objects, which makes them due for another
// scan.
func (r *root) innerCallbacks(ctx context.Context) error {
	for {
		dirty := r.queue.dirty()
		if len(dirty) == 0 {
			return nil
		}
		for _, s := range dirty {
			if err := r.fireInner(ctx, s); err != nil {
				return err
			}
		}
	}
}

func (r *root) fireInner(ctx context.Context, s *State) error {
	hook := s.Pending().InnerHook()
	if hook == NoHook || s.inner[hook] {
		return nil
	}
	s.inner[hook] = true

	t := r.engine.opts.Schema.Lookup(s.entity.Type)
	if t == nil {
		return nil
	}
	faults := &r.queue.faults
	var err error
	switch hook {
	case CreationHook:
		if fn := t.Hooks.OnCreation; fn != nil {
			r.counted(ctx, s, "on_creation")
			err = fn(ctx, s.entity, faults)
		}
	case ModificationHook:
		if fn := t.Hooks.OnModification; fn != nil {
			r.counted(ctx, s, "on_modification")
			err = fn(ctx, s.entity, faults)
		}
	case DeletionHook:
		if fn := t.Hooks.OnDeletion; fn != nil {
			r.counted(ctx, s, "on_deletion")
			err = fn(ctx, s.entity, s.snapshot.Clone(), faults)
		}
	}
	if err != nil {
		return errors.Fmt("txn: %s hook of %s: %w", hook, s.entity, err)
	}
	return nil
}

func (r *root) counted(ctx context.Context, s *State, hook string) {
	r.callbacks.inc(ctx, s.entity, hook)
	hookCount.Add(ctx, 1, hook)
}

// syncKeys returns type names to serialize validation on, in lock order.
//
// Keys held by an enclosing flow are left out.
func (r *root) syncKeys() []string {
	reg := r.engine.opts.Schema
	var names []string
	for _, s := range r.queue.states {
		if s.status.Has(Deleted) {
			continue
		}
		for _, k := range s.keyOrder {
			if name := reg.SyncKey(s.entity.Type, k); name != "" && reg.HasType(name) {
				names = append(names, name)
			}
		}
		if s.uuidSupplied && s.status.Has(Created) {
			names = append(names, IdentifierType)
		}
		if s.revalidate {
			if t := reg.Lookup(s.entity.Type); t != nil {
				for _, k := range t.Keys {
					if k.NeedsSync() {
						names = append(names, t.Name)
						break
					}
				}
			}
		}
	}
	names = typelock.Normalize(names)
	out := names[:0]
	for _, n := range names {
		if !r.held.Has(n) {
			out = append(out, n)
		}
	}
	return out
}

// acquire takes the type locks for keys.
//
// It waits only for locks sorting after every lock held by the enclosing
// flow. Others are taken without waiting, or the commit fails with a
// transient ErrLockOrder.
func (r *root) acquire(ctx context.Context, keys []string) error {
	locks := r.engine.opts.Locks
	var ceiling string
	for _, k := range r.held.ToSlice() {
		if k > ceiling {
			ceiling = k
		}
	}
	var early, late []string
	for _, k := range keys {
		if k < ceiling {
			early = append(early, k)
		} else {
			late = append(late, k)
		}
	}
	if len(early) > 0 {
		if !locks.TryAcquire(early) {
			lockOrderCount.Add(ctx, 1)
			return transient.Tag.Apply(errors.Fmt("txn: type locks %q are busy: %w", early, ErrLockOrder))
		}
		r.locked = early
	}
	if len(late) > 0 {
		if err := locks.Acquire(ctx, late); err != nil {
			r.release()
			return errors.Fmt("txn: acquiring type locks %q: %w", late, err)
		}
	}
	r.locked = keys
	return nil
}

// validate runs structural validation and passive indexing of all created or
// modified objects that still exist.
func (r *root) validate(ctx context.Context) error {
	q := r.queue
	reg := r.engine.opts.Schema
	faults := &q.faults

	var validation, indexing time.Duration
	defer func() {
		q.timings.Validation += validation
		q.timings.Indexing += indexing
		phaseDurationMS.Add(ctx, float64(validation.Milliseconds()), "validation")
		phaseDurationMS.Add(ctx, float64(indexing.Milliseconds()), "indexing")
	}()

	for _, s := range q.states {
		if s.status.Has(Deleted) || (s.status&(Created|Modified) == 0 && !s.revalidate) {
			continue
		}
		start := clock.Now(ctx)
		if err := reg.Validate(ctx, r.native, s.entity, faults); err != nil {
			return err
		}
		if s.uuidSupplied && s.status.Has(Created) {
			if err := schema.ValidateUUID(ctx, r.native, s.entity, faults); err != nil {
				return err
			}
		}
		mid := clock.Now(ctx)
		validation += mid.Sub(start)
		if err := reg.IndexPassive(ctx, r.native, s.entity); err != nil {
			return err
		}
		indexing += clock.Since(ctx, mid)
	}
	return nil
}

// postCommit runs once the native transaction is durable. Its failures are
// logged: the data is already committed.
//
// After-hooks run in a transaction of their own. It commits their writes but
// calls no listeners.
func (r *root) postCommit(ctx context.Context) {
	e := r.engine
	q := r.queue

	if r.hasOuterHooks() {
		held := stringset.NewFromSlice(r.locked...)
		for _, k := range r.held.ToSlice() {
			held.Add(k)
		}
		octx := context.WithValue(ctx, txKey, (*root)(nil))
		octx = context.WithValue(octx, heldKey, held)

		start := clock.Now(ctx)
		err := retry.Retry(octx, e.opts.Retry, func() error {
			octx, tx, err := e.begin(octx, r)
			if err != nil {
				return err
			}
			return run(octx, tx, r.outerCallbacks)
		}, retry.LogCallback(ctx, "txn: after-commit callbacks"))
		r.phase(ctx, "outer", start, &q.timings.Outer)
		if err != nil {
			logging.Errorf(ctx, "txn: after-commit callbacks failed: %s", err)
		}
	}

	if !r.noNotifications && !r.afterHooks {
		if ls := e.getListeners(); len(ls) > 0 {
			events := q.events()
			for _, l := range ls {
				l.AfterCommit(ctx, events)
			}
		}
	}

	if r.batch != nil && !r.noChangelog && !r.batch.Empty() {
		if err := e.opts.Changelog.Write(ctx, r.batch); err != nil {
			logging.Errorf(ctx, "txn: writing changelog of %d object(s): %s", len(r.batch.Objects), err)
		}
	}

	caching.ClearRequestCache(ctx)
}

func (r *root) hasOuterHooks() bool {
	for _, s := range r.queue.states {
		if s.Pending().OuterHook() == NoHook {
			continue
		}
		if t := r.engine.opts.Schema.Lookup(s.entity.Type); t != nil {
			h := &t.Hooks
			if h.AfterCreation != nil || h.AfterModification != nil || h.AfterDeletion != nil {
				return true
			}
		}
	}
	return false
}

// outerCallbacks dispatches after-hooks in first-touch order. It runs in a
// transaction of its own, carried by ctx.
func (r *root) outerCallbacks(ctx context.Context) error {
	for _, s := range r.queue.states {
		t := r.engine.opts.Schema.Lookup(s.entity.Type)
		if t == nil {
			continue
		}
		switch s.Pending().OuterHook() {
		case CreationHook:
			if fn := t.Hooks.AfterCreation; fn != nil {
				r.counted(ctx, s, "after_creation")
				fn(ctx, s.entity)
			}
		case ModificationHook:
			if fn := t.Hooks.AfterModification; fn != nil {
				r.counted(ctx, s, "after_modification")
				fn(ctx, s.entity)
			}
		case DeletionHook:
			if fn := t.Hooks.AfterDeletion; fn != nil {
				r.counted(ctx, s, "after_deletion")
				fn(ctx, s.entity, s.snapshot.Clone())
			}
		}
	}
	return nil
}
