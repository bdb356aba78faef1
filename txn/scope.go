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

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/data/stringset"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/retry/transient"
	"go.chromium.org/luci/grpc/grpcutil"

	"go.chromium.org/graphtx/changelog"
	"go.chromium.org/graphtx/graph"
)

type txKeyType struct{}
type heldKeyType struct{}

var (
	txKey   = txKeyType{}
	heldKey = heldKeyType{}
)

// root is the shared state of one top-level transaction.
type root struct {
	engine *Engine
	native graph.Tx
	queue  *Queue

	depth        int
	rollbackOnly bool

	// committing is set once MarkSuccessful of the top-level handle ran.
	committing bool
	commitErr  error
	successful bool

	// locked are the type locks held since the commit protocol.
	locked []string
	// held are type locks held by an enclosing flow. They are neither
	// acquired nor released by this transaction.
	held stringset.Set

	callbacks callbackCounter

	noChangelog     bool
	noNotifications bool

	// afterHooks marks the transaction running after-hooks of a committed
	// one. It doesn't call listeners.
	afterHooks bool

	// batch is the changelog assembled at the end of the commit protocol.
	batch *changelog.Batch
}

// Tx is a handle on a (possibly nested) transaction scope.
//
// Every handle returned by Begin must be closed, usually with defer.
type Tx struct {
	root     *root
	toplevel bool
	marked   bool
	closed   bool
}

func current(ctx context.Context) *root {
	r, _ := ctx.Value(txKey).(*root)
	return r
}

func heldLocks(ctx context.Context) stringset.Set {
	s, _ := ctx.Value(heldKey).(stringset.Set)
	return s
}

// active returns the transaction carried by ctx or ErrNoTransaction.
func active(ctx context.Context) (*root, error) {
	r := current(ctx)
	if r == nil || r.native == nil {
		return nil, ErrNoTransaction
	}
	return r, nil
}

// InTransaction is true if ctx carries an open transaction.
func InTransaction(ctx context.Context) bool {
	_, err := active(ctx)
	return err == nil
}

// Begin joins the transaction carried by ctx or opens a new one.
//
// The returned context carries the transaction and must be used for all
// mutations within it.
func (e *Engine) Begin(ctx context.Context) (context.Context, *Tx, error) {
	return e.begin(ctx, nil)
}

// begin opens a transaction. A non-nil committed makes it the after-hook
// transaction of that one.
func (e *Engine) begin(ctx context.Context, committed *root) (context.Context, *Tx, error) {
	if r := current(ctx); r != nil && r.native != nil {
		if r.engine != e {
			return ctx, nil, grpcutil.FailedPreconditionTag.Apply(
				errors.New("txn: context carries a transaction of another engine"))
		}
		r.depth++
		return ctx, &Tx{root: r}, nil
	}

	if e.opts.Store == nil {
		return ctx, nil, ErrServiceUnavailable
	}
	native, err := e.opts.Store.Begin(ctx)
	if err != nil {
		return ctx, nil, grpcutil.UnavailableTag.Apply(errors.Fmt("txn: opening native transaction: %w", err))
	}
	r := &root{
		engine:    e,
		native:    native,
		queue:     newQueue(),
		depth:     1,
		held:      heldLocks(ctx),
		callbacks: callbackCounter{threshold: e.opts.CallbackWarnThreshold},
	}
	if committed != nil {
		r.afterHooks = true
		r.noChangelog = committed.noChangelog
		r.noNotifications = committed.noNotifications
	}
	return context.WithValue(ctx, txKey, r), &Tx{root: r, toplevel: true}, nil
}

// Depth is the current nesting depth, 1 for a lone top-level scope.
func (t *Tx) Depth() int { return t.root.depth }

// Queue is the modification queue of the transaction.
func (t *Tx) Queue() *Queue { return t.root.queue }

// Timings are phase timings of the commit protocol so far. They remain
// available after Close.
func (t *Tx) Timings() Timings { return t.root.queue.timings }

// DisableChangelog skips the changelog of this transaction.
func (t *Tx) DisableChangelog() { t.root.noChangelog = true }

// DisableNotifications skips AfterCommit listener calls of this transaction.
func (t *Tx) DisableNotifications() { t.root.noNotifications = true }

// MarkSuccessful marks the intent to commit.
//
// For nested handles this only records the intent. For the top-level handle
// it runs the commit protocol: lifecycle hooks, type locks, validation,
// indexing and post-process tasks. An error means the transaction will be
// rolled back by Close. A *ValidationError (see Faults) carries all faults.
func (t *Tx) MarkSuccessful(ctx context.Context) error {
	if t.closed {
		return errors.New("txn: MarkSuccessful after Close")
	}
	t.marked = true
	if !t.toplevel {
		return nil
	}
	r := t.root
	if r.committing {
		return r.commitErr
	}
	r.committing = true
	if r.rollbackOnly {
		r.commitErr = ErrRollbackOnly
	} else {
		r.commitErr = r.commit(ctx)
		r.successful = r.commitErr == nil
	}
	return r.commitErr
}

// Close ends the scope.
//
// Closing a nested scope that wasn't marked successful makes the whole
// transaction rollback-only. Closing the top-level scope commits the native
// transaction if the commit protocol succeeded and rolls it back otherwise.
// After a commit it runs after-hooks, listeners and the changelog, then
// releases the type locks and notifies other instances.
//
// Returns the native commit error, if any. Closing twice is a noop.
func (t *Tx) Close(ctx context.Context) error {
	if t.closed {
		return nil
	}
	t.closed = true
	r := t.root
	r.depth--

	if !t.toplevel {
		if !t.marked {
			r.rollbackOnly = true
		}
		return nil
	}
	if r.depth != 0 {
		logging.Errorf(ctx, "txn: closing the top-level scope with %d nested scopes open", r.depth)
	}

	defer func() {
		r.release()
		r.native = nil
		r.queue.clear()
	}()

	if !r.successful {
		commitCount.Add(ctx, 1, "rolled_back")
		if err := r.native.Rollback(ctx); err != nil {
			logging.Warningf(ctx, "txn: rollback failed: %s", err)
		}
		return nil
	}

	if err := r.native.Commit(ctx); err != nil {
		outcome := "rolled_back"
		if transient.Tag.In(err) {
			outcome = "conflict"
		}
		commitCount.Add(ctx, 1, outcome)
		if rerr := r.native.Rollback(ctx); rerr != nil {
			logging.Warningf(ctx, "txn: rollback after failed commit failed: %s", rerr)
		}
		return errors.Fmt("txn: committing: %w", err)
	}
	commitCount.Add(ctx, 1, "committed")

	r.postCommit(ctx)
	r.release()

	touched := r.queue.Touched()
	if len(touched) == 0 {
		return nil
	}
	if c := r.engine.opts.Entities; c != nil {
		c.Invalidate(ctx, touched)
	}
	if n := r.engine.opts.Notifier; n != nil {
		if err := n.Notify(ctx, touched); err != nil {
			logging.Warningf(ctx, "txn: failed to notify about %d touched entities: %s", len(touched), err)
		}
	}
	return nil
}

// release gives back type locks taken by the commit protocol.
func (r *root) release() {
	if len(r.locked) > 0 {
		r.engine.opts.Locks.Release(r.locked)
		r.locked = nil
	}
}

// now is the current time according to the context clock.
func now(ctx context.Context) time.Time { return clock.Now(ctx) }
