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
	"strings"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc/codes"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/logging/memlogger"
	"go.chromium.org/luci/common/retry/transient"
	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"
	"go.chromium.org/luci/grpc/grpcutil/testing/grpccode"

	"go.chromium.org/graphtx/caching"
	"go.chromium.org/graphtx/changelog"
	"go.chromium.org/graphtx/graph"
	"go.chromium.org/graphtx/graph/badgerstore"
	"go.chromium.org/graphtx/graph/memory"
	"go.chromium.org/graphtx/notify"
)

func TestScope(t *testing.T) {
	t.Parallel()

	ftt.Run("Without a store", t, func(t *ftt.Test) {
		ctx := context.Background()
		_, _, err := New(Options{}).Begin(ctx)
		assert.Loosely(t, err, should.ErrLike(ErrServiceUnavailable))
		assert.Loosely(t, err, grpccode.ShouldBe(codes.Unavailable))
	})

	ftt.Run("Outside of a transaction", t, func(t *ftt.Test) {
		ctx := context.Background()
		_, err := CreateNode(ctx, "Item", nil)
		assert.Loosely(t, err, should.ErrLike(ErrNoTransaction))
		assert.Loosely(t, err, grpccode.ShouldBe(codes.FailedPrecondition))
		assert.Loosely(t, InTransaction(ctx), should.BeFalse)
	})

	ftt.Run("With an engine", t, func(t *ftt.Test) {
		ctx := context.Background()
		env := newTestEnv(Options{})
		eng := env.engine

		create := func(ctx context.Context, typ string, props graph.Properties) *graph.Entity {
			e, err := CreateNode(ctx, typ, props)
			assert.NoErr(t, err)
			return e
		}
		committed := func(typ string, props graph.Properties) *graph.Entity {
			var e *graph.Entity
			assert.NoErr(t, eng.Run(ctx, func(ctx context.Context) error {
				e = create(ctx, typ, props)
				return nil
			}))
			return e
		}

		t.Run("Nesting commits once at the outermost scope", func(t *ftt.Test) {
			for n := 1; n <= 4; n++ {
				env.rec.reset()
				env.before.Store(0)
				env.after.Store(0)

				var nest func(ctx context.Context, depth int) error
				nest = func(ctx context.Context, depth int) error {
					return eng.Run(ctx, func(ctx context.Context) error {
						if depth > 1 {
							return nest(ctx, depth-1)
						}
						_, err := CreateNode(ctx, "Item", graph.Properties{"name": "x"})
						return err
					})
				}
				assert.NoErr(t, nest(ctx, n))
				assert.Loosely(t, env.before.Load(), should.Equal[int32](1))
				assert.Loosely(t, env.after.Load(), should.Equal[int32](1))
				assert.Loosely(t, env.rec.get(), should.Match([]string{
					"on_creation Item",
					"after_creation Item",
				}))
			}
			assert.Loosely(t, env.store.Len(graph.NodeKind), should.Equal(4))
		})

		t.Run("Nested handles share the transaction", func(t *ftt.Test) {
			tctx, top, err := eng.Begin(ctx)
			assert.NoErr(t, err)
			defer top.Close(tctx)

			nctx, nested, err := eng.Begin(tctx)
			assert.NoErr(t, err)
			assert.Loosely(t, nested.Depth(), should.Equal(2))
			assert.Loosely(t, nested.Queue(), should.Equal(top.Queue()))
			create(nctx, "Item", nil)
			assert.NoErr(t, nested.MarkSuccessful(nctx))
			assert.NoErr(t, nested.Close(nctx))
			assert.NoErr(t, nested.Close(nctx)) // idempotent
			assert.Loosely(t, top.Depth(), should.Equal(1))

			// Nothing is visible before the top-level scope commits.
			assert.Loosely(t, env.store.Len(graph.NodeKind), should.BeZero)
			assert.NoErr(t, top.MarkSuccessful(tctx))
			assert.NoErr(t, top.Close(tctx))
			assert.Loosely(t, env.store.Len(graph.NodeKind), should.Equal(1))
			assert.Loosely(t, InTransaction(tctx), should.BeFalse)
		})

		t.Run("Phase timings outlive the scope", func(t *ftt.Test) {
			tctx, tx, err := eng.Begin(ctx)
			assert.NoErr(t, err)
			create(tctx, "Invoice", graph.Properties{"number": 7001})
			assert.NoErr(t, tx.MarkSuccessful(tctx))
			assert.NoErr(t, tx.Close(tctx))
			assert.Loosely(t, tx.Timings().Validation, should.BeGreaterThan(time.Duration(0)))
		})

		t.Run("Unmarked nested scope makes it rollback-only", func(t *ftt.Test) {
			tctx, top, err := eng.Begin(ctx)
			assert.NoErr(t, err)
			create(tctx, "Item", graph.Properties{"name": "x"})

			nctx, nested, err := eng.Begin(tctx)
			assert.NoErr(t, err)
			assert.NoErr(t, nested.Close(nctx))

			err = top.MarkSuccessful(tctx)
			assert.Loosely(t, err, should.ErrLike(ErrRollbackOnly))
			assert.Loosely(t, err, grpccode.ShouldBe(codes.Aborted))
			assert.NoErr(t, top.Close(tctx))
			assert.Loosely(t, env.store.Len(graph.NodeKind), should.BeZero)
			assert.Loosely(t, env.rec.get(), should.BeEmpty)
		})

		t.Run("Failed callback rolls back", func(t *ftt.Test) {
			boom := errors.New("boom")
			err := eng.Run(ctx, func(ctx context.Context) error {
				create(ctx, "Item", nil)
				return boom
			})
			assert.Loosely(t, err, should.ErrLike(boom))
			assert.Loosely(t, env.store.Len(graph.NodeKind), should.BeZero)
			assert.Loosely(t, env.notifications(), should.BeEmpty)
		})

		t.Run("Scope of another engine can't be joined", func(t *ftt.Test) {
			other := New(Options{Store: env.store})
			assert.NoErr(t, eng.Run(ctx, func(ctx context.Context) error {
				_, _, err := other.Begin(ctx)
				assert.Loosely(t, err, grpccode.ShouldBe(codes.FailedPrecondition))
				return nil
			}))
		})

		t.Run("Dispatch", func(t *ftt.Test) {
			existing := committed("Item", graph.Properties{"name": "x"})
			env.rec.reset()

			cases := []struct {
				name  string
				fn    func(ctx context.Context)
				calls []string
			}{
				{
					"create",
					func(ctx context.Context) { create(ctx, "Item", graph.Properties{"name": "n"}) },
					[]string{"on_creation Item", "after_creation Item"},
				},
				{
					"create+modify",
					func(ctx context.Context) {
						e := create(ctx, "Item", graph.Properties{"name": "n"})
						assert.NoErr(t, SetProperty(ctx, e, "name", "m"))
					},
					[]string{"on_creation Item", "after_creation Item"},
				},
				{
					"create+delete",
					func(ctx context.Context) {
						assert.NoErr(t, Delete(ctx, create(ctx, "Item", nil)))
					},
					nil,
				},
				{
					"create+modify+delete",
					func(ctx context.Context) {
						e := create(ctx, "Item", nil)
						assert.NoErr(t, SetProperty(ctx, e, "name", "m"))
						assert.NoErr(t, Delete(ctx, e))
					},
					nil,
				},
				{
					"modify",
					func(ctx context.Context) {
						assert.NoErr(t, SetProperty(ctx, existing, "name", "y"))
						assert.NoErr(t, SetProperty(ctx, existing, "name", "z"))
					},
					[]string{"on_modification Item", "after_modification Item"},
				},
				{
					"modify+delete",
					func(ctx context.Context) {
						assert.NoErr(t, SetProperty(ctx, existing, "name", "y"))
						assert.NoErr(t, Delete(ctx, existing))
					},
					[]string{"on_deletion Item y", "after_deletion Item y"},
				},
				{
					"delete",
					func(ctx context.Context) { assert.NoErr(t, Delete(ctx, existing)) },
					[]string{"on_deletion Item x", "after_deletion Item x"},
				},
				{
					"no net change",
					func(ctx context.Context) {
						assert.NoErr(t, SetProperty(ctx, existing, "name", "x"))
					},
					nil,
				},
			}
			for _, c := range cases {
				t.Run(c.name, func(t *ftt.Test) {
					assert.NoErr(t, eng.Run(ctx, func(ctx context.Context) error {
						c.fn(ctx)
						return nil
					}))
					if c.calls == nil {
						assert.Loosely(t, env.rec.get(), should.BeEmpty)
					} else {
						assert.Loosely(t, env.rec.get(), should.Match(c.calls))
					}
				})
			}
		})

		t.Run("Create then delete leaves no trace", func(t *ftt.Test) {
			var uuid string
			assert.NoErr(t, eng.Run(ctx, func(ctx context.Context) error {
				e := create(ctx, "Item", graph.Properties{"name": "ghost"})
				uuid = e.UUID
				return Delete(ctx, e)
			}))
			assert.Loosely(t, env.rec.get(), should.BeEmpty)
			assert.Loosely(t, env.store.Len(graph.NodeKind), should.BeZero)

			entries, err := env.sink.Read(ctx, uuid)
			assert.NoErr(t, err)
			assert.Loosely(t, entries, should.BeEmpty)

			assert.NoErr(t, eng.Run(ctx, func(ctx context.Context) error {
				found, err := Find(ctx, "Item", "name", "ghost")
				assert.NoErr(t, err)
				assert.Loosely(t, found, should.BeEmpty)
				return nil
			}))
		})

		t.Run("Deleting a node deletes its relationships passively", func(t *ftt.Test) {
			var a, b *graph.Entity
			assert.NoErr(t, eng.Run(ctx, func(ctx context.Context) error {
				a = create(ctx, "Item", graph.Properties{"name": "a"})
				b = create(ctx, "Item", graph.Properties{"name": "b"})
				_, err := CreateRelationship(ctx, "LINKS", a, b, nil)
				return err
			}))
			env.rec.reset()

			assert.NoErr(t, eng.Run(ctx, func(ctx context.Context) error {
				return Delete(ctx, a)
			}))
			assert.Loosely(t, env.rec.get(), should.Match([]string{
				"on_deletion Item a",
				"after_deletion Item a",
			}))
			assert.Loosely(t, env.store.Len(graph.RelationshipKind), should.BeZero)
			assert.Loosely(t, env.store.Len(graph.NodeKind), should.Equal(1))
		})

		t.Run("Inner hooks cascade", func(t *ftt.Test) {
			committed("Parent", nil)
			assert.Loosely(t, env.rec.get(), should.Match([]string{
				"on_creation Parent",
				"on_creation Item",
				"after_creation Item",
			}))
			assert.Loosely(t, env.store.Len(graph.NodeKind), should.Equal(2))
		})

		t.Run("Validation reports every fault", func(t *ftt.Test) {
			err := eng.Run(ctx, func(ctx context.Context) error {
				create(ctx, "Invoice", nil)
				create(ctx, "Invoice", graph.Properties{"total": 1})
				return nil
			})
			assert.Loosely(t, err, grpccode.ShouldBe(codes.InvalidArgument))
			faults := Faults(err)
			assert.Loosely(t, faults, should.HaveLength(2))
			for _, f := range faults {
				assert.Loosely(t, f.Token, should.Equal(graph.TokenMustNotBeEmpty))
				assert.Loosely(t, f.Key, should.Equal("number"))
			}
			assert.Loosely(t, env.store.Len(graph.NodeKind), should.BeZero)
			// Inner hooks ran, after-hooks didn't.
			assert.Loosely(t, env.rec.get(), should.Match([]string{
				"on_creation Invoice",
				"on_creation Invoice",
			}))
		})

		t.Run("Inner hook faults abort before locking", func(t *ftt.Test) {
			err := eng.Run(ctx, func(ctx context.Context) error {
				create(ctx, "Guarded", nil)
				create(ctx, "Invoice", graph.Properties{"number": "INV-9"})
				return nil
			})
			faults := Faults(err)
			assert.Loosely(t, faults, should.HaveLength(1))
			assert.Loosely(t, faults[0].Token, should.Equal(graph.TokenInvalid))
			acquired, _ := env.locks.sets()
			assert.Loosely(t, acquired, should.BeEmpty)
		})

		t.Run("Lock discipline", func(t *ftt.Test) {
			t.Run("Unique keys lock their type", func(t *ftt.Test) {
				committed("Invoice", graph.Properties{"number": "INV-1"})
				acquired, released := env.locks.sets()
				assert.Loosely(t, acquired, should.Match([][]string{{"Invoice"}}))
				assert.Loosely(t, released, should.Match(acquired))
			})

			t.Run("Supplied ids lock the identifier type", func(t *ftt.Test) {
				committed("Item", graph.Properties{graph.IDKey: "custom"})
				acquired, released := env.locks.sets()
				assert.Loosely(t, acquired, should.Match([][]string{{IdentifierType}}))
				assert.Loosely(t, released, should.Match(acquired))
			})

			t.Run("Plain keys take no locks", func(t *ftt.Test) {
				committed("Item", graph.Properties{"name": "x"})
				acquired, released := env.locks.sets()
				assert.Loosely(t, acquired, should.BeEmpty)
				assert.Loosely(t, released, should.BeEmpty)
			})

			t.Run("Locks are released on faults", func(t *ftt.Test) {
				err := eng.Run(ctx, func(ctx context.Context) error {
					create(ctx, "Invoice", graph.Properties{"number": "INV-2"})
					create(ctx, "Invoice", graph.Properties{"number": "INV-2", graph.IDKey: "inv"})
					return nil
				})
				faults := Faults(err)
				assert.Loosely(t, faults, should.HaveLength(2))
				assert.Loosely(t, faults[0].Token, should.Equal(graph.TokenAlreadyTaken))

				acquired, released := env.locks.sets()
				assert.Loosely(t, acquired, should.Match([][]string{{"Invoice", IdentifierType}}))
				assert.Loosely(t, released, should.Match(acquired))
				assert.Loosely(t, env.locks.TryAcquire([]string{"Invoice", IdentifierType}), should.BeTrue)
			})
		})

		t.Run("Duplicate supplied ids are rejected", func(t *ftt.Test) {
			committed("Item", graph.Properties{graph.IDKey: "dup"})
			err := eng.Run(ctx, func(ctx context.Context) error {
				create(ctx, "Item", graph.Properties{graph.IDKey: "dup"})
				found, err := ByUUID(ctx, "dup")
				assert.NoErr(t, err)
				assert.Loosely(t, found, should.HaveLength(2))
				return nil
			})
			faults := Faults(err)
			assert.Loosely(t, faults, should.HaveLength(1))
			assert.Loosely(t, faults[0].Key, should.Equal(graph.IDKey))
			assert.Loosely(t, faults[0].Token, should.Equal(graph.TokenAlreadyTaken))
		})

		t.Run("Bad ids", func(t *ftt.Test) {
			assert.NoErr(t, eng.Run(ctx, func(ctx context.Context) error {
				_, err := CreateNode(ctx, "Item", graph.Properties{graph.IDKey: 5})
				assert.Loosely(t, err, grpccode.ShouldBe(codes.InvalidArgument))
				e := create(ctx, "Item", nil)
				assert.Loosely(t, SetProperty(ctx, e, graph.IDKey, "x"), should.ErrLike(ErrImmutableKey))
				id, err := Property(ctx, e, graph.IDKey)
				assert.NoErr(t, err)
				assert.Loosely(t, id, should.Equal[any](e.UUID))
				assert.Loosely(t, e.UUID, should.HaveLength(32))
				return nil
			}))
		})

		t.Run("Post-process tasks", func(t *ftt.Test) {
			var ran []string
			task := func(name string) func(context.Context) error {
				return func(context.Context) error {
					ran = append(ran, name)
					return nil
				}
			}

			t.Run("Run once per key in order", func(t *ftt.Test) {
				assert.NoErr(t, eng.Run(ctx, func(ctx context.Context) error {
					create(ctx, "Item", nil)
					for _, key := range []string{"b", "a", "b"} {
						if _, err := PostProcess(ctx, key, task(key)); err != nil {
							return err
						}
					}
					return nil
				}))
				assert.Loosely(t, ran, should.Match([]string{"b", "a"}))
			})

			t.Run("A failing task aborts", func(t *ftt.Test) {
				err := eng.Run(ctx, func(ctx context.Context) error {
					create(ctx, "Item", nil)
					_, err := PostProcess(ctx, "fail", func(context.Context) error {
						return errors.New("bad index")
					})
					return err
				})
				assert.Loosely(t, err, should.ErrLike(`post-process task "fail": bad index`))
				assert.Loosely(t, env.store.Len(graph.NodeKind), should.BeZero)
			})
		})

		t.Run("Commit conflicts surface as transient errors", func(t *ftt.Test) {
			env.flaky.failAt[1] = true
			err := eng.Run(ctx, func(ctx context.Context) error {
				create(ctx, "Item", nil)
				return nil
			})
			assert.Loosely(t, err, should.ErrLike(graph.ErrConflict))
			assert.Loosely(t, transient.Tag.In(err), should.BeTrue)
			assert.Loosely(t, env.store.Len(graph.NodeKind), should.BeZero)
			assert.Loosely(t, env.rec.get(), should.Match([]string{"on_creation Item"}))
		})

		t.Run("After-hooks are retried on conflicts", func(t *ftt.Test) {
			// Commit #1 is the main transaction, #2 the first attempt of the
			// after-hooks transaction.
			env.flaky.failAt[2] = true
			e := committed("Audited", nil)
			assert.Loosely(t, env.rec.get(), should.Match([]string{
				"after_creation Audited",
				"after_creation Audited",
			}))
			assert.NoErr(t, eng.Run(ctx, func(ctx context.Context) error {
				v, err := Property(ctx, e, "audited")
				assert.NoErr(t, err)
				assert.Loosely(t, v, should.Equal[any](true))
				return nil
			}))
		})

		t.Run("After-hook writes commit without listener calls", func(t *ftt.Test) {
			var events []*Event
			eng.AddListener(ListenerFuncs{
				After: func(ctx context.Context, ev []*Event) { events = ev },
			})
			e := committed("Audited", nil)
			assert.Loosely(t, env.before.Load(), should.Equal[int32](1))
			assert.Loosely(t, env.after.Load(), should.Equal[int32](1))
			assert.Loosely(t, events, should.HaveLength(1))
			assert.Loosely(t, events[0].Entity.ID, should.Equal(e.ID))
			assert.Loosely(t, events[0].Pending, should.Equal(PendingCreated))
			assert.NoErr(t, eng.Run(ctx, func(ctx context.Context) error {
				v, err := Property(ctx, e, "audited")
				assert.NoErr(t, err)
				assert.Loosely(t, v, should.Equal[any](true))
				return nil
			}))
			assert.Loosely(t, verbs(mustRead(t, env, e.UUID)), should.Match([]changelog.Verb{
				changelog.Create,
				changelog.Change,
			}))

			t.Run("Opt outs carry over", func(t *ftt.Test) {
				env.before.Store(0)
				env.after.Store(0)
				events = nil
				tctx, tx, err := eng.Begin(ctx)
				assert.NoErr(t, err)
				tx.DisableNotifications()
				tx.DisableChangelog()
				e := create(tctx, "Audited", nil)
				assert.NoErr(t, tx.MarkSuccessful(tctx))
				assert.NoErr(t, tx.Close(tctx))
				assert.Loosely(t, env.before.Load(), should.Equal[int32](1))
				assert.Loosely(t, env.after.Load(), should.BeZero)
				assert.Loosely(t, events, should.BeNil)
				assert.Loosely(t, mustRead(t, env, e.UUID), should.BeEmpty)
			})
		})

		t.Run("After-hooks never wait for locks out of order", func(t *ftt.Test) {
			count := func(call string) (n int) {
				for _, c := range env.rec.get() {
					if c == call {
						n++
					}
				}
				return
			}
			invoices := func(number string) []*graph.Entity {
				var found []*graph.Entity
				assert.NoErr(t, eng.Run(ctx, func(ctx context.Context) (err error) {
					found, err = Find(ctx, "Invoice", "number", number)
					return err
				}))
				return found
			}

			// The after-hook needs "Invoice" while "Ledger" is held.
			assert.Loosely(t, env.locks.TryAcquire([]string{"Invoice"}), should.BeTrue)
			committed("Ledger", graph.Properties{"code": "L-1"})
			assert.Loosely(t, count("after_creation Ledger"), should.Equal(4))
			assert.Loosely(t, invoices("L-1"), should.BeEmpty)
			env.locks.Release([]string{"Invoice"})

			env.rec.reset()
			committed("Ledger", graph.Properties{"code": "L-2"})
			assert.Loosely(t, count("after_creation Ledger"), should.Equal(1))
			assert.Loosely(t, invoices("L-2"), should.HaveLength(1))
			assert.Loosely(t, env.locks.TryAcquire([]string{"Invoice", "Ledger"}), should.BeTrue)
		})

		t.Run("Listeners and notifications", func(t *ftt.Test) {
			var events []*Event
			eng.AddListener(ListenerFuncs{
				After: func(ctx context.Context, ev []*Event) { events = ev },
			})
			e := committed("Item", graph.Properties{"name": "x"})
			assert.Loosely(t, events, should.HaveLength(1))
			assert.Loosely(t, events[0].Pending, should.Equal(PendingCreated))
			assert.Loosely(t, events[0].Modifications.After, should.Match(graph.Properties{"name": "x"}))
			assert.Loosely(t, env.notifications(), should.Match([][]int64{{e.ID}}))

			t.Run("Opt out", func(t *ftt.Test) {
				events = nil
				tctx, tx, err := eng.Begin(ctx)
				assert.NoErr(t, err)
				tx.DisableNotifications()
				tx.DisableChangelog()
				e := create(tctx, "Item", nil)
				assert.NoErr(t, tx.MarkSuccessful(tctx))
				assert.NoErr(t, tx.Close(tctx))
				assert.Loosely(t, events, should.BeNil)
				entries, err := env.sink.Read(ctx, e.UUID)
				assert.NoErr(t, err)
				assert.Loosely(t, entries, should.BeEmpty)
			})
		})

		t.Run("Request cache is cleared after commit", func(t *ftt.Test) {
			ctx := caching.WithRequestCache(ctx, 10)
			caching.RequestCache(ctx).Put(ctx, caching.Key{ID: 1, Name: "fullName"}, "A B", 0)
			err := eng.Run(ctx, func(ctx context.Context) error {
				create(ctx, "Item", nil)
				return nil
			})
			assert.NoErr(t, err)
			assert.Loosely(t, caching.RequestCache(ctx).Len(), should.BeZero)
		})

		t.Run("Modification queries", func(t *ftt.Test) {
			e := committed("Item", graph.Properties{"name": "x", "color": "red"})
			assert.NoErr(t, eng.Run(ctx, func(ctx context.Context) error {
				assert.NoErr(t, SetProperties(ctx, e, graph.Properties{"name": "y", "color": nil, "size": 3}))

				modified, err := IsPropertyModified(ctx, e, "name")
				assert.NoErr(t, err)
				assert.Loosely(t, modified, should.BeTrue)
				modified, err = IsPropertyModified(ctx, e, "other")
				assert.NoErr(t, err)
				assert.Loosely(t, modified, should.BeFalse)

				m, err := GetModifications(ctx, e)
				assert.NoErr(t, err)
				assert.Loosely(t, m.Before, should.Match(graph.Properties{"name": "x", "color": "red"}))
				assert.Loosely(t, m.After, should.Match(graph.Properties{"name": "y", "size": 3}))
				assert.Loosely(t, m.Added, should.Match([]string{"size"}))
				assert.Loosely(t, m.Removed, should.Match([]string{"color"}))
				return nil
			}))
		})

		t.Run("Owner and security changes fire no hooks", func(t *ftt.Test) {
			owner := committed("Item", graph.Properties{"name": "owner"})
			e := committed("Item", graph.Properties{"name": "x"})
			env.rec.reset()
			assert.NoErr(t, eng.Run(ctx, func(ctx context.Context) error {
				assert.NoErr(t, SetOwner(ctx, e, owner))
				assert.NoErr(t, MarkSecurityModified(ctx, e))
				return SetCallbackID(ctx, e, "req-1")
			}))
			assert.Loosely(t, env.rec.get(), should.BeEmpty)

			entries, err := env.sink.Read(ctx, e.UUID)
			assert.NoErr(t, err)
			assert.Loosely(t, entries, should.HaveLength(2))
			assert.Loosely(t, entries[1].Verb, should.Equal(changelog.Change))
			assert.Loosely(t, entries[1].Key, should.Equal(OwnerKey))
			assert.Loosely(t, entries[1].Value, should.Equal[any](owner.UUID))
		})

		t.Run("Too many callbacks log a warning", func(t *ftt.Test) {
			ctx := memlogger.Use(ctx)
			log := logging.Get(ctx).(*memlogger.MemLogger)
			eng := newTestEnv(Options{CallbackWarnThreshold: 2}).engine
			assert.NoErr(t, eng.Run(ctx, func(ctx context.Context) error {
				for i := 0; i < 3; i++ {
					create(ctx, "Item", nil)
				}
				return nil
			}))
			warnings := 0
			for _, m := range log.Messages() {
				if m.Level == logging.Warning && strings.Contains(m.Msg, "lifecycle callbacks") {
					warnings++
				}
			}
			assert.Loosely(t, warnings, should.Equal(1))
		})
	})
}

func TestScenarios(t *testing.T) {
	t.Parallel()

	ftt.Run("Create then modify in one transaction", t, func(t *ftt.Test) {
		ctx := context.Background()
		env := newTestEnv(Options{})

		var a *graph.Entity
		assert.NoErr(t, env.engine.Run(ctx, func(ctx context.Context) (err error) {
			if a, err = CreateNode(ctx, "Item", graph.Properties{"name": "x"}); err != nil {
				return err
			}
			return SetProperty(ctx, a, "name", "y")
		}))

		assert.Loosely(t, env.rec.get(), should.Match([]string{
			"on_creation Item",
			"after_creation Item",
		}))
		assert.NoErr(t, env.engine.Run(ctx, func(ctx context.Context) error {
			v, err := Property(ctx, a, "name")
			assert.NoErr(t, err)
			assert.Loosely(t, v, should.Equal[any]("y"))
			return nil
		}))

		entries, err := env.sink.Read(ctx, a.UUID)
		assert.NoErr(t, err)
		assert.Loosely(t, entries, should.HaveLength(1))
		assert.Loosely(t, entries[0].Verb, should.Equal(changelog.Create))
		assert.Loosely(t, entries[0].Properties, should.Match(graph.Properties{"name": "y"}))
	})

	ftt.Run("Concurrent invoices with the same number", t, func(t *ftt.Test) {
		ctx := context.Background()
		env := newTestEnv(Options{})

		errs := make([]error, 2)
		start := make(chan struct{})
		var wg sync.WaitGroup
		for i := range errs {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				errs[i] = env.engine.Run(ctx, func(ctx context.Context) error {
					_, err := CreateNode(ctx, "Invoice", graph.Properties{"number": "INV-1"})
					return err
				})
			}()
		}
		close(start)
		wg.Wait()

		var ok, rejected int
		for _, err := range errs {
			switch faults := Faults(err); {
			case err == nil:
				ok++
			case len(faults) == 1 && faults[0].Token == graph.TokenAlreadyTaken:
				rejected++
			default:
				assert.NoErr(t, err)
			}
		}
		assert.Loosely(t, ok, should.Equal(1))
		assert.Loosely(t, rejected, should.Equal(1))
		assert.Loosely(t, env.maxInside.Load(), should.Equal[int32](1))
		assert.Loosely(t, env.store.Len(graph.NodeKind), should.Equal(1))
	})
}

func TestInstances(t *testing.T) {
	t.Parallel()

	ftt.Run("Overlapping invoices on a durable store", t, func(t *ftt.Test) {
		ctx := context.Background()
		store, err := badgerstore.Open(ctx, badgerstore.Options{InMemory: true})
		assert.NoErr(t, err)
		defer store.Close()
		eng := newTestEnv(Options{Store: store}).engine

		// Both transactions start before either commits.
		actx, a, err := eng.Begin(ctx)
		assert.NoErr(t, err)
		bctx, b, err := eng.Begin(ctx)
		assert.NoErr(t, err)
		_, err = CreateNode(actx, "Invoice", graph.Properties{"number": "INV-1"})
		assert.NoErr(t, err)
		_, err = CreateNode(bctx, "Invoice", graph.Properties{"number": "INV-1"})
		assert.NoErr(t, err)

		assert.NoErr(t, a.MarkSuccessful(actx))
		assert.NoErr(t, a.Close(actx))

		faults := Faults(b.MarkSuccessful(bctx))
		assert.Loosely(t, faults, should.HaveLength(1))
		assert.Loosely(t, faults[0].Key, should.Equal("number"))
		assert.Loosely(t, faults[0].Token, should.Equal(graph.TokenAlreadyTaken))
		assert.NoErr(t, b.Close(bctx))

		assert.NoErr(t, eng.Run(ctx, func(ctx context.Context) error {
			found, err := Find(ctx, "Invoice", "number", "INV-1")
			assert.NoErr(t, err)
			assert.Loosely(t, found, should.HaveLength(1))
			return nil
		}))
	})

	ftt.Run("Entity caches of two instances", t, func(t *ftt.Test) {
		ctx := context.Background()
		store := memory.New()
		bus := &notify.Local{}
		instance := func() *Engine {
			ents := caching.NewEntities(100)
			bus.Subscribe(ents.Invalidate)
			return New(Options{Store: store, Notifier: bus, Entities: ents})
		}
		a, b := instance(), instance()

		var e *graph.Entity
		assert.NoErr(t, a.Run(ctx, func(ctx context.Context) (err error) {
			e, err = CreateNode(ctx, "Item", graph.Properties{"name": "x"})
			return err
		}))
		for _, eng := range []*Engine{a, b} {
			eng.Entities().Put(ctx, e.ID, "label", "x", 0)
		}
		b.Entities().Put(ctx, e.ID+1, "label", "other", 0)

		assert.NoErr(t, a.Run(ctx, func(ctx context.Context) error {
			return SetProperty(ctx, e, "name", "y")
		}))
		for _, eng := range []*Engine{a, b} {
			_, ok := eng.Entities().Get(ctx, e.ID, "label")
			assert.Loosely(t, ok, should.BeFalse)
		}
		_, ok := b.Entities().Get(ctx, e.ID+1, "label")
		assert.Loosely(t, ok, should.BeTrue)
	})
}

func mustRead(t *ftt.Test, env *testEnv, uuid string) []*changelog.Entry {
	t.Helper()
	entries, err := env.sink.Read(context.Background(), uuid)
	assert.NoErr(t, err)
	return entries
}
