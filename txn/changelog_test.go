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
	"testing"

	"github.com/google/go-cmp/cmp/cmpopts"

	"go.chromium.org/luci/auth/identity"
	"go.chromium.org/luci/common/clock/testclock"
	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"

	"go.chromium.org/graphtx/changelog"
	"go.chromium.org/graphtx/graph"
	"go.chromium.org/graphtx/graph/badgerstore"
)

func verbs(entries []*changelog.Entry) []changelog.Verb {
	out := make([]changelog.Verb, len(entries))
	for i, e := range entries {
		out[i] = e.Verb
	}
	return out
}

func TestChangelog(t *testing.T) {
	t.Parallel()

	ftt.Run("Changelog", t, func(t *ftt.Test) {
		ctx, _ := testclock.UseTime(context.Background(), testclock.TestRecentTimeUTC)
		const alice = identity.Identity("user:alice@example.com")
		ctx = WithUser(ctx, alice, "Alice")
		env := newTestEnv(Options{})
		eng := env.engine

		read := func(uuid string) []*changelog.Entry {
			entries, err := env.sink.Read(ctx, uuid)
			assert.NoErr(t, err)
			return entries
		}

		t.Run("Creation comes first in the object log", func(t *ftt.Test) {
			var a, b, rel *graph.Entity
			assert.NoErr(t, eng.Run(ctx, func(ctx context.Context) (err error) {
				if b, err = CreateNode(ctx, "Item", graph.Properties{"name": "b"}); err != nil {
					return err
				}
				if a, err = CreateNode(ctx, "Item", graph.Properties{"name": "x", "secret": "s3"}); err != nil {
					return err
				}
				rel, err = CreateRelationship(ctx, "LINKS", a, b, nil)
				return err
			}))
			assert.NoErr(t, eng.Run(ctx, func(ctx context.Context) error {
				return SetProperty(ctx, a, "name", "y")
			}))
			assert.NoErr(t, eng.Run(ctx, func(ctx context.Context) error {
				return Delete(ctx, a)
			}))

			entries := read(a.UUID)
			assert.Loosely(t, verbs(entries), should.Match([]changelog.Verb{
				changelog.Create,
				changelog.Link,
				changelog.Change,
				changelog.Unlink,
				changelog.Delete,
			}))

			create := entries[0]
			assert.Loosely(t, create.Properties, should.Match(graph.Properties{"name": "x"}))
			assert.Loosely(t, create.Target, should.Equal(a.UUID))
			assert.Loosely(t, create.Type, should.Equal("Item"))
			assert.Loosely(t, create.UserID, should.Equal(string(alice)))
			assert.Loosely(t, create.UserName, should.Equal("Alice"))
			assert.Loosely(t, create.Time.Equal(testclock.TestRecentTimeUTC), should.BeTrue)

			link := entries[1]
			assert.Loosely(t, link.RelType, should.Equal("LINKS"))
			assert.Loosely(t, link.Other, should.Equal(b.UUID))
			assert.Loosely(t, link.Direction, should.Equal(changelog.Out))

			assert.Loosely(t, entries[2], should.Match(&changelog.Entry{
				UserID:   string(alice),
				UserName: "Alice",
				Verb:     changelog.Change,
				Target:   a.UUID,
				Type:     "Item",
				Key:      "name",
				Previous: "x",
				Value:    "y",
			}, cmpopts.IgnoreFields(changelog.Entry{}, "Time")))

			assert.Loosely(t, verbs(read(b.UUID)), should.Match([]changelog.Verb{
				changelog.Create,
				changelog.Link,
				changelog.Unlink,
			}))
			assert.Loosely(t, read(b.UUID)[1].Direction, should.Equal(changelog.In))

			// Relationships are logged on their endpoints only.
			assert.Loosely(t, read(rel.UUID), should.BeEmpty)

			userLog, err := env.sink.ReadUser(ctx, string(alice))
			assert.NoErr(t, err)
			assert.Loosely(t, userLog, should.HaveLength(len(read(a.UUID))+len(read(b.UUID))))
		})

		t.Run("Hidden keys are not logged", func(t *ftt.Test) {
			e := committedItem(t, ctx, eng, graph.Properties{"name": "x"})
			assert.NoErr(t, eng.Run(ctx, func(ctx context.Context) error {
				return SetProperties(ctx, e, graph.Properties{"secret": "s", "name": "y"})
			}))
			entries := read(e.UUID)
			assert.Loosely(t, verbs(entries), should.Match([]changelog.Verb{changelog.Create, changelog.Change}))
			assert.Loosely(t, entries[1].Key, should.Equal("name"))
		})

		t.Run("Every write is a change entry", func(t *ftt.Test) {
			e := committedItem(t, ctx, eng, nil)
			assert.NoErr(t, eng.Run(ctx, func(ctx context.Context) error {
				for _, v := range []string{"a", "b", "c"} {
					if err := SetProperty(ctx, e, "name", v); err != nil {
						return err
					}
				}
				return nil
			}))
			entries := read(e.UUID)
			assert.Loosely(t, entries, should.HaveLength(4))
			assert.Loosely(t, entries[3].Previous, should.Equal[any]("b"))
			assert.Loosely(t, entries[3].Value, should.Equal[any]("c"))
		})

		t.Run("Rejected transactions log nothing", func(t *ftt.Test) {
			var uuid string
			err := eng.Run(ctx, func(ctx context.Context) error {
				e, err := CreateNode(ctx, "Invoice", nil)
				uuid = e.UUID
				return err
			})
			assert.Loosely(t, Faults(err), should.HaveLength(1))
			assert.Loosely(t, read(uuid), should.BeEmpty)
		})
	})
}

func TestDurableChangelog(t *testing.T) {
	t.Parallel()

	ftt.Run("User log on badger keeps every creation", t, func(t *ftt.Test) {
		ctx, _ := testclock.UseTime(context.Background(), testclock.TestRecentTimeUTC)
		const bob = identity.Identity("user:bob@example.com")
		ctx = WithUser(ctx, bob, "Bob")

		store, err := badgerstore.Open(ctx, badgerstore.Options{InMemory: true})
		assert.NoErr(t, err)
		defer store.Close()
		sink, err := changelog.NewBadgerSink(store.DB())
		assert.NoErr(t, err)
		defer sink.Close()
		eng := newTestEnv(Options{Store: store, Changelog: sink}).engine

		var created []string
		assert.NoErr(t, eng.Run(ctx, func(ctx context.Context) error {
			for _, name := range []string{"a", "b"} {
				e, err := CreateNode(ctx, "Item", graph.Properties{"name": name})
				if err != nil {
					return err
				}
				created = append(created, e.UUID)
			}
			return nil
		}))
		created = append(created, committedItem(t, ctx, eng, graph.Properties{"name": "c"}).UUID)

		userLog, err := sink.ReadUser(ctx, string(bob))
		assert.NoErr(t, err)
		assert.Loosely(t, verbs(userLog), should.Match([]changelog.Verb{
			changelog.Create,
			changelog.Create,
			changelog.Create,
		}))
		targets := make([]string, len(userLog))
		for i, e := range userLog {
			targets[i] = e.Target
		}
		assert.Loosely(t, targets, should.Match(created))
	})
}

func committedItem(t *ftt.Test, ctx context.Context, eng *Engine, props graph.Properties) *graph.Entity {
	t.Helper()
	var e *graph.Entity
	assert.NoErr(t, eng.Run(ctx, func(ctx context.Context) (err error) {
		e, err = CreateNode(ctx, "Item", props)
		return err
	}))
	return e
}
