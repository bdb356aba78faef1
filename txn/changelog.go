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

	"go.chromium.org/luci/auth/identity"
	"go.chromium.org/luci/common/errors"

	"go.chromium.org/graphtx/changelog"
	"go.chromium.org/graphtx/graph"
)

type userKeyType struct{}

var userKey = userKeyType{}

type user struct {
	id   identity.Identity
	name string
}

// WithUser sets the acting user recorded in changelog entries.
func WithUser(ctx context.Context, id identity.Identity, name string) context.Context {
	return context.WithValue(ctx, userKey, &user{id: id, name: name})
}

// assembleChangelog builds the changelog batch of the transaction.
//
// It runs before the native commit since creation entries carry a snapshot of
// the final properties.
func (r *root) assembleChangelog(ctx context.Context) (*changelog.Batch, error) {
	reg := r.engine.opts.Schema
	u, _ := ctx.Value(userKey).(*user)
	perUser := u != nil && r.engine.opts.UserChangelog

	b := &changelog.Batch{}
	add := func(target *graph.Entity, e *changelog.Entry) {
		e.Target = target.UUID
		e.Type = target.Type
		if u != nil {
			e.UserID = string(u.id)
			e.UserName = u.name
		}
		b.AddObject(target.UUID, e)
		if perUser {
			b.AddUser(string(u.id), e)
		}
	}
	changes := func(s *State) {
		for _, c := range s.changes {
			if reg.Public(s.entity.Type, c.key) {
				add(s.entity, &changelog.Entry{
					Time:     c.when,
					Verb:     changelog.Change,
					Key:      c.key,
					Previous: c.previous,
					Value:    c.value,
				})
			}
		}
	}

	for _, s := range r.queue.states {
		e := s.entity
		created, deleted := s.status.Has(Created), s.status.Has(Deleted)

		if e.IsNode() {
			switch {
			case created && deleted:
			case created:
				props, err := r.native.Properties(ctx, e.Ref)
				if err != nil {
					return nil, errors.Fmt("txn: changelog of %s: %w", e, err)
				}
				add(e, &changelog.Entry{
					Time:       s.created,
					Verb:       changelog.Create,
					Properties: r.public(e.Type, props),
				})
			case deleted:
				add(e, &changelog.Entry{Time: s.deletedAt, Verb: changelog.Delete})
			default:
				changes(s)
			}
			continue
		}

		switch {
		case created && deleted:
		case created, deleted:
			verb, when := changelog.Link, s.created
			if deleted {
				verb, when = changelog.Unlink, s.deletedAt
			}
			add(s.start, &changelog.Entry{
				Time:      when,
				Verb:      verb,
				RelType:   e.Type,
				Other:     s.end.UUID,
				Direction: changelog.Out,
			})
			add(s.end, &changelog.Entry{
				Time:      when,
				Verb:      verb,
				RelType:   e.Type,
				Other:     s.start.UUID,
				Direction: changelog.In,
			})
		default:
			changes(s)
		}
	}
	return b, nil
}

// public drops keys hidden from snapshots.
func (r *root) public(typ string, props graph.Properties) graph.Properties {
	reg := r.engine.opts.Schema
	out := make(graph.Properties, len(props))
	for k, v := range props {
		if v != nil && reg.Public(typ, k) {
			out[k] = v
		}
	}
	return out
}
