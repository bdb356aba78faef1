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
	"sort"
	"strings"

	"github.com/google/uuid"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/grpc/grpcutil"

	"go.chromium.org/graphtx/graph"
)

// OwnerKey is the property holding the UUID of an object's owner.
const OwnerKey = "owner"

// NewUUID generates an entity UUID: 32 lowercase hex digits.
func NewUUID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// split separates the caller supplied UUID from regular properties.
//
// Returns the properties without nil values and their sorted keys.
func split(props graph.Properties) (id string, supplied bool, rest graph.Properties, keys []string, err error) {
	rest = make(graph.Properties, len(props))
	for k, v := range props {
		switch {
		case k == graph.IDKey:
			s, ok := v.(string)
			if !ok || s == "" {
				return "", false, nil, nil, grpcutil.InvalidArgumentTag.Apply(
					errors.Fmt("txn: %q must be a non-empty string, got %v", graph.IDKey, v))
			}
			id, supplied = s, true
		case v != nil:
			rest[k] = v
			keys = append(keys, k)
		}
	}
	if !supplied {
		id = NewUUID()
	}
	sort.Strings(keys)
	return
}

// CreateNode creates a node in the transaction carried by ctx.
//
// If props has a string under graph.IDKey, it becomes the node's UUID.
func CreateNode(ctx context.Context, typ string, props graph.Properties) (*graph.Entity, error) {
	r, err := active(ctx)
	if err != nil {
		return nil, err
	}
	id, supplied, rest, keys, err := split(props)
	if err != nil {
		return nil, err
	}
	e, err := r.native.CreateNode(ctx, typ, id, rest)
	if err != nil {
		return nil, errors.Fmt("txn: creating %s node: %w", typ, err)
	}
	s := r.queue.state(ctx, e)
	s.uuidSupplied = supplied
	s.create()
	s.initial(rest, keys)
	return e, nil
}

// CreateRelationship creates a relationship from start to end.
func CreateRelationship(ctx context.Context, typ string, start, end *graph.Entity, props graph.Properties) (*graph.Entity, error) {
	r, err := active(ctx)
	if err != nil {
		return nil, err
	}
	if !start.IsNode() || !end.IsNode() {
		return nil, grpcutil.InvalidArgumentTag.Apply(
			errors.Fmt("txn: %s must connect two nodes, got %s and %s", typ, start, end))
	}
	id, supplied, rest, keys, err := split(props)
	if err != nil {
		return nil, err
	}
	e, err := r.native.CreateRelationship(ctx, typ, id, start.ID, end.ID, rest)
	if err != nil {
		return nil, errors.Fmt("txn: creating %s relationship: %w", typ, err)
	}
	s := r.queue.state(ctx, e)
	s.uuidSupplied = supplied
	s.start, s.end = start, end
	s.create()
	s.initial(rest, keys)
	r.queue.touch(start.ID)
	r.queue.touch(end.ID)
	return e, nil
}

// Get loads an entity.
func Get(ctx context.Context, ref graph.Ref) (*graph.Entity, error) {
	r, err := active(ctx)
	if err != nil {
		return nil, err
	}
	return r.native.Get(ctx, ref)
}

// Property reads a property, nil if absent.
func Property(ctx context.Context, e *graph.Entity, key string) (any, error) {
	r, err := active(ctx)
	if err != nil {
		return nil, err
	}
	if key == graph.IDKey {
		return e.UUID, nil
	}
	return r.native.Property(ctx, e.Ref, key)
}

// Properties reads all properties.
func Properties(ctx context.Context, e *graph.Entity) (graph.Properties, error) {
	r, err := active(ctx)
	if err != nil {
		return nil, err
	}
	return r.native.Properties(ctx, e.Ref)
}

// Find lists nodes of a type having key == value.
func Find(ctx context.Context, typ, key string, value any) ([]*graph.Entity, error) {
	r, err := active(ctx)
	if err != nil {
		return nil, err
	}
	return r.native.FindNodes(ctx, typ, key, value)
}

// ByUUID lists entities carrying the identifier. More than one is only
// possible until the duplicate is rejected at commit.
func ByUUID(ctx context.Context, uuid string) ([]*graph.Entity, error) {
	r, err := active(ctx)
	if err != nil {
		return nil, err
	}
	return r.native.ByUUID(ctx, uuid)
}

// SetProperty writes a property. A nil value removes it.
//
// Writing the current value is a noop.
func SetProperty(ctx context.Context, e *graph.Entity, key string, value any) error {
	r, err := active(ctx)
	if err != nil {
		return err
	}
	if key == graph.IDKey {
		return ErrImmutableKey
	}
	prev, err := r.native.Property(ctx, e.Ref, key)
	if err != nil {
		return errors.Fmt("txn: reading %s.%s: %w", e, key, err)
	}
	if graph.Equal(prev, value) {
		return nil
	}
	if err := r.native.SetProperty(ctx, e.Ref, key, value); err != nil {
		return errors.Fmt("txn: writing %s.%s: %w", e, key, err)
	}
	r.queue.state(ctx, e).modify(now(ctx), key, prev, value)
	return nil
}

// SetProperties writes several properties in key order.
func SetProperties(ctx context.Context, e *graph.Entity, props graph.Properties) error {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := SetProperty(ctx, e, k, props[k]); err != nil {
			return err
		}
	}
	return nil
}

// Delete deletes an entity.
//
// Deleting a node first deletes its relationships. Those are passive
// deletions: no hooks fire for them.
func Delete(ctx context.Context, e *graph.Entity) error {
	r, err := active(ctx)
	if err != nil {
		return err
	}
	if e.IsNode() {
		rels, err := r.native.Relationships(ctx, e.ID)
		if err != nil {
			return errors.Fmt("txn: listing relationships of %s: %w", e, err)
		}
		for _, rel := range rels {
			if err := r.delete(ctx, rel, true); err != nil {
				return err
			}
		}
	}
	return r.delete(ctx, e, false)
}

func (r *root) delete(ctx context.Context, e *graph.Entity, passive bool) error {
	props, err := r.native.Properties(ctx, e.Ref)
	if err != nil {
		return errors.Fmt("txn: deleting %s: %w", e, err)
	}
	s := r.queue.state(ctx, e)
	if !e.IsNode() && s.start == nil {
		if s.start, err = r.native.Get(ctx, graph.Ref{Kind: graph.NodeKind, ID: e.Start}); err != nil {
			return errors.Fmt("txn: deleting %s: start node: %w", e, err)
		}
		if s.end, err = r.native.Get(ctx, graph.Ref{Kind: graph.NodeKind, ID: e.End}); err != nil {
			return errors.Fmt("txn: deleting %s: end node: %w", e, err)
		}
	}
	if err := r.native.Delete(ctx, e.Ref); err != nil {
		return errors.Fmt("txn: deleting %s: %w", e, err)
	}
	if !e.IsNode() {
		r.queue.touch(e.Start)
		r.queue.touch(e.End)
	}
	s.delete(now(ctx), passive, r.public(e.Type, props))
	return nil
}

// SetOwner makes owner the owner of e. A nil owner clears it.
//
// Ownership changes don't trigger lifecycle hooks.
func SetOwner(ctx context.Context, e, owner *graph.Entity) error {
	r, err := active(ctx)
	if err != nil {
		return err
	}
	var value any
	if owner != nil {
		value = owner.UUID
	}
	prev, err := r.native.Property(ctx, e.Ref, OwnerKey)
	if err != nil {
		return errors.Fmt("txn: reading owner of %s: %w", e, err)
	}
	if graph.Equal(prev, value) {
		return nil
	}
	if err := r.native.SetProperty(ctx, e.Ref, OwnerKey, value); err != nil {
		return errors.Fmt("txn: setting owner of %s: %w", e, err)
	}
	r.queue.state(ctx, e).modifyOwner(now(ctx), prev, value)
	return nil
}

// MarkSecurityModified records a change of e's access grants.
func MarkSecurityModified(ctx context.Context, e *graph.Entity) error {
	r, err := active(ctx)
	if err != nil {
		return err
	}
	r.queue.state(ctx, e).modifySecurity()
	return nil
}

// PostProcess registers a task to run after validation, before the commit.
//
// Tasks run in registration order. Registering a key twice in one
// transaction is a noop. Returns true if the task was registered.
func PostProcess(ctx context.Context, key string, fn func(ctx context.Context) error) (bool, error) {
	r, err := active(ctx)
	if err != nil {
		return false, err
	}
	return r.queue.postProcess(key, fn), nil
}

// SetCallbackID attaches a correlation id to e's modification state.
func SetCallbackID(ctx context.Context, e *graph.Entity, id string) error {
	r, err := active(ctx)
	if err != nil {
		return err
	}
	r.queue.state(ctx, e).callbackID = id
	return nil
}

// IsPropertyModified is true if key of e was written in this transaction.
func IsPropertyModified(ctx context.Context, e *graph.Entity, key string) (bool, error) {
	r, err := active(ctx)
	if err != nil {
		return false, err
	}
	s := r.queue.lookup(e.Ref)
	return s != nil && s.IsPropertyModified(key), nil
}

// GetModifications summarizes property changes of e in this transaction.
func GetModifications(ctx context.Context, e *graph.Entity) (*Modifications, error) {
	r, err := active(ctx)
	if err != nil {
		return nil, err
	}
	if s := r.queue.lookup(e.Ref); s != nil {
		return s.Modifications(), nil
	}
	return &Modifications{Before: graph.Properties{}, After: graph.Properties{}}, nil
}

// NodesOfType lists ids of all nodes of a type in ascending order.
func NodesOfType(ctx context.Context, typ string) ([]int64, error) {
	r, err := active(ctx)
	if err != nil {
		return nil, err
	}
	return r.native.NodesOfType(ctx, typ)
}

// Touch schedules structural validation and passive indexing of e at commit
// time, without recording a modification. No hooks fire for it.
func Touch(ctx context.Context, e *graph.Entity) error {
	r, err := active(ctx)
	if err != nil {
		return err
	}
	r.queue.state(ctx, e).revalidate = true
	return nil
}
