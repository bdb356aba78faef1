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

package schema

import (
	"context"
	"sort"

	"go.chromium.org/luci/common/errors"

	"go.chromium.org/graphtx/graph"
)

// Validate runs structural validation of an entity.
//
// Constraint violations are added to faults. The returned error is for
// failures to perform the validation itself.
func (r *Registry) Validate(ctx context.Context, tx graph.Tx, e *graph.Entity, faults *graph.Faults) error {
	t := r.Lookup(e.Type)
	if t == nil {
		return nil
	}
	for _, k := range t.Keys {
		v, err := tx.Property(ctx, e.Ref, k.Name)
		if err != nil {
			return errors.Fmt("validating %s: %w", e, err)
		}
		if v == nil {
			if k.Required {
				faults.Addf(e, k.Name, graph.TokenMustNotBeEmpty, "")
			}
			continue
		}
		if k.Unique && e.IsNode() {
			found, err := tx.FindNodes(ctx, t.Name, k.Name, v)
			if err != nil {
				return errors.Fmt("validating %s: %w", e, err)
			}
			for _, other := range found {
				if other.Ref != e.Ref {
					faults.Addf(e, k.Name, graph.TokenAlreadyTaken, "%v is used by %s", v, other.UUID)
					break
				}
			}
		}
	}
	if t.Hooks.Validate != nil {
		return t.Hooks.Validate(ctx, tx, e, faults)
	}
	return nil
}

// ValidateUUID checks that no other entity carries the UUID of e.
func ValidateUUID(ctx context.Context, tx graph.Tx, e *graph.Entity, faults *graph.Faults) error {
	found, err := tx.ByUUID(ctx, e.UUID)
	if err != nil {
		return errors.Fmt("validating id of %s: %w", e, err)
	}
	for _, other := range found {
		if other.Ref != e.Ref {
			faults.Addf(e, graph.IDKey, graph.TokenAlreadyTaken, "used by %s", other)
			break
		}
	}
	return nil
}

// IndexPassive recomputes passive properties of e.
//
// Values are written directly through tx: they are derived, so writing them
// is not a modification.
func (r *Registry) IndexPassive(ctx context.Context, tx graph.Tx, e *graph.Entity) error {
	t := r.Lookup(e.Type)
	if t == nil || len(t.Passive) == 0 {
		return nil
	}
	keys := make([]string, 0, len(t.Passive))
	for k := range t.Passive {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v, err := t.Passive[k](ctx, tx, e)
		if err != nil {
			return errors.Fmt("indexing %s.%s: %w", e, k, err)
		}
		if err := tx.SetProperty(ctx, e.Ref, k, v); err != nil {
			return errors.Fmt("indexing %s.%s: %w", e, k, err)
		}
	}
	return nil
}
