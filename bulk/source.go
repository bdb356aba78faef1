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

// Package bulk streams large sets of objects through batched transactions.
//
// Each page of objects is handled in a transaction of its own. A fault of one
// object is reported and skipped without affecting the page. A fault of the
// whole page (e.g. rejected validation at commit) is reported and the page is
// skipped without a retry. Pages before and after it are unaffected.
package bulk

import (
	"context"

	"google.golang.org/api/iterator"

	"go.chromium.org/luci/common/errors"

	"go.chromium.org/graphtx/graph"
	"go.chromium.org/graphtx/txn"
)

// Source streams objects. Next returns iterator.Done after the last one.
//
// Next is called inside the page transaction.
type Source interface {
	Next(ctx context.Context) (*graph.Entity, error)
}

// Slice is a Source over a fixed list of entities.
type Slice struct {
	items []*graph.Entity
	pos   int
}

// NewSlice returns a Source over items.
func NewSlice(items ...*graph.Entity) *Slice {
	return &Slice{items: items}
}

// Next implements Source.
func (s *Slice) Next(ctx context.Context) (*graph.Entity, error) {
	if s.pos >= len(s.items) {
		return nil, iterator.Done
	}
	s.pos++
	return s.items[s.pos-1], nil
}

// OfType is a Source over all nodes of a type.
//
// Ids are snapshotted on the first call. Entities are loaded lazily, in the
// transaction of the page that handles them. Nodes deleted in the meantime
// are skipped.
type OfType struct {
	typ    string
	ids    []int64
	pos    int
	loaded bool
}

// NewOfType returns a Source over nodes of typ.
func NewOfType(typ string) *OfType {
	return &OfType{typ: typ}
}

// Next implements Source.
func (s *OfType) Next(ctx context.Context) (*graph.Entity, error) {
	if !s.loaded {
		ids, err := txn.NodesOfType(ctx, s.typ)
		if err != nil {
			return nil, errors.Fmt("listing %s nodes: %w", s.typ, err)
		}
		s.ids, s.loaded = ids, true
	}
	for s.pos < len(s.ids) {
		id := s.ids[s.pos]
		s.pos++
		switch e, err := txn.Get(ctx, graph.Ref{Kind: graph.NodeKind, ID: id}); {
		case errors.Is(err, graph.ErrNotFound):
			continue
		case err != nil:
			return nil, errors.Fmt("loading %s node %d: %w", s.typ, id, err)
		default:
			return e, nil
		}
	}
	return nil, iterator.Done
}
