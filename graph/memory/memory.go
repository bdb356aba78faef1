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

// Package memory implements an in-memory graph.Store.
//
// Transactions read committed state overlaid with their own writes (read
// committed isolation). Writes are buffered until Commit, which detects
// concurrent writes to the same entity through per-record versions and
// fails with graph.ErrConflict.
package memory

import (
	"context"
	"sort"
	"sync"

	"go.chromium.org/luci/common/errors"

	"go.chromium.org/graphtx/graph"
)

type record struct {
	entity  graph.Entity
	props   graph.Properties
	version int64
}

func (r *record) clone() *record {
	return &record{entity: r.entity, props: r.props.Clone(), version: r.version}
}

// Store is an in-memory graph.Store. The zero value is not usable, use New.
type Store struct {
	mu      sync.Mutex
	lastID  int64
	records map[graph.Ref]*record
	adj     map[int64]map[int64]struct{} // node id -> relationship ids
	types   map[string]map[int64]struct{}
	uuids   map[string][]graph.Ref
	closed  bool
}

var _ graph.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		records: map[graph.Ref]*record{},
		adj:     map[int64]map[int64]struct{}{},
		types:   map[string]map[int64]struct{}{},
		uuids:   map[string][]graph.Ref{},
	}
}

// Begin implements graph.Store.
func (s *Store) Begin(ctx context.Context) (graph.Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("memory store is closed")
	}
	return &tx{
		s:       s,
		created: map[graph.Ref]*record{},
		updated: map[graph.Ref]*record{},
		deleted: map[graph.Ref]struct{}{},
		seen:    map[graph.Ref]int64{},
	}, nil
}

// Close implements graph.Store.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Len returns the number of committed entities of the given kind.
func (s *Store) Len(kind graph.Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for ref := range s.records {
		if ref.Kind == kind {
			n++
		}
	}
	return n
}

func (s *Store) allocID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastID++
	return s.lastID
}

func (s *Store) committed(ref graph.Ref) *record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[ref]
}

type tx struct {
	s    *Store
	done bool

	created map[graph.Ref]*record
	updated map[graph.Ref]*record
	deleted map[graph.Ref]struct{}
	seen    map[graph.Ref]int64 // committed version at the first write
}

func (t *tx) lookup(ref graph.Ref) *record {
	if _, ok := t.deleted[ref]; ok {
		return nil
	}
	if r := t.created[ref]; r != nil {
		return r
	}
	if r := t.updated[ref]; r != nil {
		return r
	}
	return t.s.committed(ref)
}

// writable returns a record copy owned by this transaction.
func (t *tx) writable(ref graph.Ref) (*record, error) {
	if _, ok := t.deleted[ref]; ok {
		return nil, graph.ErrNotFound
	}
	if r := t.created[ref]; r != nil {
		return r, nil
	}
	if r := t.updated[ref]; r != nil {
		return r, nil
	}
	c := t.s.committed(ref)
	if c == nil {
		return nil, graph.ErrNotFound
	}
	r := c.clone()
	t.seen[ref] = c.version
	t.updated[ref] = r
	return r, nil
}

func (t *tx) create(e graph.Entity, props graph.Properties) *record {
	r := &record{entity: e, props: graph.Properties{}}
	for k, v := range props {
		if v != nil && k != graph.IDKey {
			r.props[k] = v
		}
	}
	t.created[e.Ref] = r
	return r
}

func (t *tx) CreateNode(ctx context.Context, typ, uuid string, props graph.Properties) (*graph.Entity, error) {
	if t.done {
		return nil, graph.ErrTxDone
	}
	e := graph.Entity{
		Ref:  graph.Ref{Kind: graph.NodeKind, ID: t.s.allocID()},
		UUID: uuid,
		Type: typ,
	}
	r := t.create(e, props)
	out := r.entity
	return &out, nil
}

func (t *tx) CreateRelationship(ctx context.Context, typ, uuid string, start, end int64, props graph.Properties) (*graph.Entity, error) {
	if t.done {
		return nil, graph.ErrTxDone
	}
	for _, id := range []int64{start, end} {
		if t.lookup(graph.Ref{Kind: graph.NodeKind, ID: id}) == nil {
			return nil, errors.Fmt("relationship endpoint %d: %w", id, graph.ErrNotFound)
		}
	}
	e := graph.Entity{
		Ref:   graph.Ref{Kind: graph.RelationshipKind, ID: t.s.allocID()},
		UUID:  uuid,
		Type:  typ,
		Start: start,
		End:   end,
	}
	r := t.create(e, props)
	out := r.entity
	return &out, nil
}

func (t *tx) Get(ctx context.Context, ref graph.Ref) (*graph.Entity, error) {
	if t.done {
		return nil, graph.ErrTxDone
	}
	r := t.lookup(ref)
	if r == nil {
		return nil, graph.ErrNotFound
	}
	out := r.entity
	return &out, nil
}

func (t *tx) Properties(ctx context.Context, ref graph.Ref) (graph.Properties, error) {
	if t.done {
		return nil, graph.ErrTxDone
	}
	r := t.lookup(ref)
	if r == nil {
		return nil, graph.ErrNotFound
	}
	return r.props.Clone(), nil
}

func (t *tx) Property(ctx context.Context, ref graph.Ref, key string) (any, error) {
	if t.done {
		return nil, graph.ErrTxDone
	}
	r := t.lookup(ref)
	if r == nil {
		return nil, graph.ErrNotFound
	}
	return r.props[key], nil
}

func (t *tx) SetProperty(ctx context.Context, ref graph.Ref, key string, value any) error {
	if t.done {
		return graph.ErrTxDone
	}
	r, err := t.writable(ref)
	if err != nil {
		return err
	}
	if value == nil {
		delete(r.props, key)
	} else {
		r.props[key] = value
	}
	return nil
}

func (t *tx) Delete(ctx context.Context, ref graph.Ref) error {
	if t.done {
		return graph.ErrTxDone
	}
	if ref.Kind == graph.NodeKind {
		rels, err := t.Relationships(ctx, ref.ID)
		if err != nil {
			return err
		}
		if len(rels) != 0 {
			return graph.ErrHasRelationships
		}
	}
	if _, ok := t.created[ref]; ok {
		delete(t.created, ref)
		t.deleted[ref] = struct{}{}
		return nil
	}
	if _, err := t.writable(ref); err != nil {
		return err
	}
	delete(t.updated, ref)
	t.deleted[ref] = struct{}{}
	return nil
}

func (t *tx) Relationships(ctx context.Context, node int64) ([]*graph.Entity, error) {
	if t.done {
		return nil, graph.ErrTxDone
	}
	ids := map[int64]struct{}{}
	t.s.mu.Lock()
	for id := range t.s.adj[node] {
		ids[id] = struct{}{}
	}
	t.s.mu.Unlock()
	for ref, r := range t.created {
		if ref.Kind == graph.RelationshipKind && (r.entity.Start == node || r.entity.End == node) {
			ids[ref.ID] = struct{}{}
		}
	}

	var out []*graph.Entity
	for _, id := range sortedIDs(ids) {
		if r := t.lookup(graph.Ref{Kind: graph.RelationshipKind, ID: id}); r != nil {
			e := r.entity
			out = append(out, &e)
		}
	}
	return out, nil
}

func (t *tx) FindNodes(ctx context.Context, typ, key string, value any) ([]*graph.Entity, error) {
	ids, err := t.NodesOfType(ctx, typ)
	if err != nil {
		return nil, err
	}
	var out []*graph.Entity
	for _, id := range ids {
		r := t.lookup(graph.Ref{Kind: graph.NodeKind, ID: id})
		if r != nil && graph.Equal(r.props[key], value) {
			e := r.entity
			out = append(out, &e)
		}
	}
	return out, nil
}

func (t *tx) ByUUID(ctx context.Context, uuid string) ([]*graph.Entity, error) {
	if t.done {
		return nil, graph.ErrTxDone
	}
	t.s.mu.Lock()
	refs := append([]graph.Ref(nil), t.s.uuids[uuid]...)
	t.s.mu.Unlock()
	for ref, r := range t.created {
		if r.entity.UUID == uuid {
			refs = append(refs, ref)
		}
	}
	var out []*graph.Entity
	for _, ref := range refs {
		if r := t.lookup(ref); r != nil {
			e := r.entity
			out = append(out, &e)
		}
	}
	return out, nil
}

func (t *tx) NodesOfType(ctx context.Context, typ string) ([]int64, error) {
	if t.done {
		return nil, graph.ErrTxDone
	}
	ids := map[int64]struct{}{}
	t.s.mu.Lock()
	for id := range t.s.types[typ] {
		ids[id] = struct{}{}
	}
	t.s.mu.Unlock()
	for ref, r := range t.created {
		if ref.Kind == graph.NodeKind && r.entity.Type == typ {
			ids[ref.ID] = struct{}{}
		}
	}
	for ref := range t.deleted {
		if ref.Kind == graph.NodeKind {
			delete(ids, ref.ID)
		}
	}
	return sortedIDs(ids), nil
}

func (t *tx) Commit(ctx context.Context) error {
	if t.done {
		return graph.ErrTxDone
	}
	t.done = true

	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	// Check first, apply second: a conflicting commit must leave no trace.
	for ref, ver := range t.seen {
		c := s.records[ref]
		if c == nil || c.version != ver {
			return errors.Fmt("%s: %w", ref, graph.ErrConflict)
		}
	}
	for ref, r := range t.created {
		if ref.Kind != graph.RelationshipKind {
			continue
		}
		for _, id := range []int64{r.entity.Start, r.entity.End} {
			node := graph.Ref{Kind: graph.NodeKind, ID: id}
			if _, gone := t.deleted[node]; gone {
				return errors.Fmt("%s endpoint %d deleted: %w", ref, id, graph.ErrConflict)
			}
			if _, ok := t.created[node]; !ok && s.records[node] == nil {
				return errors.Fmt("%s endpoint %d: %w", ref, id, graph.ErrConflict)
			}
		}
	}
	for ref := range t.deleted {
		if ref.Kind != graph.NodeKind {
			continue
		}
		for rel := range s.adj[ref.ID] {
			if _, ok := t.deleted[graph.Ref{Kind: graph.RelationshipKind, ID: rel}]; !ok {
				return errors.Fmt("%s got relationship %d: %w", ref, rel, graph.ErrConflict)
			}
		}
	}

	for ref := range t.deleted {
		if c := s.records[ref]; c != nil {
			s.unindex(c)
			delete(s.records, ref)
		}
	}
	for ref, r := range t.updated {
		r.version = s.records[ref].version + 1
		s.records[ref] = r
	}
	for ref, r := range t.created {
		r.version = 1
		s.records[ref] = r
		s.index(r)
	}
	return nil
}

func (t *tx) Rollback(ctx context.Context) error {
	t.done = true
	t.created, t.updated, t.deleted, t.seen = nil, nil, nil, nil
	return nil
}

func (s *Store) index(r *record) {
	e := &r.entity
	s.uuids[e.UUID] = append(s.uuids[e.UUID], e.Ref)
	switch e.Kind {
	case graph.NodeKind:
		if s.types[e.Type] == nil {
			s.types[e.Type] = map[int64]struct{}{}
		}
		s.types[e.Type][e.ID] = struct{}{}
	case graph.RelationshipKind:
		for _, id := range []int64{e.Start, e.End} {
			if s.adj[id] == nil {
				s.adj[id] = map[int64]struct{}{}
			}
			s.adj[id][e.ID] = struct{}{}
		}
	}
}

func (s *Store) unindex(r *record) {
	e := &r.entity
	refs := s.uuids[e.UUID]
	for i, ref := range refs {
		if ref == e.Ref {
			refs = append(refs[:i], refs[i+1:]...)
			break
		}
	}
	if len(refs) == 0 {
		delete(s.uuids, e.UUID)
	} else {
		s.uuids[e.UUID] = refs
	}
	switch e.Kind {
	case graph.NodeKind:
		delete(s.types[e.Type], e.ID)
		delete(s.adj, e.ID)
	case graph.RelationshipKind:
		delete(s.adj[e.Start], e.ID)
		delete(s.adj[e.End], e.ID)
	}
}

func sortedIDs(ids map[int64]struct{}) []int64 {
	out := make([]int64, 0, len(ids))
	for id := range ids {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
