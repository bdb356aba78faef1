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

// Package badgerstore implements a durable graph.Store on top of Badger.
//
// Key layout:
//
//	n/<id>              node record
//	r/<id>              relationship record
//	a/<node>/<rel>      adjacency, one key per endpoint
//	t/<type>\x00<id>    node type index
//	u/<uuid>\x00<ref>   UUID index
//
// Ids are big-endian so that prefix scans return them in ascending order.
// Records are msgpack-encoded. Badger transactions provide snapshot
// isolation; conflicting commits fail with graph.ErrConflict.
//
// Index lookups (NodesOfType, FindNodes, ByUUID) are the exception: they read
// the latest committed state overlaid with the transaction's own writes, so
// that validation serialized by type locks sees what was committed while the
// transaction waited for them.
package badgerstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"sort"
	"strings"

	"github.com/dgraph-io/badger/v3"
	"github.com/vmihailenco/msgpack/v5"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"go.chromium.org/graphtx/graph"
)

// Options configure Open.
type Options struct {
	// Dir is the database directory. Ignored when InMemory is set.
	Dir string
	// InMemory keeps everything in memory. Used in tests.
	InMemory bool
}

// Store is a Badger-backed graph.Store.
type Store struct {
	db  *badger.DB
	seq *badger.Sequence
	own bool
}

var _ graph.Store = (*Store)(nil)

// Open opens (or creates) a store.
func Open(ctx context.Context, opts Options) (*Store, error) {
	bopts := badger.DefaultOptions(opts.Dir).WithLogger(nil)
	if opts.InMemory {
		bopts = bopts.WithInMemory(true).WithDir("").WithValueDir("")
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, errors.Fmt("opening badger at %q: %w", opts.Dir, err)
	}
	s, err := Wrap(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.own = true
	logging.Debugf(ctx, "opened badger graph store (in-memory: %v)", opts.InMemory)
	return s, nil
}

// Wrap uses an already open Badger database. Close won't close it.
func Wrap(db *badger.DB) (*Store, error) {
	seq, err := db.GetSequence([]byte("seq/id"), 1000)
	if err != nil {
		return nil, errors.Fmt("allocating id sequence: %w", err)
	}
	return &Store{db: db, seq: seq}, nil
}

// DB exposes the underlying database, e.g. to share it with a changelog sink.
func (s *Store) DB() *badger.DB { return s.db }

// Begin implements graph.Store.
func (s *Store) Begin(ctx context.Context) (graph.Tx, error) {
	return &tx{s: s, txn: s.db.NewTransaction(true), writes: map[string]bool{}}, nil
}

// Close implements graph.Store.
func (s *Store) Close() error {
	err := s.seq.Release()
	if s.own {
		if cerr := s.db.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

type record struct {
	UUID  string           `msgpack:"u"`
	Type  string           `msgpack:"t"`
	Start int64            `msgpack:"s,omitempty"`
	End   int64            `msgpack:"e,omitempty"`
	Props graph.Properties `msgpack:"p"`
}

func (r *record) entity(ref graph.Ref) *graph.Entity {
	return &graph.Entity{Ref: ref, UUID: r.UUID, Type: r.Type, Start: r.Start, End: r.End}
}

func decodeRecord(blob []byte) (*record, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(blob))
	dec.UseLooseInterfaceDecoding(true)
	r := &record{}
	if err := dec.Decode(r); err != nil {
		return nil, errors.Fmt("decoding record: %w", err)
	}
	if r.Props == nil {
		r.Props = graph.Properties{}
	}
	return r, nil
}

func idBytes(id int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(id))
	return b[:]
}

func join(parts ...[]byte) []byte {
	return bytes.Join(parts, nil)
}

func recordKey(ref graph.Ref) []byte {
	if ref.Kind == graph.RelationshipKind {
		return join([]byte("r/"), idBytes(ref.ID))
	}
	return join([]byte("n/"), idBytes(ref.ID))
}

func adjPrefix(node int64) []byte {
	return join([]byte("a/"), idBytes(node), []byte("/"))
}

func typePrefix(typ string) []byte {
	return join([]byte("t/"), []byte(typ), []byte{0})
}

func uuidPrefix(uuid string) []byte {
	return join([]byte("u/"), []byte(uuid), []byte{0})
}

func uuidKey(uuid string, ref graph.Ref) []byte {
	return join(uuidPrefix(uuid), []byte{byte(ref.Kind)}, idBytes(ref.ID))
}

type tx struct {
	s    *Store
	txn  *badger.Txn
	done bool

	// writes has keys written by this transaction: true if set, false if
	// deleted.
	writes map[string]bool
}

func (t *tx) set(key, value []byte) error {
	t.writes[string(key)] = true
	return t.txn.Set(key, value)
}

func (t *tx) del(key []byte) error {
	t.writes[string(key)] = false
	return t.txn.Delete(key)
}

func (t *tx) load(ref graph.Ref) (*record, error) {
	if t.done {
		return nil, graph.ErrTxDone
	}
	item, err := t.txn.Get(recordKey(ref))
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
		return nil, graph.ErrNotFound
	case err != nil:
		return nil, errors.Fmt("loading %s: %w", ref, err)
	}
	blob, err := item.ValueCopy(nil)
	if err != nil {
		return nil, errors.Fmt("loading %s: %w", ref, err)
	}
	return decodeRecord(blob)
}

func (t *tx) store(ref graph.Ref, r *record) error {
	blob, err := msgpack.Marshal(r)
	if err != nil {
		return errors.Fmt("encoding %s: %w", ref, err)
	}
	return t.set(recordKey(ref), blob)
}

func (t *tx) newRecord(ref graph.Ref, r *record, props graph.Properties) (*graph.Entity, error) {
	r.Props = graph.Properties{}
	for k, v := range props {
		if v != nil && k != graph.IDKey {
			r.Props[k] = v
		}
	}
	if err := t.store(ref, r); err != nil {
		return nil, err
	}
	if err := t.set(uuidKey(r.UUID, ref), nil); err != nil {
		return nil, err
	}
	return r.entity(ref), nil
}

func (t *tx) nextID() (int64, error) {
	id, err := t.s.seq.Next()
	if err != nil {
		return 0, errors.Fmt("allocating id: %w", err)
	}
	// Sequences start at 0, ids start at 1.
	return int64(id) + 1, nil
}

func (t *tx) CreateNode(ctx context.Context, typ, uuid string, props graph.Properties) (*graph.Entity, error) {
	if t.done {
		return nil, graph.ErrTxDone
	}
	id, err := t.nextID()
	if err != nil {
		return nil, err
	}
	ref := graph.Ref{Kind: graph.NodeKind, ID: id}
	if err := t.set(join(typePrefix(typ), idBytes(id)), nil); err != nil {
		return nil, err
	}
	return t.newRecord(ref, &record{UUID: uuid, Type: typ}, props)
}

func (t *tx) CreateRelationship(ctx context.Context, typ, uuid string, start, end int64, props graph.Properties) (*graph.Entity, error) {
	if t.done {
		return nil, graph.ErrTxDone
	}
	for _, n := range []int64{start, end} {
		if _, err := t.load(graph.Ref{Kind: graph.NodeKind, ID: n}); err != nil {
			return nil, errors.Fmt("relationship endpoint %d: %w", n, err)
		}
	}
	id, err := t.nextID()
	if err != nil {
		return nil, err
	}
	ref := graph.Ref{Kind: graph.RelationshipKind, ID: id}
	for _, n := range []int64{start, end} {
		if err := t.set(join(adjPrefix(n), idBytes(id)), nil); err != nil {
			return nil, err
		}
	}
	return t.newRecord(ref, &record{UUID: uuid, Type: typ, Start: start, End: end}, props)
}

func (t *tx) Get(ctx context.Context, ref graph.Ref) (*graph.Entity, error) {
	r, err := t.load(ref)
	if err != nil {
		return nil, err
	}
	return r.entity(ref), nil
}

func (t *tx) Properties(ctx context.Context, ref graph.Ref) (graph.Properties, error) {
	r, err := t.load(ref)
	if err != nil {
		return nil, err
	}
	return r.Props, nil
}

func (t *tx) Property(ctx context.Context, ref graph.Ref, key string) (any, error) {
	r, err := t.load(ref)
	if err != nil {
		return nil, err
	}
	return r.Props[key], nil
}

func (t *tx) SetProperty(ctx context.Context, ref graph.Ref, key string, value any) error {
	r, err := t.load(ref)
	if err != nil {
		return err
	}
	if value == nil {
		delete(r.Props, key)
	} else {
		r.Props[key] = value
	}
	return t.store(ref, r)
}

func (t *tx) Delete(ctx context.Context, ref graph.Ref) error {
	r, err := t.load(ref)
	if err != nil {
		return err
	}
	switch ref.Kind {
	case graph.NodeKind:
		rels, err := t.Relationships(ctx, ref.ID)
		if err != nil {
			return err
		}
		if len(rels) != 0 {
			return graph.ErrHasRelationships
		}
		if err := t.del(join(typePrefix(r.Type), idBytes(ref.ID))); err != nil {
			return err
		}
	case graph.RelationshipKind:
		for _, n := range []int64{r.Start, r.End} {
			if err := t.del(join(adjPrefix(n), idBytes(ref.ID))); err != nil {
				return err
			}
		}
	}
	if err := t.del(uuidKey(r.UUID, ref)); err != nil {
		return err
	}
	return t.del(recordKey(ref))
}

// scan returns key suffixes under the prefix.
func (t *tx) scan(prefix []byte) ([][]byte, error) {
	if t.done {
		return nil, graph.ErrTxDone
	}
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := t.txn.NewIterator(opts)
	defer it.Close()

	var out [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		out = append(out, bytes.Clone(it.Item().Key()[len(prefix):]))
	}
	return out, nil
}

// scanLatest is scan over the latest committed state merged with the writes
// of this transaction.
func (t *tx) scanLatest(prefix []byte) ([][]byte, error) {
	if t.done {
		return nil, graph.ErrTxDone
	}
	keys := map[string]struct{}{}
	err := t.s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			k := string(it.Item().Key())
			if set, ok := t.writes[k]; !ok || set {
				keys[k] = struct{}{}
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Fmt("scanning %q: %w", prefix, err)
	}
	for k, set := range t.writes {
		if set && strings.HasPrefix(k, string(prefix)) {
			keys[k] = struct{}{}
		}
	}
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)
	out := make([][]byte, len(sorted))
	for i, k := range sorted {
		out[i] = []byte(k[len(prefix):])
	}
	return out, nil
}

// loadLatest is load of the latest committed record, unless this
// transaction wrote it.
func (t *tx) loadLatest(ref graph.Ref) (*record, error) {
	key := recordKey(ref)
	if _, ok := t.writes[string(key)]; ok || t.done {
		return t.load(ref)
	}
	var blob []byte
	err := t.s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		blob, err = item.ValueCopy(nil)
		return err
	})
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
		return nil, graph.ErrNotFound
	case err != nil:
		return nil, errors.Fmt("loading %s: %w", ref, err)
	}
	return decodeRecord(blob)
}

func (t *tx) Relationships(ctx context.Context, node int64) ([]*graph.Entity, error) {
	suffixes, err := t.scan(adjPrefix(node))
	if err != nil {
		return nil, err
	}
	out := make([]*graph.Entity, 0, len(suffixes))
	for _, s := range suffixes {
		e, err := t.Get(ctx, graph.Ref{Kind: graph.RelationshipKind, ID: int64(binary.BigEndian.Uint64(s))})
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (t *tx) NodesOfType(ctx context.Context, typ string) ([]int64, error) {
	suffixes, err := t.scanLatest(typePrefix(typ))
	if err != nil {
		return nil, err
	}
	out := make([]int64, len(suffixes))
	for i, s := range suffixes {
		out[i] = int64(binary.BigEndian.Uint64(s))
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
		ref := graph.Ref{Kind: graph.NodeKind, ID: id}
		r, err := t.loadLatest(ref)
		switch {
		case errors.Is(err, graph.ErrNotFound):
			// Deleted since the index scan.
			continue
		case err != nil:
			return nil, err
		}
		if graph.Equal(r.Props[key], value) {
			out = append(out, r.entity(ref))
		}
	}
	return out, nil
}

func (t *tx) ByUUID(ctx context.Context, uuid string) ([]*graph.Entity, error) {
	suffixes, err := t.scanLatest(uuidPrefix(uuid))
	if err != nil {
		return nil, err
	}
	out := make([]*graph.Entity, 0, len(suffixes))
	for _, s := range suffixes {
		ref := graph.Ref{Kind: graph.Kind(s[0]), ID: int64(binary.BigEndian.Uint64(s[1:]))}
		r, err := t.loadLatest(ref)
		switch {
		case errors.Is(err, graph.ErrNotFound):
			continue
		case err != nil:
			return nil, err
		}
		out = append(out, r.entity(ref))
	}
	return out, nil
}

func (t *tx) Commit(ctx context.Context) error {
	if t.done {
		return graph.ErrTxDone
	}
	t.done = true
	switch err := t.txn.Commit(); {
	case errors.Is(err, badger.ErrConflict):
		return errors.Fmt("badger commit: %w", graph.ErrConflict)
	case err != nil:
		return errors.Fmt("badger commit: %w", err)
	}
	return nil
}

func (t *tx) Rollback(ctx context.Context) error {
	t.done = true
	t.txn.Discard()
	return nil
}
