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

package changelog

import (
	"bytes"
	"context"
	"encoding/binary"

	"github.com/dgraph-io/badger/v3"

	"go.chromium.org/luci/common/errors"
)

// BadgerSink stores logs in Badger under "c/o/<uuid>" and "c/u/<user>".
//
// Entries are keyed by a global sequence number. Node creation entries of an
// object log use the reserved number 0, which puts them at its head. User
// logs are in write order.
type BadgerSink struct {
	db  *badger.DB
	seq *badger.Sequence
}

var _ Sink = (*BadgerSink)(nil)

// NewBadgerSink creates a sink over an open database.
func NewBadgerSink(db *badger.DB) (*BadgerSink, error) {
	seq, err := db.GetSequence([]byte("seq/changelog"), 1000)
	if err != nil {
		return nil, errors.Fmt("allocating changelog sequence: %w", err)
	}
	return &BadgerSink{db: db, seq: seq}, nil
}

// Close releases the sequence lease. It doesn't close the database.
func (s *BadgerSink) Close() error {
	return s.seq.Release()
}

func logPrefix(space, id string) []byte {
	return bytes.Join([][]byte{[]byte("c/"), []byte(space), []byte("/"), []byte(id), {0}}, nil)
}

func (s *BadgerSink) key(prefix []byte, head bool) ([]byte, error) {
	var n uint64
	if !head {
		next, err := s.seq.Next()
		if err != nil {
			return nil, errors.Fmt("allocating changelog key: %w", err)
		}
		n = next + 1
	}
	return binary.BigEndian.AppendUint64(bytes.Clone(prefix), n), nil
}

// Write implements Sink.
func (s *BadgerSink) Write(ctx context.Context, b *Batch) error {
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	put := func(space, id string, entries []*Entry) error {
		prefix := logPrefix(space, id)
		for _, e := range entries {
			key, err := s.key(prefix, space == "o" && e.IsNodeCreation())
			if err != nil {
				return err
			}
			blob, err := Encode(e)
			if err != nil {
				return err
			}
			if err := wb.Set(key, blob); err != nil {
				return errors.Fmt("writing changelog: %w", err)
			}
		}
		return nil
	}
	for _, uuid := range b.ObjectKeys() {
		if err := put("o", uuid, b.Objects[uuid]); err != nil {
			return err
		}
	}
	for _, user := range b.UserKeys() {
		if err := put("u", user, b.Users[user]); err != nil {
			return err
		}
	}
	if err := wb.Flush(); err != nil {
		return errors.Fmt("flushing changelog: %w", err)
	}
	return nil
}

func (s *BadgerSink) read(prefix []byte) ([]*Entry, error) {
	var out []*Entry
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			blob, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			e, err := Decode(blob)
			if err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Fmt("reading changelog: %w", err)
	}
	return out, nil
}

// Read implements Sink.
func (s *BadgerSink) Read(ctx context.Context, uuid string) ([]*Entry, error) {
	return s.read(logPrefix("o", uuid))
}

// ReadUser implements Sink.
func (s *BadgerSink) ReadUser(ctx context.Context, user string) ([]*Entry, error) {
	return s.read(logPrefix("u", user))
}
