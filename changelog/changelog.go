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

// Package changelog holds the audit trail model of graph mutations and sinks
// that persist it.
//
// Every committed transaction produces a Batch: entries appended to the
// per-object log of each touched entity (keyed by UUID) and, optionally, to
// the per-user log of the acting user.
package changelog

import (
	"context"
	"time"

	"go.chromium.org/graphtx/graph"
)

// Verb is the kind of a changelog entry.
type Verb string

const (
	Create Verb = "create"
	Change Verb = "change"
	Delete Verb = "delete"
	Link   Verb = "link"
	Unlink Verb = "unlink"
)

// Direction of a relationship relative to the logged object.
type Direction string

const (
	In  Direction = "in"
	Out Direction = "out"
)

// Entry is one changelog record.
type Entry struct {
	Time     time.Time `msgpack:"t"`
	UserID   string    `msgpack:"uid,omitempty"`
	UserName string    `msgpack:"un,omitempty"`
	Verb     Verb      `msgpack:"v"`

	// Target is the UUID of the object the entry is about.
	Target string `msgpack:"tg,omitempty"`
	// Type is the type of the target.
	Type string `msgpack:"ty,omitempty"`

	// Change.
	Key      string `msgpack:"k,omitempty"`
	Previous any    `msgpack:"p,omitempty"`
	Value    any    `msgpack:"n,omitempty"`

	// Create. The property snapshot at commit time.
	Properties graph.Properties `msgpack:"ps,omitempty"`

	// Link and unlink.
	RelType   string    `msgpack:"rt,omitempty"`
	Other     string    `msgpack:"o,omitempty"`
	Direction Direction `msgpack:"d,omitempty"`
}

// IsNodeCreation is true for entries that must head a per-object log.
func (e *Entry) IsNodeCreation() bool {
	return e.Verb == Create && e.RelType == ""
}

// Batch is the changelog of one transaction.
type Batch struct {
	// Objects maps object UUIDs to new entries of their logs.
	Objects map[string][]*Entry
	// Users maps user ids to new entries of their logs.
	Users map[string][]*Entry

	objectOrder []string
	userOrder   []string
}

// AddObject appends an entry to an object's log.
//
// Node creation entries go to the head of the log.
func (b *Batch) AddObject(uuid string, e *Entry) {
	if b.Objects == nil {
		b.Objects = map[string][]*Entry{}
	}
	cur, seen := b.Objects[uuid]
	if !seen {
		b.objectOrder = append(b.objectOrder, uuid)
	}
	if e.IsNodeCreation() {
		b.Objects[uuid] = append([]*Entry{e}, cur...)
	} else {
		b.Objects[uuid] = append(cur, e)
	}
}

// AddUser appends an entry to a user's log.
func (b *Batch) AddUser(user string, e *Entry) {
	if b.Users == nil {
		b.Users = map[string][]*Entry{}
	}
	if _, seen := b.Users[user]; !seen {
		b.userOrder = append(b.userOrder, user)
	}
	b.Users[user] = append(b.Users[user], e)
}

// ObjectKeys returns object UUIDs in the order they were first added.
func (b *Batch) ObjectKeys() []string { return b.objectOrder }

// UserKeys returns user ids in the order they were first added.
func (b *Batch) UserKeys() []string { return b.userOrder }

// Empty is true if the batch has no entries.
func (b *Batch) Empty() bool {
	return len(b.Objects) == 0 && len(b.Users) == 0
}

// Sink persists changelog batches.
type Sink interface {
	// Write appends a batch.
	Write(ctx context.Context, b *Batch) error
	// Read returns the log of an object, oldest first.
	Read(ctx context.Context, uuid string) ([]*Entry, error)
	// ReadUser returns the log of a user, oldest first.
	ReadUser(ctx context.Context, user string) ([]*Entry, error)
}
