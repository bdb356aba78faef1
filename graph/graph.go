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

// Package graph defines the contract between the transaction core and a
// backing graph store.
//
// A Store hands out native transactions (Tx). Everything the transaction core
// needs from a store (node and relationship CRUD, property access, lookups
// used by structural validation, commit and rollback) goes through Tx. The
// package also carries the small shared vocabulary of the core: entity
// references and validation faults.
package graph

import (
	"context"
	"fmt"
)

// Kind distinguishes nodes from relationships.
type Kind uint8

const (
	// NodeKind is the kind of graph nodes.
	NodeKind Kind = iota + 1
	// RelationshipKind is the kind of relationships between two nodes.
	RelationshipKind
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case NodeKind:
		return "node"
	case RelationshipKind:
		return "relationship"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Ref is the backing store identity of an entity.
//
// Numeric ids are only unique within one Kind.
type Ref struct {
	Kind Kind
	ID   int64
}

// String implements fmt.Stringer.
func (r Ref) String() string {
	return fmt.Sprintf("%s/%d", r.Kind, r.ID)
}

// IDKey is the property key under which a caller may supply the stable
// identifier of a new entity. It is never stored as a regular property.
const IDKey = "id"

// Entity identifies a node or a relationship.
//
// It is a handle, not a snapshot: property values are always read through
// the transaction.
type Entity struct {
	Ref

	// UUID is the stable identifier, unique across kinds.
	UUID string
	// Type is the node type or the relationship type.
	Type string

	// Start and End are node ids of a relationship's endpoints.
	Start int64
	End   int64
}

// IsNode is true for nodes.
func (e *Entity) IsNode() bool { return e.Kind == NodeKind }

// String implements fmt.Stringer.
func (e *Entity) String() string {
	return fmt.Sprintf("%s(%s %s)", e.Type, e.Ref, e.UUID)
}

// Properties is a property bag. A nil value means "absent".
type Properties map[string]any

// Clone returns a shallow copy of p.
func (p Properties) Clone() Properties {
	if p == nil {
		return nil
	}
	out := make(Properties, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Store is a backing graph store.
type Store interface {
	// Begin opens a native read-write transaction.
	Begin(ctx context.Context) (Tx, error)
	// Close releases resources held by the store.
	Close() error
}

// Tx is a native backing store transaction.
//
// Tx is not safe for concurrent use. After Commit or Rollback every method
// returns ErrTxDone.
type Tx interface {
	// CreateNode creates a node of the given type with the given UUID.
	CreateNode(ctx context.Context, typ, uuid string, props Properties) (*Entity, error)
	// CreateRelationship creates a relationship from start to end.
	CreateRelationship(ctx context.Context, typ, uuid string, start, end int64, props Properties) (*Entity, error)

	// Get loads the entity handle for ref. Returns ErrNotFound if it doesn't
	// exist or was deleted in this transaction.
	Get(ctx context.Context, ref Ref) (*Entity, error)
	// Properties returns a copy of all properties of ref.
	Properties(ctx context.Context, ref Ref) (Properties, error)
	// Property returns a single property value, nil if absent.
	Property(ctx context.Context, ref Ref, key string) (any, error)
	// SetProperty sets a property. A nil value removes it.
	SetProperty(ctx context.Context, ref Ref, key string, value any) error
	// Delete deletes an entity. Deleting a node that still has relationships
	// fails.
	Delete(ctx context.Context, ref Ref) error

	// Relationships lists relationships attached to a node, either direction.
	Relationships(ctx context.Context, node int64) ([]*Entity, error)
	// FindNodes lists nodes of a type with key == value.
	FindNodes(ctx context.Context, typ, key string, value any) ([]*Entity, error)
	// ByUUID lists all entities carrying the UUID. More than one means the
	// UUID is duplicated.
	ByUUID(ctx context.Context, uuid string) ([]*Entity, error)
	// NodesOfType lists ids of all nodes of a type in ascending order.
	NodesOfType(ctx context.Context, typ string) ([]int64, error)

	// Commit makes the writes durable and visible.
	//
	// Returns an error tagged as transient on a write conflict.
	Commit(ctx context.Context) error
	// Rollback discards the writes. Safe to call after Commit.
	Rollback(ctx context.Context) error
}
