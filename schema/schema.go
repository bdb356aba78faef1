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

// Package schema is a minimal type registry consumed by the transaction core.
//
// It resolves type names to their declared property keys (to find keys that
// need cross-transaction synchronization), carries lifecycle hooks and runs
// structural validation and passive property indexing.
package schema

import (
	"context"
	"sort"
	"sync"

	"go.chromium.org/luci/common/errors"

	"go.chromium.org/graphtx/graph"
)

// Key describes a declared property key.
type Key struct {
	// Name is the property key.
	Name string `yaml:"name"`
	// Unique keys must not repeat across nodes of the declaring type.
	Unique bool `yaml:"unique"`
	// Required keys must have a non-nil value.
	Required bool `yaml:"required"`
	// Synchronized keys need serialized validation even if not unique.
	Synchronized bool `yaml:"synchronized"`
	// Hidden keys are not public: they are skipped in deletion snapshots.
	Hidden bool `yaml:"hidden"`
}

// NeedsSync is true if modifying the key requires serialized validation.
func (k *Key) NeedsSync() bool { return k.Unique || k.Synchronized }

// PassiveFunc computes the value of a passively indexed property.
type PassiveFunc func(ctx context.Context, tx graph.Tx, e *graph.Entity) (any, error)

// Type is a node or relationship type.
type Type struct {
	// Name is the type name.
	Name string
	// Keys are the declared property keys.
	Keys []*Key
	// Hooks are lifecycle callbacks.
	Hooks Hooks
	// Passive are computed properties, written by IndexPassive.
	Passive map[string]PassiveFunc

	keys map[string]*Key
}

// Key returns a declared key or nil.
func (t *Type) Key(name string) *Key {
	return t.keys[name]
}

// Registry maps type names to types. Safe for concurrent use.
type Registry struct {
	m     sync.RWMutex
	types map[string]*Type
}

// NewRegistry returns a registry with the given types.
//
// Panics on invalid types, see Register.
func NewRegistry(types ...*Type) *Registry {
	r := &Registry{}
	for _, t := range types {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds a type.
func (r *Registry) Register(t *Type) error {
	if t.Name == "" {
		return errors.New("type name is required")
	}
	keys := make(map[string]*Key, len(t.Keys))
	for _, k := range t.Keys {
		if k.Name == "" || k.Name == graph.IDKey {
			return errors.Fmt("type %q: bad key name %q", t.Name, k.Name)
		}
		if keys[k.Name] != nil {
			return errors.Fmt("type %q: key %q declared twice", t.Name, k.Name)
		}
		keys[k.Name] = k
	}
	t.keys = keys

	r.m.Lock()
	defer r.m.Unlock()
	if r.types == nil {
		r.types = map[string]*Type{}
	}
	if r.types[t.Name] != nil {
		return errors.Fmt("type %q is already registered", t.Name)
	}
	r.types[t.Name] = t
	return nil
}

// Lookup returns a type or nil.
func (r *Registry) Lookup(name string) *Type {
	if r == nil {
		return nil
	}
	r.m.RLock()
	defer r.m.RUnlock()
	return r.types[name]
}

// HasType is true if the type is registered.
func (r *Registry) HasType(name string) bool {
	return r.Lookup(name) != nil
}

// Names returns sorted names of all registered types.
func (r *Registry) Names() []string {
	r.m.RLock()
	defer r.m.RUnlock()
	out := make([]string, 0, len(r.types))
	for name := range r.types {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// SyncKey returns the type name to serialize on when key of type typ is
// modified, or "" if the key doesn't need synchronization.
func (r *Registry) SyncKey(typ, key string) string {
	t := r.Lookup(typ)
	if t == nil {
		return ""
	}
	if k := t.Key(key); k != nil && k.NeedsSync() {
		return t.Name
	}
	return ""
}

// Public reports whether key is visible in deletion snapshots and changelogs.
func (r *Registry) Public(typ, key string) bool {
	if t := r.Lookup(typ); t != nil {
		if k := t.Key(key); k != nil {
			return !k.Hidden
		}
	}
	return true
}
