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
	"sort"
	"time"

	"go.chromium.org/graphtx/graph"
)

// change is one recorded property write.
type change struct {
	when     time.Time
	key      string
	previous any
	value    any
}

// State is the modification state of one object within one transaction.
//
// There is at most one State per object per transaction. Repeated touches
// merge into it.
type State struct {
	entity *graph.Entity
	status Status

	// seq is the first-touch order within the transaction.
	seq     int64
	created time.Time

	// callbackID correlates hooks with the caller's request.
	callbackID string

	// uuidSupplied is set when the caller chose the UUID of a new object.
	uuidSupplied bool
	// revalidate requests validation even without a modification.
	revalidate bool

	// First touches of a key go to newProps, later ones to modProps with the
	// pre-transaction value shadowed in removedProps.
	newProps     graph.Properties
	modProps     graph.Properties
	removedProps graph.Properties
	// before has the pre-transaction value of every touched key.
	before   graph.Properties
	keyOrder []string

	// snapshot has public properties at the time of deletion.
	snapshot graph.Properties

	// changes is the changelog buffer of property writes.
	changes []change

	// Endpoints of a relationship.
	start, end *graph.Entity

	// dirty is set by every touch and cleared by an inner-phase scan.
	dirty bool
	// inner records inner hooks that already fired.
	inner map[Hook]bool

	deletedAt time.Time
}

func newState(e *graph.Entity, seq int64, now time.Time) *State {
	return &State{
		entity:  e,
		seq:     seq,
		created: now,
		inner:   map[Hook]bool{},
	}
}

// Entity is the object this state is about.
func (s *State) Entity() *graph.Entity { return s.entity }

// Status is the accumulated status bitmask.
func (s *State) Status() Status { return s.status }

// Pending is the net lifecycle change.
func (s *State) Pending() Pending { return PendingOf(s.status) }

// CallbackID is the caller supplied correlation id, if any.
func (s *State) CallbackID() string { return s.callbackID }

func (s *State) mark(bits Status) {
	s.status |= bits
	s.dirty = true
}

func (s *State) create() { s.mark(Created) }

// initial records properties an object was created with. They count as
// first touches but don't make the creation a modification.
func (s *State) initial(props graph.Properties, keys []string) {
	for _, k := range keys {
		s.touchKey(k, nil, props[k])
	}
}

func (s *State) modify(now time.Time, key string, previous, value any) {
	s.touchKey(key, previous, value)
	s.changes = append(s.changes, change{when: now, key: key, previous: previous, value: value})
	s.mark(Modified)
}

func (s *State) touchKey(key string, previous, value any) {
	if s.newProps == nil {
		s.newProps = graph.Properties{}
		s.modProps = graph.Properties{}
		s.removedProps = graph.Properties{}
		s.before = graph.Properties{}
	}
	if _, seen := s.before[key]; !seen {
		s.before[key] = previous
		s.newProps[key] = value
		s.keyOrder = append(s.keyOrder, key)
		return
	}
	s.modProps[key] = value
	if _, shadowed := s.removedProps[key]; !shadowed {
		s.removedProps[key] = s.before[key]
	}
}

func (s *State) modifyOwner(now time.Time, previous, value any) {
	s.changes = append(s.changes, change{when: now, key: OwnerKey, previous: previous, value: value})
	s.mark(OwnerModified)
}

func (s *State) modifySecurity() { s.mark(SecurityModified) }

func (s *State) delete(now time.Time, passive bool, snapshot graph.Properties) {
	if s.snapshot == nil {
		s.snapshot = snapshot
	}
	s.deletedAt = now
	if passive {
		s.mark(Deleted | DeletedPassively)
	} else {
		s.mark(Deleted)
	}
}

// current is the latest value written to key in this transaction.
func (s *State) current(key string) (any, bool) {
	if v, ok := s.modProps[key]; ok {
		return v, true
	}
	v, ok := s.newProps[key]
	return v, ok
}

// IsPropertyModified is true if key was written in this transaction.
func (s *State) IsPropertyModified(key string) bool {
	_, ok := s.current(key)
	return ok
}

// Modifications summarizes property changes of one object.
type Modifications struct {
	// Before has values of touched keys prior to the transaction.
	Before graph.Properties
	// After has their values at the end of the transaction.
	After graph.Properties
	// Added lists keys that had no value before and have one now.
	Added []string
	// Removed lists keys that had a value before and have none now.
	Removed []string
}

// Modifications computes the property summary.
//
// For a deleted object Before is the snapshot taken at deletion and After is
// empty.
func (s *State) Modifications() *Modifications {
	m := &Modifications{Before: graph.Properties{}, After: graph.Properties{}}
	if s.status.Has(Deleted) {
		for k, v := range s.snapshot {
			m.Before[k] = v
			m.Removed = append(m.Removed, k)
		}
		sort.Strings(m.Removed)
		return m
	}
	for _, k := range s.keyOrder {
		prev := s.before[k]
		cur, _ := s.current(k)
		if prev != nil {
			m.Before[k] = prev
		}
		if cur != nil {
			m.After[k] = cur
		}
		switch {
		case prev == nil && cur != nil:
			m.Added = append(m.Added, k)
		case prev != nil && cur == nil:
			m.Removed = append(m.Removed, k)
		}
	}
	return m
}
