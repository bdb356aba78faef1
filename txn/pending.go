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
	"fmt"
	"strings"
)

// Status is the bitmask of lifecycle events recorded for one object within
// one transaction.
type Status uint8

const (
	Deleted          Status = 1
	Modified         Status = 2
	Created          Status = 4
	DeletedPassively Status = 8
	OwnerModified    Status = 16
	SecurityModified Status = 32
)

// lifecycle covers the bits that drive hook dispatch.
const lifecycle = Deleted | Modified | Created | DeletedPassively

var statusNames = []struct {
	bit  Status
	name string
}{
	{Created, "created"},
	{Modified, "modified"},
	{Deleted, "deleted"},
	{DeletedPassively, "deleted_passively"},
	{OwnerModified, "owner_modified"},
	{SecurityModified, "security_modified"},
}

// Has is true if all bits of b are set.
func (s Status) Has(b Status) bool { return s&b == b }

// String implements fmt.Stringer.
func (s Status) String() string {
	if s == 0 {
		return "none"
	}
	var parts []string
	for _, n := range statusNames {
		if s.Has(n.bit) {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// Pending is the net lifecycle change of an object, derived from its Status.
//
// It is a closed set: every Status maps to exactly one Pending value.
type Pending uint8

const (
	// PendingNone is no net lifecycle change.
	PendingNone Pending = iota
	// PendingCreated is a pure creation.
	PendingCreated
	// PendingCreatedModified is a creation followed by modifications.
	PendingCreatedModified
	// PendingCreatedDeleted is a creation cancelled by a deletion.
	PendingCreatedDeleted
	// PendingRoundTrip is created, modified and deleted again.
	PendingRoundTrip
	// PendingModified is a pure modification.
	PendingModified
	// PendingModifiedDeleted is a modification followed by a deletion.
	PendingModifiedDeleted
	// PendingDeleted is a pure deletion.
	PendingDeleted
	// PendingPassive is a removal as a side effect of deleting another object.
	PendingPassive
)

var pendingNames = [...]string{
	PendingNone:            "none",
	PendingCreated:         "created",
	PendingCreatedModified: "created+modified",
	PendingCreatedDeleted:  "created+deleted",
	PendingRoundTrip:       "created+modified+deleted",
	PendingModified:        "modified",
	PendingModifiedDeleted: "modified+deleted",
	PendingDeleted:         "deleted",
	PendingPassive:         "deleted_passively",
}

// String implements fmt.Stringer.
func (p Pending) String() string {
	if int(p) < len(pendingNames) {
		return pendingNames[p]
	}
	return fmt.Sprintf("Pending(%d)", uint8(p))
}

// PendingOf computes the Pending variant of a status.
//
// Owner and security bits don't take part in dispatch.
func PendingOf(s Status) Pending {
	s &= lifecycle
	if s.Has(DeletedPassively) {
		return PendingPassive
	}
	switch s {
	case Created:
		return PendingCreated
	case Created | Modified:
		return PendingCreatedModified
	case Created | Deleted:
		return PendingCreatedDeleted
	case Created | Modified | Deleted:
		return PendingRoundTrip
	case Modified:
		return PendingModified
	case Modified | Deleted:
		return PendingModifiedDeleted
	case Deleted:
		return PendingDeleted
	default:
		return PendingNone
	}
}

// Hook names a lifecycle hook.
type Hook uint8

const (
	NoHook Hook = iota
	CreationHook
	ModificationHook
	DeletionHook
)

// String implements fmt.Stringer.
func (h Hook) String() string {
	switch h {
	case NoHook:
		return "none"
	case CreationHook:
		return "creation"
	case ModificationHook:
		return "modification"
	case DeletionHook:
		return "deletion"
	default:
		return fmt.Sprintf("Hook(%d)", uint8(h))
	}
}

// InnerHook is the hook to run before the commit.
func (p Pending) InnerHook() Hook {
	switch p {
	case PendingCreated, PendingCreatedModified:
		return CreationHook
	case PendingModified:
		return ModificationHook
	case PendingModifiedDeleted, PendingDeleted:
		return DeletionHook
	default:
		return NoHook
	}
}

// OuterHook is the "after" hook to run once the commit is done.
//
// It names the same lifecycle event as InnerHook.
func (p Pending) OuterHook() Hook {
	return p.InnerHook()
}

// IsCreation is true if the object exists after the transaction and didn't
// before.
func (p Pending) IsCreation() bool {
	return p == PendingCreated || p == PendingCreatedModified
}

// IsDeletion is true if the object existed before the transaction and doesn't
// after.
func (p Pending) IsDeletion() bool {
	return p == PendingDeleted || p == PendingModifiedDeleted
}
