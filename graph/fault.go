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

package graph

import (
	"fmt"
	"strings"
)

// Fault is a single structural constraint violation.
type Fault struct {
	// Type is the entity type the fault applies to.
	Type string
	// UUID identifies the offending entity, if known.
	UUID string
	// Key is the property the fault is about, if any.
	Key string
	// Token is a machine readable reason, e.g. "already_taken".
	Token string
	// Detail is a human readable elaboration.
	Detail string
}

// Well-known fault tokens.
const (
	TokenAlreadyTaken   = "already_taken"
	TokenMustNotBeEmpty = "must_not_be_empty"
	TokenInvalid        = "invalid"
)

// Error implements error.
func (f *Fault) Error() string {
	var sb strings.Builder
	sb.WriteString(f.Type)
	if f.Key != "" {
		sb.WriteString(".")
		sb.WriteString(f.Key)
	}
	sb.WriteString(": ")
	sb.WriteString(f.Token)
	if f.UUID != "" {
		fmt.Fprintf(&sb, " (%s)", f.UUID)
	}
	if f.Detail != "" {
		sb.WriteString(": ")
		sb.WriteString(f.Detail)
	}
	return sb.String()
}

// Faults accumulates faults across all objects of a transaction.
//
// The zero value is ready to use.
type Faults struct {
	list []*Fault
}

// Add appends a fault.
func (f *Faults) Add(fault *Fault) {
	f.list = append(f.list, fault)
}

// Addf appends a fault for an entity.
func (f *Faults) Addf(e *Entity, key, token, format string, args ...any) {
	fault := &Fault{Key: key, Token: token}
	if e != nil {
		fault.Type = e.Type
		fault.UUID = e.UUID
	}
	if format != "" {
		fault.Detail = fmt.Sprintf(format, args...)
	}
	f.Add(fault)
}

// Empty is true if no faults were added.
func (f *Faults) Empty() bool { return len(f.list) == 0 }

// Len is the number of accumulated faults.
func (f *Faults) Len() int { return len(f.list) }

// List returns accumulated faults in the order they were added.
func (f *Faults) List() []*Fault {
	return append([]*Fault(nil), f.list...)
}

// Reset drops all accumulated faults.
func (f *Faults) Reset() { f.list = nil }
