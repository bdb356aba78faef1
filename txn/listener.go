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
	"context"

	"go.chromium.org/graphtx/graph"
)

// Event describes the net change of one object in a transaction.
type Event struct {
	Entity        *graph.Entity
	Status        Status
	Pending       Pending
	Modifications *Modifications
	CallbackID    string
}

// Listener observes commits. It can't veto them.
type Listener interface {
	// BeforeCommit is called before the commit protocol starts.
	BeforeCommit(ctx context.Context, events []*Event)
	// AfterCommit is called once the transaction is durable.
	AfterCommit(ctx context.Context, events []*Event)
}

// ListenerFuncs adapts functions to Listener. Nil functions are skipped.
type ListenerFuncs struct {
	Before func(ctx context.Context, events []*Event)
	After  func(ctx context.Context, events []*Event)
}

// BeforeCommit implements Listener.
func (l ListenerFuncs) BeforeCommit(ctx context.Context, events []*Event) {
	if l.Before != nil {
		l.Before(ctx, events)
	}
}

// AfterCommit implements Listener.
func (l ListenerFuncs) AfterCommit(ctx context.Context, events []*Event) {
	if l.After != nil {
		l.After(ctx, events)
	}
}

func (q *Queue) events() []*Event {
	out := make([]*Event, 0, len(q.states))
	for _, s := range q.states {
		out = append(out, &Event{
			Entity:        s.entity,
			Status:        s.status,
			Pending:       s.Pending(),
			Modifications: s.Modifications(),
			CallbackID:    s.callbackID,
		})
	}
	return out
}
