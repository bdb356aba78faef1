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
	"time"

	"go.chromium.org/luci/common/clock"

	"go.chromium.org/graphtx/graph"
)

// Timings accumulates time spent in phases of the commit protocol.
type Timings struct {
	Inner       time.Duration
	Validation  time.Duration
	Indexing    time.Duration
	PostProcess time.Duration
	Outer       time.Duration
}

// postProcess is a deferred task, registered at most once per key.
type postProcess struct {
	key string
	fn  func(ctx context.Context) error
}

// Queue aggregates modification states of one transaction.
//
// It is owned by a single top-level transaction and is not safe for
// concurrent use.
type Queue struct {
	states []*State
	index  map[graph.Ref]*State
	seq    int64

	touched    []int64
	touchedSet map[int64]struct{}

	tasks    []postProcess
	taskKeys map[string]struct{}

	faults  graph.Faults
	timings Timings
}

func newQueue() *Queue {
	return &Queue{
		index:      map[graph.Ref]*State{},
		touchedSet: map[int64]struct{}{},
		taskKeys:   map[string]struct{}{},
	}
}

// state returns the state of e, creating it on first touch.
func (q *Queue) state(ctx context.Context, e *graph.Entity) *State {
	if s := q.index[e.Ref]; s != nil {
		return s
	}
	q.seq++
	s := newState(e, q.seq, clock.Now(ctx))
	q.states = append(q.states, s)
	q.index[e.Ref] = s
	q.touch(e.ID)
	return s
}

// lookup returns the state of ref or nil if it wasn't touched.
func (q *Queue) lookup(ref graph.Ref) *State {
	return q.index[ref]
}

func (q *Queue) touch(id int64) {
	if _, ok := q.touchedSet[id]; !ok {
		q.touchedSet[id] = struct{}{}
		q.touched = append(q.touched, id)
	}
}

// Touched returns ids of touched entities in first-touch order.
func (q *Queue) Touched() []int64 {
	return append([]int64(nil), q.touched...)
}

// States returns all states in first-touch order.
func (q *Queue) States() []*State {
	return append([]*State(nil), q.states...)
}

// postProcess registers a task unless one with the same key exists.
func (q *Queue) postProcess(key string, fn func(ctx context.Context) error) bool {
	if _, ok := q.taskKeys[key]; ok {
		return false
	}
	q.taskKeys[key] = struct{}{}
	q.tasks = append(q.tasks, postProcess{key: key, fn: fn})
	return true
}

// dirty returns states carrying unconsumed changes, clearing the mark.
func (q *Queue) dirty() []*State {
	var out []*State
	for _, s := range q.states {
		if s.dirty {
			s.dirty = false
			out = append(out, s)
		}
	}
	return out
}

// clear drops the states and tasks. Timings are kept for reporting.
func (q *Queue) clear() {
	t := q.timings
	*q = *newQueue()
	q.timings = t
}
