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

// Package typelock implements a process-wide registry of per-type binary
// locks.
//
// The transaction core takes these locks around the validation and indexing
// phase of a commit, so that structural validation of instances of the same
// type (e.g. uniqueness checks) never runs concurrently in two transactions.
package typelock

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/tsmon/distribution"
	"go.chromium.org/luci/common/tsmon/metric"
	"go.chromium.org/luci/common/tsmon/types"
)

var lockWaitMS = metric.NewCumulativeDistribution(
	"graphtx/typelock/wait",
	"Time spent waiting for a set of type locks",
	&types.MetricMetadata{Units: types.Milliseconds},
	distribution.DefaultBucketer,
)

// Default is the process-wide registry.
var Default = &Registry{}

// Registry maps names to binary locks, created on first use.
//
// The zero value is ready to use.
type Registry struct {
	m     sync.RWMutex
	locks map[string]*semaphore.Weighted
}

// get returns the lock for the name, creating it if necessary.
func (r *Registry) get(name string) *semaphore.Weighted {
	r.m.RLock()
	l := r.locks[name]
	r.m.RUnlock()
	if l != nil {
		return l
	}

	r.m.Lock()
	defer r.m.Unlock()
	if l = r.locks[name]; l == nil {
		if r.locks == nil {
			r.locks = map[string]*semaphore.Weighted{}
		}
		l = semaphore.NewWeighted(1)
		r.locks[name] = l
	}
	return l
}

// Normalize returns the names in acquisition order, without duplicates.
//
// Every Acquire takes locks in this order, so two callers needing
// overlapping sets can't deadlock each other.
func Normalize(names []string) []string {
	out := make([]string, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, n := range names {
		if _, ok := seen[n]; !ok {
			seen[n] = struct{}{}
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}

// Acquire takes the locks for all names, blocking until all are held.
//
// If ctx is cancelled while waiting, the locks acquired so far are released
// and ctx's error is returned.
func (r *Registry) Acquire(ctx context.Context, names []string) error {
	names = Normalize(names)
	if len(names) == 0 {
		return nil
	}
	start := clock.Now(ctx)
	for i, name := range names {
		if err := r.get(name).Acquire(ctx, 1); err != nil {
			r.Release(names[:i])
			return errors.Fmt("acquiring type lock %q: %w", name, err)
		}
	}
	wait := clock.Since(ctx, start)
	lockWaitMS.Add(ctx, float64(wait.Milliseconds()))
	logging.Debugf(ctx, "acquired type locks %q in %s", names, wait)
	return nil
}

// Release releases the locks for all names.
//
// Must be called with the same set that was passed to Acquire. Releasing a
// lock that isn't held panics.
func (r *Registry) Release(names []string) {
	names = Normalize(names)
	for i := len(names) - 1; i >= 0; i-- {
		r.get(names[i]).Release(1)
	}
}

// TryAcquire takes all locks without blocking. Returns false, holding
// nothing, if any of them is busy.
func (r *Registry) TryAcquire(names []string) bool {
	names = Normalize(names)
	for i, name := range names {
		if !r.get(name).TryAcquire(1) {
			r.Release(names[:i])
			return false
		}
	}
	return true
}
