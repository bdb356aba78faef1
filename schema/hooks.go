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

package schema

import (
	"context"

	"go.chromium.org/graphtx/graph"
)

// Hooks are lifecycle callbacks of a type.
//
// Inner hooks run inside the committing transaction, before validation. They
// may mutate other entities through the transaction in ctx and report
// validation faults. A returned error aborts the commit.
//
// After hooks run once the transaction has been committed, inside a new
// transaction. They can't veto anything.
type Hooks struct {
	OnCreation     func(ctx context.Context, e *graph.Entity, faults *graph.Faults) error
	OnModification func(ctx context.Context, e *graph.Entity, faults *graph.Faults) error
	// OnDeletion gets the properties the entity had before it was deleted.
	OnDeletion func(ctx context.Context, e *graph.Entity, removed graph.Properties, faults *graph.Faults) error

	AfterCreation     func(ctx context.Context, e *graph.Entity)
	AfterModification func(ctx context.Context, e *graph.Entity)
	AfterDeletion     func(ctx context.Context, e *graph.Entity, removed graph.Properties)

	// Validate adds type specific structural validation.
	Validate func(ctx context.Context, tx graph.Tx, e *graph.Entity, faults *graph.Faults) error
}
