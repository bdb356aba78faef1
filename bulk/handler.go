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

package bulk

import (
	"context"

	"go.chromium.org/luci/common/logging"

	"go.chromium.org/graphtx/graph"
	"go.chromium.org/graphtx/txn"
)

// Handler processes objects of a bulk operation.
type Handler interface {
	// Handle processes one object in the page transaction carried by ctx.
	//
	// Returns true if the object counts as handled, false to skip it.
	Handle(ctx context.Context, e *graph.Entity) (bool, error)
	// OnObjectFault is called when Handle fails. The page goes on.
	OnObjectFault(ctx context.Context, e *graph.Entity, err error)
	// OnBatchFault is called when a whole page fails. Its changes are lost.
	OnBatchFault(ctx context.Context, err error)
}

// Funcs adapts functions to Handler.
//
// Nil fault callbacks log the fault.
type Funcs struct {
	HandleFunc        func(ctx context.Context, e *graph.Entity) (bool, error)
	OnObjectFaultFunc func(ctx context.Context, e *graph.Entity, err error)
	OnBatchFaultFunc  func(ctx context.Context, err error)
}

// Handle implements Handler.
func (f Funcs) Handle(ctx context.Context, e *graph.Entity) (bool, error) {
	return f.HandleFunc(ctx, e)
}

// OnObjectFault implements Handler.
func (f Funcs) OnObjectFault(ctx context.Context, e *graph.Entity, err error) {
	if f.OnObjectFaultFunc != nil {
		f.OnObjectFaultFunc(ctx, e, err)
	} else {
		logging.Warningf(ctx, "Skipping %s: %s", e, err)
	}
}

// OnBatchFault implements Handler.
func (f Funcs) OnBatchFault(ctx context.Context, err error) {
	if f.OnBatchFaultFunc != nil {
		f.OnBatchFaultFunc(ctx, err)
	} else {
		logging.Errorf(ctx, "Skipping batch: %s", err)
	}
}

// SetProperty returns a handler writing key = value on every object.
func SetProperty(key string, value any) Funcs {
	return Funcs{
		HandleFunc: func(ctx context.Context, e *graph.Entity) (bool, error) {
			return true, txn.SetProperty(ctx, e, key, value)
		},
	}
}

// Delete returns a handler deleting every object.
func Delete() Funcs {
	return Funcs{
		HandleFunc: func(ctx context.Context, e *graph.Entity) (bool, error) {
			return true, txn.Delete(ctx, e)
		},
	}
}

// Touch returns a handler re-validating and re-indexing every object.
func Touch() Funcs {
	return Funcs{
		HandleFunc: func(ctx context.Context, e *graph.Entity) (bool, error) {
			return true, txn.Touch(ctx, e)
		},
	}
}
