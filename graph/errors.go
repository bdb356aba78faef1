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
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/retry/transient"
)

var (
	// ErrNotFound is returned when an entity doesn't exist.
	ErrNotFound = errors.New("graph: entity not found")

	// ErrTxDone is returned when using a committed or rolled back transaction.
	ErrTxDone = errors.New("graph: transaction already finished")

	// ErrConflict is returned by Tx.Commit when a concurrent transaction has
	// written the same entity first. It is tagged as transient.
	ErrConflict = transient.Tag.Apply(errors.New("graph: concurrent write conflict"))

	// ErrHasRelationships is returned when deleting a node that still has
	// relationships attached.
	ErrHasRelationships = errors.New("graph: node still has relationships")
)
