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

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/grpc/grpcutil"

	"go.chromium.org/graphtx/graph"
)

var (
	// ErrServiceUnavailable is returned when there's no backing store to open
	// a transaction in.
	ErrServiceUnavailable = grpcutil.UnavailableTag.Apply(errors.New("txn: backing store is not available"))

	// ErrNoTransaction is returned when mutating outside of a transaction.
	ErrNoTransaction = grpcutil.FailedPreconditionTag.Apply(errors.New("txn: not in a transaction"))

	// ErrRollbackOnly is returned by the top-level MarkSuccessful when a nested
	// scope was closed without being marked successful.
	ErrRollbackOnly = grpcutil.AbortedTag.Apply(errors.New("txn: transaction is rollback-only"))

	// ErrLockOrder is returned when an after-hook transaction needs a type
	// lock sorting before a lock its enclosing flow holds, and the lock is
	// busy.
	ErrLockOrder = grpcutil.AbortedTag.Apply(errors.New("txn: type lock out of order"))

	// ErrImmutableKey is returned when writing the identifier key.
	ErrImmutableKey = grpcutil.InvalidArgumentTag.Apply(errors.New("txn: the id key can't be modified"))
)

// ValidationError rejects a transaction. It carries every accumulated fault.
type ValidationError struct {
	Faults []*graph.Fault
}

// Error implements error.
func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Faults))
	for i, f := range e.Faults {
		msgs[i] = f.Error()
	}
	return fmt.Sprintf("validation failed with %d fault(s): %s", len(e.Faults), strings.Join(msgs, "; "))
}

func validationError(faults *graph.Faults) error {
	return grpcutil.InvalidArgumentTag.Apply(&ValidationError{Faults: faults.List()})
}

// Faults extracts validation faults from an error, nil if there are none.
func Faults(err error) []*graph.Fault {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr.Faults
	}
	return nil
}
