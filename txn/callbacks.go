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

	"github.com/dustin/go-humanize"

	"go.chromium.org/luci/common/logging"

	"go.chromium.org/graphtx/graph"
)

// DefaultCallbackWarnThreshold is the number of lifecycle hook invocations in
// one transaction above which a warning is logged.
const DefaultCallbackWarnThreshold = 10000

// callbackCounter counts hook invocations of one transaction.
type callbackCounter struct {
	threshold int
	count     int
	warned    bool
}

func (c *callbackCounter) inc(ctx context.Context, e *graph.Entity, hook string) {
	c.count++
	if c.threshold > 0 && c.count > c.threshold && !c.warned {
		c.warned = true
		logging.Warningf(ctx,
			"Transaction has run %s lifecycle callbacks (latest: %s of %s), consider smaller transactions",
			humanize.Comma(int64(c.count)), hook, e)
	}
}
