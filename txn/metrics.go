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
	"go.chromium.org/luci/common/tsmon/distribution"
	"go.chromium.org/luci/common/tsmon/field"
	"go.chromium.org/luci/common/tsmon/metric"
	"go.chromium.org/luci/common/tsmon/types"
)

var (
	commitCount = metric.NewCounter(
		"graphtx/txn/commits",
		"Number of top-level transactions by outcome",
		nil,
		field.String("outcome"), // "committed", "rolled_back", "rejected", "conflict"
	)

	faultCount = metric.NewCounter(
		"graphtx/txn/faults",
		"Number of validation faults rejecting transactions",
		nil,
		field.String("token"),
	)

	phaseDurationMS = metric.NewCumulativeDistribution(
		"graphtx/txn/phase_duration",
		"Time spent in a phase of the commit protocol",
		&types.MetricMetadata{Units: types.Milliseconds},
		distribution.DefaultBucketer,
		field.String("phase"), // "inner", "validation", "indexing", "post_process", "outer"
	)

	lockOrderCount = metric.NewCounter(
		"graphtx/txn/lock_order_conflicts",
		"Number of after-hook commits failing on a busy out of order type lock",
		nil,
	)

	hookCount = metric.NewCounter(
		"graphtx/txn/hooks",
		"Number of lifecycle hook invocations",
		nil,
		field.String("hook"),
	)
)
