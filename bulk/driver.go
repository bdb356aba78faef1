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

	"github.com/dustin/go-humanize"
	"google.golang.org/api/iterator"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/tsmon/field"
	"go.chromium.org/luci/common/tsmon/metric"

	"go.chromium.org/graphtx/txn"
)

// DefaultCommitSize is the page size used when Driver.CommitSize is unset.
const DefaultCommitSize = 1000

var (
	objectCount = metric.NewCounter(
		"graphtx/bulk/objects",
		"Number of objects processed by bulk operations",
		nil,
		field.String("operation"),
		field.String("outcome"), // "handled", "skipped", "faulted", "lost"
	)

	batchCount = metric.NewCounter(
		"graphtx/bulk/batches",
		"Number of pages committed or skipped by bulk operations",
		nil,
		field.String("operation"),
		field.String("outcome"), // "committed", "faulted"
	)
)

// Driver runs a bulk operation.
type Driver struct {
	// Engine opens the page transactions.
	Engine *txn.Engine
	// CommitSize is the number of objects per page. Default is
	// DefaultCommitSize.
	CommitSize int
	// Description names the operation in logs and metrics.
	Description string
}

type page struct {
	pulled  int
	handled int
	skipped int
	faulted int
	done    bool
	srcErr  error
}

// Run pages through src until a page pulls no objects.
//
// Returns the number of handled objects in committed pages. The error is
// non-nil only if src fails or ctx is done.
func (d *Driver) Run(ctx context.Context, src Source, h Handler) (int, error) {
	size := d.CommitSize
	if size <= 0 {
		size = DefaultCommitSize
	}
	desc := d.Description
	if desc == "" {
		desc = "bulk"
	}
	ctx = logging.SetField(ctx, "operation", desc)

	started := clock.Now(ctx)
	total := 0
	for n := 1; ; n++ {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		p := &page{}
		err := d.Engine.Run(ctx, func(ctx context.Context) error {
			return d.fill(ctx, p, size, src, h)
		})

		switch {
		case err != nil:
			batchCount.Add(ctx, 1, desc, "faulted")
			objectCount.Add(ctx, int64(p.handled), desc, "lost")
			if p.srcErr == nil {
				h.OnBatchFault(ctx, err)
			}
		default:
			batchCount.Add(ctx, 1, desc, "committed")
			objectCount.Add(ctx, int64(p.handled), desc, "handled")
			total += p.handled
		}
		objectCount.Add(ctx, int64(p.skipped), desc, "skipped")
		objectCount.Add(ctx, int64(p.faulted), desc, "faulted")

		if p.srcErr != nil {
			return total, p.srcErr
		}
		if p.pulled > 0 {
			logging.Infof(ctx, "%s: page %d: %d object(s), %s handled so far",
				desc, n, p.pulled, humanize.Comma(int64(total)))
		}
		if p.pulled == 0 || p.done {
			break
		}
	}
	logging.Infof(ctx, "%s: done, %s object(s) handled in %s",
		desc, humanize.Comma(int64(total)), clock.Since(ctx, started))
	return total, nil
}

// fill pulls up to size objects into the page transaction carried by ctx.
func (d *Driver) fill(ctx context.Context, p *page, size int, src Source, h Handler) error {
	for p.pulled < size {
		e, err := src.Next(ctx)
		if errors.Is(err, iterator.Done) {
			p.done = true
			return nil
		}
		if err != nil {
			p.srcErr = errors.Fmt("%s: reading source: %w", d.Description, err)
			return p.srcErr
		}
		p.pulled++

		switch ok, err := h.Handle(ctx, e); {
		case err != nil:
			p.faulted++
			h.OnObjectFault(ctx, e, err)
		case ok:
			p.handled++
		default:
			p.skipped++
		}
	}
	return nil
}
