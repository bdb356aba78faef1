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

package main

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/maruel/subcommands"

	"go.chromium.org/luci/common/cli"
	"go.chromium.org/luci/common/errors"

	"go.chromium.org/graphtx/bulk"
)

// bulkRun applies a bulk handler to all nodes of a type.
type bulkRun struct {
	baseCommandRun

	op      string
	handler func(args []string) (bulk.Handler, error)
}

func bulkCommand(usage, short, long string, r *bulkRun) *subcommands.Command {
	return &subcommands.Command{
		UsageLine: usage,
		ShortDesc: short,
		LongDesc:  long,
		CommandRun: func() subcommands.CommandRun {
			run := *r
			run.registerBaseFlags()
			return &run
		},
	}
}

func cmdSet() *subcommands.Command {
	return bulkCommand(
		"set [flags] TYPE KEY=VALUE",
		"sets a property on all nodes of a type",
		`Sets a property on all nodes of a type, in pages of -commit-size nodes.

A page failing validation is skipped and the run goes on. "null" removes the
property.`,
		&bulkRun{
			op: "set",
			handler: func(args []string) (bulk.Handler, error) {
				if len(args) != 1 {
					return nil, errors.New("expecting exactly one KEY=VALUE")
				}
				k, v, ok := strings.Cut(args[0], "=")
				if !ok || k == "" {
					return nil, errors.Fmt("expecting KEY=VALUE, got %q", args[0])
				}
				return bulk.SetProperty(k, parseValue(v)), nil
			},
		})
}

func cmdDelete() *subcommands.Command {
	return bulkCommand(
		"delete [flags] TYPE",
		"deletes all nodes of a type",
		"Deletes all nodes of a type together with their relationships.",
		&bulkRun{
			op: "delete",
			handler: func(args []string) (bulk.Handler, error) {
				if len(args) != 0 {
					return nil, errors.New("unexpected arguments after the type")
				}
				return bulk.Delete(), nil
			},
		})
}

func cmdTouch() *subcommands.Command {
	return bulkCommand(
		"touch [flags] TYPE",
		"revalidates all nodes of a type",
		`Revalidates all nodes of a type and recomputes their computed properties.

Nodes failing validation are reported. No lifecycle hooks run.`,
		&bulkRun{
			op: "touch",
			handler: func(args []string) (bulk.Handler, error) {
				if len(args) != 0 {
					return nil, errors.New("unexpected arguments after the type")
				}
				return bulk.Touch(), nil
			},
		})
}

func (r *bulkRun) Run(a subcommands.Application, args []string, env subcommands.Env) int {
	ctx := cli.GetContext(a, r, env)
	if len(args) == 0 {
		return r.done(ctx, errors.Fmt("the node type is required, see 'graphtx help %s'", r.op))
	}
	h, err := r.handler(args[1:])
	if err != nil {
		return r.done(ctx, err)
	}

	ctx, e, err := r.open(ctx)
	if err != nil {
		return r.done(ctx, err)
	}
	defer e.close(ctx)

	d := &bulk.Driver{
		Engine:      e.engine,
		CommitSize:  e.cfg.CommitSize,
		Description: fmt.Sprintf("%s %s", r.op, args[0]),
	}
	n, err := d.Run(ctx, bulk.NewOfType(args[0]), h)
	if err != nil {
		return r.done(ctx, err)
	}
	fmt.Fprintf(a.(*application).out, "%s object(s) handled\n", humanize.Comma(int64(n)))
	return 0
}
