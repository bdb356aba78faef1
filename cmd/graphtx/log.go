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
	"io"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/maruel/subcommands"

	"go.chromium.org/luci/auth/identity"
	"go.chromium.org/luci/common/cli"
	"go.chromium.org/luci/common/errors"

	"go.chromium.org/graphtx/changelog"
)

func cmdLog() *subcommands.Command {
	return &subcommands.Command{
		UsageLine: "log [flags] ID",
		ShortDesc: "prints the changelog of an object or a user",
		LongDesc: `Prints the changelog of an object, oldest first.

With -user prints the changes made by a user instead. The argument is then an
identity such as "user:someone@example.com".`,
		CommandRun: func() subcommands.CommandRun {
			r := &logRun{}
			r.registerBaseFlags()
			r.Flags.BoolVar(&r.user, "user", false, "Print the changelog of a user.")
			r.Flags.BoolVar(&r.relative, "relative", false, "Print times relative to now.")
			return r
		},
	}
}

type logRun struct {
	baseCommandRun

	user     bool
	relative bool
}

func (r *logRun) Run(a subcommands.Application, args []string, env subcommands.Env) int {
	ctx := cli.GetContext(a, r, env)
	if len(args) != 1 {
		return r.done(ctx, errors.New("expecting exactly one id"))
	}

	ctx, e, err := r.open(ctx)
	if err != nil {
		return r.done(ctx, err)
	}
	defer e.close(ctx)
	if e.sink == nil {
		return r.done(ctx, errors.New("the changelog is disabled in the config"))
	}

	var entries []*changelog.Entry
	if r.user {
		id, idErr := identity.MakeIdentity(args[0])
		if idErr != nil {
			return r.done(ctx, idErr)
		}
		entries, err = e.sink.ReadUser(ctx, string(id))
	} else {
		entries, err = e.sink.Read(ctx, args[0])
	}
	if err != nil {
		return r.done(ctx, err)
	}

	out := a.(*application).out
	for _, entry := range entries {
		printEntry(out, entry, r.relative)
	}
	return 0
}

func printEntry(w io.Writer, e *changelog.Entry, relative bool) {
	when := e.Time.UTC().Format(time.RFC3339)
	if relative {
		when = humanize.Time(e.Time)
	}
	who := e.UserName
	if who == "" {
		who = "-"
	}

	var what string
	switch e.Verb {
	case changelog.Create:
		if e.RelType != "" {
			what = fmt.Sprintf("%s %s", e.Type, e.Target)
		} else {
			what = fmt.Sprintf("%s %s%s", e.Type, e.Target, formatProps(e.Properties))
		}
	case changelog.Change:
		what = fmt.Sprintf("%s %s: %v -> %v", e.Target, e.Key, e.Previous, e.Value)
	case changelog.Delete:
		what = fmt.Sprintf("%s %s", e.Type, e.Target)
	case changelog.Link, changelog.Unlink:
		what = fmt.Sprintf("%s %s %s %s", e.Target, e.RelType, e.Direction, e.Other)
	}
	fmt.Fprintf(w, "%s  %s  %-6s  %s\n", when, who, e.Verb, what)
}

func formatProps(props map[string]any) string {
	if len(props) == 0 {
		return ""
	}
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, props[k])
	}
	return " {" + strings.Join(parts, ", ") + "}"
}
