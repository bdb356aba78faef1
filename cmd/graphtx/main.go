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

// Command graphtx administers a graph store: it creates and inspects objects,
// runs bulk operations over all objects of a type and reads changelogs.
package main

import (
	"context"
	"io"
	"os"

	"github.com/maruel/subcommands"

	"go.chromium.org/luci/common/cli"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/logging/gologger"
)

type application struct {
	cli.Application

	out io.Writer
}

func newApplication(out io.Writer) *application {
	return &application{
		Application: cli.Application{
			Name:  "graphtx",
			Title: "Graph store administration tool",
			Context: func(ctx context.Context) context.Context {
				return logging.SetLevel(gologger.StdConfig.Use(ctx), logging.Info)
			},
			Commands: []*subcommands.Command{
				subcommands.CmdHelp,

				cmdCreate(),
				cmdGet(),

				subcommands.Section("Bulk operations"),
				cmdSet(),
				cmdDelete(),
				cmdTouch(),

				subcommands.Section("Changelog"),
				cmdLog(),

				subcommands.Section("Notifications"),
				cmdWatch(),
			},
		},
		out: out,
	}
}

func main() {
	os.Exit(subcommands.Run(newApplication(os.Stdout), nil))
}
