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
	"context"
	"fmt"
	"sync"

	"github.com/maruel/subcommands"

	"go.chromium.org/luci/common/cli"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/system/signals"
	"go.chromium.org/luci/server/redisconn"

	"go.chromium.org/graphtx/notify"
)

func cmdWatch() *subcommands.Command {
	return &subcommands.Command{
		UsageLine: "watch [flags]",
		ShortDesc: "prints ids of objects touched by other processes",
		LongDesc: `Subscribes to invalidation notifications on Redis and prints the ids of
touched objects, one notification per line, until interrupted.`,
		CommandRun: func() subcommands.CommandRun {
			r := &watchRun{}
			r.registerBaseFlags()
			r.Flags.IntVar(&r.count, "count", 0, "Exit after this many notifications. 0 means never.")
			return r
		},
	}
}

type watchRun struct {
	baseCommandRun

	count int
}

func (r *watchRun) Run(a subcommands.Application, args []string, env subcommands.Env) int {
	ctx := cli.GetContext(a, r, env)
	if len(args) != 0 {
		return r.done(ctx, errors.New("unexpected arguments"))
	}
	cfg, err := r.loadConfig()
	if err != nil {
		return r.done(ctx, err)
	}
	if cfg.Redis.Addr == "" {
		return r.done(ctx, errors.New("-redis-addr is required"))
	}

	pool := newPool(cfg.Redis.Addr)
	defer pool.Close()
	ctx = redisconn.UsePool(ctx, pool)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer signals.HandleInterrupt(cancel)()

	out := a.(*application).out
	var m sync.Mutex
	seen := 0
	sub := &notify.Subscriber{
		Channel: cfg.Redis.Channel,
		Handler: func(ctx context.Context, ids []int64) {
			m.Lock()
			defer m.Unlock()
			fmt.Fprintln(out, ids)
			if seen++; r.count > 0 && seen >= r.count {
				cancel()
			}
		},
	}
	if err := sub.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return r.done(ctx, err)
	}
	return 0
}
