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
	"flag"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/maruel/subcommands"

	"go.chromium.org/luci/auth/identity"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/server/redisconn"

	"go.chromium.org/graphtx/caching"
	"go.chromium.org/graphtx/changelog"
	"go.chromium.org/graphtx/config"
	"go.chromium.org/graphtx/graph"
	"go.chromium.org/graphtx/graph/badgerstore"
	"go.chromium.org/graphtx/notify"
	"go.chromium.org/graphtx/txn"
)

// baseCommandRun carries flags shared by all subcommands.
type baseCommandRun struct {
	subcommands.CommandRunBase

	configPath string
	user       string
	cfg        *config.Config
}

func (r *baseCommandRun) registerBaseFlags() {
	r.cfg = config.Default()
	r.Flags.StringVar(&r.configPath, "config", "", "Path to a YAML config file. Flags override its values.")
	r.Flags.StringVar(&r.user, "as", "", `Identity recorded in changelogs, e.g. "user:someone@example.com".`)
	r.cfg.Register(&r.Flags)
}

// loadConfig reads the config file, if any, and reapplies the flags set on
// the command line on top of it.
func (r *baseCommandRun) loadConfig() (*config.Config, error) {
	if r.configPath == "" {
		return r.cfg, r.cfg.Validate()
	}
	cfg, err := config.Load(r.configPath)
	if err != nil {
		return nil, err
	}
	fs := flag.NewFlagSet("config", flag.ContinueOnError)
	cfg.Register(fs)
	r.Flags.Visit(func(f *flag.Flag) {
		if err == nil && fs.Lookup(f.Name) != nil {
			err = fs.Set(f.Name, f.Value.String())
		}
	})
	if err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// env is an opened store with an engine over it.
type env struct {
	cfg      *config.Config
	engine   *txn.Engine
	store    *badgerstore.Store
	sink     *changelog.BadgerSink
	pool     *redis.Pool
	entities *caching.Entities

	// stop ends the invalidation subscriber, done is closed once it exits.
	stop context.CancelFunc
	done chan struct{}
}

func newPool(addr string) *redis.Pool {
	return &redis.Pool{
		MaxIdle:     2,
		IdleTimeout: time.Minute,
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", addr)
		},
	}
}

// open loads the config and opens the store.
//
// The returned context carries the acting user, the request cache and the
// Redis pool when notifications are configured. With Redis, the entity cache
// is invalidated by commits of other processes until close.
func (r *baseCommandRun) open(ctx context.Context) (context.Context, *env, error) {
	cfg, err := r.loadConfig()
	if err != nil {
		return ctx, nil, err
	}
	reg, err := cfg.Registry()
	if err != nil {
		return ctx, nil, err
	}
	if r.user != "" {
		id, err := identity.MakeIdentity(r.user)
		if err != nil {
			return ctx, nil, errors.Fmt("bad -as: %w", err)
		}
		ctx = txn.WithUser(ctx, id, id.Value())
	}

	store, err := badgerstore.Open(ctx, badgerstore.Options{
		Dir:      cfg.Store.Dir,
		InMemory: cfg.Store.InMemory,
	})
	if err != nil {
		return ctx, nil, err
	}
	e := &env{cfg: cfg, store: store, entities: caching.NewEntities(cfg.EntityCacheSize)}

	opts := txn.Options{
		Store:                 store,
		Schema:                reg,
		Entities:              e.entities,
		CallbackWarnThreshold: cfg.CallbackWarnThreshold,
		Retry:                 cfg.RetryFactory(),
	}
	if cfg.Changelog.Enabled {
		if e.sink, err = changelog.NewBadgerSink(store.DB()); err != nil {
			e.close(ctx)
			return ctx, nil, err
		}
		opts.Changelog = e.sink
		opts.UserChangelog = cfg.Changelog.UserLogs
	}
	if cfg.Redis.Addr != "" {
		e.pool = newPool(cfg.Redis.Addr)
		ctx = redisconn.UsePool(ctx, e.pool)
		origin := txn.NewUUID()
		opts.Notifier = &notify.Redis{Channel: cfg.Redis.Channel, Origin: origin}
		e.subscribe(ctx, &notify.Subscriber{
			Channel: cfg.Redis.Channel,
			Origin:  origin,
			Handler: e.entities.Invalidate,
		})
	}
	e.engine = txn.New(opts)

	return caching.WithRequestCache(ctx, cfg.RequestCacheSize), e, nil
}

// subscribe runs the subscriber in the background until close.
func (e *env) subscribe(ctx context.Context, sub *notify.Subscriber) {
	ctx, e.stop = context.WithCancel(ctx)
	e.done = make(chan struct{})
	go func() {
		defer close(e.done)
		if err := sub.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logging.Warningf(ctx, "Entity cache invalidation stopped: %s", err)
		}
	}()
}

// nodeUUID returns the identifier of a node, consulting the entity cache.
func (e *env) nodeUUID(ctx context.Context, id int64) (string, error) {
	if v, ok := e.entities.Get(ctx, id, "uuid"); ok {
		return v.(string), nil
	}
	n, err := txn.Get(ctx, graph.Ref{Kind: graph.NodeKind, ID: id})
	if err != nil {
		return "", err
	}
	e.entities.Put(ctx, id, "uuid", n.UUID, 0)
	return n.UUID, nil
}

func (e *env) close(ctx context.Context) {
	if e.stop != nil {
		e.stop()
		<-e.done
	}
	if e.sink != nil {
		if err := e.sink.Close(); err != nil {
			logging.Warningf(ctx, "Failed to release the changelog sequence: %s", err)
		}
	}
	if e.pool != nil {
		e.pool.Close()
	}
	if err := e.store.Close(); err != nil {
		logging.Errorf(ctx, "Failed to close the store: %s", err)
	}
}

// done logs the error, if any, and returns the exit code.
func (r *baseCommandRun) done(ctx context.Context, err error) int {
	if err != nil {
		logging.Errorf(ctx, "%s", err)
		return 1
	}
	return 0
}
