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

// Package config holds the deployment settings of the transaction engine.
//
// Settings come from a YAML file and may be overridden through command line
// flags registered with Register.
package config

import (
	"flag"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/retry"
	"go.chromium.org/luci/common/retry/transient"

	"go.chromium.org/graphtx/bulk"
	"go.chromium.org/graphtx/notify"
	"go.chromium.org/graphtx/schema"
	"go.chromium.org/graphtx/txn"
)

// Store selects the backing graph store.
type Store struct {
	// Dir is the Badger directory.
	Dir string `yaml:"dir"`
	// InMemory keeps the store in memory. Mostly for tests and demos.
	InMemory bool `yaml:"in_memory"`
}

// Changelog configures changelog assembly.
type Changelog struct {
	Enabled bool `yaml:"enabled"`
	// UserLogs enables per-user logs in addition to per-object ones.
	UserLogs bool `yaml:"user_logs"`
}

// Redis configures cross-process invalidation notifications.
//
// Empty Addr disables them.
type Redis struct {
	Addr    string `yaml:"addr"`
	Channel string `yaml:"channel"`
}

// Retry configures retries of the post-commit phase.
type Retry struct {
	Retries int `yaml:"retries"`
	// DelayMS is the initial delay between attempts, in milliseconds.
	DelayMS int `yaml:"delay_ms"`
	// MaxDelayMS caps the exponential backoff, in milliseconds.
	MaxDelayMS int `yaml:"max_delay_ms"`
}

// Type declares a node or relationship type.
type Type struct {
	Name string        `yaml:"name"`
	Keys []*schema.Key `yaml:"keys"`
}

// Config is the full configuration.
type Config struct {
	// Schema declares the types whose keys are validated.
	Schema []Type `yaml:"schema"`

	Store     Store     `yaml:"store"`
	Changelog Changelog `yaml:"changelog"`
	Redis     Redis     `yaml:"redis"`
	Retry     Retry     `yaml:"retry"`

	// CallbackWarnThreshold is the per-transaction hook count above which a
	// warning is logged.
	CallbackWarnThreshold int `yaml:"callback_warn_threshold"`
	// CommitSize is the number of objects per bulk transaction.
	CommitSize int `yaml:"commit_size"`
	// RequestCacheSize bounds the per-request entity cache.
	RequestCacheSize int `yaml:"request_cache_size"`
	// EntityCacheSize bounds the process-wide entity cache.
	EntityCacheSize int `yaml:"entity_cache_size"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Store:     Store{Dir: "graphtx-data"},
		Changelog: Changelog{Enabled: true},
		Redis:     Redis{Channel: notify.DefaultChannel},
		Retry: Retry{
			Retries:    3,
			DelayMS:    50,
			MaxDelayMS: 5000,
		},
		CallbackWarnThreshold: txn.DefaultCallbackWarnThreshold,
		CommitSize:            bulk.DefaultCommitSize,
		RequestCacheSize:      1000,
		EntityCacheSize:       10000,
	}
}

// Parse overlays YAML on top of the defaults and validates the result.
//
// Unknown fields are rejected.
func Parse(blob []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.UnmarshalStrict(blob, cfg); err != nil {
		return nil, errors.Fmt("bad config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads and parses a YAML config file.
func Load(path string) (*Config, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Fmt("reading config %q: %w", path, err)
	}
	return Parse(blob)
}

// Register registers flags overriding the config fields.
//
// Current values are used as flag defaults, so call it after Load.
func (c *Config) Register(f *flag.FlagSet) {
	f.StringVar(&c.Store.Dir, "store-dir", c.Store.Dir, "Directory of the Badger graph store.")
	f.BoolVar(&c.Store.InMemory, "store-in-memory", c.Store.InMemory, "Keep the graph store in memory.")
	f.BoolVar(&c.Changelog.Enabled, "changelog", c.Changelog.Enabled, "Record the changelog of committed transactions.")
	f.BoolVar(&c.Changelog.UserLogs, "changelog-user-logs", c.Changelog.UserLogs, "Also record per-user changelogs.")
	f.StringVar(&c.Redis.Addr, "redis-addr", c.Redis.Addr, "Redis address for invalidation notifications. Empty to disable.")
	f.StringVar(&c.Redis.Channel, "redis-channel", c.Redis.Channel, "Redis pub/sub channel for invalidation notifications.")
	f.IntVar(&c.Retry.Retries, "retries", c.Retry.Retries, "How many times to retry post-commit hooks on transient conflicts.")
	f.IntVar(&c.CallbackWarnThreshold, "callback-warn-threshold", c.CallbackWarnThreshold, "Warn when a transaction runs more lifecycle callbacks than this.")
	f.IntVar(&c.CommitSize, "commit-size", c.CommitSize, "Objects per bulk operation transaction.")
}

// Validate checks the config is usable.
func (c *Config) Validate() error {
	var merr errors.MultiError
	if !c.Store.InMemory && c.Store.Dir == "" {
		merr = append(merr, errors.New("store.dir is required unless store.in_memory is set"))
	}
	if c.Retry.Retries < 0 {
		merr = append(merr, errors.Fmt("retry.retries must be non-negative, got %d", c.Retry.Retries))
	}
	if c.Retry.DelayMS < 0 || c.Retry.MaxDelayMS < 0 {
		merr = append(merr, errors.New("retry delays must be non-negative"))
	}
	if c.CallbackWarnThreshold <= 0 {
		merr = append(merr, errors.Fmt("callback_warn_threshold must be positive, got %d", c.CallbackWarnThreshold))
	}
	if c.CommitSize <= 0 {
		merr = append(merr, errors.Fmt("commit_size must be positive, got %d", c.CommitSize))
	}
	if c.RequestCacheSize < 0 {
		merr = append(merr, errors.Fmt("request_cache_size must be non-negative, got %d", c.RequestCacheSize))
	}
	if c.EntityCacheSize < 0 {
		merr = append(merr, errors.Fmt("entity_cache_size must be non-negative, got %d", c.EntityCacheSize))
	}
	if c.Redis.Addr != "" && c.Redis.Channel == "" {
		merr = append(merr, errors.New("redis.channel is required when redis.addr is set"))
	}
	if _, err := c.Registry(); err != nil {
		merr = append(merr, err)
	}
	if len(merr) != 0 {
		return merr
	}
	return nil
}

// Registry builds a type registry from the declared schema.
func (c *Config) Registry() (*schema.Registry, error) {
	r := schema.NewRegistry()
	for _, t := range c.Schema {
		if err := r.Register(&schema.Type{Name: t.Name, Keys: t.Keys}); err != nil {
			return nil, errors.Fmt("schema: %w", err)
		}
	}
	return r, nil
}

// RetryFactory is the post-commit retry policy described by the config.
//
// Only transient errors are retried.
func (c *Config) RetryFactory() retry.Factory {
	r := c.Retry
	return transient.Only(func() retry.Iterator {
		return &retry.ExponentialBackoff{
			Limited: retry.Limited{
				Delay:   time.Duration(r.DelayMS) * time.Millisecond,
				Retries: r.Retries,
			},
			MaxDelay: time.Duration(r.MaxDelayMS) * time.Millisecond,
		}
	})
}
