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

package notify

import (
	"context"

	"github.com/gomodule/redigo/redis"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/retry/transient"
	"go.chromium.org/luci/server/redisconn"
)

// DefaultChannel is the Redis channel used when none is configured.
const DefaultChannel = "graphtx:touched"

// Redis publishes notifications on a Redis channel.
//
// Connections come from the pool installed in the context with
// redisconn.UsePool.
type Redis struct {
	// Channel is the pub/sub channel. Default is DefaultChannel.
	Channel string
	// Origin identifies this instance, so that its Subscriber can skip its
	// own notifications.
	Origin string
}

var _ Notifier = (*Redis)(nil)

func channel(c string) string {
	if c == "" {
		return DefaultChannel
	}
	return c
}

// Notify implements Notifier.
func (r *Redis) Notify(ctx context.Context, ids []int64) error {
	blob, err := encode(r.Origin, ids)
	if err != nil {
		return err
	}
	conn, err := redisconn.Get(ctx)
	if err != nil {
		return transient.Tag.Apply(errors.Fmt("getting redis connection: %w", err))
	}
	defer conn.Close()
	if _, err := conn.Do("PUBLISH", channel(r.Channel), blob); err != nil {
		return transient.Tag.Apply(errors.Fmt("publishing %d ids: %w", len(ids), err))
	}
	return nil
}

// Subscriber receives notifications published by Redis notifiers.
type Subscriber struct {
	// Channel is the pub/sub channel. Default is DefaultChannel.
	Channel string
	// Origin is this instance's origin. Its own notifications are skipped.
	Origin string
	// Handler is called for every notification from another instance.
	Handler Handler
}

// Run subscribes and delivers notifications until ctx is done.
//
// Returns ctx's error on a clean shutdown.
func (s *Subscriber) Run(ctx context.Context) error {
	conn, err := redisconn.Get(ctx)
	if err != nil {
		return errors.Fmt("getting redis connection: %w", err)
	}
	psc := redis.PubSubConn{Conn: conn}
	defer psc.Close()

	ch := channel(s.Channel)
	if err := psc.Subscribe(ch); err != nil {
		return errors.Fmt("subscribing to %q: %w", ch, err)
	}
	logging.Infof(ctx, "listening for notifications on %q", ch)

	for {
		switch v := psc.ReceiveContext(ctx).(type) {
		case redis.Message:
			msg, err := decode(v.Data)
			if err != nil {
				logging.Warningf(ctx, "skipping bad notification: %s", err)
				continue
			}
			if msg.Origin != "" && msg.Origin == s.Origin {
				continue
			}
			s.Handler(ctx, msg.IDs)
		case redis.Subscription:
			logging.Debugf(ctx, "redis %s %q (%d)", v.Kind, v.Channel, v.Count)
		case error:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Fmt("receiving from %q: %w", ch, v)
		}
	}
}
