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

// Package notify tells other process instances which entities a committed
// transaction touched, so they can invalidate their caches.
package notify

import (
	"context"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"go.chromium.org/luci/common/errors"
)

// Notifier broadcasts ids of entities touched by a committed transaction.
type Notifier interface {
	Notify(ctx context.Context, ids []int64) error
}

// Handler receives ids broadcast by some (other) instance.
type Handler func(ctx context.Context, ids []int64)

// Local is an in-process Notifier delivering to subscribed handlers
// synchronously. Used in single instance deployments and tests.
type Local struct {
	m    sync.RWMutex
	subs []Handler
}

// Subscribe registers a handler.
func (l *Local) Subscribe(h Handler) {
	l.m.Lock()
	l.subs = append(l.subs, h)
	l.m.Unlock()
}

// Notify implements Notifier.
func (l *Local) Notify(ctx context.Context, ids []int64) error {
	l.m.RLock()
	subs := append([]Handler(nil), l.subs...)
	l.m.RUnlock()
	for _, h := range subs {
		h(ctx, ids)
	}
	return nil
}

// message is the wire format of a notification.
type message struct {
	Origin string  `msgpack:"o"`
	IDs    []int64 `msgpack:"i"`
}

func encode(origin string, ids []int64) ([]byte, error) {
	blob, err := msgpack.Marshal(&message{Origin: origin, IDs: ids})
	if err != nil {
		return nil, errors.Fmt("encoding notification: %w", err)
	}
	return blob, nil
}

func decode(blob []byte) (*message, error) {
	m := &message{}
	if err := msgpack.Unmarshal(blob, m); err != nil {
		return nil, errors.Fmt("decoding notification: %w", err)
	}
	return m, nil
}
