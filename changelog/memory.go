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

package changelog

import (
	"context"
	"sync"
)

// MemorySink keeps logs in memory.
type MemorySink struct {
	m       sync.Mutex
	objects map[string][]*Entry
	users   map[string][]*Entry
}

var _ Sink = (*MemorySink)(nil)

// Write implements Sink.
func (s *MemorySink) Write(ctx context.Context, b *Batch) error {
	s.m.Lock()
	defer s.m.Unlock()
	if s.objects == nil {
		s.objects = map[string][]*Entry{}
		s.users = map[string][]*Entry{}
	}
	for uuid, entries := range b.Objects {
		for _, e := range entries {
			if e.IsNodeCreation() {
				s.objects[uuid] = append([]*Entry{e}, s.objects[uuid]...)
			} else {
				s.objects[uuid] = append(s.objects[uuid], e)
			}
		}
	}
	for user, entries := range b.Users {
		s.users[user] = append(s.users[user], entries...)
	}
	return nil
}

// Read implements Sink.
func (s *MemorySink) Read(ctx context.Context, uuid string) ([]*Entry, error) {
	s.m.Lock()
	defer s.m.Unlock()
	return append([]*Entry(nil), s.objects[uuid]...), nil
}

// ReadUser implements Sink.
func (s *MemorySink) ReadUser(ctx context.Context, user string) ([]*Entry, error) {
	s.m.Lock()
	defer s.m.Unlock()
	return append([]*Entry(nil), s.users[user]...), nil
}
