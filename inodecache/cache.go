// Copyright 2024 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package inodecache implements a short-TTL, capacity-bounded mapping
// from mount inode (MI) to an absolute path string.
//
// The cache is purely advisory: a miss is never authoritative, and the
// dispatcher must fall back to the open-file table or the on-disk xattr.
package inodecache

import (
	"container/list"
	"time"

	"github.com/bigdigdata/fusezstd/clock"
)

// DefaultCapacity bounds the cache at ten thousand entries.
const DefaultCapacity = 10000

// DefaultTTL is the entry lifetime, matching the kernel dentry-cache
// window this system advertises.
const DefaultTTL = 1*time.Second + 50*time.Millisecond

type entry struct {
	mi       uint64
	path     string
	expireAt time.Time
	elem     *list.Element
}

// Cache maps MI -> path string with TTL and optional capacity eviction.
// Not safe for concurrent use without external synchronization; fuse-zstd's
// dispatcher is single-threaded.
type Cache struct {
	clock    clock.Clock
	capacity int
	ttl      time.Duration

	entries map[uint64]*entry
	order   *list.List // front = most recently used
}

// New creates a Cache with the given capacity (<=0 means unbounded) and TTL.
func New(c clock.Clock, capacity int, ttl time.Duration) *Cache {
	return &Cache{
		clock:    c,
		capacity: capacity,
		ttl:      ttl,
		entries:  make(map[uint64]*entry),
		order:    list.New(),
	}
}

// Get returns the path bound to mi, or ok=false if missing or expired.
// Not found is never authoritative: callers must fall back.
func (c *Cache) Get(mi uint64) (path string, ok bool) {
	e, found := c.entries[mi]
	if !found {
		return "", false
	}

	if c.clock.Now().After(e.expireAt) {
		c.removeEntry(e)
		return "", false
	}

	c.order.MoveToFront(e.elem)
	return e.path, true
}

// Set stores path under mi. Idempotent:
// repeated sets for the same MI update the path (used by rename).
func (c *Cache) Set(mi uint64, path string) {
	if e, ok := c.entries[mi]; ok {
		e.path = path
		e.expireAt = c.clock.Now().Add(c.ttl)
		c.order.MoveToFront(e.elem)
		return
	}

	e := &entry{mi: mi, path: path, expireAt: c.clock.Now().Add(c.ttl)}
	e.elem = c.order.PushFront(e)
	c.entries[mi] = e

	c.evictIfOverCapacity()
}

// Del best-effort removes mi's entry.
func (c *Cache) Del(mi uint64) {
	if e, ok := c.entries[mi]; ok {
		c.removeEntry(e)
	}
}

func (c *Cache) removeEntry(e *entry) {
	c.order.Remove(e.elem)
	delete(c.entries, e.mi)
}

func (c *Cache) evictIfOverCapacity() {
	if c.capacity <= 0 {
		return
	}
	for len(c.entries) > c.capacity {
		back := c.order.Back()
		if back == nil {
			return
		}
		c.removeEntry(back.Value.(*entry))
	}
}
