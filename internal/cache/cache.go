// Copyright 2019 Google LLC
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

// Package cache holds resolved threads for the session.
package cache

import (
	"sync"

	"github.com/matta/threadfolder/internal/message"

	"github.com/golang/groupcache/lru"
)

// DefaultCapacity is the number of threads kept by default.
const DefaultCapacity = 500

// ThreadCache maps thread keys to resolutions, evicting the least
// recently touched entry beyond its capacity.  Reads and writes both
// count as touches.  It is safe for concurrent use.
type ThreadCache struct {
	mu  sync.Mutex
	lru *lru.Cache
}

// New returns an empty cache holding at most capacity threads.  A
// non-positive capacity selects DefaultCapacity.
func New(capacity int) *ThreadCache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &ThreadCache{lru: lru.New(capacity)}
}

// Get returns the resolution cached for key.
func (c *ThreadCache) Get(key message.ThreadKey) (message.Resolution, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.lru.Get(key)
	if !ok {
		return message.Resolution{}, false
	}
	return v.(message.Resolution), true
}

// Put caches r under key, replacing any previous entry.
func (c *ThreadCache) Put(key message.ThreadKey, r message.Resolution) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(key, r)
}

// Remove drops key from the cache.
func (c *ThreadCache) Remove(key message.ThreadKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(key)
}

// Len returns the number of cached threads.
func (c *ThreadCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
