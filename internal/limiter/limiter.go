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

// Package limiter bounds the number of concurrent message store
// lookups.
package limiter

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Gate admits at most a fixed number of holders at once.  Blocked
// callers are admitted in arrival order.
type Gate struct {
	sem      *semaphore.Weighted
	capacity int
	inUse    atomic.Int64
}

// New returns a Gate admitting n holders.  n must be positive.
func New(n int) *Gate {
	if n <= 0 {
		panic("limiter: capacity must be positive")
	}
	return &Gate{sem: semaphore.NewWeighted(int64(n)), capacity: n}
}

// Acquire blocks until the caller is admitted or ctx is done.  On
// success the caller must call Release exactly once.
func (g *Gate) Acquire(ctx context.Context) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	g.inUse.Add(1)
	return nil
}

// Release returns a permit and admits the longest waiting caller, if
// any.
func (g *Gate) Release() {
	if g.inUse.Add(-1) < 0 {
		panic("limiter: Release without Acquire")
	}
	g.sem.Release(1)
}

// InUse returns the number of holders currently admitted.
func (g *Gate) InUse() int {
	return int(g.inUse.Load())
}

// Capacity returns the number of holders the gate admits at once.
func (g *Gate) Capacity() int {
	return g.capacity
}
