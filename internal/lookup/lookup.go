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

// Package lookup resolves a single message identifier to the first
// non-system folder holding it.
package lookup

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/matta/threadfolder/internal/limiter"
	"github.com/matta/threadfolder/internal/message"
	"github.com/matta/threadfolder/internal/scan"
	"github.com/matta/threadfolder/internal/store"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// DefaultTimeout bounds a single identifier lookup.
const DefaultTimeout = 5 * time.Second

// Result is the outcome of a lookup: the folder and message found, or
// the zero Result when the identifier is absent from every candidate
// folder.
type Result struct {
	Folder  *message.Folder
	Message *message.Message
}

// Found reports whether the lookup found a message.
func (r Result) Found() bool {
	return r.Folder != nil
}

// Folders lists the candidate folders in search order.
type Folders interface {
	NonSystem(ctx context.Context) ([]*message.Folder, error)
}

// Querier is the part of a message store a lookup uses.
type Querier interface {
	store.MessageQuerier
	store.PageContinuer
}

// Coordinator runs identifier lookups.  Concurrent lookups of the same
// identifier share one operation; every operation holds a permit of
// the gate and is bounded by the timeout.
type Coordinator struct {
	store   Querier
	folders Folders
	gate    *limiter.Gate
	timeout time.Duration
	log     zerolog.Logger

	group    singleflight.Group
	inFlight atomic.Int64
}

// New returns a Coordinator.  A non-positive timeout selects
// DefaultTimeout.
func New(s Querier, folders Folders, gate *limiter.Gate, timeout time.Duration, log zerolog.Logger) *Coordinator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Coordinator{
		store:   s,
		folders: folders,
		gate:    gate,
		timeout: timeout,
		log:     log,
	}
}

// InFlight returns the number of operations not yet settled.
func (c *Coordinator) InFlight() int {
	return int(c.inFlight.Load())
}

// Lookup returns the first candidate folder, in listing order, holding
// a message with identifier id.  A timeout or a failed folder query is
// reported as absence.  Failing to enumerate folders, including
// running out of time before they are listed, is an error.
//
// When ctx ends Lookup returns ctx.Err() at once, but the shared
// operation continues for other callers and settles on its own.
func (c *Coordinator) Lookup(ctx context.Context, id message.ID) (Result, error) {
	ch := c.group.DoChan(string(id), func() (interface{}, error) {
		c.inFlight.Add(1)
		defer c.inFlight.Add(-1)
		return c.run(context.WithoutCancel(ctx), id)
	})
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Result{}, res.Err
		}
		return res.Val.(Result), nil
	}
}

type outcome struct {
	result Result
	err    error
}

// run performs one shared lookup under the coordinator's deadline.
func (c *Coordinator) run(ctx context.Context, id message.ID) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	log := c.log.With().Str("id", string(id)).Logger()

	start := time.Now()
	if err := c.gate.Acquire(ctx); err != nil {
		log.Warn().Dur("waited", time.Since(start)).Msg("lookup timed out waiting for admission")
		return Result{}, nil
	}
	defer c.gate.Release()

	// The store may ignore ctx; search runs on its own goroutine so
	// the deadline still settles the lookup and frees the permit.
	var listed atomic.Bool
	done := make(chan outcome, 1)
	go func() {
		r, err := c.search(ctx, log, id, &listed)
		done <- outcome{r, err}
	}()

	select {
	case o := <-done:
		return o.result, o.err
	case <-ctx.Done():
		if !listed.Load() {
			log.Warn().Dur("timeout", c.timeout).Msg("lookup timed out listing folders")
			return Result{}, errors.Errorf("looking up %s: folders not listed within %v", id, c.timeout)
		}
		log.Warn().Dur("timeout", c.timeout).Msg("lookup timed out")
		return Result{}, nil
	}
}

func (c *Coordinator) search(ctx context.Context, log zerolog.Logger, id message.ID, listed *atomic.Bool) (Result, error) {
	folders, err := c.folders.NonSystem(ctx)
	if err != nil {
		return Result{}, errors.Wrapf(err, "looking up %s", id)
	}
	listed.Store(true)

	for _, f := range folders {
		if ctx.Err() != nil {
			return Result{}, nil
		}
		page, err := c.store.QueryByID(ctx, f, id)
		if err != nil {
			log.Debug().Err(err).Str("folder", f.Path).Msg("folder query failed")
			continue
		}
		msg, err := scan.First(ctx, c.store, page, scan.Any)
		if err != nil {
			log.Debug().Err(err).Str("folder", f.Path).Msg("folder scan failed")
			continue
		}
		if msg != nil {
			log.Debug().Str("folder", f.Path).Msg("found")
			return Result{Folder: f, Message: msg}, nil
		}
	}
	return Result{}, nil
}
