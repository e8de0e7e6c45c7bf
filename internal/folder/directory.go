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

// Package folder decides which folders may answer a thread lookup and
// caches the list of those folders for the session.
package folder

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/matta/threadfolder/internal/message"
	"github.com/matta/threadfolder/internal/store"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// DefaultTimeout bounds a folder enumeration.
const DefaultTimeout = 5 * time.Second

// Directory is the session cache of non-system folders.  The first
// call to NonSystem enumerates the store's folders; concurrent callers
// share that single enumeration.  A successful listing is kept until
// Invalidate; a failed or timed out one is not kept.
type Directory struct {
	lister  store.FolderLister
	timeout time.Duration
	log     zerolog.Logger
	group   singleflight.Group

	mu      sync.Mutex
	folders []*message.Folder
	loaded  bool
	gen     uint64
}

// NewDirectory returns an empty Directory over lister.  A non-positive
// timeout selects DefaultTimeout.
func NewDirectory(lister store.FolderLister, timeout time.Duration, log zerolog.Logger) *Directory {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Directory{lister: lister, timeout: timeout, log: log}
}

// NonSystem returns the store's non-system folders in listing order.
// The returned slice is shared and must not be modified.
//
// If ctx ends first, NonSystem returns ctx.Err() but the enumeration
// keeps running for the other callers.
func (d *Directory) NonSystem(ctx context.Context) ([]*message.Folder, error) {
	d.mu.Lock()
	if d.loaded {
		folders := d.folders
		d.mu.Unlock()
		return folders, nil
	}
	gen := d.gen
	d.mu.Unlock()

	ch := d.group.DoChan(strconv.FormatUint(gen, 10), func() (interface{}, error) {
		return d.load(context.WithoutCancel(ctx), gen)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]*message.Folder), nil
	}
}

type listing struct {
	folders []*message.Folder
	err     error
}

// load enumerates the folders under the directory's deadline.  The
// listing is kept only if no Invalidate happened since generation gen.
func (d *Directory) load(ctx context.Context, gen uint64) ([]*message.Folder, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	// The store may ignore ctx; the deadline still frees the waiters.
	done := make(chan listing, 1)
	go func() {
		all, err := d.lister.Folders(ctx)
		done <- listing{all, err}
	}()

	var all []*message.Folder
	select {
	case l := <-done:
		if l.err != nil {
			d.log.Warn().Err(l.err).Msg("folder enumeration failed")
			return nil, errors.Wrap(l.err, "enumerating folders")
		}
		all = l.folders
	case <-ctx.Done():
		d.log.Warn().Dur("timeout", d.timeout).Msg("folder enumeration timed out")
		return nil, errors.Wrap(ctx.Err(), "enumerating folders")
	}

	folders := make([]*message.Folder, 0, len(all))
	for _, f := range all {
		if IsSystem(f) {
			continue
		}
		folders = append(folders, f)
	}
	d.log.Debug().Int("total", len(all)).Int("candidates", len(folders)).Msg("folders enumerated")

	d.mu.Lock()
	if d.gen == gen {
		d.folders = folders
		d.loaded = true
	}
	d.mu.Unlock()
	return folders, nil
}

// Invalidate drops the cached listing; the next NonSystem call
// enumerates again.  An enumeration already running is not kept.
func (d *Directory) Invalidate() {
	d.mu.Lock()
	d.folders = nil
	d.loaded = false
	d.gen++
	d.mu.Unlock()
}
