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

// Package resolve finds the folder a thread is filed in by racing
// per-identifier lookups against a message store.
//
// Any message of a thread proves where the thread lives, so the
// identifiers are looked up concurrently and the first one found
// wins.  Outcomes are cached per thread for the session.
package resolve

import (
	"context"
	"runtime"

	"github.com/matta/threadfolder/internal/cache"
	"github.com/matta/threadfolder/internal/folder"
	"github.com/matta/threadfolder/internal/limiter"
	"github.com/matta/threadfolder/internal/lookup"
	"github.com/matta/threadfolder/internal/message"
	"github.com/matta/threadfolder/internal/scan"
	"github.com/matta/threadfolder/internal/store"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

var (
	// ErrRetryIneligible is returned by Retry for threads too small
	// to be retried.
	ErrRetryIneligible = errors.New("thread has too few identifiers to retry")
)

// Resolver resolves threads to folders.  It is safe for concurrent
// use; all callers share its caches.
type Resolver struct {
	store     store.Store
	folders   *folder.Directory
	lookups   *lookup.Coordinator
	cache     *cache.ThreadCache
	threshold int
	log       zerolog.Logger
}

// New returns a Resolver over s with fresh session caches.
func New(cfg Config, s store.Store, log zerolog.Logger) (*Resolver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid resolver configuration")
	}
	folders := folder.NewDirectory(s, cfg.LookupTimeout, log)
	gate := limiter.New(cfg.MaxConcurrentLookups)
	return &Resolver{
		store:     s,
		folders:   folders,
		lookups:   lookup.New(s, folders, gate, cfg.LookupTimeout, log),
		cache:     cache.New(cfg.ResultCacheCapacity),
		threshold: cfg.RetryThreshold,
		log:       log,
	}, nil
}

// Cached returns the cached resolution of the thread, if any, without
// touching the store.
func (r *Resolver) Cached(ids []message.ID) (message.Resolution, bool) {
	if len(ids) == 0 {
		return message.NotFound, false
	}
	return r.cache.Get(message.Key(ids))
}

// InvalidateFolders forgets the folder listing; the next lookup
// enumerates the store's folders again.
func (r *Resolver) InvalidateFolders() {
	r.folders.Invalidate()
}

// Resolve returns the folder holding the thread made of ids.  A cached
// outcome is returned without store traffic.  Otherwise every
// identifier is looked up concurrently and the first found folder
// wins.  A not found outcome for a thread of at least the retry
// threshold is raced once more before being returned.
//
// Resolve never fails: lookup errors count as absence.  If ctx ends
// before a folder is found the thread is reported not found and the
// outcome is not cached.
func (r *Resolver) Resolve(ctx context.Context, ids []message.ID) message.Resolution {
	if len(ids) == 0 {
		return message.NotFound
	}
	key := message.Key(ids)
	if res, ok := r.cache.Get(key); ok {
		r.log.Debug().Str("thread", string(key)).Stringer("folder", res).Msg("cache hit")
		return res
	}
	res, _ := r.resolve(ctx, key, ids)
	return res
}

// Retry resolves the thread again, ignoring a cached not found
// outcome.  The new outcome replaces the cached one, even when it is
// not found again.  A cached folder is returned as is.  Threads below
// the retry threshold with a cached not found outcome are not retried
// and yield ErrRetryIneligible.
func (r *Resolver) Retry(ctx context.Context, ids []message.ID) (message.Resolution, error) {
	if len(ids) == 0 {
		return message.NotFound, ErrRetryIneligible
	}
	key := message.Key(ids)
	cached, ok := r.cache.Get(key)
	switch {
	case !ok:
		res, _ := r.resolve(ctx, key, ids)
		return res, nil
	case cached.Found():
		return cached, nil
	case len(ids) < r.threshold:
		return cached, ErrRetryIneligible
	}
	res, _ := r.force(ctx, key, ids)
	return res, ctx.Err()
}

// Locate returns the thread's folder along with a message in that
// folder, for callers that act on the folder.  For a cached folder the
// message is found by subject; otherwise it is the message that won
// the race.  The message is nil when none could be found.
func (r *Resolver) Locate(ctx context.Context, ids []message.ID, subject string) (message.Resolution, *message.Message) {
	if len(ids) == 0 {
		return message.NotFound, nil
	}
	key := message.Key(ids)
	cached, ok := r.cache.Get(key)
	switch {
	case ok && cached.Found():
		return cached, r.bySubject(ctx, cached.Folder, subject)
	case ok && len(ids) < r.threshold:
		return cached, nil
	case ok:
		res, won := r.force(ctx, key, ids)
		return res, won.Message
	}
	res, won := r.resolve(ctx, key, ids)
	return res, won.Message
}

func (r *Resolver) bySubject(ctx context.Context, f *message.Folder, subject string) *message.Message {
	page, err := r.store.QueryBySubject(ctx, f, subject)
	if err != nil {
		r.log.Warn().Err(err).Str("folder", f.Path).Msg("subject query failed")
		return nil
	}
	msg, err := scan.First(ctx, r.store, page, scan.Any)
	if err != nil {
		r.log.Warn().Err(err).Str("folder", f.Path).Msg("subject scan failed")
		return nil
	}
	return msg
}

// resolve races ids, racing once more for large threads that were not
// found, and caches the outcome.
func (r *Resolver) resolve(ctx context.Context, key message.ThreadKey, ids []message.ID) (message.Resolution, lookup.Result) {
	won, err := r.race(ctx, ids)
	if !won.Found() && err == nil && len(ids) >= r.threshold && ctx.Err() == nil {
		runtime.Gosched()
		r.log.Debug().Str("thread", string(key)).Msg("not found, racing again")
		won, err = r.race(ctx, ids)
	}
	return r.settle(ctx, key, won, err), won
}

// force races ids once, bypassing the cache, and caches the outcome.
func (r *Resolver) force(ctx context.Context, key message.ThreadKey, ids []message.ID) (message.Resolution, lookup.Result) {
	r.log.Debug().Str("thread", string(key)).Msg("forced re-resolution")
	won, err := r.race(ctx, ids)
	return r.settle(ctx, key, won, err), won
}

// settle caches the outcome of a race.  A not found outcome is only
// cached when every lookup completed and reported absence.
func (r *Resolver) settle(ctx context.Context, key message.ThreadKey, won lookup.Result, err error) message.Resolution {
	if !won.Found() {
		if ctx.Err() != nil {
			r.log.Debug().Err(ctx.Err()).Str("thread", string(key)).Msg("resolution abandoned")
			return message.NotFound
		}
		if err != nil {
			r.log.Warn().Err(err).Str("thread", string(key)).Msg("resolution failed")
			return message.NotFound
		}
	}
	res := message.Resolved(won.Folder)
	r.cache.Put(key, res)
	r.log.Info().Str("thread", string(key)).Stringer("folder", res).Msg("thread resolved")
	return res
}

type raced struct {
	result lookup.Result
	err    error
}

// race looks up every identifier concurrently and returns the first
// result found.  If none is found it returns the zero result and the
// first lookup error, if any.  Lookups still running when race returns
// are abandoned: their waiters are released and the shared operations
// settle on their own.
func (r *Resolver) race(ctx context.Context, ids []message.ID) (lookup.Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan raced, len(ids))
	for _, id := range ids {
		go func() {
			res, err := r.lookups.Lookup(ctx, id)
			results <- raced{res, err}
		}()
	}
	var first error
	for range ids {
		o := <-results
		if o.result.Found() {
			return o.result, nil
		}
		if o.err != nil && first == nil && ctx.Err() == nil {
			first = o.err
		}
	}
	return lookup.Result{}, first
}
