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

package resolve

import (
	"time"

	"github.com/matta/threadfolder/internal/cache"
	"github.com/matta/threadfolder/internal/lookup"

	"github.com/pkg/errors"
)

// Config holds the resolver's tunables.
type Config struct {
	// The number of message store lookups admitted at once.
	MaxConcurrentLookups int

	// The bound on a single identifier lookup.  A lookup still
	// running at the deadline counts as absent.
	LookupTimeout time.Duration

	// The number of threads remembered for the session.
	ResultCacheCapacity int

	// Threads with at least this many identifiers get a second
	// race before a not found outcome is returned, and may be
	// retried on request.
	RetryThreshold int
}

// DefaultConfig returns the default tunables.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentLookups: 6,
		LookupTimeout:        lookup.DefaultTimeout,
		ResultCacheCapacity:  cache.DefaultCapacity,
		RetryThreshold:       3,
	}
}

// Validate reports the first out of range tunable.
func (c Config) Validate() error {
	switch {
	case c.MaxConcurrentLookups <= 0:
		return errors.Errorf("max concurrent lookups must be positive, got %d", c.MaxConcurrentLookups)
	case c.LookupTimeout <= 0:
		return errors.Errorf("lookup timeout must be positive, got %v", c.LookupTimeout)
	case c.ResultCacheCapacity <= 0:
		return errors.Errorf("result cache capacity must be positive, got %d", c.ResultCacheCapacity)
	case c.RetryThreshold <= 0:
		return errors.Errorf("retry threshold must be positive, got %d", c.RetryThreshold)
	}
	return nil
}
