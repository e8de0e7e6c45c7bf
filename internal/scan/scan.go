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

// Package scan walks paginated query results.
package scan

import (
	"context"

	"github.com/matta/threadfolder/internal/message"
	"github.com/matta/threadfolder/internal/store"

	"github.com/pkg/errors"
)

// Predicate selects messages.
type Predicate func(*message.Message) bool

// Any accepts every message.
func Any(*message.Message) bool { return true }

// First returns the first message of the result set starting at page
// that satisfies match, or nil if there is none.  Pages are fetched
// from c only while no match has been found.  An empty continuation,
// or one the store rejects with store.ErrBadContinuation, ends the
// result set.
func First(ctx context.Context, c store.PageContinuer, page *store.Page, match Predicate) (*message.Message, error) {
	for page != nil {
		for _, msg := range page.Messages {
			if match(msg) {
				return msg, nil
			}
		}
		if page.Next == "" {
			return nil, nil
		}
		next, err := c.Continue(ctx, page.Next)
		if errors.Is(err, store.ErrBadContinuation) {
			return nil, nil
		}
		if err != nil {
			return nil, errors.Wrap(err, "fetching next page")
		}
		page = next
	}
	return nil, nil
}
