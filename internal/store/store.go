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

// Package store defines the contract between the folder resolver and
// the message stores it queries.
package store

import (
	"context"

	"github.com/matta/threadfolder/internal/message"

	"github.com/pkg/errors"
)

var (
	// ErrBadContinuation is returned by Continue for a token the
	// store cannot interpret.  Scanners treat it as the end of the
	// result set.
	ErrBadContinuation = errors.New("malformed page continuation")
)

// Page is one page of a query result.
type Page struct {
	Messages []*message.Message

	// An opaque token naming the next page, or empty when this is
	// the last page.
	Next string
}

// FolderLister enumerates the folders of a message store.
type FolderLister interface {
	Folders(ctx context.Context) ([]*message.Folder, error)
}

// MessageQuerier queries the messages of a single folder.
type MessageQuerier interface {
	// QueryByID returns the first page of messages in folder whose
	// header identifier is id.
	QueryByID(ctx context.Context, folder *message.Folder, id message.ID) (*Page, error)

	// QueryBySubject returns the first page of messages in folder
	// with the given subject.
	QueryBySubject(ctx context.Context, folder *message.Folder, subject string) (*Page, error)
}

// PageContinuer fetches the page named by a Page's Next token.
type PageContinuer interface {
	Continue(ctx context.Context, next string) (*Page, error)
}

// Store provides all actions the resolver needs from a message store.
type Store interface {
	FolderLister
	MessageQuerier
	PageContinuer
}

// Lister is implemented by stores able to list every message of a
// folder.  Used when building a local index.
type Lister interface {
	All(ctx context.Context, folder *message.Folder) (*Page, error)
}
