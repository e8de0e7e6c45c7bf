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

// Package memstore implements an in-memory message store with
// injectable latency and failures.  It backs the tests of the
// resolver packages.
package memstore

import (
	"context"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/matta/threadfolder/internal/message"
	"github.com/matta/threadfolder/internal/store"

	"github.com/pkg/errors"
)

// Store is an in-memory store.Store.  The exported knobs may be set
// before first use; they must not be changed while queries run.
type Store struct {
	// PageSize bounds the messages per page.  Zero returns every
	// match on one page.
	PageSize int

	// FoldersErr, when set, fails every Folders call.
	FoldersErr error

	// FoldersDelay delays every Folders call.
	FoldersDelay time.Duration

	// Latency delays QueryByID calls for the given identifier.
	Latency map[message.ID]time.Duration

	// Hang makes QueryByID for the given identifier block, ignoring
	// its context, until Release is called.
	Hang map[message.ID]bool

	// FolderErr fails QueryByID calls against the given folder ID.
	FolderErr map[string]error

	mu       sync.Mutex
	folders  []*message.Folder
	messages map[string][]*message.Message
	released chan struct{}
	once     sync.Once

	folderCalls   int
	queryCalls    map[message.ID]int
	subjectCalls  int
	continueCalls int
	active        int
	peak          int
}

// New returns an empty store.
func New() *Store {
	return &Store{
		messages:   make(map[string][]*message.Message),
		queryCalls: make(map[message.ID]int),
		released:   make(chan struct{}),
	}
}

// AddFolder appends a folder to the listing order and returns it.
func (s *Store) AddFolder(id, path string, tags ...message.Tag) *message.Folder {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := &message.Folder{ID: id, Path: path, Tags: tags}
	s.folders = append(s.folders, f)
	return f
}

// AddMessage files a message with the given identifier in f.
func (s *Store) AddMessage(f *message.Folder, id message.ID, subject string) *message.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := &message.Message{
		StoreID: strconv.Itoa(len(s.messages[f.ID]) + 1),
		ID:      id,
		Subject: subject,
		Folder:  f,
	}
	s.messages[f.ID] = append(s.messages[f.ID], m)
	return m
}

// Release unblocks every hung query.
func (s *Store) Release() {
	s.once.Do(func() { close(s.released) })
}

// FolderCalls returns the number of Folders calls made.
func (s *Store) FolderCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.folderCalls
}

// QueryCalls returns the number of QueryByID calls made for id.
func (s *Store) QueryCalls(id message.ID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queryCalls[id]
}

// TotalQueryCalls returns the number of QueryByID calls made.
func (s *Store) TotalQueryCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.queryCalls {
		n += c
	}
	return n
}

// SubjectCalls returns the number of QueryBySubject calls made.
func (s *Store) SubjectCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subjectCalls
}

// ContinueCalls returns the number of Continue calls made.
func (s *Store) ContinueCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.continueCalls
}

// PeakQueries returns the largest number of QueryByID calls observed
// in progress at once.
func (s *Store) PeakQueries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peak
}

// Folders implements store.FolderLister.
func (s *Store) Folders(ctx context.Context) ([]*message.Folder, error) {
	s.mu.Lock()
	s.folderCalls++
	s.mu.Unlock()

	if err := sleep(ctx, s.FoldersDelay); err != nil {
		return nil, err
	}
	if s.FoldersErr != nil {
		return nil, s.FoldersErr
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	folders := make([]*message.Folder, len(s.folders))
	copy(folders, s.folders)
	return folders, nil
}

// QueryByID implements store.MessageQuerier.
func (s *Store) QueryByID(ctx context.Context, folder *message.Folder, id message.ID) (*store.Page, error) {
	s.mu.Lock()
	s.queryCalls[id]++
	s.active++
	if s.active > s.peak {
		s.peak = s.active
	}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.active--
		s.mu.Unlock()
	}()

	if s.Hang[id] {
		<-s.released
	}
	if err := sleep(ctx, s.Latency[id]); err != nil {
		return nil, err
	}
	if err := s.FolderErr[folder.ID]; err != nil {
		return nil, errors.Wrapf(err, "querying folder %s", folder.Path)
	}
	return s.page(folder.ID, "id", string(id), 0)
}

// QueryBySubject implements store.MessageQuerier.
func (s *Store) QueryBySubject(ctx context.Context, folder *message.Folder, subject string) (*store.Page, error) {
	s.mu.Lock()
	s.subjectCalls++
	s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.page(folder.ID, "subject", subject, 0)
}

// Continue implements store.PageContinuer.
func (s *Store) Continue(ctx context.Context, next string) (*store.Page, error) {
	s.mu.Lock()
	s.continueCalls++
	s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v, err := url.ParseQuery(next)
	if err != nil {
		return nil, store.ErrBadContinuation
	}
	offset, err := strconv.Atoi(v.Get("o"))
	if err != nil || offset <= 0 {
		return nil, store.ErrBadContinuation
	}
	return s.page(v.Get("f"), v.Get("k"), v.Get("v"), offset)
}

// All implements store.Lister.
func (s *Store) All(ctx context.Context, folder *message.Folder) (*store.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.page(folder.ID, "all", "", 0)
}

func (s *Store) page(folderID, kind, value string, offset int) (*store.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matches []*message.Message
	for _, m := range s.messages[folderID] {
		switch kind {
		case "id":
			if string(m.ID) != value {
				continue
			}
		case "subject":
			if m.Subject != value {
				continue
			}
		}
		matches = append(matches, m)
	}
	if offset > len(matches) {
		return nil, store.ErrBadContinuation
	}
	matches = matches[offset:]

	p := &store.Page{}
	if s.PageSize > 0 && len(matches) > s.PageSize {
		p.Messages = matches[:s.PageSize]
		p.Next = url.Values{
			"f": {folderID},
			"k": {kind},
			"v": {value},
			"o": {strconv.Itoa(offset + s.PageSize)},
		}.Encode()
		return p, nil
	}
	p.Messages = matches
	return p, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
