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

// Package maildir implements a read-only message store over a
// Maildir++ tree: the root maildir is INBOX and each ".Name"
// subdirectory is a folder, with "." separating levels of the
// hierarchy.
package maildir

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/matta/threadfolder/internal/folder"
	"github.com/matta/threadfolder/internal/message"
	"github.com/matta/threadfolder/internal/store"

	"github.com/emersion/go-maildir"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const DefaultPageSize = 100

const (
	kindID      = "id"
	kindSubject = "subject"
	kindAll     = "all"
)

// Store is a store.Store and store.Lister over a Maildir++ tree.
// Messages in new/ are read in place and never moved to cur/.
type Store struct {
	root     string
	pageSize int
	log      zerolog.Logger

	mu      sync.Mutex
	folders map[string]*message.Folder
}

// New returns a Store rooted at root.
func New(root string, pageSize int, log zerolog.Logger) *Store {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Store{
		root:     root,
		pageSize: pageSize,
		log:      log.With().Str("store", "maildir").Str("root", root).Logger(),
		folders:  make(map[string]*message.Folder),
	}
}

// Folders implements store.FolderLister.
func (s *Store) Folders(ctx context.Context) ([]*message.Folder, error) {
	if !isMaildir(s.root) {
		return nil, errors.Errorf("%s is not a maildir", s.root)
	}
	folders := []*message.Folder{{ID: "", Path: "INBOX", Tags: []message.Tag{message.TagInbox}}}

	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, errors.Wrapf(err, "listing %s", s.root)
	}
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() || len(name) < 2 || name[0] != '.' || name == ".." {
			continue
		}
		if !isMaildir(filepath.Join(s.root, name)) {
			continue
		}
		path := strings.ReplaceAll(name[1:], ".", "/")
		folders = append(folders, &message.Folder{ID: name, Path: path, Tags: folder.TagsForName(path)})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range folders {
		s.folders[f.ID] = f
	}
	return folders, ctx.Err()
}

// folder returns the listed folder with id, or a stand-in for folders
// listed by another session.
func (s *Store) folder(id, path string) *message.Folder {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.folders[id]; ok {
		return f
	}
	return &message.Folder{ID: id, Path: path, Tags: folder.TagsForName(path)}
}

func isMaildir(path string) bool {
	fi, err := os.Stat(filepath.Join(path, "cur"))
	return err == nil && fi.IsDir()
}

// QueryByID implements store.MessageQuerier.
func (s *Store) QueryByID(ctx context.Context, f *message.Folder, id message.ID) (*store.Page, error) {
	return s.page(ctx, f, kindID, string(id), 0)
}

// QueryBySubject implements store.MessageQuerier.  Subjects match
// case insensitively on substrings, as IMAP SEARCH does.
func (s *Store) QueryBySubject(ctx context.Context, f *message.Folder, subject string) (*store.Page, error) {
	return s.page(ctx, f, kindSubject, subject, 0)
}

// All implements store.Lister.
func (s *Store) All(ctx context.Context, f *message.Folder) (*store.Page, error) {
	return s.page(ctx, f, kindAll, "", 0)
}

// Continue implements store.PageContinuer.
func (s *Store) Continue(ctx context.Context, next string) (*store.Page, error) {
	v, err := url.ParseQuery(next)
	if err != nil {
		return nil, store.ErrBadContinuation
	}
	offset, err := strconv.Atoi(v.Get("o"))
	if err != nil || offset <= 0 {
		return nil, store.ErrBadContinuation
	}
	switch v.Get("k") {
	case kindID, kindSubject, kindAll:
	default:
		return nil, store.ErrBadContinuation
	}
	return s.page(ctx, s.folder(v.Get("f"), v.Get("p")), v.Get("k"), v.Get("v"), offset)
}

func matches(h *message.Header, kind, value string) bool {
	switch kind {
	case kindID:
		return string(h.ID) == strings.Trim(value, "<>")
	case kindSubject:
		return strings.Contains(strings.ToLower(h.Subject), strings.ToLower(value))
	}
	return true
}

// page returns the matching messages of f from offset on.  Every page
// rescans the folder so tokens stay valid across sessions.
func (s *Store) page(ctx context.Context, f *message.Folder, kind, value string, offset int) (*store.Page, error) {
	dir := filepath.Join(s.root, f.ID)
	files, err := messageFiles(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "listing %s", f.Path)
	}

	var found []*message.Message
	for _, mf := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		h, err := readHeader(mf.path)
		if err != nil {
			s.log.Debug().Err(err).Str("file", mf.path).Msg("skipping unreadable message")
			continue
		}
		if !matches(h, kind, value) {
			continue
		}
		found = append(found, &message.Message{StoreID: mf.key, ID: h.ID, Subject: h.Subject, Folder: f})
	}
	if offset > len(found) {
		return nil, store.ErrBadContinuation
	}
	found = found[offset:]

	p := &store.Page{Messages: found}
	if len(found) > s.pageSize {
		p.Messages = found[:s.pageSize]
		p.Next = url.Values{
			"f": {f.ID},
			"p": {f.Path},
			"k": {kind},
			"v": {value},
			"o": {strconv.Itoa(offset + s.pageSize)},
		}.Encode()
	}
	return p, nil
}

type messageFile struct {
	key  string
	path string
}

// messageFiles lists the messages of the maildir at dir ordered by
// key: those in cur/ through go-maildir, those in new/ by file name.
func messageFiles(dir string) ([]messageFile, error) {
	msgs, err := maildir.Dir(dir).Messages()
	if err != nil {
		return nil, err
	}
	var files []messageFile
	for _, m := range msgs {
		files = append(files, messageFile{key: m.Key(), path: m.Filename()})
	}

	entries, err := os.ReadDir(filepath.Join(dir, "new"))
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		key, _, _ := strings.Cut(e.Name(), ":")
		files = append(files, messageFile{key: key, path: filepath.Join(dir, "new", e.Name())})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].key < files[j].key })
	return files, nil
}

func readHeader(path string) (*message.Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return message.ReadHeader(f)
}
