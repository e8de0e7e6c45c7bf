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

// Package notmuch implements a message store over a notmuch database,
// queried through the notmuch command.  Folders are the maildirs
// under the database path.
package notmuch

import (
	"bufio"
	"bytes"
	"context"
	"io/fs"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/matta/threadfolder/internal/folder"
	"github.com/matta/threadfolder/internal/message"
	"github.com/matta/threadfolder/internal/store"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const DefaultPageSize = 100

type Service struct {
	// The notmuch binary.
	command string

	// The database path, as printed by `notmuch config get
	// database.path`.
	root string

	pageSize int
	log      zerolog.Logger

	mu      sync.Mutex
	folders map[string]*message.Folder
}

// New returns a Service running command, "notmuch" when empty.
func New(ctx context.Context, command string, pageSize int, log zerolog.Logger) (*Service, error) {
	if command == "" {
		command = "notmuch"
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	s := &Service{
		command:  command,
		pageSize: pageSize,
		log:      log.With().Str("store", "notmuch").Logger(),
		folders:  make(map[string]*message.Folder),
	}
	out, err := s.run(ctx, "config", "get", "database.path")
	if err != nil {
		return nil, err
	}
	if len(out) == 0 || out[0] == "" {
		return nil, errors.New("notmuch database.path is not set")
	}
	s.root = out[0]
	return s, nil
}

// run executes the notmuch command and returns its output lines.
func (s *Service) run(ctx context.Context, args ...string) ([]string, error) {
	cmd := exec.CommandContext(ctx, s.command, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.Wrapf(err, "%s %s: %s", s.command, args[0], strings.TrimSpace(stderr.String()))
	}
	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, sc.Err()
}

// folderPath maps a maildir's path relative to the database root to a
// folder path.  Maildir++ names (".Work.Projects") are converted to
// "/" separated paths.
func folderPath(rel string) string {
	if rel == "" || rel == "." {
		return "INBOX"
	}
	rel = filepath.ToSlash(rel)
	if strings.HasPrefix(rel, ".") && !strings.Contains(rel, "/") {
		return strings.ReplaceAll(rel[1:], ".", "/")
	}
	return rel
}

// Folders implements store.FolderLister.
func (s *Service) Folders(ctx context.Context) ([]*message.Folder, error) {
	var folders []*message.Folder
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		switch d.Name() {
		case ".notmuch", "cur", "new", "tmp":
			return filepath.SkipDir
		}
		if !isDir(filepath.Join(path, "cur")) {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			rel = ""
		}
		p := folderPath(rel)
		tags := folder.TagsForName(p)
		if rel == "" {
			tags = []message.Tag{message.TagInbox}
		}
		folders = append(folders, &message.Folder{ID: filepath.ToSlash(rel), Path: p, Tags: tags})
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "listing maildirs under %s", s.root)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range folders {
		s.folders[f.ID] = f
	}
	return folders, nil
}

func isDir(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}

// quote returns s as a quoted notmuch query term.
func quote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func folderTerm(f *message.Folder) string {
	return "folder:" + quote(f.ID)
}

// QueryByID implements store.MessageQuerier.
func (s *Service) QueryByID(ctx context.Context, f *message.Folder, id message.ID) (*store.Page, error) {
	q := "id:" + quote(strings.Trim(string(id), "<>")) + " and " + folderTerm(f)
	return s.search(ctx, f, q, "", 0)
}

// QueryBySubject implements store.MessageQuerier.
func (s *Service) QueryBySubject(ctx context.Context, f *message.Folder, subject string) (*store.Page, error) {
	q := "subject:" + quote(subject) + " and " + folderTerm(f)
	return s.search(ctx, f, q, subject, 0)
}

// Continue implements store.PageContinuer.
func (s *Service) Continue(ctx context.Context, next string) (*store.Page, error) {
	v, err := url.ParseQuery(next)
	if err != nil {
		return nil, store.ErrBadContinuation
	}
	offset, err := strconv.Atoi(v.Get("o"))
	if err != nil || offset <= 0 || v.Get("q") == "" {
		return nil, store.ErrBadContinuation
	}
	return s.search(ctx, s.folder(v.Get("f")), v.Get("q"), v.Get("s"), offset)
}

func (s *Service) folder(id string) *message.Folder {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.folders[id]; ok {
		return f
	}
	return &message.Folder{ID: id, Path: folderPath(id)}
}

// search asks for one result past the page to learn whether another
// page follows.
func (s *Service) search(ctx context.Context, f *message.Folder, q, subject string, offset int) (*store.Page, error) {
	lines, err := s.run(ctx, "search", "--output=messages", "--format=text",
		"--offset="+strconv.Itoa(offset),
		"--limit="+strconv.Itoa(s.pageSize+1),
		q)
	if err != nil {
		return nil, err
	}
	s.log.Debug().Str("query", q).Int("results", len(lines)).Msg("search")

	p := &store.Page{}
	for _, line := range lines {
		id := strings.TrimPrefix(line, "id:")
		p.Messages = append(p.Messages, &message.Message{
			StoreID: id,
			ID:      message.ID(id),
			Subject: subject,
			Folder:  f,
		})
	}
	if len(p.Messages) > s.pageSize {
		p.Messages = p.Messages[:s.pageSize]
		p.Next = url.Values{
			"f": {f.ID},
			"q": {q},
			"s": {subject},
			"o": {strconv.Itoa(offset + s.pageSize)},
		}.Encode()
	}
	return p, nil
}
