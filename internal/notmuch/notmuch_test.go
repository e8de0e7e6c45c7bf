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

package notmuch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/matta/threadfolder/internal/message"
	"github.com/matta/threadfolder/internal/scan"
	"github.com/matta/threadfolder/internal/store"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
)

func mkdirs(t *testing.T, root string, dirs ...string) {
	t.Helper()
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(root, d), 0o700); err != nil {
			t.Fatal(err)
		}
	}
}

// fakeNotmuch writes a stand-in for the notmuch command.  It prints
// root for the database path and answers two queries: the id of a@x
// in .Projects, and a three message subject search paged by offset.
func fakeNotmuch(t *testing.T, root string) string {
	t.Helper()
	script := fmt.Sprintf(`#!/bin/sh
if [ "$1" = config ]; then echo %q; exit 0; fi
case "$*" in
*'id:"a@x" and folder:".Projects"'*) echo "id:a@x" ;;
*'--offset=0'*'subject:"plan"'*) printf 'id:s1@x\nid:s2@x\nid:s3@x\n' ;;
*'--offset=2'*'subject:"plan"'*) echo "id:s3@x" ;;
*'id:"boom"'*) echo "database locked" >&2; exit 1 ;;
esac
`, root)
	path := filepath.Join(t.TempDir(), "notmuch")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTest(t *testing.T) *Service {
	t.Helper()
	root := t.TempDir()
	mkdirs(t, root, ".notmuch/xapian", "cur", "new", "tmp",
		".Projects/cur", ".Sent/cur", "work/Drafts/cur", "attachments")
	s, err := New(context.Background(), fakeNotmuch(t, root), 2, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() = %v, want nil", err)
	}
	return s
}

func TestFolderPath(t *testing.T) {
	cases := []struct {
		rel, want string
	}{
		{"", "INBOX"},
		{".Projects", "Projects"},
		{".Work.Projects", "Work/Projects"},
		{"work/Drafts", "work/Drafts"},
	}
	for _, tc := range cases {
		if got := folderPath(tc.rel); got != tc.want {
			t.Errorf("folderPath(%q) = %q, want %q", tc.rel, got, tc.want)
		}
	}
}

func TestQuote(t *testing.T) {
	if got, want := quote(`say "hi"`), `"say ""hi"""`; got != want {
		t.Errorf("quote() = %s, want %s", got, want)
	}
}

func TestFolders(t *testing.T) {
	s := newTest(t)
	got, err := s.Folders(context.Background())
	if err != nil {
		t.Fatalf("Folders() = %v, want nil", err)
	}
	want := []*message.Folder{
		{ID: "", Path: "INBOX", Tags: []message.Tag{message.TagInbox}},
		{ID: ".Projects", Path: "Projects"},
		{ID: ".Sent", Path: "Sent", Tags: []message.Tag{message.TagSent}},
		{ID: "work/Drafts", Path: "work/Drafts", Tags: []message.Tag{message.TagDrafts}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Folders() mismatch (-want +got):\n%s", diff)
	}
}

func TestQueries(t *testing.T) {
	s := newTest(t)
	ctx := context.Background()
	folders, err := s.Folders(ctx)
	if err != nil {
		t.Fatal(err)
	}
	projects := folders[1]

	page, err := s.QueryByID(ctx, projects, "<a@x>")
	if err != nil {
		t.Fatalf("QueryByID() = %v, want nil", err)
	}
	want := []*message.Message{{StoreID: "a@x", ID: "a@x", Folder: projects}}
	if diff := cmp.Diff(want, page.Messages); diff != "" {
		t.Errorf("QueryByID() mismatch (-want +got):\n%s", diff)
	}

	page, err = s.QueryByID(ctx, folders[2], "a@x")
	if err != nil || len(page.Messages) != 0 {
		t.Errorf("QueryByID(Sent) = %+v, %v, want none", page, err)
	}

	page, err = s.QueryBySubject(ctx, projects, "plan")
	if err != nil {
		t.Fatalf("QueryBySubject() = %v, want nil", err)
	}
	if len(page.Messages) != 2 || page.Next == "" {
		t.Fatalf("QueryBySubject() = %+v, want a full page and a continuation", page)
	}
	third := func(m *message.Message) bool { return m.ID == "s3@x" }
	msg, err := scan.First(ctx, s, page, third)
	if err != nil || msg == nil || msg.Folder != projects || msg.Subject != "plan" {
		t.Errorf("scan.First() = %+v, %v, want s3@x in Projects", msg, err)
	}
}

func TestCommandFailure(t *testing.T) {
	s := newTest(t)
	_, err := s.QueryByID(context.Background(), &message.Folder{}, "boom")
	if err == nil {
		t.Fatalf("QueryByID(boom) = nil, want error")
	}
}

func TestContinueMalformed(t *testing.T) {
	s := newTest(t)
	for _, next := range []string{"", "%zz", "q=x&o=0", "o=2"} {
		if _, err := s.Continue(context.Background(), next); err != store.ErrBadContinuation {
			t.Errorf("Continue(%q) = %v, want %v", next, err, store.ErrBadContinuation)
		}
	}
}
