package maildir

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/matta/threadfolder/internal/message"
	"github.com/matta/threadfolder/internal/scan"
	"github.com/matta/threadfolder/internal/store"

	"github.com/emersion/go-maildir"
	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
)

func mkdirs(t *testing.T, dir string) {
	t.Helper()
	for _, sub := range []string{"cur", "new", "tmp"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o700); err != nil {
			t.Fatal(err)
		}
	}
}

func raw(id, subject string) string {
	return fmt.Sprintf("Message-ID: <%s>\r\nSubject: %s\r\n\r\nbody\r\n", id, subject)
}

// put writes a message into dir's cur/ under key.
func put(t *testing.T, dir, key, text string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "cur", key+":2,S"), []byte(text), 0o600); err != nil {
		t.Fatal(err)
	}
}

// deliver writes a message into dir's new/.
func deliver(t *testing.T, dir, text string) {
	t.Helper()
	d, err := maildir.NewDelivery(dir)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := io.Copy(d, strings.NewReader(text)); err != nil {
		d.Abort()
		t.Fatal(err)
	}
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
}

func newTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	mkdirs(t, root)
	mkdirs(t, filepath.Join(root, ".Sent"))
	mkdirs(t, filepath.Join(root, ".Projects.2019"))
	if err := os.MkdirAll(filepath.Join(root, ".NotAMaildir"), 0o700); err != nil {
		t.Fatal(err)
	}
	return root
}

func TestFolders(t *testing.T) {
	s := New(newTree(t), 0, zerolog.Nop())
	got, err := s.Folders(context.Background())
	if err != nil {
		t.Fatalf("Folders() = %v, want nil", err)
	}
	want := []*message.Folder{
		{ID: "", Path: "INBOX", Tags: []message.Tag{message.TagInbox}},
		{ID: ".Projects.2019", Path: "Projects/2019"},
		{ID: ".Sent", Path: "Sent", Tags: []message.Tag{message.TagSent}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Folders() mismatch (-want +got):\n%s", diff)
	}
}

func TestFoldersNotAMaildir(t *testing.T) {
	s := New(t.TempDir(), 0, zerolog.Nop())
	if _, err := s.Folders(context.Background()); err == nil {
		t.Errorf("Folders() = nil, want error")
	}
}

func TestQueryByID(t *testing.T) {
	root := newTree(t)
	projects := filepath.Join(root, ".Projects.2019")
	put(t, projects, "1000.a", raw("a@x", "plan"))
	put(t, projects, "1001.b", "not a message at all")
	deliver(t, projects, raw("b@x", "Re: plan"))
	s := New(root, 0, zerolog.Nop())
	ctx := context.Background()
	folders, err := s.Folders(ctx)
	if err != nil {
		t.Fatal(err)
	}
	f := folders[1]

	for _, id := range []message.ID{"a@x", "<a@x>", "b@x"} {
		page, err := s.QueryByID(ctx, f, id)
		if err != nil {
			t.Fatalf("QueryByID(%s) = %v, want nil", id, err)
		}
		if len(page.Messages) != 1 || page.Messages[0].ID != message.ID(strings.Trim(string(id), "<>")) {
			t.Errorf("QueryByID(%s) = %+v, want one match", id, page.Messages)
			continue
		}
		if page.Messages[0].Folder != f {
			t.Errorf("QueryByID(%s) folder = %v, want %v", id, page.Messages[0].Folder, f)
		}
	}
	page, err := s.QueryByID(ctx, folders[0], "a@x")
	if err != nil || len(page.Messages) != 0 {
		t.Errorf("QueryByID(INBOX) = %+v, %v, want no match", page, err)
	}
}

func TestPaging(t *testing.T) {
	root := newTree(t)
	for i := 0; i < 5; i++ {
		put(t, root, fmt.Sprintf("100%d.k", i), raw(fmt.Sprintf("m%d@x", i), "weekly report"))
	}
	s := New(root, 2, zerolog.Nop())
	ctx := context.Background()
	folders, err := s.Folders(ctx)
	if err != nil {
		t.Fatal(err)
	}

	page, err := s.QueryBySubject(ctx, folders[0], "WEEKLY")
	if err != nil {
		t.Fatalf("QueryBySubject() = %v, want nil", err)
	}
	var ids []message.ID
	for {
		for _, m := range page.Messages {
			ids = append(ids, m.ID)
		}
		if page.Next == "" {
			break
		}
		if page, err = s.Continue(ctx, page.Next); err != nil {
			t.Fatalf("Continue() = %v, want nil", err)
		}
	}
	want := []message.ID{"m0@x", "m1@x", "m2@x", "m3@x", "m4@x"}
	if diff := cmp.Diff(want, ids); diff != "" {
		t.Errorf("paged ids mismatch (-want +got):\n%s", diff)
	}

	last := func(m *message.Message) bool { return m.ID == "m4@x" }
	page, _ = s.All(ctx, folders[0])
	if msg, err := scan.First(ctx, s, page, last); err != nil || msg == nil || msg.Folder != folders[0] {
		t.Errorf("scan.First(All) = %v, %v, want m4@x in INBOX", msg, err)
	}
}

func TestContinueMalformed(t *testing.T) {
	s := New(newTree(t), 0, zerolog.Nop())
	for _, next := range []string{"", "%zz", "k=id&o=0", "k=bogus&o=2", "k=id&o=99"} {
		if _, err := s.Continue(context.Background(), next); err != store.ErrBadContinuation {
			t.Errorf("Continue(%q) = %v, want %v", next, err, store.ErrBadContinuation)
		}
	}
}
