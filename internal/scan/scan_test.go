package scan

import (
	"context"
	"testing"

	"github.com/matta/threadfolder/internal/memstore"
	"github.com/matta/threadfolder/internal/message"
	"github.com/matta/threadfolder/internal/store"

	"github.com/pkg/errors"
)

type failingContinuer struct {
	err   error
	calls int
}

func (f *failingContinuer) Continue(context.Context, string) (*store.Page, error) {
	f.calls++
	return nil, f.err
}

func TestFirstStopsOnFirstMatch(t *testing.T) {
	s := memstore.New()
	s.PageSize = 2
	f := s.AddFolder("1", "Projects")
	for i := 0; i < 6; i++ {
		s.AddMessage(f, "<a>", "plan")
	}
	ctx := context.Background()
	page, err := s.QueryByID(ctx, f, "<a>")
	if err != nil {
		t.Fatal(err)
	}
	msg, err := First(ctx, s, page, Any)
	if err != nil {
		t.Fatalf("First() = %v, want nil", err)
	}
	if msg == nil || msg.StoreID != "1" {
		t.Errorf("First() = %v, want message 1", msg)
	}
	if got := s.ContinueCalls(); got != 0 {
		t.Errorf("ContinueCalls() = %d, want 0", got)
	}
}

func TestFirstFollowsPages(t *testing.T) {
	s := memstore.New()
	s.PageSize = 2
	f := s.AddFolder("1", "Projects")
	for i := 0; i < 5; i++ {
		s.AddMessage(f, "<a>", "plan")
	}
	ctx := context.Background()
	page, err := s.QueryByID(ctx, f, "<a>")
	if err != nil {
		t.Fatal(err)
	}
	msg, err := First(ctx, s, page, func(m *message.Message) bool { return m.StoreID == "4" })
	if err != nil {
		t.Fatalf("First() = %v, want nil", err)
	}
	if msg == nil || msg.StoreID != "4" {
		t.Errorf("First() = %v, want message 4", msg)
	}
	if got := s.ContinueCalls(); got != 1 {
		t.Errorf("ContinueCalls() = %d, want 1", got)
	}

	msg, err = First(ctx, s, page, func(*message.Message) bool { return false })
	if err != nil || msg != nil {
		t.Errorf("First(no match) = %v, %v, want nil, nil", msg, err)
	}
	if got := s.ContinueCalls(); got != 3 {
		t.Errorf("ContinueCalls() = %d, want 3", got)
	}
}

func TestFirstAbsent(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name string
		page *store.Page
	}{
		{"nil page", nil},
		{"empty page", &store.Page{}},
	}
	for _, tc := range cases {
		c := &failingContinuer{}
		msg, err := First(ctx, c, tc.page, Any)
		if msg != nil || err != nil {
			t.Errorf("%s: First() = %v, %v, want nil, nil", tc.name, msg, err)
		}
		if c.calls != 0 {
			t.Errorf("%s: Continue called %d times, want 0", tc.name, c.calls)
		}
	}
}

func TestFirstMalformedContinuation(t *testing.T) {
	c := &failingContinuer{err: store.ErrBadContinuation}
	msg, err := First(context.Background(), c, &store.Page{Next: "garbage"}, Any)
	if msg != nil || err != nil {
		t.Errorf("First() = %v, %v, want nil, nil", msg, err)
	}

	s := memstore.New()
	msg, err = First(context.Background(), s, &store.Page{Next: "%zz"}, Any)
	if msg != nil || err != nil {
		t.Errorf("First(memstore) = %v, %v, want nil, nil", msg, err)
	}
}

func TestFirstContinueError(t *testing.T) {
	boom := errors.New("connection reset")
	c := &failingContinuer{err: boom}
	_, err := First(context.Background(), c, &store.Page{Next: "2"}, Any)
	if !errors.Is(err, boom) {
		t.Errorf("First() = %v, want %v", err, boom)
	}
}
