package lookup

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/matta/threadfolder/internal/folder"
	"github.com/matta/threadfolder/internal/limiter"
	"github.com/matta/threadfolder/internal/memstore"
	"github.com/matta/threadfolder/internal/message"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

type fixture struct {
	store    *memstore.Store
	gate     *limiter.Gate
	c        *Coordinator
	projects *message.Folder
	receipts *message.Folder
}

func newFixture(capacity int, timeout time.Duration) *fixture {
	s := memstore.New()
	s.AddFolder("1", "Inbox", message.TagInbox)
	projects := s.AddFolder("2", "Projects")
	receipts := s.AddFolder("3", "Receipts")
	gate := limiter.New(capacity)
	dir := folder.NewDirectory(s, timeout, zerolog.Nop())
	return &fixture{
		store:    s,
		gate:     gate,
		c:        New(s, dir, gate, timeout, zerolog.Nop()),
		projects: projects,
		receipts: receipts,
	}
}

func TestLookupFirstFolderInListingOrder(t *testing.T) {
	f := newFixture(6, time.Second)
	f.store.AddMessage(f.receipts, "<a>", "")
	f.store.AddMessage(f.projects, "<a>", "")

	r, err := f.c.Lookup(context.Background(), "<a>")
	if err != nil {
		t.Fatalf("Lookup() = %v, want nil", err)
	}
	if r.Folder != f.projects {
		t.Errorf("Lookup().Folder = %v, want %v", r.Folder, f.projects)
	}
	if r.Message == nil || r.Message.Folder != f.projects {
		t.Errorf("Lookup().Message = %v, want message in Projects", r.Message)
	}
	if got := f.store.QueryCalls("<a>"); got != 1 {
		t.Errorf("QueryCalls() = %d, want 1", got)
	}
}

func TestLookupSkipsSystemFolders(t *testing.T) {
	f := newFixture(6, time.Second)
	inbox := &message.Folder{ID: "1"}
	f.store.AddMessage(inbox, "<a>", "")

	r, err := f.c.Lookup(context.Background(), "<a>")
	if err != nil {
		t.Fatalf("Lookup() = %v, want nil", err)
	}
	if r.Found() {
		t.Errorf("Lookup() = %v, want absent", r.Folder)
	}
	if got := f.store.QueryCalls("<a>"); got != 2 {
		t.Errorf("QueryCalls() = %d, want 2", got)
	}
}

func TestLookupFolderFailureIsNonMatch(t *testing.T) {
	f := newFixture(6, time.Second)
	f.store.FolderErr = map[string]error{"2": errors.New("NO server unavailable")}
	f.store.AddMessage(f.projects, "<a>", "")
	f.store.AddMessage(f.receipts, "<a>", "")

	r, err := f.c.Lookup(context.Background(), "<a>")
	if err != nil {
		t.Fatalf("Lookup() = %v, want nil", err)
	}
	if r.Folder != f.receipts {
		t.Errorf("Lookup().Folder = %v, want %v", r.Folder, f.receipts)
	}
}

func TestLookupEnumerationFailure(t *testing.T) {
	f := newFixture(6, time.Second)
	boom := errors.New("LIST failed")
	f.store.FoldersErr = boom

	if _, err := f.c.Lookup(context.Background(), "<a>"); !errors.Is(err, boom) {
		t.Errorf("Lookup() = %v, want %v", err, boom)
	}
	if got := f.gate.InUse(); got != 0 {
		t.Errorf("InUse() = %d, want 0", got)
	}
}

func TestLookupDeduplicates(t *testing.T) {
	f := newFixture(6, time.Second)
	f.store.Latency = map[message.ID]time.Duration{"<a>": 50 * time.Millisecond}
	f.store.AddMessage(f.projects, "<a>", "")

	const callers = 5
	results := make([]Result, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := f.c.Lookup(context.Background(), "<a>")
			if err != nil {
				t.Errorf("Lookup() = %v, want nil", err)
			}
			results[i] = r
		}()
	}
	wg.Wait()

	if got := f.store.QueryCalls("<a>"); got != 1 {
		t.Errorf("QueryCalls() = %d, want 1", got)
	}
	for i, r := range results {
		if r.Folder != f.projects || r.Message != results[0].Message {
			t.Errorf("caller %d got %v, want the shared result", i, r)
		}
	}
	if got := f.c.InFlight(); got != 0 {
		t.Errorf("InFlight() = %d, want 0", got)
	}

	// Settled lookups are not remembered.
	if _, err := f.c.Lookup(context.Background(), "<a>"); err != nil {
		t.Fatal(err)
	}
	if got := f.store.QueryCalls("<a>"); got != 2 {
		t.Errorf("QueryCalls() after settle = %d, want 2", got)
	}
}

func TestLookupTimeout(t *testing.T) {
	const timeout = 50 * time.Millisecond
	f := newFixture(6, timeout)
	f.store.Hang = map[message.ID]bool{"<a>": true}
	defer f.store.Release()
	f.store.AddMessage(f.projects, "<a>", "")

	start := time.Now()
	r, err := f.c.Lookup(context.Background(), "<a>")
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("Lookup() = %v, want nil", err)
	}
	if r.Found() {
		t.Errorf("Lookup() = %v, want absent", r.Folder)
	}
	if elapsed > timeout+time.Second {
		t.Errorf("Lookup() took %v, want about %v", elapsed, timeout)
	}
	if got := f.gate.InUse(); got != 0 {
		t.Errorf("InUse() after timeout = %d, want 0", got)
	}
	if got := f.c.InFlight(); got != 0 {
		t.Errorf("InFlight() after timeout = %d, want 0", got)
	}
}

func TestLookupBoundedByGate(t *testing.T) {
	const capacity = 2
	f := newFixture(capacity, 5*time.Second)
	f.store.Latency = make(map[message.ID]time.Duration)
	var ids []message.ID
	for i := 0; i < 10; i++ {
		id := message.ID(fmt.Sprintf("<%d>", i))
		ids = append(ids, id)
		f.store.Latency[id] = 10 * time.Millisecond
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.c.Lookup(context.Background(), id); err != nil {
				t.Errorf("Lookup(%s) = %v, want nil", id, err)
			}
		}()
	}
	wg.Wait()

	if got := f.store.PeakQueries(); got > capacity {
		t.Errorf("PeakQueries() = %d, want <= %d", got, capacity)
	}
	if got := f.store.TotalQueryCalls(); got != 2*len(ids) {
		t.Errorf("TotalQueryCalls() = %d, want %d", got, 2*len(ids))
	}
}

func TestLookupCallerCancel(t *testing.T) {
	f := newFixture(6, time.Second)
	f.store.Latency = map[message.ID]time.Duration{"<a>": 100 * time.Millisecond}
	f.store.AddMessage(f.projects, "<a>", "")

	ctx, cancel := context.WithCancel(context.Background())
	shared := make(chan Result, 1)
	go func() {
		r, _ := f.c.Lookup(context.Background(), "<a>")
		shared <- r
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	if _, err := f.c.Lookup(ctx, "<a>"); !errors.Is(err, context.Canceled) {
		t.Errorf("Lookup(cancelled) = %v, want %v", err, context.Canceled)
	}
	if r := <-shared; r.Folder != f.projects {
		t.Errorf("shared Lookup().Folder = %v, want %v", r.Folder, f.projects)
	}
	if got := f.store.QueryCalls("<a>"); got != 1 {
		t.Errorf("QueryCalls() = %d, want 1", got)
	}
}
