package job

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/zerverless/analysisd/internal/db"
)

func newBadgerStore(t *testing.T) (*Store, string) {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "badger-test-*")
	if err != nil {
		t.Fatalf("create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	dbStore, err := db.NewStore(tmpDir)
	if err != nil {
		t.Fatalf("create db store: %v", err)
	}
	store := NewStore(NewBadgerBackend(dbStore))
	return store, tmpDir
}

func TestBadgerBackend_CreateAndGet(t *testing.T) {
	store, _ := newBadgerStore(t)
	defer store.Close()

	if _, err := store.Create("job-1", "summarize", []string{"f1.csv"}); err != nil {
		t.Fatalf("create job: %v", err)
	}

	got, err := store.Get("job-1")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.ID != "job-1" {
		t.Errorf("expected job-1, got %s", got.ID)
	}
	if got.Status != StatusQueued {
		t.Errorf("expected queued, got %s", got.Status)
	}
	if len(got.FilePaths) != 1 || got.FilePaths[0] != "f1.csv" {
		t.Errorf("unexpected file paths: %v", got.FilePaths)
	}
}

func TestBadgerBackend_NotFoundAndDuplicate(t *testing.T) {
	store, _ := newBadgerStore(t)
	defer store.Close()

	if _, err := store.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	store.Create("dup", "x", []string{"f"})
	if _, err := store.Create("dup", "x", []string{"f"}); !errors.Is(err, ErrExists) {
		t.Errorf("expected ErrExists, got %v", err)
	}
}

func TestBadgerBackend_SurvivesReopen(t *testing.T) {
	store, dir := newBadgerStore(t)

	store.Create("job-1", "summarize", []string{"f1.csv"})
	store.Update("job-1", Patch{}.WithStatus(StatusRunning).WithProgress(30))
	store.Update("job-1", Patch{}.WithMessages(Message{Content: "halfway", Sender: SenderAgent}))
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	dbStore, err := db.NewStore(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	reopened := NewStore(NewBadgerBackend(dbStore))
	defer reopened.Close()

	got, err := reopened.Get("job-1")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != StatusRunning || got.Progress != 30 {
		t.Errorf("expected running/30, got %s/%d", got.Status, got.Progress)
	}
	if len(got.Messages) != 2 || got.Messages[1].Content != "halfway" {
		t.Errorf("unexpected messages: %+v", got.Messages)
	}
}

func TestBadgerBackend_List(t *testing.T) {
	store, _ := newBadgerStore(t)
	defer store.Close()
	clock := newFakeClock()
	store.SetClock(clock.Now)

	for _, id := range []string{"a", "b", "c"} {
		store.Create(id, "x", []string{"f"})
		clock.Advance(time.Second)
	}
	store.SoftDelete("b")

	jobs, total, err := store.List(ListQuery{Limit: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 2 {
		t.Fatalf("expected 2, got %d", total)
	}
	if jobs[0].ID != "c" || jobs[1].ID != "a" {
		t.Errorf("expected [c a], got %v", ids(jobs))
	}
}
