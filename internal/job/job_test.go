package job

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	store := NewStore(NewMemoryBackend())
	clock := newFakeClock()
	store.SetClock(clock.Now)
	return store, clock
}

func mustCreate(t *testing.T, s *Store, id string) *Job {
	t.Helper()
	j, err := s.Create(id, "summarize", []string{"f1.csv"})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	return j
}

func TestStore_Create(t *testing.T) {
	store, clock := newTestStore(t)

	j := mustCreate(t, store, "job-1")

	if j.Status != StatusQueued {
		t.Errorf("expected queued, got %s", j.Status)
	}
	if j.Progress != 0 {
		t.Errorf("expected progress 0, got %d", j.Progress)
	}
	if !j.StartedAt.Equal(clock.Now()) {
		t.Errorf("expected started_at %v, got %v", clock.Now(), j.StartedAt)
	}
	if len(j.Messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(j.Messages))
	}
	if j.Messages[0].Content != "summarize" || j.Messages[0].Sender != SenderHuman {
		t.Errorf("unexpected seed message: %+v", j.Messages[0])
	}
	if j.Run != 1 || j.Revision != 1 {
		t.Errorf("expected run 1 revision 1, got run %d revision %d", j.Run, j.Revision)
	}
	if j.Instructions() != "summarize" {
		t.Errorf("expected instructions summarize, got %q", j.Instructions())
	}
}

func TestStore_CreateValidation(t *testing.T) {
	store, _ := newTestStore(t)

	tests := []struct {
		name         string
		id           string
		instructions string
		files        []string
		field        string
	}{
		{"empty id", "", "x", []string{"a"}, "job_id"},
		{"empty instructions", "j", "  ", []string{"a"}, "instructions"},
		{"no files", "j", "x", nil, "file_paths"},
		{"blank file", "j", "x", []string{"a", " "}, "file_paths"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.Create(tt.id, tt.instructions, tt.files)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if verr.Field != tt.field {
				t.Errorf("expected field %s, got %s", tt.field, verr.Field)
			}
		})
	}

	if _, err := store.Get("j"); !errors.Is(err, ErrNotFound) {
		t.Errorf("rejected submission must not be persisted, got %v", err)
	}
}

func TestStore_CreateDuplicate(t *testing.T) {
	store, _ := newTestStore(t)
	mustCreate(t, store, "dup")

	_, err := store.Create("dup", "again", []string{"f"})
	if !errors.Is(err, ErrExists) {
		t.Errorf("expected ErrExists, got %v", err)
	}
}

func TestStore_GetNotFound(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Get("nonexistent")
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
	if nf.ID != "nonexistent" {
		t.Errorf("expected id nonexistent, got %s", nf.ID)
	}
	if _, err := store.Update("nonexistent", Patch{}.WithProgress(1)); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound from update, got %v", err)
	}
}

func TestStore_MessagesAppend(t *testing.T) {
	store, _ := newTestStore(t)
	mustCreate(t, store, "j")

	store.Update("j", Patch{}.WithMessages(Message{Content: "m1", Sender: SenderAgent}))
	got, err := store.Update("j", Patch{}.WithMessages(Message{Content: "m2", Sender: SenderAgent}))
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	want := []string{"summarize", "m1", "m2"}
	if len(got.Messages) != len(want) {
		t.Fatalf("expected %d messages, got %d", len(want), len(got.Messages))
	}
	for i, w := range want {
		if got.Messages[i].Content != w {
			t.Errorf("message %d: expected %s, got %s", i, w, got.Messages[i].Content)
		}
	}
}

func TestStore_MessageDefaults(t *testing.T) {
	store, clock := newTestStore(t)
	mustCreate(t, store, "j")
	clock.Advance(time.Minute)

	got, _ := store.Update("j", Patch{}.WithMessages(Message{Content: "hello"}))
	m := got.Messages[1]
	if m.Sender != SenderAgent {
		t.Errorf("expected default sender agent, got %s", m.Sender)
	}
	if !m.Timestamp.Equal(clock.Now()) {
		t.Errorf("expected timestamp %v, got %v", clock.Now(), m.Timestamp)
	}
}

func TestStore_ProgressClampedAndMonotonic(t *testing.T) {
	store, _ := newTestStore(t)
	mustCreate(t, store, "j")
	store.Update("j", Patch{}.WithStatus(StatusRunning))

	steps := []struct {
		in   int
		want int
	}{
		{40, 40},
		{20, 40},
		{150, 100},
		{-5, 100},
	}
	for _, s := range steps {
		got, err := store.Update("j", Patch{}.WithProgress(s.in))
		if err != nil {
			t.Fatalf("update: %v", err)
		}
		if got.Progress != s.want {
			t.Errorf("progress %d: expected %d, got %d", s.in, s.want, got.Progress)
		}
	}
}

func TestStore_IllegalTransitionIgnored(t *testing.T) {
	store, _ := newTestStore(t)
	mustCreate(t, store, "j")

	got, err := store.Update("j", Patch{}.
		WithStatus(StatusCompleted).
		WithMessages(Message{Content: "early"}))
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.Status != StatusQueued {
		t.Errorf("queued->completed must be ignored, got %s", got.Status)
	}
	if len(got.Messages) != 2 {
		t.Errorf("message should still be recorded, got %d messages", len(got.Messages))
	}
	if got.CompletedAt != nil {
		t.Error("completed_at must stay unset")
	}
}

func TestStore_UnknownStatusRejected(t *testing.T) {
	store, _ := newTestStore(t)
	mustCreate(t, store, "j")

	_, err := store.Update("j", Patch{}.WithStatus(Status("paused")))
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Errorf("expected ValidationError, got %v", err)
	}
}

func TestStore_TerminalIsSticky(t *testing.T) {
	for _, terminal := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		t.Run(string(terminal), func(t *testing.T) {
			store, _ := newTestStore(t)
			mustCreate(t, store, "j")
			store.Update("j", Patch{}.WithStatus(StatusRunning))
			store.Update("j", Patch{}.WithStatus(terminal))

			got, err := store.Update("j", Patch{}.
				WithStatus(StatusRunning).
				WithMessages(Message{Content: "late line"}))
			if err != nil {
				t.Fatalf("update: %v", err)
			}
			if got.Status != terminal {
				t.Errorf("expected %s, got %s", terminal, got.Status)
			}
			if got.Messages[len(got.Messages)-1].Content != "late line" {
				t.Error("late message should be recorded")
			}
		})
	}
}

func TestStore_CompletedAtWriteOnce(t *testing.T) {
	store, clock := newTestStore(t)
	mustCreate(t, store, "j")
	store.Update("j", Patch{}.WithStatus(StatusRunning))

	clock.Advance(time.Minute)
	first, _ := store.Update("j", Patch{}.WithStatus(StatusCompleted))
	if first.CompletedAt == nil {
		t.Fatal("expected completed_at to be set")
	}
	stamp := *first.CompletedAt

	clock.Advance(time.Minute)
	second, _ := store.Update("j", Patch{}.WithStatus(StatusCompleted))
	if !second.CompletedAt.Equal(stamp) {
		t.Errorf("completed_at changed from %v to %v", stamp, *second.CompletedAt)
	}

	clock.Advance(time.Minute)
	third, _ := store.Update("j", Patch{}.WithStatus(StatusFailed))
	if third.Status != StatusCompleted {
		t.Errorf("expected completed, got %s", third.Status)
	}
	if !third.CompletedAt.Equal(stamp) {
		t.Errorf("completed_at changed from %v to %v", stamp, *third.CompletedAt)
	}
}

func TestStore_FinalizeIdempotent(t *testing.T) {
	store, clock := newTestStore(t)
	mustCreate(t, store, "j")
	store.Update("j", Patch{}.WithStatus(StatusRunning))

	_, cancelled, err := store.Cancel("j")
	if err != nil || !cancelled {
		t.Fatalf("cancel: cancelled=%v err=%v", cancelled, err)
	}
	before, _ := store.Get("j")

	clock.Advance(time.Second)
	got, applied, err := store.Finalize("j", Patch{}.
		WithStatus(StatusFailed).
		WithError("worker exited with code 137"))
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if applied {
		t.Error("finalize must not apply to a terminal job")
	}
	if got.Status != StatusCancelled {
		t.Errorf("expected cancelled, got %s", got.Status)
	}
	if got.Error != "" {
		t.Errorf("error must not be set, got %q", got.Error)
	}
	if !got.CompletedAt.Equal(*before.CompletedAt) || got.Revision != before.Revision {
		t.Error("finalize on a terminal job must not touch the record")
	}
}

func TestStore_FinalizeQueuedJobRecordsNothing(t *testing.T) {
	store, _ := newTestStore(t)
	created := mustCreate(t, store, "j")

	got, applied, err := store.Finalize("j", Patch{}.
		WithStatus(StatusFailed).
		WithError("supervisor shut down before worker exited").
		WithMessages(Message{Content: "Analysis process stopped", Sender: SenderSystem}))
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if applied {
		t.Error("queued job cannot be finalized")
	}
	if got.Status != StatusQueued {
		t.Errorf("expected queued, got %s", got.Status)
	}
	if got.Error != "" {
		t.Errorf("expected no error, got %q", got.Error)
	}
	if len(got.Messages) != len(created.Messages) || got.Revision != created.Revision {
		t.Errorf("expected untouched record, got %d messages at revision %d", len(got.Messages), got.Revision)
	}
}

func TestStore_Cancel(t *testing.T) {
	store, _ := newTestStore(t)
	mustCreate(t, store, "j")

	got, cancelled, err := store.Cancel("j")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled || got.Status != StatusQueued {
		t.Errorf("queued job must not be cancelled, got %s", got.Status)
	}

	store.Update("j", Patch{}.WithStatus(StatusRunning))
	got, cancelled, _ = store.Cancel("j")
	if !cancelled || got.Status != StatusCancelled {
		t.Errorf("expected cancelled, got %s", got.Status)
	}
	last := got.Messages[len(got.Messages)-1]
	if last.Content != "Job cancelled by user" || last.Sender != SenderSystem {
		t.Errorf("unexpected cancel message: %+v", last)
	}
}

func TestStore_SoftDelete(t *testing.T) {
	store, _ := newTestStore(t)
	mustCreate(t, store, "idle")
	mustCreate(t, store, "busy")
	store.Update("busy", Patch{}.WithStatus(StatusRunning))

	idle, err := store.SoftDelete("idle")
	if err != nil {
		t.Fatalf("soft delete: %v", err)
	}
	if !idle.Deleted || idle.Status != StatusQueued {
		t.Errorf("expected deleted queued job, got deleted=%v status=%s", idle.Deleted, idle.Status)
	}

	busy, _ := store.SoftDelete("busy")
	if !busy.Deleted || busy.Status != StatusCancelled {
		t.Errorf("expected deleted cancelled job, got deleted=%v status=%s", busy.Deleted, busy.Status)
	}
	if busy.CompletedAt == nil {
		t.Error("force-cancel should set completed_at")
	}

	if got, err := store.Get("busy"); err != nil || !got.Deleted {
		t.Errorf("deleted job should still be readable, err=%v", err)
	}

	jobs, total, _ := store.List(ListQuery{})
	if total != 0 || len(jobs) != 0 {
		t.Errorf("deleted jobs must not be listed, got %d", total)
	}
}

func TestStore_Restart(t *testing.T) {
	store, _ := newTestStore(t)
	mustCreate(t, store, "j")

	if _, err := store.Restart("j"); err == nil {
		t.Fatal("restart of a queued job should fail")
	} else {
		var terr *TransitionError
		if !errors.As(err, &terr) {
			t.Errorf("expected TransitionError, got %v", err)
		}
	}

	store.Update("j", Patch{}.WithStatus(StatusRunning).WithProgress(60))
	store.Finalize("j", Patch{}.WithStatus(StatusFailed).WithError("boom"))

	got, err := store.Restart("j")
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if got.Status != StatusQueued || got.Progress != 0 {
		t.Errorf("expected queued/0, got %s/%d", got.Status, got.Progress)
	}
	if got.CompletedAt != nil || got.Error != "" || got.Result != nil {
		t.Error("restart should clear completion fields")
	}
	if got.Run != 2 {
		t.Errorf("expected run 2, got %d", got.Run)
	}
	if got.Messages[0].Content != "summarize" {
		t.Error("restart must keep the message history")
	}
}

func TestStore_RevisionIncreases(t *testing.T) {
	store, _ := newTestStore(t)
	j := mustCreate(t, store, "j")
	last := j.Revision

	patches := []Patch{
		Patch{}.WithStatus(StatusRunning),
		Patch{}.WithProgress(10),
		Patch{}.WithMessages(Message{Content: "x"}),
	}
	for _, p := range patches {
		got, _ := store.Update("j", p)
		if got.Revision <= last {
			t.Errorf("revision did not increase: %d -> %d", last, got.Revision)
		}
		last = got.Revision
	}

	got, _ := store.Update("j", Patch{}.WithProgress(5))
	if got.Revision != last {
		t.Errorf("no-op update must not bump revision, got %d want %d", got.Revision, last)
	}
}

func TestStore_List(t *testing.T) {
	store, clock := newTestStore(t)
	for i := 0; i < 5; i++ {
		mustCreate(t, store, fmt.Sprintf("job-%d", i))
		clock.Advance(time.Second)
	}
	store.Update("job-1", Patch{}.WithStatus(StatusRunning))
	store.Update("job-3", Patch{}.WithStatus(StatusRunning))

	jobs, total, err := store.List(ListQuery{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 5 {
		t.Errorf("expected total 5, got %d", total)
	}
	if len(jobs) != 2 || jobs[0].ID != "job-3" || jobs[1].ID != "job-2" {
		t.Errorf("unexpected page: %v", ids(jobs))
	}

	running, total, _ := store.List(ListQuery{Status: StatusRunning})
	if total != 2 || running[0].ID != "job-3" || running[1].ID != "job-1" {
		t.Errorf("unexpected running list: %v", ids(running))
	}

	empty, total, _ := store.List(ListQuery{Limit: 10, Offset: 10})
	if len(empty) != 0 || total != 5 {
		t.Errorf("expected empty page with total 5, got %d/%d", len(empty), total)
	}
}

func TestStore_Stats(t *testing.T) {
	store, _ := newTestStore(t)
	mustCreate(t, store, "a")
	mustCreate(t, store, "b")
	store.Update("b", Patch{}.WithStatus(StatusRunning))

	st, err := store.Stats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Queued != 1 || st.Running != 1 {
		t.Errorf("unexpected stats: %+v", st)
	}
}

func TestStore_ObserverSeesCommitsInOrder(t *testing.T) {
	store, _ := newTestStore(t)

	var mu sync.Mutex
	var revisions []int64
	store.Observe(func(j *Job) {
		mu.Lock()
		revisions = append(revisions, j.Revision)
		mu.Unlock()
	})

	mustCreate(t, store, "j")
	store.Update("j", Patch{}.WithStatus(StatusRunning))
	store.Update("j", Patch{}.WithProgress(5))
	store.Update("j", Patch{}.WithProgress(1)) // no-op, not observed

	if len(revisions) != 3 {
		t.Fatalf("expected 3 notifications, got %d", len(revisions))
	}
	for i := 1; i < len(revisions); i++ {
		if revisions[i] <= revisions[i-1] {
			t.Errorf("revisions out of order: %v", revisions)
		}
	}
}

func TestStore_ConcurrentWritersLoseNothing(t *testing.T) {
	store, _ := newTestStore(t)
	mustCreate(t, store, "j")
	store.Update("j", Patch{}.WithStatus(StatusRunning))

	const writers = 8
	const perWriter = 25
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				store.Update("j", Patch{}.
					WithMessages(Message{Content: fmt.Sprintf("w%d-%d", w, i)}).
					WithProgress(i))
			}
		}(w)
	}
	wg.Wait()

	got, _ := store.Get("j")
	if len(got.Messages) != 1+writers*perWriter {
		t.Errorf("expected %d messages, got %d", 1+writers*perWriter, len(got.Messages))
	}
	if got.Progress != perWriter-1 {
		t.Errorf("expected progress %d, got %d", perWriter-1, got.Progress)
	}
}

func TestStore_ReturnedJobIsACopy(t *testing.T) {
	store, _ := newTestStore(t)
	j := mustCreate(t, store, "j")
	j.Messages[0].Content = "tampered"
	j.FilePaths[0] = "other"

	got, _ := store.Get("j")
	if got.Messages[0].Content != "summarize" || got.FilePaths[0] != "f1.csv" {
		t.Error("caller mutation leaked into the store")
	}
}

func ids(jobs []*Job) []string {
	out := make([]string, len(jobs))
	for i, j := range jobs {
		out[i] = j.ID
	}
	return out
}

func TestStore_Begin(t *testing.T) {
	store, _ := newTestStore(t)
	mustCreate(t, store, "j")

	got, err := store.Begin("j", "Starting analysis process")
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if got.Status != StatusRunning {
		t.Errorf("expected running, got %s", got.Status)
	}
	if last := got.Messages[len(got.Messages)-1]; last.Sender != SenderSystem {
		t.Errorf("expected system message, got %+v", last)
	}

	_, err = store.Begin("j", "again")
	var terr *TransitionError
	if !errors.As(err, &terr) {
		t.Errorf("expected TransitionError for a running job, got %v", err)
	}
}
