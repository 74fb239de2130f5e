package job

import (
	"testing"
	"time"
)

func TestDispatcher_StartsOldestFirst(t *testing.T) {
	store := NewStore(NewMemoryBackend())
	clock := newFakeClock()
	store.SetClock(clock.Now)

	store.Create("first", "a", []string{"f.csv"})
	clock.Advance(time.Second)
	store.Create("second", "b", []string{"f.csv"})

	var started []string
	d := NewDispatcher(store, func(j *Job) bool {
		started = append(started, j.ID)
		return true
	})

	if n := d.TryDispatch(); n != 2 {
		t.Errorf("expected 2 offered, got %d", n)
	}
	if len(started) != 2 || started[0] != "first" || started[1] != "second" {
		t.Errorf("expected [first second], got %v", started)
	}
}

func TestDispatcher_NoQueuedJobs(t *testing.T) {
	store := NewStore(NewMemoryBackend())
	called := false
	d := NewDispatcher(store, func(j *Job) bool {
		called = true
		return true
	})

	d.TryDispatch()

	if called {
		t.Error("expected start not to be called")
	}
}

func TestDispatcher_StopsWhenStartRefuses(t *testing.T) {
	store := NewStore(NewMemoryBackend())
	store.Create("a", "x", []string{"f.csv"})
	store.Create("b", "x", []string{"f.csv"})
	store.Create("c", "x", []string{"f.csv"})

	calls := 0
	d := NewDispatcher(store, func(j *Job) bool {
		calls++
		return false
	})
	d.TryDispatch()

	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDispatcher_SkipsRunningJobs(t *testing.T) {
	store := NewStore(NewMemoryBackend())
	store.Create("a", "x", []string{"f.csv"})
	store.Update("a", Patch{}.WithStatus(StatusRunning))

	called := false
	d := NewDispatcher(store, func(j *Job) bool {
		called = true
		return true
	})
	d.TryDispatch()

	if called {
		t.Error("running job should not be offered")
	}
}
