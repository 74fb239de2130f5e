package job

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Observer receives a copy of every committed record. Observers run while the
// job's lock is held, so they see commits for one id in order and must not
// call back into the Store for the same id.
type Observer func(j *Job)

// Store owns the job state machine. All mutation goes through a
// read-modify-write under a per-id lock; the Backend only persists whole
// records.
type Store struct {
	backend Backend
	locks   keyedMutex
	now     func() time.Time

	obsMu     sync.RWMutex
	observers []Observer
}

func NewStore(backend Backend) *Store {
	return &Store{
		backend: backend,
		locks:   keyedMutex{locks: make(map[string]*refLock)},
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Store) Observe(o Observer) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	s.observers = append(s.observers, o)
}

func (s *Store) Close() error {
	return s.backend.Close()
}

func (s *Store) notify(j *Job) {
	s.obsMu.RLock()
	defer s.obsMu.RUnlock()
	for _, o := range s.observers {
		o(j.Clone())
	}
}

// Create persists a new queued job seeded with the submission instructions.
func (s *Store) Create(id, instructions string, filePaths []string) (*Job, error) {
	if strings.TrimSpace(id) == "" {
		return nil, &ValidationError{Field: "job_id", Reason: "must not be empty"}
	}
	if strings.TrimSpace(instructions) == "" {
		return nil, &ValidationError{Field: "instructions", Reason: "must not be empty"}
	}
	if len(filePaths) == 0 {
		return nil, &ValidationError{Field: "file_paths", Reason: "at least one file is required"}
	}
	for _, p := range filePaths {
		if strings.TrimSpace(p) == "" {
			return nil, &ValidationError{Field: "file_paths", Reason: "paths must not be blank"}
		}
	}

	now := s.now()
	j := &Job{
		ID:        id,
		Status:    StatusQueued,
		StartedAt: now,
		Messages:  []Message{{Timestamp: now, Content: instructions, Sender: SenderHuman}},
		FilePaths: slices.Clone(filePaths),
		Run:       1,
		Revision:  1,
	}

	unlock := s.locks.lock(id)
	defer unlock()

	if err := s.backend.Insert(j); err != nil {
		if errors.Is(err, ErrExists) {
			return nil, fmt.Errorf("create job %s: %w", id, ErrExists)
		}
		return nil, fmt.Errorf("create job: %w", err)
	}
	s.notify(j)
	return j.Clone(), nil
}

// Get returns the current snapshot. Soft-deleted jobs are still returned.
func (s *Store) Get(id string) (*Job, error) {
	return s.backend.Load(id)
}

// Update merges p into the record. An illegal status change is dropped while
// the remaining fields are still recorded, so late output from a worker is
// kept after the job went terminal.
func (s *Store) Update(id string, p Patch) (*Job, error) {
	if p.Status != nil && !p.Status.Valid() {
		return nil, &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", *p.Status)}
	}
	return s.mutate(id, func(j *Job) (bool, error) {
		return s.apply(j, p), nil
	})
}

// Begin moves a queued job to running and records msg as a system message.
func (s *Store) Begin(id, msg string) (*Job, error) {
	return s.mutate(id, func(j *Job) (bool, error) {
		if j.Status != StatusQueued || j.Deleted {
			return false, &TransitionError{ID: id, From: j.Status, To: StatusRunning}
		}
		return s.apply(j, Patch{}.
			WithStatus(StatusRunning).
			WithMessages(Message{Content: msg, Sender: SenderSystem})), nil
	})
}

// Finalize applies p only if it moves the job into a terminal status. Nothing
// is recorded otherwise. applied reports whether this call finished the job.
func (s *Store) Finalize(id string, p Patch) (*Job, bool, error) {
	var applied bool
	j, err := s.mutate(id, func(j *Job) (bool, error) {
		if p.Status == nil || !p.Status.Terminal() || !canTransition(j.Status, *p.Status) {
			return false, nil
		}
		changed := s.apply(j, p)
		applied = j.Status.Terminal()
		return changed, nil
	})
	return j, applied, err
}

// Cancel moves a running job to cancelled. Any other status is left alone and
// the current snapshot is returned with cancelled=false.
func (s *Store) Cancel(id string) (*Job, bool, error) {
	var cancelled bool
	j, err := s.mutate(id, func(j *Job) (bool, error) {
		if j.Status != StatusRunning {
			return false, nil
		}
		cancelled = s.apply(j, cancelPatch("Job cancelled by user"))
		return cancelled, nil
	})
	return j, cancelled, err
}

// SoftDelete flags the job deleted, force-cancelling it first when running.
func (s *Store) SoftDelete(id string) (*Job, error) {
	return s.mutate(id, func(j *Job) (bool, error) {
		if j.Deleted {
			return false, nil
		}
		if j.Status == StatusRunning {
			s.apply(j, cancelPatch("Job cancelled because it was deleted"))
		}
		return s.apply(j, Patch{}.WithDeleted(true)), nil
	})
}

// Restart reopens a terminal job as queued in a new run.
func (s *Store) Restart(id string) (*Job, error) {
	return s.mutate(id, func(j *Job) (bool, error) {
		if !j.Status.Terminal() || j.Deleted {
			return false, &TransitionError{ID: id, From: j.Status, To: StatusQueued}
		}
		now := s.now()
		j.Status = StatusQueued
		j.Progress = 0
		j.CompletedAt = nil
		j.Error = ""
		j.Result = nil
		j.Run++
		j.Messages = append(j.Messages, Message{
			Timestamp: now,
			Content:   fmt.Sprintf("Job restarted (run %d)", j.Run),
			Sender:    SenderSystem,
		})
		return true, nil
	})
}

func (s *Store) List(q ListQuery) ([]*Job, int, error) {
	return s.backend.List(q)
}

func (s *Store) Stats() (Stats, error) {
	var st Stats
	jobs, _, err := s.backend.List(ListQuery{})
	if err != nil {
		return st, err
	}
	for _, j := range jobs {
		st.add(j.Status)
	}
	return st, nil
}

func (s *Store) mutate(id string, fn func(j *Job) (bool, error)) (*Job, error) {
	unlock := s.locks.lock(id)
	defer unlock()

	j, err := s.backend.Load(id)
	if err != nil {
		return nil, err
	}

	changed, err := fn(j)
	if err != nil {
		return nil, err
	}
	if !changed {
		return j, nil
	}

	j.Revision++
	if err := s.backend.Save(j); err != nil {
		return nil, fmt.Errorf("save job %s: %w", id, err)
	}
	s.notify(j)
	return j, nil
}

// apply merges p into j and reports whether anything changed.
func (s *Store) apply(j *Job, p Patch) bool {
	if p.empty() {
		return false
	}
	now := s.now()
	changed := false

	if p.Status != nil && *p.Status != j.Status {
		if canTransition(j.Status, *p.Status) {
			j.Status = *p.Status
			changed = true
			if j.Status.Terminal() && j.CompletedAt == nil {
				t := now
				j.CompletedAt = &t
			}
		} else {
			log.Debug().
				Str("job_id", j.ID).
				Str("from", string(j.Status)).
				Str("to", string(*p.Status)).
				Msg("ignoring status transition")
		}
	}

	if p.Progress != nil {
		if n := clampProgress(*p.Progress); n > j.Progress {
			j.Progress = n
			changed = true
		}
	}

	for _, m := range p.Messages {
		if m.Timestamp.IsZero() {
			m.Timestamp = now
		}
		if m.Sender == "" {
			m.Sender = SenderAgent
		}
		j.Messages = append(j.Messages, m)
		changed = true
	}

	if p.Error != nil && *p.Error != j.Error {
		j.Error = *p.Error
		changed = true
	}

	if p.Result != nil {
		j.Result = p.Result.Clone()
		changed = true
	}

	if p.Deleted != nil && *p.Deleted != j.Deleted {
		j.Deleted = *p.Deleted
		changed = true
	}

	return changed
}

func cancelPatch(reason string) Patch {
	return Patch{}.
		WithStatus(StatusCancelled).
		WithMessages(Message{Content: reason, Sender: SenderSystem})
}

// keyedMutex hands out one mutex per id and frees it once nobody holds it.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(id string) func() {
	k.mu.Lock()
	l, ok := k.locks[id]
	if !ok {
		l = &refLock{}
		k.locks[id] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}
