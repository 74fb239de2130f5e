package job

import (
	"sync"
)

// MemoryBackend keeps records in process memory. Used for tests and
// single-shot runs where nothing has to survive a restart.
type MemoryBackend struct {
	mu    sync.RWMutex
	jobs  map[string]*Job
	order []string // insertion order
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		jobs:  make(map[string]*Job),
		order: make([]string, 0),
	}
}

func (b *MemoryBackend) Insert(j *Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.jobs[j.ID]; ok {
		return ErrExists
	}
	b.jobs[j.ID] = j.Clone()
	b.order = append(b.order, j.ID)
	return nil
}

func (b *MemoryBackend) Load(id string) (*Job, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	j, ok := b.jobs[id]
	if !ok {
		return nil, &NotFoundError{ID: id}
	}
	return j.Clone(), nil
}

func (b *MemoryBackend) Save(j *Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.jobs[j.ID]; !ok {
		return &NotFoundError{ID: j.ID}
	}
	b.jobs[j.ID] = j.Clone()
	return nil
}

func (b *MemoryBackend) List(q ListQuery) ([]*Job, int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var filtered []*Job
	for _, id := range b.order {
		if j := b.jobs[id]; q.matches(j) {
			filtered = append(filtered, j.Clone())
		}
	}

	page, total := q.window(filtered)
	return page, total, nil
}

func (b *MemoryBackend) Close() error {
	return nil
}
