package job

import (
	"sort"
)

// Backend persists whole job records. Implementations never merge; the
// Store owns read-modify-write and per-id serialization.
type Backend interface {
	// Insert stores a new record, failing with ErrExists if the id is taken.
	Insert(j *Job) error
	// Load returns the record or an error matching ErrNotFound.
	Load(id string) (*Job, error)
	// Save replaces an existing record atomically.
	Save(j *Job) error
	List(q ListQuery) ([]*Job, int, error)
	Close() error
}

// ListQuery windows a listing. Limit <= 0 means no limit. An empty Status
// matches every status. Deleted jobs are never listed.
type ListQuery struct {
	Limit  int
	Offset int
	Status Status
}

func (q ListQuery) matches(j *Job) bool {
	if j.Deleted {
		return false
	}
	return q.Status == "" || j.Status == q.Status
}

// window sorts newest first and applies offset and limit. It returns the
// filtered total before windowing.
func (q ListQuery) window(jobs []*Job) ([]*Job, int) {
	sort.SliceStable(jobs, func(a, b int) bool {
		return jobs[a].StartedAt.After(jobs[b].StartedAt)
	})

	total := len(jobs)
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= total {
		return []*Job{}, total
	}

	end := total
	if q.Limit > 0 && offset+q.Limit < total {
		end = offset + q.Limit
	}

	return jobs[offset:end], total
}
