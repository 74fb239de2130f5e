package job

import (
	"slices"
	"time"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further status transition is permitted.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// canTransition is the status graph. Restart is handled separately by the store.
func canTransition(from, to Status) bool {
	switch from {
	case StatusQueued:
		return to == StatusRunning
	case StatusRunning:
		return to.Terminal()
	}
	return false
}

const (
	SenderHuman  = "human"
	SenderSystem = "system"
	SenderAgent  = "agent"
)

type Message struct {
	Timestamp time.Time `json:"timestamp"`
	Content   string    `json:"content"`
	Sender    string    `json:"sender"`
}

type Visualization struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	FilePath    string    `json:"file_path"`
	Type        string    `json:"type"`
	CreatedAt   time.Time `json:"created_at"`
}

type CodeBlock struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Language  string    `json:"language"`
	CreatedAt time.Time `json:"created_at"`
}

type ReportSection struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Order     int       `json:"order"`
	CreatedAt time.Time `json:"created_at"`
}

// Result is only populated on successful completion.
type Result struct {
	Summary        string          `json:"summary"`
	Files          []string        `json:"files,omitempty"`
	CompletionTime *time.Time      `json:"completion_time,omitempty"`
	Visualizations []Visualization `json:"visualizations,omitempty"`
	CodeBlocks     []CodeBlock     `json:"code_blocks,omitempty"`
	ReportSections []ReportSection `json:"report_sections,omitempty"`
}

func (r *Result) Clone() *Result {
	if r == nil {
		return nil
	}
	c := *r
	c.Files = slices.Clone(r.Files)
	c.Visualizations = slices.Clone(r.Visualizations)
	c.CodeBlocks = slices.Clone(r.CodeBlocks)
	c.ReportSections = slices.Clone(r.ReportSections)
	if r.CompletionTime != nil {
		t := *r.CompletionTime
		c.CompletionTime = &t
	}
	return &c
}

type Job struct {
	ID          string     `json:"job_id"`
	Status      Status     `json:"status"`
	Progress    int        `json:"progress"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Messages    []Message  `json:"messages"`
	Result      *Result    `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	FilePaths   []string   `json:"file_paths"`
	Deleted     bool       `json:"deleted"`

	// Run counts lifecycles; Restart opens a new one.
	Run int `json:"run"`
	// Revision increases with every committed mutation.
	Revision int64 `json:"revision"`
}

// Instructions returns the seed instruction the job was submitted with.
func (j *Job) Instructions() string {
	for _, m := range j.Messages {
		if m.Sender == SenderHuman {
			return m.Content
		}
	}
	return ""
}

// Clone returns a deep copy safe to hand to other goroutines.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Messages = slices.Clone(j.Messages)
	c.FilePaths = slices.Clone(j.FilePaths)
	c.Result = j.Result.Clone()
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// Stats counts non-deleted jobs per status.
type Stats struct {
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

func (s *Stats) add(st Status) {
	switch st {
	case StatusQueued:
		s.Queued++
	case StatusRunning:
		s.Running++
	case StatusCompleted:
		s.Completed++
	case StatusFailed:
		s.Failed++
	case StatusCancelled:
		s.Cancelled++
	}
}
