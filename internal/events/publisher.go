// Package events mirrors committed job snapshots onto NATS so other services
// can follow jobs without holding a websocket.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/zerverless/analysisd/internal/job"
)

const DefaultSubjectPrefix = "analysis.jobs"

type JobEvent struct {
	JobID     string     `json:"job_id"`
	Status    job.Status `json:"status"`
	Progress  int        `json:"progress"`
	Run       int        `json:"run"`
	Revision  int64      `json:"revision"`
	Error     string     `json:"error,omitempty"`
	Deleted   bool       `json:"deleted,omitempty"`
	Messages  int        `json:"messages"`
	Timestamp time.Time  `json:"timestamp"`
}

func NewJobEvent(j *job.Job) JobEvent {
	return JobEvent{
		JobID:     j.ID,
		Status:    j.Status,
		Progress:  j.Progress,
		Run:       j.Run,
		Revision:  j.Revision,
		Error:     j.Error,
		Deleted:   j.Deleted,
		Messages:  len(j.Messages),
		Timestamp: time.Now().UTC(),
	}
}

type conn interface {
	Publish(subject string, data []byte) error
}

type Publisher struct {
	conn   conn
	nc     *nats.Conn
	prefix string
}

func NewPublisher(url, prefix string) (*Publisher, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}

	nc, err := nats.Connect(url, nats.Name("analysisd"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &Publisher{conn: nc, nc: nc, prefix: prefix}, nil
}

// Subject is where events for id are published.
func (p *Publisher) Subject(id string) string {
	return p.prefix + "." + id
}

func (p *Publisher) Publish(j *job.Job) error {
	data, err := json.Marshal(NewJobEvent(j))
	if err != nil {
		return fmt.Errorf("failed to marshal job event: %w", err)
	}
	if err := p.conn.Publish(p.Subject(j.ID), data); err != nil {
		return fmt.Errorf("failed to publish job event: %w", err)
	}
	return nil
}

// Notify adapts the publisher to job.Observer. Publish failures are logged
// and never reach the store.
func (p *Publisher) Notify(j *job.Job) {
	if err := p.Publish(j); err != nil {
		log.Warn().Err(err).Str("job_id", j.ID).Msg("job event not published")
	}
}

func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}
