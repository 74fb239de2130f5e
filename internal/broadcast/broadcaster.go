// Package broadcast fans job snapshots out to subscribed channels.
package broadcast

import (
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/zerverless/analysisd/internal/job"
	"github.com/zerverless/analysisd/internal/metrics"
)

// Snapshotter supplies the current record for a newly subscribed channel.
type Snapshotter interface {
	Get(id string) (*job.Job, error)
}

// Broadcaster delivers at most once to channels registered at publish time.
// Nothing is buffered for channels that are not registered.
type Broadcaster struct {
	snap Snapshotter

	mu     sync.RWMutex
	subs   map[string]map[*Channel]struct{}
	byChan map[*Channel]map[string]struct{}
}

func New(snap Snapshotter) *Broadcaster {
	return &Broadcaster{
		snap:   snap,
		subs:   make(map[string]map[*Channel]struct{}),
		byChan: make(map[*Channel]map[string]struct{}),
	}
}

// Subscribe registers c under jobID and offers the current snapshot when the
// job exists. An unknown job id is not an error; the channel simply waits.
func (b *Broadcaster) Subscribe(c *Channel, jobID string) error {
	b.mu.Lock()
	if b.subs[jobID] == nil {
		b.subs[jobID] = make(map[*Channel]struct{})
	}
	if _, ok := b.subs[jobID][c]; !ok {
		b.subs[jobID][c] = struct{}{}
		metrics.Subscribers.Inc()
	}
	if b.byChan[c] == nil {
		b.byChan[c] = make(map[string]struct{})
	}
	b.byChan[c][jobID] = struct{}{}
	b.mu.Unlock()

	j, err := b.snap.Get(jobID)
	if err != nil {
		if errors.Is(err, job.ErrNotFound) {
			return nil
		}
		return err
	}
	c.Offer(j)
	return nil
}

func (b *Broadcaster) Unsubscribe(c *Channel, jobID string) {
	b.mu.Lock()
	if set, ok := b.subs[jobID]; ok {
		if _, ok := set[c]; ok {
			delete(set, c)
			metrics.Subscribers.Dec()
		}
		if len(set) == 0 {
			delete(b.subs, jobID)
		}
	}
	if jobs, ok := b.byChan[c]; ok {
		delete(jobs, jobID)
		if len(jobs) == 0 {
			delete(b.byChan, c)
		}
	}
	b.mu.Unlock()

	c.forget(jobID)
}

// Drop removes every registration of c. Called when its connection closes.
func (b *Broadcaster) Drop(c *Channel) {
	b.mu.RLock()
	jobs := make([]string, 0, len(b.byChan[c]))
	for id := range b.byChan[c] {
		jobs = append(jobs, id)
	}
	b.mu.RUnlock()

	for _, id := range jobs {
		b.Unsubscribe(c, id)
	}
}

// Publish offers j to every channel registered under jobID and returns how
// many accepted it.
func (b *Broadcaster) Publish(jobID string, j *job.Job) int {
	b.mu.RLock()
	targets := make([]*Channel, 0, len(b.subs[jobID]))
	for c := range b.subs[jobID] {
		targets = append(targets, c)
	}
	b.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if c.Offer(j) {
			delivered++
		}
	}
	if len(targets) > 0 {
		log.Debug().
			Str("job_id", jobID).
			Int64("revision", j.Revision).
			Int("delivered", delivered).
			Msg("published snapshot")
	}
	return delivered
}

// Notify adapts the broadcaster to job.Observer.
func (b *Broadcaster) Notify(j *job.Job) {
	b.Publish(j.ID, j)
}

func (b *Broadcaster) Subscribers(jobID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[jobID])
}

func (b *Broadcaster) Channels() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byChan)
}
