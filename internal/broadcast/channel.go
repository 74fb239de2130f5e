package broadcast

import (
	"sync"

	"github.com/zerverless/analysisd/internal/job"
	"github.com/zerverless/analysisd/internal/metrics"
)

// Channel is one observer's mailbox. It holds at most one undelivered
// snapshot per job; a newer snapshot replaces an older one, and a snapshot
// whose revision is not newer than the last one offered is discarded. Offer
// never blocks, so a slow reader cannot stall publishers.
type Channel struct {
	ID string

	mu      sync.Mutex
	pending map[string]*job.Job
	order   []string
	last    map[string]int64
	closed  bool

	ready chan struct{}
	done  chan struct{}
}

func NewChannel(id string) *Channel {
	return &Channel{
		ID:      id,
		pending: make(map[string]*job.Job),
		last:    make(map[string]int64),
		ready:   make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Offer queues j for delivery and reports whether it was accepted.
func (c *Channel) Offer(j *job.Job) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	if rev, ok := c.last[j.ID]; ok && j.Revision <= rev {
		return false
	}
	c.last[j.ID] = j.Revision

	if _, ok := c.pending[j.ID]; ok {
		metrics.SnapshotsDroppedTotal.Inc()
	} else {
		c.order = append(c.order, j.ID)
	}
	c.pending[j.ID] = j

	select {
	case c.ready <- struct{}{}:
	default:
	}
	return true
}

// Ready fires when snapshots are waiting to be drained.
func (c *Channel) Ready() <-chan struct{} {
	return c.ready
}

// Drain takes every pending snapshot in first-offered order.
func (c *Channel) Drain() []*job.Job {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*job.Job, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.pending[id])
	}
	c.pending = make(map[string]*job.Job)
	c.order = c.order[:0]
	return out
}

// forget clears per-job state so a later re-join receives a fresh snapshot.
func (c *Channel) forget(jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.last, jobID)
	if _, ok := c.pending[jobID]; ok {
		delete(c.pending, jobID)
		for i, id := range c.order {
			if id == jobID {
				c.order = append(c.order[:i], c.order[i+1:]...)
				break
			}
		}
	}
}

func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
}

func (c *Channel) Done() <-chan struct{} {
	return c.done
}
