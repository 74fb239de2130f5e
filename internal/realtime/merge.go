package realtime

import (
	"github.com/zerverless/analysisd/internal/job"
)

type msgKey struct {
	sender  string
	content string
}

// ledger reconciles snapshots arriving from push and poll in any order.
type ledger struct {
	job  *job.Job
	logs []job.Message
	seen map[msgKey]struct{}
}

func newLedger() *ledger {
	return &ledger{seen: make(map[msgKey]struct{})}
}

// apply merges in and reports whether anything visible changed.
//
// A snapshot from an older run is dropped. A newer run is a restart and
// replaces the record. Within a run a terminal status is never replaced by a
// non-terminal one, progress never decreases and an older revision never
// overwrites scalar fields.
func (l *ledger) apply(in *job.Job) bool {
	if in == nil {
		return false
	}
	changed := l.appendLogs(in.Messages)

	cur := l.job
	switch {
	case cur == nil || in.Run > cur.Run:
		l.job = in.Clone()
		return true
	case in.Run < cur.Run:
		return changed
	case in.Revision <= cur.Revision:
		return changed
	}

	next := in.Clone()
	if cur.Status.Terminal() && !next.Status.Terminal() {
		next.Status = cur.Status
		next.CompletedAt = cur.CompletedAt
		next.Error = cur.Error
		next.Result = cur.Result
	}
	if next.Progress < cur.Progress {
		next.Progress = cur.Progress
	}
	l.job = next
	return true
}

func (l *ledger) appendLogs(msgs []job.Message) bool {
	added := false
	for _, m := range msgs {
		k := msgKey{sender: m.Sender, content: m.Content}
		if _, ok := l.seen[k]; ok {
			continue
		}
		l.seen[k] = struct{}{}
		l.logs = append(l.logs, m)
		added = true
	}
	return added
}
