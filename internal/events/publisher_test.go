package events

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/zerverless/analysisd/internal/job"
)

type recordingConn struct {
	subjects []string
	payloads [][]byte
	err      error
}

func (r *recordingConn) Publish(subject string, data []byte) error {
	if r.err != nil {
		return r.err
	}
	r.subjects = append(r.subjects, subject)
	r.payloads = append(r.payloads, data)
	return nil
}

func TestPublisher_NotifyPublishesEverySnapshot(t *testing.T) {
	rec := &recordingConn{}
	p := &Publisher{conn: rec, prefix: DefaultSubjectPrefix}

	store := job.NewStore(job.NewMemoryBackend())
	store.Observe(p.Notify)

	store.Create("j1", "summarize", []string{"f1.csv"})
	store.Update("j1", job.Patch{}.WithStatus(job.StatusRunning).WithProgress(50))

	if len(rec.subjects) != 2 {
		t.Fatalf("expected 2 events, got %d", len(rec.subjects))
	}
	if rec.subjects[0] != "analysis.jobs.j1" {
		t.Errorf("unexpected subject %s", rec.subjects[0])
	}

	var ev JobEvent
	if err := json.Unmarshal(rec.payloads[1], &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Status != job.StatusRunning || ev.Progress != 50 {
		t.Errorf("expected running/50, got %s/%d", ev.Status, ev.Progress)
	}
	if ev.Revision != 2 {
		t.Errorf("expected revision 2, got %d", ev.Revision)
	}
}

func TestPublisher_FailureDoesNotReachStore(t *testing.T) {
	p := &Publisher{conn: &recordingConn{err: errors.New("nats: connection closed")}, prefix: "x"}

	store := job.NewStore(job.NewMemoryBackend())
	store.Observe(p.Notify)

	if _, err := store.Create("j1", "summarize", []string{"f1.csv"}); err != nil {
		t.Errorf("publish failure must not fail the mutation: %v", err)
	}
	if err := p.Publish(&job.Job{ID: "j1"}); err == nil {
		t.Error("expected publish error")
	}
}
