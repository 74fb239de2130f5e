package ws

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/zerverless/analysisd/internal/broadcast"
	"github.com/zerverless/analysisd/internal/job"
)

type harness struct {
	store  *job.Store
	server *Server
	http   *httptest.Server
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	store := job.NewStore(job.NewMemoryBackend())
	b := broadcast.New(store)
	store.Observe(b.Notify)

	srv := NewServer(b, opts)
	srv.Start(context.Background())

	r := chi.NewRouter()
	r.Get("/ws/analysis", srv.HandleStream)
	r.Get("/ws/analysis/{id}", srv.HandleJob)
	ts := httptest.NewServer(r)

	t.Cleanup(func() {
		srv.Stop()
		ts.Close()
	})
	return &harness{store: store, server: srv, http: ts}
}

func (h *harness) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(h.http.URL, "http") + path
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readUpdate(t *testing.T, conn *websocket.Conn) JobUpdateMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var msg JobUpdateMessage
	if err := wsjson.Read(ctx, conn, &msg); err != nil {
		t.Fatalf("read update: %v", err)
	}
	if msg.Type != TypeJobUpdate {
		t.Fatalf("expected job_update, got %s", msg.Type)
	}
	return msg
}

func TestHandleJob_SnapshotOnConnectThenUpdates(t *testing.T) {
	h := newHarness(t, Options{})
	h.store.Create("j1", "summarize", []string{"f.csv"})

	conn := h.dial(t, "/ws/analysis/j1")

	first := readUpdate(t, conn)
	if first.JobID != "j1" || first.Job.Status != job.StatusQueued {
		t.Fatalf("unexpected first snapshot: %+v", first.Job)
	}

	h.store.Update("j1", job.Patch{}.WithStatus(job.StatusRunning).WithProgress(40))

	next := readUpdate(t, conn)
	if next.Job.Status != job.StatusRunning || next.Job.Progress != 40 {
		t.Errorf("expected running/40, got %s/%d", next.Job.Status, next.Job.Progress)
	}
	if next.Job.Revision <= first.Job.Revision {
		t.Errorf("revision should increase: %d -> %d", first.Job.Revision, next.Job.Revision)
	}
}

func TestHeartbeatAck(t *testing.T) {
	h := newHarness(t, Options{})
	conn := h.dial(t, "/ws/analysis")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, HeartbeatMessage{Type: TypeHeartbeat}); err != nil {
		t.Fatalf("write heartbeat: %v", err)
	}

	var ack HeartbeatAckMessage
	if err := wsjson.Read(ctx, conn, &ack); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if ack.Type != TypeHeartbeatAck || ack.Timestamp.IsZero() {
		t.Errorf("unexpected ack: %+v", ack)
	}
}

func TestJoinAndLeave(t *testing.T) {
	h := newHarness(t, Options{})
	h.store.Create("a", "x", []string{"f"})
	h.store.Create("b", "x", []string{"f"})

	conn := h.dial(t, "/ws/analysis")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsjson.Write(ctx, conn, JoinMessage{Type: TypeJoin, JobID: "a"})
	if got := readUpdate(t, conn); got.JobID != "a" {
		t.Fatalf("expected snapshot for a, got %s", got.JobID)
	}

	wsjson.Write(ctx, conn, LeaveMessage{Type: TypeLeave, JobID: "a"})
	wsjson.Write(ctx, conn, JoinMessage{Type: TypeJoin, JobID: "b"})
	if got := readUpdate(t, conn); got.JobID != "b" {
		t.Fatalf("expected snapshot for b, got %s", got.JobID)
	}

	h.store.Update("a", job.Patch{}.WithStatus(job.StatusRunning))
	h.store.Update("b", job.Patch{}.WithStatus(job.StatusRunning))

	if got := readUpdate(t, conn); got.JobID != "b" {
		t.Errorf("left job must not be pushed, got update for %s", got.JobID)
	}
}

func TestUnknownMessageType(t *testing.T) {
	h := newHarness(t, Options{})
	conn := h.dial(t, "/ws/analysis")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsjson.Write(ctx, conn, map[string]string{"type": "dance"})

	var msg ErrorMessage
	if err := wsjson.Read(ctx, conn, &msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != TypeError {
		t.Errorf("expected error message, got %+v", msg)
	}
}

func TestStop_ClosesWithGoingAway(t *testing.T) {
	h := newHarness(t, Options{})
	conn := h.dial(t, "/ws/analysis")

	deadline := time.Now().Add(5 * time.Second)
	for h.server.Connections() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	readErr := make(chan error, 1)
	go func() {
		_, _, err := conn.Read(ctx)
		readErr <- err
	}()

	h.server.Stop()

	err := <-readErr
	if websocket.CloseStatus(err) != websocket.StatusGoingAway {
		t.Errorf("expected going away, got %v", err)
	}
	if h.server.Connections() != 0 {
		t.Errorf("expected no connections, got %d", h.server.Connections())
	}
}

func TestNotStarted_Rejects(t *testing.T) {
	store := job.NewStore(job.NewMemoryBackend())
	srv := NewServer(broadcast.New(store), Options{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/ws/analysis", nil)
	srv.HandleStream(rec, req)

	if rec.Code != 503 {
		t.Errorf("expected 503, got %d", rec.Code)
	}
}

func TestHeartbeatTimeoutClosesIdleConnection(t *testing.T) {
	h := newHarness(t, Options{HeartbeatTimeout: 100 * time.Millisecond})
	conn := h.dial(t, "/ws/analysis")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, _, err := conn.Read(ctx); err == nil {
		t.Fatal("expected idle connection to be closed")
	}
}
