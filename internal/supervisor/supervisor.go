// Package supervisor launches analysis workers and turns their output into
// job updates.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zerverless/analysisd/internal/job"
	"github.com/zerverless/analysisd/internal/logging"
	"github.com/zerverless/analysisd/internal/metrics"
	"github.com/zerverless/analysisd/internal/tracing"
)

const (
	msgStarting  = "Starting analysis process"
	msgCompleted = "Analysis completed successfully"
)

var (
	ErrAtCapacity   = errors.New("worker capacity reached")
	ErrShuttingDown = errors.New("supervisor is shutting down")
)

// SpawnError means the worker never started. The job has already been
// marked failed when Start returns it.
type SpawnError struct {
	JobID string
	Err   error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to launch worker: %v", e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

type Options struct {
	// MaxConcurrent bounds running workers. Zero means unbounded.
	MaxConcurrent int
	MaxLineBytes  int
}

// Run is a supervised worker.
type Run struct {
	JobID     string    `json:"job_id"`
	Handle    string    `json:"handle"`
	StartedAt time.Time `json:"started_at"`

	proc      Process
	filePaths []string
	done      chan struct{}

	// set by Stop while Launch is still in progress
	stopRequested bool
}

type Supervisor struct {
	store      *job.Store
	launcher   Launcher
	opts       Options
	dispatcher *job.Dispatcher
	tracer     trace.Tracer

	// ctx outlives any request that triggers Start.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	runs   map[string]*Run
	closed bool
	wg     sync.WaitGroup
}

func New(store *job.Store, launcher Launcher, opts Options) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		store:    store,
		launcher: launcher,
		opts:     opts,
		tracer:   tracing.Tracer(),
		ctx:      ctx,
		cancel:   cancel,
		runs:     make(map[string]*Run),
	}
	s.dispatcher = job.NewDispatcher(store, s.startQueued)
	return s
}

// Dispatch starts queued jobs until capacity runs out.
func (s *Supervisor) Dispatch() {
	s.dispatcher.TryDispatch()
}

func (s *Supervisor) startQueued(j *job.Job) bool {
	err := s.Start(j)
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrAtCapacity), errors.Is(err, ErrShuttingDown):
		return false
	default:
		var spawnErr *SpawnError
		if !errors.As(err, &spawnErr) {
			log.Warn().Err(err).Str("job_id", j.ID).Msg("could not start queued job")
		}
		return true
	}
}

// Start marks j running and launches its worker. The worker is bound to the
// supervisor's lifetime, not the caller's.
func (s *Supervisor) Start(j *job.Job) error {
	if err := s.reserve(j.ID); err != nil {
		return err
	}

	cur, err := s.store.Begin(j.ID, msgStarting)
	if err != nil {
		s.release(j.ID)
		return err
	}

	logger := logging.ForJob(j.ID)
	ctx, span := s.tracer.Start(s.ctx, "supervisor.run",
		trace.WithAttributes(attribute.String("job.id", j.ID), attribute.Int("job.run", cur.Run)))

	proc, err := s.launcher.Launch(ctx, Spec{
		JobID:     cur.ID,
		Args:      WorkerArgs(cur),
		FilePaths: cur.FilePaths,
	})
	if err != nil {
		spawnErr := &SpawnError{JobID: j.ID, Err: err}
		s.release(j.ID)
		metrics.SpawnFailuresTotal.Inc()
		logger.Error().Err(err).Msg("worker launch failed")

		_, applied, ferr := s.store.Finalize(j.ID, job.Patch{}.
			WithStatus(job.StatusFailed).
			WithError(spawnErr.Error()).
			WithMessages(job.Message{Content: "Could not start analysis process: " + err.Error(), Sender: job.SenderSystem}))
		if ferr != nil {
			logger.Error().Err(ferr).Msg("mark job failed after launch error")
		} else if applied {
			metrics.JobsFinishedTotal.WithLabelValues(string(job.StatusFailed)).Inc()
		}

		span.RecordError(err)
		span.SetStatus(codes.Error, "spawn failed")
		span.End()
		return spawnErr
	}

	s.mu.Lock()
	run := s.runs[j.ID]
	run.Handle = proc.Handle()
	run.StartedAt = time.Now().UTC()
	run.proc = proc
	run.filePaths = cur.FilePaths
	kill := s.closed || run.stopRequested
	s.mu.Unlock()

	if !kill {
		// a cancel may have landed between Begin and Launch
		if now, err := s.store.Get(j.ID); err != nil || now.Status != job.StatusRunning {
			kill = true
		}
	}
	if kill {
		logger.Info().Msg("job stopped while worker was launching")
		if err := proc.Kill(); err != nil {
			logger.Warn().Err(err).Msg("kill worker")
		}
	}

	span.SetAttributes(attribute.String("worker.handle", run.Handle))
	metrics.RunningWorkers.Inc()
	logger.Info().Str("handle", run.Handle).Msg("worker started")

	s.wg.Add(1)
	go s.monitor(span, run)
	return nil
}

func (s *Supervisor) reserve(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrShuttingDown
	}
	if _, ok := s.runs[id]; ok {
		return fmt.Errorf("job %s already has a worker", id)
	}
	if s.opts.MaxConcurrent > 0 && len(s.runs) >= s.opts.MaxConcurrent {
		return ErrAtCapacity
	}
	s.runs[id] = &Run{JobID: id, done: make(chan struct{})}
	return nil
}

func (s *Supervisor) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run, ok := s.runs[id]; ok {
		delete(s.runs, id)
		close(run.done)
	}
}

func (s *Supervisor) monitor(span trace.Span, run *Run) {
	defer s.wg.Done()
	defer span.End()

	logger := logging.ForJob(run.JobID).With().Str("handle", run.Handle).Logger()

	var result *job.Result
	var streams sync.WaitGroup
	streams.Add(2)
	go func() {
		defer streams.Done()
		result = s.consumeStdout(run, logger)
	}()
	go func() {
		defer streams.Done()
		s.consumeStderr(run, logger)
	}()
	streams.Wait()

	code, err := run.proc.Wait()
	if err != nil {
		logger.Error().Err(err).Msg("wait for worker")
		span.RecordError(err)
	}
	span.SetAttributes(attribute.Int("worker.exit_code", code))

	s.finalize(run, code, err, result, logger)

	metrics.RunningWorkers.Dec()
	metrics.WorkerDuration.Observe(time.Since(run.StartedAt).Seconds())
	s.release(run.JobID)

	// A slot just freed up.
	s.Dispatch()
}

func (s *Supervisor) finalize(run *Run, code int, waitErr error, result *job.Result, logger zerolog.Logger) {
	var p job.Patch
	if code == 0 && waitErr == nil {
		if result == nil {
			result = defaultResult(run.filePaths)
		}
		p = job.Patch{}.
			WithStatus(job.StatusCompleted).
			WithProgress(100).
			WithResult(result).
			WithMessages(job.Message{Content: msgCompleted, Sender: job.SenderSystem})
	} else {
		reason := fmt.Sprintf("worker exited with code %d", code)
		if waitErr != nil {
			reason = fmt.Sprintf("wait for worker: %v", waitErr)
		}
		p = job.Patch{}.
			WithStatus(job.StatusFailed).
			WithError(reason).
			WithMessages(job.Message{
				Content: fmt.Sprintf("Analysis process failed with exit code %d", code),
				Sender:  job.SenderSystem,
			})
	}

	final, applied, err := s.store.Finalize(run.JobID, p)
	if err != nil {
		logger.Error().Err(err).Msg("finalize job")
		return
	}
	if !applied {
		logger.Info().Str("status", string(final.Status)).Int("exit_code", code).Msg("worker exited after job was already finished")
		return
	}
	metrics.JobsFinishedTotal.WithLabelValues(string(final.Status)).Inc()
	logger.Info().Str("status", string(final.Status)).Int("exit_code", code).Msg("worker finished")
}

// Stop kills the worker for id. It reports whether one was running or being
// launched; a worker still launching is killed as soon as it exists.
func (s *Supervisor) Stop(id string) bool {
	s.mu.Lock()
	run, ok := s.runs[id]
	var proc Process
	if ok {
		proc = run.proc
		if proc == nil {
			run.stopRequested = true
		}
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	if proc == nil {
		return true
	}
	if err := proc.Kill(); err != nil {
		log.Warn().Err(err).Str("job_id", id).Msg("kill worker")
	}
	return true
}

// Wait blocks until the worker for id has been finalized or ctx ends.
func (s *Supervisor) Wait(ctx context.Context, id string) error {
	s.mu.Lock()
	run, ok := s.runs[id]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-run.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Runs lists supervised workers, oldest first.
func (s *Supervisor) Runs() []Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Run, 0, len(s.runs))
	for _, r := range s.runs {
		if r.proc == nil {
			continue
		}
		out = append(out, Run{JobID: r.JobID, Handle: r.Handle, StartedAt: r.StartedAt})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].StartedAt.Before(out[b].StartedAt) })
	return out
}

// Recover fails jobs left running by a previous process. Call it before
// serving requests.
func (s *Supervisor) Recover() (int, error) {
	running, _, err := s.store.List(job.ListQuery{Status: job.StatusRunning})
	if err != nil {
		return 0, fmt.Errorf("list running jobs: %w", err)
	}

	recovered := 0
	for _, j := range running {
		s.mu.Lock()
		_, tracked := s.runs[j.ID]
		s.mu.Unlock()
		if tracked {
			continue
		}
		_, applied, err := s.store.Finalize(j.ID, job.Patch{}.
			WithStatus(job.StatusFailed).
			WithError("worker lost: server restarted").
			WithMessages(job.Message{Content: "Analysis process was interrupted by a server restart", Sender: job.SenderSystem}))
		if err != nil {
			return recovered, fmt.Errorf("recover job %s: %w", j.ID, err)
		}
		if applied {
			recovered++
			metrics.JobsFinishedTotal.WithLabelValues(string(job.StatusFailed)).Inc()
		}
	}
	return recovered, nil
}

// Shutdown fails every running job, kills its worker, and waits for the
// monitors to drain.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	runs := make([]*Run, 0, len(s.runs))
	for _, r := range s.runs {
		// still launching; Start kills it once it exists
		if r.proc != nil {
			runs = append(runs, r)
		}
	}
	s.mu.Unlock()

	for _, r := range runs {
		_, _, err := s.store.Finalize(r.JobID, job.Patch{}.
			WithStatus(job.StatusFailed).
			WithError("supervisor shut down before worker exited").
			WithMessages(job.Message{Content: "Analysis process stopped: server shutting down", Sender: job.SenderSystem}))
		if err != nil {
			log.Error().Err(err).Str("job_id", r.JobID).Msg("fail job on shutdown")
		}
		r.proc.Kill()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	defer s.cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
