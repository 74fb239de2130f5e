package supervisor

import (
	"encoding/json"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/zerverless/analysisd/internal/envelope"
	"github.com/zerverless/analysisd/internal/job"
	"github.com/zerverless/analysisd/internal/metrics"
)

// consumeStdout turns envelopes into job updates until the stream ends and
// returns the last result envelope, if any.
func (s *Supervisor) consumeStdout(run *Run, logger zerolog.Logger) *job.Result {
	stdout := run.proc.Stdout()
	dec := envelope.NewDecoder(stdout, s.opts.MaxLineBytes)
	var result *job.Result

	for {
		env, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return result
		}
		var perr *envelope.ParseError
		if errors.As(err, &perr) {
			metrics.MalformedEnvelopesTotal.Inc()
			logger.Warn().Err(err).Msg("dropping malformed envelope")
			continue
		}
		if err != nil {
			logger.Error().Err(err).Msg("read worker stdout")
			io.Copy(io.Discard, stdout)
			return result
		}

		metrics.EnvelopesTotal.WithLabelValues(env.Kind.String()).Inc()
		switch env.Kind {
		case envelope.KindMessage:
			sender := env.Message.Sender
			if sender == "" {
				sender = job.SenderAgent
			}
			s.update(run.JobID, job.Patch{}.WithMessages(job.Message{
				Content: env.Message.Content,
				Sender:  sender,
			}), logger)

		case envelope.KindProgress:
			s.update(run.JobID, job.Patch{}.WithProgress(env.Progress), logger)

		case envelope.KindResult:
			r, err := decodeResult(env.Result)
			if err != nil {
				metrics.MalformedEnvelopesTotal.Inc()
				logger.Warn().Err(err).Msg("dropping malformed result envelope")
				continue
			}
			result = r

		default:
			logger.Debug().Str("line", env.Text).Msg("worker output")
		}
	}
}

// consumeStderr records every non-blank stderr line as a system message.
func (s *Supervisor) consumeStderr(run *Run, logger zerolog.Logger) {
	stderr := run.proc.Stderr()
	dec := envelope.NewDecoder(stderr, s.opts.MaxLineBytes)

	for {
		line, err := dec.ReadLine()
		if errors.Is(err, io.EOF) {
			return
		}
		var perr *envelope.ParseError
		if errors.As(err, &perr) {
			logger.Warn().Err(err).Msg("dropping stderr line")
			continue
		}
		if err != nil {
			logger.Error().Err(err).Msg("read worker stderr")
			io.Copy(io.Discard, stderr)
			return
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		s.update(run.JobID, job.Patch{}.WithMessages(job.Message{
			Content: "Error: " + line,
			Sender:  job.SenderSystem,
		}), logger)
	}
}

func (s *Supervisor) update(id string, p job.Patch, logger zerolog.Logger) {
	if _, err := s.store.Update(id, p); err != nil {
		logger.Error().Err(err).Msg("apply worker update")
	}
}

func decodeResult(raw json.RawMessage) (*job.Result, error) {
	var r job.Result
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if r.CompletionTime == nil {
		r.CompletionTime = &now
	}
	for i := range r.Visualizations {
		v := &r.Visualizations[i]
		if v.ID == "" {
			v.ID = uuid.NewString()
		}
		if v.CreatedAt.IsZero() {
			v.CreatedAt = now
		}
	}
	for i := range r.CodeBlocks {
		c := &r.CodeBlocks[i]
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
	}
	for i := range r.ReportSections {
		sec := &r.ReportSections[i]
		if sec.ID == "" {
			sec.ID = uuid.NewString()
		}
		if sec.CreatedAt.IsZero() {
			sec.CreatedAt = now
		}
		if sec.Order == 0 {
			sec.Order = i + 1
		}
	}
	return &r, nil
}

// defaultResult is used when a worker exits cleanly without a result envelope.
func defaultResult(filePaths []string) *job.Result {
	now := time.Now().UTC()
	files := make([]string, len(filePaths))
	for i, p := range filePaths {
		files[i] = filepath.Base(p)
	}
	return &job.Result{
		Summary:        "Analysis completed for " + strings.Join(files, ", "),
		Files:          files,
		CompletionTime: &now,
	}
}
