package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/zerverless/analysisd/internal/job"
)

// Spec describes one worker invocation.
type Spec struct {
	JobID     string
	Args      []string
	FilePaths []string
}

// WorkerArgs builds the worker command line for j:
// --job_id=<id> --input=datapath:<a,b>\n<instructions>
func WorkerArgs(j *job.Job) []string {
	input := "datapath:" + strings.Join(j.FilePaths, ",") + "\n" + j.Instructions()
	return []string{"--job_id=" + j.ID, "--input=" + input}
}

// Process is a running worker. Stdout and Stderr must be read to EOF before
// Wait is called.
type Process interface {
	Handle() string
	Stdout() io.Reader
	Stderr() io.Reader
	// Wait blocks until exit and returns the exit code. err is only set when
	// the exit status could not be determined.
	Wait() (int, error)
	Kill() error
}

type Launcher interface {
	Launch(ctx context.Context, spec Spec) (Process, error)
}

// ExecLauncher runs the worker as a local child process.
type ExecLauncher struct {
	Command []string
	Dir     string
	Env     []string
}

func (l *ExecLauncher) Launch(ctx context.Context, spec Spec) (Process, error) {
	if len(l.Command) == 0 {
		return nil, errors.New("no worker command configured")
	}

	args := append(append([]string{}, l.Command[1:]...), spec.Args...)
	cmd := exec.CommandContext(ctx, l.Command[0], args...)
	cmd.Dir = l.Dir
	cmd.Env = append(os.Environ(), l.Env...)
	cmd.Env = append(cmd.Env, "ANALYSIS_JOB_ID="+spec.JobID)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	return &execProcess{cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdout io.Reader
	stderr io.Reader
}

func (p *execProcess) Handle() string    { return "pid:" + strconv.Itoa(p.cmd.Process.Pid) }
func (p *execProcess) Stdout() io.Reader { return p.stdout }
func (p *execProcess) Stderr() io.Reader { return p.stderr }

func (p *execProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

func (p *execProcess) Kill() error {
	err := p.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
