package supervisor

import (
	"context"
	"io"
	"path/filepath"
	"sort"

	"github.com/zerverless/analysisd/internal/docker"
)

// DockerLauncher runs each worker in its own container. The directories of
// the job's input files are bind-mounted read-only at the same paths.
type DockerLauncher struct {
	Runtime     *docker.Runtime
	Image       string
	Command     []string
	Env         []string
	MemoryBytes int64
	NetworkMode string
}

func (l *DockerLauncher) Launch(ctx context.Context, spec Spec) (Process, error) {
	cmd := append(append([]string{}, l.Command...), spec.Args...)
	env := append(append([]string{}, l.Env...), "ANALYSIS_JOB_ID="+spec.JobID)

	c, err := l.Runtime.StartWorker(ctx, docker.WorkerConfig{
		Image:       l.Image,
		Command:     cmd,
		Env:         env,
		Binds:       inputBinds(spec.FilePaths),
		Labels:      map[string]string{"analysisd.job_id": spec.JobID},
		MemoryBytes: l.MemoryBytes,
		NetworkMode: l.NetworkMode,
	})
	if err != nil {
		return nil, err
	}
	return &containerProcess{c: c}, nil
}

func inputBinds(paths []string) []string {
	dirs := make(map[string]struct{})
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			continue
		}
		dirs[filepath.Dir(abs)] = struct{}{}
	}

	binds := make([]string, 0, len(dirs))
	for d := range dirs {
		binds = append(binds, d+":"+d+":ro")
	}
	sort.Strings(binds)
	return binds
}

type containerProcess struct {
	c *docker.Container
}

func (p *containerProcess) Handle() string {
	id := p.c.ID
	if len(id) > 12 {
		id = id[:12]
	}
	return "container:" + id
}

func (p *containerProcess) Stdout() io.Reader  { return p.c.Stdout }
func (p *containerProcess) Stderr() io.Reader  { return p.c.Stderr }
func (p *containerProcess) Wait() (int, error) { return p.c.Wait() }
func (p *containerProcess) Kill() error        { return p.c.Kill() }
