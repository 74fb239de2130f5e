package docker

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/rs/zerolog/log"
)

type Runtime struct {
	client *client.Client
}

func NewRuntime() (*Runtime, error) {
	cli, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	return &Runtime{client: cli}, nil
}

func (r *Runtime) Close() error {
	return r.client.Close()
}

func (r *Runtime) Ping(ctx context.Context) error {
	if _, err := r.client.Ping(ctx); err != nil {
		return fmt.Errorf("ping docker: %w", err)
	}
	return nil
}

type WorkerConfig struct {
	Image       string
	Command     []string
	Env         []string
	WorkingDir  string
	Binds       []string
	Labels      map[string]string
	MemoryBytes int64
	NetworkMode string
}

// Container is a started worker container with its output demultiplexed into
// separate stdout and stderr streams.
type Container struct {
	ID     string
	Stdout io.Reader
	Stderr io.Reader

	rt      *Runtime
	ctx     context.Context
	logDone chan struct{}
}

func (r *Runtime) StartWorker(ctx context.Context, cfg WorkerConfig) (*Container, error) {
	containerConfig := &container.Config{
		Image:      cfg.Image,
		Cmd:        cfg.Command,
		Env:        cfg.Env,
		WorkingDir: cfg.WorkingDir,
		Labels:     cfg.Labels,
	}

	memory := cfg.MemoryBytes
	if memory <= 0 {
		memory = 1024 * 1024 * 1024
	}
	network := cfg.NetworkMode
	if network == "" {
		network = "none"
	}

	hostConfig := &container.HostConfig{
		Binds: cfg.Binds,
		Resources: container.Resources{
			Memory:     memory,
			MemorySwap: -1,
		},
		AutoRemove:  false, // removed after Wait so logs stay readable
		NetworkMode: container.NetworkMode(network),
		CapDrop:     []string{"ALL"},
	}

	createResp, err := r.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}
	id := createResp.ID

	if err := r.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		r.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("start container: %w", err)
	}

	logs, err := r.client.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		r.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("attach logs: %w", err)
	}

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	c := &Container{
		ID:      id,
		Stdout:  stdoutR,
		Stderr:  stderrR,
		rt:      r,
		ctx:     ctx,
		logDone: make(chan struct{}),
	}

	go func() {
		defer close(c.logDone)
		defer logs.Close()
		_, err := stdcopy.StdCopy(stdoutW, stderrW, logs)
		stdoutW.CloseWithError(err)
		stderrW.CloseWithError(err)
	}()

	return c, nil
}

// Wait blocks until the container stops, then removes it.
func (c *Container) Wait() (int, error) {
	defer c.remove()

	statusCh, errCh := c.rt.client.ContainerWait(c.ctx, c.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return -1, fmt.Errorf("wait container: %w", err)
	case status := <-statusCh:
		if status.Error != nil {
			return int(status.StatusCode), errors.New(status.Error.Message)
		}
		<-c.logDone
		return int(status.StatusCode), nil
	}
}

func (c *Container) Kill() error {
	err := c.rt.client.ContainerKill(context.Background(), c.ID, "SIGKILL")
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("kill container: %w", err)
	}
	return nil
}

func (c *Container) remove() {
	err := c.rt.client.ContainerRemove(context.Background(), c.ID, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		log.Warn().Err(err).Str("container", c.ID).Msg("remove worker container")
	}
}
