package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/zerverless/analysisd/internal/config"
	"github.com/zerverless/analysisd/internal/job"
	"github.com/zerverless/analysisd/internal/realtime"
)

var serverFlag = &cli.StringFlag{
	Name:    "server",
	Aliases: []string{"s"},
	Usage:   "Server base URL; overrides client.server_url",
}

func serverURL(cmd *cli.Command, cfg *config.Config) string {
	if v := cmd.String("server"); v != "" {
		return v
	}
	return cfg.Client.ServerURL
}

func submitCmd() *cli.Command {
	return &cli.Command{
		Name:      "submit",
		Usage:     "Submit an analysis job",
		ArgsUsage: "<instructions>",
		Flags: []cli.Flag{
			serverFlag,
			&cli.StringSliceFlag{
				Name:     "file",
				Aliases:  []string{"f"},
				Usage:    "Input file path (repeatable)",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "id",
				Usage: "Job id; generated by the server when empty",
			},
			&cli.BoolFlag{
				Name:  "watch",
				Usage: "Follow the job until it finishes",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			instructions := cmd.Args().First()
			if instructions == "" {
				return errors.New("instructions are required")
			}

			base := serverURL(cmd, cfg)
			api := &realtime.API{BaseURL: base}
			j, err := api.Submit(ctx, cmd.String("id"), instructions, cmd.StringSlice("file"))
			if err != nil {
				return fmt.Errorf("submit: %w", err)
			}
			fmt.Printf("job %s %s\n", j.ID, j.Status)

			if !cmd.Bool("watch") {
				return nil
			}
			return watch(ctx, cfg, base, j.ID)
		},
	}
}

func watchCmd() *cli.Command {
	return &cli.Command{
		Name:      "watch",
		Usage:     "Follow a job's progress and messages",
		ArgsUsage: "<job-id>",
		Flags:     []cli.Flag{serverFlag},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			id := cmd.Args().First()
			if id == "" {
				return errors.New("job id is required")
			}
			return watch(ctx, cfg, serverURL(cmd, cfg), id)
		},
	}
}

func cancelCmd() *cli.Command {
	return &cli.Command{
		Name:      "cancel",
		Usage:     "Request cancellation of a running job",
		ArgsUsage: "<job-id>",
		Flags:     []cli.Flag{serverFlag},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return jobAction(ctx, cmd, "cancel", (*realtime.API).Cancel)
		},
	}
}

func restartCmd() *cli.Command {
	return &cli.Command{
		Name:      "restart",
		Usage:     "Restart a finished job",
		ArgsUsage: "<job-id>",
		Flags:     []cli.Flag{serverFlag},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return jobAction(ctx, cmd, "restart", (*realtime.API).Restart)
		},
	}
}

func jobAction(ctx context.Context, cmd *cli.Command, name string, fn func(*realtime.API, context.Context, string) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	id := cmd.Args().First()
	if id == "" {
		return errors.New("job id is required")
	}
	if err := fn(&realtime.API{BaseURL: serverURL(cmd, cfg)}, ctx, id); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	fmt.Printf("%s requested for %s\n", name, id)
	return nil
}

// watch prints progress and new log lines until the job is terminal.
func watch(ctx context.Context, cfg *config.Config, base, id string) error {
	c, err := realtime.New(realtime.Options{
		BaseURL:           base,
		JobID:             id,
		HeartbeatInterval: cfg.Client.HeartbeatInterval,
		PollInterval:      cfg.Client.PollInterval,
		BackoffBase:       cfg.Client.BackoffBase,
		BackoffCap:        cfg.Client.BackoffCap,
		MaxRetries:        uint64(cfg.Client.MaxRetries),
		OnReconnect: func(attempt int, delay time.Duration) {
			fmt.Printf("connection lost, retrying in %s (attempt %d)\n", delay, attempt)
		},
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if addr, err := realtime.HostPort(base); err == nil {
		go realtime.WatchConnectivity(ctx, c, realtime.TCPProbe(addr, 2*time.Second), cfg.Client.ProbeInterval)
	} else {
		log.Warn().Err(err).Msg("connectivity probe disabled")
	}

	errc := make(chan error, 1)
	go func() { errc <- c.Run(ctx) }()
	defer c.Disconnect()

	printed := 0
	lastProgress := -1
	waiting := false
	gaveUp := false
	for {
		select {
		case err := <-errc:
			return err
		case v := <-c.Updates():
			for _, m := range v.Logs[printed:] {
				fmt.Printf("[%s] %s\n", m.Sender, m.Content)
			}
			printed = len(v.Logs)

			if v.WaitingForNetwork != waiting {
				waiting = v.WaitingForNetwork
				if waiting {
					fmt.Println("waiting for network...")
				}
			}
			if v.GaveUp && !gaveUp {
				fmt.Printf("live updates unavailable (%v); polling\n", v.ConnError)
			}
			gaveUp = v.GaveUp

			if v.Job == nil {
				continue
			}
			if v.Job.Progress != lastProgress {
				lastProgress = v.Job.Progress
				fmt.Printf("progress %d%% (%s)\n", v.Job.Progress, v.Job.Status)
			}
			if v.Job.Status.Terminal() {
				return finished(v.Job)
			}
		}
	}
}

func finished(j *job.Job) error {
	switch j.Status {
	case job.StatusCompleted:
		if j.Result != nil && j.Result.Summary != "" {
			fmt.Println(j.Result.Summary)
		}
		fmt.Printf("job %s completed\n", j.ID)
		return nil
	case job.StatusFailed:
		return fmt.Errorf("job %s failed: %s", j.ID, j.Error)
	}
	fmt.Printf("job %s %s\n", j.ID, j.Status)
	return nil
}
