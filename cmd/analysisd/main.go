package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/zerverless/analysisd/internal/config"
	"github.com/zerverless/analysisd/internal/logging"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app().Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "analysisd: %v\n", err)
		os.Exit(1)
	}
}

func app() *cli.Command {
	return &cli.Command{
		Name:    "analysisd",
		Version: version,
		Usage:   "Run and follow data analysis jobs",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to YAML config file",
				Sources: cli.EnvVars("ANALYSISD_CONFIG_PATH"),
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level (debug, info, warn, error); overrides logging.level",
			},
		},
		Commands: []*cli.Command{
			serveCmd(),
			submitCmd(),
			watchCmd(),
			cancelCmd(),
			restartCmd(),
			migrateCmd(),
		},
	}
}

// loadConfig reads the config named by the global flags and sets up logging.
func loadConfig(cmd *cli.Command) (*config.Config, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if v := cmd.String("log-level"); v != "" {
		cfg.Logging.Level = v
	}
	logging.Init(cfg.Logging.Level, cfg.Logging.Format)
	return cfg, nil
}
