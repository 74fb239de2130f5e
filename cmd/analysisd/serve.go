package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/zerverless/analysisd/internal/db/postgres"
	"github.com/zerverless/analysisd/internal/server"
)

func serveCmd() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the analysis server",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "port",
				Usage: "HTTP port; overrides server.port",
			},
			&cli.StringFlag{
				Name:  "store",
				Usage: "Store backend (memory, badger, postgres); overrides store.backend",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if v := cmd.Int("port"); v > 0 {
				cfg.Server.Port = int(v)
			}
			if v := cmd.String("store"); v != "" {
				cfg.Store.Backend = v
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return server.Run(ctx, cfg)
		},
	}
}

func migrateCmd() *cli.Command {
	flags := []cli.Flag{
		&cli.StringFlag{
			Name:    "database-url",
			Usage:   "PostgreSQL connection string",
			Sources: cli.EnvVars("ANALYSISD_STORE_POSTGRES_URL"),
		},
	}

	databaseURL := func(cmd *cli.Command) (string, error) {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return "", err
		}
		if v := cmd.String("database-url"); v != "" {
			cfg.Store.PostgresURL = v
		}
		if cfg.Store.PostgresURL == "" {
			return "", fmt.Errorf("database URL is required (set ANALYSISD_STORE_POSTGRES_URL or --database-url)")
		}
		return cfg.Store.PostgresURL, nil
	}

	return &cli.Command{
		Name:  "migrate",
		Usage: "Manage the PostgreSQL schema",
		Commands: []*cli.Command{
			{
				Name:  "up",
				Usage: "Apply all pending migrations",
				Flags: flags,
				Action: func(ctx context.Context, cmd *cli.Command) error {
					url, err := databaseURL(cmd)
					if err != nil {
						return err
					}
					db, err := postgres.Open(ctx, url)
					if err != nil {
						return err
					}
					defer db.Close()
					return postgres.Migrate(db)
				},
			},
			{
				Name:  "status",
				Usage: "Print the applied schema version",
				Flags: flags,
				Action: func(ctx context.Context, cmd *cli.Command) error {
					url, err := databaseURL(cmd)
					if err != nil {
						return err
					}
					db, err := postgres.Open(ctx, url)
					if err != nil {
						return err
					}
					defer db.Close()
					v, err := postgres.Version(db)
					if err != nil {
						return err
					}
					fmt.Printf("schema version: %d\n", v)
					return nil
				},
			},
		},
	}
}
