package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/livinlefevreloca/deferral/internal/config"
	"github.com/livinlefevreloca/deferral/internal/logging"
	"github.com/livinlefevreloca/deferral/internal/store"
	"github.com/urfave/cli"
)

func newApp(out io.Writer) *cli.App {
	app := cli.NewApp()
	app.Name = "deferral"
	app.HelpName = "deferral"
	app.Usage = "a durable queue of timestamped items"
	app.UsageText = "deferral [--config FILE] <command> [arguments...]"
	app.Version = version
	app.Writer = out
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "config, c",
			Usage:  "path to configuration file (TOML)",
			EnvVar: "DEFERRAL_CONFIG",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:   "serve",
			Usage:  "run the scheduler, HTTP API and metrics endpoint",
			Action: serve,
		},
		{
			Name:      "add",
			Aliases:   []string{"a"},
			Usage:     "store an item, replacing any item at the same timestamp",
			UsageText: "deferral add (--at TIME | --in DURATION | --ts MILLIS | --cron EXPR) [--payload JSON]",
			Flags:     addFlags,
			Action:    add,
		},
		{
			Name:      "delete",
			Aliases:   []string{"rm"},
			Usage:     "delete the item at a timestamp",
			UsageText: "deferral delete <epoch-millis>",
			Action:    remove,
		},
		{
			Name:    "list",
			Aliases: []string{"ls"},
			Usage:   "list stored items, oldest first",
			Flags:   listFlags,
			Action:  list,
		},
		{
			Name:   "history",
			Usage:  "show recent dispatch records, newest first",
			Flags:  historyFlags,
			Action: history,
		},
	}
	return app
}

// loadConfig reads and validates the file named by the global --config flag
func loadConfig(ctx *cli.Context) (*config.Config, error) {
	cfg, err := config.LoadConfig(ctx.GlobalString("config"))
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*slog.Logger, error) {
	return logging.New(cfg.Logging, os.Stderr)
}

// openStore opens the configured store for a one-shot command
func openStore(ctx *cli.Context) (store.Store, error) {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store %s: %w", cfg.Database.Driver, cfg.Database.DSN, err)
	}
	return st, nil
}
