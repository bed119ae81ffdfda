package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"mergedb/pkg/config"
	"mergedb/pkg/store"

	"github.com/urfave/cli/v3"
)

const defaultConfigPath = "config.yaml"

// app holds state shared by the subcommands.
type app struct {
	cfg config.Config
}

func newApp() *cli.Command {
	a := &app{}

	return &cli.Command{
		Name:    "mergedb",
		Usage:   "LSM key-value store with merge operators",
		Version: "0.1.0",

		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the YAML config",
				Value:   defaultConfigPath,
				Sources: cli.EnvVars("MERGEDB_CONFIG"),
			},
			&cli.StringFlag{
				Name:    "data",
				Aliases: []string{"d"},
				Usage:   "Data directory, overrides db.persistence.path",
				Sources: cli.EnvVars("MERGEDB_DATA"),
			},
		},

		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			cfg, err := initConfig(c.String("config"), c.String("data"))
			if err != nil {
				return ctx, err
			}
			a.cfg = cfg
			initLogger(c.Root().ErrWriter, &a.cfg)
			return ctx, nil
		},

		Commands: []*cli.Command{
			a.serveCommand(),
			a.putCommand(),
			a.mergeCommand(),
			a.deleteCommand(),
			a.getCommand(),
			a.flushCommand(),
			a.compactCommand(),
			a.statsCommand(),
			a.benchCommand(),
		},
	}
}

// open opens the store described by the loaded config.
func (a *app) open() (*store.Store, error) {
	op, err := initOperator(&a.cfg)
	if err != nil {
		return nil, err
	}
	return store.Open(a.cfg, op)
}

// withStore runs fn against a store that is closed afterwards.
func (a *app) withStore(fn func(db *store.Store) error) (err error) {
	db, err := a.open()
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close store: %w", cerr)
		}
	}()
	return fn(db)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newApp().Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
