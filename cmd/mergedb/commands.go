package main

import (
	"context"
	"fmt"
	"log/slog"

	"mergedb/internal/http"
	"mergedb/pkg/metrics"
	"mergedb/pkg/store"

	"github.com/urfave/cli/v3"
)

// keyArgs returns the first n positional arguments or a usage error.
func keyArgs(c *cli.Command, n int) ([]string, error) {
	if c.Args().Len() != n {
		return nil, fmt.Errorf("%s: expected %d argument(s), got %d", c.Name, n, c.Args().Len())
	}
	return c.Args().Slice(), nil
}

func (a *app) serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the HTTP API until interrupted",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to listen on, overrides http-server.port",
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			if port := c.Int("port"); port != 0 {
				a.cfg.Server.Port = int(port)
			}

			return a.withStore(func(db *store.Store) error {
				server := http.NewServer(db, a.cfg.Server)
				if err := server.Start(); err != nil {
					return err
				}

				<-ctx.Done()
				slog.Info("shutting down")

				return server.Stop()
			})
		},
	}
}

func (a *app) putCommand() *cli.Command {
	return &cli.Command{
		Name:      "put",
		Usage:     "Store a value, replacing any history of the key",
		ArgsUsage: "<key> <value>",
		Action: func(ctx context.Context, c *cli.Command) error {
			args, err := keyArgs(c, 2)
			if err != nil {
				return err
			}
			return a.withStore(func(db *store.Store) error {
				return db.PutString(args[0], args[1])
			})
		},
	}
}

func (a *app) mergeCommand() *cli.Command {
	return &cli.Command{
		Name:      "merge",
		Usage:     "Append a merge operand to a key",
		ArgsUsage: "<key> <operand>",
		Action: func(ctx context.Context, c *cli.Command) error {
			args, err := keyArgs(c, 2)
			if err != nil {
				return err
			}
			return a.withStore(func(db *store.Store) error {
				return db.MergeString(args[0], args[1])
			})
		},
	}
}

func (a *app) deleteCommand() *cli.Command {
	return &cli.Command{
		Name:      "delete",
		Usage:     "Delete a key",
		ArgsUsage: "<key>",
		Action: func(ctx context.Context, c *cli.Command) error {
			args, err := keyArgs(c, 1)
			if err != nil {
				return err
			}
			return a.withStore(func(db *store.Store) error {
				return db.DeleteString(args[0])
			})
		},
	}
}

func (a *app) getCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "Print the resolved value of a key",
		ArgsUsage: "<key>",
		Action: func(ctx context.Context, c *cli.Command) error {
			args, err := keyArgs(c, 1)
			if err != nil {
				return err
			}
			return a.withStore(func(db *store.Store) error {
				value, found, err := db.GetString(args[0])
				if err != nil {
					return err
				}
				if !found {
					return fmt.Errorf("key %q not found", args[0])
				}
				fmt.Fprintln(c.Root().Writer, value)
				return nil
			})
		},
	}
}

func (a *app) flushCommand() *cli.Command {
	return &cli.Command{
		Name:  "flush",
		Usage: "Write memtables to segments",
		Action: func(ctx context.Context, c *cli.Command) error {
			return a.withStore(func(db *store.Store) error {
				return db.Flush(ctx)
			})
		},
	}
}

func (a *app) compactCommand() *cli.Command {
	return &cli.Command{
		Name:  "compact",
		Usage: "Compact a key range down the tree",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "start", Usage: "First key of the range, open when unset"},
			&cli.StringFlag{Name: "end", Usage: "Last key of the range, open when unset"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			var start, end []byte
			if c.IsSet("start") {
				start = []byte(c.String("start"))
			}
			if c.IsSet("end") {
				end = []byte(c.String("end"))
			}
			return a.withStore(func(db *store.Store) error {
				return db.CompactRange(ctx, start, end)
			})
		},
	}
}

func (a *app) statsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Print engine statistics in Prometheus text format",
		Action: func(ctx context.Context, c *cli.Command) error {
			return a.withStore(func(db *store.Store) error {
				return metrics.WritePrometheus(c.Root().Writer, db.Stats())
			})
		},
	}
}
