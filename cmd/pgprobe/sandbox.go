package main

import (
	"fmt"
	"net"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/bit2swaz/pgprobe/internal/pgwire"
	"github.com/bit2swaz/pgprobe/internal/store"
)

func newSandboxCmd(newLogger loggerFunc) *cobra.Command {
	var (
		addr   string
		dbPath string
		table  string
	)

	cmd := &cobra.Command{
		Use:   "sandbox",
		Short: "Serve a local Postgres-compatible endpoint backed by SQLite",
		Long: `Start a Postgres wire-protocol listener that runs simple queries against a
SQLite file, for rehearsing write-forever without a real database.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := newLogger(cmd.ErrOrStderr())

			st, err := store.NewSQLite(dbPath)
			if err != nil {
				return fmt.Errorf("failed to initialize database: %w", err)
			}
			defer st.Close()
			logger.Info("Database initialized", "path", dbPath)

			if table != "" {
				if err := st.EnsureTable(cmd.Context(), table); err != nil {
					return err
				}
			}

			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", addr, err)
			}

			srv := pgwire.NewServer(st, logger)

			g, gctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				return srv.Serve(ln)
			})
			g.Go(func() error {
				<-gctx.Done()
				logger.Info("Shutting down gracefully...")
				return srv.Close()
			})
			return g.Wait()
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&addr, "addr", "127.0.0.1:5433", "Address to listen on")
	flags.StringVar(&dbPath, "db", "sandbox.db", "SQLite database file")
	flags.StringVar(&table, "table", "times", "Timestamps table to create at startup (empty to skip)")

	return cmd
}
