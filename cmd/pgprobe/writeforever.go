package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v4/stdlib"
	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/bit2swaz/pgprobe/internal/api"
	"github.com/bit2swaz/pgprobe/internal/inserter"
	"github.com/bit2swaz/pgprobe/internal/store"
)

// connOptions are the connection settings of write-forever.
type connOptions struct {
	host   string
	port   int
	dbname string
	user   string
	dsn    string
	driver string
}

// connection returns the database/sql driver name and data source name.
func (o connOptions) connection() (string, string, error) {
	switch o.driver {
	case "postgres", "pgx":
	default:
		return "", "", fmt.Errorf("unknown driver %q (want postgres or pgx)", o.driver)
	}

	if o.dsn != "" {
		return o.driver, o.dsn, nil
	}

	dsn := fmt.Sprintf("host=%s port=%d dbname=%s user=%s sslmode=disable",
		o.host, o.port, o.dbname, o.user)
	if o.driver == "pgx" {
		// The sandbox only speaks the simple query protocol.
		dsn += " prefer_simple_protocol=true"
	}
	return o.driver, dsn, nil
}

// logAttrs describes the target without leaking credentials. An explicit
// --dsn replaces the other flags, so only its redacted form is logged.
func (o connOptions) logAttrs(driver string) []any {
	attrs := []any{slog.String("driver", driver)}
	if o.dsn != "" {
		return append(attrs, slog.String("dsn", redactDSN(o.dsn)))
	}
	return append(attrs,
		slog.String("host", o.host),
		slog.Int("port", o.port),
		slog.String("dbname", o.dbname),
		slog.String("user", o.user),
	)
}

// redactDSN masks the password of a URL or key/value connection string.
func redactDSN(dsn string) string {
	if u, err := url.Parse(dsn); err == nil && u.Scheme != "" {
		return u.Redacted()
	}

	fields := strings.Fields(dsn)
	for i, f := range fields {
		if k, _, ok := strings.Cut(f, "="); ok && k == "password" {
			fields[i] = "password=xxxxx"
		}
	}
	return strings.Join(fields, " ")
}

func newWriteForeverCmd(newLogger loggerFunc) *cobra.Command {
	var (
		conn        connOptions
		table       string
		interval    time.Duration
		count       int
		createTable bool
		statusAddr  string
	)

	cmd := &cobra.Command{
		Use:   "write-forever",
		Short: "Insert the current time into a table every interval",
		Long: `Open one connection and, until interrupted, log an attempt, insert now()
into the timestamps table and wait. The first failed insert stops the loop
with a non-zero exit; there is no reconnect or retry.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWriteForever(cmd.Context(), newLogger(cmd.OutOrStdout()), conn, inserter.Config{
				Table:    table,
				Interval: interval,
				Count:    count,
			}, createTable, statusAddr)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&conn.host, "host", "127.0.0.1", "Database host")
	flags.IntVar(&conn.port, "port", 5432, "Database port")
	flags.StringVar(&conn.dbname, "dbname", "postgres", "Database name")
	flags.StringVar(&conn.user, "user", "postgres", "Database user")
	flags.StringVar(&conn.dsn, "dsn", "", "Full connection string; overrides host, port, dbname and user")
	flags.StringVar(&conn.driver, "driver", "postgres", "Driver: postgres (lib/pq) or pgx")
	flags.StringVar(&table, "table", inserter.DefaultTable, "Table receiving the timestamps")
	flags.DurationVar(&interval, "interval", inserter.DefaultInterval, "Pause between inserts")
	flags.IntVar(&count, "count", 0, "Stop after this many inserts (0 = run until interrupted)")
	flags.BoolVar(&createTable, "create-table", false, "Create the table if it does not exist")
	flags.StringVar(&statusAddr, "status-addr", "", "Serve /status and /metrics on this address (disabled when empty)")

	return cmd
}

func runWriteForever(
	ctx context.Context,
	logger *slog.Logger,
	conn connOptions,
	cfg inserter.Config,
	createTable bool,
	statusAddr string,
) error {
	driver, dsn, err := conn.connection()
	if err != nil {
		return err
	}

	st, err := store.New(driver, dsn)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("Error closing database", "error", err)
		}
	}()

	logger.Info("Connected", conn.logAttrs(driver)...)

	if createTable {
		if err := st.EnsureTable(ctx, cfg.Table); err != nil {
			return err
		}
	}

	ins, err := inserter.New(st, cfg, logger)
	if err != nil {
		return err
	}

	var ln net.Listener
	if statusAddr != "" {
		ln, err = net.Listen("tcp", statusAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", statusAddr, err)
		}
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer stop()
		return ins.Run(gctx)
	})
	if ln != nil {
		hostname, _ := os.Hostname()
		srv := api.NewServer(ins, hostname, logger)
		g.Go(func() error {
			return srv.Serve(gctx, ln)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	stats := ins.Stats()
	logger.Info("Shutdown complete", slog.Int64("inserts", stats.Inserts))
	return nil
}
