package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// loggerFunc builds the logger a subcommand writes to w.
type loggerFunc func(w io.Writer) *slog.Logger

func newRootCmd() *cobra.Command {
	var (
		logLevelFlag string
		logLevel     slog.Level
		logFormat    string
	)

	root := &cobra.Command{
		Use:   "pgprobe",
		Short: "pgprobe - operational probes for Postgres members",
		Long: `pgprobe bundles the probes run alongside a Postgres deployment: a durable
sequential write benchmark for the data volume and a fixed-interval insert
loop that shows whether the database keeps accepting writes.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := logLevel.UnmarshalText([]byte(logLevelFlag)); err != nil {
				return fmt.Errorf("invalid --log-level: %w", err)
			}
			switch logFormat {
			case "auto", "text", "json":
			default:
				return fmt.Errorf("invalid --log-format %q (want auto, text or json)", logFormat)
			}
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&logLevelFlag, "log-level", "info", "Log level (debug, info, warn, error)")
	flags.StringVar(&logFormat, "log-format", "auto",
		"Log format: text, json, or auto (json unless writing to a terminal)")

	logger := func(w io.Writer) *slog.Logger {
		opts := &slog.HandlerOptions{Level: logLevel}
		if useJSON(logFormat, w) {
			opts.ReplaceAttr = renameJSONKeys
			return slog.New(slog.NewJSONHandler(w, opts))
		}
		return slog.New(slog.NewTextHandler(w, opts))
	}

	root.AddCommand(
		newBenchCmd(logger),
		newWriteForeverCmd(logger),
		newSandboxCmd(logger),
		newVersionCmd(),
	)

	return root
}

// useJSON reports whether logs for w should be JSON. In auto mode logs going
// to a file or pipe are assumed to be collected, so they get JSON; terminals
// and in-process writers get text.
func useJSON(format string, w io.Writer) bool {
	switch format {
	case "json":
		return true
	case "text":
		return false
	}
	f, ok := w.(*os.File)
	return ok && !term.IsTerminal(int(f.Fd()))
}

// renameJSONKeys uses the field names log collectors expect.
func renameJSONKeys(groups []string, a slog.Attr) slog.Attr {
	if len(groups) > 0 {
		return a
	}
	switch a.Key {
	case slog.MessageKey:
		a.Key = "message"
	case slog.TimeKey:
		a.Key = "timestamp"
	}
	return a
}
