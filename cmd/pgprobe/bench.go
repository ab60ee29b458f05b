package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bit2swaz/pgprobe/internal/diskbench"
)

func newBenchCmd(newLogger loggerFunc) *cobra.Command {
	var (
		path       string
		sizeMB     int64
		blockSizes []int
		syncMode   string
		keepGoing  bool
		keepFile   bool
	)

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure durable sequential write throughput of a volume",
		Long: `For each block size, remove the scratch file, sync, write the payload in
blocks of that size and flush it to stable storage, sync again, and print
"<hostname>\t<block size>\t<elapsed seconds>".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := newLogger(cmd.ErrOrStderr())

			mode, err := diskbench.ParseSyncMode(syncMode)
			if err != nil {
				return err
			}

			prober, err := diskbench.New(diskbench.Config{
				Path:       path,
				TotalBytes: sizeMB * 1024 * 1024,
				BlockSizes: blockSizes,
				SyncMode:   mode,
				KeepGoing:  keepGoing,
				KeepFile:   keepFile,
			}, logger)
			if err != nil {
				return fmt.Errorf("invalid benchmark configuration: %w", err)
			}

			results, err := prober.Run(cmd.Context(), cmd.OutOrStdout())
			if errors.Is(err, context.Canceled) {
				logger.Warn("Benchmark interrupted", "completed", len(results))
				return nil
			}
			if err != nil {
				return fmt.Errorf("benchmark failed: %w", err)
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&path, "path", diskbench.DefaultPath,
		"Scratch file to write")
	flags.Int64Var(&sizeMB, "size-mb", diskbench.DefaultTotalBytes/(1024*1024),
		"Payload written per block size, in MiB")
	flags.IntSliceVar(&blockSizes, "block-sizes", diskbench.DefaultBlockSizes,
		"Block sizes in bytes, probed in order")
	flags.StringVar(&syncMode, "sync-mode", string(diskbench.SyncFsync),
		"How the scratch file is flushed: fsync or fdatasync")
	flags.BoolVar(&keepGoing, "keep-going", false,
		"Report timings of failed passes and continue with the next block size")
	flags.BoolVar(&keepFile, "keep-file", false,
		"Leave the scratch file on disk after the last pass")

	return cmd
}
