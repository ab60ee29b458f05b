// Package diskbench measures sequential durable-write throughput of the
// volume holding a scratch file.
//
// A pass for one block size removes the scratch file, syncs the filesystem,
// writes ceil(total/blockSize) zero blocks, flushes the file to stable
// storage, syncs again and reports the wall-clock time of everything after
// the first sync.
package diskbench

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/bit2swaz/pgprobe/internal/metrics"
)

const (
	// DefaultPath is the scratch file on the database data volume.
	DefaultPath = "/data/benchmark_file"
	// DefaultTotalBytes is the payload written by every pass.
	DefaultTotalBytes int64 = 5000 * 1024 * 1024
)

// DefaultBlockSizes are probed in this order.
var DefaultBlockSizes = []int{256, 512, 1024, 2048, 4096, 8192}

// ctxCheckInterval is how many blocks are written between context checks.
const ctxCheckInterval = 4096

// Errors returned by New for an unusable Config.
var (
	// ErrNoBlockSizes means Config.BlockSizes is empty.
	ErrNoBlockSizes = errors.New("no block sizes configured")
	// ErrInvalidBlockSize means a block size is zero or negative.
	ErrInvalidBlockSize = errors.New("block size must be positive")
	// ErrInvalidSize means Config.TotalBytes is zero or negative.
	ErrInvalidSize = errors.New("total size must be positive")
)

// SyncMode selects how the scratch file is flushed once all blocks are written.
type SyncMode string

const (
	// SyncFsync flushes data and metadata.
	SyncFsync SyncMode = "fsync"
	// SyncFdatasync flushes data and only the metadata needed to read it back,
	// the same as dd conv=fdatasync.
	SyncFdatasync SyncMode = "fdatasync"
)

// ParseSyncMode converts a --sync-mode value into a SyncMode.
func ParseSyncMode(s string) (SyncMode, error) {
	switch m := SyncMode(s); m {
	case SyncFsync, SyncFdatasync:
		return m, nil
	default:
		return "", fmt.Errorf("unknown sync mode %q (want %s or %s)", s, SyncFsync, SyncFdatasync)
	}
}

// Config describes one probe invocation.
type Config struct {
	Path       string
	TotalBytes int64
	BlockSizes []int
	SyncMode   SyncMode
	// KeepGoing reports timings of failed passes instead of stopping.
	KeepGoing bool
	// KeepFile leaves the scratch file of the last pass on disk.
	KeepFile bool
	// Hostname overrides os.Hostname in the report.
	Hostname string
}

// Result is the outcome of a single pass.
type Result struct {
	Host      string
	BlockSize int
	Blocks    int64
	Bytes     int64
	Elapsed   time.Duration
	Err       error
}

// Prober runs the write passes for one Config. It is not safe for concurrent
// use; passes share the scratch file.
type Prober struct {
	cfg    Config
	logger *slog.Logger

	syncFS func() error
}

// New validates cfg and fills in defaults for empty fields.
func New(cfg Config, logger *slog.Logger) (*Prober, error) {
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.SyncMode == "" {
		cfg.SyncMode = SyncFsync
	}
	if _, err := ParseSyncMode(string(cfg.SyncMode)); err != nil {
		return nil, err
	}
	if cfg.TotalBytes <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, cfg.TotalBytes)
	}
	if len(cfg.BlockSizes) == 0 {
		return nil, ErrNoBlockSizes
	}
	for _, bs := range cfg.BlockSizes {
		if bs <= 0 {
			return nil, fmt.Errorf("%w: %d", ErrInvalidBlockSize, bs)
		}
	}
	if cfg.Hostname == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve hostname: %w", err)
		}
		cfg.Hostname = host
	}

	return &Prober{
		cfg:    cfg,
		logger: logger.With(slog.String("path", cfg.Path)),
		syncFS: syncFilesystem,
	}, nil
}

// BlockCount returns how many blockSize writes cover total bytes.
func BlockCount(total int64, blockSize int) int64 {
	bs := int64(blockSize)
	return (total + bs - 1) / bs
}

// Run probes every configured block size in order and writes one report line
// per pass to out. Without KeepGoing the first failed pass ends the run.
func (p *Prober) Run(ctx context.Context, out io.Writer) ([]Result, error) {
	if !p.cfg.KeepFile {
		defer p.removeScratch()
	}

	results := make([]Result, 0, len(p.cfg.BlockSizes))
	var errs []error

	for _, bs := range p.cfg.BlockSizes {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		p.logger.Info("starting write pass",
			slog.Int("block_size", bs),
			slog.Int64("blocks", BlockCount(p.cfg.TotalBytes, bs)),
			slog.String("sync_mode", string(p.cfg.SyncMode)),
		)

		res := p.pass(ctx, bs)
		results = append(results, res)

		if res.Err != nil {
			if ctx.Err() != nil {
				return results, ctx.Err()
			}
			if !p.cfg.KeepGoing {
				return results, fmt.Errorf("block size %d: %w", bs, res.Err)
			}
			p.logger.Warn("write pass failed, reporting its timing anyway",
				slog.Int("block_size", bs),
				slog.String("error", res.Err.Error()),
			)
			errs = append(errs, fmt.Errorf("block size %d: %w", bs, res.Err))
		} else {
			metrics.SetBenchWrite(bs, res.Elapsed)
			p.logger.Info("write pass finished",
				slog.Int("block_size", bs),
				slog.Duration("elapsed", res.Elapsed),
			)
		}

		if err := WriteResult(out, res); err != nil {
			return results, fmt.Errorf("failed to write report: %w", err)
		}
	}

	return results, errors.Join(errs...)
}

func (p *Prober) pass(ctx context.Context, bs int) Result {
	res := Result{Host: p.cfg.Hostname, BlockSize: bs}

	p.removeScratch()
	if err := p.syncFS(); err != nil {
		res.Err = fmt.Errorf("sync before write: %w", err)
		return res
	}

	start := time.Now()
	blocks, err := p.write(ctx, bs)
	if syncErr := p.syncFS(); syncErr != nil && err == nil {
		err = fmt.Errorf("sync after write: %w", syncErr)
	}
	res.Elapsed = time.Since(start)

	res.Blocks = blocks
	res.Bytes = blocks * int64(bs)
	res.Err = err
	return res
}

// write fills the scratch file with zero blocks and flushes it. It returns the
// number of blocks fully written.
func (p *Prober) write(ctx context.Context, bs int) (int64, error) {
	f, err := os.OpenFile(p.cfg.Path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open scratch file: %w", err)
	}

	buf := make([]byte, bs)
	count := BlockCount(p.cfg.TotalBytes, bs)

	var n int64
	for ; n < count; n++ {
		if n%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				f.Close()
				return n, err
			}
		}
		if _, err := f.Write(buf); err != nil {
			f.Close()
			return n, fmt.Errorf("write block %d: %w", n, err)
		}
	}

	if err := flush(f, p.cfg.SyncMode); err != nil {
		f.Close()
		return n, fmt.Errorf("%s: %w", p.cfg.SyncMode, err)
	}
	if err := f.Close(); err != nil {
		return n, fmt.Errorf("close scratch file: %w", err)
	}
	return n, nil
}

func flush(f *os.File, mode SyncMode) error {
	if mode == SyncFdatasync {
		return fdatasync(f)
	}
	return f.Sync()
}

// removeScratch deletes the scratch file. A missing file is fine and any
// other failure surfaces when the file is opened for writing.
func (p *Prober) removeScratch() {
	if err := os.Remove(p.cfg.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		p.logger.Warn("failed to remove scratch file", slog.String("error", err.Error()))
	}
}
