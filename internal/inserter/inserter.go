// Package inserter appends the database's current time to a table on a fixed
// interval until it is stopped or an insert fails.
package inserter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bit2swaz/pgprobe/internal/metrics"
)

const (
	DefaultTable    = "times"
	DefaultInterval = 500 * time.Millisecond
)

var ErrInvalidInterval = errors.New("interval must be positive")

// Execer inserts one row holding the server's current time into table.
type Execer interface {
	InsertNow(ctx context.Context, table string) error
}

type Config struct {
	Table    string
	Interval time.Duration
	// Count stops the loop after this many inserts; 0 means never.
	Count int
}

// Stats is a snapshot of the loop's progress.
type Stats struct {
	Table      string    `json:"table"`
	Inserts    int64     `json:"inserts"`
	Failures   int64     `json:"failures"`
	LastInsert time.Time `json:"last_insert"`
	Running    bool      `json:"running"`
}

type Inserter struct {
	db     Execer
	cfg    Config
	logger *slog.Logger

	mu    sync.Mutex
	stats Stats
}

func New(db Execer, cfg Config, logger *slog.Logger) (*Inserter, error) {
	if cfg.Table == "" {
		cfg.Table = DefaultTable
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInterval, cfg.Interval)
	}
	if cfg.Count < 0 {
		return nil, fmt.Errorf("count must not be negative: %d", cfg.Count)
	}

	return &Inserter{
		db:     db,
		cfg:    cfg,
		logger: logger,
		stats:  Stats{Table: cfg.Table},
	}, nil
}

// Run inserts, then waits one interval, until ctx is done, Count inserts have
// been made, or an insert fails. A failed insert is returned as is; there is
// no retry. Cancellation is not an error.
func (i *Inserter) Run(ctx context.Context) error {
	i.setRunning(true)
	defer i.setRunning(false)

	for n := 1; ; n++ {
		if ctx.Err() != nil {
			return nil
		}

		now := time.Now()
		i.logger.Info("Inserting...", slog.Time("at", now), slog.String("table", i.cfg.Table))

		if err := i.db.InsertNow(ctx, i.cfg.Table); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			i.record(false, now)
			return fmt.Errorf("insert %d: %w", n, err)
		}
		i.record(true, now)

		if i.cfg.Count > 0 && n >= i.cfg.Count {
			i.logger.Info("insert count reached", slog.Int("count", n))
			return nil
		}

		if !sleep(ctx, i.cfg.Interval) {
			return nil
		}
	}
}

func (i *Inserter) Stats() Stats {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.stats
}

func (i *Inserter) record(ok bool, at time.Time) {
	metrics.IncInsert(ok, at)

	i.mu.Lock()
	defer i.mu.Unlock()
	if ok {
		i.stats.Inserts++
		i.stats.LastInsert = at
	} else {
		i.stats.Failures++
	}
}

func (i *Inserter) setRunning(running bool) {
	i.mu.Lock()
	i.stats.Running = running
	i.mu.Unlock()
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
