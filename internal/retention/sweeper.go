// Package retention prunes note edit history past its retention window.
package retention

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"notehub/api/internal/metrics"
	"notehub/api/internal/store"
)

const (
	DefaultRetention = 7 * 24 * time.Hour
	DefaultBatchSize = 1000
)

type Store interface {
	ExpiredHistory(ctx context.Context, cutoff time.Time, limit int) ([]store.HistoryEntry, error)
	DeleteHistory(ctx context.Context, ids []int64) (int64, error)
}

// Archiver keeps a copy of a batch before it is deleted.
type Archiver interface {
	Archive(ctx context.Context, name string, entries []store.HistoryEntry) error
}

type Options struct {
	Retention time.Duration
	BatchSize int
}

type Report struct {
	Deleted  int64
	Archived int
	Batches  int
	Cutoff   time.Time
}

type Sweeper struct {
	store    Store
	archiver Archiver
	opts     Options
	log      *zap.Logger
	now      func() time.Time
}

// NewSweeper creates a sweeper. archiver may be nil when no object storage is
// configured.
func NewSweeper(s Store, archiver Archiver, opts Options, log *zap.Logger) *Sweeper {
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{store: s, archiver: archiver, opts: opts, log: log.Named("retention"), now: time.Now}
}

// Run deletes every history entry older than the retention window, one batch
// per statement. When an archive upload fails the batch is kept and the pass
// stops.
func (s *Sweeper) Run(ctx context.Context) (Report, error) {
	report := Report{Cutoff: s.now().UTC().Add(-s.opts.Retention)}

	for {
		if err := ctx.Err(); err != nil {
			return report, fmt.Errorf("history sweep interrupted: %w", err)
		}

		batch, err := s.store.ExpiredHistory(ctx, report.Cutoff, s.opts.BatchSize)
		if err != nil {
			return report, err
		}
		if len(batch) == 0 {
			break
		}
		report.Batches++

		if s.archiver != nil {
			name := ObjectName(batch)
			if err := s.archiver.Archive(ctx, name, batch); err != nil {
				return report, fmt.Errorf("archive %s: %w", name, err)
			}
			report.Archived += len(batch)
		}

		ids := make([]int64, len(batch))
		for i, entry := range batch {
			ids[i] = entry.ID
		}
		deleted, err := s.store.DeleteHistory(ctx, ids)
		if err != nil {
			return report, err
		}
		report.Deleted += deleted
		metrics.HistoryPruned.Add(float64(deleted))

		if len(batch) < s.opts.BatchSize {
			break
		}
	}

	s.log.Info("history sweep complete",
		zap.Time("cutoff", report.Cutoff),
		zap.Int64("deleted", report.Deleted),
		zap.Int("archived", report.Archived),
		zap.Int("batches", report.Batches))
	return report, nil
}

// ObjectName names the archive object of a batch by the creation day of its
// first entry and its id range, so re-archiving the same rows overwrites.
func ObjectName(batch []store.HistoryEntry) string {
	first, last := batch[0], batch[len(batch)-1]
	return fmt.Sprintf("note-histories/%s/%020d-%020d.json",
		first.CreatedAt.UTC().Format("2006/01/02"), first.ID, last.ID)
}
