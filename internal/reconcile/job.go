// Package reconcile rebuilds Counter Store state from the Ledger.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"notehub/api/internal/metrics"
	"notehub/api/internal/store"
	"notehub/api/internal/votes"
)

const DefaultBatchSize = 200

// Source is the Ledger side of a pass.
type Source interface {
	NoteBatch(ctx context.Context, afterID int64, limit int) ([]store.NoteRef, error)
	NoteVoters(ctx context.Context, noteIDs []int64) (map[int64]map[int64]votes.Kind, error)
	LiveNotes(ctx context.Context, noteIDs []int64) (map[int64]bool, error)
}

// Sink receives the authoritative state of each note and drops notes the
// Ledger no longer has.
type Sink interface {
	Overwrite(ctx context.Context, snapshot votes.Snapshot) error
	IndexedNotes(ctx context.Context, cursor uint64, count int) ([]int64, uint64, error)
	Remove(ctx context.Context, noteID int64) error
}

type Report struct {
	Notes     int
	Pruned    int
	Failed    int
	Batches   int
	StartedAt time.Time
	Duration  time.Duration
}

// Job walks every note in id order and overwrites its Counter Store entry
// with what the Ledger holds. Overwrites are unconditional, so a pass can be
// repeated or interrupted at any point.
type Job struct {
	source    Source
	sink      Sink
	batchSize int
	log       *zap.Logger
	now       func() time.Time
}

func NewJob(source Source, sink Sink, batchSize int, log *zap.Logger) *Job {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Job{
		source:    source,
		sink:      sink,
		batchSize: batchSize,
		log:       log.Named("reconcile"),
		now:       time.Now,
	}
}

// Run performs one full pass: every note is overwritten, then index entries
// of deleted notes are removed. A failure on a single note is logged and the
// pass continues; failing to load a batch or cancellation ends it.
func (j *Job) Run(ctx context.Context) (report Report, err error) {
	report.StartedAt = j.now()
	defer func() {
		report.Duration = j.now().Sub(report.StartedAt)
		metrics.ReconcileDuration.Observe(report.Duration.Seconds())
	}()

	var afterID int64
	for {
		if err := ctx.Err(); err != nil {
			return report, fmt.Errorf("reconcile interrupted after note %d: %w", afterID, err)
		}

		var batch []store.NoteRef
		batch, err = j.source.NoteBatch(ctx, afterID, j.batchSize)
		if err != nil {
			return report, fmt.Errorf("load notes after %d: %w", afterID, err)
		}
		if len(batch) == 0 {
			break
		}
		report.Batches++

		ids := make([]int64, len(batch))
		for i, note := range batch {
			ids[i] = note.ID
		}
		var voters map[int64]map[int64]votes.Kind
		voters, err = j.source.NoteVoters(ctx, ids)
		if err != nil {
			return report, fmt.Errorf("load voters after %d: %w", afterID, err)
		}

		for _, note := range batch {
			if err := j.sink.Overwrite(ctx, snapshotOf(note, voters[note.ID])); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return report, fmt.Errorf("reconcile interrupted at note %d: %w", note.ID, err)
				}
				report.Failed++
				metrics.ReconcileNotes.WithLabelValues("failed").Inc()
				j.log.Warn("note reconcile failed", zap.Int64("note_id", note.ID), zap.Error(err))
				continue
			}
			report.Notes++
			metrics.ReconcileNotes.WithLabelValues("ok").Inc()
		}

		afterID = batch[len(batch)-1].ID
		if len(batch) < j.batchSize {
			break
		}
	}

	if err = j.prune(ctx, &report); err != nil {
		return report, err
	}

	metrics.ReconcileLastSuccess.SetToCurrentTime()
	j.log.Info("reconcile pass complete",
		zap.Int("notes", report.Notes),
		zap.Int("pruned", report.Pruned),
		zap.Int("failed", report.Failed),
		zap.Int("batches", report.Batches))
	return report, nil
}

// prune walks the global index and removes notes that no longer exist. Liveness
// is checked against the Ledger rather than the notes seen by the pass, so a
// note created mid-pass is kept.
func (j *Job) prune(ctx context.Context, report *Report) error {
	var cursor uint64
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("reconcile prune interrupted: %w", err)
		}

		ids, next, err := j.sink.IndexedNotes(ctx, cursor, j.batchSize)
		if err != nil {
			return fmt.Errorf("scan indexed notes: %w", err)
		}
		if len(ids) > 0 {
			live, err := j.source.LiveNotes(ctx, ids)
			if err != nil {
				return fmt.Errorf("check live notes: %w", err)
			}
			for _, id := range ids {
				if live[id] {
					continue
				}
				if err := j.sink.Remove(ctx, id); err != nil {
					if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
						return fmt.Errorf("reconcile prune interrupted at note %d: %w", id, err)
					}
					report.Failed++
					metrics.ReconcileNotes.WithLabelValues("failed").Inc()
					j.log.Warn("note prune failed", zap.Int64("note_id", id), zap.Error(err))
					continue
				}
				report.Pruned++
				metrics.ReconcileNotes.WithLabelValues("pruned").Inc()
			}
		}

		if next == 0 {
			return nil
		}
		cursor = next
	}
}

func snapshotOf(note store.NoteRef, voters map[int64]votes.Kind) votes.Snapshot {
	snapshot := votes.Snapshot{
		NoteID:      note.ID,
		WorkspaceID: note.WorkspaceID,
		Voters:      make(map[int64]votes.Kind, len(voters)),
	}
	for userID, kind := range voters {
		snapshot.Voters[userID] = kind
		if kind == votes.KindUp {
			snapshot.Tally.Up++
		} else {
			snapshot.Tally.Down++
		}
	}
	return snapshot
}
