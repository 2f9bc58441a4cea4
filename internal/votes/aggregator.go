package votes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"notehub/api/internal/metrics"
)

// Result is what a recorded vote reports back to the caller.
type Result struct {
	Tally    Tally
	Outcome  Outcome
	Degraded bool
}

// Aggregator applies votes to the Counter Store and writes them through to
// the Ledger. The two writes are independent: neither waits on the other's
// success, and drift between them is healed by reconciliation.
type Aggregator struct {
	counters  CounterStore
	ledger    Ledger
	workspace WorkspaceResolver
	locks     *keyedMutex
	log       *zap.Logger
	now       func() time.Time
}

func NewAggregator(counters CounterStore, ledger Ledger, workspace WorkspaceResolver, log *zap.Logger) *Aggregator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Aggregator{
		counters:  counters,
		ledger:    ledger,
		workspace: workspace,
		locks:     newKeyedMutex(),
		log:       log.Named("votes"),
		now:       time.Now,
	}
}

// RecordVote registers userID's current vote on noteID and returns the
// post-update tallies. Repeating the same kind is a no-op on the tallies.
func (a *Aggregator) RecordVote(ctx context.Context, noteID, userID int64, kind Kind) (Result, error) {
	if !kind.Valid() {
		return Result{}, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	if noteID <= 0 || userID <= 0 {
		return Result{}, fmt.Errorf("record vote: note %d user %d: %w", noteID, userID, ErrUnknownNote)
	}

	workspaceID, err := a.workspace.Workspace(ctx, noteID)
	if err != nil {
		if errors.Is(err, ErrUnknownNote) {
			return Result{}, err
		}
		// The global index is still updated; reconciliation restores the
		// workspace entry.
		a.log.Warn("workspace lookup failed, indexing globally only",
			zap.Int64("note_id", noteID), zap.Error(err))
		workspaceID = 0
	}

	unlock := a.locks.lock(voterKey{noteID: noteID, userID: userID})
	defer unlock()

	tally, outcome, counterErr := a.counters.ApplyVote(ctx, Ballot{
		NoteID:      noteID,
		UserID:      userID,
		WorkspaceID: workspaceID,
		Kind:        kind,
	})
	if counterErr != nil {
		metrics.CounterStoreErrors.WithLabelValues("apply_vote").Inc()
		a.log.Warn("counter store unavailable, vote degraded to ledger only",
			zap.Int64("note_id", noteID), zap.Int64("user_id", userID), zap.Error(counterErr))
	}

	ledgerErr := a.ledger.UpsertVote(ctx, Record{
		NoteID:    noteID,
		UserID:    userID,
		Kind:      kind,
		UpdatedAt: a.now(),
	})
	if errors.Is(ledgerErr, ErrUnknownNote) {
		// Deleted after the lookup. Reconciliation prunes the counter entry.
		a.forget(noteID)
		a.log.Info("note deleted while voting", zap.Int64("note_id", noteID))
		return Result{}, ledgerErr
	}
	if ledgerErr != nil {
		metrics.LedgerWriteFailures.Inc()
		a.log.Error("ledger write failed, counters ahead of ledger until reconciliation",
			zap.Int64("note_id", noteID), zap.Int64("user_id", userID),
			zap.String("vote", string(kind)), zap.Error(ledgerErr))
	}

	if counterErr == nil {
		metrics.VotesRecorded.WithLabelValues(string(outcome)).Inc()
		return Result{Tally: tally, Outcome: outcome}, nil
	}

	metrics.DegradedVotes.Inc()
	if ledgerErr != nil {
		return Result{}, fmt.Errorf("record vote on note %d: %w", noteID, ErrUnavailable)
	}
	tally, err = a.ledger.NoteTally(ctx, noteID)
	if err != nil {
		a.log.Error("ledger tally read failed", zap.Int64("note_id", noteID), zap.Error(err))
		return Result{}, fmt.Errorf("record vote on note %d: %w", noteID, ErrUnavailable)
	}
	return Result{Tally: tally, Degraded: true}, nil
}

// Counts returns the current tallies of a note, reading the Ledger when the
// Counter Store cannot answer. Unknown notes are reported as ErrUnknownNote.
func (a *Aggregator) Counts(ctx context.Context, noteID int64) (Tally, error) {
	if noteID <= 0 {
		return Tally{}, fmt.Errorf("counts: note %d: %w", noteID, ErrUnknownNote)
	}
	if _, err := a.workspace.Workspace(ctx, noteID); err != nil {
		if errors.Is(err, ErrUnknownNote) {
			return Tally{}, err
		}
		a.log.Warn("note lookup failed, reading counts anyway", zap.Int64("note_id", noteID), zap.Error(err))
	}

	tally, err := a.counters.Tally(ctx, noteID)
	if err == nil {
		return tally, nil
	}
	metrics.CounterStoreErrors.WithLabelValues("tally").Inc()
	a.log.Warn("counter store tally failed, reading ledger", zap.Int64("note_id", noteID), zap.Error(err))

	tally, err = a.ledger.NoteTally(ctx, noteID)
	if err != nil {
		return Tally{}, fmt.Errorf("note %d counts: %w", noteID, ErrUnavailable)
	}
	return tally, nil
}

// noteForgetter is implemented by resolvers that cache lookups.
type noteForgetter interface {
	Forget(noteID int64)
}

func (a *Aggregator) forget(noteID int64) {
	if f, ok := a.workspace.(noteForgetter); ok {
		f.Forget(noteID)
	}
}
