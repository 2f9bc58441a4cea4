package votes_test

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"notehub/api/internal/votes"
)

var errOutage = errors.New("connection refused")

// memLedger is a Ledger keeping the latest vote per (note, user).
type memLedger struct {
	mu      sync.Mutex
	rows    map[[2]int64]votes.Kind
	fail    bool
	deleted map[int64]bool
}

func newMemLedger() *memLedger {
	return &memLedger{rows: make(map[[2]int64]votes.Kind)}
}

func (l *memLedger) setFail(fail bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fail = fail
}

func (l *memLedger) UpsertVote(_ context.Context, record votes.Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail {
		return errOutage
	}
	if l.deleted[record.NoteID] {
		return fmt.Errorf("upsert vote: %w", votes.ErrUnknownNote)
	}
	l.rows[[2]int64{record.NoteID, record.UserID}] = record.Kind
	return nil
}

func (l *memLedger) NoteTally(_ context.Context, noteID int64) (votes.Tally, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail {
		return votes.Tally{}, errOutage
	}
	var tally votes.Tally
	for key, kind := range l.rows {
		if key[0] != noteID {
			continue
		}
		if kind == votes.KindUp {
			tally.Up++
		} else {
			tally.Down++
		}
	}
	return tally, nil
}

// flakyCounters wraps a CounterStore and fails every call while down.
type flakyCounters struct {
	votes.CounterStore
	mu   sync.Mutex
	down bool
}

func (f *flakyCounters) setDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

func (f *flakyCounters) isDown() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.down
}

func (f *flakyCounters) ApplyVote(ctx context.Context, ballot votes.Ballot) (votes.Tally, votes.Outcome, error) {
	if f.isDown() {
		return votes.Tally{}, "", errOutage
	}
	return f.CounterStore.ApplyVote(ctx, ballot)
}

func (f *flakyCounters) Tally(ctx context.Context, noteID int64) (votes.Tally, error) {
	if f.isDown() {
		return votes.Tally{}, errOutage
	}
	return f.CounterStore.Tally(ctx, noteID)
}

type staticResolver struct {
	workspaces map[int64]int64
	err        error
}

func (r staticResolver) Workspace(_ context.Context, noteID int64) (int64, error) {
	if r.err != nil {
		return 0, r.err
	}
	ws, ok := r.workspaces[noteID]
	if !ok {
		return 0, votes.ErrUnknownNote
	}
	return ws, nil
}

// everyNote resolves any positive note id to workspace 1.
type everyNote struct{}

func (everyNote) Workspace(context.Context, int64) (int64, error) {
	return 1, nil
}

// cachingResolver resolves every note to workspace 1 and records evictions.
type cachingResolver struct {
	mu        sync.Mutex
	forgotten []int64
}

func (r *cachingResolver) Workspace(context.Context, int64) (int64, error) {
	return 1, nil
}

func (r *cachingResolver) Forget(noteID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forgotten = append(r.forgotten, noteID)
}
