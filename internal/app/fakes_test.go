package app

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"sync"

	"notehub/api/internal/votes"
)

var errLedgerDown = errors.New("ledger down")

// fakeLedger is an in-memory stand-in for store.PostgresStore.
type fakeLedger struct {
	mu         sync.Mutex
	rows       map[[2]int64]votes.Kind
	workspaces map[int64]int64
	down       bool
}

func newFakeLedger(workspaces map[int64]int64) *fakeLedger {
	return &fakeLedger{rows: make(map[[2]int64]votes.Kind), workspaces: workspaces}
}

func (f *fakeLedger) setDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

func (f *fakeLedger) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return errLedgerDown
	}
	return nil
}

func (f *fakeLedger) UpsertVote(_ context.Context, record votes.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return errLedgerDown
	}
	f.rows[[2]int64{record.NoteID, record.UserID}] = record.Kind
	return nil
}

func (f *fakeLedger) NoteTally(_ context.Context, noteID int64) (votes.Tally, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return votes.Tally{}, errLedgerDown
	}
	return f.tallyLocked(noteID), nil
}

func (f *fakeLedger) tallyLocked(noteID int64) votes.Tally {
	var tally votes.Tally
	for key, kind := range f.rows {
		if key[0] != noteID {
			continue
		}
		if kind == votes.KindUp {
			tally.Up++
		} else {
			tally.Down++
		}
	}
	return tally
}

func (f *fakeLedger) NoteWorkspace(_ context.Context, noteID int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return 0, errLedgerDown
	}
	ws, ok := f.workspaces[noteID]
	if !ok {
		return 0, sql.ErrNoRows
	}
	return ws, nil
}

func (f *fakeLedger) scopedIDs(scope votes.Scope) []int64 {
	var ids []int64
	for id, ws := range f.workspaces {
		if scope.IsGlobal() || ws == scope.WorkspaceID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (f *fakeLedger) RankedNoteIDs(_ context.Context, scope votes.Scope, key votes.SortKey, after int64, limit int) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return nil, errLedgerDown
	}
	ids := f.scopedIDs(scope)
	sort.SliceStable(ids, func(i, j int) bool {
		return key.RankValue(f.tallyLocked(ids[i])) > key.RankValue(f.tallyLocked(ids[j]))
	})
	return pageAfter(ids, after, limit), nil
}

func (f *fakeLedger) NoteIDsAfter(_ context.Context, scope votes.Scope, after int64, limit int, newestFirst bool) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return nil, errLedgerDown
	}
	ids := f.scopedIDs(scope)
	if newestFirst {
		sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })
	}
	return pageAfter(ids, after, limit), nil
}

func pageAfter(ids []int64, after int64, limit int) []int64 {
	start := 0
	if after > 0 {
		for i, id := range ids {
			if id == after {
				start = i + 1
				break
			}
		}
	}
	out := []int64{}
	for i := start; i < len(ids) && len(out) < limit; i++ {
		out = append(out, ids[i])
	}
	return out
}

type fakeRunner struct {
	mu   sync.Mutex
	runs []string
}

func (f *fakeRunner) RunNow(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, name)
	return nil
}
