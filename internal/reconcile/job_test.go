package reconcile

import (
	"context"
	"errors"
	"slices"
	"sort"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"notehub/api/internal/counter"
	"notehub/api/internal/metrics"
	"notehub/api/internal/store"
	"notehub/api/internal/votes"
)

type memSource struct {
	notes     []store.NoteRef
	voters    map[int64]map[int64]votes.Kind
	batchErr  error
	afterSeen []int64
}

func (m *memSource) NoteBatch(_ context.Context, afterID int64, limit int) ([]store.NoteRef, error) {
	m.afterSeen = append(m.afterSeen, afterID)
	if m.batchErr != nil {
		return nil, m.batchErr
	}
	sort.Slice(m.notes, func(i, j int) bool { return m.notes[i].ID < m.notes[j].ID })
	out := make([]store.NoteRef, 0, limit)
	for _, n := range m.notes {
		if n.ID > afterID && len(out) < limit {
			out = append(out, n)
		}
	}
	return out, nil
}

func (m *memSource) NoteVoters(_ context.Context, ids []int64) (map[int64]map[int64]votes.Kind, error) {
	out := make(map[int64]map[int64]votes.Kind)
	for _, id := range ids {
		if v, ok := m.voters[id]; ok {
			out[id] = v
		}
	}
	return out, nil
}

func (m *memSource) LiveNotes(_ context.Context, ids []int64) (map[int64]bool, error) {
	live := make(map[int64]bool, len(ids))
	for _, n := range m.notes {
		if slices.Contains(ids, n.ID) {
			live[n.ID] = true
		}
	}
	return live, nil
}

type failingSink struct {
	Sink
	failOn map[int64]error
}

func (f failingSink) Overwrite(ctx context.Context, snapshot votes.Snapshot) error {
	if err, ok := f.failOn[snapshot.NoteID]; ok {
		return err
	}
	return f.Sink.Overwrite(ctx, snapshot)
}

func ledgerFixture() *memSource {
	return &memSource{
		notes: []store.NoteRef{
			{ID: 1, WorkspaceID: 1},
			{ID: 2, WorkspaceID: 1},
			{ID: 3, WorkspaceID: 2},
			{ID: 4, WorkspaceID: 2},
			{ID: 5, WorkspaceID: 1},
		},
		voters: map[int64]map[int64]votes.Kind{
			1: {1: votes.KindUp, 2: votes.KindUp, 3: votes.KindDown},
			2: {1: votes.KindDown},
			4: {2: votes.KindUp, 3: votes.KindUp},
		},
	}
}

func TestRunConvergesAfterDrift(t *testing.T) {
	ctx := context.Background()
	counters := counter.NewMemoryStore()

	// drift: a vote the ledger never saw and a vote missing from the counters
	_, _, err := counters.ApplyVote(ctx, votes.Ballot{NoteID: 3, UserID: 9, WorkspaceID: 2, Kind: votes.KindUp})
	require.NoError(t, err)
	_, _, err = counters.ApplyVote(ctx, votes.Ballot{NoteID: 1, UserID: 1, WorkspaceID: 1, Kind: votes.KindUp})
	require.NoError(t, err)

	source := ledgerFixture()
	job := NewJob(source, counters, 2, zaptest.NewLogger(t))

	report, err := job.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 5, report.Notes)
	require.Zero(t, report.Failed)
	require.Equal(t, 3, report.Batches)
	require.Equal(t, []int64{0, 2, 4}, source.afterSeen)

	want := map[int64]votes.Tally{1: {Up: 2, Down: 1}, 2: {Down: 1}, 3: {}, 4: {Up: 2}, 5: {}}
	for noteID, tally := range want {
		got, err := counters.Tally(ctx, noteID)
		require.NoError(t, err)
		require.Equal(t, tally, got, "note %d", noteID)
	}

	ids, err := counters.Ranked(ctx, votes.Global(), votes.SortUpvotes, 0, 10)
	require.NoError(t, err)
	require.Equal(t, []int64{4, 1, 3, 5, 2}, ids)

	ids, err = counters.Ranked(ctx, votes.Workspace(2), votes.SortUpvotes, 0, 10)
	require.NoError(t, err)
	require.Equal(t, []int64{4, 3}, ids)

	// voter map was replaced too: user 3 flipping on note 1 is a flip, not a first vote
	tally, outcome, err := counters.ApplyVote(ctx, votes.Ballot{NoteID: 1, UserID: 3, WorkspaceID: 1, Kind: votes.KindUp})
	require.NoError(t, err)
	require.Equal(t, votes.OutcomeFlip, outcome)
	require.Equal(t, votes.Tally{Up: 3}, tally)
}

func TestRunIsIdempotent(t *testing.T) {
	ctx := context.Background()
	counters := counter.NewMemoryStore()
	job := NewJob(ledgerFixture(), counters, 0, zaptest.NewLogger(t))

	_, err := job.Run(ctx)
	require.NoError(t, err)
	first, err := counters.Ranked(ctx, votes.Global(), votes.SortDownvotes, 0, 10)
	require.NoError(t, err)

	_, err = job.Run(ctx)
	require.NoError(t, err)
	second, err := counters.Ranked(ctx, votes.Global(), votes.SortDownvotes, 0, 10)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestRunContinuesPastNoteFailure(t *testing.T) {
	ctx := context.Background()
	counters := counter.NewMemoryStore()
	sink := failingSink{Sink: counters, failOn: map[int64]error{2: errors.New("READONLY replica")}}
	job := NewJob(ledgerFixture(), sink, 2, zaptest.NewLogger(t))

	before := testutil.ToFloat64(metrics.ReconcileNotes.WithLabelValues("failed"))
	report, err := job.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 4, report.Notes)
	require.Equal(t, 1, report.Failed)
	require.Equal(t, before+1, testutil.ToFloat64(metrics.ReconcileNotes.WithLabelValues("failed")))

	tally, err := counters.Tally(ctx, 4)
	require.NoError(t, err)
	require.Equal(t, votes.Tally{Up: 2}, tally)
}

func TestRunStopsOnBatchError(t *testing.T) {
	source := ledgerFixture()
	source.batchErr = errors.New("connection reset")
	job := NewJob(source, counter.NewMemoryStore(), 2, zaptest.NewLogger(t))

	_, err := job.Run(context.Background())
	require.ErrorIs(t, err, source.batchErr)
}

func TestRunHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	job := NewJob(ledgerFixture(), counter.NewMemoryStore(), 2, zaptest.NewLogger(t))
	report, err := job.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, report.Notes)
}

func TestRunStopsWhenSinkSeesCancellation(t *testing.T) {
	counters := counter.NewMemoryStore()
	sink := failingSink{Sink: counters, failOn: map[int64]error{3: context.Canceled}}
	job := NewJob(ledgerFixture(), sink, 2, zaptest.NewLogger(t))

	report, err := job.Run(context.Background())
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 2, report.Notes)
}

func TestRunRemovesDeletedNotes(t *testing.T) {
	backends := map[string]func(t *testing.T) counter.Store{
		"memory": func(t *testing.T) counter.Store { return counter.NewMemoryStore() },
		"redis": func(t *testing.T) counter.Store {
			mr := miniredis.RunT(t)
			store, err := counter.NewRedisStore("redis://"+mr.Addr(), "")
			require.NoError(t, err)
			t.Cleanup(func() { _ = store.Close() })
			return store
		},
	}
	for name, newStore := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			counters := newStore(t)

			// note 9 collected votes and was deleted afterwards
			for user := int64(1); user <= 3; user++ {
				_, _, err := counters.ApplyVote(ctx, votes.Ballot{NoteID: 9, UserID: user, WorkspaceID: 1, Kind: votes.KindUp})
				require.NoError(t, err)
			}

			source := &memSource{
				notes:  []store.NoteRef{{ID: 1, WorkspaceID: 1}},
				voters: map[int64]map[int64]votes.Kind{1: {1: votes.KindUp}},
			}
			report, err := NewJob(source, counters, 2, zaptest.NewLogger(t)).Run(ctx)
			require.NoError(t, err)
			require.Equal(t, 1, report.Notes)
			require.Equal(t, 1, report.Pruned)

			for _, scope := range []votes.Scope{votes.Global(), votes.Workspace(1)} {
				for _, key := range []votes.SortKey{votes.SortUpvotes, votes.SortDownvotes} {
					ids, err := counters.Ranked(ctx, scope, key, 0, 10)
					require.NoError(t, err)
					require.Equal(t, []int64{1}, ids, "%s %s", scope, key)
				}
			}

			tally, err := counters.Tally(ctx, 9)
			require.NoError(t, err)
			require.Equal(t, votes.Tally{}, tally)

			// a second pass has nothing left to prune
			report, err = NewJob(source, counters, 2, zaptest.NewLogger(t)).Run(ctx)
			require.NoError(t, err)
			require.Zero(t, report.Pruned)
		})
	}
}

func TestRunKeepsNotesCreatedDuringPass(t *testing.T) {
	ctx := context.Background()
	counters := counter.NewMemoryStore()
	source := ledgerFixture()

	// note 6 exists in the ledger but was not part of the overwrite walk
	_, _, err := counters.ApplyVote(ctx, votes.Ballot{NoteID: 6, UserID: 1, WorkspaceID: 1, Kind: votes.KindUp})
	require.NoError(t, err)
	lateSource := &lateNoteSource{memSource: source, late: store.NoteRef{ID: 6, WorkspaceID: 1}}

	report, err := NewJob(lateSource, counters, 10, zaptest.NewLogger(t)).Run(ctx)
	require.NoError(t, err)
	require.Zero(t, report.Pruned)

	tally, err := counters.Tally(ctx, 6)
	require.NoError(t, err)
	require.Equal(t, votes.Tally{Up: 1}, tally)
}

// lateNoteSource hides one note from the batch walk but reports it live.
type lateNoteSource struct {
	*memSource
	late store.NoteRef
}

func (s *lateNoteSource) LiveNotes(ctx context.Context, ids []int64) (map[int64]bool, error) {
	live, err := s.memSource.LiveNotes(ctx, ids)
	if err != nil {
		return nil, err
	}
	if slices.Contains(ids, s.late.ID) {
		live[s.late.ID] = true
	}
	return live, nil
}

func TestRunCountsPruneFailures(t *testing.T) {
	ctx := context.Background()
	counters := counter.NewMemoryStore()
	_, _, err := counters.ApplyVote(ctx, votes.Ballot{NoteID: 9, UserID: 1, Kind: votes.KindUp})
	require.NoError(t, err)

	sink := removeFailingSink{Sink: counters}
	report, err := NewJob(ledgerFixture(), sink, 2, zaptest.NewLogger(t)).Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 5, report.Notes)
	require.Equal(t, 1, report.Failed)
	require.Zero(t, report.Pruned)
}

type removeFailingSink struct {
	Sink
}

func (removeFailingSink) Remove(context.Context, int64) error {
	return errors.New("READONLY replica")
}
