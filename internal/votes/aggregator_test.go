package votes_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"notehub/api/internal/counter"
	"notehub/api/internal/metrics"
	"notehub/api/internal/votes"
)

type harness struct {
	agg      *votes.Aggregator
	counters *flakyCounters
	memory   *counter.MemoryStore
	ledger   *memLedger
}

func newHarness(t *testing.T, resolver votes.WorkspaceResolver) *harness {
	t.Helper()
	memory := counter.NewMemoryStore()
	counters := &flakyCounters{CounterStore: memory}
	ledger := newMemLedger()
	if resolver == nil {
		resolver = everyNote{}
	}
	return &harness{
		agg:      votes.NewAggregator(counters, ledger, resolver, zaptest.NewLogger(t)),
		counters: counters,
		memory:   memory,
		ledger:   ledger,
	}
}

func TestRecordVoteFirstNoopFlip(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	const userA, userB = 1, 2

	res, err := h.agg.RecordVote(ctx, 7, userA, votes.KindUp)
	require.NoError(t, err)
	require.Equal(t, votes.Tally{Up: 1}, res.Tally)
	require.Equal(t, votes.OutcomeFirst, res.Outcome)

	res, err = h.agg.RecordVote(ctx, 7, userA, votes.KindUp)
	require.NoError(t, err)
	require.Equal(t, votes.Tally{Up: 1}, res.Tally)
	require.Equal(t, votes.OutcomeNoop, res.Outcome)

	res, err = h.agg.RecordVote(ctx, 7, userA, votes.KindDown)
	require.NoError(t, err)
	require.Equal(t, votes.Tally{Down: 1}, res.Tally)
	require.Equal(t, votes.OutcomeFlip, res.Outcome)

	res, err = h.agg.RecordVote(ctx, 7, userB, votes.KindUp)
	require.NoError(t, err)
	require.Equal(t, votes.Tally{Up: 1, Down: 1}, res.Tally)
	require.False(t, res.Degraded)

	ledgerTally, err := h.ledger.NoteTally(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, res.Tally, ledgerTally)
}

func TestRecordVoteRejectsInvalidInput(t *testing.T) {
	h := newHarness(t, staticResolver{workspaces: map[int64]int64{1: 1}})
	ctx := context.Background()

	_, err := h.agg.RecordVote(ctx, 1, 1, votes.Kind("sideways"))
	require.ErrorIs(t, err, votes.ErrInvalidKind)

	_, err = h.agg.RecordVote(ctx, 99, 1, votes.KindUp)
	require.ErrorIs(t, err, votes.ErrUnknownNote)

	_, err = h.agg.RecordVote(ctx, 0, 1, votes.KindUp)
	require.ErrorIs(t, err, votes.ErrUnknownNote)

	require.Empty(t, h.ledger.rows)
}

func TestRecordVoteSwallowsLedgerFailure(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.ledger.setFail(true)

	before := testutil.ToFloat64(metrics.LedgerWriteFailures)
	res, err := h.agg.RecordVote(ctx, 3, 1, votes.KindUp)
	require.NoError(t, err)
	require.Equal(t, votes.Tally{Up: 1}, res.Tally)
	require.False(t, res.Degraded)
	require.Equal(t, before+1, testutil.ToFloat64(metrics.LedgerWriteFailures))

	tally, err := h.memory.Tally(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, votes.Tally{Up: 1}, tally)
}

func TestRecordVoteDegradesToLedger(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.agg.RecordVote(ctx, 5, 1, votes.KindUp)
	require.NoError(t, err)

	h.counters.setDown(true)
	before := testutil.ToFloat64(metrics.DegradedVotes)

	res, err := h.agg.RecordVote(ctx, 5, 2, votes.KindDown)
	require.NoError(t, err)
	require.True(t, res.Degraded)
	require.Equal(t, votes.Tally{Up: 1, Down: 1}, res.Tally)
	require.Equal(t, before+1, testutil.ToFloat64(metrics.DegradedVotes))

	counts, err := h.agg.Counts(ctx, 5)
	require.NoError(t, err)
	require.Equal(t, votes.Tally{Up: 1, Down: 1}, counts)
}

func TestRecordVoteBothStoresDown(t *testing.T) {
	h := newHarness(t, nil)
	h.counters.setDown(true)
	h.ledger.setFail(true)

	_, err := h.agg.RecordVote(context.Background(), 5, 1, votes.KindUp)
	require.ErrorIs(t, err, votes.ErrUnavailable)

	_, err = h.agg.Counts(context.Background(), 5)
	require.ErrorIs(t, err, votes.ErrUnavailable)
}

func TestRecordVoteWorkspaceOutageIndexesGlobally(t *testing.T) {
	h := newHarness(t, staticResolver{err: errors.New("db timeout")})
	ctx := context.Background()

	res, err := h.agg.RecordVote(ctx, 8, 1, votes.KindUp)
	require.NoError(t, err)
	require.Equal(t, votes.Tally{Up: 1}, res.Tally)

	ids, err := h.memory.Ranked(ctx, votes.Global(), votes.SortUpvotes, 0, 10)
	require.NoError(t, err)
	require.Equal(t, []int64{8}, ids)

	_, err = h.memory.Ranked(ctx, votes.Workspace(1), votes.SortUpvotes, 0, 10)
	require.ErrorIs(t, err, votes.ErrIndexEmpty)
}

func TestRecordVoteConcurrentSameVoter(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			kind := votes.KindUp
			if i%2 == 1 {
				kind = votes.KindDown
			}
			_, err := h.agg.RecordVote(ctx, 11, 1, kind)
			require.NoError(t, err)
		}(i)
	}
	wg.Wait()

	tally, err := h.memory.Tally(ctx, 11)
	require.NoError(t, err)
	require.Equal(t, int64(1), tally.Up+tally.Down)

	ledgerTally, err := h.ledger.NoteTally(ctx, 11)
	require.NoError(t, err)
	require.Equal(t, tally, ledgerTally)
}

func TestRecordVoteConcurrentDistinctVoters(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for user := int64(1); user <= 60; user++ {
		wg.Add(1)
		go func(user int64) {
			defer wg.Done()
			kind := votes.KindUp
			if user%3 == 0 {
				kind = votes.KindDown
			}
			_, err := h.agg.RecordVote(ctx, 12, user, kind)
			require.NoError(t, err)
		}(user)
	}
	wg.Wait()

	tally, err := h.agg.Counts(ctx, 12)
	require.NoError(t, err)
	require.Equal(t, votes.Tally{Up: 40, Down: 20}, tally)
}

func TestRecordVoteOnNoteDeletedAfterLookup(t *testing.T) {
	resolver := &cachingResolver{}
	h := newHarness(t, resolver)
	h.ledger.deleted = map[int64]bool{5: true}

	failuresBefore := testutil.ToFloat64(metrics.LedgerWriteFailures)
	_, err := h.agg.RecordVote(context.Background(), 5, 1, votes.KindUp)
	require.ErrorIs(t, err, votes.ErrUnknownNote)
	require.Equal(t, []int64{5}, resolver.forgotten)
	require.Equal(t, failuresBefore, testutil.ToFloat64(metrics.LedgerWriteFailures))
}

func TestCountsResolvesNoteFirst(t *testing.T) {
	h := newHarness(t, staticResolver{workspaces: map[int64]int64{1: 1}})
	ctx := context.Background()

	_, err := h.agg.RecordVote(ctx, 1, 1, votes.KindDown)
	require.NoError(t, err)

	tally, err := h.agg.Counts(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, votes.Tally{Down: 1}, tally)

	_, err = h.agg.Counts(ctx, 99)
	require.ErrorIs(t, err, votes.ErrUnknownNote)
	_, err = h.agg.Counts(ctx, 0)
	require.ErrorIs(t, err, votes.ErrUnknownNote)
}

func TestCountsSurvivesLookupOutage(t *testing.T) {
	h := newHarness(t, staticResolver{err: errOutage})
	ctx := context.Background()

	_, err := h.agg.RecordVote(ctx, 3, 1, votes.KindUp)
	require.NoError(t, err)

	tally, err := h.agg.Counts(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, votes.Tally{Up: 1}, tally)
}
