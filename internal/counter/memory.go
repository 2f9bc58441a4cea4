package counter

import (
	"context"
	"sort"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"

	"notehub/api/internal/votes"
)

type noteEntry struct {
	mu          sync.Mutex
	workspaceID int64
	tally       votes.Tally
	voters      map[int64]votes.Kind
	indexed     bool
}

// MemoryStore is an in-process votes.CounterStore. Each note carries its own
// mutex; there is no store-wide lock on the write path. Rankings are computed
// on read, which is fine for development and tests but not for large data.
type MemoryStore struct {
	notes *xsync.MapOf[int64, *noteEntry]
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{notes: xsync.NewMapOf[int64, *noteEntry]()}
}

func (s *MemoryStore) entry(noteID int64) *noteEntry {
	e, _ := s.notes.LoadOrCompute(noteID, func() *noteEntry {
		return &noteEntry{voters: make(map[int64]votes.Kind)}
	})
	return e
}

func (s *MemoryStore) ApplyVote(_ context.Context, ballot votes.Ballot) (votes.Tally, votes.Outcome, error) {
	e := s.entry(ballot.NoteID)
	e.mu.Lock()
	defer e.mu.Unlock()

	outcome := votes.OutcomeNoop
	prev, voted := e.voters[ballot.UserID]
	switch {
	case !voted:
		bump(&e.tally, ballot.Kind, 1)
		outcome = votes.OutcomeFirst
	case prev != ballot.Kind:
		bump(&e.tally, ballot.Kind, 1)
		bump(&e.tally, prev, -1)
		outcome = votes.OutcomeFlip
	}
	e.voters[ballot.UserID] = ballot.Kind
	if ballot.WorkspaceID > 0 {
		e.workspaceID = ballot.WorkspaceID
	}
	e.indexed = true
	return e.tally, outcome, nil
}

func (s *MemoryStore) Tally(_ context.Context, noteID int64) (votes.Tally, error) {
	e, ok := s.notes.Load(noteID)
	if !ok {
		return votes.Tally{}, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tally, nil
}

type rankedNote struct {
	id    int64
	value int64
}

func (s *MemoryStore) Ranked(_ context.Context, scope votes.Scope, key votes.SortKey, afterNoteID int64, limit int) ([]int64, error) {
	if limit <= 0 {
		return []int64{}, nil
	}

	var ranked []rankedNote
	s.notes.Range(func(id int64, e *noteEntry) bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		if !e.indexed {
			return true
		}
		if !scope.IsGlobal() && e.workspaceID != scope.WorkspaceID {
			return true
		}
		ranked = append(ranked, rankedNote{id: id, value: key.RankValue(e.tally)})
		return true
	})
	if len(ranked) == 0 {
		return nil, votes.ErrIndexEmpty
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].value != ranked[j].value {
			return ranked[i].value > ranked[j].value
		}
		return ranked[i].id < ranked[j].id
	})

	start := 0
	if afterNoteID > 0 {
		start = -1
		for i, r := range ranked {
			if r.id == afterNoteID {
				start = i + 1
				break
			}
		}
		if start < 0 {
			return nil, votes.ErrCursorNotIndexed
		}
	}

	ids := make([]int64, 0, limit)
	for i := start; i < len(ranked) && len(ids) < limit; i++ {
		ids = append(ids, ranked[i].id)
	}
	return ids, nil
}

func (s *MemoryStore) Overwrite(_ context.Context, snapshot votes.Snapshot) error {
	e := s.entry(snapshot.NoteID)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.tally = snapshot.Tally
	e.voters = make(map[int64]votes.Kind, len(snapshot.Voters))
	for userID, kind := range snapshot.Voters {
		e.voters[userID] = kind
	}
	if snapshot.WorkspaceID > 0 {
		e.workspaceID = snapshot.WorkspaceID
	}
	e.indexed = true
	return nil
}

// IndexedNotes walks indexed note ids in ascending order. The cursor is the
// last id returned.
func (s *MemoryStore) IndexedNotes(_ context.Context, cursor uint64, count int) ([]int64, uint64, error) {
	if count <= 0 {
		count = 1
	}
	var ids []int64
	s.notes.Range(func(id int64, e *noteEntry) bool {
		e.mu.Lock()
		indexed := e.indexed
		e.mu.Unlock()
		if indexed && uint64(id) > cursor {
			ids = append(ids, id)
		}
		return true
	})
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) <= count {
		return ids, 0, nil
	}
	ids = ids[:count]
	return ids, uint64(ids[len(ids)-1]), nil
}

func (s *MemoryStore) Remove(_ context.Context, noteID int64) error {
	s.notes.Delete(noteID)
	return nil
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

func bump(t *votes.Tally, kind votes.Kind, delta int64) {
	switch kind {
	case votes.KindUp:
		t.Up = max(t.Up+delta, 0)
	case votes.KindDown:
		t.Down = max(t.Down+delta, 0)
	}
}

func (s *MemoryStore) Close() error {
	return nil
}
