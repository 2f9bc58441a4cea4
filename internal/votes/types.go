// Package votes holds the vote domain: kinds, tallies, the store contracts the
// aggregator depends on, and the Aggregator itself.
package votes

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

type Kind string

const (
	KindUp   Kind = "up"
	KindDown Kind = "down"
)

func (k Kind) Valid() bool {
	return k == KindUp || k == KindDown
}

// ParseKind accepts "up" and "down" in any case and surrounding whitespace.
func ParseKind(value string) (Kind, error) {
	kind := Kind(strings.ToLower(strings.TrimSpace(value)))
	if !kind.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, value)
	}
	return kind, nil
}

var (
	ErrInvalidKind      = errors.New("vote kind must be up or down")
	ErrUnknownNote      = errors.New("unknown note")
	ErrUnavailable      = errors.New("vote storage unavailable")
	ErrIndexEmpty       = errors.New("ranking index empty")
	ErrCursorNotIndexed = errors.New("cursor note not in ranking index")
)

// Tally is the per-note aggregate of current votes.
type Tally struct {
	Up   int64 `json:"up"`
	Down int64 `json:"down"`
}

func (t Tally) Score() int64 {
	return t.Up - t.Down
}

// Count returns the bucket for kind.
func (t Tally) Count(kind Kind) int64 {
	if kind == KindDown {
		return t.Down
	}
	return t.Up
}

// Record is one Ledger row: the user's current vote on a note.
type Record struct {
	NoteID    int64
	UserID    int64
	Kind      Kind
	UpdatedAt time.Time
}

// Ballot is a vote headed for the Counter Store together with the index
// targets it must refresh.
type Ballot struct {
	NoteID      int64
	UserID      int64
	WorkspaceID int64
	Kind        Kind
}

type Outcome string

const (
	OutcomeFirst Outcome = "first"
	OutcomeFlip  Outcome = "flip"
	OutcomeNoop  Outcome = "noop"
)

// Snapshot is the authoritative state of one note as rebuilt from the Ledger.
type Snapshot struct {
	NoteID      int64
	WorkspaceID int64
	Tally       Tally
	Voters      map[int64]Kind
}

// Scope selects the global ranking or a single workspace.
type Scope struct {
	WorkspaceID int64
}

func Global() Scope { return Scope{} }

func Workspace(id int64) Scope { return Scope{WorkspaceID: id} }

func (s Scope) IsGlobal() bool { return s.WorkspaceID == 0 }

func (s Scope) String() string {
	if s.IsGlobal() {
		return "global"
	}
	return fmt.Sprintf("workspace:%d", s.WorkspaceID)
}

type SortKey string

const (
	SortUpvotes   SortKey = "upvotes"
	SortDownvotes SortKey = "downvotes"
	SortNewest    SortKey = "newest"
	SortOldest    SortKey = "oldest"
)

// ParseSortKey maps the listing query parameter. "new" and "old" are accepted
// as short forms. Empty and unknown values fall back to id order, matching the
// listing default.
func ParseSortKey(value string) SortKey {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(SortUpvotes):
		return SortUpvotes
	case string(SortDownvotes):
		return SortDownvotes
	case string(SortNewest), "new":
		return SortNewest
	case string(SortOldest), "old":
		return SortOldest
	default:
		return SortOldest
	}
}

// ByVotes reports whether the key is served from the ranking indexes.
func (k SortKey) ByVotes() bool {
	return k == SortUpvotes || k == SortDownvotes
}

// RankValue is the value a note is ordered by under key.
func (k SortKey) RankValue(t Tally) int64 {
	if k == SortDownvotes {
		return t.Down
	}
	return t.Score()
}

// CounterStore is the low-latency store holding tallies, voter entries and
// the ranking indexes.
type CounterStore interface {
	// ApplyVote compares the voter entry with the ballot and adjusts the
	// tallies and both ranking indexes in one atomic step.
	ApplyVote(ctx context.Context, ballot Ballot) (Tally, Outcome, error)
	Tally(ctx context.Context, noteID int64) (Tally, error)
	Ranked(ctx context.Context, scope Scope, key SortKey, afterNoteID int64, limit int) ([]int64, error)
	Overwrite(ctx context.Context, snapshot Snapshot) error
	// IndexedNotes walks the note ids held in the global index. A cursor of
	// 0 starts the walk and a returned cursor of 0 ends it. Ids may repeat.
	IndexedNotes(ctx context.Context, cursor uint64, count int) ([]int64, uint64, error)
	// Remove drops a note's tallies, voter entries and index memberships.
	Remove(ctx context.Context, noteID int64) error
	Ping(ctx context.Context) error
}

// Ledger is the durable record of every user's current vote.
type Ledger interface {
	UpsertVote(ctx context.Context, record Record) error
	NoteTally(ctx context.Context, noteID int64) (Tally, error)
}

// WorkspaceResolver finds the workspace a note belongs to. It returns
// ErrUnknownNote when the note does not exist.
type WorkspaceResolver interface {
	Workspace(ctx context.Context, noteID int64) (int64, error)
}
