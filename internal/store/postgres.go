package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"

	"notehub/api/internal/votes"
)

const (
	pgForeignKeyViolation = "23503"
	pgUniqueViolation     = "23505"

	noteVotesNoteFK = "note_votes_note_id_fkey"
)

var ErrConflict = errors.New("conflict")

// PostgresStore is the durable Vote Ledger plus the note and history queries
// the vote subsystem runs against the application database.
type PostgresStore struct {
	db *sqlx.DB
	sb sq.StatementBuilderType
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{
		db: sqlx.NewDb(db, "pgx"),
		sb: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// UpsertVote stores the user's current vote on a note, replacing any earlier
// vote by the same user.
func (s *PostgresStore) UpsertVote(ctx context.Context, record votes.Record) error {
	updatedAt := record.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO note_votes (note_id, user_id, vote, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (note_id, user_id) DO UPDATE
		SET vote = EXCLUDED.vote, updated_at = EXCLUDED.updated_at
	`, record.NoteID, record.UserID, string(record.Kind), updatedAt)
	if err != nil {
		return fmt.Errorf("upsert vote note %d user %d: %w", record.NoteID, record.UserID, castErr(err))
	}
	return nil
}

func (s *PostgresStore) NoteTally(ctx context.Context, noteID int64) (votes.Tally, error) {
	var row tallyRow
	err := s.db.GetContext(ctx, &row, `
		SELECT
			COUNT(*) FILTER (WHERE vote = 'up') AS up,
			COUNT(*) FILTER (WHERE vote = 'down') AS down
		FROM note_votes
		WHERE note_id = $1
	`, noteID)
	if err != nil {
		return votes.Tally{}, fmt.Errorf("note %d tally: %w", noteID, err)
	}
	return votes.Tally{Up: row.Up, Down: row.Down}, nil
}

// NoteWorkspace returns the workspace of a note, or sql.ErrNoRows when the
// note does not exist.
func (s *PostgresStore) NoteWorkspace(ctx context.Context, noteID int64) (int64, error) {
	var workspaceID int64
	err := s.db.GetContext(ctx, &workspaceID, `SELECT workspace_id FROM notes WHERE id = $1`, noteID)
	if err != nil {
		return 0, fmt.Errorf("note %d workspace: %w", noteID, err)
	}
	return workspaceID, nil
}

// RankedNoteIDs computes a ranking page directly from the Ledger. Ordering
// matches the Counter Store indexes: rank value descending, note id
// ascending. Notes without votes rank at zero.
func (s *PostgresStore) RankedNoteIDs(ctx context.Context, scope votes.Scope, key votes.SortKey, afterNoteID int64, limit int) ([]int64, error) {
	if limit <= 0 {
		return []int64{}, nil
	}

	var cursor *rankCursor
	if afterNoteID > 0 {
		tally, err := s.NoteTally(ctx, afterNoteID)
		if err != nil {
			return nil, err
		}
		cursor = &rankCursor{noteID: afterNoteID, value: key.RankValue(tally)}
	}

	query, args, err := s.rankedQuery(scope, key, cursor, limit).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build ranked query: %w", err)
	}

	ids := make([]int64, 0, limit)
	if err := s.db.SelectContext(ctx, &ids, query, args...); err != nil {
		return nil, fmt.Errorf("ranked notes %s %s: %w", scope, key, err)
	}
	return ids, nil
}

type rankCursor struct {
	noteID int64
	value  int64
}

func rankExpr(key votes.SortKey) string {
	if key == votes.SortDownvotes {
		return "COUNT(v.id) FILTER (WHERE v.vote = 'down')"
	}
	return "COALESCE(SUM(CASE v.vote WHEN 'up' THEN 1 WHEN 'down' THEN -1 ELSE 0 END), 0)"
}

func (s *PostgresStore) rankedQuery(scope votes.Scope, key votes.SortKey, cursor *rankCursor, limit int) sq.SelectBuilder {
	inner := sq.Select("n.id AS note_id", rankExpr(key)+" AS rank_value").
		From("notes n").
		LeftJoin("note_votes v ON v.note_id = n.id").
		GroupBy("n.id")
	if !scope.IsGlobal() {
		inner = inner.Where(sq.Eq{"n.workspace_id": scope.WorkspaceID})
	}

	outer := s.sb.Select("note_id").
		FromSelect(inner, "ranked").
		OrderBy("rank_value DESC", "note_id ASC").
		Limit(uint64(limit))
	if cursor != nil {
		outer = outer.Where(sq.Or{
			sq.Lt{"rank_value": cursor.value},
			sq.And{sq.Eq{"rank_value": cursor.value}, sq.Gt{"note_id": cursor.noteID}},
		})
	}
	return outer
}

// NoteIDsAfter lists note ids by id. Oldest first walks ids upward from
// afterID; newest first walks downward from it. Zero starts at the edge.
func (s *PostgresStore) NoteIDsAfter(ctx context.Context, scope votes.Scope, afterID int64, limit int, newestFirst bool) ([]int64, error) {
	if limit <= 0 {
		return []int64{}, nil
	}
	query, args, err := s.idQuery(scope, afterID, limit, newestFirst).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build id query: %w", err)
	}
	ids := make([]int64, 0, limit)
	if err := s.db.SelectContext(ctx, &ids, query, args...); err != nil {
		return nil, fmt.Errorf("list notes %s: %w", scope, err)
	}
	return ids, nil
}

func (s *PostgresStore) idQuery(scope votes.Scope, afterID int64, limit int, newestFirst bool) sq.SelectBuilder {
	q := s.sb.Select("id").From("notes").Limit(uint64(limit))
	if !scope.IsGlobal() {
		q = q.Where(sq.Eq{"workspace_id": scope.WorkspaceID})
	}
	if newestFirst {
		q = q.OrderBy("id DESC")
		if afterID > 0 {
			q = q.Where(sq.Lt{"id": afterID})
		}
		return q
	}
	q = q.OrderBy("id ASC")
	if afterID > 0 {
		q = q.Where(sq.Gt{"id": afterID})
	}
	return q
}

// NoteBatch returns up to limit notes with id greater than afterID.
func (s *PostgresStore) NoteBatch(ctx context.Context, afterID int64, limit int) ([]NoteRef, error) {
	notes := make([]NoteRef, 0, limit)
	err := s.db.SelectContext(ctx, &notes, `
		SELECT id, workspace_id FROM notes
		WHERE id > $1
		ORDER BY id ASC
		LIMIT $2
	`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("note batch after %d: %w", afterID, err)
	}
	return notes, nil
}

// NoteVoters returns the current vote of every voter on each of noteIDs.
// Notes without votes are absent from the result.
func (s *PostgresStore) NoteVoters(ctx context.Context, noteIDs []int64) (map[int64]map[int64]votes.Kind, error) {
	result := make(map[int64]map[int64]votes.Kind, len(noteIDs))
	if len(noteIDs) == 0 {
		return result, nil
	}

	query, args, err := s.sb.Select("note_id", "user_id", "vote", "updated_at").
		From("note_votes").
		Where(sq.Eq{"note_id": noteIDs}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build voters query: %w", err)
	}

	var rows []VoteRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("note voters: %w", err)
	}
	for _, row := range rows {
		kind, err := votes.ParseKind(row.Vote)
		if err != nil {
			return nil, fmt.Errorf("note %d voter %d: %w", row.NoteID, row.UserID, err)
		}
		voters, ok := result[row.NoteID]
		if !ok {
			voters = make(map[int64]votes.Kind)
			result[row.NoteID] = voters
		}
		voters[row.UserID] = kind
	}
	return result, nil
}

// LiveNotes reports which of noteIDs still exist.
func (s *PostgresStore) LiveNotes(ctx context.Context, noteIDs []int64) (map[int64]bool, error) {
	live := make(map[int64]bool, len(noteIDs))
	if len(noteIDs) == 0 {
		return live, nil
	}

	query, args, err := s.sb.Select("id").From("notes").Where(sq.Eq{"id": noteIDs}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build live notes query: %w", err)
	}

	var ids []int64
	if err := s.db.SelectContext(ctx, &ids, query, args...); err != nil {
		return nil, fmt.Errorf("live notes: %w", err)
	}
	for _, id := range ids {
		live[id] = true
	}
	return live, nil
}

// ExpiredHistory returns up to limit history entries created before cutoff,
// oldest id first.
func (s *PostgresStore) ExpiredHistory(ctx context.Context, cutoff time.Time, limit int) ([]HistoryEntry, error) {
	entries := make([]HistoryEntry, 0, limit)
	err := s.db.SelectContext(ctx, &entries, `
		SELECT id, note_id, user_id, previous_content, created_at
		FROM note_histories
		WHERE created_at < $1
		ORDER BY id ASC
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("expired history: %w", err)
	}
	return entries, nil
}

func (s *PostgresStore) DeleteHistory(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query, args, err := s.sb.Delete("note_histories").Where(sq.Eq{"id": ids}).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build history delete: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete history: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete history rows affected: %w", err)
	}
	return deleted, nil
}

// castErr maps Postgres constraint violations onto errors callers compare
// against.
func castErr(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgForeignKeyViolation:
		if pgErr.ConstraintName == noteVotesNoteFK {
			return fmt.Errorf("%s: %w", pgErr.ConstraintName, votes.ErrUnknownNote)
		}
	case pgUniqueViolation:
		return fmt.Errorf("%s: %w", pgErr.ConstraintName, ErrConflict)
	}
	return err
}
