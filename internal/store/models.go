package store

import "time"

// NoteRef is the slice of a note row the vote subsystem needs.
type NoteRef struct {
	ID          int64 `db:"id"`
	WorkspaceID int64 `db:"workspace_id"`
}

type VoteRow struct {
	NoteID    int64     `db:"note_id"`
	UserID    int64     `db:"user_id"`
	Vote      string    `db:"vote"`
	UpdatedAt time.Time `db:"updated_at"`
}

// HistoryEntry is one saved previous version of a note's content.
type HistoryEntry struct {
	ID              int64     `db:"id" json:"id"`
	NoteID          int64     `db:"note_id" json:"note_id"`
	UserID          int64     `db:"user_id" json:"user_id"`
	PreviousContent string    `db:"previous_content" json:"previous_content"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}

type tallyRow struct {
	Up   int64 `db:"up"`
	Down int64 `db:"down"`
}
