// Package notes resolves the workspace a note belongs to. Notes never move
// between workspaces, so lookups are cached.
package notes

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"notehub/api/internal/votes"
)

const DefaultCacheSize = 10000

// Lookup reads a note's workspace from the application database. It returns
// sql.ErrNoRows for unknown notes.
type Lookup interface {
	NoteWorkspace(ctx context.Context, noteID int64) (int64, error)
}

// Directory implements votes.WorkspaceResolver on top of Lookup.
type Directory struct {
	lookup Lookup
	cache  *lru.Cache[int64, int64]
}

func NewDirectory(lookup Lookup, size int) (*Directory, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[int64, int64](size)
	if err != nil {
		return nil, fmt.Errorf("note cache: %w", err)
	}
	return &Directory{lookup: lookup, cache: cache}, nil
}

func (d *Directory) Workspace(ctx context.Context, noteID int64) (int64, error) {
	if workspaceID, ok := d.cache.Get(noteID); ok {
		return workspaceID, nil
	}
	workspaceID, err := d.lookup.NoteWorkspace(ctx, noteID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("note %d: %w", noteID, votes.ErrUnknownNote)
	}
	if err != nil {
		return 0, err
	}
	d.cache.Add(noteID, workspaceID)
	return workspaceID, nil
}

// Forget drops a cached entry, e.g. after the note was deleted.
func (d *Directory) Forget(noteID int64) {
	d.cache.Remove(noteID)
}
