// Package counter provides the Counter Store backends: Redis for production
// and an in-process store for local runs and tests.
package counter

import (
	"fmt"
	"strconv"

	"notehub/api/internal/votes"
)

// memberWidth pads note ids so lexicographic order of sorted-set members
// matches numeric order. Ties on score are then broken by note id ascending.
const memberWidth = 20

// workspaceField holds a note's workspace id inside its tallies hash.
const workspaceField = "ws"

func member(noteID int64) string {
	return fmt.Sprintf("%0*d", memberWidth, noteID)
}

func parseMember(value string) (int64, error) {
	id, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse index member %q: %w", value, err)
	}
	return id, nil
}

type keyspace struct {
	prefix string
}

func (k keyspace) tallies(noteID int64) string {
	return fmt.Sprintf("%snote:%d:votes", k.prefix, noteID)
}

func (k keyspace) voters(noteID int64) string {
	return fmt.Sprintf("%snote:%d:voters", k.prefix, noteID)
}

func (k keyspace) index(scope votes.Scope, key votes.SortKey) string {
	suffix := "score"
	if key == votes.SortDownvotes {
		suffix = "down"
	}
	if scope.IsGlobal() {
		return fmt.Sprintf("%snotes:%s", k.prefix, suffix)
	}
	return fmt.Sprintf("%sworkspace:%d:notes:%s", k.prefix, scope.WorkspaceID, suffix)
}

// indexKeys lists the four index keys a note with the given workspace lives in:
// global score, global down, workspace score, workspace down. The workspace
// keys are empty when the workspace is unknown.
func (k keyspace) indexKeys(workspaceID int64) [4]string {
	keys := [4]string{
		k.index(votes.Global(), votes.SortUpvotes),
		k.index(votes.Global(), votes.SortDownvotes),
	}
	if workspaceID > 0 {
		keys[2] = k.index(votes.Workspace(workspaceID), votes.SortUpvotes)
		keys[3] = k.index(votes.Workspace(workspaceID), votes.SortDownvotes)
	}
	return keys
}
