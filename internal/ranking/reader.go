// Package ranking serves ranked and id-ordered note listings. Vote sorts are
// read from the Counter Store indexes and fall back to the Ledger when the
// index cannot answer.
package ranking

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"notehub/api/internal/metrics"
	"notehub/api/internal/votes"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Index is the ranked read side of the Counter Store.
type Index interface {
	Ranked(ctx context.Context, scope votes.Scope, key votes.SortKey, afterNoteID int64, limit int) ([]int64, error)
}

// Ledger computes the same listings from durable storage.
type Ledger interface {
	RankedNoteIDs(ctx context.Context, scope votes.Scope, key votes.SortKey, afterNoteID int64, limit int) ([]int64, error)
	NoteIDsAfter(ctx context.Context, scope votes.Scope, afterID int64, limit int, newestFirst bool) ([]int64, error)
}

type Source string

const (
	SourceIndex  Source = "index"
	SourceLedger Source = "ledger"
)

type Query struct {
	Scope    votes.Scope
	Sort     votes.SortKey
	PageSize int
	// Cursor is the last note id of the previous page, 0 for the first page.
	Cursor int64
}

type Page struct {
	NoteIDs []int64
	// NextCursor is 0 when there is no further page.
	NextCursor int64
	PageSize   int
	Source     Source
}

type Options struct {
	DefaultPageSize int
	MaxPageSize     int
}

type Reader struct {
	index  Index
	ledger Ledger
	opts   Options
	log    *zap.Logger
}

func NewReader(index Index, ledger Ledger, opts Options, log *zap.Logger) *Reader {
	if opts.DefaultPageSize <= 0 {
		opts.DefaultPageSize = DefaultPageSize
	}
	if opts.MaxPageSize <= 0 {
		opts.MaxPageSize = MaxPageSize
	}
	if opts.DefaultPageSize > opts.MaxPageSize {
		opts.DefaultPageSize = opts.MaxPageSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Reader{index: index, ledger: ledger, opts: opts, log: log.Named("ranking")}
}

// PageSize applies the default and the upper bound to a requested size.
func (r *Reader) PageSize(requested int) int {
	if requested <= 0 {
		return r.opts.DefaultPageSize
	}
	return min(requested, r.opts.MaxPageSize)
}

// RankedPage returns one page of note ids for the query.
func (r *Reader) RankedPage(ctx context.Context, q Query) (Page, error) {
	size := r.PageSize(q.PageSize)
	if q.Cursor < 0 {
		q.Cursor = 0
	}

	if !q.Sort.ByVotes() {
		ids, err := r.ledger.NoteIDsAfter(ctx, q.Scope, q.Cursor, size, q.Sort == votes.SortNewest)
		if err != nil {
			r.log.Error("note listing failed", zap.Stringer("scope", q.Scope), zap.String("sort", string(q.Sort)), zap.Error(err))
			return Page{}, fmt.Errorf("list notes: %w", votes.ErrUnavailable)
		}
		return newPage(ids, size, SourceLedger), nil
	}

	ids, err := r.index.Ranked(ctx, q.Scope, q.Sort, q.Cursor, size)
	if err == nil {
		return newPage(ids, size, SourceIndex), nil
	}

	reason := fallbackReason(err)
	metrics.RankingFallbacks.WithLabelValues(reason).Inc()
	if reason == "unavailable" {
		metrics.CounterStoreErrors.WithLabelValues("ranked").Inc()
		r.log.Warn("ranking index unavailable, reading ledger",
			zap.Stringer("scope", q.Scope), zap.String("sort", string(q.Sort)), zap.Error(err))
	} else {
		r.log.Info("ranking index cannot serve page, reading ledger",
			zap.Stringer("scope", q.Scope), zap.String("sort", string(q.Sort)),
			zap.Int64("cursor", q.Cursor), zap.String("reason", reason))
	}

	ids, err = r.ledger.RankedNoteIDs(ctx, q.Scope, q.Sort, q.Cursor, size)
	if err != nil {
		r.log.Error("ledger ranking failed", zap.Stringer("scope", q.Scope), zap.String("sort", string(q.Sort)), zap.Error(err))
		return Page{}, fmt.Errorf("ranked page: %w", votes.ErrUnavailable)
	}
	return newPage(ids, size, SourceLedger), nil
}

func fallbackReason(err error) string {
	switch {
	case errors.Is(err, votes.ErrIndexEmpty):
		return "empty"
	case errors.Is(err, votes.ErrCursorNotIndexed):
		return "cursor"
	default:
		return "unavailable"
	}
}

func newPage(ids []int64, size int, source Source) Page {
	if ids == nil {
		ids = []int64{}
	}
	page := Page{NoteIDs: ids, PageSize: size, Source: source}
	if len(ids) == size {
		page.NextCursor = ids[len(ids)-1]
	}
	return page
}
