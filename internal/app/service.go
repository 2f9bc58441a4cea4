package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"notehub/api/internal/auth"
	"notehub/api/internal/config"
	"notehub/api/internal/jobs"
	"notehub/api/internal/ranking"
	"notehub/api/internal/votes"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

// JobRunner starts a registered background job outside its schedule.
type JobRunner interface {
	RunNow(name string) error
}

type Deps struct {
	Aggregator *votes.Aggregator
	Reader     *ranking.Reader
	Ledger     Pinger
	Counters   Pinger
	Jobs       JobRunner
	Log        *zap.Logger
}

type Service struct {
	cfg        config.Config
	aggregator *votes.Aggregator
	reader     *ranking.Reader
	ledger     Pinger
	counters   Pinger
	jobs       JobRunner
	log        *zap.Logger
}

func New(cfg config.Config, deps Deps) *Service {
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		cfg:        cfg,
		aggregator: deps.Aggregator,
		reader:     deps.Reader,
		ledger:     deps.Ledger,
		counters:   deps.Counters,
		jobs:       deps.Jobs,
		log:        log,
	}
}

// UserFromToken verifies a bearer token and returns the voter's user id.
func (s *Service) UserFromToken(token string) (int64, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return 0, err
	}
	return claims.UserID()
}

func (s *Service) RecordVote(ctx context.Context, noteID, userID int64, rawKind string) (votes.Result, error) {
	kind, err := votes.ParseKind(rawKind)
	if err != nil {
		return votes.Result{}, domainError(http.StatusUnprocessableEntity, "INVALID_VOTE", "vote must be up or down", nil)
	}
	return s.aggregator.RecordVote(ctx, noteID, userID, kind)
}

func (s *Service) Counts(ctx context.Context, noteID int64) (votes.Tally, error) {
	return s.aggregator.Counts(ctx, noteID)
}

type ListInput struct {
	WorkspaceID int64
	Sort        string
	PerPage     int
	LastID      int64
}

func (s *Service) ListNotes(ctx context.Context, input ListInput) (ranking.Page, error) {
	if input.WorkspaceID < 0 {
		return ranking.Page{}, domainError(http.StatusBadRequest, "INVALID_WORKSPACE", "workspace id must be positive", nil)
	}
	return s.reader.RankedPage(ctx, ranking.Query{
		Scope:    votes.Workspace(input.WorkspaceID),
		Sort:     votes.ParseSortKey(input.Sort),
		PageSize: input.PerPage,
		Cursor:   input.LastID,
	})
}

// AuthorizeOps checks the operator token guarding admin endpoints.
func (s *Service) AuthorizeOps(token string) error {
	if !auth.TokensMatch(token, s.cfg.OpsToken) {
		return domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
	}
	return nil
}

func (s *Service) TriggerReconcile() error {
	if s.jobs == nil {
		return domainError(http.StatusServiceUnavailable, "JOBS_DISABLED", "background jobs are not running", nil)
	}
	if err := s.jobs.RunNow(jobs.Reconcile); err != nil {
		if errors.Is(err, jobs.ErrStopped) {
			return domainError(http.StatusServiceUnavailable, "JOBS_DISABLED", "background jobs are not running", nil)
		}
		return fmt.Errorf("trigger reconcile: %w", err)
	}
	s.log.Info("reconcile triggered on demand")
	return nil
}

// Ready pings every backing store and reports the error of each.
func (s *Service) Ready(ctx context.Context) map[string]error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	checks := map[string]error{}
	if s.ledger != nil {
		checks["database"] = s.ledger.Ping(ctx)
	}
	if s.counters != nil {
		checks["counters"] = s.counters.Ping(ctx)
	}
	return checks
}
