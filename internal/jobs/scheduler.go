// Package jobs runs background work on cron schedules.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"notehub/api/internal/metrics"
)

const (
	Reconcile      = "reconcile"
	HistoryCleanup = "history-cleanup"
)

// ErrStopped is returned by RunNow once Stop has been called.
var ErrStopped = errors.New("scheduler stopped")

// Func is one run of a job. It must return when ctx is cancelled.
type Func func(ctx context.Context) error

// Scheduler wraps a cron runner. Runs of the same job never overlap: a tick
// that arrives while the previous run is still going is skipped.
type Scheduler struct {
	cron   *cron.Cron
	log    *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	jobs    map[string]cron.Job
	stopped bool
	// on-demand runs, which cron.Stop does not track
	manual sync.WaitGroup
}

func NewScheduler(log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("jobs")
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   cron.New(cron.WithLogger(cronLogger{log: log})),
		log:    log,
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]cron.Job),
	}
}

// Add registers fn under name with a standard cron spec or a descriptor such
// as "@daily" or "@every 15m".
func (s *Scheduler) Add(name, spec string, fn Func) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %s already registered", name)
	}

	cronLog := cronLogger{log: s.log}
	job := cron.NewChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)).Then(cron.FuncJob(func() {
		s.run(name, fn)
	}))
	if _, err := s.cron.AddJob(spec, job); err != nil {
		return fmt.Errorf("schedule %s (%q): %w", name, spec, err)
	}
	s.jobs[name] = job
	return nil
}

// RunNow triggers a job outside its schedule. It shares the overlap guard
// with scheduled runs, so it is a no-op while the job is running.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	job, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("job %s not registered", name)
	}
	s.manual.Add(1)
	go func() {
		defer s.manual.Done()
		job.Run()
	}()
	return nil
}

func (s *Scheduler) run(name string, fn Func) {
	start := time.Now()
	err := fn(s.ctx)
	result := "ok"
	if err != nil {
		result = "error"
		s.log.Error("job failed", zap.String("job", name), zap.Duration("duration", time.Since(start)), zap.Error(err))
	} else {
		s.log.Info("job finished", zap.String("job", name), zap.Duration("duration", time.Since(start)))
	}
	metrics.JobRuns.WithLabelValues(name, result).Inc()
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop cancels running jobs, scheduled or started by RunNow, and waits for
// them to return or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	cronDone := s.cron.Stop()
	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.manual.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	log *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug(msg, zap.Any("details", keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error(msg, zap.Error(err), zap.Any("details", keysAndValues))
}
