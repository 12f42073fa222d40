package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	appLog "billcal/internal/log"
	"billcal/internal/report"
)

// Scheduler rebuilds the report on a cron schedule and keeps the latest
// successful result.
type Scheduler struct {
	builder *Builder
	build   func(context.Context) (*report.Report, error)
	cron    *cron.Cron
	spec    string

	// refreshMu serializes Refresh; cron and the source watcher both call it.
	refreshMu sync.Mutex

	mu      sync.RWMutex
	latest  *report.Report
	lastErr error
}

// NewScheduler validates spec (standard five-field cron or descriptors
// such as "@every 10m") and prepares a scheduler in loc.
func NewScheduler(b *Builder, spec string, loc *time.Location) (*Scheduler, error) {
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("refresh schedule %q: %w", spec, err)
	}
	if loc == nil {
		loc = time.UTC
	}
	logger := cronLogger{}
	return &Scheduler{
		builder: b,
		build:   b.Build,
		spec:    spec,
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
	}, nil
}

// Start runs one build immediately, then schedules periodic rebuilds until
// ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.spec, func() { s.Refresh(ctx) }); err != nil {
		return err
	}
	s.Refresh(ctx)
	s.cron.Start()
	appLog.Info("refresh scheduler started", "spec", s.spec)

	go func() {
		<-ctx.Done()
		<-s.cron.Stop().Done()
		appLog.Info("refresh scheduler stopped")
	}()
	return nil
}

// Refresh rebuilds the report now. On failure the previous report is kept.
// Concurrent calls run one after another, so the stored report always comes
// from the build that started last.
func (s *Scheduler) Refresh(ctx context.Context) {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	if ctx.Err() != nil {
		return
	}
	started := time.Now()
	r, err := s.build(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = err
	if err != nil {
		appLog.Error("report refresh failed", err, "kept_previous", s.latest != nil)
		return
	}
	s.latest = r
	appLog.Info("report refreshed", "took", time.Since(started).Round(time.Millisecond).String())
}

// Latest returns the most recent successful report, or nil, and the error
// of the most recent attempt.
func (s *Scheduler) Latest() (*report.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest, s.lastErr
}

// cronLogger routes cron's internal messages through the app logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	appLog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	appLog.Error("cron: "+msg, err, keysAndValues...)
}
