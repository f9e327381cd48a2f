package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// SchedulerConfig tunes the periodic scan.
type SchedulerConfig struct {
	// Interval between passes.
	Interval time.Duration `json:"interval" yaml:"interval" mapstructure:"interval"`

	// MaxConcurrent bounds provider calls issued by one pass.
	MaxConcurrent int `json:"max_concurrent_dispatches" yaml:"max_concurrent_dispatches" mapstructure:"max_concurrent_dispatches"`

	// Location evaluates policies that name no timezone. Defaults to UTC.
	Location *time.Location `json:"-" yaml:"-" mapstructure:"-"`
}

// PassResult summarizes one scheduler pass.
type PassResult struct {
	Scanned      int           `json:"scanned"`
	Stopped      int           `json:"stopped"`
	Started      int           `json:"started"`
	Queued       int           `json:"queued"`
	Skipped      int           `json:"skipped"`
	Rejected     int           `json:"rejected"`
	TimedOut     int           `json:"timed_out"`
	ExpiredTasks int           `json:"expired_tasks"`
	Duration     time.Duration `json:"duration"`
}

// SchedulerEngine periodically applies schedule policies and sweeps timeouts.
//
// Each pass claims actions synchronously through the orchestrator, so the
// record's pending action prevents a second pass from dispatching again.
// The provider calls themselves run in the background, bounded by a
// semaphore, and a slow provider never holds up the scan.
type SchedulerEngine struct {
	*core
	orch *Orchestrator
	keys *ReuploadKeyWorkflow
	cfg  SchedulerConfig

	sem     *semaphore.Weighted
	wg      sync.WaitGroup
	running atomic.Bool
}

func newSchedulerEngine(c *core, orch *Orchestrator, keys *ReuploadKeyWorkflow, cfg SchedulerConfig) *SchedulerEngine {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSchedulerInterval
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &SchedulerEngine{
		core: c,
		orch: orch,
		keys: keys,
		cfg:  cfg,
		sem:  semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
	}
}

// Run executes a pass on every tick until ctx is cancelled.
func (s *SchedulerEngine) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return NewConflictError("scheduler already running", nil)
	}
	defer s.running.Store(false)

	ticker := s.clock.Ticker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.cfg.Interval).Msg("Scheduler started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs one pass: timeout sweeps, then schedule evaluation.
func (s *SchedulerEngine) RunOnce(ctx context.Context) PassResult {
	started := s.clock.Now()
	var res PassResult

	timedOut, err := s.orch.SweepTimeouts(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Dispatch timeout sweep failed")
	}
	res.TimedOut = timedOut

	expired, err := s.keys.SweepExpired(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Key task sweep failed")
	}
	res.ExpiredTasks = expired

	recs, err := s.registry.ListResources(ctx, ResourceFilter{
		ScheduledOnly: true,
		Statuses:      []ResourceStatus{StatusRunning, StatusStopped},
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list scheduled resources")
		return res
	}

	now := s.now()
	for _, rec := range recs {
		res.Scanned++
		if rec.PendingAction != "" || rec.PendingTerminate || rec.QueuedAction != "" {
			res.Skipped++
			s.metrics.RecordSchedulerDecision("skipped")
			continue
		}

		switch rec.Status {
		case StatusRunning:
			stop, reason := rec.Schedule.ShouldStop(rec, now, s.cfg.Location)
			if stop {
				s.stop(ctx, rec, reason, &res)
			}
		case StatusStopped:
			if rec.Schedule.ShouldStart(rec, now, s.cfg.Location) {
				s.start(ctx, rec, &res)
			}
		}
	}

	s.observe(ctx)
	res.Duration = s.clock.Since(started)
	s.metrics.RecordSchedulerPass(res.Duration)
	s.logger.Debug().
		Int("scanned", res.Scanned).
		Int("stopped", res.Stopped).
		Int("started", res.Started).
		Int("timed_out", res.TimedOut).
		Msg("Scheduler pass finished")
	return res
}

// Wait blocks until provider calls issued by past passes return.
func (s *SchedulerEngine) Wait() {
	s.wg.Wait()
}

func (s *SchedulerEngine) stop(ctx context.Context, rec *ResourceRecord, reason string, res *PassResult) {
	job, _, err := s.orch.requestStop(ctx, SystemActor, rec.ID)
	if err != nil {
		res.Rejected++
		s.metrics.RecordSchedulerDecision("stop_rejected")
		s.logger.Debug().Err(err).Str("resource_id", rec.ID).Msg("Scheduled stop not admitted")
		return
	}
	res.Stopped++
	s.metrics.RecordSchedulerDecision("stop")
	s.logger.Info().Str("resource_id", rec.ID).Str("reason", reason).Msg("Scheduled stop")
	s.dispatch(ctx, job)
}

func (s *SchedulerEngine) start(ctx context.Context, rec *ResourceRecord, res *PassResult) {
	if rec.Schedule.ReuploadKeyRequired {
		s.keys.flag(ctx, rec.ID)
	}

	job, adm, err := s.orch.requestStart(ctx, SystemActor, rec.ID)
	switch {
	case IsQuotaExceeded(err):
		res.Rejected++
		s.metrics.RecordSchedulerDecision("start_quota_denied")
		s.logger.Warn().Err(err).Str("resource_id", rec.ID).Msg("Scheduled start denied by quota")
		return
	case err != nil:
		res.Rejected++
		s.metrics.RecordSchedulerDecision("start_rejected")
		s.logger.Debug().Err(err).Str("resource_id", rec.ID).Msg("Scheduled start not admitted")
		return
	case adm != nil && adm.Outcome == OutcomeQueued:
		res.Queued++
		s.metrics.RecordSchedulerDecision("start_queued")
		return
	}
	res.Started++
	s.metrics.RecordSchedulerDecision("start")
	s.logger.Info().Str("resource_id", rec.ID).Msg("Scheduled start")
	s.dispatch(ctx, job)
}

// dispatch runs a claimed job in the background. The claim already happened,
// so a failed call is recorded on the record by the orchestrator.
func (s *SchedulerEngine) dispatch(ctx context.Context, job *dispatchJob) {
	if job == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		bctx := context.WithoutCancel(ctx)
		if err := s.sem.Acquire(bctx, 1); err != nil {
			return
		}
		defer s.sem.Release(1)
		if err := s.orch.run(bctx, job); err != nil {
			s.logger.Warn().Err(err).Str("resource_id", job.rec.ID).Msg("Scheduled action rejected by provider")
		}
	}()
}

// observe refreshes the resource gauges.
func (s *SchedulerEngine) observe(ctx context.Context) {
	for _, t := range ResourceTypes {
		counts, err := s.registry.CountResources(ctx, t)
		if err != nil {
			s.logger.Debug().Err(err).Str("type", string(t)).Msg("Resource count unavailable")
			continue
		}
		for _, st := range []ResourceStatus{
			StatusRequested, StatusProvisioning, StatusRunning, StatusStopping,
			StatusStopped, StatusTerminating, StatusTerminated, StatusFailed,
		} {
			s.metrics.SetResourceCount(string(t), string(st), float64(counts[st]))
		}
	}

	queued, err := s.registry.ListResources(ctx, ResourceFilter{QueuedOnly: true})
	if err == nil {
		s.metrics.SetQueuedActions(float64(len(queued)))
	}
}
