package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/labforge/labforge/pkg/engine"
)

func TestSchedulerStopsOncePerOccurrence(t *testing.T) {
	h := newHarness(t, nil)
	h.project("p")
	h.edge("p")
	nb := h.running("nb", "alice", "p")

	if err := h.eng.Orchestrator.SetSchedule(h.ctx, "alice", nb, &engine.SchedulePolicy{StopTime: "18:00"}); err != nil {
		t.Fatalf("SetSchedule: %v", err)
	}

	// Before the stop time nothing happens.
	h.clock.Set(monday.Add(8 * time.Hour))
	if res := h.eng.Scheduler.RunOnce(h.ctx); res.Scanned != 1 || res.Stopped != 0 {
		t.Fatalf("17:00 pass = %+v", res)
	}

	h.clock.Set(monday.Add(10 * time.Hour))
	first := h.eng.Scheduler.RunOnce(h.ctx)
	second := h.eng.Scheduler.RunOnce(h.ctx)
	h.eng.Wait()

	if first.Stopped != 1 {
		t.Errorf("first pass stopped %d, want 1", first.Stopped)
	}
	if second.Stopped != 0 || second.Skipped != 1 {
		t.Errorf("second pass = %+v, want one skip", second)
	}
	if calls := h.adapter.callsFor(engine.ActionStop, nb); len(calls) != 1 {
		t.Fatalf("stop dispatched %d times, want 1", len(calls))
	}

	rec := h.get(nb)
	if rec.LastActor != engine.SystemActor || rec.Status != engine.StatusStopping {
		t.Errorf("unexpected record: %+v", rec)
	}

	h.confirm(nb)
	h.expectStatus(nb, engine.StatusStopped)

	// A manual start after the stop time is not undone until the next day.
	if _, err := h.eng.Orchestrator.Start(h.ctx, "alice", nb); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.confirm(nb)
	if res := h.eng.Scheduler.RunOnce(h.ctx); res.Stopped != 0 {
		t.Errorf("restarted resource stopped again the same evening")
	}
	h.clock.Set(monday.Add(33 * time.Hour))
	if res := h.eng.Scheduler.RunOnce(h.ctx); res.Stopped != 1 {
		t.Errorf("next day's stop did not fire: %+v", res)
	}
}

func TestSchedulerIdleStop(t *testing.T) {
	h := newHarness(t, nil)
	h.project("p")
	h.edge("p")
	nb := h.running("nb", "alice", "p")

	if err := h.eng.Orchestrator.SetSchedule(h.ctx, "alice", nb, &engine.SchedulePolicy{IdleTimeoutMinutes: 30}); err != nil {
		t.Fatalf("SetSchedule: %v", err)
	}
	if err := h.eng.Orchestrator.Touch(h.ctx, nb, monday.Add(20*time.Minute)); err != nil {
		t.Fatalf("Touch: %v", err)
	}

	h.clock.Set(monday.Add(45 * time.Minute))
	if res := h.eng.Scheduler.RunOnce(h.ctx); res.Stopped != 0 {
		t.Fatalf("stopped after 25 idle minutes")
	}

	h.clock.Set(monday.Add(50 * time.Minute))
	if res := h.eng.Scheduler.RunOnce(h.ctx); res.Stopped != 1 {
		t.Fatalf("not stopped after 30 idle minutes: %+v", res)
	}
	h.eng.Wait()
	if calls := h.adapter.callsFor(engine.ActionStop, nb); len(calls) != 1 {
		t.Errorf("stop calls = %d, want 1", len(calls))
	}
	h.expectStatus(nb, engine.StatusStopping)

	h.confirm(nb)
	h.expectStatus(nb, engine.StatusStopped)

	h.clock.Set(monday.Add(2 * time.Hour))
	if res := h.eng.Scheduler.RunOnce(h.ctx); res.Stopped != 0 {
		t.Errorf("stopped resource stopped again: %+v", res)
	}
}

func TestSchedulerStartRespectsQuota(t *testing.T) {
	h := newHarness(t, nil)
	h.project("p")
	h.edge("p")
	nb1 := h.running("nb1", "alice", "p")
	nb2 := h.running("nb2", "alice", "p")

	if err := h.eng.Orchestrator.SetSchedule(h.ctx, "alice", nb1, &engine.SchedulePolicy{StartTime: "08:00"}); err != nil {
		t.Fatalf("SetSchedule: %v", err)
	}
	if _, err := h.eng.Orchestrator.Stop(h.ctx, "alice", nb1); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	h.confirm(nb1)

	h.eng.Quota.SetLimits(engine.QuotaConfig{
		engine.ResourceTypeExploratory: {MaxPerUser: 1},
	})

	// Tuesday 08:30.
	h.clock.Set(monday.Add(23*time.Hour + 30*time.Minute))
	res := h.eng.Scheduler.RunOnce(h.ctx)
	if res.Started != 0 || res.Rejected != 1 {
		t.Fatalf("pass with full quota = %+v", res)
	}
	h.expectStatus(nb1, engine.StatusStopped)

	if _, err := h.eng.Orchestrator.Stop(h.ctx, "alice", nb2); err != nil {
		t.Fatalf("Stop nb2: %v", err)
	}
	h.confirm(nb2)

	res = h.eng.Scheduler.RunOnce(h.ctx)
	h.eng.Wait()
	if res.Started != 1 {
		t.Fatalf("pass with free quota = %+v", res)
	}
	if calls := h.adapter.callsFor(engine.ActionStart, nb1); len(calls) != 1 {
		t.Errorf("start calls = %d, want 1", len(calls))
	}
	h.expectStatus(nb1, engine.StatusProvisioning)
}

func TestSchedulerQueuesStartBehindStoppedEdge(t *testing.T) {
	h := newHarness(t, nil)
	h.project("p")
	edge := h.edge("p")
	nb := h.running("nb", "alice", "p")

	if err := h.eng.Orchestrator.SetSchedule(h.ctx, "alice", nb, &engine.SchedulePolicy{StartTime: "08:00"}); err != nil {
		t.Fatalf("SetSchedule: %v", err)
	}
	for _, id := range []string{nb, edge} {
		if _, err := h.eng.Orchestrator.Stop(h.ctx, "admin", id); err != nil {
			t.Fatalf("Stop %s: %v", id, err)
		}
		h.confirm(id)
	}

	h.clock.Set(monday.Add(23*time.Hour + 30*time.Minute))
	if res := h.eng.Scheduler.RunOnce(h.ctx); res.Queued != 1 {
		t.Fatalf("pass = %+v, want one queued start", res)
	}
	if rec := h.get(nb); rec.QueuedAction != engine.ActionStart {
		t.Fatalf("queued action = %q", rec.QueuedAction)
	}

	if _, err := h.eng.Orchestrator.Start(h.ctx, "admin", edge); err != nil {
		t.Fatalf("Start edge: %v", err)
	}
	h.confirm(edge)

	rec := h.get(nb)
	if rec.Status != engine.StatusProvisioning || rec.QueuedAction != "" {
		t.Fatalf("queued start not released: %+v", rec)
	}
}

func TestSchedulerTimeoutSweep(t *testing.T) {
	h := newHarness(t, nil)
	h.project("p")
	edge := h.submit(engine.ResourceTypeEdge, "edge", "admin", "p", "")
	nb := h.submit(engine.ResourceTypeExploratory, "nb", "alice", "p", "")

	h.clock.Add(11 * time.Minute)
	res := h.eng.Scheduler.RunOnce(h.ctx)
	h.eng.Wait()
	if res.TimedOut != 1 {
		t.Fatalf("timed out = %d, want 1", res.TimedOut)
	}

	rec := h.get(edge.ResourceID)
	if rec.Status != engine.StatusFailed || rec.Sequence != 2 || rec.PendingAction != "" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	cleanup := h.adapter.callsFor(engine.ActionTerminate, edge.ResourceID)
	if len(cleanup) != 1 || cleanup[0].Sequence != 2 {
		t.Fatalf("cleanup calls = %+v", cleanup)
	}

	late := engine.Callback{ResourceID: edge.ResourceID, Sequence: 1, Status: engine.CallbackSuccess}
	if out := h.eng.Reconciler.Reconcile(h.ctx, late); out != engine.CallbackStale {
		t.Errorf("late callback = %s, want stale", out)
	}
	h.expectStatus(edge.ResourceID, engine.StatusFailed)
	h.expectStatus(nb.ResourceID, engine.StatusFailed)
}

func TestSchedulerRunRejectsSecondLoop(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(h.ctx)

	done := make(chan error, 1)
	go func() {
		for {
			err := h.eng.Scheduler.Run(ctx)
			if !engine.IsConflict(err) {
				done <- err
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	// A second Run with a cancelled context returns at once if it wins the race.
	second, stop := context.WithCancel(h.ctx)
	stop()
	var err error
	for deadline := time.Now().Add(2 * time.Second); time.Now().Before(deadline); time.Sleep(5 * time.Millisecond) {
		if err = h.eng.Scheduler.Run(second); engine.IsConflict(err) {
			break
		}
	}
	if !engine.IsConflict(err) {
		t.Fatalf("second Run = %v, want conflict", err)
	}

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
