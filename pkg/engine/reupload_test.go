package engine_test

import (
	"testing"
	"time"

	"github.com/labforge/labforge/pkg/engine"
)

type rotationFixture struct {
	*harness
	project, edge, nb1, nb2, nb3 string
}

// newRotationFixture builds a project where alice owns a running (nb1) and a
// stopped (nb2) exploratory and bob owns a running one (nb3).
func newRotationFixture(t *testing.T) *rotationFixture {
	h := newHarness(t, nil)
	f := &rotationFixture{harness: h}
	f.project = h.project("p")
	f.edge = h.edge("p")
	f.nb1 = h.running("nb1", "alice", "p")
	f.nb2 = h.running("nb2", "alice", "p")
	f.nb3 = h.running("nb3", "bob", "p")

	if _, err := h.eng.Orchestrator.Stop(h.ctx, "alice", f.nb2); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	h.confirm(f.nb2)
	return f
}

func targetIDs(task *engine.ReuploadKeyTask) map[string]engine.TargetStatus {
	out := make(map[string]engine.TargetStatus, len(task.Targets))
	for _, tg := range task.Targets {
		out[tg.ResourceID] = tg.Status
	}
	return out
}

func TestRotateTargetsReachableRunningResources(t *testing.T) {
	f := newRotationFixture(t)
	key := testKey(t)

	task, err := f.eng.Keys.Rotate(f.ctx, "alice", "p", key)
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if task.Status != engine.TaskStatusRunning {
		t.Fatalf("status = %s, want running", task.Status)
	}

	targets := targetIDs(task)
	if len(targets) != 3 {
		t.Fatalf("targets = %v, want project, edge and nb1", targets)
	}
	for _, id := range []string{f.project, f.edge, f.nb1} {
		if targets[id] != engine.TargetStatusPending {
			t.Errorf("target %s = %q, want pending", id, targets[id])
		}
	}

	reqs := f.adapter.keyRequests()
	if len(reqs) != 3 {
		t.Fatalf("key requests = %d, want 3", len(reqs))
	}
	for _, r := range reqs {
		if r.TaskID != task.ID || r.KeyContent != key {
			t.Errorf("unexpected key request: %+v", r)
		}
	}

	if !f.get(f.nb2).ReuploadKeyRequired {
		t.Error("stopped resource not flagged")
	}
	if f.get(f.nb3).ReuploadKeyRequired {
		t.Error("another user's resource was flagged")
	}
	p, _ := f.store.GetProject(f.ctx, "p")
	if p.KeyContent == key {
		t.Error("a user rotation replaced the project key")
	}
	keys, _ := f.store.ListUserKeys(f.ctx, "p")
	if len(keys) != 1 || keys[0].User != "alice" || keys[0].KeyContent != key {
		t.Errorf("user keys = %+v", keys)
	}

	if _, err := f.eng.Keys.Rotate(f.ctx, "alice", "p", testKey(t)); !engine.IsConflict(err) {
		t.Errorf("second rotation: expected conflict, got %v", err)
	}
	if _, err := f.eng.Keys.Rotate(f.ctx, "bob", "p", testKey(t)); err != nil {
		t.Errorf("another user's rotation: %v", err)
	}
}

func TestRotatePartialFailure(t *testing.T) {
	f := newRotationFixture(t)
	task, err := f.eng.Keys.Rotate(f.ctx, "alice", "p", testKey(t))
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}

	complete := func(id string, status engine.CallbackStatus) engine.ReconcileOutcome {
		return f.eng.Keys.Complete(f.ctx, engine.KeyCallback{TaskID: task.ID, ResourceID: id, Status: status, Error: "host unreachable"})
	}

	if out := complete(f.project, engine.CallbackSuccess); out != engine.CallbackApplied {
		t.Fatalf("project = %s", out)
	}
	if out := complete(f.project, engine.CallbackSuccess); out != engine.CallbackDuplicate {
		t.Errorf("replay = %s, want duplicate", out)
	}
	if out := complete(f.nb3, engine.CallbackSuccess); out != engine.CallbackMalformed {
		t.Errorf("untargeted resource = %s, want malformed", out)
	}
	complete(f.edge, engine.CallbackSuccess)

	got, _ := f.eng.Keys.Get(f.ctx, task.ID)
	if got.Status != engine.TaskStatusRunning {
		t.Fatalf("task closed with a target outstanding: %s", got.Status)
	}

	complete(f.nb1, engine.CallbackFailure)
	got, _ = f.eng.Keys.Get(f.ctx, task.ID)
	if got.Status != engine.TaskStatusFailed || got.CompletedAt == nil {
		t.Fatalf("task = %+v, want failed", got)
	}
	failed := got.Failed()
	if len(failed) != 1 || failed[0].ResourceID != f.nb1 || failed[0].Error != "host unreachable" {
		t.Errorf("failed targets = %+v", failed)
	}
	if targets := targetIDs(got); targets[f.edge] != engine.TargetStatusCompleted {
		t.Errorf("completed targets were rolled back: %v", targets)
	}

	// The task is closed, so a new rotation is allowed.
	if _, err := f.eng.Keys.Rotate(f.ctx, "alice", "p", testKey(t)); err != nil {
		t.Errorf("rotation after failure: %v", err)
	}
}

func TestRotateSynchronousRejection(t *testing.T) {
	f := newRotationFixture(t)
	f.adapter.keyFail[f.edge] = engine.NewPermanentError("no route to host", nil)

	task, err := f.eng.Keys.Rotate(f.ctx, "alice", "p", testKey(t))
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if targetIDs(task)[f.edge] != engine.TargetStatusFailed {
		t.Fatalf("rejected target not failed: %+v", task.Targets)
	}

	f.eng.Keys.Complete(f.ctx, engine.KeyCallback{TaskID: task.ID, ResourceID: f.project, Status: engine.CallbackSuccess})
	f.eng.Keys.Complete(f.ctx, engine.KeyCallback{TaskID: task.ID, ResourceID: f.nb1, Status: engine.CallbackSuccess})

	got, _ := f.eng.Keys.Get(f.ctx, task.ID)
	if got.Status != engine.TaskStatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
}

func TestRotateValidation(t *testing.T) {
	f := newRotationFixture(t)

	if _, err := f.eng.Keys.Rotate(f.ctx, "alice", "p", "not a key"); !engine.IsValidation(err) {
		t.Errorf("bad key: expected VALIDATION_ERROR, got %v", err)
	}
	if _, err := f.eng.Keys.Rotate(f.ctx, "alice", "missing", testKey(t)); !engine.IsNotFound(err) {
		t.Errorf("unknown project: expected NOT_FOUND, got %v", err)
	}
}

func TestFlaggedResourceGetsKeyOnStart(t *testing.T) {
	f := newRotationFixture(t)
	key := testKey(t)

	task, err := f.eng.Keys.Rotate(f.ctx, "alice", "p", key)
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	for _, id := range []string{f.project, f.edge, f.nb1} {
		f.eng.Keys.Complete(f.ctx, engine.KeyCallback{TaskID: task.ID, ResourceID: id, Status: engine.CallbackSuccess})
	}
	if got, _ := f.eng.Keys.Get(f.ctx, task.ID); got.Status != engine.TaskStatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}

	if _, err := f.eng.Orchestrator.Start(f.ctx, "alice", f.nb2); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.confirm(f.nb2)
	f.eng.Wait()

	var pushed *engine.KeyRequest
	reqs := f.adapter.keyRequests()
	for i := range reqs {
		if reqs[i].ResourceID == f.nb2 {
			pushed = &reqs[i]
		}
	}
	if pushed == nil || pushed.KeyContent != key || pushed.TaskID == task.ID {
		t.Fatalf("key not reassociated on start: %+v", pushed)
	}
	if f.get(f.nb2).ReuploadKeyRequired {
		t.Error("flag not cleared after reassociation")
	}

	re, err := f.eng.Keys.Get(f.ctx, pushed.TaskID)
	if err != nil || len(re.Targets) != 1 || re.User != "alice" {
		t.Fatalf("reassociation task = %+v (%v)", re, err)
	}
}

func TestScheduledStartReassociatesOwnersKeyOnly(t *testing.T) {
	f := newRotationFixture(t)
	aliceKey, bobKey := testKey(t), testKey(t)

	completeAll := func(task *engine.ReuploadKeyTask) {
		t.Helper()
		for _, tg := range task.Targets {
			f.eng.Keys.Complete(f.ctx, engine.KeyCallback{TaskID: task.ID, ResourceID: tg.ResourceID, Status: engine.CallbackSuccess})
		}
		if got, _ := f.eng.Keys.Get(f.ctx, task.ID); got.Status != engine.TaskStatusCompleted {
			t.Fatalf("task %s status = %s", task.ID, got.Status)
		}
	}

	bobTask, err := f.eng.Keys.Rotate(f.ctx, "bob", "p", bobKey)
	if err != nil {
		t.Fatalf("Rotate bob: %v", err)
	}
	completeAll(bobTask)

	if err := f.eng.Orchestrator.SetSchedule(f.ctx, "bob", f.nb3, &engine.SchedulePolicy{
		StartTime:           "10:00",
		ReuploadKeyRequired: true,
	}); err != nil {
		t.Fatalf("SetSchedule: %v", err)
	}
	if _, err := f.eng.Orchestrator.Stop(f.ctx, "bob", f.nb3); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	f.confirm(f.nb3)

	aliceTask, err := f.eng.Keys.Rotate(f.ctx, "alice", "p", aliceKey)
	if err != nil {
		t.Fatalf("Rotate alice: %v", err)
	}
	if _, ok := targetIDs(aliceTask)[f.nb3]; ok {
		t.Fatal("alice's rotation targeted bob's resource")
	}
	completeAll(aliceTask)
	before := len(f.adapter.keyRequests())

	f.clock.Set(monday.Add(90 * time.Minute))
	if res := f.eng.Scheduler.RunOnce(f.ctx); res.Started != 1 {
		t.Fatalf("pass = %+v, want one start", res)
	}
	f.eng.Wait()
	f.confirm(f.nb3)
	f.expectStatus(f.nb3, engine.StatusRunning)
	f.eng.Wait()

	var pushed []engine.KeyRequest
	for _, r := range f.adapter.keyRequests()[before:] {
		if r.ResourceID == f.nb3 {
			pushed = append(pushed, r)
		}
	}
	if len(pushed) != 1 || pushed[0].KeyContent != bobKey {
		t.Fatalf("keys pushed to bob's resource = %+v, want only bob's key", pushed)
	}
	if f.get(f.nb3).ReuploadKeyRequired {
		t.Error("flag not cleared after reassociation")
	}
}

func TestReassociationWithoutRotatedKeyClearsFlag(t *testing.T) {
	f := newRotationFixture(t)

	if err := f.eng.Orchestrator.SetSchedule(f.ctx, "bob", f.nb3, &engine.SchedulePolicy{
		StartTime:           "10:00",
		ReuploadKeyRequired: true,
	}); err != nil {
		t.Fatalf("SetSchedule: %v", err)
	}
	if _, err := f.eng.Orchestrator.Stop(f.ctx, "bob", f.nb3); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	f.confirm(f.nb3)

	if _, err := f.eng.Keys.Rotate(f.ctx, "alice", "p", testKey(t)); err != nil {
		t.Fatalf("Rotate: %v", err)
	}

	f.clock.Set(monday.Add(90 * time.Minute))
	f.eng.Scheduler.RunOnce(f.ctx)
	f.eng.Wait()
	f.confirm(f.nb3)
	f.eng.Wait()

	for _, r := range f.adapter.keyRequests() {
		if r.ResourceID == f.nb3 {
			t.Fatalf("bob's resource received a key without rotating one: %+v", r)
		}
	}
	if f.get(f.nb3).ReuploadKeyRequired {
		t.Error("flag left set with no key to push")
	}
}

func TestKeyTaskExpiry(t *testing.T) {
	f := newRotationFixture(t)
	task, err := f.eng.Keys.Rotate(f.ctx, "alice", "p", testKey(t))
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	f.eng.Keys.Complete(f.ctx, engine.KeyCallback{TaskID: task.ID, ResourceID: f.project, Status: engine.CallbackSuccess})

	f.clock.Add(6 * time.Minute)
	res := f.eng.Scheduler.RunOnce(f.ctx)
	if res.ExpiredTasks != 1 {
		t.Fatalf("expired = %d, want 1", res.ExpiredTasks)
	}

	got, _ := f.eng.Keys.Get(f.ctx, task.ID)
	if got.Status != engine.TaskStatusFailed || len(got.Failed()) != 2 {
		t.Fatalf("task = %+v", got)
	}

	late := engine.KeyCallback{TaskID: task.ID, ResourceID: f.edge, Status: engine.CallbackSuccess}
	if out := f.eng.Keys.Complete(f.ctx, late); out != engine.CallbackDuplicate {
		t.Errorf("late key callback = %s, want duplicate", out)
	}
}

func TestRotateWithoutRunningTargets(t *testing.T) {
	h := newHarness(t, nil)
	h.project("p")
	// With the project infrastructure gone nothing is reachable.
	adms, err := h.eng.Orchestrator.TerminateProject(h.ctx, "admin", "p")
	if err != nil || len(adms) != 1 {
		t.Fatalf("TerminateProject: %v", err)
	}
	h.confirm(adms[0].ResourceID)

	task, err := h.eng.Keys.Rotate(h.ctx, "alice", "p", testKey(t))
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if task.Status != engine.TaskStatusCompleted || len(task.Targets) != 0 {
		t.Errorf("empty rotation = %+v, want completed", task)
	}
}
