package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"

	"github.com/labforge/labforge/pkg/telemetry"
)

// maxKeyDispatches bounds concurrent ReuploadKey calls within one rotation.
const maxKeyDispatches = 8

// ReuploadKeyWorkflow rotates a user's access key across a project.
//
// A task targets every running resource the user can reach in the project.
// It completes only when every target confirms; a single failed target fails
// the task without undoing the targets that already took the new key.
// Resources that are down during the rotation are flagged and receive the
// key when they next become running.
type ReuploadKeyWorkflow struct {
	*core
	timeout time.Duration

	bg sync.WaitGroup
}

// Rotate starts a key rotation for user in project and returns the task.
// It fails with a conflict error if the user already has an active task there.
func (w *ReuploadKeyWorkflow) Rotate(ctx context.Context, user, project, key string) (*ReuploadKeyTask, error) {
	if user == "" || project == "" {
		return nil, NewValidationError("user and project are required")
	}
	if _, _, _, _, err := ssh.ParseAuthorizedKey([]byte(key)); err != nil {
		return nil, NewValidationError("invalid public key: %v", err)
	}
	if _, err := w.registry.GetProject(ctx, project); err != nil {
		return nil, err
	}

	recs, err := w.registry.ListResources(ctx, ResourceFilter{Project: project})
	if err != nil {
		return nil, err
	}
	reachable := lo.Filter(recs, func(r *ResourceRecord, _ int) bool {
		return !r.Status.IsTerminal() && reaches(user, r)
	})
	ready := func(r *ResourceRecord) bool { return r.Status == StatusRunning && r.PendingAction == "" }
	running := lo.Filter(reachable, func(r *ResourceRecord, _ int) bool { return ready(r) })
	down := lo.Reject(reachable, func(r *ResourceRecord, _ int) bool { return ready(r) })

	task := w.newTask(user, project, key, running)
	if err := w.registry.CreateReuploadTask(ctx, task); err != nil {
		return nil, err
	}

	w.logger.Info().
		Str("task_id", task.ID).
		Str("user", user).
		Str("project", project).
		Int("targets", len(task.Targets)).
		Msg("Key rotation started")
	w.audit(ctx, user, "reupload_key", task.ID, map[string]interface{}{
		"project": project,
		"targets": len(task.Targets),
	})

	w.storeUserKey(ctx, user, project, key)
	for _, rec := range down {
		w.flag(ctx, rec.ID)
	}

	if len(task.Targets) == 0 {
		w.finish(ctx, task)
		return task.Clone(), nil
	}

	w.dispatch(ctx, task, running)

	current, err := w.registry.GetReuploadTask(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	return current, nil
}

// Get returns a task.
func (w *ReuploadKeyWorkflow) Get(ctx context.Context, id string) (*ReuploadKeyTask, error) {
	return w.registry.GetReuploadTask(ctx, id)
}

// Complete records one target's key callback. Like resource callbacks it never fails.
func (w *ReuploadKeyWorkflow) Complete(ctx context.Context, cb KeyCallback) ReconcileOutcome {
	if cb.TaskID == "" || cb.ResourceID == "" || cb.Status.Validate() != nil {
		w.dropKey(cb, CallbackMalformed, "incomplete key callback")
		return CallbackMalformed
	}

	status := TargetStatusCompleted
	if cb.Status == CallbackFailure {
		status = TargetStatusFailed
	}
	reason := cb.Error
	if status == TargetStatusFailed && reason == "" {
		reason = "key association failed"
	}
	return w.settle(ctx, cb.TaskID, cb.ResourceID, status, reason)
}

// SweepExpired fails the outstanding targets of tasks past their deadline.
func (w *ReuploadKeyWorkflow) SweepExpired(ctx context.Context) (int, error) {
	tasks, err := w.registry.ListActiveReuploadTasks(ctx)
	if err != nil {
		return 0, err
	}

	now := w.now()
	expired := 0
	for _, t := range tasks {
		if t.Deadline.After(now) {
			continue
		}
		unlock := w.locks.lock(taskLockKey(t.ID))
		task, err := w.registry.GetReuploadTask(ctx, t.ID)
		if err != nil || !task.Status.IsActive() {
			unlock()
			continue
		}
		for i := range task.Targets {
			if task.Targets[i].Status == TargetStatusPending {
				task.Targets[i].Status = TargetStatusFailed
				task.Targets[i].Error = fmt.Sprintf("no confirmation within %s", w.timeout)
			}
		}
		w.seal(task, now)
		err = w.registry.UpdateReuploadTask(ctx, task)
		unlock()
		if err != nil {
			w.logger.Error().Err(err).Str("task_id", task.ID).Msg("Failed to expire key task")
			continue
		}
		expired++
		w.concluded(ctx, task)
	}
	return expired, nil
}

// Wait blocks until background key reassociations have been dispatched.
func (w *ReuploadKeyWorkflow) Wait() {
	w.bg.Wait()
}

// reassociate pushes the rotated keys of every user who reaches rec to a
// record that missed a rotation while it was down. An owner's resource only
// ever receives that owner's key; shared EDGE and PROJECT records receive the
// key of each user who rotated in the project. If one of those users has
// another rotation running the flag stays set and the next start retries.
func (w *ReuploadKeyWorkflow) reassociate(ctx context.Context, rec *ResourceRecord) {
	keys, err := w.registry.ListUserKeys(ctx, rec.Project)
	if err != nil {
		w.logger.Warn().Err(err).Str("resource_id", rec.ID).Msg("User keys unavailable for reassociation")
		return
	}
	keys = lo.Filter(keys, func(k *UserKey, _ int) bool { return reaches(k.User, rec) })
	if len(keys) == 0 {
		w.logger.Debug().Str("resource_id", rec.ID).Msg("No rotated key to reassociate")
		w.unflag(ctx, rec.ID)
		return
	}

	var tasks []*ReuploadKeyTask
	for _, k := range keys {
		task := w.newTask(k.User, rec.Project, k.KeyContent, []*ResourceRecord{rec})
		if err := w.registry.CreateReuploadTask(ctx, task); err != nil {
			w.logger.Info().Err(err).Str("resource_id", rec.ID).Str("user", k.User).Msg("Key reassociation deferred")
			continue
		}
		w.audit(ctx, SystemActor, "reassociate_key", task.ID, map[string]interface{}{
			"resource_id": rec.ID,
			"user":        k.User,
		})
		tasks = append(tasks, task)
	}
	if len(tasks) == len(keys) {
		w.unflag(ctx, rec.ID)
	}

	for _, task := range tasks {
		w.bg.Add(1)
		go func() {
			defer w.bg.Done()
			w.dispatch(context.WithoutCancel(ctx), task, []*ResourceRecord{rec})
		}()
	}
}

// reaches reports whether user holds access to rec: their own resources and
// the project's shared infrastructure.
func reaches(user string, rec *ResourceRecord) bool {
	return rec.Owner == user || rec.Type == ResourceTypeEdge || rec.Type == ResourceTypeProject
}

// dispatch sends the key to each target. A synchronous rejection fails the target.
func (w *ReuploadKeyWorkflow) dispatch(ctx context.Context, task *ReuploadKeyTask, recs []*ResourceRecord) {
	var g errgroup.Group
	g.SetLimit(maxKeyDispatches)

	for _, rec := range recs {
		g.Go(func() error {
			req := KeyRequest{
				TaskID:     task.ID,
				ResourceID: rec.ID,
				Type:       rec.Type,
				CloudRef:   rec.CloudRef,
				Host:       keyHost(rec.Network),
				KeyContent: task.KeyContent,
			}
			sctx, span := w.tracer.StartKeySpan(ctx, task.ID, rec.ID)
			defer span.End()
			traceRecord(span, rec)
			if err := w.send(sctx, rec.Provider, req); err != nil {
				telemetry.RecordError(span, err)
				w.logger.Warn().
					Err(err).
					Str("task_id", task.ID).
					Str("resource_id", rec.ID).
					Str("trace_id", telemetry.TraceID(sctx)).
					Msg("Key dispatch rejected")
				w.settle(sctx, task.ID, rec.ID, TargetStatusFailed, err.Error())
				return nil
			}
			telemetry.RecordSuccess(span)
			return nil
		})
	}
	_ = g.Wait()
}

func (w *ReuploadKeyWorkflow) send(ctx context.Context, provider string, req KeyRequest) error {
	adapter, err := w.adapters.Get(provider)
	if err != nil {
		return err
	}
	if err := w.adapters.Wait(ctx, provider); err != nil {
		return err
	}
	started := time.Now()
	_, err = adapter.ReuploadKey(ctx, req)
	w.metrics.RecordProviderCall(provider, "reupload_key", time.Since(started))
	if err != nil {
		w.metrics.RecordProviderError(provider, "reupload_key", errorClass(err))
	}
	return err
}

// settle records one target outcome and closes the task once every target reported.
func (w *ReuploadKeyWorkflow) settle(ctx context.Context, taskID, resourceID string, status TargetStatus, reason string) ReconcileOutcome {
	unlock := w.locks.lock(taskLockKey(taskID))
	task, err := w.registry.GetReuploadTask(ctx, taskID)
	if err != nil {
		unlock()
		w.dropKey(KeyCallback{TaskID: taskID, ResourceID: resourceID}, CallbackMalformed, "unknown task")
		return CallbackMalformed
	}

	_, idx, found := lo.FindIndexOf(task.Targets, func(t ReuploadTarget) bool { return t.ResourceID == resourceID })
	switch {
	case !found:
		unlock()
		w.dropKey(KeyCallback{TaskID: taskID, ResourceID: resourceID}, CallbackMalformed, "resource not targeted by task")
		return CallbackMalformed
	case task.Targets[idx].Status != TargetStatusPending:
		unlock()
		return CallbackDuplicate
	case !task.Status.IsActive():
		unlock()
		w.dropKey(KeyCallback{TaskID: taskID, ResourceID: resourceID}, CallbackStale, "task already closed")
		return CallbackStale
	}

	now := w.now()
	task.Targets[idx].Status = status
	task.Targets[idx].Error = reason
	task.UpdatedAt = now

	done := !lo.ContainsBy(task.Targets, func(t ReuploadTarget) bool { return t.Status == TargetStatusPending })
	if done {
		w.seal(task, now)
	}
	err = w.registry.UpdateReuploadTask(ctx, task)
	unlock()
	if err != nil {
		w.logger.Error().Err(err).Str("task_id", taskID).Msg("Failed to record key callback")
		return CallbackError
	}

	if done {
		w.concluded(ctx, task)
	}
	return CallbackApplied
}

// finish closes a task created with no targets.
func (w *ReuploadKeyWorkflow) finish(ctx context.Context, task *ReuploadKeyTask) {
	unlock := w.locks.lock(taskLockKey(task.ID))
	w.seal(task, w.now())
	err := w.registry.UpdateReuploadTask(ctx, task)
	unlock()
	if err != nil {
		w.logger.Error().Err(err).Str("task_id", task.ID).Msg("Failed to close empty key task")
		return
	}
	w.concluded(ctx, task)
}

func (w *ReuploadKeyWorkflow) seal(task *ReuploadKeyTask, now time.Time) {
	task.Status = TaskStatusCompleted
	if len(task.Failed()) > 0 {
		task.Status = TaskStatusFailed
	}
	task.UpdatedAt = now
	task.CompletedAt = &now
}

func (w *ReuploadKeyWorkflow) concluded(ctx context.Context, task *ReuploadKeyTask) {
	failed := task.Failed()
	w.metrics.RecordKeyTask(string(task.Status))

	evt := EventTypeKeyTaskCompleted
	msg := fmt.Sprintf("key rotated on %d resources", len(task.Targets))
	if task.Status == TaskStatusFailed {
		evt = EventTypeKeyTaskFailed
		msg = fmt.Sprintf("key rotation failed on %d of %d resources", len(failed), len(task.Targets))
	}

	w.logger.Info().
		Str("task_id", task.ID).
		Str("status", string(task.Status)).
		Int("failed", len(failed)).
		Msg("Key rotation finished")
	w.audit(ctx, SystemActor, "reupload_key_"+string(task.Status), task.ID, map[string]interface{}{
		"failed": lo.Map(failed, func(t ReuploadTarget, _ int) string { return t.ResourceID }),
	})

	event := telemetry.Event{
		Type:      string(evt),
		Source:    "engine",
		Project:   task.Project,
		Owner:     task.User,
		Message:   msg,
		Level:     evt.Severity(),
		Timestamp: w.now(),
		Data:      map[string]interface{}{"task_id": task.ID},
	}
	if err := w.events.Publish(event); err != nil {
		w.logger.Debug().Err(err).Str("event", string(evt)).Msg("Event not published")
	}
}

func (w *ReuploadKeyWorkflow) newTask(user, project, key string, recs []*ResourceRecord) *ReuploadKeyTask {
	now := w.now()
	return &ReuploadKeyTask{
		ID:         uuid.New().String(),
		User:       user,
		Project:    project,
		KeyContent: key,
		Targets: lo.Map(recs, func(r *ResourceRecord, _ int) ReuploadTarget {
			return ReuploadTarget{ResourceID: r.ID, Name: r.Name, Type: r.Type, Status: TargetStatusPending}
		}),
		Status:    TaskStatusRunning,
		Deadline:  now.Add(w.timeout),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (w *ReuploadKeyWorkflow) storeUserKey(ctx context.Context, user, project, key string) {
	err := w.registry.PutUserKey(ctx, &UserKey{User: user, Project: project, KeyContent: key, UpdatedAt: w.now()})
	if err != nil {
		w.logger.Error().Err(err).Str("user", user).Str("project", project).Msg("Failed to store user key")
	}
}

func (w *ReuploadKeyWorkflow) flag(ctx context.Context, id string) {
	w.setKeyRequired(ctx, id, true)
}

func (w *ReuploadKeyWorkflow) unflag(ctx context.Context, id string) {
	w.setKeyRequired(ctx, id, false)
}

func (w *ReuploadKeyWorkflow) setKeyRequired(ctx context.Context, id string, required bool) {
	unlock := w.locks.lock(id)
	defer unlock()
	rec, err := w.registry.GetResource(ctx, id)
	if err != nil || rec.ReuploadKeyRequired == required || rec.Status.IsTerminal() {
		return
	}
	rec.ReuploadKeyRequired = required
	rec.UpdatedAt = w.now()
	if err := w.registry.UpdateResource(ctx, rec); err != nil {
		w.logger.Error().Err(err).Str("resource_id", id).Msg("Failed to update key flag")
	}
}

func (w *ReuploadKeyWorkflow) dropKey(cb KeyCallback, outcome ReconcileOutcome, reason string) {
	w.metrics.RecordCallback("key", string(outcome))
	w.logger.Warn().
		Str("task_id", cb.TaskID).
		Str("resource_id", cb.ResourceID).
		Str("reason", reason).
		Msg("Key callback dropped")
}

func keyHost(n NetworkInfo) string {
	for _, h := range []string{n.PublicIP, n.Hostname, n.PrivateIP} {
		if h != "" {
			return h
		}
	}
	return ""
}
