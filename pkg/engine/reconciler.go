package engine

import (
	"context"
	"fmt"

	"github.com/labforge/labforge/pkg/telemetry"
)

// ReconcileOutcome reports what happened to a delivered callback.
// Callers never see an error; the outcome exists for metrics and tests.
type ReconcileOutcome string

const (
	CallbackApplied   ReconcileOutcome = "applied"
	CallbackStale     ReconcileOutcome = "stale"
	CallbackDuplicate ReconcileOutcome = "duplicate"
	CallbackMalformed ReconcileOutcome = "malformed"
	CallbackError     ReconcileOutcome = "error"
)

// Reconciler applies provider callbacks to the registry.
//
// Callbacks are ordered only by sequence number. A callback behind the record's
// sequence is stale and dropped. A callback matching the sequence of a record
// with no pending action has already been applied and is a no-op.
type Reconciler struct {
	*core
	orch *Orchestrator
	keys *ReuploadKeyWorkflow
}

// Reconcile applies cb. It is idempotent and never fails.
func (r *Reconciler) Reconcile(ctx context.Context, cb Callback) ReconcileOutcome {
	if err := validateCallback(cb); err != nil {
		r.drop(cb, "", CallbackMalformed, err.Error())
		return CallbackMalformed
	}

	ctx, span := r.tracer.StartReconcileSpan(ctx, cb.ResourceID, cb.Sequence)
	defer span.End()

	unlock := r.locks.lock(cb.ResourceID)
	rec, err := r.registry.GetResource(ctx, cb.ResourceID)
	if err != nil {
		unlock()
		if IsNotFound(err) {
			r.drop(cb, "", CallbackMalformed, "unknown resource")
			return CallbackMalformed
		}
		telemetry.RecordError(span, err)
		r.logger.Error().Err(err).Str("resource_id", cb.ResourceID).Msg("Failed to load record for callback")
		return CallbackError
	}
	traceRecord(span, rec)

	switch {
	case cb.Sequence < rec.Sequence:
		unlock()
		r.dropStale(cb, rec)
		return CallbackStale
	case cb.Sequence > rec.Sequence:
		unlock()
		r.drop(cb, rec.Type, CallbackMalformed, fmt.Sprintf("sequence ahead of accepted sequence %d", rec.Sequence))
		return CallbackMalformed
	case rec.PendingAction == "":
		unlock()
		r.metrics.RecordCallback(string(rec.Type), string(CallbackDuplicate))
		r.logger.Debug().
			Str("resource_id", rec.ID).
			Int64("sequence", cb.Sequence).
			Msg("Duplicate callback ignored")
		return CallbackDuplicate
	}

	action := rec.PendingAction
	prev := rec.Status
	now := r.now()

	next := StatusFailed
	if cb.Status == CallbackSuccess {
		next = action.SuccessStatus()
	}
	if !prev.CanTransition(next) {
		unlock()
		r.drop(cb, rec.Type, CallbackMalformed, fmt.Sprintf("no transition from %s to %s", prev, next))
		return CallbackMalformed
	}

	if next == StatusFailed {
		reason := cb.Error
		if reason == "" {
			reason = fmt.Sprintf("%s failed", action)
		}
		markFailed(rec, reason, now)
	} else {
		applyPayload(rec, cb.Payload)
		rec.PendingAction = ""
		rec.DispatchDeadline = nil
		rec.LastError = ""
		rec.setStatus(next, now)
		if next == StatusRunning {
			rec.LastActivity = now
		}
	}

	if err := r.registry.UpdateResource(ctx, rec); err != nil {
		unlock()
		telemetry.RecordError(span, err)
		r.logger.Error().Err(err).Str("resource_id", rec.ID).Msg("Failed to apply callback")
		return CallbackError
	}
	unlock()
	telemetry.SetAttributes(span, telemetry.AttrStatus.String(string(rec.Status)))
	telemetry.RecordSuccess(span)

	r.metrics.RecordCallback(string(rec.Type), string(CallbackApplied))
	r.logger.Info().
		Str("resource_id", rec.ID).
		Str("action", string(action)).
		Str("from", string(prev)).
		Str("to", string(rec.Status)).
		Int64("sequence", cb.Sequence).
		Str("trace_id", telemetry.TraceID(ctx)).
		Msg("Callback applied")
	r.audit(ctx, SystemActor, "callback", rec.ID, map[string]interface{}{
		"action":   string(action),
		"sequence": cb.Sequence,
		"status":   string(rec.Status),
	})
	if rec.Status == StatusFailed {
		r.publish(EventTypeResourceFailed, rec, rec.LastError, map[string]interface{}{"action": string(action)})
	} else {
		r.publish(EventTypeResourceStateChanged, rec, fmt.Sprintf("%s confirmed", action), map[string]interface{}{
			"from": string(prev),
			"to":   string(rec.Status),
		})
	}

	r.followUp(ctx, rec)
	return CallbackApplied
}

// followUp runs the work an applied callback unlocks. The record lock is not held.
func (r *Reconciler) followUp(ctx context.Context, rec *ResourceRecord) {
	if rec.Type == ResourceTypeProject || rec.Type == ResourceTypeEdge {
		r.mirrorProject(ctx, rec)
	}

	if rec.PendingTerminate && (rec.Status == StatusRunning || rec.Status == StatusStopped) {
		actor := rec.LastActor
		if actor == "" {
			actor = SystemActor
		}
		if _, err := r.orch.Terminate(ctx, actor, rec.ID); err != nil {
			r.logger.Warn().Err(err).Str("resource_id", rec.ID).Msg("Deferred terminate failed")
		}
		return
	}

	r.orch.releaseDependents(ctx, rec)

	if rec.Status == StatusRunning && rec.ReuploadKeyRequired {
		r.keys.reassociate(ctx, rec)
	}
}

// mirrorProject copies a PROJECT or EDGE record's state into its ProjectRecord.
func (r *Reconciler) mirrorProject(ctx context.Context, rec *ResourceRecord) {
	unlock := r.locks.lock(projectLockKey(rec.Project))
	defer unlock()

	project, err := r.registry.GetProject(ctx, rec.Project)
	if err != nil {
		r.logger.Warn().Err(err).Str("project", rec.Project).Msg("Project record not updated")
		return
	}

	switch rec.Type {
	case ResourceTypeProject:
		if project.ResourceID != rec.ID {
			return
		}
		project.Status = ProjectStatusFor(rec.Status)
	case ResourceTypeEdge:
		switch {
		case rec.Status == StatusRunning:
			project.EdgeID = rec.ID
			project.Edge = rec.Network
		case rec.Status.IsTerminal() && project.EdgeID == rec.ID:
			project.EdgeID = ""
			project.Edge = NetworkInfo{}
		default:
			return
		}
	}

	project.UpdatedAt = r.now()
	if err := r.registry.UpdateProject(ctx, project); err != nil {
		r.logger.Error().Err(err).Str("project", rec.Project).Msg("Failed to update project record")
	}
}

func (r *Reconciler) dropStale(cb Callback, rec *ResourceRecord) {
	err := NewStaleCallbackError(rec.ID, cb.Sequence, rec.Sequence)
	r.metrics.RecordCallback(string(rec.Type), string(CallbackStale))
	r.logger.Warn().
		Err(err).
		Str("resource_id", rec.ID).
		Int64("sequence", cb.Sequence).
		Int64("accepted_sequence", rec.Sequence).
		Msg("Stale callback dropped")
	r.publish(EventTypeCallbackDropped, rec, err.Error(), map[string]interface{}{
		"sequence": cb.Sequence,
		"reason":   string(CallbackStale),
	})
}

func (r *Reconciler) drop(cb Callback, t ResourceType, outcome ReconcileOutcome, reason string) {
	r.metrics.RecordCallback(string(t), string(outcome))
	r.logger.Warn().
		Str("resource_id", cb.ResourceID).
		Int64("sequence", cb.Sequence).
		Str("reason", reason).
		Msg("Callback dropped")
	r.publish(EventTypeCallbackDropped, &ResourceRecord{ID: cb.ResourceID, Type: t}, reason, map[string]interface{}{
		"sequence": cb.Sequence,
		"reason":   string(outcome),
	})
}

func validateCallback(cb Callback) error {
	if cb.ResourceID == "" {
		return fmt.Errorf("missing resource id")
	}
	if cb.Sequence <= 0 {
		return fmt.Errorf("invalid sequence %d", cb.Sequence)
	}
	return cb.Status.Validate()
}

func applyPayload(rec *ResourceRecord, p *CallbackPayload) {
	if p == nil {
		return
	}
	if p.CloudRef != "" {
		rec.CloudRef = p.CloudRef
	}
	if p.Network != nil {
		rec.Network = *p.Network
	}
	if p.Libraries != nil {
		rec.Libraries = append([]Library(nil), p.Libraries...)
	}
}
