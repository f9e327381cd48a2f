package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"golang.org/x/crypto/ssh"

	"github.com/labforge/labforge/pkg/telemetry"
)

// Orchestrator admits lifecycle requests and dispatches them to providers.
//
// Every request follows the same shape: take the record lock, check the
// state machine, move the record into its in-flight status with a new
// sequence number, persist, release the lock, then call the provider.
// Provider calls never run under a lock, so a provider delivering its
// callback immediately cannot deadlock the engine.
type Orchestrator struct {
	*core
	quota           *QuotaGuard
	policy          AdmissionPolicy
	validate        *validator.Validate
	dispatchTimeout time.Duration
	maxTries        uint
	retryInterval   time.Duration

	// bg tracks best-effort cleanup calls.
	bg sync.WaitGroup
}

// dispatchJob is a claimed action waiting to be handed to its provider.
type dispatchJob struct {
	rec    *ResourceRecord
	action Action
}

// ProjectSpec is a request to create a project and its shared infrastructure.
type ProjectSpec struct {
	Name       string       `json:"name" validate:"required,max=63"`
	Tag        string       `json:"tag,omitempty"`
	Endpoint   string       `json:"endpoint,omitempty"`
	Provider   string       `json:"provider" validate:"required"`
	KeyContent string       `json:"key_content" validate:"required"`
	Spec       ResourceSpec `json:"spec"`
}

// Submit admits a new EDGE, EXPLORATORY or COMPUTATIONAL resource.
// The request is validated, checked against admission policy and quota,
// persisted as REQUESTED and then either dispatched or queued behind its parent.
func (o *Orchestrator) Submit(ctx context.Context, actor string, req *ResourceRequest) (*Admission, error) {
	if req == nil {
		return nil, NewValidationError("request is required")
	}
	if req.Type == ResourceTypeProject {
		return nil, NewValidationError("project infrastructure is created with CreateProject")
	}
	if err := o.checkRequest(ctx, req); err != nil {
		return nil, err
	}

	parent, err := o.resolveParent(ctx, req)
	if err != nil {
		return nil, err
	}

	rec := o.newRecord(actor, req)
	rec.ParentID = parent.ID

	if _, err := o.quota.Reserve(ctx, rec); err != nil {
		o.metrics.RecordAdmission(string(req.Type), "rejected")
		return nil, err
	}
	o.admitted(ctx, actor, rec)

	return o.finish(o.advance(ctx, actor, rec.ID, ActionCreate, nil))
}

// CreateProject stores the project record and admits its PROJECT resource.
func (o *Orchestrator) CreateProject(ctx context.Context, actor string, spec *ProjectSpec) (*Admission, error) {
	if spec == nil {
		return nil, NewValidationError("project spec is required")
	}
	if err := o.validate.Struct(spec); err != nil {
		return nil, NewValidationError("invalid project: %v", err)
	}
	if _, _, _, _, err := ssh.ParseAuthorizedKey([]byte(spec.KeyContent)); err != nil {
		return nil, NewValidationError("invalid project key: %v", err)
	}
	if _, err := o.registry.GetProject(ctx, spec.Name); err == nil {
		return nil, NewPermanentError("project already exists", nil).WithCode(ErrCodeAlreadyExists).WithResource(spec.Name)
	} else if !IsNotFound(err) {
		return nil, err
	}

	req := &ResourceRequest{
		Type:     ResourceTypeProject,
		Name:     spec.Name,
		Owner:    actor,
		Project:  spec.Name,
		Provider: spec.Provider,
		Endpoint: spec.Endpoint,
		Spec:     spec.Spec,
	}
	if err := o.checkRequest(ctx, req); err != nil {
		return nil, err
	}

	rec := o.newRecord(actor, req)
	if _, err := o.quota.Reserve(ctx, rec); err != nil {
		o.metrics.RecordAdmission(string(req.Type), "rejected")
		return nil, err
	}

	now := o.now()
	project := &ProjectRecord{
		Name:       spec.Name,
		Tag:        spec.Tag,
		Endpoint:   spec.Endpoint,
		KeyContent: spec.KeyContent,
		ResourceID: rec.ID,
		Status:     ProjectStatusCreating,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := o.registry.CreateProject(ctx, project); err != nil {
		// Lost a race with a concurrent create of the same name.
		unlock := o.locks.lock(rec.ID)
		markFailed(rec, "project record could not be stored", o.now())
		if uerr := o.registry.UpdateResource(ctx, rec); uerr != nil {
			o.logger.Error().Err(uerr).Str("resource_id", rec.ID).Msg("Failed to release project reservation")
		}
		unlock()
		return nil, err
	}
	o.admitted(ctx, actor, rec)

	return o.finish(o.advance(ctx, actor, rec.ID, ActionCreate, nil))
}

// TerminateProject terminates every live record of the project, dependents first.
func (o *Orchestrator) TerminateProject(ctx context.Context, actor, name string) ([]*Admission, error) {
	if _, err := o.registry.GetProject(ctx, name); err != nil {
		return nil, err
	}
	recs, err := o.registry.ListResources(ctx, ResourceFilter{Project: name})
	if err != nil {
		return nil, err
	}
	live := lo.Filter(recs, func(r *ResourceRecord, _ int) bool { return !r.Status.IsTerminal() })
	graph, err := NewDependencyGraph(live)
	if err != nil {
		return nil, err
	}

	var (
		admissions []*Admission
		errs       []error
	)
	for _, rec := range graph.Order() {
		adm, err := o.Terminate(ctx, actor, rec.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("terminate %s: %w", rec.ID, err))
			continue
		}
		admissions = append(admissions, adm)
	}
	return admissions, errors.Join(errs...)
}

// Start restarts a STOPPED resource. The record must win back a quota slot.
func (o *Orchestrator) Start(ctx context.Context, actor, id string) (*Admission, error) {
	return o.finish(o.requestStart(ctx, actor, id))
}

func (o *Orchestrator) requestStart(ctx context.Context, actor, id string) (*dispatchJob, *Admission, error) {
	return o.advance(ctx, actor, id, ActionStart, func(rec *ResourceRecord) (*Admission, error) {
		if !rec.Type.Stoppable() {
			return nil, NewValidationError("%s resources cannot be started", rec.Type).WithResource(id)
		}
		if rec.PendingAction != "" {
			return nil, NewActionPendingError(id, rec.PendingAction)
		}
		if rec.QueuedAction != "" {
			return nil, NewActionPendingError(id, rec.QueuedAction)
		}
		if rec.Status != StatusStopped {
			return nil, NewValidationError("cannot start a %s resource", rec.Status).WithResource(id)
		}
		return nil, nil
	})
}

// Stop stops a RUNNING resource. Stopping frees the quota slot once confirmed.
func (o *Orchestrator) Stop(ctx context.Context, actor, id string) (*Admission, error) {
	return o.finish(o.requestStop(ctx, actor, id))
}

func (o *Orchestrator) requestStop(ctx context.Context, actor, id string) (*dispatchJob, *Admission, error) {
	unlock := o.locks.lock(id)
	rec, err := o.registry.GetResource(ctx, id)
	if err != nil {
		unlock()
		return nil, nil, err
	}

	switch {
	case !rec.Type.Stoppable():
		unlock()
		return nil, nil, NewValidationError("%s resources cannot be stopped", rec.Type).WithResource(id)
	case rec.PendingAction != "":
		unlock()
		return nil, nil, NewActionPendingError(id, rec.PendingAction)
	case rec.Status == StatusStopped && rec.QueuedAction == ActionStart:
		// Withdraw a start that was waiting for the parent.
		rec.QueuedAction = ""
		rec.LastActor = actor
		rec.UpdatedAt = o.now()
		err := o.registry.UpdateResource(ctx, rec)
		unlock()
		if err != nil {
			return nil, nil, err
		}
		o.audit(ctx, actor, "stop", id, map[string]interface{}{"withdrawn": string(ActionStart)})
		return nil, o.admission(rec, OutcomeAccepted), nil
	case rec.Status != StatusRunning:
		unlock()
		return nil, nil, NewValidationError("cannot stop a %s resource", rec.Status).WithResource(id)
	}

	o.claim(rec, ActionStop, actor)
	if err := o.registry.UpdateResource(ctx, rec); err != nil {
		unlock()
		return nil, nil, err
	}
	unlock()

	o.dispatched(ctx, actor, rec, ActionStop)
	return &dispatchJob{rec: rec, action: ActionStop}, o.admission(rec, OutcomeAccepted), nil
}

// Terminate ends a resource's lifecycle. Terminating while another action is
// in flight is deferred until that action's callback is applied. Repeated
// terminates are accepted without a second dispatch.
func (o *Orchestrator) Terminate(ctx context.Context, actor, id string) (*Admission, error) {
	return o.finish(o.requestTerminate(ctx, actor, id))
}

func (o *Orchestrator) requestTerminate(ctx context.Context, actor, id string) (*dispatchJob, *Admission, error) {
	unlock := o.locks.lock(id)
	rec, err := o.registry.GetResource(ctx, id)
	if err != nil {
		unlock()
		return nil, nil, err
	}

	now := o.now()
	switch {
	case rec.Status == StatusTerminated || rec.PendingAction == ActionTerminate:
		unlock()
		return nil, o.admission(rec, OutcomeAccepted), nil

	case rec.Status == StatusFailed:
		unlock()
		return nil, nil, NewValidationError("resource already failed: %s", rec.LastError).WithResource(id)

	case rec.PendingAction != "":
		if !rec.PendingTerminate {
			rec.PendingTerminate = true
			rec.LastActor = actor
			rec.UpdatedAt = now
			if err := o.registry.UpdateResource(ctx, rec); err != nil {
				unlock()
				return nil, nil, err
			}
		}
		unlock()
		o.audit(ctx, actor, "terminate", id, map[string]interface{}{"deferred_behind": string(rec.PendingAction)})
		adm := o.admission(rec, OutcomeAccepted)
		adm.Deferred = true
		return nil, adm, nil

	case rec.Status == StatusRequested:
		// Never reached a provider; nothing to tear down.
		rec.QueuedAction = ""
		rec.LastActor = actor
		rec.setStatus(StatusTerminated, now)
		if err := o.registry.UpdateResource(ctx, rec); err != nil {
			unlock()
			return nil, nil, err
		}
		unlock()
		o.audit(ctx, actor, "terminate", id, map[string]interface{}{"withdrawn": true})
		o.publish(EventTypeResourceStateChanged, rec, "request withdrawn before dispatch", map[string]interface{}{"status": string(rec.Status)})
		o.releaseDependents(ctx, rec)
		return nil, o.admission(rec, OutcomeAccepted), nil

	case rec.Status == StatusRunning || rec.Status == StatusStopped:
		o.claim(rec, ActionTerminate, actor)
		if err := o.registry.UpdateResource(ctx, rec); err != nil {
			unlock()
			return nil, nil, err
		}
		unlock()
		o.dispatched(ctx, actor, rec, ActionTerminate)
		return &dispatchJob{rec: rec, action: ActionTerminate}, o.admission(rec, OutcomeAccepted), nil

	default:
		unlock()
		return nil, nil, NewValidationError("cannot terminate a %s resource", rec.Status).WithResource(id)
	}
}

// Touch records client activity on a resource for idle-timeout evaluation.
func (o *Orchestrator) Touch(ctx context.Context, id string, at time.Time) error {
	unlock := o.locks.lock(id)
	defer unlock()

	rec, err := o.registry.GetResource(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status.IsTerminal() {
		return NewValidationError("resource is %s", rec.Status).WithResource(id)
	}
	at = at.UTC()
	if !at.After(rec.LastActivity) {
		return nil
	}
	rec.LastActivity = at
	return o.registry.UpdateResource(ctx, rec)
}

// InstallLibraries adds libraries to a running exploratory or computational resource.
// A library already present with the same group and name is replaced.
func (o *Orchestrator) InstallLibraries(ctx context.Context, actor, id string, libs []Library) (*ResourceRecord, error) {
	if len(libs) == 0 {
		return nil, NewValidationError("no libraries given")
	}
	for _, l := range libs {
		if l.Group == "" || l.Name == "" {
			return nil, NewValidationError("library group and name are required")
		}
	}

	unlock := o.locks.lock(id)
	defer unlock()

	rec, err := o.registry.GetResource(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Type != ResourceTypeExploratory && rec.Type != ResourceTypeComputational {
		return nil, NewValidationError("libraries cannot be installed on %s resources", rec.Type).WithResource(id)
	}
	if rec.Status != StatusRunning {
		return nil, NewValidationError("cannot install libraries on a %s resource", rec.Status).WithResource(id)
	}

	for _, l := range libs {
		idx := lo.IndexOf(lo.Map(rec.Libraries, func(x Library, _ int) string { return x.Group + "/" + x.Name }), l.Group+"/"+l.Name)
		if idx >= 0 {
			rec.Libraries[idx] = l
			continue
		}
		rec.Libraries = append(rec.Libraries, l)
	}
	rec.UpdatedAt = o.now()
	if err := o.registry.UpdateResource(ctx, rec); err != nil {
		return nil, err
	}
	o.audit(ctx, actor, "install_libraries", id, map[string]interface{}{"count": len(libs)})
	return rec, nil
}

// SetSchedule attaches, replaces or (with nil) removes a schedule policy.
func (o *Orchestrator) SetSchedule(ctx context.Context, actor, id string, policy *SchedulePolicy) error {
	if policy != nil {
		if err := policy.Validate(); err != nil {
			return NewValidationError("invalid schedule: %v", err)
		}
	}

	unlock := o.locks.lock(id)
	defer unlock()

	rec, err := o.registry.GetResource(ctx, id)
	if err != nil {
		return err
	}
	if !rec.Type.Stoppable() {
		return NewValidationError("%s resources cannot be scheduled", rec.Type).WithResource(id)
	}
	if rec.Status.IsTerminal() {
		return NewValidationError("resource is %s", rec.Status).WithResource(id)
	}
	rec.Schedule = policy
	rec.UpdatedAt = o.now()
	if err := o.registry.UpdateResource(ctx, rec); err != nil {
		return err
	}
	o.audit(ctx, actor, "set_schedule", id, map[string]interface{}{"cleared": policy == nil})
	return nil
}

// Get returns a resource record.
func (o *Orchestrator) Get(ctx context.Context, id string) (*ResourceRecord, error) {
	return o.registry.GetResource(ctx, id)
}

// List returns resource records matching filter.
func (o *Orchestrator) List(ctx context.Context, filter ResourceFilter) ([]*ResourceRecord, error) {
	return o.registry.ListResources(ctx, filter)
}

// SweepTimeouts fails every record whose pending action outlived its
// dispatch deadline. The sequence is bumped so a late callback is stale,
// and one cleanup terminate is sent to the provider without retries.
func (o *Orchestrator) SweepTimeouts(ctx context.Context) (int, error) {
	now := o.now()
	candidates, err := o.registry.ListResources(ctx, ResourceFilter{DeadlineBefore: &now})
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, c := range candidates {
		unlock := o.locks.lock(c.ID)
		rec, err := o.registry.GetResource(ctx, c.ID)
		if err != nil {
			unlock()
			o.logger.Warn().Err(err).Str("resource_id", c.ID).Msg("Timeout sweep could not load record")
			continue
		}
		if rec.PendingAction == "" || rec.DispatchDeadline == nil || rec.DispatchDeadline.After(now) {
			unlock()
			continue
		}

		action := rec.PendingAction
		rec.Sequence++
		markFailed(rec, fmt.Sprintf("no callback for %s within %s", action, o.dispatchTimeout), now)
		if err := o.registry.UpdateResource(ctx, rec); err != nil {
			unlock()
			o.logger.Warn().Err(err).Str("resource_id", rec.ID).Msg("Timeout sweep could not fail record")
			continue
		}
		unlock()

		expired++
		o.metrics.RecordDispatchTimeout(string(rec.Type), string(action))
		o.logger.Warn().
			Str("resource_id", rec.ID).
			Str("action", string(action)).
			Int64("sequence", rec.Sequence).
			Msg("Dispatched action timed out")
		o.audit(ctx, SystemActor, "timeout", rec.ID, map[string]interface{}{"action": string(action)})
		o.publish(EventTypeResourceFailed, rec, rec.LastError, map[string]interface{}{"code": ErrCodeTimeout})

		o.cleanup(ctx, rec)
		o.releaseDependents(ctx, rec)
	}
	return expired, nil
}

// Wait blocks until background cleanup calls finish.
func (o *Orchestrator) Wait() {
	o.bg.Wait()
}

// finish hands a claimed job to its provider. Only the first attempt runs on
// the caller's goroutine. A rejection has already failed the record by the
// time it returns, so it is reported on the Admission rather than as an error.
func (o *Orchestrator) finish(job *dispatchJob, adm *Admission, err error) (*Admission, error) {
	if err != nil || job == nil {
		return adm, err
	}
	if failure := o.run(context.Background(), job); failure != nil {
		adm.Status = StatusFailed
		adm.Error = failure.Error()
	}
	return adm, nil
}

// precheck inspects a locked record before an action is claimed.
// A non-nil Admission or error ends the request without dispatch.
type precheck func(rec *ResourceRecord) (*Admission, error)

// advance claims a create or start, or queues it behind a parent that is not running.
func (o *Orchestrator) advance(ctx context.Context, actor, id string, action Action, check precheck) (*dispatchJob, *Admission, error) {
	unlock := o.locks.lock(id)
	rec, err := o.registry.GetResource(ctx, id)
	if err != nil {
		unlock()
		return nil, nil, err
	}
	if check != nil {
		if adm, err := check(rec); adm != nil || err != nil {
			unlock()
			return nil, adm, err
		}
	}

	ready, dead, err := o.parentState(ctx, rec)
	if err != nil {
		unlock()
		return nil, nil, err
	}
	if !ready && dead == "" {
		rec.QueuedAction = action
		rec.LastActor = actor
		rec.UpdatedAt = o.now()
		if err := o.registry.UpdateResource(ctx, rec); err != nil {
			unlock()
			return nil, nil, err
		}
		// The parent may have changed between the read and the queue write.
		if ready, dead, err = o.parentState(ctx, rec); err != nil {
			unlock()
			return nil, nil, err
		}
		if !ready && dead == "" {
			unlock()
			o.metrics.RecordAdmission(string(rec.Type), string(OutcomeQueued))
			o.audit(ctx, actor, string(action), id, map[string]interface{}{"queued_behind": rec.ParentID})
			o.publish(EventTypeResourceQueued, rec, fmt.Sprintf("%s waits for parent %s", action, rec.ParentID), nil)
			return nil, o.admission(rec, OutcomeQueued), nil
		}
	}

	if dead != "" {
		err := o.abandonQueued(ctx, rec, dead)
		unlock()
		if err != nil {
			return nil, nil, err
		}
		o.publish(EventTypeResourceFailed, rec, dead, map[string]interface{}{"code": ErrCodeDependencyNotReady})
		return nil, nil, NewValidationError("%s", dead).WithResource(id).WithCode(ErrCodeDependencyNotReady)
	}

	o.claim(rec, action, actor)
	if action == ActionStart {
		_, err = o.quota.Reacquire(ctx, rec)
	} else {
		err = o.registry.UpdateResource(ctx, rec)
	}
	unlock()
	if err != nil {
		return nil, nil, err
	}

	o.dispatched(ctx, actor, rec, action)
	return &dispatchJob{rec: rec, action: action}, o.admission(rec, OutcomeAccepted), nil
}

// parentState reports whether rec's parent is running, or why it never will be.
func (o *Orchestrator) parentState(ctx context.Context, rec *ResourceRecord) (ready bool, dead string, err error) {
	if rec.ParentID == "" {
		return true, "", nil
	}
	parent, err := o.registry.GetResource(ctx, rec.ParentID)
	if err != nil {
		return false, "", err
	}
	if parent.Status.IsTerminal() {
		return false, fmt.Sprintf("parent %s is %s", parent.ID, parent.Status), nil
	}
	return parent.Status == StatusRunning && parent.PendingAction == "" && !parent.PendingTerminate, "", nil
}

// abandonQueued gives up on a queued action whose parent will never run.
// A never-dispatched record fails; a stopped record just drops its queued start.
// Caller holds the record lock.
func (o *Orchestrator) abandonQueued(ctx context.Context, rec *ResourceRecord, reason string) error {
	now := o.now()
	if rec.Status == StatusRequested {
		markFailed(rec, reason, now)
	} else {
		rec.QueuedAction = ""
		rec.LastError = reason
		rec.UpdatedAt = now
	}
	return o.registry.UpdateResource(ctx, rec)
}

// releaseDependents dispatches the queued children of a parent that reached
// RUNNING, or abandons them if the parent ended.
func (o *Orchestrator) releaseDependents(ctx context.Context, parent *ResourceRecord) {
	running := parent.Status == StatusRunning && parent.PendingAction == "" && !parent.PendingTerminate
	if !running && !parent.Status.IsTerminal() {
		return
	}

	children, err := o.registry.ListResources(ctx, ResourceFilter{ParentID: parent.ID, QueuedOnly: true})
	if err != nil {
		o.logger.Error().Err(err).Str("resource_id", parent.ID).Msg("Failed to list queued dependents")
		return
	}

	for _, child := range children {
		if running {
			actor := child.LastActor
			if actor == "" {
				actor = SystemActor
			}
			_, err := o.finish(o.advance(ctx, actor, child.ID, child.QueuedAction, stillQueued))
			if err != nil {
				o.logger.Warn().Err(err).Str("resource_id", child.ID).Msg("Queued action could not be dispatched")
				o.dropQueuedOnQuota(ctx, child.ID, err)
			}
			continue
		}

		reason := fmt.Sprintf("parent %s is %s", parent.ID, parent.Status)
		unlock := o.locks.lock(child.ID)
		rec, err := o.registry.GetResource(ctx, child.ID)
		if err != nil || rec.QueuedAction == "" {
			unlock()
			continue
		}
		err = o.abandonQueued(ctx, rec, reason)
		unlock()
		if err != nil {
			o.logger.Error().Err(err).Str("resource_id", rec.ID).Msg("Failed to abandon queued action")
			continue
		}
		o.audit(ctx, SystemActor, "abandon_queued", rec.ID, map[string]interface{}{"reason": reason})
		if rec.Status == StatusFailed {
			o.publish(EventTypeResourceFailed, rec, reason, map[string]interface{}{"code": ErrCodeDependencyNotReady})
			o.releaseDependents(ctx, rec)
		}
	}
}

// dropQueuedOnQuota clears a queued start that could not reacquire quota so
// it does not stay queued forever.
func (o *Orchestrator) dropQueuedOnQuota(ctx context.Context, id string, cause error) {
	if !IsQuotaExceeded(cause) {
		return
	}
	unlock := o.locks.lock(id)
	defer unlock()
	rec, err := o.registry.GetResource(ctx, id)
	if err != nil || rec.QueuedAction == "" {
		return
	}
	rec.QueuedAction = ""
	rec.LastError = cause.Error()
	rec.UpdatedAt = o.now()
	if err := o.registry.UpdateResource(ctx, rec); err != nil {
		o.logger.Error().Err(err).Str("resource_id", id).Msg("Failed to clear queued start")
	}
}

func stillQueued(rec *ResourceRecord) (*Admission, error) {
	if rec.QueuedAction == "" || rec.PendingAction != "" {
		return &Admission{ResourceID: rec.ID, Status: rec.Status, Outcome: OutcomeAccepted, Sequence: rec.Sequence}, nil
	}
	return nil, nil
}

// claim moves a locked record into the in-flight status for action.
func (o *Orchestrator) claim(rec *ResourceRecord, action Action, actor string) {
	now := o.now()
	deadline := now.Add(o.dispatchTimeout)

	rec.Sequence++
	rec.PendingAction = action
	rec.QueuedAction = ""
	rec.LastActor = actor
	rec.LastError = ""
	rec.DispatchDeadline = &deadline
	if action == ActionTerminate {
		rec.PendingTerminate = false
	}
	rec.setStatus(action.InFlightStatus(), now)
}

// run hands a claimed action to its provider. An idempotent action that
// fails transiently is retried with exponential backoff in the background;
// creates are tried once. A rejection fails the record and is returned.
func (o *Orchestrator) run(ctx context.Context, job *dispatchJob) error {
	rec := job.rec
	req := rec.ActionRef(job.action)

	ctx, span := o.tracer.StartDispatchSpan(ctx, rec.ID, rec.Provider, string(job.action))
	defer span.End()
	traceRecord(span, rec)

	adapter, err := o.adapters.Get(rec.Provider)
	if err == nil {
		err = o.attempt(ctx, rec.Provider, adapter, req)
	}
	if err != nil && adapter != nil && req.Action.Idempotent() && IsRetryable(err) && o.maxTries > 1 {
		telemetry.SetAttributes(span, telemetry.AttrRetrying.Bool(true))
		o.bg.Add(1)
		go func() {
			defer o.bg.Done()
			o.retry(context.WithoutCancel(ctx), rec.Provider, adapter, req)
		}()
		return nil
	}
	if err != nil {
		failure := NewProvisioningFailure(rec.ID, job.action, err)
		traceFailure(span, failure)
		o.reject(ctx, req, failure)
		return failure
	}

	telemetry.RecordSuccess(span)
	return nil
}

// retry repeats a transiently failed idempotent action until the provider
// accepts it or the attempts run out, then fails the record.
func (o *Orchestrator) retry(ctx context.Context, provider string, adapter ProviderAdapter, req ActionRequest) {
	ctx, span := o.tracer.StartDispatchSpan(ctx, req.ResourceID, provider, string(req.Action))
	defer span.End()
	telemetry.SetAttributes(span, telemetry.AttrSequence.Int64(req.Sequence), telemetry.AttrRetrying.Bool(true))

	op := func() (struct{}, error) {
		if !o.stillPending(ctx, req) {
			return struct{}{}, nil
		}
		o.logger.Debug().Str("resource_id", req.ResourceID).Str("action", string(req.Action)).Msg("Retrying provider call")
		err := o.attempt(ctx, provider, adapter, req)
		if err != nil && !IsRetryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.retryInterval

	_, err := backoff.Retry(ctx, op, backoff.WithBackOff(b), backoff.WithMaxTries(o.maxTries-1))
	if err == nil {
		telemetry.RecordSuccess(span)
		return
	}
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	failure := NewProvisioningFailure(req.ResourceID, req.Action, err)
	traceFailure(span, failure)
	o.reject(ctx, req, failure)
}

// stillPending reports whether req is still the action in flight on its record.
// A timeout sweep may have failed the record between two attempts.
func (o *Orchestrator) stillPending(ctx context.Context, req ActionRequest) bool {
	rec, err := o.registry.GetResource(ctx, req.ResourceID)
	return err == nil && rec.Sequence == req.Sequence && rec.PendingAction == req.Action
}

// attempt makes one provider call within the provider's rate limit.
func (o *Orchestrator) attempt(ctx context.Context, provider string, adapter ProviderAdapter, req ActionRequest) error {
	if err := o.adapters.Wait(ctx, provider); err != nil {
		return err
	}
	started := time.Now()
	handle, err := invoke(ctx, adapter, req)
	o.metrics.RecordProviderCall(provider, string(req.Action), time.Since(started))
	if err != nil {
		o.metrics.RecordProviderError(provider, string(req.Action), errorClass(err))
		return err
	}

	o.logger.Debug().
		Str("resource_id", req.ResourceID).
		Str("action", string(req.Action)).
		Int64("sequence", req.Sequence).
		Str("handle", handle.ID).
		Msg("Provider accepted action")
	return nil
}

// reject fails the record if the rejected action is still the one in flight.
func (o *Orchestrator) reject(ctx context.Context, req ActionRequest, cause *EngineError) {
	unlock := o.locks.lock(req.ResourceID)
	rec, err := o.registry.GetResource(ctx, req.ResourceID)
	if err != nil {
		unlock()
		o.logger.Error().Err(err).Str("resource_id", req.ResourceID).Msg("Failed to load rejected record")
		return
	}
	if rec.Sequence != req.Sequence || rec.PendingAction != req.Action {
		unlock()
		return
	}
	markFailed(rec, cause.Error(), o.now())
	err = o.registry.UpdateResource(ctx, rec)
	unlock()
	if err != nil {
		o.logger.Error().Err(err).Str("resource_id", rec.ID).Msg("Failed to record provider rejection")
		return
	}

	o.metrics.RecordError(string(cause.Class), cause.Code)
	o.logger.Warn().
		Err(cause).
		Str("resource_id", rec.ID).
		Str("action", string(req.Action)).
		Str("trace_id", telemetry.TraceID(ctx)).
		Msg("Provider rejected action")
	o.audit(ctx, rec.LastActor, "reject", rec.ID, map[string]interface{}{"action": string(req.Action), "error": cause.Error()})
	o.publish(EventTypeResourceFailed, rec, rec.LastError, map[string]interface{}{"code": cause.Code})
	o.releaseDependents(ctx, rec)
}

// cleanup sends one best-effort terminate for a record failed by timeout.
func (o *Orchestrator) cleanup(ctx context.Context, rec *ResourceRecord) {
	adapter, err := o.adapters.Get(rec.Provider)
	if err != nil {
		return
	}
	req := rec.ActionRef(ActionTerminate)
	o.bg.Add(1)
	go func() {
		defer o.bg.Done()
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
		defer cancel()
		if _, err := adapter.Terminate(cctx, req); err != nil {
			o.logger.Warn().Err(err).Str("resource_id", req.ResourceID).Msg("Cleanup terminate failed")
		}
	}()
}

func (o *Orchestrator) checkRequest(ctx context.Context, req *ResourceRequest) error {
	if err := o.validate.Struct(req); err != nil {
		return NewValidationError("invalid request: %v", err)
	}
	if req.Schedule != nil {
		if !req.Type.Stoppable() {
			return NewValidationError("%s resources cannot be scheduled", req.Type)
		}
		if err := req.Schedule.Validate(); err != nil {
			return NewValidationError("invalid schedule: %v", err)
		}
	}
	if !o.adapters.Has(req.Provider) {
		return NewValidationError("unknown provider %q", req.Provider)
	}
	if o.policy != nil {
		if err := o.policy.Admit(ctx, req); err != nil {
			return err
		}
	}
	return nil
}

// resolveParent finds the record a new resource depends on.
func (o *Orchestrator) resolveParent(ctx context.Context, req *ResourceRequest) (*ResourceRecord, error) {
	var (
		parent *ResourceRecord
		err    error
	)

	switch req.Type {
	case ResourceTypeEdge:
		project, perr := o.registry.GetProject(ctx, req.Project)
		if perr != nil {
			if IsNotFound(perr) {
				return nil, NewValidationError("unknown project %q", req.Project)
			}
			return nil, perr
		}
		parent, err = o.registry.GetResource(ctx, project.ResourceID)

	case ResourceTypeExploratory:
		edges, lerr := o.registry.ListResources(ctx, ResourceFilter{Type: ResourceTypeEdge, Project: req.Project})
		if lerr != nil {
			return nil, lerr
		}
		live := lo.Filter(edges, func(r *ResourceRecord, _ int) bool { return !r.Status.IsTerminal() })
		if len(live) == 0 {
			return nil, NewValidationError("project %q has no edge", req.Project)
		}
		parent = live[0]

	case ResourceTypeComputational:
		parent, err = o.registry.GetResource(ctx, req.ParentID)
		if err == nil && (parent.Type != ResourceTypeExploratory || parent.Project != req.Project) {
			return nil, NewValidationError("parent %s is not an exploratory resource of project %q", req.ParentID, req.Project)
		}
	}

	if err != nil {
		if IsNotFound(err) {
			return nil, NewValidationError("parent resource not found")
		}
		return nil, err
	}
	if parent.Status.IsTerminal() {
		return nil, NewValidationError("parent %s is %s", parent.ID, parent.Status).WithCode(ErrCodeDependencyNotReady)
	}
	return parent, nil
}

func (o *Orchestrator) newRecord(actor string, req *ResourceRequest) *ResourceRecord {
	now := o.now()
	return &ResourceRecord{
		ID:              uuid.New().String(),
		Type:            req.Type,
		Name:            req.Name,
		Owner:           req.Owner,
		Project:         req.Project,
		Provider:        req.Provider,
		Endpoint:        req.Endpoint,
		Status:          StatusRequested,
		Spec:            req.Spec,
		Schedule:        req.Schedule,
		LastActor:       actor,
		CreatedAt:       now,
		UpdatedAt:       now,
		StatusChangedAt: now,
		LastActivity:    now,
	}
}

func (o *Orchestrator) admitted(ctx context.Context, actor string, rec *ResourceRecord) {
	o.audit(ctx, actor, "submit", rec.ID, map[string]interface{}{
		"type":    string(rec.Type),
		"name":    rec.Name,
		"project": rec.Project,
	})
	o.publish(EventTypeResourceAdmitted, rec, fmt.Sprintf("%s %s admitted", rec.Type, rec.Name), nil)
}

func (o *Orchestrator) dispatched(ctx context.Context, actor string, rec *ResourceRecord, action Action) {
	o.metrics.RecordAdmission(string(rec.Type), string(OutcomeAccepted))
	o.audit(ctx, actor, string(action), rec.ID, map[string]interface{}{"sequence": rec.Sequence})
	o.publish(EventTypeActionDispatched, rec, fmt.Sprintf("%s dispatched", action), map[string]interface{}{
		"action":   string(action),
		"sequence": rec.Sequence,
	})
}

func (o *Orchestrator) admission(rec *ResourceRecord, outcome AdmissionOutcome) *Admission {
	return &Admission{
		ResourceID: rec.ID,
		Status:     rec.Status,
		Outcome:    outcome,
		Sequence:   rec.Sequence,
	}
}
