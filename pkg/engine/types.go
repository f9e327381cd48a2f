package engine

import (
	"time"
)

// SystemActor is recorded as the actor for actions the engine issues on its own.
const SystemActor = "system:scheduler"

// ResourceSpec describes what the provider should build.
type ResourceSpec struct {
	// Image is the provider image or template reference.
	Image string `json:"image,omitempty"`

	// Shape is the provider instance size (flavor, instance type).
	Shape string `json:"shape,omitempty"`

	// NodeCount is the number of worker nodes for computational resources.
	NodeCount int `json:"node_count,omitempty"`

	// Params carries provider-specific settings.
	Params map[string]string `json:"params,omitempty"`
}

// NetworkInfo holds the addressing a provider reported for a resource.
type NetworkInfo struct {
	PublicIP  string `json:"public_ip,omitempty"`
	PrivateIP string `json:"private_ip,omitempty"`
	Hostname  string `json:"hostname,omitempty"`
	SubnetID  string `json:"subnet_id,omitempty"`
}

// Library is an analytical library installed on a resource.
type Library struct {
	Group   string `json:"group"`
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// ResourceRecord is the persisted state of one managed resource.
// The registry is the only authority on a record's state; every mutation
// goes through the record's lock and a version check.
type ResourceRecord struct {
	// ID is the engine-assigned unique identifier.
	ID string `json:"id"`

	// Type is the lifecycle category.
	Type ResourceType `json:"type"`

	// Name is the user-supplied display name.
	Name string `json:"name"`

	// Owner is the user who requested the resource.
	Owner string `json:"owner"`

	// Project is the project the resource belongs to.
	Project string `json:"project"`

	// Provider selects the ProviderAdapter that manages the resource.
	Provider string `json:"provider"`

	// Endpoint is the provider region or endpoint name.
	Endpoint string `json:"endpoint,omitempty"`

	// ParentID references the record this resource depends on.
	ParentID string `json:"parent_id,omitempty"`

	// Status is the current lifecycle status.
	Status ResourceStatus `json:"status"`

	// Spec is what was requested from the provider.
	Spec ResourceSpec `json:"spec"`

	// CloudRef is the provider's identifier once the resource exists.
	CloudRef string `json:"cloud_ref,omitempty"`

	// Network is the addressing reported by the provider.
	Network NetworkInfo `json:"network"`

	// Libraries installed on the resource.
	Libraries []Library `json:"libraries,omitempty"`

	// Schedule is the optional automatic start/stop policy.
	Schedule *SchedulePolicy `json:"schedule,omitempty"`

	// Sequence is incremented on every dispatched action.
	// Callbacks carrying an older sequence are stale.
	Sequence int64 `json:"sequence"`

	// PendingAction is the action awaiting its callback, if any.
	PendingAction Action `json:"pending_action,omitempty"`

	// PendingTerminate records a terminate requested while another action was in flight.
	PendingTerminate bool `json:"pending_terminate,omitempty"`

	// QueuedAction is an action waiting for the parent to become running.
	QueuedAction Action `json:"queued_action,omitempty"`

	// ReuploadKeyRequired marks a resource that missed a key rotation while down.
	ReuploadKeyRequired bool `json:"reupload_key_required,omitempty"`

	// DispatchDeadline is when the pending action times out.
	DispatchDeadline *time.Time `json:"dispatch_deadline,omitempty"`

	// LastError holds the most recent failure reason.
	LastError string `json:"last_error,omitempty"`

	// LastActor is who issued the most recent action.
	LastActor string `json:"last_actor,omitempty"`

	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	StatusChangedAt time.Time `json:"status_changed_at"`

	// LastActivity is the most recent user activity seen on the resource.
	LastActivity time.Time `json:"last_activity"`

	// Version guards optimistic concurrency in the registry.
	Version int64 `json:"version"`
}

// Clone returns a deep copy of the record.
func (r *ResourceRecord) Clone() *ResourceRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.Spec.Params != nil {
		c.Spec.Params = make(map[string]string, len(r.Spec.Params))
		for k, v := range r.Spec.Params {
			c.Spec.Params[k] = v
		}
	}
	if r.Libraries != nil {
		c.Libraries = append([]Library(nil), r.Libraries...)
	}
	if r.Schedule != nil {
		s := *r.Schedule
		s.ActiveDays = append([]string(nil), r.Schedule.ActiveDays...)
		c.Schedule = &s
	}
	if r.DispatchDeadline != nil {
		d := *r.DispatchDeadline
		c.DispatchDeadline = &d
	}
	return &c
}

func (r *ResourceRecord) setStatus(next ResourceStatus, now time.Time) {
	if r.Status != next {
		r.StatusChangedAt = now
	}
	r.Status = next
	r.UpdatedAt = now
}

// ActionRef builds the provider request for action against this record.
func (r *ResourceRecord) ActionRef(action Action) ActionRequest {
	return ActionRequest{
		ResourceID: r.ID,
		Sequence:   r.Sequence,
		Action:     action,
		Type:       r.Type,
		Name:       r.Name,
		Owner:      r.Owner,
		Project:    r.Project,
		Endpoint:   r.Endpoint,
		CloudRef:   r.CloudRef,
		Spec:       r.Spec,
	}
}

// ProjectRecord is the project-level view: the provisioning key, the edge's
// network details and the record backing the project infrastructure.
type ProjectRecord struct {
	Name       string        `json:"name"`
	Tag        string        `json:"tag,omitempty"`
	Endpoint   string        `json:"endpoint,omitempty"`
	KeyContent string        `json:"key_content,omitempty"`
	ResourceID string        `json:"resource_id,omitempty"`
	EdgeID     string        `json:"edge_id,omitempty"`
	Edge       NetworkInfo   `json:"edge"`
	Status     ProjectStatus `json:"status"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
	Version    int64         `json:"version"`
}

// UserKey is the key a user last rotated to within a project.
type UserKey struct {
	User       string    `json:"user"`
	Project    string    `json:"project"`
	KeyContent string    `json:"key_content"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ReuploadTarget tracks one resource within a key reupload task.
type ReuploadTarget struct {
	ResourceID string       `json:"resource_id"`
	Name       string       `json:"name"`
	Type       ResourceType `json:"type"`
	Status     TargetStatus `json:"status"`
	Error      string       `json:"error,omitempty"`
}

// ReuploadKeyTask is one rotation of a user's key across a project.
type ReuploadKeyTask struct {
	ID          string           `json:"id"`
	User        string           `json:"user"`
	Project     string           `json:"project"`
	KeyContent  string           `json:"key_content"`
	Targets     []ReuploadTarget `json:"targets"`
	Status      TaskStatus       `json:"status"`
	Deadline    time.Time        `json:"deadline"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	Version     int64            `json:"version"`
}

// Clone returns a deep copy of the task.
func (t *ReuploadKeyTask) Clone() *ReuploadKeyTask {
	if t == nil {
		return nil
	}
	c := *t
	c.Targets = append([]ReuploadTarget(nil), t.Targets...)
	if t.CompletedAt != nil {
		d := *t.CompletedAt
		c.CompletedAt = &d
	}
	return &c
}

// Failed returns the targets that did not confirm the key.
func (t *ReuploadKeyTask) Failed() []ReuploadTarget {
	var out []ReuploadTarget
	for _, tg := range t.Targets {
		if tg.Status == TargetStatusFailed {
			out = append(out, tg)
		}
	}
	return out
}

// AuditEntry records who did what to which resource.
type AuditEntry struct {
	ID        int64                  `json:"id"`
	Actor     string                 `json:"actor"`
	Action    string                 `json:"action"`
	TargetID  string                 `json:"target_id"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// ResourceRequest is a user's request to create a resource.
type ResourceRequest struct {
	Type     ResourceType    `json:"type" validate:"required,oneof=project edge exploratory computational"`
	Name     string          `json:"name" validate:"required,max=63"`
	Owner    string          `json:"owner" validate:"required"`
	Project  string          `json:"project" validate:"required"`
	Provider string          `json:"provider" validate:"required"`
	Endpoint string          `json:"endpoint,omitempty"`
	ParentID string          `json:"parent_id,omitempty" validate:"required_if=Type computational"`
	Spec     ResourceSpec    `json:"spec"`
	Schedule *SchedulePolicy `json:"schedule,omitempty"`
}

// AdmissionOutcome says what happened to an accepted request.
type AdmissionOutcome string

const (
	// OutcomeAccepted means the request was taken; any provider work is under way
	// or, for a terminate arriving mid-action, will start when that action completes.
	OutcomeAccepted AdmissionOutcome = "accepted"

	// OutcomeQueued means the action waits for the parent to become running.
	OutcomeQueued AdmissionOutcome = "queued"
)

// Admission is the synchronous result of a lifecycle request.
// Deferred reports a terminate that waits for an in-flight action. A provider
// that rejects the action outright leaves Status FAILED with the reason in
// Error. Later outcomes are observed through the registry or published events.
type Admission struct {
	ResourceID string           `json:"resource_id"`
	Status     ResourceStatus   `json:"status"`
	Outcome    AdmissionOutcome `json:"outcome"`
	Sequence   int64            `json:"sequence"`
	Deferred   bool             `json:"deferred,omitempty"`
	Error      string           `json:"error,omitempty"`
}

// ReservationToken proves a quota slot was taken for a resource.
type ReservationToken struct {
	ResourceID string       `json:"resource_id"`
	Type       ResourceType `json:"type"`
	Owner      string       `json:"owner"`
	Project    string       `json:"project"`
	ReservedAt time.Time    `json:"reserved_at"`
}

// ResourceFilter narrows ListResources results. Zero fields do not filter.
type ResourceFilter struct {
	Type     ResourceType
	Owner    string
	Project  string
	ParentID string
	Statuses []ResourceStatus

	// QueuedOnly keeps records with a QueuedAction.
	QueuedOnly bool

	// ScheduledOnly keeps records with a SchedulePolicy.
	ScheduledOnly bool

	// DeadlineBefore keeps records whose DispatchDeadline is at or before this time.
	DeadlineBefore *time.Time

	Limit int
}

// QuotaLimit caps concurrently held resources of one type. Zero means unlimited.
type QuotaLimit struct {
	MaxPerUser    int `json:"max_per_user" yaml:"max_per_user" mapstructure:"max_per_user" validate:"gte=0"`
	MaxPerProject int `json:"max_per_project" yaml:"max_per_project" mapstructure:"max_per_project" validate:"gte=0"`
}

// Unlimited reports whether the limit imposes no cap.
func (l QuotaLimit) Unlimited() bool {
	return l.MaxPerUser == 0 && l.MaxPerProject == 0
}

// QuotaConfig holds a limit per resource type.
type QuotaConfig map[ResourceType]QuotaLimit
