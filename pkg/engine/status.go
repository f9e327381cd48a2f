package engine

import (
	"encoding/json"
	"fmt"
)

// ResourceType identifies the lifecycle category of a managed resource.
type ResourceType string

const (
	// ResourceTypeProject is the project-level shared infrastructure.
	ResourceTypeProject ResourceType = "project"

	// ResourceTypeEdge is the per-project gateway node.
	ResourceTypeEdge ResourceType = "edge"

	// ResourceTypeExploratory is a user-facing notebook environment.
	ResourceTypeExploratory ResourceType = "exploratory"

	// ResourceTypeComputational is a compute cluster attached to an exploratory.
	ResourceTypeComputational ResourceType = "computational"
)

// ResourceTypes lists every resource type in dependency order.
var ResourceTypes = []ResourceType{
	ResourceTypeProject,
	ResourceTypeEdge,
	ResourceTypeExploratory,
	ResourceTypeComputational,
}

// Validate checks if the resource type is valid.
func (t ResourceType) Validate() error {
	switch t {
	case ResourceTypeProject, ResourceTypeEdge, ResourceTypeExploratory, ResourceTypeComputational:
		return nil
	default:
		return fmt.Errorf("invalid resource type: %s", t)
	}
}

// Stoppable reports whether resources of this type support stop/start.
// Project infrastructure can only be created and terminated.
func (t ResourceType) Stoppable() bool {
	return t != ResourceTypeProject
}

// ParentType returns the type a resource of this type depends on, if any.
func (t ResourceType) ParentType() (ResourceType, bool) {
	switch t {
	case ResourceTypeEdge:
		return ResourceTypeProject, true
	case ResourceTypeExploratory:
		return ResourceTypeEdge, true
	case ResourceTypeComputational:
		return ResourceTypeExploratory, true
	default:
		return "", false
	}
}

// ResourceStatus represents where a resource is in its lifecycle.
type ResourceStatus string

const (
	// StatusRequested means the record exists and holds quota but nothing was dispatched yet.
	StatusRequested ResourceStatus = "requested"

	// StatusProvisioning means a create or start is in flight.
	StatusProvisioning ResourceStatus = "provisioning"

	// StatusRunning means the resource is up.
	StatusRunning ResourceStatus = "running"

	// StatusStopping means a stop is in flight.
	StatusStopping ResourceStatus = "stopping"

	// StatusStopped means the resource is down but can be started again.
	StatusStopped ResourceStatus = "stopped"

	// StatusTerminating means a terminate is in flight.
	StatusTerminating ResourceStatus = "terminating"

	// StatusTerminated is final; the resource no longer exists in the cloud.
	StatusTerminated ResourceStatus = "terminated"

	// StatusFailed is final; the lifecycle ended with an error.
	StatusFailed ResourceStatus = "failed"
)

// IsTerminal returns true if no further transitions are possible.
func (s ResourceStatus) IsTerminal() bool {
	return s == StatusTerminated || s == StatusFailed
}

// IsTransitional returns true while a provider action is expected to complete.
func (s ResourceStatus) IsTransitional() bool {
	return s == StatusProvisioning || s == StatusStopping || s == StatusTerminating
}

// HoldsQuota reports whether a record in this status counts against quota.
// Stopped resources give their slot back and must reacquire it on start.
func (s ResourceStatus) HoldsQuota() bool {
	switch s {
	case StatusRequested, StatusProvisioning, StatusRunning, StatusStopping, StatusTerminating:
		return true
	default:
		return false
	}
}

// Validate checks if the resource status is valid.
func (s ResourceStatus) Validate() error {
	switch s {
	case StatusRequested, StatusProvisioning, StatusRunning, StatusStopping,
		StatusStopped, StatusTerminating, StatusTerminated, StatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid resource status: %s", s)
	}
}

// QuotaStatuses lists the statuses that hold a quota slot.
var QuotaStatuses = []ResourceStatus{
	StatusRequested, StatusProvisioning, StatusRunning, StatusStopping, StatusTerminating,
}

var transitions = map[ResourceStatus][]ResourceStatus{
	StatusRequested:    {StatusProvisioning, StatusTerminated, StatusFailed},
	StatusProvisioning: {StatusRunning, StatusFailed},
	StatusRunning:      {StatusStopping, StatusTerminating},
	StatusStopping:     {StatusStopped, StatusFailed},
	StatusStopped:      {StatusProvisioning, StatusTerminating},
	StatusTerminating:  {StatusTerminated, StatusFailed},
}

// CanTransition reports whether moving from s to next is a legal lifecycle step.
func (s ResourceStatus) CanTransition(next ResourceStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s ResourceStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *ResourceStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = ResourceStatus(str)
	return s.Validate()
}

// Action is a mutating operation dispatched to a provider.
type Action string

const (
	ActionCreate    Action = "create"
	ActionStart     Action = "start"
	ActionStop      Action = "stop"
	ActionTerminate Action = "terminate"
)

// Validate checks if the action is valid.
func (a Action) Validate() error {
	switch a {
	case ActionCreate, ActionStart, ActionStop, ActionTerminate:
		return nil
	default:
		return fmt.Errorf("invalid action: %s", a)
	}
}

// InFlightStatus is the status a record enters when the action is dispatched.
func (a Action) InFlightStatus() ResourceStatus {
	switch a {
	case ActionCreate, ActionStart:
		return StatusProvisioning
	case ActionStop:
		return StatusStopping
	default:
		return StatusTerminating
	}
}

// SuccessStatus is the status a record enters when the provider confirms the action.
func (a Action) SuccessStatus() ResourceStatus {
	switch a {
	case ActionCreate, ActionStart:
		return StatusRunning
	case ActionStop:
		return StatusStopped
	default:
		return StatusTerminated
	}
}

// Idempotent reports whether the provider call may be safely repeated.
// Creates are never retried because the provider could have allocated the resource.
func (a Action) Idempotent() bool {
	return a != ActionCreate
}

// ProjectStatus mirrors the lifecycle of a project's infrastructure record.
type ProjectStatus string

const (
	ProjectStatusCreating    ProjectStatus = "creating"
	ProjectStatusActive      ProjectStatus = "active"
	ProjectStatusTerminating ProjectStatus = "terminating"
	ProjectStatusTerminated  ProjectStatus = "terminated"
	ProjectStatusFailed      ProjectStatus = "failed"
)

// ProjectStatusFor derives the project status from its infrastructure record status.
func ProjectStatusFor(s ResourceStatus) ProjectStatus {
	switch s {
	case StatusRunning:
		return ProjectStatusActive
	case StatusTerminating:
		return ProjectStatusTerminating
	case StatusTerminated:
		return ProjectStatusTerminated
	case StatusFailed:
		return ProjectStatusFailed
	default:
		return ProjectStatusCreating
	}
}

// TaskStatus is the aggregate state of a key reupload task.
type TaskStatus string

const (
	// TaskStatusRunning means at least one resource has not reported yet.
	TaskStatusRunning TaskStatus = "running"

	// TaskStatusCompleted means every targeted resource confirmed the new key.
	TaskStatusCompleted TaskStatus = "completed"

	// TaskStatusFailed means at least one targeted resource failed.
	TaskStatusFailed TaskStatus = "failed"
)

// IsActive returns true if the task still has outstanding resources.
func (s TaskStatus) IsActive() bool {
	return s == TaskStatusRunning
}

// TargetStatus is the per-resource outcome within a reupload task.
type TargetStatus string

const (
	TargetStatusPending   TargetStatus = "pending"
	TargetStatusCompleted TargetStatus = "completed"
	TargetStatusFailed    TargetStatus = "failed"
)

// CallbackStatus is the outcome reported by a provider callback.
type CallbackStatus string

const (
	CallbackSuccess CallbackStatus = "success"
	CallbackFailure CallbackStatus = "failure"
)

// Validate checks if the callback status is valid.
func (s CallbackStatus) Validate() error {
	switch s {
	case CallbackSuccess, CallbackFailure:
		return nil
	default:
		return fmt.Errorf("invalid callback status: %s", s)
	}
}

// EventType identifies lifecycle notifications published by the engine.
type EventType string

const (
	EventTypeResourceAdmitted     EventType = "resource.admitted"
	EventTypeResourceQueued       EventType = "resource.queued"
	EventTypeActionDispatched     EventType = "resource.action_dispatched"
	EventTypeResourceStateChanged EventType = "resource.state_changed"
	EventTypeResourceFailed       EventType = "resource.failed"
	EventTypeCallbackDropped      EventType = "callback.dropped"
	EventTypeKeyTaskCompleted     EventType = "key_task.completed"
	EventTypeKeyTaskFailed        EventType = "key_task.failed"
)

// Severity returns the severity level of the event type.
func (e EventType) Severity() string {
	switch e {
	case EventTypeResourceFailed, EventTypeKeyTaskFailed:
		return "error"
	case EventTypeCallbackDropped:
		return "warning"
	default:
		return "info"
	}
}
