package engine

import (
	"context"

	"github.com/labforge/labforge/pkg/telemetry"
)

// Registry is the durable store of resource, project and key-task records.
// Every update is a compare-and-swap on the record's Version: the write only
// succeeds if the stored version equals the one read, and bumps it by one.
// A failed compare returns a conflict error.
type Registry interface {
	// CreateResource atomically counts the quota-holding records of the
	// owner and project for rec.Type and inserts rec if both counts are
	// under limit. Returns a QUOTA_EXCEEDED error otherwise.
	CreateResource(ctx context.Context, rec *ResourceRecord, limit QuotaLimit) error

	// GetResource returns a copy of the record or a NOT_FOUND error.
	GetResource(ctx context.Context, id string) (*ResourceRecord, error)

	// UpdateResource writes rec if its version still matches.
	UpdateResource(ctx context.Context, rec *ResourceRecord) error

	// UpdateResourceWithQuota is UpdateResource with the same quota check as
	// CreateResource, performed in the same transaction. Used when a stopped
	// record reacquires its slot.
	UpdateResourceWithQuota(ctx context.Context, rec *ResourceRecord, limit QuotaLimit) error

	// ListResources returns copies of the records matching filter, oldest first.
	ListResources(ctx context.Context, filter ResourceFilter) ([]*ResourceRecord, error)

	// CountResources returns the number of records per status for a type.
	CountResources(ctx context.Context, t ResourceType) (map[ResourceStatus]int, error)

	CreateProject(ctx context.Context, p *ProjectRecord) error
	GetProject(ctx context.Context, name string) (*ProjectRecord, error)
	UpdateProject(ctx context.Context, p *ProjectRecord) error
	ListProjects(ctx context.Context) ([]*ProjectRecord, error)

	// CreateReuploadTask inserts task unless the same user already has an
	// active task in the project, in which case it returns a conflict error.
	CreateReuploadTask(ctx context.Context, task *ReuploadKeyTask) error
	GetReuploadTask(ctx context.Context, id string) (*ReuploadKeyTask, error)
	UpdateReuploadTask(ctx context.Context, task *ReuploadKeyTask) error
	ListActiveReuploadTasks(ctx context.Context) ([]*ReuploadKeyTask, error)

	// PutUserKey stores the key a user rotated to, replacing any earlier one.
	PutUserKey(ctx context.Context, key *UserKey) error
	// ListUserKeys returns the rotated keys of a project ordered by user.
	ListUserKeys(ctx context.Context, project string) ([]*UserKey, error)

	AppendAudit(ctx context.Context, entry *AuditEntry) error
	ListAudit(ctx context.Context, targetID string, limit int) ([]*AuditEntry, error)
}

// AdmissionPolicy vets a request before any quota is taken.
// A denial is returned as a VALIDATION_ERROR.
type AdmissionPolicy interface {
	Admit(ctx context.Context, req *ResourceRequest) error
}

// EventPublisher receives lifecycle notifications. *telemetry.EventPublisher satisfies it.
type EventPublisher interface {
	Publish(event telemetry.Event) error
}

type noopPublisher struct{}

func (noopPublisher) Publish(telemetry.Event) error { return nil }
