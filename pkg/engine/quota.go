package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/labforge/labforge/pkg/telemetry"
)

// QuotaGuard enforces per-user and per-project limits on concurrently held
// resources. The count and the insert happen in one registry transaction,
// so two concurrent requests can never both take the last slot.
type QuotaGuard struct {
	registry Registry
	limits   atomic.Pointer[QuotaConfig]
	clock    clock.Clock
	metrics  *telemetry.Metrics
}

// NewQuotaGuard creates a guard with the given limits.
func NewQuotaGuard(registry Registry, limits QuotaConfig, clk clock.Clock, metrics *telemetry.Metrics) *QuotaGuard {
	if clk == nil {
		clk = clock.New()
	}
	q := &QuotaGuard{registry: registry, clock: clk, metrics: metrics}
	q.SetLimits(limits)
	return q
}

// SetLimits replaces the limits. Already admitted resources are never revoked;
// new limits only apply to later reservations.
func (q *QuotaGuard) SetLimits(limits QuotaConfig) {
	cp := make(QuotaConfig, len(limits))
	for t, l := range limits {
		cp[t] = l
	}
	q.limits.Store(&cp)
}

// Limit returns the limit for a resource type.
func (q *QuotaGuard) Limit(t ResourceType) QuotaLimit {
	return (*q.limits.Load())[t]
}

// Reserve inserts rec, taking one slot for its owner and project.
func (q *QuotaGuard) Reserve(ctx context.Context, rec *ResourceRecord) (*ReservationToken, error) {
	if err := q.registry.CreateResource(ctx, rec, q.Limit(rec.Type)); err != nil {
		q.observe(rec.Type, err)
		return nil, err
	}
	return q.token(rec), nil
}

// Reacquire writes rec after it moved from a slot-free status back into a
// slot-holding one, failing with QUOTA_EXCEEDED if no slot is free.
func (q *QuotaGuard) Reacquire(ctx context.Context, rec *ResourceRecord) (*ReservationToken, error) {
	if err := q.registry.UpdateResourceWithQuota(ctx, rec, q.Limit(rec.Type)); err != nil {
		q.observe(rec.Type, err)
		return nil, err
	}
	return q.token(rec), nil
}

// Usage reports how many slots owner and project currently hold for t.
func (q *QuotaGuard) Usage(ctx context.Context, t ResourceType, owner, project string) (user, proj int, err error) {
	recs, err := q.registry.ListResources(ctx, ResourceFilter{Type: t, Project: project, Statuses: QuotaStatuses})
	if err != nil {
		return 0, 0, err
	}
	for _, r := range recs {
		if r.Owner == owner {
			user++
		}
	}
	return user, len(recs), nil
}

func (q *QuotaGuard) observe(t ResourceType, err error) {
	if !IsQuotaExceeded(err) {
		return
	}
	scope := "user"
	var ee *EngineError
	if errors.As(err, &ee) {
		if s, ok := ee.Details["scope"].(string); ok {
			scope = s
		}
	}
	q.metrics.RecordQuotaRejection(string(t), scope)
}

func (q *QuotaGuard) token(rec *ResourceRecord) *ReservationToken {
	return &ReservationToken{
		ResourceID: rec.ID,
		Type:       rec.Type,
		Owner:      rec.Owner,
		Project:    rec.Project,
		ReservedAt: q.now(),
	}
}

func (q *QuotaGuard) now() time.Time {
	return q.clock.Now().UTC()
}
