package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/labforge/labforge/pkg/telemetry"
)

// Default tuning values.
const (
	DefaultDispatchTimeout   = 30 * time.Minute
	DefaultMaxRetries        = 3
	DefaultRetryInterval     = 500 * time.Millisecond
	DefaultSchedulerInterval = time.Minute
	DefaultMaxConcurrent     = 16
	DefaultKeyTaskTimeout    = 10 * time.Minute
)

// Options configures an Engine. Registry and Adapters are required.
type Options struct {
	Registry Registry
	Adapters *AdapterRegistry
	Quota    QuotaConfig
	Policy   AdmissionPolicy
	Events   EventPublisher
	Clock    clock.Clock
	Logger   zerolog.Logger
	Metrics  *telemetry.Metrics
	Tracer   *telemetry.Tracer

	// DispatchTimeout bounds how long a dispatched action may wait for its callback.
	DispatchTimeout time.Duration

	// MaxRetries bounds attempts for idempotent actions failing transiently.
	MaxRetries int

	// RetryInterval is the initial backoff between attempts.
	RetryInterval time.Duration

	// KeyTaskTimeout bounds how long a key reupload task may stay active.
	KeyTaskTimeout time.Duration

	Scheduler SchedulerConfig
}

// Engine holds the lifecycle components. They share one registry, one lock
// table and one clock.
type Engine struct {
	Quota        *QuotaGuard
	Orchestrator *Orchestrator
	Reconciler   *Reconciler
	Scheduler    *SchedulerEngine
	Keys         *ReuploadKeyWorkflow
	Ingress      *CallbackIngress
}

// New wires an Engine from opts.
func New(opts Options) (*Engine, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if opts.Adapters == nil {
		return nil, fmt.Errorf("adapter registry is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Events == nil {
		opts.Events = noopPublisher{}
	}
	if opts.Tracer == nil {
		opts.Tracer = telemetry.NewNoopTracer()
	}
	if opts.DispatchTimeout <= 0 {
		opts.DispatchTimeout = DefaultDispatchTimeout
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = DefaultRetryInterval
	}
	if opts.KeyTaskTimeout <= 0 {
		opts.KeyTaskTimeout = DefaultKeyTaskTimeout
	}

	c := &core{
		registry: opts.Registry,
		adapters: opts.Adapters,
		locks:    newLockTable(),
		clock:    opts.Clock,
		events:   opts.Events,
		metrics:  opts.Metrics,
		tracer:   opts.Tracer,
		logger:   opts.Logger,
	}

	quota := NewQuotaGuard(opts.Registry, opts.Quota, opts.Clock, opts.Metrics)

	orch := &Orchestrator{
		core:            c.component("orchestrator"),
		quota:           quota,
		policy:          opts.Policy,
		validate:        validator.New(),
		dispatchTimeout: opts.DispatchTimeout,
		maxTries:        uint(opts.MaxRetries),
		retryInterval:   opts.RetryInterval,
	}

	keys := &ReuploadKeyWorkflow{
		core:    c.component("reupload"),
		timeout: opts.KeyTaskTimeout,
	}

	rec := &Reconciler{
		core: c.component("reconciler"),
		orch: orch,
		keys: keys,
	}

	sched := newSchedulerEngine(c.component("scheduler"), orch, keys, opts.Scheduler)

	return &Engine{
		Quota:        quota,
		Orchestrator: orch,
		Reconciler:   rec,
		Scheduler:    sched,
		Keys:         keys,
		Ingress:      &CallbackIngress{core: c.component("ingress"), reconciler: rec, keys: keys},
	}, nil
}

// Wait blocks until background provider calls issued by the engine finish.
func (e *Engine) Wait() {
	e.Scheduler.Wait()
	e.Orchestrator.Wait()
	e.Keys.Wait()
}

// core is the state shared by every component.
type core struct {
	registry Registry
	adapters *AdapterRegistry
	locks    *lockTable
	clock    clock.Clock
	events   EventPublisher
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
	logger   zerolog.Logger
}

func (c *core) component(name string) *core {
	cp := *c
	cp.logger = c.logger.With().Str("component", name).Logger()
	return &cp
}

func (c *core) now() time.Time {
	return c.clock.Now().UTC()
}

// audit appends an audit entry; failures are logged, never surfaced.
func (c *core) audit(ctx context.Context, actor, action, target string, details map[string]interface{}) {
	entry := &AuditEntry{
		Actor:     actor,
		Action:    action,
		TargetID:  target,
		Details:   details,
		Timestamp: c.now(),
	}
	if err := c.registry.AppendAudit(ctx, entry); err != nil {
		c.logger.Warn().Err(err).Str("target", target).Str("action", action).Msg("Failed to append audit entry")
	}
}

func (c *core) publish(t EventType, rec *ResourceRecord, message string, data map[string]interface{}) {
	event := telemetry.Event{
		Type:       string(t),
		Source:     "engine",
		ResourceID: rec.ID,
		Project:    rec.Project,
		Owner:      rec.Owner,
		Message:    message,
		Level:      t.Severity(),
		Data:       data,
		Timestamp:  c.now(),
	}
	if err := c.events.Publish(event); err != nil {
		c.logger.Debug().Err(err).Str("event", string(t)).Msg("Event not published")
	}
}

// markFailed ends rec's lifecycle. Caller holds the record lock.
func markFailed(rec *ResourceRecord, reason string, now time.Time) {
	rec.PendingAction = ""
	rec.PendingTerminate = false
	rec.QueuedAction = ""
	rec.DispatchDeadline = nil
	rec.LastError = reason
	rec.setStatus(StatusFailed, now)
}

// traceRecord tags span with the record's identity.
func traceRecord(span trace.Span, rec *ResourceRecord) {
	telemetry.SetAttributes(span,
		telemetry.AttrResourceType.String(string(rec.Type)),
		telemetry.AttrProject.String(rec.Project),
		telemetry.AttrOwner.String(rec.Owner),
		telemetry.AttrSequence.Int64(rec.Sequence),
	)
}

// traceFailure marks span failed with the class and code of cause.
func traceFailure(span trace.Span, cause *EngineError) {
	telemetry.RecordError(span, cause)
	telemetry.SetAttributes(span,
		telemetry.AttrErrorClass.String(string(cause.Class)),
		telemetry.AttrErrorCode.String(cause.Code),
	)
}

func errorClass(err error) string {
	var ee *EngineError
	if errors.As(err, &ee) {
		return string(ee.Class)
	}
	return "unknown"
}
