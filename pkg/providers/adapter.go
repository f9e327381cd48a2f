package providers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/labforge/labforge/pkg/engine"
)

const (
	// DefaultPollInterval is the pause between two Describe calls.
	DefaultPollInterval = 5 * time.Second

	// DefaultPollTimeout bounds how long one action is watched.
	DefaultPollTimeout = 10 * time.Minute

	// DefaultKeyTimeout bounds one key installation.
	DefaultKeyTimeout = 2 * time.Minute
)

var errNotSettled = errors.New("instance has not settled")

// Options configures an Adapter.
type Options struct {
	// Name is the provider identifier records refer to.
	Name    string
	Compute Compute
	// Keys installs project keys. Without it ReuploadKey is rejected.
	Keys         KeyInstaller
	Classify     Classifier
	PollInterval time.Duration
	PollTimeout  time.Duration
	KeyTimeout   time.Duration
	Clock        clock.Clock
	Logger       zerolog.Logger
}

// Adapter implements engine.ProviderAdapter on top of a Compute.
type Adapter struct {
	name     string
	compute  Compute
	keys     KeyInstaller
	classify Classifier
	interval time.Duration
	timeout  time.Duration
	keyTTL   time.Duration
	clock    clock.Clock
	logger   zerolog.Logger
	sink     *Sink

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ engine.ProviderAdapter = (*Adapter)(nil)

// NewAdapter creates an adapter. Callbacks are dropped until Bind is called.
func NewAdapter(opts Options) (*Adapter, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("adapter name is required")
	}
	if opts.Compute == nil {
		return nil, fmt.Errorf("adapter %s has no compute client", opts.Name)
	}
	if opts.Classify == nil {
		opts.Classify = DefaultClassifier
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = DefaultPollTimeout
	}
	if opts.KeyTimeout <= 0 {
		opts.KeyTimeout = DefaultKeyTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}

	logger := opts.Logger.With().Str("provider", opts.Name).Logger()
	ctx, cancel := context.WithCancel(context.Background())
	return &Adapter{
		name:     opts.Name,
		compute:  opts.Compute,
		keys:     opts.Keys,
		classify: opts.Classify,
		interval: opts.PollInterval,
		timeout:  opts.PollTimeout,
		keyTTL:   opts.KeyTimeout,
		clock:    opts.Clock,
		logger:   logger,
		sink:     NewSink(logger),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Name implements engine.ProviderAdapter.
func (a *Adapter) Name() string {
	return a.name
}

// Bind routes callbacks to sink, normally the engine's CallbackIngress.
func (a *Adapter) Bind(sink engine.CallbackSink) {
	a.sink.Bind(sink)
}

// Create launches the instance and reports RUNNING with its addresses.
func (a *Adapter) Create(ctx context.Context, req engine.ActionRequest) (*engine.AsyncHandle, error) {
	id, err := a.compute.Launch(ctx, req)
	if err != nil {
		return nil, a.wrap(err, req)
	}
	a.logger.Info().Str("resource_id", req.ResourceID).Str("cloud_ref", id).Msg("Instance launch accepted")
	a.watch(req, id, StateRunning)
	return a.handle(req), nil
}

// Start boots a stopped instance.
func (a *Adapter) Start(ctx context.Context, req engine.ActionRequest) (*engine.AsyncHandle, error) {
	if req.CloudRef == "" {
		return nil, noCloudRef(req)
	}
	if err := a.compute.Start(ctx, req.CloudRef); err != nil {
		return nil, a.wrap(err, req)
	}
	a.watch(req, req.CloudRef, StateRunning)
	return a.handle(req), nil
}

// Stop shuts an instance down without deleting it.
func (a *Adapter) Stop(ctx context.Context, req engine.ActionRequest) (*engine.AsyncHandle, error) {
	if req.CloudRef == "" {
		return nil, noCloudRef(req)
	}
	if err := a.compute.Stop(ctx, req.CloudRef); err != nil {
		return nil, a.wrap(err, req)
	}
	a.watch(req, req.CloudRef, StateStopped)
	return a.handle(req), nil
}

// Terminate deletes the instance. A record that never got a cloud id, or an
// instance the cloud no longer knows, terminates without a cloud call.
func (a *Adapter) Terminate(ctx context.Context, req engine.ActionRequest) (*engine.AsyncHandle, error) {
	if req.CloudRef == "" {
		a.background(func(ctx context.Context) {
			a.sink.Deliver(ctx, success(req, nil))
		})
		return a.handle(req), nil
	}
	err := a.compute.Delete(ctx, req.CloudRef)
	if err != nil && !errors.Is(err, ErrInstanceNotFound) {
		return nil, a.wrap(err, req)
	}
	a.watch(req, req.CloudRef, StateDeleted)
	return a.handle(req), nil
}

// ReuploadKey installs the key over SSH and reports through DeliverKey.
func (a *Adapter) ReuploadKey(ctx context.Context, req engine.KeyRequest) (*engine.AsyncHandle, error) {
	if a.keys == nil {
		return nil, engine.NewPermanentError(fmt.Sprintf("provider %s cannot install keys", a.name), nil).
			WithResource(req.ResourceID)
	}
	if req.Host == "" {
		return nil, engine.NewValidationError("resource %s has no reachable address", req.ResourceID).
			WithResource(req.ResourceID)
	}

	a.background(func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, a.keyTTL)
		defer cancel()

		cb := engine.KeyCallback{TaskID: req.TaskID, ResourceID: req.ResourceID, Status: engine.CallbackSuccess}
		if err := a.keys.Install(ctx, req.Host, req.KeyContent); err != nil {
			a.logger.Warn().Err(err).Str("task_id", req.TaskID).Str("resource_id", req.ResourceID).Msg("Key installation failed")
			cb.Status = engine.CallbackFailure
			cb.Error = err.Error()
		}
		a.sink.DeliverKey(ctx, cb)
	})
	return &engine.AsyncHandle{
		ID:         uuid.New().String(),
		ResourceID: req.ResourceID,
		AcceptedAt: a.clock.Now().UTC(),
	}, nil
}

// Wait blocks until every outstanding watch has reported.
func (a *Adapter) Wait() {
	a.wg.Wait()
}

// Close abandons outstanding watches and waits for them to exit. Abandoned
// actions are left to the engine's dispatch timeout.
func (a *Adapter) Close() error {
	a.cancel()
	a.wg.Wait()
	return nil
}

func (a *Adapter) background(fn func(ctx context.Context)) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn(a.ctx)
	}()
}

// watch polls id until it reaches want and delivers the outcome.
func (a *Adapter) watch(req engine.ActionRequest, id string, want InstanceState) {
	a.background(func(ctx context.Context) {
		inst, err := a.await(ctx, id, want)
		if ctx.Err() != nil {
			a.logger.Debug().Str("resource_id", req.ResourceID).Str("cloud_ref", id).Msg("Watch abandoned")
			return
		}
		if err != nil {
			a.logger.Warn().Err(err).
				Str("resource_id", req.ResourceID).
				Str("action", string(req.Action)).
				Str("cloud_ref", id).
				Msg("Action did not complete")
			a.sink.Deliver(ctx, engine.Callback{
				ResourceID: req.ResourceID,
				Sequence:   req.Sequence,
				Status:     engine.CallbackFailure,
				Error:      err.Error(),
				Payload:    &engine.CallbackPayload{CloudRef: id},
			})
			return
		}

		payload := &engine.CallbackPayload{CloudRef: id}
		if want == StateRunning {
			network := inst.Network
			payload.Network = &network
		}
		a.sink.Deliver(ctx, success(req, payload))
	})
}

func (a *Adapter) await(ctx context.Context, id string, want InstanceState) (*Instance, error) {
	op := func() (*Instance, error) {
		inst, err := a.compute.Describe(ctx, id)
		switch {
		case errors.Is(err, ErrInstanceNotFound):
			if want == StateDeleted {
				return &Instance{ID: id, State: StateDeleted}, nil
			}
			return nil, backoff.Permanent(err)
		case err != nil:
			if !engine.IsRetryable(a.classify(a.name, err)) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		case inst.State == want:
			return inst, nil
		case inst.State == StateDeleted:
			return nil, backoff.Permanent(fmt.Errorf("instance %s was deleted", id))
		case inst.State == StateError:
			fault := inst.Fault
			if fault == "" {
				fault = "instance entered error state"
			}
			return nil, backoff.Permanent(errors.New(fault))
		}
		return nil, errNotSettled
	}

	inst, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(a.interval)),
		backoff.WithMaxElapsedTime(a.timeout),
	)
	var perm *backoff.PermanentError
	switch {
	case err == nil:
		return inst, nil
	case errors.As(err, &perm):
		return nil, perm.Err
	case errors.Is(err, errNotSettled):
		return nil, fmt.Errorf("instance %s not %s after %s", id, want, a.timeout)
	}
	return nil, err
}

func (a *Adapter) wrap(err error, req engine.ActionRequest) error {
	return a.classify(a.name, err).
		WithResource(req.ResourceID).
		WithOperation(string(req.Action))
}

func (a *Adapter) handle(req engine.ActionRequest) *engine.AsyncHandle {
	return &engine.AsyncHandle{
		ID:         uuid.New().String(),
		ResourceID: req.ResourceID,
		Sequence:   req.Sequence,
		AcceptedAt: a.clock.Now().UTC(),
	}
}

func success(req engine.ActionRequest, payload *engine.CallbackPayload) engine.Callback {
	return engine.Callback{
		ResourceID: req.ResourceID,
		Sequence:   req.Sequence,
		Status:     engine.CallbackSuccess,
		Payload:    payload,
	}
}

func noCloudRef(req engine.ActionRequest) error {
	return engine.NewValidationError("resource %s has no cloud reference", req.ResourceID).
		WithResource(req.ResourceID).
		WithOperation(string(req.Action))
}
