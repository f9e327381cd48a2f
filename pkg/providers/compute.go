package providers

import (
	"context"
	"errors"

	"github.com/labforge/labforge/pkg/engine"
)

// InstanceState is the provider-neutral lifecycle state of one instance.
type InstanceState string

const (
	StatePending  InstanceState = "pending"
	StateRunning  InstanceState = "running"
	StateStopping InstanceState = "stopping"
	StateStopped  InstanceState = "stopped"
	StateDeleting InstanceState = "deleting"
	StateDeleted  InstanceState = "deleted"
	StateError    InstanceState = "error"
)

// Instance is what Describe reports about one instance.
type Instance struct {
	ID      string
	State   InstanceState
	Network engine.NetworkInfo
	// Fault is the provider's explanation for StateError.
	Fault string
}

// ErrInstanceNotFound is returned by Describe, Start, Stop and Delete when
// the cloud has no instance with the given id.
var ErrInstanceNotFound = errors.New("instance not found")

// Compute is the instance API a cloud exposes to Adapter. Every method
// returns once the cloud has accepted the request.
type Compute interface {
	// Launch creates the instance for req and returns its cloud id.
	Launch(ctx context.Context, req engine.ActionRequest) (string, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	Describe(ctx context.Context, id string) (*Instance, error)
}

// KeyInstaller puts a public key on a reachable host.
type KeyInstaller interface {
	Install(ctx context.Context, host, key string) error
}

// Classifier maps a cloud API error to an engine error so the orchestrator
// knows whether the call may be retried.
type Classifier func(provider string, err error) *engine.EngineError

// DefaultClassifier passes engine errors through and treats everything else
// as transient, except ErrInstanceNotFound.
func DefaultClassifier(provider string, err error) *engine.EngineError {
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		return ee
	}
	if errors.Is(err, ErrInstanceNotFound) {
		return engine.NewCloudProviderError(engine.ErrorClassPermanent, provider, err)
	}
	return engine.NewCloudProviderError(engine.ErrorClassTransient, provider, err)
}
