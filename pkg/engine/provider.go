package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ProviderAdapter is the contract every cloud integration implements.
// Calls only acknowledge that the provider accepted the request; the outcome
// arrives later through the CallbackSink the adapter was built with.
// A returned error means the provider rejected the request synchronously and
// no callback will follow.
type ProviderAdapter interface {
	// Name returns the provider identifier used in ResourceRecord.Provider.
	Name() string

	Create(ctx context.Context, req ActionRequest) (*AsyncHandle, error)
	Start(ctx context.Context, req ActionRequest) (*AsyncHandle, error)
	Stop(ctx context.Context, req ActionRequest) (*AsyncHandle, error)
	Terminate(ctx context.Context, req ActionRequest) (*AsyncHandle, error)

	// ReuploadKey installs a public key on a running resource.
	ReuploadKey(ctx context.Context, req KeyRequest) (*AsyncHandle, error)
}

// ActionRequest identifies the record, action and sequence a callback must echo.
type ActionRequest struct {
	ResourceID string       `json:"resource_id"`
	Sequence   int64        `json:"sequence"`
	Action     Action       `json:"action"`
	Type       ResourceType `json:"type"`
	Name       string       `json:"name"`
	Owner      string       `json:"owner"`
	Project    string       `json:"project"`
	Endpoint   string       `json:"endpoint,omitempty"`
	CloudRef   string       `json:"cloud_ref,omitempty"`
	Spec       ResourceSpec `json:"spec"`
}

// KeyRequest asks a provider to install KeyContent on one resource.
type KeyRequest struct {
	TaskID     string       `json:"task_id"`
	ResourceID string       `json:"resource_id"`
	Type       ResourceType `json:"type"`
	CloudRef   string       `json:"cloud_ref,omitempty"`
	Host       string       `json:"host,omitempty"`
	KeyContent string       `json:"key_content"`
}

// AsyncHandle acknowledges an accepted provider request.
type AsyncHandle struct {
	ID         string    `json:"id"`
	ResourceID string    `json:"resource_id"`
	Sequence   int64     `json:"sequence"`
	AcceptedAt time.Time `json:"accepted_at"`
}

// Callback is a provider's asynchronous report on a dispatched action.
type Callback struct {
	ResourceID string           `json:"resource_id"`
	Sequence   int64            `json:"sequence"`
	Status     CallbackStatus   `json:"status"`
	Error      string           `json:"error_message,omitempty"`
	Payload    *CallbackPayload `json:"payload,omitempty"`
}

// CallbackPayload carries what the provider learned about the resource.
type CallbackPayload struct {
	CloudRef  string       `json:"cloud_ref,omitempty"`
	Network   *NetworkInfo `json:"network,omitempty"`
	Libraries []Library    `json:"libraries,omitempty"`
}

// KeyCallback reports the outcome of a ReuploadKey call on one resource.
type KeyCallback struct {
	TaskID     string         `json:"task_id"`
	ResourceID string         `json:"resource_id"`
	Status     CallbackStatus `json:"status"`
	Error      string         `json:"error_message,omitempty"`
}

// CallbackSink accepts provider callbacks. Delivery never fails from the
// provider's point of view; invalid callbacks are logged and dropped.
type CallbackSink interface {
	Deliver(ctx context.Context, cb Callback)
	DeliverKey(ctx context.Context, cb KeyCallback)
}

// RateLimit throttles calls to one provider.
type RateLimit struct {
	PerSecond float64 `json:"per_second" yaml:"per_second" mapstructure:"per_second"`
	Burst     int     `json:"burst" yaml:"burst" mapstructure:"burst"`
}

type registeredAdapter struct {
	adapter ProviderAdapter
	limiter *rate.Limiter
}

// AdapterRegistry maps provider identifiers to adapters.
type AdapterRegistry struct {
	mu       sync.RWMutex
	adapters map[string]*registeredAdapter
}

// NewAdapterRegistry creates an empty adapter registry.
func NewAdapterRegistry() *AdapterRegistry {
	return &AdapterRegistry{adapters: make(map[string]*registeredAdapter)}
}

// Register adds an adapter under its Name. A zero limit disables throttling.
func (r *AdapterRegistry) Register(adapter ProviderAdapter, limit RateLimit) error {
	name := adapter.Name()
	if name == "" {
		return fmt.Errorf("adapter has no name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.adapters[name]; exists {
		return fmt.Errorf("provider %s already registered", name)
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if limit.PerSecond > 0 {
		burst := limit.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(limit.PerSecond), burst)
	}

	r.adapters[name] = &registeredAdapter{adapter: adapter, limiter: limiter}
	return nil
}

// Get returns the adapter registered for name.
func (r *AdapterRegistry) Get(name string) (ProviderAdapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ra, ok := r.adapters[name]
	if !ok {
		return nil, NewNotFoundError("provider", name)
	}
	return ra.adapter, nil
}

// Has reports whether name is registered.
func (r *AdapterRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.adapters[name]
	return ok
}

// Wait blocks until the provider's rate limiter admits one call.
func (r *AdapterRegistry) Wait(ctx context.Context, name string) error {
	r.mu.RLock()
	ra, ok := r.adapters[name]
	r.mu.RUnlock()
	if !ok {
		return NewNotFoundError("provider", name)
	}
	return ra.limiter.Wait(ctx)
}

// Names returns the registered provider identifiers, sorted.
func (r *AdapterRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// invoke calls the adapter method matching action.
func invoke(ctx context.Context, adapter ProviderAdapter, req ActionRequest) (*AsyncHandle, error) {
	switch req.Action {
	case ActionCreate:
		return adapter.Create(ctx, req)
	case ActionStart:
		return adapter.Start(ctx, req)
	case ActionStop:
		return adapter.Stop(ctx, req)
	case ActionTerminate:
		return adapter.Terminate(ctx, req)
	default:
		return nil, NewValidationError("unknown action %q", req.Action)
	}
}
