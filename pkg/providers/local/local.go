// Package local is an in-process provider for development and tests.
// Instances exist only in memory and settle after a fixed delay; keys are
// recorded instead of installed.
package local

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/labforge/labforge/pkg/engine"
	"github.com/labforge/labforge/pkg/providers"
)

// DefaultName is the provider id records use for this adapter.
const DefaultName = "local"

// Config configures the simulated cloud.
type Config struct {
	Name string `mapstructure:"name" yaml:"name"`

	// Delay is how long every action takes to settle.
	Delay time.Duration `mapstructure:"delay" yaml:"delay"`

	// PollInterval is how often the adapter checks on an action.
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`

	// Subnet is the IPv4 /24 private addresses are drawn from.
	Subnet string `mapstructure:"subnet" yaml:"subnet"`
}

// DefaultConfig returns a two second cloud on 10.42.0.0/24.
func DefaultConfig() Config {
	return Config{
		Name:         DefaultName,
		Delay:        2 * time.Second,
		PollInterval: 250 * time.Millisecond,
		Subnet:       "10.42.0.0/24",
	}
}

// Provider is the local adapter together with its simulated cloud.
type Provider struct {
	*providers.Adapter
	cloud *Cloud
}

// New creates the adapter. clk may be nil.
func New(cfg Config, clk clock.Clock, logger zerolog.Logger) (*Provider, error) {
	def := DefaultConfig()
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.Delay < 0 {
		return nil, fmt.Errorf("delay must not be negative")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.Subnet == "" {
		cfg.Subnet = def.Subnet
	}
	if clk == nil {
		clk = clock.New()
	}

	cloud, err := NewCloud(cfg.Subnet, cfg.Delay, clk)
	if err != nil {
		return nil, err
	}
	adapter, err := providers.NewAdapter(providers.Options{
		Name:         cfg.Name,
		Compute:      cloud,
		Keys:         cloud,
		PollInterval: cfg.PollInterval,
		PollTimeout:  cfg.Delay + time.Minute,
		Clock:        clk,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}
	return &Provider{Adapter: adapter, cloud: cloud}, nil
}

// Cloud exposes the simulated cloud for inspection and fault injection.
func (p *Provider) Cloud() *Cloud {
	return p.cloud
}

type instance struct {
	providers.Instance
	target  providers.InstanceState
	readyAt time.Time
	fault   string
}

// Cloud is an in-memory Compute and KeyInstaller.
type Cloud struct {
	mu        sync.Mutex
	clock     clock.Clock
	delay     time.Duration
	prefix    net.IP
	nextHost  int
	instances map[string]*instance
	keys      map[string]string
	reject    error
	fail      string
}

var (
	_ providers.Compute      = (*Cloud)(nil)
	_ providers.KeyInstaller = (*Cloud)(nil)
)

// NewCloud creates an empty cloud handing out addresses from subnet.
func NewCloud(subnet string, delay time.Duration, clk clock.Clock) (*Cloud, error) {
	_, ipnet, err := net.ParseCIDR(subnet)
	if err != nil {
		return nil, fmt.Errorf("invalid subnet %q: %w", subnet, err)
	}
	prefix := ipnet.IP.To4()
	if ones, _ := ipnet.Mask.Size(); prefix == nil || ones != 24 {
		return nil, fmt.Errorf("subnet %q must be an IPv4 /24", subnet)
	}
	return &Cloud{
		clock:     clk,
		delay:     delay,
		prefix:    prefix,
		instances: make(map[string]*instance),
		keys:      make(map[string]string),
	}, nil
}

// RejectNext makes the next Launch, Start, Stop or Delete fail with err.
func (c *Cloud) RejectNext(err error) {
	c.mu.Lock()
	c.reject = err
	c.mu.Unlock()
}

// FailNext makes the next accepted action end in the error state with fault.
func (c *Cloud) FailNext(fault string) {
	c.mu.Lock()
	c.fail = fault
	c.mu.Unlock()
}

// Instances returns the live instances ordered by id.
func (c *Cloud) Instances() []providers.Instance {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]providers.Instance, 0, len(c.instances))
	for _, inst := range c.instances {
		c.settle(inst)
		out = append(out, inst.Instance)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AuthorizedKey returns the key last installed on host.
func (c *Cloud) AuthorizedKey(host string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key, ok := c.keys[host]
	return key, ok
}

// Launch implements providers.Compute.
func (c *Cloud) Launch(_ context.Context, req engine.ActionRequest) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.takeReject(); err != nil {
		return "", err
	}
	if c.nextHost >= 253 {
		return "", errors.New("subnet exhausted")
	}
	c.nextHost++
	ip := make(net.IP, 4)
	copy(ip, c.prefix)
	ip[3] = byte(c.nextHost + 1)

	id := "local-" + uuid.New().String()
	name := req.Name
	if name == "" {
		name = req.ResourceID
	}
	inst := &instance{
		Instance: providers.Instance{
			ID:    id,
			State: providers.StatePending,
			Network: engine.NetworkInfo{
				PrivateIP: ip.String(),
				Hostname:  name + "." + req.Project + ".local",
				SubnetID:  c.prefix.String() + "/24",
			},
		},
	}
	c.instances[id] = inst
	c.begin(inst, providers.StateRunning)
	return id, nil
}

// Start implements providers.Compute.
func (c *Cloud) Start(_ context.Context, id string) error {
	return c.transition(id, providers.StateStopped, providers.StatePending, providers.StateRunning)
}

// Stop implements providers.Compute.
func (c *Cloud) Stop(_ context.Context, id string) error {
	return c.transition(id, providers.StateRunning, providers.StateStopping, providers.StateStopped)
}

// Delete implements providers.Compute.
func (c *Cloud) Delete(_ context.Context, id string) error {
	return c.transition(id, "", providers.StateDeleting, providers.StateDeleted)
}

// Describe implements providers.Compute. Deleted instances are not found.
func (c *Cloud) Describe(_ context.Context, id string) (*providers.Instance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	inst, ok := c.instances[id]
	if !ok {
		return nil, providers.ErrInstanceNotFound
	}
	c.settle(inst)
	if inst.State == providers.StateDeleted {
		delete(c.instances, id)
		return nil, providers.ErrInstanceNotFound
	}
	out := inst.Instance
	return &out, nil
}

// Install implements providers.KeyInstaller.
func (c *Cloud) Install(_ context.Context, host, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, inst := range c.instances {
		c.settle(inst)
		if inst.State == providers.StateRunning &&
			(inst.Network.PrivateIP == host || inst.Network.Hostname == host) {
			c.keys[host] = key
			return nil
		}
	}
	return fmt.Errorf("no running instance at %s", host)
}

// transition moves id from state from (any state when empty) into via,
// settling on target after the delay.
func (c *Cloud) transition(id string, from, via, target providers.InstanceState) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.takeReject(); err != nil {
		return err
	}
	inst, ok := c.instances[id]
	if !ok {
		return providers.ErrInstanceNotFound
	}
	c.settle(inst)
	if from != "" && inst.State != from {
		return fmt.Errorf("instance %s is %s, not %s", id, inst.State, from)
	}
	inst.State = via
	c.begin(inst, target)
	return nil
}

func (c *Cloud) begin(inst *instance, target providers.InstanceState) {
	inst.target = target
	inst.readyAt = c.clock.Now().Add(c.delay)
	inst.fault, c.fail = c.fail, ""
}

func (c *Cloud) settle(inst *instance) {
	if inst.target == "" || c.clock.Now().Before(inst.readyAt) {
		return
	}
	if inst.fault != "" {
		inst.State = providers.StateError
		inst.Fault = inst.fault
	} else {
		inst.State = inst.target
	}
	inst.target = ""
}

func (c *Cloud) takeReject() error {
	err := c.reject
	c.reject = nil
	return err
}
