// Package openstack provisions resources as Nova servers.
package openstack

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strconv"

	"github.com/gophercloud/gophercloud"
	"github.com/gophercloud/gophercloud/openstack"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/extensions/keypairs"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/extensions/startstop"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/servers"
	"github.com/rs/zerolog"

	"github.com/labforge/labforge/pkg/engine"
	"github.com/labforge/labforge/pkg/providers"
)

// New authenticates from the OS_* environment and returns the adapter.
// keys may be nil, in which case key rotation is refused.
func New(cfg Config, keys providers.KeyInstaller, logger zerolog.Logger) (*providers.Adapter, error) {
	opts, err := openstack.AuthOptionsFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to get auth options from env: %w", err)
	}

	provider, err := openstack.AuthenticatedClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to get authenticated client: %w", err)
	}

	region := cfg.Region
	if region == "" {
		region = os.Getenv("OS_REGION_NAME")
	}
	client, err := openstack.NewComputeV2(provider, gophercloud.EndpointOpts{Region: region})
	if err != nil {
		return nil, fmt.Errorf("failed to get compute client: %w", err)
	}

	return NewWithClient(cfg, client, keys, logger)
}

// NewWithClient builds the adapter on an existing compute client.
func NewWithClient(cfg Config, client *gophercloud.ServiceClient, keys providers.KeyInstaller, logger zerolog.Logger) (*providers.Adapter, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return providers.NewAdapter(providers.Options{
		Name:         cfg.Name,
		Compute:      &Compute{client: client, config: cfg},
		Keys:         keys,
		Classify:     Classify,
		PollInterval: cfg.PollInterval,
		PollTimeout:  cfg.PollTimeout,
		Logger:       logger,
	})
}

// Compute drives Nova through gophercloud.
type Compute struct {
	client *gophercloud.ServiceClient
	config Config
}

var _ providers.Compute = (*Compute)(nil)

// Launch creates one server tagged with the record it belongs to.
func (c *Compute) Launch(_ context.Context, req engine.ActionRequest) (string, error) {
	image := req.Spec.Image
	if image == "" {
		image = c.config.Image
	}
	flavor := req.Spec.Shape
	if flavor == "" {
		flavor = c.config.Flavor
	}
	if image == "" || flavor == "" {
		return "", engine.NewValidationError("openstack needs an image and a flavor for %s", req.ResourceID)
	}

	name := fmt.Sprintf("labforge-%s-%s", req.Project, req.Name)
	opts := servers.CreateOpts{
		Name:           name,
		ImageRef:       image,
		FlavorRef:      flavor,
		SecurityGroups: c.config.SecurityGroups,
		Metadata: map[string]string{
			"labforge-resource": req.ResourceID,
			"labforge-type":     string(req.Type),
			"labforge-project":  req.Project,
			"labforge-owner":    req.Owner,
			"labforge-sequence": strconv.FormatInt(req.Sequence, 10),
		},
	}
	if nets := c.config.networks(); len(nets) > 0 {
		opts.Networks = nets
	}

	var builder servers.CreateOptsBuilder = opts
	if c.config.KeyName != "" {
		builder = keypairs.CreateOptsExt{CreateOptsBuilder: opts, KeyName: c.config.KeyName}
	}

	server, err := servers.Create(c.client, builder).Extract()
	if err != nil {
		return "", fmt.Errorf("failed to create server '%s': %w", name, err)
	}
	return server.ID, nil
}

// Start implements providers.Compute.
func (c *Compute) Start(_ context.Context, id string) error {
	return notFound(id, startstop.Start(c.client, id).ExtractErr())
}

// Stop implements providers.Compute.
func (c *Compute) Stop(_ context.Context, id string) error {
	return notFound(id, startstop.Stop(c.client, id).ExtractErr())
}

// Delete implements providers.Compute.
func (c *Compute) Delete(_ context.Context, id string) error {
	return notFound(id, servers.Delete(c.client, id).ExtractErr())
}

// Describe implements providers.Compute.
func (c *Compute) Describe(_ context.Context, id string) (*providers.Instance, error) {
	server, err := servers.Get(c.client, id).Extract()
	if err != nil {
		return nil, notFound(id, err)
	}
	return &providers.Instance{
		ID:      server.ID,
		State:   serverState(server.Status),
		Network: networkInfo(server),
		Fault:   server.Fault.Message,
	}, nil
}

// serverState maps a Nova status onto the provider-neutral states.
func serverState(status string) providers.InstanceState {
	switch status {
	case "ACTIVE":
		return providers.StateRunning
	case "SHUTOFF", "STOPPED", "SUSPENDED":
		return providers.StateStopped
	case "DELETED", "SOFT_DELETED":
		return providers.StateDeleted
	case "ERROR":
		return providers.StateError
	default:
		return providers.StatePending
	}
}

// networkInfo picks the first fixed and floating IPv4 addresses, walking
// networks in name order.
func networkInfo(server *servers.Server) engine.NetworkInfo {
	info := engine.NetworkInfo{Hostname: server.Name}

	names := make([]string, 0, len(server.Addresses))
	for name := range server.Addresses {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		addrs, _ := server.Addresses[name].([]interface{})
		for _, raw := range addrs {
			addr, _ := raw.(map[string]interface{})
			ip, _ := addr["addr"].(string)
			if version, _ := addr["version"].(float64); version != 4 || ip == "" {
				continue
			}
			switch kind, _ := addr["OS-EXT-IPS:type"].(string); kind {
			case "floating":
				if info.PublicIP == "" {
					info.PublicIP = ip
				}
			default:
				if info.PrivateIP == "" {
					info.PrivateIP = ip
					info.SubnetID = name
				}
			}
		}
	}
	return info
}

// Classify maps gophercloud errors by HTTP status.
func Classify(provider string, err error) *engine.EngineError {
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		return ee
	}
	class := engine.ErrorClassTransient
	var sce gophercloud.StatusCodeError
	switch {
	case errors.Is(err, providers.ErrInstanceNotFound):
		class = engine.ErrorClassPermanent
	case errors.As(err, &sce):
		switch code := sce.GetStatusCode(); {
		case code == http.StatusTooManyRequests:
			class = engine.ErrorClassThrottled
		case code == http.StatusConflict:
			class = engine.ErrorClassConflict
		case code == http.StatusRequestTimeout || code >= 500:
			class = engine.ErrorClassTransient
		default:
			class = engine.ErrorClassPermanent
		}
	}
	return engine.NewCloudProviderError(class, provider, err)
}

func notFound(id string, err error) error {
	var sce gophercloud.StatusCodeError
	if errors.As(err, &sce) && sce.GetStatusCode() == http.StatusNotFound {
		return fmt.Errorf("server %s: %w", id, providers.ErrInstanceNotFound)
	}
	return err
}
