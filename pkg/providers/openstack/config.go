package openstack

import (
	"fmt"
	"time"

	"github.com/gophercloud/gophercloud/openstack/compute/v2/servers"
	"github.com/samber/lo"
)

// Config describes one OpenStack cloud. Credentials come from the usual
// OS_* environment variables.
type Config struct {
	Name   string `mapstructure:"name" yaml:"name"`
	Region string `mapstructure:"region" yaml:"region"`

	// Image and Flavor are used when a request does not name its own.
	Image  string `mapstructure:"image" yaml:"image"`
	Flavor string `mapstructure:"flavor" yaml:"flavor"`

	// Networks lists network UUIDs every server is attached to.
	Networks       []string `mapstructure:"networks" yaml:"networks"`
	SecurityGroups []string `mapstructure:"security_groups" yaml:"security_groups"`

	// KeyName is an existing keypair injected into new servers.
	KeyName string `mapstructure:"key_name" yaml:"key_name"`

	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	PollTimeout  time.Duration `mapstructure:"poll_timeout" yaml:"poll_timeout"`
}

// DefaultName is the provider id used when Config.Name is empty.
const DefaultName = "openstack"

func (c *Config) validate() error {
	if c.Name == "" {
		c.Name = DefaultName
	}
	if c.PollInterval < 0 || c.PollTimeout < 0 {
		return fmt.Errorf("poll settings must not be negative")
	}
	return nil
}

func (c *Config) networks() []servers.Network {
	return lo.Map(c.Networks, func(id string, _ int) servers.Network {
		return servers.Network{UUID: id}
	})
}
