package commands

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/labforge/labforge/pkg/config"
	"github.com/labforge/labforge/pkg/engine"
	"github.com/labforge/labforge/pkg/providers"
	"github.com/labforge/labforge/pkg/providers/aws"
	"github.com/labforge/labforge/pkg/providers/local"
	"github.com/labforge/labforge/pkg/providers/openstack"
	"github.com/labforge/labforge/pkg/transports/ssh"
)

// boundAdapter is a provider adapter whose callbacks are routed after the
// engine exists.
type boundAdapter interface {
	engine.ProviderAdapter
	Bind(sink engine.CallbackSink)
	Close() error
}

type adapterSet []boundAdapter

func (s adapterSet) bind(sink engine.CallbackSink) {
	for _, a := range s {
		a.Bind(sink)
	}
}

func (s adapterSet) close() error {
	var errs []error
	for _, a := range s {
		errs = append(errs, a.Close())
	}
	return errors.Join(errs...)
}

// buildAdapters creates one adapter per configured provider and registers
// it with its rate limit.
func buildAdapters(cfg *config.Config, logger zerolog.Logger) (*engine.AdapterRegistry, adapterSet, error) {
	registry := engine.NewAdapterRegistry()
	var set adapterSet

	var keys providers.KeyInstaller
	for _, p := range cfg.Providers {
		var (
			adapter boundAdapter
			err     error
		)
		switch p.Kind {
		case config.KindLocal:
			lc := p.Local
			lc.Name = p.Name()
			adapter, err = local.New(lc, nil, logger)
		case config.KindOpenStack:
			if keys == nil {
				keys = ssh.NewKeyInstaller(&cfg.SSH.Config, cfg.SSH.AuthorizedKeysPath)
			}
			oc := p.OpenStack
			oc.Name = p.Name()
			adapter, err = openstack.New(oc, keys, logger)
		case config.KindAWS:
			if keys == nil {
				keys = ssh.NewKeyInstaller(&cfg.SSH.Config, cfg.SSH.AuthorizedKeysPath)
			}
			ac := p.AWS
			ac.Name = p.Name()
			adapter, err = aws.New(ac, keys, logger)
		default:
			err = fmt.Errorf("unknown provider kind %q", p.Kind)
		}
		if err != nil {
			_ = set.close()
			return nil, nil, fmt.Errorf("failed to create provider %s: %w", p.Name(), err)
		}

		if err := registry.Register(adapter, p.RateLimit); err != nil {
			_ = adapter.Close()
			_ = set.close()
			return nil, nil, err
		}
		set = append(set, adapter)
		logger.Info().Str("provider", p.Name()).Str("kind", p.Kind).Msg("Provider registered")
	}
	return registry, set, nil
}
