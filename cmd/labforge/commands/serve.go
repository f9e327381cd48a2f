package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/labforge/labforge/pkg/config"
	"github.com/labforge/labforge/pkg/engine"
	"github.com/labforge/labforge/pkg/policy"
	"github.com/labforge/labforge/pkg/stores"
	"github.com/labforge/labforge/pkg/telemetry"
)

func newServeCommand() *cobra.Command {
	var watchConfig bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator",
		Long: `Run the orchestrator: the callback listener providers report to, the
scheduler tick and the metrics endpoint.

The database is migrated on start. When --watch-config is set (the default)
quota limits are reloaded whenever the config file changes.`,
		Example: `  # Run with ./labforge.yaml
  labforge serve

  # Run with an explicit config and no hot reload
  labforge serve -c /etc/labforge/labforge.yaml --watch-config=false`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := loadConfig()
			if err != nil {
				return err
			}
			if !watchConfig {
				path = ""
			}

			srv, err := newServer(cmd.Context(), cfg, path)
			if err != nil {
				return err
			}
			return srv.run(cmd.Context())
		},
	}

	cmd.Flags().BoolVar(&watchConfig, "watch-config", true, "reload quota limits when the config file changes")

	return cmd
}

// server is one running orchestrator process.
type server struct {
	cfg      *config.Config
	tel      *telemetry.Telemetry
	logger   zerolog.Logger
	store    *stores.SQLiteStore
	policy   *policy.Engine
	adapters adapterSet
	engine   *engine.Engine
	listener net.Listener
	http     *http.Server
}

// newServer wires every component. watchPath, when set, is watched for quota
// changes once run starts.
func newServer(ctx context.Context, cfg *config.Config, watchPath string) (_ *server, err error) {
	s := &server{cfg: cfg}
	defer func() {
		if err != nil {
			s.close(context.Background())
		}
	}()

	if s.tel, err = telemetry.NewTelemetry(&cfg.Telemetry); err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	s.logger = s.tel.Logger.Zerolog()
	s.tel.LogEvents()

	if s.store, err = openStore(ctx, cfg, true); err != nil {
		return nil, err
	}

	if s.policy, err = policy.NewEngine(s.logger, cfg.Policy.Limits); err != nil {
		return nil, fmt.Errorf("failed to create policy engine: %w", err)
	}
	if len(cfg.Policy.Paths) > 0 {
		if cfg.Policy.Watch {
			err = s.policy.WatchPolicies(ctx, cfg.Policy.Paths)
		} else {
			err = s.policy.LoadPolicies(ctx, cfg.Policy.Paths)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load policies: %w", err)
		}
	}

	registry, adapters, err := buildAdapters(cfg, s.logger)
	if err != nil {
		return nil, err
	}
	s.adapters = adapters

	sched, err := cfg.Scheduler.Engine()
	if err != nil {
		return nil, err
	}
	s.engine, err = engine.New(engine.Options{
		Registry:        s.store,
		Adapters:        registry,
		Quota:           cfg.Quota,
		Policy:          s.policy,
		Events:          s.tel.Events,
		Logger:          s.logger,
		Metrics:         s.tel.Metrics,
		Tracer:          s.tel.Tracer,
		DispatchTimeout: cfg.Orchestrator.DispatchTimeout,
		MaxRetries:      cfg.Orchestrator.MaxRetries,
		RetryInterval:   cfg.Orchestrator.RetryInitialInterval,
		KeyTaskTimeout:  cfg.Orchestrator.KeyTaskTimeout,
		Scheduler:       sched,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	s.adapters.bind(s.engine.Ingress)

	if watchPath != "" {
		if err := config.WatchQuota(ctx, watchPath, s.logger, s.engine.Quota.SetLimits); err != nil {
			return nil, err
		}
	}

	if s.listener, err = net.Listen("tcp", cfg.Server.ListenAddress); err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.Server.ListenAddress, err)
	}
	s.http = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/callbacks/", s.engine.Ingress.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := s.store.HealthCheck(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}

// addr is the address callbacks are accepted on.
func (s *server) addr() string {
	return s.listener.Addr().String()
}

// run serves until ctx is done or a listener fails, then shuts down.
func (s *server) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info().Str("address", s.addr()).Msg("Callback listener started")
		if err := s.http.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("callback listener failed: %w", err)
		}
		return nil
	})

	metricsErr := s.tel.Metrics.StartMetricsServer()
	g.Go(func() error {
		select {
		case err, ok := <-metricsErr:
			if ok && err != nil {
				return fmt.Errorf("metrics server failed: %w", err)
			}
			<-gctx.Done()
		case <-gctx.Done():
		}
		return nil
	})

	g.Go(func() error {
		if err := s.engine.Scheduler.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		timeout := s.cfg.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		s.close(shutdownCtx)
		return nil
	})

	err := g.Wait()
	s.logger.Info().Msg("Orchestrator stopped")
	return err
}

// close releases everything newServer acquired, in reverse order. Safe on
// a partially built server.
func (s *server) close(ctx context.Context) {
	log := s.logger
	if s.http != nil {
		if err := s.http.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("Callback listener did not shut down cleanly")
		}
	} else if s.listener != nil {
		_ = s.listener.Close()
	}
	// Abandoned provider watches are left to the dispatch timeout.
	if err := s.adapters.close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close providers")
	}
	if s.engine != nil {
		s.engine.Wait()
	}
	if s.tel != nil {
		if err := s.tel.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to shut down telemetry")
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close store")
		}
	}
}
