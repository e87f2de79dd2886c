package commands

import (
	"fmt"
	"os"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openherd/openherd/pkg/config"
	"github.com/openherd/openherd/pkg/drivers"
	"github.com/openherd/openherd/pkg/engine"
	"github.com/openherd/openherd/pkg/health"
	"github.com/openherd/openherd/pkg/policy"
	"github.com/openherd/openherd/pkg/profile"
	"github.com/openherd/openherd/pkg/telemetry"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control plane",
		Long: `Run the control plane: migrate the store, start the dispatcher
workers, the lock reaper, the health monitor, and the policy loader.

Backends are selected per profile driver. The Hetzner Cloud driver is
registered when HCLOUD_TOKEN is set; the fake driver is always available
for development.`,
		Example: `  # Run with the default sqlite store
  herd serve

  # Run against a config file
  herd serve --config /etc/openherd/herd.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return runServe(cmd, cfg)
		},
	}
	return cmd
}

func runServe(cmd *cobra.Command, cfg *config.Config) error {
	ctx := cmd.Context()

	tel, err := telemetry.NewTelemetry(cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() { _ = tel.Shutdown(cmd.Context()) }()
	ctx = tel.WithContext(ctx)
	logger := tel.Logger.NewComponentLogger("serve").Zerolog()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	reg := drivers.NewRegistry()
	reg.Register("fake", drivers.NewFake())
	if token := os.Getenv("HCLOUD_TOKEN"); token != "" {
		reg.Register("hcloud", drivers.NewHCloud(hcloud.WithToken(token)))
		logger.Info().Msg("hcloud driver registered")
	}

	profiles, err := profile.NewValidator()
	if err != nil {
		return err
	}

	policyReg := policy.NewRegistry()
	pipeline := policy.NewPipeline(store, policyReg, tel)

	var admit engine.AdmissionChecker
	if cfg.Policy.AdmissionPath != "" {
		source, err := os.ReadFile(cfg.Policy.AdmissionPath)
		if err != nil {
			return fmt.Errorf("failed to read admission module: %w", err)
		}
		checker, err := policy.NewAdmission(string(source), logger)
		if err != nil {
			return err
		}
		admit = checker
	}

	graph := engine.NewGraph(store)
	locks := engine.NewLockManager(store, graph, cfg.Locks.Engine(), logger)
	svc := engine.NewService(store, profiles, admit, logger)
	dispatcher := engine.NewDispatcher(store, locks, graph, reg, pipeline, tel, cfg.Dispatcher.Engine())

	if err := tel.StartMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return dispatcher.Run(ctx) })
	g.Go(func() error { return locks.RunReaper(ctx) })

	if cfg.Policy.Dir != "" {
		loader := policy.NewLoader(cfg.Policy.Dir, store, policyReg, logger)
		if err := loader.Sync(ctx); err != nil {
			return err
		}
		g.Go(func() error { return loader.Watch(ctx) })
	}

	if cfg.Health.Enabled {
		mcfg := health.DefaultMonitorConfig()
		if cfg.Health.SweepInterval.Std() > 0 {
			mcfg.SweepInterval = cfg.Health.SweepInterval.Std()
		}
		if cfg.Health.FailuresBeforeRecovery > 0 {
			mcfg.FailuresBeforeRecovery = cfg.Health.FailuresBeforeRecovery
		}
		if cfg.Health.ProbeKeyPath != "" || cfg.Health.ProbeUser != "" {
			probe, err := health.NewProbe(health.ProbeConfig{
				User:    cfg.Health.ProbeUser,
				KeyPath: cfg.Health.ProbeKeyPath,
				Timeout: cfg.Health.ProbeTimeout.Std(),
			})
			if err != nil {
				return err
			}
			mcfg.Probe = probe
		}
		monitor := health.NewMonitor(store, svc, reg, tel, mcfg)
		g.Go(func() error { return monitor.Run(ctx) })
	}

	logger.Info().
		Str("store", cfg.Store.Backend).
		Int("workers", cfg.Dispatcher.Workers).
		Msg("control plane started")

	err = g.Wait()
	if err != nil && ctx.Err() != nil {
		// Cancellation is the normal shutdown path.
		return nil
	}
	return err
}
