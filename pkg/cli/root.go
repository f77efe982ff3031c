// Package cli wires the planner, orchestrator and maintenance machine into the command line.
package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/docent-net/cluster-rolling-upgrader/pkg/cluster"
	"github.com/docent-net/cluster-rolling-upgrader/pkg/config"
	"github.com/docent-net/cluster-rolling-upgrader/pkg/maintenance"
	"github.com/docent-net/cluster-rolling-upgrader/pkg/metrics"
	"github.com/docent-net/cluster-rolling-upgrader/pkg/migration"
	"github.com/docent-net/cluster-rolling-upgrader/pkg/notify"
	"github.com/docent-net/cluster-rolling-upgrader/pkg/planner"
	"github.com/docent-net/cluster-rolling-upgrader/pkg/proxmox"
	"github.com/docent-net/cluster-rolling-upgrader/pkg/tracing"
	"github.com/docent-net/cluster-rolling-upgrader/pkg/upgrade"
)

const serviceName = "cluster-rolling-upgrader"

// RootOption replaces a collaborator that is otherwise built from the config.
type RootOption func(*overrides)

type overrides struct {
	api      cluster.API
	upgrader upgrade.PackageUpgrader
	notifier notify.Notifier
	prompt   migration.ConfirmationPrompt
}

func WithAPI(api cluster.API) RootOption {
	return func(o *overrides) { o.api = api }
}

func WithUpgrader(u upgrade.PackageUpgrader) RootOption {
	return func(o *overrides) { o.upgrader = u }
}

func WithNotifier(n notify.Notifier) RootOption {
	return func(o *overrides) { o.notifier = n }
}

func WithPrompt(p migration.ConfirmationPrompt) RootOption {
	return func(o *overrides) { o.prompt = p }
}

// runtime is everything a command needs, built once per invocation.
type runtime struct {
	cfg          *config.Config
	api          cluster.API
	reader       *cluster.Reader
	planner      *planner.Planner
	excluded     sets.Set[string]
	orchestrator *migration.Orchestrator
	ovr          overrides
}

// machine builds the maintenance machine. The upgrader and notifier are only created here, so
// commands that never upgrade a node need neither SSH keys nor a bot token.
func (r *runtime) machine() (*maintenance.Machine, error) {
	up := r.ovr.upgrader
	if up == nil {
		var err error
		if up, err = upgrade.NewFromConfig(r.cfg); err != nil {
			return nil, fmt.Errorf("creating upgrader: %w", err)
		}
	}

	n := r.ovr.notifier
	if n == nil {
		var err error
		if n, err = notify.NewFromConfig(r.cfg); err != nil {
			return nil, fmt.Errorf("creating notifier: %w", err)
		}
	}

	return maintenance.NewMachine(r.reader, r.api, r.planner, r.orchestrator, up,
		maintenance.WithConfirm(r.cfg.Migration.Confirm),
		maintenance.WithUpgradeMode(upgrade.Mode(r.cfg.Maintenance.UpgradeMode), r.cfg.Maintenance.Autoremove),
		maintenance.WithRebootTimeout(r.cfg.Maintenance.RebootTimeout, r.cfg.Maintenance.RebootPollInterval),
		maintenance.WithDryRun(r.cfg.DryRun),
		maintenance.WithNotifier(n),
	), nil
}

func NewRootCommand(version string, opts ...RootOption) *cobra.Command {
	var (
		options Options
		ovr     overrides
		rt      runtime
	)
	for _, opt := range opts {
		opt(&ovr)
	}

	root := &cobra.Command{
		Use:           serviceName,
		Short:         "Balance a Proxmox VE cluster and upgrade its nodes one at a time without downtime",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := options.loadConfig(cmd.Flags())
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			setupLogging(cmd, cfg.LogLevel)
			slog.Info("Starting "+serviceName, "version", version, "command", cmd.Name(), "dryRun", cfg.DryRun)

			if cfg.Tracing.Enabled {
				if err := tracing.Init(serviceName); err != nil {
					return fmt.Errorf("initializing tracing: %w", err)
				}
			}
			metrics.Init(cfg.Metrics.ListenAddr)

			built, err := build(cfg, ovr)
			if err != nil {
				return err
			}
			rt = *built
			return nil
		},
	}
	options.AddFlags(root.PersistentFlags())

	root.AddCommand(
		newPlanCommand(&rt),
		newBalanceCommand(&rt),
		newEvacuateCommand(&rt),
		newUpgradeCommand(&rt),
		newVersionCommand(version),
	)
	return root
}

func build(cfg *config.Config, ovr overrides) (*runtime, error) {
	api := ovr.api
	if api == nil {
		client, err := proxmox.NewFromConfig(cfg)
		if err != nil {
			return nil, fmt.Errorf("creating proxmox client: %w", err)
		}
		api = client
	}
	if cfg.DryRun {
		api = cluster.NewDryRunAPI(api)
	}

	metric, err := planner.MetricFromName(cfg.Balance.Metric, cfg.Balance.CPUWeight, cfg.Balance.MemoryWeight)
	if err != nil {
		return nil, err
	}

	prompt := ovr.prompt
	if prompt == nil {
		prompt = migration.SurveyPrompt{}
	}

	excluded := sets.New(cfg.Balance.ExcludedNodes...)
	reader := cluster.NewReader(api)
	reader.ExcludedNodes = make(map[string]bool, excluded.Len())
	for id := range excluded {
		reader.ExcludedNodes[id] = true
	}

	exec := migration.NewExecutor(api, migration.WithPollInterval(cfg.Migration.PollInterval))
	return &runtime{
		cfg:          cfg,
		api:          api,
		reader:       reader,
		planner:      planner.New(planner.WithMetric(metric), planner.WithThreshold(*cfg.Balance.Threshold), planner.WithMaxMoves(cfg.Balance.MaxMoves)),
		excluded:     excluded,
		orchestrator: migration.NewOrchestrator(exec, prompt, cfg.Migration.Downtime(), cfg.Migration.Timeout),
		ovr:          ovr,
	}, nil
}

func setupLogging(cmd *cobra.Command, level string) {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	// stdout carries the tables
	slog.SetDefault(slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: l})))
}
