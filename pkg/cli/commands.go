package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/docent-net/cluster-rolling-upgrader/pkg/maintenance"
	"github.com/docent-net/cluster-rolling-upgrader/pkg/metrics"
	"github.com/docent-net/cluster-rolling-upgrader/pkg/planner"
)

func newPlanCommand(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Print the balancing plan for the current cluster state without changing anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := rt.balancePlan(cmd)
			return err
		},
	}
}

func newBalanceCommand(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "balance",
		Short: "Compute a balancing plan and execute it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			plan, err := rt.balancePlan(cmd)
			if err != nil {
				return err
			}
			if plan.IsEmpty() {
				return nil
			}

			report, err := rt.orchestrator.Run(cmd.Context(), plan, rt.cfg.Migration.Confirm)
			if rerr := renderReport(cmd.OutOrStdout(), report); rerr != nil {
				slog.Warn("Failed to render report", "err", rerr)
			}
			return err
		},
	}
}

// balancePlan reads the cluster, plans and prints the plan with its expected effect.
func (r *runtime) balancePlan(cmd *cobra.Command) (*planner.MigrationPlan, error) {
	state, err := r.reader.ReadState(cmd.Context())
	if err != nil {
		return nil, err
	}
	plan, err := r.planner.Plan(state, r.excluded, r.cfg.Balance.MaxMoves)
	if err != nil {
		return nil, err
	}
	after, err := planner.Apply(state, plan)
	if err != nil {
		return nil, fmt.Errorf("plan does not apply cleanly: %w", err)
	}

	before := r.planner.Spread(state, r.excluded)
	metrics.ClusterSpread.Set(before)
	metrics.PlansComputed.WithLabelValues(string(plan.Mode)).Inc()
	metrics.PlannedMoves.WithLabelValues(string(plan.Mode)).Add(float64(len(plan.Moves)))

	out := cmd.OutOrStdout()
	if err := renderNodes(out, state, after, r.planner.Metric); err != nil {
		return nil, err
	}
	fmt.Fprintf(out, "Spread: %.3f -> %.3f (threshold %.3f)\n", before, r.planner.Spread(after, r.excluded), r.planner.Threshold)
	if plan.IsEmpty() {
		fmt.Fprintln(out, "Cluster is balanced, nothing to do.")
		return plan, nil
	}
	if err := renderPlan(out, plan); err != nil {
		return nil, err
	}
	return plan, nil
}

func newEvacuateCommand(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "evacuate NODE",
		Short: "Live-migrate every running workload off a node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			node := args[0]
			state, err := rt.reader.ReadState(cmd.Context())
			if err != nil {
				return err
			}
			plan, err := rt.planner.PlanEvacuation(state, node, rt.excluded)
			if err != nil {
				var infeasible *planner.InfeasibleError
				if errors.As(err, &infeasible) {
					_ = renderUnplaceable(cmd.OutOrStdout(), infeasible)
				}
				return err
			}
			metrics.PlansComputed.WithLabelValues(string(plan.Mode)).Inc()
			metrics.PlannedMoves.WithLabelValues(string(plan.Mode)).Add(float64(len(plan.Moves)))

			out := cmd.OutOrStdout()
			if plan.IsEmpty() {
				fmt.Fprintf(out, "Node %s has no running workloads.\n", node)
				return nil
			}
			if err := renderPlan(out, plan); err != nil {
				return err
			}
			report, err := rt.orchestrator.Run(cmd.Context(), plan, rt.cfg.Migration.Confirm)
			if rerr := renderReport(out, report); rerr != nil {
				slog.Warn("Failed to render report", "err", rerr)
			}
			return err
		},
	}
}

func newUpgradeCommand(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "upgrade NODE...",
		Short: "Evacuate, upgrade, reboot and health-check nodes one at a time",
		Long: "Runs a maintenance session per node, in the order given. The first aborted session " +
			"stops the run; later nodes are left untouched.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := rt.machine()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for i, node := range args {
				s, err := m.Run(cmd.Context(), node)
				if rerr := renderSession(out, s); rerr != nil {
					slog.Warn("Failed to render session", "node", node, "err", rerr)
				}
				if s.State == maintenance.StateAborted {
					if rest := args[i+1:]; len(rest) > 0 {
						fmt.Fprintf(out, "Not started: %s\n", strings.Join(rest, ", "))
					}
					return fmt.Errorf("maintenance of node %s aborted: %w", node, err)
				}
			}
			return nil
		},
	}
}

func newVersionCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		// No config needed.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "Version: %s\n", version)
		},
	}
}
