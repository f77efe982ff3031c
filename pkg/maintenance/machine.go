package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/utils/clock"

	"github.com/docent-net/cluster-rolling-upgrader/pkg/cluster"
	"github.com/docent-net/cluster-rolling-upgrader/pkg/metrics"
	"github.com/docent-net/cluster-rolling-upgrader/pkg/migration"
	"github.com/docent-net/cluster-rolling-upgrader/pkg/notify"
	"github.com/docent-net/cluster-rolling-upgrader/pkg/planner"
	"github.com/docent-net/cluster-rolling-upgrader/pkg/tracing"
	"github.com/docent-net/cluster-rolling-upgrader/pkg/upgrade"
)

const (
	DefaultRebootTimeout      = 15 * time.Minute
	DefaultRebootPollInterval = 10 * time.Second
)

// PlanRunner executes a migration plan. *migration.Orchestrator is the production implementation.
type PlanRunner interface {
	Run(ctx context.Context, plan *planner.MigrationPlan, confirm bool) (*migration.Report, error)
}

// Machine drives one node through precheck, evacuation, upgrade, reboot and health check.
//
// Callers must make sure at most one session is active in the cluster at a time; the machine does
// not lock anything.
type Machine struct {
	Reader   cluster.StateReader
	API      cluster.API
	Gate     Prechecker
	Planner  *planner.Planner
	Runner   PlanRunner
	Upgrader upgrade.PackageUpgrader
	Notifier notify.Notifier
	Clock    clock.PassiveClock

	Confirm            bool
	UpgradeMode        upgrade.Mode
	Autoremove         bool
	RebootTimeout      time.Duration
	RebootPollInterval time.Duration
	// DryRun skips the post-evacuation check and the reboot wait.
	DryRun bool
}

type Option func(*Machine)

func WithConfirm(confirm bool) Option {
	return func(m *Machine) { m.Confirm = confirm }
}

func WithUpgradeMode(mode upgrade.Mode, autoremove bool) Option {
	return func(m *Machine) {
		m.UpgradeMode = mode
		m.Autoremove = autoremove
	}
}

func WithRebootTimeout(timeout, pollInterval time.Duration) Option {
	return func(m *Machine) {
		m.RebootTimeout = timeout
		m.RebootPollInterval = pollInterval
	}
}

func WithDryRun(dryRun bool) Option {
	return func(m *Machine) { m.DryRun = dryRun }
}

func WithNotifier(n notify.Notifier) Option {
	return func(m *Machine) { m.Notifier = n }
}

func WithGate(g Prechecker) Option {
	return func(m *Machine) { m.Gate = g }
}

func WithClock(c clock.PassiveClock) Option {
	return func(m *Machine) { m.Clock = c }
}

func NewMachine(reader cluster.StateReader, api cluster.API, p *planner.Planner, runner PlanRunner, up upgrade.PackageUpgrader, opts ...Option) *Machine {
	m := &Machine{
		Reader:             reader,
		API:                api,
		Gate:               NewGate(api),
		Planner:            p,
		Runner:             runner,
		Upgrader:           up,
		Notifier:           notify.NoopNotifier{},
		Clock:              clock.RealClock{},
		Confirm:            true,
		UpgradeMode:        upgrade.ModeDist,
		RebootTimeout:      DefaultRebootTimeout,
		RebootPollInterval: DefaultRebootPollInterval,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run takes node through a full session. The session is always returned; the error is the
// session's Err and is nil only when the session completed.
func (m *Machine) Run(ctx context.Context, node string) (*Session, error) {
	ctx, span := tracing.Tracer().Start(ctx, "maintenance.Run", trace.WithAttributes(attribute.String("node", node)))
	defer span.End()

	s := &Session{Node: node, State: StatePrechecking, StartedAt: m.Clock.Now()}
	metrics.NodesInMaintenance.WithLabelValues(node).Set(1)
	defer metrics.NodesInMaintenance.DeleteLabelValues(node)
	slog.Info("Starting maintenance session", "node", node, "upgradeMode", m.UpgradeMode, "dryRun", m.DryRun)

	for !s.State.Terminal() {
		next, err := m.step(ctx, s)
		if err != nil {
			s.Err = err
			if s.Reason == "" {
				s.Reason = err.Error()
			}
			next = StateAborted
		}
		m.transition(s, next)
	}

	s.FinishedAt = m.Clock.Now()
	metrics.SessionOutcomes.WithLabelValues(string(s.State)).Inc()
	if s.State == StateAborted {
		span.RecordError(s.Err)
		span.SetStatus(codes.Error, s.Reason)
	}

	if err := m.Notifier.Notify(ctx, s.Summary()); err != nil {
		slog.Warn("Failed to send maintenance notification", "node", node, "err", err)
	}
	return s, s.Err
}

func (m *Machine) step(ctx context.Context, s *Session) (State, error) {
	ctx, span := tracing.Tracer().Start(ctx, "maintenance."+string(s.State))
	defer span.End()

	var (
		next State
		err  error
	)
	switch s.State {
	case StatePrechecking:
		next, err = m.precheck(ctx, s)
	case StateEvacuating:
		next, err = m.evacuate(ctx, s)
	case StateUpgrading:
		next, err = m.upgrade(ctx, s)
	case StateRebooting:
		next, err = m.reboot(ctx, s)
	case StateHealthChecking:
		next, err = m.healthCheck(ctx, s)
	default:
		err = fmt.Errorf("no handler for state %s", s.State)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return next, err
}

func (m *Machine) transition(s *Session, to State) {
	from := s.State
	s.Transitions = append(s.Transitions, Transition{From: from, To: to, At: m.Clock.Now()})
	s.State = to
	metrics.SessionTransitions.WithLabelValues(string(from), string(to)).Inc()

	if to == StateAborted {
		slog.Error("Maintenance aborted", "node", s.Node, "from", from, "reason", s.Reason)
		return
	}
	slog.Info("Maintenance state transition", "node", s.Node, "from", from, "to", to)
}

func (m *Machine) precheck(ctx context.Context, s *Session) (State, error) {
	state, err := m.Reader.ReadState(ctx)
	if err != nil {
		return "", fmt.Errorf("reading cluster state: %w", err)
	}
	n, ok := state.Node(s.Node)
	if !ok {
		return "", fmt.Errorf("node %s not found in cluster", s.Node)
	}
	if !n.Online {
		return "", fmt.Errorf("node %s is offline", s.Node)
	}

	if err := m.Gate.Check(ctx, s.Node); err != nil {
		var busy *TasksInProgressError
		if errors.As(err, &busy) {
			s.Reason = "tasks in progress: " + strings.Join(busy.TaskIDs, ", ")
		}
		return "", err
	}
	return StateEvacuating, nil
}

func (m *Machine) evacuate(ctx context.Context, s *Session) (State, error) {
	state, err := m.Reader.ReadState(ctx)
	if err != nil {
		return "", fmt.Errorf("reading cluster state: %w", err)
	}

	plan, err := m.Planner.PlanEvacuation(state, s.Node, nil)
	if err != nil {
		return "", err
	}
	s.Plan = plan
	metrics.PlansComputed.WithLabelValues(string(plan.Mode)).Inc()
	metrics.PlannedMoves.WithLabelValues(string(plan.Mode)).Add(float64(len(plan.Moves)))
	slog.Info("Evacuation planned", "node", s.Node, "moves", len(plan.Moves))

	report, err := m.Runner.Run(ctx, plan, m.Confirm)
	s.Report = report
	if err != nil {
		if report != nil && report.Reason != "" {
			s.Reason = report.Reason
		}
		return "", err
	}

	if m.DryRun {
		return StateUpgrading, nil
	}

	after, err := m.Reader.ReadState(ctx)
	if err != nil {
		return "", fmt.Errorf("reading cluster state after evacuation: %w", err)
	}
	var left []string
	for _, w := range after.WorkloadsOn(s.Node) {
		if w.Running {
			left = append(left, w.String())
		}
	}
	if len(left) > 0 {
		return "", fmt.Errorf("node %s still hosts %d running workload(s) after evacuation: %s",
			s.Node, len(left), strings.Join(left, ", "))
	}
	return StateUpgrading, nil
}

func (m *Machine) upgrade(ctx context.Context, s *Session) (State, error) {
	if err := m.Upgrader.Upgrade(ctx, s.Node, m.UpgradeMode, m.Autoremove); err != nil {
		return "", fmt.Errorf("upgrading packages: %w", err)
	}
	return StateRebooting, nil
}

func (m *Machine) reboot(ctx context.Context, s *Session) (State, error) {
	var bootUptime int64
	if state, err := m.Reader.ReadState(ctx); err == nil {
		if n, ok := state.Node(s.Node); ok {
			bootUptime = n.Uptime
		}
	} else {
		slog.Warn("Could not record uptime before reboot", "node", s.Node, "err", err)
	}

	if err := m.API.Reboot(ctx, s.Node); err != nil {
		return "", fmt.Errorf("requesting reboot: %w", err)
	}
	if m.DryRun {
		slog.Info("Dry-run: not waiting for reboot", "node", s.Node)
		return StateHealthChecking, nil
	}

	slog.Info("Waiting for node to come back", "node", s.Node, "timeout", m.RebootTimeout)
	seenOffline := false
	err := wait.PollUntilContextTimeout(ctx, m.RebootPollInterval, m.RebootTimeout, false, func(ctx context.Context) (bool, error) {
		state, err := m.Reader.ReadState(ctx)
		if err != nil {
			slog.Debug("Cluster unreachable while node reboots", "node", s.Node, "err", err)
			return false, nil
		}
		n, ok := state.Node(s.Node)
		if !ok || !n.Online {
			seenOffline = true
			return false, nil
		}
		if seenOffline || (bootUptime > 0 && n.Uptime < bootUptime) {
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return "", fmt.Errorf("node %s did not come back from reboot within %s: %w", s.Node, m.RebootTimeout, err)
	}
	slog.Info("Node is back online", "node", s.Node)
	return StateHealthChecking, nil
}

func (m *Machine) healthCheck(ctx context.Context, s *Session) (State, error) {
	fail := func(reason string, err error) (State, error) {
		return "", &HealthCheckFailedError{Node: s.Node, Reason: reason, Err: err}
	}

	state, err := m.Reader.ReadState(ctx)
	if err != nil {
		return fail("cluster state unavailable", err)
	}
	n, ok := state.Node(s.Node)
	switch {
	case !ok:
		return fail("node missing from cluster state", nil)
	case !n.Online:
		return fail("node reports offline", nil)
	case n.Total.CPU <= 0 || n.Total.Memory <= 0:
		return fail("node reports no capacity", nil)
	}

	online, err := m.API.NodeOnline(ctx, s.Node)
	if err != nil {
		return fail("node status query failed", err)
	}
	if !online {
		return fail("node status is not online", nil)
	}
	return StateComplete, nil
}
