//go:build integration
// +build integration

package integration

import (
	"context"
	"testing"
	"time"

	"github.com/docent-net/cluster-rolling-upgrader/pkg/cluster"
	"github.com/docent-net/cluster-rolling-upgrader/pkg/maintenance"
	"github.com/docent-net/cluster-rolling-upgrader/pkg/migration"
	"github.com/docent-net/cluster-rolling-upgrader/pkg/planner"
	"github.com/docent-net/cluster-rolling-upgrader/test/integration/scenario"
)

// Rolling upgrade of two nodes through the HTTP client:
// session#1 drains pve1 onto pve2/pve3, upgrades and reboots it
// session#2 drains pve2 (including what it received in #1) and does the same
func TestIntegration_RollingUpgradeOverHTTP(t *testing.T) {
	ctx := context.Background()

	fake := scenario.ThreeNodeCluster()
	pve := scenario.NewPVE(fake)
	defer pve.Close()
	client := pve.Client()

	exec := migration.NewExecutor(client, migration.WithPollInterval(time.Millisecond))
	orch := migration.NewOrchestrator(exec, nil, 2*time.Second, 5*time.Second)
	up := &scenario.UpgradeRecorder{}
	m := maintenance.NewMachine(cluster.NewReader(client), client, planner.New(), orch, up,
		maintenance.WithConfirm(false),
		maintenance.WithRebootTimeout(2*time.Second, 5*time.Millisecond),
	)

	for _, node := range []string{"pve1", "pve2"} {
		s, err := m.Run(ctx, node)
		if err != nil {
			t.Fatalf("%s: session aborted in %s: %v", node, s.FailedIn(), err)
		}
		if s.State != maintenance.StateComplete {
			t.Fatalf("%s: expected Complete, got %s", node, s.State)
		}

		state, err := cluster.NewReader(client).ReadState(ctx)
		if err != nil {
			t.Fatalf("%s: reading state: %v", node, err)
		}
		if left := state.WorkloadsOn(node); len(left) != 0 {
			t.Fatalf("%s: expected no workloads after evacuation, got %v", node, left)
		}
	}

	if len(up.Nodes) != 2 || up.Nodes[0] != "pve1" || up.Nodes[1] != "pve2" {
		t.Fatalf("expected upgrades of pve1 then pve2, got %v", up.Nodes)
	}
	if len(fake.RebootCalls) != 2 {
		t.Fatalf("expected two reboots, got %v", fake.RebootCalls)
	}
	for _, c := range fake.MigrateCalls {
		if c.Downtime != 2*time.Second {
			t.Fatalf("migration of %s: expected 2s downtime, got %s", c.Workload, c.Downtime)
		}
	}
}

// A running backup on the node blocks the session before anything is touched.
func TestIntegration_BusyNodeIsNotTouched(t *testing.T) {
	ctx := context.Background()

	fake := scenario.ThreeNodeCluster()
	fake.Tasks = []cluster.Task{{ID: "UPID:pve1:0000BEEF:vzdump", Node: "pve1", Type: "vzdump", Active: true}}
	pve := scenario.NewPVE(fake)
	defer pve.Close()
	client := pve.Client()

	exec := migration.NewExecutor(client, migration.WithPollInterval(time.Millisecond))
	orch := migration.NewOrchestrator(exec, nil, 0, time.Second)
	m := maintenance.NewMachine(cluster.NewReader(client), client, planner.New(), orch, &scenario.UpgradeRecorder{},
		maintenance.WithConfirm(false),
	)

	s, err := m.Run(ctx, "pve1")
	if err == nil {
		t.Fatalf("expected precheck failure")
	}
	if s.FailedIn() != maintenance.StatePrechecking {
		t.Fatalf("expected abort in Prechecking, got %s", s.FailedIn())
	}
	if n := fake.Mutations(); n != 0 {
		t.Fatalf("expected no mutations, got %d", n)
	}
}

// Balancing an all-on-one-node cluster narrows the spread as observed by a fresh read.
func TestIntegration_BalanceOverHTTP(t *testing.T) {
	ctx := context.Background()

	fake := scenario.ThreeNodeCluster()
	pve := scenario.NewPVE(fake)
	defer pve.Close()
	client := pve.Client()
	reader := cluster.NewReader(client)
	p := planner.New()

	before, err := reader.ReadState(ctx)
	if err != nil {
		t.Fatalf("reading state: %v", err)
	}
	plan, err := p.Plan(before, nil, 0)
	if err != nil {
		t.Fatalf("planning: %v", err)
	}
	if plan.IsEmpty() {
		t.Fatalf("expected moves for an unbalanced cluster")
	}

	exec := migration.NewExecutor(client, migration.WithPollInterval(time.Millisecond))
	report, err := migration.NewOrchestrator(exec, nil, 0, time.Second).Run(ctx, plan, false)
	if err != nil {
		t.Fatalf("running plan: %v", err)
	}
	if !report.Complete() {
		t.Fatalf("expected every move to succeed: %+v", report.Results)
	}

	after, err := reader.ReadState(ctx)
	if err != nil {
		t.Fatalf("reading state: %v", err)
	}
	if got, was := p.Spread(after, nil), p.Spread(before, nil); got >= was {
		t.Fatalf("expected spread to shrink, was %.3f now %.3f", was, got)
	}
}
