package cli_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/pterm/pterm"
	"github.com/stretchr/testify/require"

	"github.com/docent-net/cluster-rolling-upgrader/pkg/cli"
	"github.com/docent-net/cluster-rolling-upgrader/pkg/cluster"
	"github.com/docent-net/cluster-rolling-upgrader/pkg/cluster/clustertest"
	"github.com/docent-net/cluster-rolling-upgrader/pkg/migration"
	"github.com/docent-net/cluster-rolling-upgrader/pkg/planner"
	"github.com/docent-net/cluster-rolling-upgrader/pkg/upgrade"
)

func init() {
	pterm.DisableStyling()
}

const testConfig = `
logLevel: error
migration:
  pollInterval: 1ms
  timeout: 1s
maintenance:
  rebootTimeout: 1s
  rebootPollInterval: 1ms
  upgradeMode: full
upgrader:
  mode: disabled
`

func writeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0o600))
	return path
}

// unbalanced puts every workload on pve1.
func unbalanced() *clustertest.FakeAPI {
	pve1 := clustertest.Node("pve1", 16, 64)
	pve1.Uptime = 86400
	return &clustertest.FakeAPI{
		Nodes: []cluster.Node{pve1, clustertest.Node("pve2", 16, 64), clustertest.Node("pve3", 16, 64)},
		Workloads: []cluster.Workload{
			clustertest.VM("100", "pve1", 4, 16),
			clustertest.VM("101", "pve1", 4, 16),
			clustertest.VM("102", "pve1", 2, 8),
		},
		OnReboot: func(f *clustertest.FakeAPI, node string) {
			n, _ := f.GetNode(node)
			n.Uptime = 5
			f.SetNode(n)
		},
	}
}

type recordingUpgrader struct {
	nodes []string
	modes []upgrade.Mode
}

func (r *recordingUpgrader) Upgrade(_ context.Context, node string, mode upgrade.Mode, _ bool) error {
	r.nodes = append(r.nodes, node)
	r.modes = append(r.modes, mode)
	return nil
}

type recordingNotifier struct{ messages []string }

func (r *recordingNotifier) Notify(_ context.Context, msg string) error {
	r.messages = append(r.messages, msg)
	return nil
}

func run(t *testing.T, api cluster.API, opts []cli.RootOption, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := cli.NewRootCommand("1.2.3", append([]cli.RootOption{cli.WithAPI(api), cli.WithNotifier(&recordingNotifier{})}, opts...)...)
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--config", writeConfig(t)}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	var out bytes.Buffer
	cmd := cli.NewRootCommand("1.2.3")
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	require.Equal(t, "Version: 1.2.3\n", out.String())
}

func TestPlan_DoesNotMutate(t *testing.T) {
	api := unbalanced()

	out, err := run(t, api, nil, "plan")
	require.NoError(t, err)
	require.Contains(t, out, "Spread:")
	require.Contains(t, out, "pve1")
	require.Contains(t, out, "Load after plan")
	require.Contains(t, out, "Destination load")
	require.Zero(t, api.Mutations())
}

func TestBalance_MovesWorkloadsOffTheHotNode(t *testing.T) {
	api := unbalanced()

	out, err := run(t, api, nil, "balance", "--yes")
	require.NoError(t, err)
	require.NotEmpty(t, api.MigrateCalls)
	for _, c := range api.MigrateCalls {
		require.Equal(t, "pve1", c.Source)
		require.NotEqual(t, "pve1", c.Destination)
	}
	require.Contains(t, out, "succeeded")
}

func TestBalance_MaxMovesFlag(t *testing.T) {
	api := unbalanced()

	_, err := run(t, api, nil, "balance", "--yes", "--max-moves", "1")
	require.NoError(t, err)
	require.Len(t, api.MigrateCalls, 1)
}

func TestBalance_DeclineRunsNothing(t *testing.T) {
	api := unbalanced()
	decline := migration.ConfirmFunc(func(context.Context, *planner.MigrationPlan) (bool, error) { return false, nil })

	out, err := run(t, api, []cli.RootOption{cli.WithPrompt(decline)}, "balance")
	require.ErrorIs(t, err, migration.ErrAbortedByOperator)
	require.Zero(t, api.Mutations())
	require.Contains(t, out, "aborted by operator")
}

func TestBalance_DryRunOnlyLogs(t *testing.T) {
	api := unbalanced()

	_, err := run(t, api, nil, "--dry-run", "balance", "--yes")
	require.NoError(t, err)
	require.Zero(t, api.Mutations())
	for _, w := range api.Workloads {
		require.Equal(t, "pve1", w.Host)
	}
}

func TestEvacuate(t *testing.T) {
	api := unbalanced()

	_, err := run(t, api, nil, "evacuate", "pve1", "--yes")
	require.NoError(t, err)
	require.Len(t, api.MigrateCalls, 3)
	for _, w := range api.Workloads {
		require.NotEqual(t, "pve1", w.Host)
	}
}

func TestEvacuate_Infeasible(t *testing.T) {
	api := unbalanced()
	api.Workloads[0].Migratable = false

	out, err := run(t, api, nil, "evacuate", "pve1", "--yes")
	var infeasible *planner.InfeasibleError
	require.ErrorAs(t, err, &infeasible)
	require.Contains(t, out, "workload is not migratable")
	require.Zero(t, api.Mutations())
}

func TestUpgrade_RunsNodesInOrder(t *testing.T) {
	api := unbalanced()
	api.OnReboot = func(f *clustertest.FakeAPI, node string) {
		n, _ := f.GetNode(node)
		n.Uptime = 1
		f.SetNode(n)
	}
	for _, id := range []string{"pve2", "pve3"} {
		n, _ := api.GetNode(id)
		n.Uptime = 1000
		api.SetNode(n)
	}
	up := &recordingUpgrader{}

	out, err := run(t, api, []cli.RootOption{cli.WithUpgrader(up)}, "upgrade", "pve1", "pve2", "--yes")
	require.NoError(t, err)
	require.Equal(t, []string{"pve1", "pve2"}, up.nodes)
	require.Equal(t, []upgrade.Mode{upgrade.ModeFull, upgrade.ModeFull}, up.modes)
	require.Equal(t, []string{"pve1", "pve2"}, api.RebootCalls)
	require.Contains(t, out, "Maintenance of node pve2 completed")
}

func TestUpgrade_StopsAtFirstAbortedSession(t *testing.T) {
	api := unbalanced()
	api.Tasks = []cluster.Task{{ID: "UPID:pve1:1:vzdump", Node: "pve1", Type: "vzdump", Active: true}}
	up := &recordingUpgrader{}

	out, err := run(t, api, []cli.RootOption{cli.WithUpgrader(up)}, "upgrade", "pve1", "pve2", "--yes")
	require.ErrorContains(t, err, "maintenance of node pve1 aborted")
	require.Contains(t, out, "Not started: pve2")
	require.Empty(t, up.nodes)
	require.Zero(t, api.Mutations())
}

func TestInvalidThresholdIsRejected(t *testing.T) {
	_, err := run(t, unbalanced(), nil, "plan", "--threshold", "1.5")
	require.ErrorContains(t, err, "balance.threshold")
}

func TestPlan_DefaultConfigNeedsNoSSHKeysOrBot(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	api := unbalanced()

	var out, errOut bytes.Buffer
	cmd := cli.NewRootCommand("1.2.3", cli.WithAPI(api))
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs([]string{"plan"})

	require.NoError(t, cmd.Execute())
	require.Contains(t, out.String(), "Spread:")
	require.Zero(t, api.Mutations())
}

func TestUpgrade_DefaultConfigNeedsSSHKey(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	api := unbalanced()

	var out, errOut bytes.Buffer
	cmd := cli.NewRootCommand("1.2.3", cli.WithAPI(api))
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs([]string{"upgrade", "pve1", "--yes"})

	require.ErrorContains(t, cmd.Execute(), "creating upgrader")
	require.Zero(t, api.Mutations())
}

func TestPlan_ZeroThresholdFlagIsKept(t *testing.T) {
	out, err := run(t, unbalanced(), nil, "plan", "--threshold", "0")
	require.NoError(t, err)
	require.Contains(t, out, "(threshold 0.000)")
}
