package planner

import (
	"fmt"
	"strings"

	"github.com/docent-net/cluster-rolling-upgrader/pkg/cluster"
)

type Mode string

const (
	ModeBalance    Mode = "balance"
	ModeEvacuation Mode = "evacuation"
)

// Delta is the expected effect of a move on the load ratio of both ends.
type Delta struct {
	SourceBefore      float64
	SourceAfter       float64
	DestinationBefore float64
	DestinationAfter  float64
}

// MigrationMove relocates one workload. Workload is the snapshot the move was planned against.
type MigrationMove struct {
	Workload    cluster.Workload
	Source      string
	Destination string
	Delta       Delta
}

func (m MigrationMove) String() string {
	return fmt.Sprintf("%s: %s -> %s", m.Workload, m.Source, m.Destination)
}

// MigrationPlan is an ordered list of moves. Moves must be applied in order: each one was checked
// for headroom against the allocations left by the moves before it.
type MigrationPlan struct {
	Mode  Mode
	Node  string // evacuated node, evacuation mode only
	Moves []MigrationMove
}

func (p *MigrationPlan) IsEmpty() bool {
	return p == nil || len(p.Moves) == 0
}

func (p *MigrationPlan) String() string {
	if p.IsEmpty() {
		return "empty plan"
	}
	parts := make([]string, 0, len(p.Moves))
	for i, m := range p.Moves {
		parts = append(parts, fmt.Sprintf("%d. %s", i+1, m))
	}
	return strings.Join(parts, "\n")
}

// InfeasibleError reports workloads a full evacuation could not place.
type InfeasibleError struct {
	Node        string
	Unplaceable []Unplaceable
}

type Unplaceable struct {
	Workload cluster.Workload
	Reason   string
}

func (e *InfeasibleError) Error() string {
	reasons := make([]string, 0, len(e.Unplaceable))
	for _, u := range e.Unplaceable {
		reasons = append(reasons, fmt.Sprintf("%s: %s", u.Workload, u.Reason))
	}
	return fmt.Sprintf("cannot evacuate node %s: %s", e.Node, strings.Join(reasons, "; "))
}

// Apply returns a copy of state with every move of plan applied: workload hosts are updated and
// allocations shifted. It fails on the first move that breaks an invariant.
func Apply(state *cluster.ClusterState, plan *MigrationPlan) (*cluster.ClusterState, error) {
	out := &cluster.ClusterState{
		Nodes:     append([]cluster.Node(nil), state.Nodes...),
		Workloads: append([]cluster.Workload(nil), state.Workloads...),
		Tasks:     append([]cluster.Task(nil), state.Tasks...),
	}
	if plan.IsEmpty() {
		return out, nil
	}

	nodeIdx := make(map[string]int, len(out.Nodes))
	for i, n := range out.Nodes {
		nodeIdx[n.ID] = i
	}
	wlIdx := make(map[string]int, len(out.Workloads))
	for i, w := range out.Workloads {
		wlIdx[w.ID] = i
	}

	for i, m := range plan.Moves {
		if m.Source == m.Destination {
			return nil, fmt.Errorf("move %d (%s): source equals destination", i+1, m.Workload)
		}
		si, ok := nodeIdx[m.Source]
		if !ok {
			return nil, fmt.Errorf("move %d (%s): unknown source node %s", i+1, m.Workload, m.Source)
		}
		di, ok := nodeIdx[m.Destination]
		if !ok {
			return nil, fmt.Errorf("move %d (%s): unknown destination node %s", i+1, m.Workload, m.Destination)
		}
		wi, ok := wlIdx[m.Workload.ID]
		if !ok {
			return nil, fmt.Errorf("move %d: unknown workload %s", i+1, m.Workload.ID)
		}
		if out.Workloads[wi].Host != m.Source {
			return nil, fmt.Errorf("move %d (%s): workload is on %s, not %s", i+1, m.Workload, out.Workloads[wi].Host, m.Source)
		}

		demand := out.Workloads[wi].Demand
		out.Nodes[si].Allocated = out.Nodes[si].Allocated.Sub(demand)
		out.Nodes[di].Allocated = out.Nodes[di].Allocated.Add(demand)
		out.Workloads[wi].Host = m.Destination

		if !out.Nodes[di].Allocated.Fits(out.Nodes[di].Total) {
			return nil, fmt.Errorf("move %d (%s): node %s overcommitted: %s > %s",
				i+1, m.Workload, m.Destination, out.Nodes[di].Allocated, out.Nodes[di].Total)
		}
	}
	return out, nil
}
