package planner

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/docent-net/cluster-rolling-upgrader/pkg/cluster"
	"github.com/docent-net/cluster-rolling-upgrader/utils/units"
)

const (
	DefaultThreshold = 0.10
	DefaultMaxMoves  = 10
)

// Planner computes migration plans. It is a pure function of its inputs: it never talks to the
// cluster and never mutates the state it is given.
type Planner struct {
	Metric    LoadMetric
	Threshold float64
	MaxMoves  int
}

type Option func(*Planner)

func WithMetric(m LoadMetric) Option {
	return func(p *Planner) { p.Metric = m }
}

func WithThreshold(t float64) Option {
	return func(p *Planner) { p.Threshold = t }
}

func WithMaxMoves(n int) Option {
	return func(p *Planner) { p.MaxMoves = n }
}

func New(opts ...Option) *Planner {
	p := &Planner{
		Metric:    BlendedMetric{CPUWeight: 1, MemoryWeight: 1},
		Threshold: DefaultThreshold,
		MaxMoves:  DefaultMaxMoves,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Plan produces a balancing plan. Nodes in excluded, offline nodes and nodes flagged Excluded are
// neither sources nor destinations. maxMoves <= 0 uses the planner's configured cap.
func (p *Planner) Plan(state *cluster.ClusterState, excluded sets.Set[string], maxMoves int) (*MigrationPlan, error) {
	if state == nil {
		return nil, errors.New("planner: nil cluster state")
	}
	if maxMoves <= 0 {
		maxMoves = p.MaxMoves
	}

	snap := newSnapshot(state, excluded, p.Metric)
	plan := &MigrationPlan{Mode: ModeBalance}
	if len(snap.order) < 2 {
		slog.Debug("Fewer than two eligible nodes; nothing to balance", "eligible", len(snap.order))
		return plan, nil
	}

	candidates := make(map[string][]cluster.Workload)
	for _, w := range state.Workloads {
		if w.Running && w.Migratable && snap.has(w.Host) {
			candidates[w.Host] = append(candidates[w.Host], w)
		}
	}

	moved := sets.New[string]()
	exhausted := sets.New[string]()

	for len(plan.Moves) < maxMoves {
		spread := snap.spread()
		if spread <= p.Threshold {
			slog.Debug("Cluster within balance threshold", "spread", spread, "threshold", p.Threshold)
			break
		}

		source := snap.highest(func(id string) bool {
			return !exhausted.Has(id) && len(candidates[id]) > 0
		})
		if source == "" {
			slog.Debug("All source nodes exhausted", "spread", spread)
			break
		}

		move, ok := p.improvingMove(snap, source, candidates[source], moved)
		if !ok {
			exhausted.Insert(source)
			continue
		}

		snap.move(move.Workload.Demand, source, move.Destination)
		moved.Insert(move.Workload.ID)
		candidates[source] = without(candidates[source], move.Workload.ID)
		plan.Moves = append(plan.Moves, move)

		slog.Debug("Planned balancing move",
			"workload", move.Workload.ID,
			"source", source,
			"destination", move.Destination,
			"sourceRatio", move.Delta.SourceAfter,
			"destinationRatio", move.Delta.DestinationAfter,
		)
	}

	return plan, nil
}

func (p *Planner) improvingMove(snap *snapshot, source string, workloads []cluster.Workload, moved sets.Set[string]) (MigrationMove, bool) {
	src := snap.nodes[source]
	srcRatio := snap.ratio(source)

	ordered := append([]cluster.Workload(nil), workloads...)
	sort.SliceStable(ordered, func(i, j int) bool {
		si := p.Metric.Ratio(ordered[i].Demand, src.total)
		sj := p.Metric.Ratio(ordered[j].Demand, src.total)
		if si != sj {
			return si > sj
		}
		return ordered[i].ID < ordered[j].ID
	})

	for _, w := range ordered {
		if moved.Has(w.ID) || w.Demand.IsZero() {
			continue
		}
		dest := snap.lowest(func(id string) bool {
			return id != source && snap.canHost(id, w)
		})
		if dest == "" {
			continue
		}
		dst := snap.nodes[dest]
		dstRatio := snap.ratio(dest)
		newSrc := p.Metric.Ratio(src.allocated.Sub(w.Demand), src.total)
		newDst := p.Metric.Ratio(dst.allocated.Add(w.Demand), dst.total)

		// Both ends must land strictly inside the old (destination, source) interval.
		if newDst < srcRatio && newSrc > dstRatio {
			return MigrationMove{
				Workload:    w,
				Source:      source,
				Destination: dest,
				Delta: Delta{
					SourceBefore:      srcRatio,
					SourceAfter:       newSrc,
					DestinationBefore: dstRatio,
					DestinationAfter:  newDst,
				},
			}, true
		}
	}
	return MigrationMove{}, false
}

// PlanEvacuation places every running workload of node elsewhere. Any workload that cannot be
// placed makes the whole plan infeasible.
func (p *Planner) PlanEvacuation(state *cluster.ClusterState, node string, excluded sets.Set[string]) (*MigrationPlan, error) {
	if state == nil {
		return nil, errors.New("planner: nil cluster state")
	}
	source, ok := state.Node(node)
	if !ok {
		return nil, fmt.Errorf("planner: node %s not found in cluster state", node)
	}

	excl := sets.New[string](node)
	if excluded != nil {
		excl = excl.Union(excluded)
	}
	snap := newSnapshot(state, excl, p.Metric)
	plan := &MigrationPlan{Mode: ModeEvacuation, Node: node}

	var workloads []cluster.Workload
	for _, w := range state.WorkloadsOn(node) {
		if !w.Running {
			slog.Debug("Skipping stopped workload during evacuation", "workload", w.ID, "node", node)
			continue
		}
		workloads = append(workloads, w)
	}
	if len(workloads) == 0 {
		return plan, nil
	}

	// Worst-fit decreasing: memory is the scarcer resource, so place the largest first.
	sort.SliceStable(workloads, func(i, j int) bool {
		a, b := workloads[i].Demand, workloads[j].Demand
		if a.Memory != b.Memory {
			return a.Memory > b.Memory
		}
		if a.CPU != b.CPU {
			return a.CPU > b.CPU
		}
		return workloads[i].ID < workloads[j].ID
	})

	infeasible := &InfeasibleError{Node: node}
	srcAllocated := source.Allocated
	for _, w := range workloads {
		if !w.Migratable {
			infeasible.Unplaceable = append(infeasible.Unplaceable, Unplaceable{Workload: w, Reason: "workload is not migratable"})
			continue
		}
		dest := p.worstFit(snap, w)
		if dest == "" {
			infeasible.Unplaceable = append(infeasible.Unplaceable, Unplaceable{
				Workload: w,
				Reason: fmt.Sprintf("no eligible node has room: needs cpu %.2f, memory %s",
					w.Demand.CPU, units.Bytes(w.Demand.Memory)),
			})
			continue
		}

		srcBefore := p.Metric.Ratio(srcAllocated, source.Total)
		srcAllocated = srcAllocated.Sub(w.Demand)
		dstBefore := snap.ratio(dest)
		snap.add(dest, w.Demand)

		plan.Moves = append(plan.Moves, MigrationMove{
			Workload:    w,
			Source:      node,
			Destination: dest,
			Delta: Delta{
				SourceBefore:      srcBefore,
				SourceAfter:       p.Metric.Ratio(srcAllocated, source.Total),
				DestinationBefore: dstBefore,
				DestinationAfter:  snap.ratio(dest),
			},
		})
	}

	if len(infeasible.Unplaceable) > 0 {
		return nil, infeasible
	}
	return plan, nil
}

// worstFit picks the eligible node left with the lowest load after placing w.
func (p *Planner) worstFit(snap *snapshot, w cluster.Workload) string {
	best := ""
	bestRatio := 0.0
	for _, id := range snap.order {
		if !snap.canHost(id, w) {
			continue
		}
		n := snap.nodes[id]
		r := p.Metric.Ratio(n.allocated.Add(w.Demand), n.total)
		if best == "" || r < bestRatio {
			best, bestRatio = id, r
		}
	}
	return best
}

// Spread returns max-min load ratio across eligible nodes.
func (p *Planner) Spread(state *cluster.ClusterState, excluded sets.Set[string]) float64 {
	return newSnapshot(state, excluded, p.Metric).spread()
}

func without(ws []cluster.Workload, id string) []cluster.Workload {
	out := ws[:0:0]
	for _, w := range ws {
		if w.ID != id {
			out = append(out, w)
		}
	}
	return out
}
