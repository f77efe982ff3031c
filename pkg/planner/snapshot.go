package planner

import (
	"sort"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/docent-net/cluster-rolling-upgrader/pkg/cluster"
)

type nodeLoad struct {
	total     cluster.Resources
	allocated cluster.Resources
}

// snapshot is the planner's private copy of eligible node allocations.
type snapshot struct {
	metric LoadMetric
	nodes  map[string]*nodeLoad
	order  []string
}

func eligible(n cluster.Node, excluded sets.Set[string]) bool {
	if !n.Online || n.Excluded || excluded.Has(n.ID) {
		return false
	}
	return n.Total.CPU > 0 && n.Total.Memory > 0
}

func newSnapshot(state *cluster.ClusterState, excluded sets.Set[string], metric LoadMetric) *snapshot {
	s := &snapshot{metric: metric, nodes: make(map[string]*nodeLoad)}
	for _, n := range state.Nodes {
		if !eligible(n, excluded) {
			continue
		}
		s.nodes[n.ID] = &nodeLoad{total: n.Total, allocated: n.Allocated}
		s.order = append(s.order, n.ID)
	}
	sort.Strings(s.order)
	return s
}

func (s *snapshot) has(id string) bool {
	_, ok := s.nodes[id]
	return ok
}

func (s *snapshot) ratio(id string) float64 {
	n := s.nodes[id]
	return s.metric.Ratio(n.allocated, n.total)
}

func (s *snapshot) canHost(id string, w cluster.Workload) bool {
	n := s.nodes[id]
	return n.allocated.Add(w.Demand).Fits(n.total) && w.Limit.Fits(n.total)
}

func (s *snapshot) add(id string, r cluster.Resources) {
	s.nodes[id].allocated = s.nodes[id].allocated.Add(r)
}

func (s *snapshot) move(r cluster.Resources, from, to string) {
	s.nodes[from].allocated = s.nodes[from].allocated.Sub(r)
	s.nodes[to].allocated = s.nodes[to].allocated.Add(r)
}

// highest returns the most loaded node accepted by filter; ties go to the lowest id.
func (s *snapshot) highest(filter func(string) bool) string {
	best := ""
	for _, id := range s.order {
		if !filter(id) {
			continue
		}
		if best == "" || s.ratio(id) > s.ratio(best) {
			best = id
		}
	}
	return best
}

// lowest returns the least loaded node accepted by filter; ties go to the lowest id.
func (s *snapshot) lowest(filter func(string) bool) string {
	best := ""
	for _, id := range s.order {
		if !filter(id) {
			continue
		}
		if best == "" || s.ratio(id) < s.ratio(best) {
			best = id
		}
	}
	return best
}

func (s *snapshot) spread() float64 {
	if len(s.order) == 0 {
		return 0
	}
	hi := s.highest(func(string) bool { return true })
	lo := s.lowest(func(string) bool { return true })
	return s.ratio(hi) - s.ratio(lo)
}
