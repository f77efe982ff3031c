package cluster

import (
	"fmt"
	"sort"

	"github.com/docent-net/cluster-rolling-upgrader/utils/units"
)

// Resources is a CPU/memory pair. CPU is measured in cores, memory in bytes.
type Resources struct {
	CPU    float64 `json:"cpu" yaml:"cpu"`
	Memory int64   `json:"memory" yaml:"memory"`
}

func (r Resources) Add(o Resources) Resources {
	return Resources{CPU: r.CPU + o.CPU, Memory: r.Memory + o.Memory}
}

func (r Resources) Sub(o Resources) Resources {
	return Resources{CPU: r.CPU - o.CPU, Memory: r.Memory - o.Memory}
}

// Fits reports whether r fits into capacity on both dimensions.
func (r Resources) Fits(capacity Resources) bool {
	return r.CPU <= capacity.CPU && r.Memory <= capacity.Memory
}

func (r Resources) IsZero() bool {
	return r.CPU == 0 && r.Memory == 0
}

func (r Resources) String() string {
	return fmt.Sprintf("cpu=%.2f mem=%s", r.CPU, units.Bytes(r.Memory))
}

// Node is a snapshot of one cluster member. Snapshots are never mutated in place.
type Node struct {
	ID        string
	Total     Resources
	Allocated Resources
	Online    bool
	// Excluded nodes are under maintenance and are neither migration sources nor destinations.
	Excluded bool
	// Uptime in seconds as reported by the node; zero when unknown.
	Uptime int64
}

func (n Node) Free() Resources {
	return n.Total.Sub(n.Allocated)
}

// Workload is a virtual machine as observed at read time.
type Workload struct {
	ID     string
	Name   string
	Demand Resources
	// Limit is the configured maximum (maxcpu/maxmem); a destination must be at least this large.
	Limit      Resources
	Host       string
	Migratable bool
	Running    bool
}

func (w Workload) String() string {
	if w.Name == "" {
		return w.ID
	}
	return fmt.Sprintf("%s (%s)", w.Name, w.ID)
}

// Task is a background operation on the remote API.
type Task struct {
	ID     string
	Node   string
	Type   string
	Active bool
}

// ClusterState is a point-in-time view used for a single decision.
type ClusterState struct {
	Nodes     []Node
	Workloads []Workload
	Tasks     []Task
}

func (s *ClusterState) Node(id string) (Node, bool) {
	for _, n := range s.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// WorkloadsOn returns the workloads currently hosted on node, in state order.
func (s *ClusterState) WorkloadsOn(node string) []Workload {
	var out []Workload
	for _, w := range s.Workloads {
		if w.Host == node {
			out = append(out, w)
		}
	}
	return out
}

// ActiveTasks returns running tasks, optionally restricted to a node. An empty node matches all.
func (s *ClusterState) ActiveTasks(node string) []Task {
	var out []Task
	for _, t := range s.Tasks {
		if !t.Active {
			continue
		}
		if node != "" && t.Node != node {
			continue
		}
		out = append(out, t)
	}
	return out
}

func (s *ClusterState) sortByID() {
	sort.Slice(s.Nodes, func(i, j int) bool { return s.Nodes[i].ID < s.Nodes[j].ID })
	sort.Slice(s.Workloads, func(i, j int) bool { return s.Workloads[i].ID < s.Workloads[j].ID })
	sort.Slice(s.Tasks, func(i, j int) bool { return s.Tasks[i].ID < s.Tasks[j].ID })
}
