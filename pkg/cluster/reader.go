package cluster

import (
	"context"
	"errors"
	"log/slog"
)

// StateReader produces fresh ClusterState snapshots.
type StateReader interface {
	ReadState(ctx context.Context) (*ClusterState, error)
}

// Reader reads cluster state straight from the API on every call. It never caches: manual migrations
// and workload lifecycle changes can happen between two decisions.
type Reader struct {
	API API
	// ExcludedNodes are reported as Excluded regardless of what the API says.
	ExcludedNodes map[string]bool
}

func NewReader(api API) *Reader {
	return &Reader{API: api}
}

func (r *Reader) ReadState(ctx context.Context) (*ClusterState, error) {
	nodes, err := r.API.ListNodes(ctx)
	if err != nil {
		return nil, asAPIError("list nodes", err)
	}
	workloads, err := r.API.ListWorkloads(ctx)
	if err != nil {
		return nil, asAPIError("list workloads", err)
	}
	tasks, err := r.API.ListTasks(ctx, "")
	if err != nil {
		return nil, asAPIError("list tasks", err)
	}

	state := &ClusterState{
		Nodes:     append([]Node(nil), nodes...),
		Workloads: append([]Workload(nil), workloads...),
		Tasks:     append([]Task(nil), tasks...),
	}
	for i := range state.Nodes {
		if r.ExcludedNodes[state.Nodes[i].ID] {
			state.Nodes[i].Excluded = true
		}
	}
	recomputeAllocations(state)
	state.sortByID()

	slog.Debug("Read cluster state",
		"nodes", len(state.Nodes),
		"workloads", len(state.Workloads),
		"activeTasks", len(state.ActiveTasks("")),
	)
	return state, nil
}

// recomputeAllocations derives Allocated from running workload demand when the API did not report
// usage for a node.
func recomputeAllocations(state *ClusterState) {
	sums := make(map[string]Resources)
	for _, w := range state.Workloads {
		if !w.Running {
			continue
		}
		sums[w.Host] = sums[w.Host].Add(w.Demand)
	}
	for i := range state.Nodes {
		if state.Nodes[i].Allocated.IsZero() {
			state.Nodes[i].Allocated = sums[state.Nodes[i].ID]
		}
	}
}

func asAPIError(op string, err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return err
	}
	return &APIError{Op: op, Err: err}
}
