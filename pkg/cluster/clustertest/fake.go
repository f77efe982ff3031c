// Package clustertest provides an in-memory cluster.API for tests.
package clustertest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/docent-net/cluster-rolling-upgrader/pkg/cluster"
	"github.com/docent-net/cluster-rolling-upgrader/utils/units"
)

// MigrateCall records one Migrate invocation.
type MigrateCall struct {
	Workload    string
	Source      string
	Destination string
	Downtime    time.Duration
}

// FakeAPI is an in-memory cluster. Successful migrations move the workload to its destination
// once the task reports success, so the next read observes the new host.
type FakeAPI struct {
	mu sync.Mutex

	Nodes     []cluster.Node
	Workloads []cluster.Workload
	Tasks     []cluster.Task

	// TaskScript maps a workload ID to the sequence of phases TaskStatus returns for its migration.
	// The last entry repeats. Missing entries succeed immediately.
	TaskScript map[string][]cluster.TaskPhase
	// MigrateErr fails Migrate for the given workload IDs.
	MigrateErr map[string]error
	// TaskStatusErr fails TaskStatus for migrations of the given workload IDs.
	TaskStatusErr map[string]error
	// ListErr fails every list call.
	ListErr error
	// RebootErr fails Reboot.
	RebootErr error
	// OnlineOverride forces the NodeOnline answer for a node.
	OnlineOverride map[string]bool
	// OnReboot is invoked after a reboot is accepted.
	OnReboot func(f *FakeAPI, node string)

	MigrateCalls []MigrateCall
	RebootCalls  []string

	polls   map[string]int
	handles map[string]MigrateCall
	seq     int
}

func (f *FakeAPI) ListNodes(_ context.Context) ([]cluster.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	return append([]cluster.Node(nil), f.Nodes...), nil
}

func (f *FakeAPI) ListWorkloads(_ context.Context) ([]cluster.Workload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	return append([]cluster.Workload(nil), f.Workloads...), nil
}

func (f *FakeAPI) ListTasks(_ context.Context, node string) ([]cluster.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	var out []cluster.Task
	for _, t := range f.Tasks {
		if node == "" || t.Node == node {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *FakeAPI) Migrate(_ context.Context, w cluster.Workload, destination string, downtime time.Duration) (cluster.TaskHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := MigrateCall{Workload: w.ID, Source: w.Host, Destination: destination, Downtime: downtime}
	f.MigrateCalls = append(f.MigrateCalls, call)
	if err := f.MigrateErr[w.ID]; err != nil {
		return cluster.TaskHandle{}, err
	}
	if f.handles == nil {
		f.handles = make(map[string]MigrateCall)
		f.polls = make(map[string]int)
	}
	f.seq++
	id := fmt.Sprintf("UPID:%s:%08X:qmigrate:%s", w.Host, f.seq, w.ID)
	f.handles[id] = call
	return cluster.TaskHandle{ID: id, Node: w.Host}, nil
}

func (f *FakeAPI) TaskStatus(_ context.Context, h cluster.TaskHandle) (cluster.TaskStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	call, ok := f.handles[h.ID]
	if !ok {
		return cluster.TaskStatus{}, &cluster.APIError{Op: "task status", StatusCode: 404, Err: fmt.Errorf("no such task %s", h.ID)}
	}
	if err := f.TaskStatusErr[call.Workload]; err != nil {
		return cluster.TaskStatus{}, err
	}
	phase := cluster.TaskSucceeded
	if script := f.TaskScript[call.Workload]; len(script) > 0 {
		i := f.polls[h.ID]
		if i >= len(script) {
			i = len(script) - 1
		}
		phase = script[i]
	}
	f.polls[h.ID]++

	switch phase {
	case cluster.TaskSucceeded:
		f.applyMigration(call)
		return cluster.TaskStatus{Phase: phase, ExitStatus: "OK"}, nil
	case cluster.TaskFailed:
		return cluster.TaskStatus{Phase: phase, ExitStatus: "migration aborted"}, nil
	default:
		return cluster.TaskStatus{Phase: phase}, nil
	}
}

func (f *FakeAPI) applyMigration(call MigrateCall) {
	for i := range f.Workloads {
		if f.Workloads[i].ID == call.Workload {
			f.Workloads[i].Host = call.Destination
		}
	}
}

func (f *FakeAPI) Reboot(_ context.Context, node string) error {
	f.mu.Lock()
	f.RebootCalls = append(f.RebootCalls, node)
	err := f.RebootErr
	hook := f.OnReboot
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if hook != nil {
		hook(f, node)
	}
	return nil
}

func (f *FakeAPI) NodeOnline(_ context.Context, node string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.OnlineOverride[node]; ok {
		return v, nil
	}
	for _, n := range f.Nodes {
		if n.ID == node {
			return n.Online, nil
		}
	}
	return false, nil
}

// SetNode replaces a node's snapshot under the lock.
func (f *FakeAPI) SetNode(n cluster.Node) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.Nodes {
		if f.Nodes[i].ID == n.ID {
			f.Nodes[i] = n
			return
		}
	}
	f.Nodes = append(f.Nodes, n)
}

// GetNode returns a node's current snapshot under the lock.
func (f *FakeAPI) GetNode(id string) (cluster.Node, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range f.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return cluster.Node{}, false
}

// Mutations returns the number of mutating calls made so far.
func (f *FakeAPI) Mutations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.MigrateCalls) + len(f.RebootCalls)
}

// Node builds an online node with the given capacity and no reported allocation.
func Node(id string, cpu float64, memGiB int64) cluster.Node {
	return cluster.Node{ID: id, Total: cluster.Resources{CPU: cpu, Memory: memGiB * units.GiB}, Online: true}
}

// VM builds a running, migratable workload whose limit equals its demand.
func VM(id, host string, cpu float64, memGiB int64) cluster.Workload {
	r := cluster.Resources{CPU: cpu, Memory: memGiB * units.GiB}
	return cluster.Workload{ID: id, Name: "vm-" + id, Demand: r, Limit: r, Host: host, Migratable: true, Running: true}
}
