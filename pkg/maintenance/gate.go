package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/docent-net/cluster-rolling-upgrader/pkg/cluster"
)

// Prechecker decides whether maintenance may start on a node.
type Prechecker interface {
	Check(ctx context.Context, node string) error
}

// TasksInProgressError means the node still has remote tasks running.
type TasksInProgressError struct {
	Node    string
	TaskIDs []string
}

func (e *TasksInProgressError) Error() string {
	return fmt.Sprintf("node %s has %d tasks in progress: %s", e.Node, len(e.TaskIDs), strings.Join(e.TaskIDs, ", "))
}

// Gate refuses maintenance while any task is active on the node. It never mutates anything.
type Gate struct {
	API cluster.API
}

func NewGate(api cluster.API) *Gate {
	return &Gate{API: api}
}

func (g *Gate) Check(ctx context.Context, node string) error {
	tasks, err := g.API.ListTasks(ctx, node)
	if err != nil {
		return err
	}
	var active []string
	for _, t := range tasks {
		if t.Active && t.Node == node {
			active = append(active, t.ID)
		}
	}
	if len(active) > 0 {
		slog.Warn("Precheck found active tasks", "node", node, "tasks", active)
		return &TasksInProgressError{Node: node, TaskIDs: active}
	}
	slog.Debug("Precheck passed", "node", node)
	return nil
}
