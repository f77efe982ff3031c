package cluster

import (
	"context"
	"fmt"
	"time"
)

// TaskHandle identifies an asynchronous remote operation. Node is the node the task runs on,
// which the remote API needs to look the task up.
type TaskHandle struct {
	ID   string
	Node string
}

func (h TaskHandle) String() string {
	return h.ID
}

type TaskPhase string

const (
	TaskRunning   TaskPhase = "running"
	TaskSucceeded TaskPhase = "succeeded"
	TaskFailed    TaskPhase = "failed"
)

// TaskStatus is the remote view of a task. ExitStatus carries the remote failure message.
type TaskStatus struct {
	Phase      TaskPhase
	ExitStatus string
}

// API is the remote cluster-management API, treated as a black box.
type API interface {
	ListNodes(ctx context.Context) ([]Node, error)
	ListWorkloads(ctx context.Context) ([]Workload, error)
	// ListTasks returns tasks for node, or for the whole cluster when node is empty.
	ListTasks(ctx context.Context, node string) ([]Task, error)

	Migrate(ctx context.Context, workload Workload, destination string, downtime time.Duration) (TaskHandle, error)
	TaskStatus(ctx context.Context, handle TaskHandle) (TaskStatus, error)

	Reboot(ctx context.Context, node string) error
	NodeOnline(ctx context.Context, node string) (bool, error)
}

// APIError is a transport, authentication or protocol failure talking to the remote API.
type APIError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("cluster api %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("cluster api %s: %v", e.Op, e.Err)
}

func (e *APIError) Unwrap() error {
	return e.Err
}
