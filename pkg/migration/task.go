package migration

import (
	"errors"
	"fmt"
	"time"

	"github.com/docent-net/cluster-rolling-upgrader/pkg/cluster"
	"github.com/docent-net/cluster-rolling-upgrader/pkg/planner"
)

type TaskState string

const (
	TaskPending   TaskState = "Pending"
	TaskRunning   TaskState = "Running"
	TaskSucceeded TaskState = "Succeeded"
	TaskFailed    TaskState = "Failed"
	TaskTimedOut  TaskState = "TimedOut"
)

// MigrationTask tracks one submitted move. Handle is kept after a timeout so an operator can look
// the remote task up; the remote side may still finish it.
type MigrationTask struct {
	Move      planner.MigrationMove
	State     TaskState
	Handle    cluster.TaskHandle
	StartedAt time.Time
	Elapsed   time.Duration
	Reason    string
}

// ErrAbortedByOperator is returned when the confirmation prompt declines a plan.
var ErrAbortedByOperator = errors.New("aborted by operator")

// MigrationFailedError is a migration the remote API reported as failed.
type MigrationFailedError struct {
	Workload   string
	Handle     cluster.TaskHandle
	ExitStatus string
}

func (e *MigrationFailedError) Error() string {
	return fmt.Sprintf("migration of %s failed (task %s): %s", e.Workload, e.Handle, e.ExitStatus)
}

// MigrationTimedOutError is a migration abandoned before it reached a terminal state, either
// because the timeout elapsed or the caller cancelled. Err is the context error.
type MigrationTimedOutError struct {
	Workload string
	Handle   cluster.TaskHandle
	Timeout  time.Duration
	Err      error
}

func (e *MigrationTimedOutError) Error() string {
	return fmt.Sprintf("migration of %s did not finish within %s (task %s still on record): %v",
		e.Workload, e.Timeout, e.Handle, e.Err)
}

func (e *MigrationTimedOutError) Unwrap() error {
	return e.Err
}
