package maintenance

import (
	"fmt"
	"time"

	"github.com/docent-net/cluster-rolling-upgrader/pkg/migration"
	"github.com/docent-net/cluster-rolling-upgrader/pkg/planner"
)

type State string

const (
	StatePrechecking    State = "Prechecking"
	StateEvacuating     State = "Evacuating"
	StateUpgrading      State = "Upgrading"
	StateRebooting      State = "Rebooting"
	StateHealthChecking State = "HealthChecking"
	StateComplete       State = "Complete"
	StateAborted        State = "Aborted"
)

func (s State) Terminal() bool {
	return s == StateComplete || s == StateAborted
}

type Transition struct {
	From State
	To   State
	At   time.Time
}

// Session is the record of one maintenance run on one node. A terminal session is never resumed.
type Session struct {
	Node   string
	State  State
	Plan   *planner.MigrationPlan
	Report *migration.Report
	Reason string
	Err    error

	Transitions []Transition
	StartedAt   time.Time
	FinishedAt  time.Time
}

// FailedIn returns the state the session was in when it aborted, or "" if it did not abort.
func (s *Session) FailedIn() State {
	if s.State != StateAborted || len(s.Transitions) == 0 {
		return ""
	}
	return s.Transitions[len(s.Transitions)-1].From
}

func (s *Session) Summary() string {
	switch s.State {
	case StateComplete:
		moved := 0
		if s.Report != nil {
			moved = s.Report.Succeeded()
		}
		return fmt.Sprintf("Maintenance of node %s completed: %d workload(s) evacuated, took %s",
			s.Node, moved, s.FinishedAt.Sub(s.StartedAt).Round(time.Second))
	case StateAborted:
		return fmt.Sprintf("Maintenance of node %s aborted during %s: %s", s.Node, s.FailedIn(), s.Reason)
	default:
		return fmt.Sprintf("Maintenance of node %s is %s", s.Node, s.State)
	}
}

// HealthCheckFailedError means the node came back from reboot but is not fit to host workloads.
type HealthCheckFailedError struct {
	Node   string
	Reason string
	Err    error
}

func (e *HealthCheckFailedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("health check of node %s failed: %s: %v", e.Node, e.Reason, e.Err)
	}
	return fmt.Sprintf("health check of node %s failed: %s", e.Node, e.Reason)
}

func (e *HealthCheckFailedError) Unwrap() error {
	return e.Err
}
