package migration

import (
	"context"
	"log/slog"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/utils/clock"

	"github.com/docent-net/cluster-rolling-upgrader/pkg/cluster"
	"github.com/docent-net/cluster-rolling-upgrader/pkg/metrics"
	"github.com/docent-net/cluster-rolling-upgrader/pkg/planner"
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultTimeout      = 10 * time.Minute
)

// Executor performs a single live migration and waits for it.
type Executor struct {
	API          cluster.API
	PollInterval time.Duration
	Clock        clock.PassiveClock
}

type ExecutorOption func(*Executor)

func WithPollInterval(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.PollInterval = d }
}

func WithClock(c clock.PassiveClock) ExecutorOption {
	return func(e *Executor) { e.Clock = c }
}

func NewExecutor(api cluster.API, opts ...ExecutorOption) *Executor {
	e := &Executor{
		API:          api,
		PollInterval: DefaultPollInterval,
		Clock:        clock.RealClock{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute submits move and polls until the remote task finishes, timeout elapses or ctx is done.
// downtime is handed to the remote API untouched. The returned task is never nil.
func (e *Executor) Execute(ctx context.Context, move planner.MigrationMove, downtime, timeout time.Duration) (*MigrationTask, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	task := &MigrationTask{Move: move, State: TaskPending, StartedAt: e.Clock.Now()}

	workload := move.Workload
	workload.Host = move.Source

	slog.Info("Submitting live migration",
		"workload", workload.ID,
		"source", move.Source,
		"destination", move.Destination,
		"downtime", downtime,
	)
	metrics.MigrationAttempts.Inc()

	handle, err := e.API.Migrate(ctx, workload, move.Destination, downtime)
	if err != nil {
		e.finish(task, TaskFailed, err.Error())
		return task, err
	}
	task.Handle = handle
	task.State = TaskRunning

	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var status cluster.TaskStatus
	err = wait.PollUntilContextCancel(pollCtx, e.PollInterval, true, func(ctx context.Context) (bool, error) {
		s, err := e.API.TaskStatus(ctx, handle)
		if err != nil {
			return false, err
		}
		status = s
		if s.Phase == cluster.TaskRunning {
			slog.Debug("Migration still running", "workload", workload.ID, "task", handle.ID)
			return false, nil
		}
		return true, nil
	})

	switch {
	case err != nil && pollCtx.Err() != nil:
		timedOut := &MigrationTimedOutError{Workload: workload.ID, Handle: handle, Timeout: timeout, Err: pollCtx.Err()}
		e.finish(task, TaskTimedOut, timedOut.Error())
		slog.Warn("Migration abandoned", "workload", workload.ID, "task", handle.ID, "timeout", timeout, "err", pollCtx.Err())
		return task, timedOut
	case err != nil:
		e.finish(task, TaskFailed, err.Error())
		return task, err
	case status.Phase == cluster.TaskFailed:
		failed := &MigrationFailedError{Workload: workload.ID, Handle: handle, ExitStatus: status.ExitStatus}
		e.finish(task, TaskFailed, failed.Error())
		slog.Error("Migration failed", "workload", workload.ID, "task", handle.ID, "exitStatus", status.ExitStatus)
		return task, failed
	}

	e.finish(task, TaskSucceeded, "")
	slog.Info("Migration finished", "workload", workload.ID, "destination", move.Destination, "elapsed", task.Elapsed)
	return task, nil
}

func (e *Executor) finish(task *MigrationTask, state TaskState, reason string) {
	task.State = state
	task.Reason = reason
	task.Elapsed = e.Clock.Since(task.StartedAt)
	metrics.MigrationResults.WithLabelValues(string(state)).Inc()
	metrics.MigrationDuration.Observe(task.Elapsed.Seconds())
}
