package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"k8s.io/utils/clock"

	"github.com/docent-net/cluster-rolling-upgrader/pkg/metrics"
	"github.com/docent-net/cluster-rolling-upgrader/pkg/planner"
	"github.com/docent-net/cluster-rolling-upgrader/pkg/tracing"
)

// MoveExecutor runs one move. *Executor is the production implementation.
type MoveExecutor interface {
	Execute(ctx context.Context, move planner.MigrationMove, downtime, timeout time.Duration) (*MigrationTask, error)
}

type Outcome string

const (
	OutcomeSucceeded    Outcome = "succeeded"
	OutcomeFailed       Outcome = "failed"
	OutcomeTimedOut     Outcome = "timed out"
	OutcomeNotAttempted Outcome = "not attempted"
)

type MoveResult struct {
	Move    planner.MigrationMove
	Outcome Outcome
	// Task is nil for moves that were never attempted.
	Task   *MigrationTask
	Reason string
}

// Report is the outcome of one orchestrator run, one result per plan move in plan order.
type Report struct {
	Plan       *planner.MigrationPlan
	Results    []MoveResult
	Reason     string
	StartedAt  time.Time
	FinishedAt time.Time
}

func (r *Report) count(o Outcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == o {
			n++
		}
	}
	return n
}

func (r *Report) Succeeded() int    { return r.count(OutcomeSucceeded) }
func (r *Report) NotAttempted() int { return r.count(OutcomeNotAttempted) }

// Complete reports whether every move of the plan succeeded.
func (r *Report) Complete() bool {
	return r.Succeeded() == len(r.Results)
}

// Orchestrator runs plans sequentially. It stops at the first failed move and never rolls back.
type Orchestrator struct {
	Executor MoveExecutor
	Prompt   ConfirmationPrompt
	Downtime time.Duration
	Timeout  time.Duration
	Clock    clock.PassiveClock
}

func NewOrchestrator(executor MoveExecutor, prompt ConfirmationPrompt, downtime, timeout time.Duration) *Orchestrator {
	if prompt == nil {
		prompt = AutoApprove{}
	}
	return &Orchestrator{
		Executor: executor,
		Prompt:   prompt,
		Downtime: downtime,
		Timeout:  timeout,
		Clock:    clock.RealClock{},
	}
}

// Run executes plan. With confirm set the prompt sees the whole plan first and a decline runs
// nothing. The report is returned even when err is non-nil.
func (o *Orchestrator) Run(ctx context.Context, plan *planner.MigrationPlan, confirm bool) (*Report, error) {
	report := &Report{Plan: plan, StartedAt: o.Clock.Now()}
	defer func() { report.FinishedAt = o.Clock.Now() }()

	if plan.IsEmpty() {
		slog.Info("Migration plan is empty; nothing to do")
		return report, nil
	}

	ctx, span := tracing.Tracer().Start(ctx, "migration.Run")
	defer span.End()
	span.SetAttributes(
		attribute.String("plan.mode", string(plan.Mode)),
		attribute.Int("plan.moves", len(plan.Moves)),
	)

	if confirm {
		approved, err := o.Prompt.Confirm(ctx, plan)
		if err != nil {
			o.skipFrom(report, 0)
			report.Reason = fmt.Sprintf("confirmation failed: %v", err)
			span.SetStatus(codes.Error, report.Reason)
			return report, fmt.Errorf("confirming plan: %w", err)
		}
		if !approved {
			o.skipFrom(report, 0)
			report.Reason = ErrAbortedByOperator.Error()
			metrics.OperatorDeclines.Inc()
			span.SetStatus(codes.Error, report.Reason)
			slog.Warn("Plan declined by operator", "moves", len(plan.Moves))
			return report, ErrAbortedByOperator
		}
	}

	for i, move := range plan.Moves {
		slog.Info("Executing move", "step", i+1, "of", len(plan.Moves), "move", move.String())

		task, err := o.Executor.Execute(ctx, move, o.Downtime, o.Timeout)
		if err != nil {
			outcome := OutcomeFailed
			var timedOut *MigrationTimedOutError
			if errors.As(err, &timedOut) {
				outcome = OutcomeTimedOut
			}
			report.Results = append(report.Results, MoveResult{Move: move, Outcome: outcome, Task: task, Reason: err.Error()})
			o.skipFrom(report, i+1)
			report.Reason = fmt.Sprintf("move %d of %d (%s) %s: %v", i+1, len(plan.Moves), move.Workload, outcome, err)

			span.RecordError(err)
			span.SetStatus(codes.Error, report.Reason)
			slog.Error("Stopping plan after failed move",
				"step", i+1,
				"workload", move.Workload.ID,
				"succeeded", report.Succeeded(),
				"notAttempted", report.NotAttempted(),
				"err", err,
			)
			return report, fmt.Errorf("move %d (%s): %w", i+1, move.Workload, err)
		}
		report.Results = append(report.Results, MoveResult{Move: move, Outcome: OutcomeSucceeded, Task: task})
	}

	slog.Info("Migration plan completed", "moves", len(plan.Moves))
	return report, nil
}

func (o *Orchestrator) skipFrom(report *Report, start int) {
	for _, move := range report.Plan.Moves[start:] {
		report.Results = append(report.Results, MoveResult{Move: move, Outcome: OutcomeNotAttempted})
	}
}
