package migration

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/AlecAivazis/survey/v2"

	"github.com/docent-net/cluster-rolling-upgrader/pkg/planner"
)

// ConfirmationPrompt asks an operator to approve a plan before any move runs.
type ConfirmationPrompt interface {
	Confirm(ctx context.Context, plan *planner.MigrationPlan) (bool, error)
}

// AutoApprove accepts every plan. Used when confirmation is disabled.
type AutoApprove struct{}

func (AutoApprove) Confirm(_ context.Context, plan *planner.MigrationPlan) (bool, error) {
	slog.Debug("Confirmation disabled; approving plan", "moves", len(plan.Moves))
	return true, nil
}

// ConfirmFunc adapts a function to ConfirmationPrompt.
type ConfirmFunc func(ctx context.Context, plan *planner.MigrationPlan) (bool, error)

func (f ConfirmFunc) Confirm(ctx context.Context, plan *planner.MigrationPlan) (bool, error) {
	return f(ctx, plan)
}

// SurveyPrompt asks on the controlling terminal.
type SurveyPrompt struct {
	Opts []survey.AskOpt
}

func (s SurveyPrompt) Confirm(ctx context.Context, plan *planner.MigrationPlan) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	msg := fmt.Sprintf("Execute %d migration(s)?\n%s\n", len(plan.Moves), plan)
	if plan.Mode == planner.ModeEvacuation {
		msg = fmt.Sprintf("Evacuate node %s with %d migration(s)?\n%s\n", plan.Node, len(plan.Moves), plan)
	}

	approved := false
	if err := survey.AskOne(&survey.Confirm{Message: msg, Default: false}, &approved, s.Opts...); err != nil {
		return false, fmt.Errorf("reading confirmation: %w", err)
	}
	return approved, nil
}
