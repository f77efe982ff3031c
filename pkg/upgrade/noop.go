package upgrade

import (
	"context"
	"log/slog"
)

type NoopUpgrader struct{}

func (n *NoopUpgrader) Upgrade(_ context.Context, node string, mode Mode, autoremove bool) error {
	slog.Info("Package upgrade skipped, mode=disabled", "node", node, "upgradeMode", mode, "autoremove", autoremove)
	return nil
}
