package cluster

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

const dryRunTaskPrefix = "dry-run:"

// DryRunAPI passes reads through to the wrapped API and only logs mutations. Migrations it
// pretends to start report success on the first status poll.
type DryRunAPI struct {
	API
}

func NewDryRunAPI(api API) *DryRunAPI {
	return &DryRunAPI{API: api}
}

func (d *DryRunAPI) Migrate(_ context.Context, w Workload, destination string, downtime time.Duration) (TaskHandle, error) {
	slog.Info("Dry-run: would migrate workload", "workload", w.ID, "source", w.Host, "destination", destination, "downtime", downtime)
	return TaskHandle{ID: dryRunTaskPrefix + w.ID, Node: w.Host}, nil
}

func (d *DryRunAPI) TaskStatus(ctx context.Context, h TaskHandle) (TaskStatus, error) {
	if strings.HasPrefix(h.ID, dryRunTaskPrefix) {
		return TaskStatus{Phase: TaskSucceeded, ExitStatus: "OK"}, nil
	}
	return d.API.TaskStatus(ctx, h)
}

func (d *DryRunAPI) Reboot(_ context.Context, node string) error {
	slog.Info("Dry-run: would reboot node", "node", node)
	return nil
}
