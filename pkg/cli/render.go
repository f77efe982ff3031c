package cli

import (
	"fmt"
	"io"
	"strconv"

	"github.com/pterm/pterm"

	"github.com/docent-net/cluster-rolling-upgrader/pkg/cluster"
	"github.com/docent-net/cluster-rolling-upgrader/pkg/maintenance"
	"github.com/docent-net/cluster-rolling-upgrader/pkg/migration"
	"github.com/docent-net/cluster-rolling-upgrader/pkg/planner"
	"github.com/docent-net/cluster-rolling-upgrader/utils/units"
)

func renderTable(w io.Writer, data pterm.TableData) error {
	s, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, s)
	return err
}

func percent(r float64) string {
	return fmt.Sprintf("%.1f%%", r*100)
}

func renderNodes(w io.Writer, before, after *cluster.ClusterState, metric planner.LoadMetric) error {
	data := pterm.TableData{{"Node", "Status", "CPU", "Memory", "Load", "Load after plan"}}
	for _, n := range before.Nodes {
		status := "online"
		switch {
		case !n.Online:
			status = "offline"
		case n.Excluded:
			status = "excluded"
		}
		loadAfter := "-"
		if a, ok := after.Node(n.ID); ok {
			loadAfter = percent(metric.Ratio(a.Allocated, a.Total))
		}
		data = append(data, []string{
			n.ID,
			status,
			fmt.Sprintf("%.1f/%.0f", n.Allocated.CPU, n.Total.CPU),
			units.Bytes(n.Allocated.Memory) + "/" + units.Bytes(n.Total.Memory),
			percent(metric.Ratio(n.Allocated, n.Total)),
			loadAfter,
		})
	}
	return renderTable(w, data)
}

func renderPlan(w io.Writer, plan *planner.MigrationPlan) error {
	data := pterm.TableData{{"#", "Workload", "From", "To", "Source load", "Destination load"}}
	for i, m := range plan.Moves {
		data = append(data, []string{
			strconv.Itoa(i + 1),
			m.Workload.String(),
			m.Source,
			m.Destination,
			percent(m.Delta.SourceBefore) + " -> " + percent(m.Delta.SourceAfter),
			percent(m.Delta.DestinationBefore) + " -> " + percent(m.Delta.DestinationAfter),
		})
	}
	return renderTable(w, data)
}

func renderUnplaceable(w io.Writer, e *planner.InfeasibleError) error {
	data := pterm.TableData{{"Workload", "Reason"}}
	for _, u := range e.Unplaceable {
		data = append(data, []string{u.Workload.String(), u.Reason})
	}
	return renderTable(w, data)
}

func renderReport(w io.Writer, r *migration.Report) error {
	if r == nil || len(r.Results) == 0 {
		return nil
	}
	data := pterm.TableData{{"#", "Workload", "From", "To", "Outcome", "Elapsed", "Reason"}}
	for i, res := range r.Results {
		elapsed := "-"
		if res.Task != nil && res.Task.Elapsed > 0 {
			elapsed = res.Task.Elapsed.String()
		}
		data = append(data, []string{
			strconv.Itoa(i + 1),
			res.Move.Workload.String(),
			res.Move.Source,
			res.Move.Destination,
			string(res.Outcome),
			elapsed,
			res.Reason,
		})
	}
	if err := renderTable(w, data); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "%d of %d moves succeeded\n", r.Succeeded(), len(r.Results))
	if err == nil && r.Reason != "" {
		_, err = fmt.Fprintf(w, "Reason: %s\n", r.Reason)
	}
	return err
}

func renderSession(w io.Writer, s *maintenance.Session) error {
	if s == nil {
		return nil
	}
	data := pterm.TableData{{"From", "To", "At"}}
	for _, tr := range s.Transitions {
		data = append(data, []string{string(tr.From), string(tr.To), tr.At.Format("15:04:05")})
	}
	if err := renderTable(w, data); err != nil {
		return err
	}
	if err := renderReport(w, s.Report); err != nil {
		return err
	}
	_, err := fmt.Fprintln(w, s.Summary())
	return err
}
