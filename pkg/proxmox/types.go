package proxmox

import (
	"strconv"
	"strings"

	"github.com/docent-net/cluster-rolling-upgrader/pkg/cluster"
)

// Wire shapes of the Proxmox VE API. Only the fields the upgrader reads are declared.

type nodeEntry struct {
	Node   string  `json:"node"`
	Status string  `json:"status"`
	CPU    float64 `json:"cpu"`
	MaxCPU float64 `json:"maxcpu"`
	Mem    int64   `json:"mem"`
	MaxMem int64   `json:"maxmem"`
	Uptime int64   `json:"uptime"`
}

func (n nodeEntry) toNode() cluster.Node {
	return cluster.Node{
		ID:        n.Node,
		Total:     cluster.Resources{CPU: n.MaxCPU, Memory: n.MaxMem},
		Allocated: cluster.Resources{CPU: n.CPU * n.MaxCPU, Memory: n.Mem},
		Online:    n.Status == "online",
		Uptime:    n.Uptime,
	}
}

type vmEntry struct {
	VMID     int     `json:"vmid"`
	Name     string  `json:"name"`
	Node     string  `json:"node"`
	Type     string  `json:"type"`
	Status   string  `json:"status"`
	CPU      float64 `json:"cpu"`
	MaxCPU   float64 `json:"maxcpu"`
	Mem      int64   `json:"mem"`
	MaxMem   int64   `json:"maxmem"`
	Template int     `json:"template"`
	Tags     string  `json:"tags"`
}

// toWorkload maps a cluster resource. Containers and templates cannot be live-migrated and are
// reported as not migratable, as are VMs carrying pinnedTag.
func (v vmEntry) toWorkload(pinnedTag string) cluster.Workload {
	running := v.Status == "running"
	w := cluster.Workload{
		ID:         strconv.Itoa(v.VMID),
		Name:       v.Name,
		Limit:      cluster.Resources{CPU: v.MaxCPU, Memory: v.MaxMem},
		Host:       v.Node,
		Running:    running,
		Migratable: v.Type == "qemu" && v.Template == 0 && !hasTag(v.Tags, pinnedTag),
	}
	if running {
		w.Demand = cluster.Resources{CPU: v.CPU * v.MaxCPU, Memory: v.Mem}
	}
	return w
}

func hasTag(tags, tag string) bool {
	if tag == "" {
		return false
	}
	for _, t := range strings.FieldsFunc(tags, func(r rune) bool { return r == ';' || r == ',' || r == ' ' }) {
		if t == tag {
			return true
		}
	}
	return false
}

type taskEntry struct {
	UPID    string `json:"upid"`
	Node    string `json:"node"`
	Type    string `json:"type"`
	Status  string `json:"status"`
	EndTime int64  `json:"endtime"`
}

type taskStatusEntry struct {
	Status     string `json:"status"`
	ExitStatus string `json:"exitstatus"`
}

func (t taskStatusEntry) toStatus() cluster.TaskStatus {
	if t.Status != "stopped" {
		return cluster.TaskStatus{Phase: cluster.TaskRunning}
	}
	if t.ExitStatus == "OK" || strings.HasPrefix(t.ExitStatus, "WARNINGS") {
		return cluster.TaskStatus{Phase: cluster.TaskSucceeded, ExitStatus: t.ExitStatus}
	}
	return cluster.TaskStatus{Phase: cluster.TaskFailed, ExitStatus: t.ExitStatus}
}
