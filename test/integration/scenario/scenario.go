//go:build integration
// +build integration

package scenario

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"k8s.io/client-go/util/flowcontrol"

	"github.com/docent-net/cluster-rolling-upgrader/pkg/cluster"
	"github.com/docent-net/cluster-rolling-upgrader/pkg/cluster/clustertest"
	"github.com/docent-net/cluster-rolling-upgrader/pkg/proxmox"
	"github.com/docent-net/cluster-rolling-upgrader/pkg/upgrade"
)

// --- Fake Proxmox VE endpoint ------------------------------------------------

// PVE serves the subset of the Proxmox VE API the upgrader uses, backed by an in-memory cluster.
type PVE struct {
	*httptest.Server
	Cluster *clustertest.FakeAPI

	mu       sync.Mutex
	downtime map[string]time.Duration
}

func NewPVE(c *clustertest.FakeAPI) *PVE {
	p := &PVE{Cluster: c, downtime: map[string]time.Duration{}}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api2/json/nodes", p.nodes)
	mux.HandleFunc("GET /api2/json/cluster/resources", p.resources)
	mux.HandleFunc("GET /api2/json/cluster/tasks", p.tasks)
	mux.HandleFunc("GET /api2/json/nodes/{node}/tasks", p.tasks)
	mux.HandleFunc("PUT /api2/json/nodes/{node}/qemu/{vmid}/config", p.config)
	mux.HandleFunc("POST /api2/json/nodes/{node}/qemu/{vmid}/migrate", p.migrate)
	mux.HandleFunc("GET /api2/json/nodes/{node}/tasks/{upid}/status", p.taskStatus)
	mux.HandleFunc("POST /api2/json/nodes/{node}/status", p.reboot)
	p.Server = httptest.NewServer(mux)
	return p
}

// Client returns a Proxmox client pointed at the fake endpoint without rate limiting.
func (p *PVE) Client() *proxmox.Client {
	return proxmox.New(p.URL, "automation@pve!it", "secret",
		proxmox.WithRateLimiter(flowcontrol.NewFakeAlwaysRateLimiter()),
		proxmox.WithPinnedTag("pinned"),
	)
}

// params reads request parameters sent either as a JSON object or form-encoded.
func params(r *http.Request) url.Values {
	body, _ := io.ReadAll(r.Body)
	r.Body = io.NopCloser(bytes.NewReader(body))
	out := url.Values{}
	if strings.HasPrefix(strings.TrimSpace(string(body)), "{") {
		var m map[string]any
		_ = json.Unmarshal(body, &m)
		for k, v := range m {
			out.Set(k, fmt.Sprint(v))
		}
		return out
	}
	out, _ = url.ParseQuery(string(body))
	return out
}

func reply(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
}

func fail(w http.ResponseWriter, code int, err error) {
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{"data": nil, "errors": map[string]string{"request": err.Error()}})
}

func (p *PVE) nodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := p.Cluster.ListNodes(r.Context())
	if err != nil {
		fail(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]map[string]any, 0, len(nodes))
	for _, n := range nodes {
		status := "offline"
		if n.Online {
			status = "online"
		}
		cpu := 0.0
		if n.Total.CPU > 0 {
			cpu = n.Allocated.CPU / n.Total.CPU
		}
		out = append(out, map[string]any{
			"node": n.ID, "status": status, "uptime": n.Uptime,
			"cpu": cpu, "maxcpu": n.Total.CPU, "mem": n.Allocated.Memory, "maxmem": n.Total.Memory,
		})
	}
	reply(w, out)
}

func (p *PVE) resources(w http.ResponseWriter, r *http.Request) {
	ws, err := p.Cluster.ListWorkloads(r.Context())
	if err != nil {
		fail(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]map[string]any, 0, len(ws))
	for _, wl := range ws {
		vmid, _ := strconv.Atoi(wl.ID)
		status, tags := "stopped", ""
		if wl.Running {
			status = "running"
		}
		if !wl.Migratable {
			tags = "pinned"
		}
		cpu := 0.0
		if wl.Limit.CPU > 0 {
			cpu = wl.Demand.CPU / wl.Limit.CPU
		}
		out = append(out, map[string]any{
			"vmid": vmid, "name": wl.Name, "node": wl.Host, "type": "qemu", "status": status, "tags": tags,
			"cpu": cpu, "maxcpu": wl.Limit.CPU, "mem": wl.Demand.Memory, "maxmem": wl.Limit.Memory,
		})
	}
	reply(w, out)
}

func (p *PVE) tasks(w http.ResponseWriter, r *http.Request) {
	node := r.PathValue("node")
	tasks, err := p.Cluster.ListTasks(r.Context(), node)
	if err != nil {
		fail(w, http.StatusInternalServerError, err)
		return
	}
	out := []map[string]any{}
	for _, t := range tasks {
		if node != "" && !t.Active {
			continue
		}
		entry := map[string]any{"upid": t.ID, "node": t.Node, "type": t.Type}
		if !t.Active {
			entry["status"] = "OK"
			entry["endtime"] = 1
		}
		out = append(out, entry)
	}
	reply(w, out)
}

func (p *PVE) config(w http.ResponseWriter, r *http.Request) {
	secs, err := strconv.ParseFloat(params(r).Get("migrate_downtime"), 64)
	if err != nil {
		fail(w, http.StatusBadRequest, err)
		return
	}
	p.mu.Lock()
	p.downtime[r.PathValue("vmid")] = time.Duration(secs * float64(time.Second))
	p.mu.Unlock()
	reply(w, nil)
}

func (p *PVE) migrate(w http.ResponseWriter, r *http.Request) {
	vmid := r.PathValue("vmid")
	ws, err := p.Cluster.ListWorkloads(r.Context())
	if err != nil {
		fail(w, http.StatusInternalServerError, err)
		return
	}
	for _, wl := range ws {
		if wl.ID != vmid || wl.Host != r.PathValue("node") {
			continue
		}
		p.mu.Lock()
		downtime := p.downtime[vmid]
		p.mu.Unlock()
		h, err := p.Cluster.Migrate(r.Context(), wl, params(r).Get("target"), downtime)
		if err != nil {
			fail(w, http.StatusInternalServerError, err)
			return
		}
		reply(w, h.ID)
		return
	}
	http.NotFound(w, r)
}

func (p *PVE) taskStatus(w http.ResponseWriter, r *http.Request) {
	st, err := p.Cluster.TaskStatus(r.Context(), cluster.TaskHandle{ID: r.PathValue("upid"), Node: r.PathValue("node")})
	if err != nil {
		fail(w, http.StatusNotFound, err)
		return
	}
	switch st.Phase {
	case cluster.TaskRunning:
		reply(w, map[string]any{"status": "running"})
	default:
		reply(w, map[string]any{"status": "stopped", "exitstatus": st.ExitStatus})
	}
}

func (p *PVE) reboot(w http.ResponseWriter, r *http.Request) {
	if params(r).Get("command") != "reboot" {
		fail(w, http.StatusBadRequest, errors.New("unsupported command"))
		return
	}
	if err := p.Cluster.Reboot(r.Context(), r.PathValue("node")); err != nil {
		fail(w, http.StatusInternalServerError, err)
		return
	}
	reply(w, nil)
}

// --- Cluster helpers ---------------------------------------------------------

// ThreeNodeCluster returns three 32-core/128 GiB nodes with every VM on pve1. Rebooted nodes
// come back with a fresh uptime counter.
func ThreeNodeCluster() *clustertest.FakeAPI {
	c := &clustertest.FakeAPI{
		OnReboot: func(f *clustertest.FakeAPI, node string) {
			n, _ := f.GetNode(node)
			n.Uptime = 30
			f.SetNode(n)
		},
	}
	for _, id := range []string{"pve1", "pve2", "pve3"} {
		n := clustertest.Node(id, 32, 128)
		n.Uptime = 7 * 24 * 3600
		c.Nodes = append(c.Nodes, n)
	}
	for i, size := range []int64{16, 16, 8, 8, 4, 4} {
		c.Workloads = append(c.Workloads, clustertest.VM(strconv.Itoa(100+i), "pve1", float64(size/4), size))
	}
	return c
}

// UpgradeRecorder records package upgrades instead of running apt.
type UpgradeRecorder struct {
	mu    sync.Mutex
	Nodes []string
}

func (u *UpgradeRecorder) Upgrade(_ context.Context, node string, _ upgrade.Mode, _ bool) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.Nodes = append(u.Nodes, node)
	return nil
}
