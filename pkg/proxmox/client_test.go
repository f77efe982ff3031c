package proxmox_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"k8s.io/client-go/util/flowcontrol"

	"github.com/docent-net/cluster-rolling-upgrader/pkg/cluster"
	"github.com/docent-net/cluster-rolling-upgrader/pkg/config"
	"github.com/docent-net/cluster-rolling-upgrader/pkg/proxmox"
)

type request struct {
	Method string
	Path   string
	Form   url.Values
	Auth   string
}

type pveServer struct {
	mu       sync.Mutex
	requests []request
	mux      *http.ServeMux
}

func newServer(t *testing.T) (*pveServer, *proxmox.Client) {
	t.Helper()
	s := &pveServer{mux: http.NewServeMux()}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests = append(s.requests, request{Method: r.Method, Path: r.URL.Path, Form: params(r), Auth: r.Header.Get("Authorization")})
		s.mu.Unlock()
		s.mux.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	c := proxmox.New(srv.URL+"/", "automation@pve!upgrader", "s3cret",
		proxmox.WithRateLimiter(flowcontrol.NewFakeAlwaysRateLimiter()),
		proxmox.WithPinnedTag("pinned"),
	)
	return s, c
}

// params reads request parameters whether they were sent as JSON or form-encoded.
func params(r *http.Request) url.Values {
	body, _ := io.ReadAll(r.Body)
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

func (s *pveServer) handle(pattern string, data any) {
	s.mux.HandleFunc(pattern, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
	})
}

func (s *pveServer) recorded() []request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]request(nil), s.requests...)
}

func TestListNodes(t *testing.T) {
	s, c := newServer(t)
	s.handle("GET /api2/json/nodes", []map[string]any{
		{"node": "pve1", "status": "online", "cpu": 0.25, "maxcpu": 16, "mem": 8 << 30, "maxmem": 64 << 30, "uptime": 3600},
		{"node": "pve2", "status": "offline", "maxcpu": 16, "maxmem": 64 << 30},
	})

	nodes, err := c.ListNodes(context.Background())
	require.NoError(t, err)
	require.Equal(t, []cluster.Node{
		{
			ID:        "pve1",
			Total:     cluster.Resources{CPU: 16, Memory: 64 << 30},
			Allocated: cluster.Resources{CPU: 4, Memory: 8 << 30},
			Online:    true,
			Uptime:    3600,
		},
		{ID: "pve2", Total: cluster.Resources{CPU: 16, Memory: 64 << 30}},
	}, nodes)
	require.Equal(t, "PVEAPIToken=automation@pve!upgrader=s3cret", s.recorded()[0].Auth)
}

func TestListWorkloads(t *testing.T) {
	s, c := newServer(t)
	s.handle("GET /api2/json/cluster/resources", []map[string]any{
		{"vmid": 100, "name": "web", "node": "pve1", "type": "qemu", "status": "running", "cpu": 0.5, "maxcpu": 4, "mem": 2 << 30, "maxmem": 8 << 30},
		{"vmid": 101, "name": "db", "node": "pve1", "type": "qemu", "status": "running", "cpu": 0.1, "maxcpu": 2, "mem": 1 << 30, "maxmem": 4 << 30, "tags": "prod;pinned"},
		{"vmid": 102, "name": "tpl", "node": "pve2", "type": "qemu", "status": "stopped", "maxcpu": 2, "maxmem": 2 << 30, "template": 1},
		{"vmid": 103, "name": "ct", "node": "pve2", "type": "lxc", "status": "running", "cpu": 0.5, "maxcpu": 2, "mem": 1 << 30, "maxmem": 2 << 30},
	})

	ws, err := c.ListWorkloads(context.Background())
	require.NoError(t, err)
	require.Len(t, ws, 4)

	require.Equal(t, cluster.Workload{
		ID:         "100",
		Name:       "web",
		Demand:     cluster.Resources{CPU: 2, Memory: 2 << 30},
		Limit:      cluster.Resources{CPU: 4, Memory: 8 << 30},
		Host:       "pve1",
		Migratable: true,
		Running:    true,
	}, ws[0])
	require.False(t, ws[1].Migratable, "pinned tag")
	require.False(t, ws[2].Migratable, "template")
	require.False(t, ws[2].Running)
	require.True(t, ws[2].Demand.IsZero())
	require.False(t, ws[3].Migratable, "container")

	require.Equal(t, "/api2/json/cluster/resources", s.recorded()[0].Path)
}

func TestListTasks(t *testing.T) {
	s, c := newServer(t)
	s.handle("GET /api2/json/nodes/{node}/tasks", []map[string]any{
		{"upid": "UPID:pve1:2:vzdump", "node": "pve1", "type": "vzdump"},
		{"upid": "UPID:pve1:1:qmigrate", "node": "pve1", "type": "qmigrate"},
	})
	s.handle("GET /api2/json/cluster/tasks", []map[string]any{
		{"upid": "UPID:pve1:1:qmigrate", "node": "pve1", "type": "qmigrate"},
		{"upid": "UPID:pve2:3:vzdump", "node": "pve2", "type": "vzdump", "status": "OK", "endtime": 1700000000},
	})

	tasks, err := c.ListTasks(context.Background(), "pve1")
	require.NoError(t, err)
	require.Equal(t, []cluster.Task{
		{ID: "UPID:pve1:1:qmigrate", Node: "pve1", Type: "qmigrate", Active: true},
		{ID: "UPID:pve1:2:vzdump", Node: "pve1", Type: "vzdump", Active: true},
	}, tasks)

	all, err := c.ListTasks(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.True(t, all[0].Active)
	require.False(t, all[1].Active)
}

func TestMigrate(t *testing.T) {
	s, c := newServer(t)
	s.handle("PUT /api2/json/nodes/{node}/qemu/{vmid}/config", nil)
	s.handle("POST /api2/json/nodes/{node}/qemu/{vmid}/migrate", "UPID:pve1:00001234:qmigrate:100:root@pam:")

	w := cluster.Workload{ID: "100", Host: "pve1"}
	h, err := c.Migrate(context.Background(), w, "pve2", 500*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, cluster.TaskHandle{ID: "UPID:pve1:00001234:qmigrate:100:root@pam:", Node: "pve1"}, h)

	reqs := s.recorded()
	require.Len(t, reqs, 2)
	require.Equal(t, http.MethodPut, reqs[0].Method)
	require.Equal(t, "/api2/json/nodes/pve1/qemu/100/config", reqs[0].Path)
	require.Equal(t, "0.5", reqs[0].Form.Get("migrate_downtime"))
	require.Equal(t, "/api2/json/nodes/pve1/qemu/100/migrate", reqs[1].Path)
	require.Equal(t, "pve2", reqs[1].Form.Get("target"))
	require.Equal(t, "1", reqs[1].Form.Get("online"))
}

func TestMigrate_NoDowntimeSkipsConfig(t *testing.T) {
	s, c := newServer(t)
	s.handle("POST /api2/json/nodes/{node}/qemu/{vmid}/migrate", "UPID:pve1:1:qmigrate:100:")

	_, err := c.Migrate(context.Background(), cluster.Workload{ID: "100", Host: "pve1"}, "pve2", 0)
	require.NoError(t, err)
	require.Len(t, s.recorded(), 1)
}

func TestMigrate_RejectedReturnsAPIError(t *testing.T) {
	s, c := newServer(t)
	s.mux.HandleFunc("POST /api2/json/nodes/{node}/qemu/{vmid}/migrate", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"data":null,"errors":{"target":"target node is not online"}}`)
	})

	_, err := c.Migrate(context.Background(), cluster.Workload{ID: "100", Host: "pve1"}, "pve2", 0)
	var apiErr *cluster.APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	require.Equal(t, "migrate", apiErr.Op)
	require.ErrorContains(t, err, "target node is not online")
}

func TestTaskStatus(t *testing.T) {
	cases := map[string]struct {
		body  map[string]any
		phase cluster.TaskPhase
	}{
		"running":  {map[string]any{"status": "running"}, cluster.TaskRunning},
		"ok":       {map[string]any{"status": "stopped", "exitstatus": "OK"}, cluster.TaskSucceeded},
		"warnings": {map[string]any{"status": "stopped", "exitstatus": "WARNINGS: 1"}, cluster.TaskSucceeded},
		"failed":   {map[string]any{"status": "stopped", "exitstatus": "migration aborted"}, cluster.TaskFailed},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			s, c := newServer(t)
			var gotUPID string
			s.mux.HandleFunc("GET /api2/json/nodes/{node}/tasks/{upid}/status", func(w http.ResponseWriter, r *http.Request) {
				gotUPID = r.PathValue("upid")
				_ = json.NewEncoder(w).Encode(map[string]any{"data": tc.body})
			})

			st, err := c.TaskStatus(context.Background(), cluster.TaskHandle{ID: "UPID:pve1:1:qmigrate:100:root@pam:", Node: "pve1"})
			require.NoError(t, err)
			require.Equal(t, tc.phase, st.Phase)
			require.Equal(t, "UPID:pve1:1:qmigrate:100:root@pam:", gotUPID)
		})
	}
}

func TestRebootAndNodeOnline(t *testing.T) {
	s, c := newServer(t)
	s.handle("POST /api2/json/nodes/{node}/status", nil)
	s.handle("GET /api2/json/nodes", []map[string]any{
		{"node": "pve1", "status": "online", "maxcpu": 8, "maxmem": 1 << 30},
	})

	require.NoError(t, c.Reboot(context.Background(), "pve1"))
	reqs := s.recorded()
	require.Equal(t, "/api2/json/nodes/pve1/status", reqs[0].Path)
	require.Equal(t, "reboot", reqs[0].Form.Get("command"))

	online, err := c.NodeOnline(context.Background(), "pve1")
	require.NoError(t, err)
	require.True(t, online)

	online, err = c.NodeOnline(context.Background(), "pve9")
	require.NoError(t, err)
	require.False(t, online)
}

func TestUnauthorized(t *testing.T) {
	s, c := newServer(t)
	s.mux.HandleFunc("GET /api2/json/nodes", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "authentication failure", http.StatusUnauthorized)
	})

	_, err := c.ListNodes(context.Background())
	var apiErr *cluster.APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
}

func TestNewFromConfig(t *testing.T) {
	cfg := config.Default()
	_, err := proxmox.NewFromConfig(cfg)
	require.Error(t, err, "api url and token are required")

	cfg.API.URL = "https://pve1.example.com:8006"
	cfg.API.TokenID = "automation@pve!upgrader"
	cfg.API.TokenSecret = "s3cret"
	c, err := proxmox.NewFromConfig(cfg)
	require.NoError(t, err)
	require.Equal(t, "https://pve1.example.com:8006", c.BaseURL)
	require.Equal(t, cfg.Balance.PinnedTag, c.PinnedTag)
}

func TestTaskStatus_MissingTaskReturnsAPIError(t *testing.T) {
	s, c := newServer(t)
	s.mux.HandleFunc("GET /api2/json/nodes/{node}/tasks/{upid}/status", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, `{"data":null,"errors":{"upid":"no such task"}}`)
	})

	_, err := c.TaskStatus(context.Background(), cluster.TaskHandle{ID: "UPID:pve1:1:qmigrate:100:root@pam:", Node: "pve1"})
	var apiErr *cluster.APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
	require.Equal(t, "task status", apiErr.Op)
	require.ErrorContains(t, err, "no such task")
}
