// Package proxmox implements cluster.API on top of the Proxmox VE REST API.
package proxmox

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	gproxmox "github.com/luthermonson/go-proxmox"
	"k8s.io/client-go/util/flowcontrol"

	"github.com/docent-net/cluster-rolling-upgrader/pkg/cluster"
	"github.com/docent-net/cluster-rolling-upgrader/pkg/config"
)

const apiPrefix = "/api2/json"

// Client talks to one Proxmox VE cluster through any of its nodes.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Limiter flowcontrol.RateLimiter
	// PinnedTag marks VMs that must stay where they are.
	PinnedTag string

	api *gproxmox.Client
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.HTTP = c }
}

func WithRateLimiter(l flowcontrol.RateLimiter) Option {
	return func(cl *Client) { cl.Limiter = l }
}

func WithPinnedTag(tag string) Option {
	return func(cl *Client) { cl.PinnedTag = tag }
}

func New(baseURL, tokenID, tokenSecret string, opts ...Option) *Client {
	c := &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 30 * time.Second},
		Limiter: flowcontrol.NewTokenBucketRateLimiter(5, 10),
	}
	for _, opt := range opts {
		opt(c)
	}

	hc := *c.HTTP
	hc.Transport = &limitedTransport{base: hc.Transport, limiter: c.Limiter}
	c.api = gproxmox.NewClient(c.BaseURL+apiPrefix,
		gproxmox.WithHTTPClient(&hc),
		gproxmox.WithAPIToken(tokenID, tokenSecret),
	)
	return c
}

// NewFromConfig builds a client from the api and balance sections of cfg.
func NewFromConfig(cfg *config.Config) (*Client, error) {
	if err := cfg.ValidateAPI(); err != nil {
		return nil, err
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.API.InsecureSkipVerify {
		slog.Warn("TLS verification of the Proxmox API is disabled")
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return New(cfg.API.URL, cfg.API.TokenID, cfg.API.TokenSecret,
		WithHTTPClient(&http.Client{Timeout: cfg.API.Timeout, Transport: transport}),
		WithRateLimiter(flowcontrol.NewTokenBucketRateLimiter(cfg.API.QPS, cfg.API.Burst)),
		WithPinnedTag(cfg.Balance.PinnedTag),
	), nil
}

func (c *Client) ListNodes(ctx context.Context) ([]cluster.Node, error) {
	var statuses gproxmox.NodeStatuses
	err := c.call(ctx, "list nodes", func(ctx context.Context) error {
		var err error
		statuses, err = c.api.Nodes(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	nodes := make([]cluster.Node, 0, len(statuses))
	for _, s := range statuses {
		if s == nil {
			continue
		}
		nodes = append(nodes, nodeEntry{
			Node:   s.Node,
			Status: s.Status,
			CPU:    float64(s.CPU),
			MaxCPU: float64(s.MaxCPU),
			Mem:    int64(s.Mem),
			MaxMem: int64(s.MaxMem),
			Uptime: int64(s.Uptime),
		}.toNode())
	}
	return nodes, nil
}

func (c *Client) ListWorkloads(ctx context.Context) ([]cluster.Workload, error) {
	var entries []vmEntry
	if err := c.get(ctx, "list workloads", "/cluster/resources?type=vm", &entries); err != nil {
		return nil, err
	}
	workloads := make([]cluster.Workload, 0, len(entries))
	for _, e := range entries {
		workloads = append(workloads, e.toWorkload(c.PinnedTag))
	}
	return workloads, nil
}

// ListTasks returns active tasks. For a single node it asks that node for its active tasks; for
// the whole cluster it filters the cluster task log for tasks without an end time.
func (c *Client) ListTasks(ctx context.Context, node string) ([]cluster.Task, error) {
	path := "/cluster/tasks"
	if node != "" {
		path = "/nodes/" + url.PathEscape(node) + "/tasks?source=active"
	}
	var entries []taskEntry
	if err := c.get(ctx, "list tasks", path, &entries); err != nil {
		return nil, err
	}

	var tasks []cluster.Task
	for _, e := range entries {
		active := e.EndTime == 0 && (e.Status == "" || e.Status == "running")
		if node != "" {
			active = true
		}
		tasks = append(tasks, cluster.Task{ID: e.UPID, Node: e.Node, Type: e.Type, Active: active})
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks, nil
}

// Migrate sets the VM's migrate_downtime when downtime is positive and starts an online migration.
func (c *Client) Migrate(ctx context.Context, w cluster.Workload, destination string, downtime time.Duration) (cluster.TaskHandle, error) {
	vmPath := "/nodes/" + url.PathEscape(w.Host) + "/qemu/" + url.PathEscape(w.ID)

	if downtime > 0 {
		params := map[string]any{"migrate_downtime": downtime.Seconds()}
		err := c.call(ctx, "set migrate downtime", func(ctx context.Context) error {
			return c.api.Put(ctx, vmPath+"/config", params, nil)
		})
		if err != nil {
			return cluster.TaskHandle{}, err
		}
	}

	var upid gproxmox.UPID
	params := map[string]any{"target": destination, "online": 1}
	err := c.call(ctx, "migrate", func(ctx context.Context) error {
		return c.api.Post(ctx, vmPath+"/migrate", params, &upid)
	})
	if err != nil {
		return cluster.TaskHandle{}, err
	}
	if upid == "" {
		return cluster.TaskHandle{}, &cluster.APIError{Op: "migrate", Err: errors.New("no task id in response")}
	}
	slog.Debug("Migration task started", "workload", w.ID, "destination", destination, "upid", upid)
	return cluster.TaskHandle{ID: string(upid), Node: w.Host}, nil
}

func (c *Client) TaskStatus(ctx context.Context, h cluster.TaskHandle) (cluster.TaskStatus, error) {
	var entry taskStatusEntry
	path := "/nodes/" + url.PathEscape(h.Node) + "/tasks/" + url.PathEscape(h.ID) + "/status"
	if err := c.get(ctx, "task status", path, &entry); err != nil {
		return cluster.TaskStatus{}, err
	}
	return entry.toStatus(), nil
}

func (c *Client) Reboot(ctx context.Context, node string) error {
	return c.call(ctx, "reboot", func(ctx context.Context) error {
		return c.api.Post(ctx, "/nodes/"+url.PathEscape(node)+"/status", map[string]string{"command": "reboot"}, nil)
	})
}

// NodeOnline reports the cluster's own view of node membership.
func (c *Client) NodeOnline(ctx context.Context, node string) (bool, error) {
	nodes, err := c.ListNodes(ctx)
	if err != nil {
		return false, err
	}
	for _, n := range nodes {
		if n.ID == node {
			return n.Online, nil
		}
	}
	return false, nil
}

func (c *Client) get(ctx context.Context, op, path string, out any) error {
	return c.call(ctx, op, func(ctx context.Context) error {
		return c.api.Get(ctx, path, out)
	})
}

// call runs fn with a response recorder in its context and turns any failure into an APIError.
// The recorded status and error body win over whatever the library made of them.
func (c *Client) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	rec := &exchange{}
	err := fn(context.WithValue(ctx, exchangeKey{}, rec))

	if rec.status != 0 && (rec.status < 200 || rec.status > 299) {
		return &cluster.APIError{Op: op, StatusCode: rec.status, Err: errors.New(rec.failureMessage())}
	}
	if err == nil {
		return nil
	}
	code := rec.status
	if code == 0 && errors.Is(err, gproxmox.ErrNotAuthorized) {
		code = http.StatusUnauthorized
	}
	return &cluster.APIError{Op: op, StatusCode: code, Err: err}
}
