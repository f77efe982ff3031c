package proxmox

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"k8s.io/client-go/util/flowcontrol"

	"github.com/docent-net/cluster-rolling-upgrader/pkg/metrics"
)

type exchangeKey struct{}

// exchange records the outcome of the HTTP round trip behind one API call.
type exchange struct {
	status     int
	statusLine string
	body       []byte
}

// failureMessage prefers the per-parameter errors Proxmox returns over the bare status line.
func (e *exchange) failureMessage() string {
	msg := e.statusLine
	if msg == "" {
		msg = strconv.Itoa(e.status) + " " + http.StatusText(e.status)
	}
	var env struct {
		Errors map[string]string `json:"errors"`
	}
	if err := json.Unmarshal(e.body, &env); err != nil || len(env.Errors) == 0 {
		return msg
	}
	keys := make([]string, 0, len(env.Errors))
	for k := range env.Errors {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+strings.TrimSpace(env.Errors[k]))
	}
	return msg + " (" + strings.Join(parts, "; ") + ")"
}

// limitedTransport rate-limits every request and counts responses by method and status.
type limitedTransport struct {
	base    http.RoundTripper
	limiter flowcontrol.RateLimiter
}

func (t *limitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.limiter != nil {
		if err := t.limiter.Wait(req.Context()); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}

	resp, err := base.RoundTrip(req)
	if err != nil {
		metrics.APIRequests.WithLabelValues(req.Method, "error").Inc()
		return nil, err
	}
	metrics.APIRequests.WithLabelValues(req.Method, strconv.Itoa(resp.StatusCode)).Inc()

	rec, ok := req.Context().Value(exchangeKey{}).(*exchange)
	if !ok {
		return resp, nil
	}
	rec.status = resp.StatusCode
	rec.statusLine = resp.Status
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr == nil {
			rec.body = body
		}
		resp.Body = io.NopCloser(bytes.NewReader(body))
	}
	return resp, nil
}
