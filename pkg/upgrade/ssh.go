package upgrade

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
)

const outputTail = 2048

// SSHUpgrader runs apt on the node over SSH.
type SSHUpgrader struct {
	DryRun bool
	User   string
	Port   int
	// Hosts maps node names to addresses. Nodes missing from the map are dialled by name.
	Hosts           map[string]string
	Auth            []ssh.AuthMethod
	HostKeyCallback ssh.HostKeyCallback
	Timeout         time.Duration
	// DialContext opens the TCP connection. Nil uses a net.Dialer.
	DialContext func(ctx context.Context, network, addr string) (net.Conn, error)
}

func (s *SSHUpgrader) Upgrade(ctx context.Context, node string, mode Mode, autoremove bool) error {
	cmds, err := Commands(mode, autoremove)
	if err != nil {
		return err
	}
	addr := s.address(node)

	if s.DryRun {
		for _, cmd := range cmds {
			slog.Info("Dry-run: would run upgrade command", "node", node, "addr", addr, "cmd", cmd)
		}
		return nil
	}

	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	client, err := s.dial(ctx, addr)
	if err != nil {
		return &UpgradeError{Node: node, Err: fmt.Errorf("connecting to %s: %w", addr, err)}
	}
	defer client.Close()

	for _, cmd := range cmds {
		slog.Info("Running upgrade command", "node", node, "cmd", cmd)
		start := time.Now()
		out, err := run(ctx, client, cmd)
		if err != nil {
			return &UpgradeError{Node: node, Command: cmd, Output: tail(out), Err: err}
		}
		slog.Debug("Upgrade command finished", "node", node, "cmd", cmd, "elapsed", time.Since(start))
	}

	slog.Info("Packages upgraded", "node", node, "upgradeMode", mode)
	return nil
}

func (s *SSHUpgrader) address(node string) string {
	host := node
	if h, ok := s.Hosts[node]; ok && h != "" {
		host = h
	}
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	port := s.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func (s *SSHUpgrader) dial(ctx context.Context, addr string) (*ssh.Client, error) {
	dial := s.DialContext
	if dial == nil {
		var d net.Dialer
		dial = d.DialContext
	}
	conn, err := dial(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			conn.Close()
			return nil, fmt.Errorf("setting connection deadline: %w", err)
		}
	}
	cfg := &ssh.ClientConfig{
		User:            s.User,
		Auth:            s.Auth,
		HostKeyCallback: s.HostKeyCallback,
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return ssh.NewClient(c, chans, reqs), nil
}

// run executes cmd in a fresh session. Cancelling ctx closes the client, which ends the session.
func run(ctx context.Context, client *ssh.Client, cmd string) ([]byte, error) {
	sess, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("opening ssh session: %w", err)
	}
	defer sess.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			client.Close()
		case <-done:
		}
	}()

	out, err := sess.CombinedOutput(cmd)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return out, ctxErr
	}
	return out, err
}

func tail(b []byte) string {
	if len(b) > outputTail {
		b = b[len(b)-outputTail:]
	}
	return string(b)
}
