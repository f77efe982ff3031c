package upgrade

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/docent-net/cluster-rolling-upgrader/pkg/config"
)

// Mode selects the apt upgrade flavour.
type Mode string

const (
	ModeUpgrade Mode = "upgrade"
	ModeDist    Mode = "dist"
	ModeFull    Mode = "full"
)

const (
	TransportDisabled = "disabled"
	TransportSSH      = "ssh"
)

// PackageUpgrader installs pending package upgrades on a node.
type PackageUpgrader interface {
	Upgrade(ctx context.Context, node string, mode Mode, autoremove bool) error
}

const aptGet = "DEBIAN_FRONTEND=noninteractive apt-get -y -o Dpkg::Options::=--force-confdef -o Dpkg::Options::=--force-confold"

// Commands returns the shell commands run for mode, in order.
func Commands(mode Mode, autoremove bool) ([]string, error) {
	var verb string
	switch mode {
	case ModeUpgrade:
		verb = "upgrade"
	case ModeDist:
		verb = "dist-upgrade"
	case ModeFull:
		verb = "full-upgrade"
	default:
		return nil, fmt.Errorf("unknown upgrade mode %q", mode)
	}
	cmds := []string{
		aptGet + " update",
		aptGet + " " + verb,
	}
	if autoremove {
		cmds = append(cmds, aptGet+" autoremove")
	}
	return cmds, nil
}

// UpgradeError is a failed upgrade command. Output holds the tail of what the command printed.
type UpgradeError struct {
	Node    string
	Command string
	Output  string
	Err     error
}

func (e *UpgradeError) Error() string {
	return fmt.Sprintf("upgrade on %s failed running %q: %v", e.Node, e.Command, e.Err)
}

func (e *UpgradeError) Unwrap() error {
	return e.Err
}

// NewFromConfig builds the upgrader selected by cfg.Upgrader.Mode.
func NewFromConfig(cfg *config.Config) (PackageUpgrader, error) {
	switch cfg.Upgrader.Mode {
	case TransportDisabled:
		return &NoopUpgrader{}, nil
	case TransportSSH:
		u := &SSHUpgrader{
			DryRun:  cfg.DryRun,
			User:    cfg.Upgrader.User,
			Port:    cfg.Upgrader.Port,
			Hosts:   cfg.Upgrader.Hosts,
			Timeout: cfg.Upgrader.Timeout,
		}
		if cfg.DryRun {
			slog.Debug("Dry-run: SSH upgrader will not connect to nodes")
			return u, nil
		}
		auth, err := privateKeyAuth(cfg.Upgrader.PrivateKeyPath)
		if err != nil {
			return nil, err
		}
		hostKeys, err := knownHostsCallback(cfg.Upgrader.KnownHostsPath)
		if err != nil {
			return nil, err
		}
		u.Auth = []ssh.AuthMethod{auth}
		u.HostKeyCallback = hostKeys
		return u, nil
	default:
		return nil, fmt.Errorf("unknown upgrader mode: %s", cfg.Upgrader.Mode)
	}
}

func privateKeyAuth(path string) (ssh.AuthMethod, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("locating default ssh key: %w", err)
		}
		path = filepath.Join(home, ".ssh", "id_ed25519")
	}
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading ssh private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(pem)
	if err != nil {
		return nil, fmt.Errorf("parsing ssh private key %s: %w", path, err)
	}
	return ssh.PublicKeys(signer), nil
}

func knownHostsCallback(path string) (ssh.HostKeyCallback, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("locating known_hosts: %w", err)
		}
		path = filepath.Join(home, ".ssh", "known_hosts")
	}
	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("loading known hosts %s: %w", path, err)
	}
	return cb, nil
}
