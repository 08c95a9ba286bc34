package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/terabiome/qlaunch/pkg/executor"
)

const defaultSSHPort = 22

// Host is a launch target. A Host without SSH runs commands through the
// local shell.
type Host struct {
	Name        string
	SSH         *executor.SSHConfig
	Credentials executor.Credentials
}

// Local reports whether commands for h run on this machine.
func (h Host) Local() bool {
	return h.SSH == nil
}

// ID identifies the machine behind h: "localhost" for the local shell, the
// SSH endpoint otherwise. Two targets with the same ID share disk locks.
func (h Host) ID() string {
	if h.Local() {
		return "localhost"
	}
	return Endpoint(h.SSH.Host, h.SSH.Port)
}

// Endpoint formats an SSH address, leaving out the default port.
func Endpoint(host string, port int) string {
	if port == 0 || port == defaultSSHPort {
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// SessionOpener opens a new session to a host. Each VM launch owns its own
// session.
type SessionOpener interface {
	Open(ctx context.Context, host Host) (executor.Session, error)
}

// Dialer opens local shell sessions and SSH connections.
type Dialer struct {
	Logger  *slog.Logger
	Timeout time.Duration
}

func NewDialer(logger *slog.Logger, timeout time.Duration) *Dialer {
	return &Dialer{Logger: logger, Timeout: timeout}
}

func (d *Dialer) Open(ctx context.Context, host Host) (executor.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if host.Local() {
		return executor.NewLocal(host.Credentials, d.Logger.With(slog.String("host", host.Name))), nil
	}

	config := *host.SSH
	if config.Timeout == 0 {
		config.Timeout = d.Timeout
	}

	session, err := executor.NewSSH(config, host.Credentials, d.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open session to %s: %w", host.Name, err)
	}
	return session, nil
}
