package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/term"
)

const (
	defaultTermWidth  = 80
	defaultTermHeight = 24
)

// SSH executes commands on a remote host via SSH.
// It maintains a persistent connection that can be reused across multiple Run calls.
type SSH struct {
	client *ssh.Client
	host   string
	creds  Credentials
	logger *slog.Logger
}

// SSHConfig contains SSH connection parameters.
type SSHConfig struct {
	Host    string
	Port    int
	User    string
	KeyPath string
	// KnownHostsPath enables host key verification when set.
	KnownHostsPath string
	Timeout        time.Duration
}

// NewSSH creates a new SSH executor with an established connection.
func NewSSH(config SSHConfig, creds Credentials, logger *slog.Logger) (*SSH, error) {
	log := logger.With(slog.String("executor", "ssh"), slog.String("host", config.Host))

	client, err := createSSHClient(config, creds, log)
	if err != nil {
		return nil, err
	}

	return &SSH{
		client: client,
		host:   config.Host,
		creds:  creds,
		logger: log,
	}, nil
}

// Close closes the SSH connection.
func (e *SSH) Close() error {
	if e.client != nil {
		e.logger.Debug("closing SSH connection")
		return e.client.Close()
	}
	return nil
}

func (e *SSH) Name() string {
	return fmt.Sprintf("ssh-%s", e.host)
}

func (e *SSH) Execute(
	ctx context.Context,
	stdout, stderr io.Writer,
	command string, args ...string,
) (int, error) {
	result, err := e.Run(ctx, Command{
		Line:           FormatCmd(command, args...),
		FailOnExitCode: true,
		Stdout:         stdout,
		Stderr:         stderr,
	})
	if result == nil {
		return -1, err
	}
	return result.ExitCode, err
}

func (e *SSH) Run(ctx context.Context, c Command) (*Result, error) {
	elevate := elevationFor(c, e.creds, true)
	line := wrapLine(c, elevate)
	e.logger.Debug("executing command via SSH",
		slog.String("cmd", line),
		slog.String("mode", c.Mode.String()),
	)

	session, err := e.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create SSH session: %w", err)
	}
	defer session.Close()

	var outBuf, errBuf bytes.Buffer
	var responder *promptResponder
	if c.Mode == ModeInteractive {
		width, height := terminalSize()
		modes := ssh.TerminalModes{
			ssh.ECHO:          1,
			ssh.TTY_OP_ISPEED: 14400,
			ssh.TTY_OP_OSPEED: 14400,
		}
		if err := session.RequestPty("xterm", height, width, modes); err != nil {
			return nil, fmt.Errorf("failed to request pty: %w", err)
		}
		session.Stderr = c.Stderr
		session.Stdout = c.Stdout

		// the caller's reader is copied without being waited for, it may
		// only return after the next keystroke
		stdin, err := session.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("failed to open SSH stdin: %w", err)
		}
		if c.Stdin != nil {
			go func() { _, _ = io.Copy(stdin, c.Stdin) }()
		}
		if elevate == elevatePrompt {
			responder = &promptResponder{w: c.Stdout, answer: stdin, password: e.creds.Password}
			session.Stdout = responder
		}
	} else {
		session.Stdin = stdinFor(c, e.creds, elevate)
		session.Stdout = teeWriter(&outBuf, c.Stdout)
		session.Stderr = teeWriter(&errBuf, c.Stderr)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = session.Close()
		case <-done:
		}
	}()

	err = session.Run(line)
	if responder != nil {
		_ = responder.Flush()
	}
	result := &Result{Stdout: outBuf.String(), Stderr: errBuf.String()}

	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
			e.logger.Warn("SSH command failed",
				slog.String("cmd", line),
				slog.Int("exit_code", result.ExitCode),
			)
			if c.FailOnExitCode {
				result.Error = &ExitError{Line: c.Line, ExitCode: result.ExitCode, Stderr: result.Stderr}
				return result, result.Error
			}
			return result, nil
		}

		e.logger.Error("SSH command execution error",
			slog.String("cmd", line),
			slog.String("error", err.Error()),
		)
		result.ExitCode = -1
		result.Error = fmt.Errorf("command execution failed: %w", err)
		if ctxErr := ctx.Err(); ctxErr != nil {
			result.Error = fmt.Errorf("command execution failed: %w", ctxErr)
		}
		return result, result.Error
	}

	e.logger.Debug("SSH command succeeded", slog.String("cmd", line))
	return result, nil
}

// Upload streams localPath to remotePath over SFTP on the existing connection.
func (e *SSH) Upload(ctx context.Context, localPath, remotePath string) error {
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer src.Close()

	client, err := sftp.NewClient(e.client)
	if err != nil {
		return fmt.Errorf("failed to start sftp subsystem: %w", err)
	}
	defer client.Close()

	dst, err := client.Create(remotePath)
	if err != nil {
		return fmt.Errorf("failed to create remote file %s: %w", remotePath, err)
	}
	defer dst.Close()

	e.logger.Debug("uploading file",
		slog.String("local", localPath),
		slog.String("remote", remotePath),
	)

	n, err := dst.ReadFrom(&contextReader{ctx: ctx, r: src})
	if err != nil {
		return fmt.Errorf("failed to upload %s to %s: %w", localPath, remotePath, err)
	}

	e.logger.Debug("upload complete",
		slog.String("remote", remotePath),
		slog.Int64("bytes", n),
	)
	return nil
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (r *contextReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}

func terminalSize() (width, height int) {
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		return defaultTermWidth, defaultTermHeight
	}
	width, height, err := term.GetSize(fd)
	if err != nil {
		return defaultTermWidth, defaultTermHeight
	}
	return width, height
}

// createSSHClient establishes an SSH connection from the given config.
func createSSHClient(config SSHConfig, creds Credentials, logger *slog.Logger) (*ssh.Client, error) {
	port := config.Port
	if port == 0 {
		port = 22
	}

	var auth []ssh.AuthMethod
	if config.KeyPath != "" {
		keyPath, err := expandHome(config.KeyPath)
		if err != nil {
			return nil, err
		}

		keyBytes, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read SSH key %s: %w", keyPath, err)
		}

		signer, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse SSH key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		conn, err := net.Dial("unix", sock)
		if err != nil {
			logger.Warn("failed to reach SSH agent", slog.String("error", err.Error()))
		} else {
			defer conn.Close()
			auth = append(auth, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		}
	}
	if creds.Password != "" {
		auth = append(auth, ssh.Password(creds.Password))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("no SSH authentication method for %s: set key_path, run an SSH agent or provide a password", config.Host)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if config.KnownHostsPath != "" {
		knownHostsPath, err := expandHome(config.KnownHostsPath)
		if err != nil {
			return nil, err
		}
		hostKeyCallback, err = knownhosts.New(knownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts %s: %w", knownHostsPath, err)
		}
	}

	sshConfig := &ssh.ClientConfig{
		User:            config.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         config.Timeout,
	}

	addr := fmt.Sprintf("%s:%d", config.Host, port)
	logger.Debug("establishing SSH connection", slog.String("addr", addr))

	client, err := ssh.Dial("tcp", addr, sshConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	logger.Debug("SSH connection established", slog.String("addr", addr))
	return client, nil
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, path[2:]), nil
}
