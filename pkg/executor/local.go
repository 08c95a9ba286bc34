package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"time"
)

const stdinWaitDelay = 500 * time.Millisecond

type Local struct {
	creds  Credentials
	logger *slog.Logger
}

func NewLocal(creds Credentials, logger *slog.Logger) *Local {
	return &Local{
		creds:  creds,
		logger: logger.With(slog.String("executor", "local")),
	}
}

func (e *Local) Name() string {
	return "local-shell"
}

func (e *Local) Execute(
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

func (e *Local) Run(ctx context.Context, c Command) (*Result, error) {
	if auth, ok := preauth(c, e.creds); ok {
		if result, err := e.Run(ctx, auth); err != nil {
			return result, fmt.Errorf("sudo authentication failed: %w", err)
		}
	}

	elevate := elevationFor(c, e.creds, false)
	line := wrapLine(c, elevate)
	e.logger.Debug("executing command locally",
		slog.String("cmd", line),
		slog.String("mode", c.Mode.String()),
	)

	var outBuf, errBuf bytes.Buffer
	cmd := exec.CommandContext(ctx, "sh", "-c", line)
	cmd.Stdin = stdinFor(c, e.creds, elevate)
	// a stdin that is not a file is copied by a goroutine that may block on
	// the caller's reader long after the process exited
	cmd.WaitDelay = stdinWaitDelay
	if c.Mode == ModeInteractive {
		// the local terminal is inherited, output is not buffered
		cmd.Stdout = c.Stdout
		cmd.Stderr = c.Stderr
	} else {
		cmd.Stdout = teeWriter(&outBuf, c.Stdout)
		cmd.Stderr = teeWriter(&errBuf, c.Stderr)
	}

	err := cmd.Run()
	if errors.Is(err, exec.ErrWaitDelay) {
		err = nil
	}
	result := &Result{Stdout: outBuf.String(), Stderr: errBuf.String()}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			e.logger.Warn("command failed",
				slog.String("cmd", line),
				slog.Int("exit_code", result.ExitCode),
			)
			if c.FailOnExitCode {
				result.Error = &ExitError{Line: c.Line, ExitCode: result.ExitCode, Stderr: result.Stderr}
				return result, result.Error
			}
			return result, nil
		}

		e.logger.Error("command execution error",
			slog.String("cmd", line),
			slog.String("error", err.Error()),
		)
		result.ExitCode = -1
		result.Error = fmt.Errorf("command execution failed: %w", err)
		return result, result.Error
	}

	e.logger.Debug("command succeeded", slog.String("cmd", line))
	return result, nil
}

// Upload copies the file with cp; source and destination live on the same machine.
func (e *Local) Upload(ctx context.Context, localPath, remotePath string) error {
	result, err := RunAndCapture(ctx, e, "cp", localPath, remotePath)
	if err != nil {
		return fmt.Errorf("failed to copy %s to %s: %w\nstderr: %s", localPath, remotePath, err, result.Stderr)
	}
	return nil
}

func (e *Local) Close() error {
	return nil
}

func teeWriter(buf *bytes.Buffer, w io.Writer) io.Writer {
	if w == nil {
		return buf
	}
	return io.MultiWriter(buf, w)
}
