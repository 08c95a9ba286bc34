package executor

import (
	"context"
	"io"
)

type Executor interface {
	Execute(ctx context.Context, stdout, stderr io.Writer, command string, args ...string) (exitCode int, err error)
	Name() string
}

// Mode selects how the process started by a Command relates to the caller.
type Mode int

const (
	// ModeCapture runs the command to completion and collects its output.
	ModeCapture Mode = iota
	// ModeDetached submits the command in the background and returns once the
	// submission itself finished. The process output is discarded.
	ModeDetached
	// ModeInteractive attaches a pseudo-terminal and blocks until the process exits.
	ModeInteractive
)

func (m Mode) String() string {
	switch m {
	case ModeCapture:
		return "capture"
	case ModeDetached:
		return "detached"
	case ModeInteractive:
		return "interactive"
	default:
		return "unknown"
	}
}

// Command is a single shell command line submitted to a Session.
type Command struct {
	// Line is an already formatted shell line, see FormatCmd.
	Line string
	Mode Mode
	// Sudo runs the line through sudo under sh -c.
	Sudo bool
	// FailOnExitCode turns a non-zero exit status into an error.
	FailOnExitCode bool

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Credentials are handed to a Session at construction time and used both for
// password authentication and for sudo.
type Credentials struct {
	Password string
}

// Session is an execution channel to one host.
type Session interface {
	Executor
	Run(ctx context.Context, cmd Command) (*Result, error)
	// Upload copies a local file to remotePath on the session's host.
	Upload(ctx context.Context, localPath, remotePath string) error
	Close() error
}

type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Error    error
}
