package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
)

// ExitError reports a command that ran but exited with a non-zero status.
type ExitError struct {
	Line     string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("command exited with code %d: %s", e.ExitCode, e.Line)
	}
	return fmt.Sprintf("command exited with code %d: %s: %s", e.ExitCode, e.Line, strings.TrimSpace(e.Stderr))
}

func RunAndCapture(ctx context.Context, exec Executor, command string, args ...string) (*Result, error) {
	var outBuf, errBuf bytes.Buffer

	exitCode, err := exec.Execute(ctx, &outBuf, &errBuf, command, args...)

	return &Result{
		ExitCode: exitCode,
		Stdout:   outBuf.String(),
		Stderr:   errBuf.String(),
		Error:    err,
	}, err
}

// Sudo runs command with elevated privilege, capturing its output. A non-zero
// exit status is returned as an *ExitError.
func Sudo(ctx context.Context, s Session, command string, args ...string) (*Result, error) {
	return s.Run(ctx, Command{
		Line:           FormatCmd(command, args...),
		Sudo:           true,
		FailOnExitCode: true,
	})
}

// Probe runs command unprivileged and reports its exit status without treating
// a non-zero status as an error.
func Probe(ctx context.Context, s Session, command string, args ...string) (*Result, error) {
	return s.Run(ctx, Command{Line: FormatCmd(command, args...)})
}

var unquotable = map[string]struct{}{
	"&&": {},
	"||": {},
	";":  {},
	"|":  {},
	"&":  {},
}

// FormatCmd joins command and args into one shell line, quoting every word
// that is not a shell operator.
func FormatCmd(command string, args ...string) string {
	words := make([]string, 0, len(args)+1)
	for _, s := range append([]string{command}, args...) {
		if _, ok := unquotable[s]; ok {
			words = append(words, s)
			continue
		}
		words = append(words, Quote(s))
	}
	return strings.Join(words, " ")
}

// Quote returns s as a single POSIX shell word.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !isSafeShellRune(r) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func isSafeShellRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	}
	return strings.ContainsRune("@%_+=:,./-", r)
}

// elevation is how a Sudo command obtains privilege.
type elevation int

const (
	// elevateNoPrompt fails instead of asking for a password.
	elevateNoPrompt elevation = iota
	// elevateStdin reads the password from the first line of stdin.
	elevateStdin
	// elevatePrompt asks on the terminal with sudoPromptMarker; the prompt
	// is answered by a promptResponder.
	elevatePrompt
)

const sudoPromptMarker = "[qlaunch-sudo]"

func (e elevation) prefix() string {
	switch e {
	case elevateStdin:
		return "sudo -S -p ''"
	case elevatePrompt:
		return "sudo -p " + Quote(sudoPromptMarker)
	default:
		return "sudo -n"
	}
}

// elevationFor picks the elevation of cmd. Interactive commands never get the
// password on stdin: their stdin is the caller's and whatever sudo does not
// consume would reach the hypervisor. They either answer the terminal prompt,
// when the session can, or rely on credentials cached by preauth.
func elevationFor(cmd Command, creds Credentials, answersPrompt bool) elevation {
	switch {
	case creds.Password == "":
		return elevateNoPrompt
	case cmd.Mode != ModeInteractive:
		return elevateStdin
	case answersPrompt:
		return elevatePrompt
	default:
		return elevateNoPrompt
	}
}

// wrapLine applies the execution discipline and privilege elevation of cmd to
// its line. Elevated lines run under sh -c so redirections are opened by the
// privileged shell.
func wrapLine(cmd Command, e elevation) string {
	line := cmd.Line
	if cmd.Mode == ModeDetached {
		line = "nohup " + line + " </dev/null >/dev/null 2>&1 &"
	}
	if cmd.Sudo {
		line = e.prefix() + " sh -c " + Quote(line)
	}
	return line
}

// stdinFor feeds the sudo password ahead of the caller's stdin.
func stdinFor(cmd Command, creds Credentials, e elevation) io.Reader {
	if !cmd.Sudo || e != elevateStdin {
		return cmd.Stdin
	}
	password := strings.NewReader(creds.Password + "\n")
	if cmd.Stdin == nil {
		return password
	}
	return io.MultiReader(password, cmd.Stdin)
}

// preauth returns the command that caches sudo credentials before an
// interactive elevated command run without a prompt responder.
func preauth(cmd Command, creds Credentials) (Command, bool) {
	if !cmd.Sudo || cmd.Mode != ModeInteractive || creds.Password == "" {
		return Command{}, false
	}
	return Command{
		Line:           elevateStdin.prefix() + " -v",
		Stdin:          strings.NewReader(creds.Password + "\n"),
		FailOnExitCode: true,
	}, true
}

// promptResponder copies terminal output to w and answers every sudo prompt
// marker in it with the password. The marker itself is not copied.
type promptResponder struct {
	w        io.Writer
	answer   io.Writer
	password string

	mu      sync.Mutex
	pending []byte
}

func (r *promptResponder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pending = append(r.pending, p...)
	marker := []byte(sudoPromptMarker)

	for {
		i := bytes.Index(r.pending, marker)
		if i < 0 {
			break
		}
		if err := r.emit(r.pending[:i]); err != nil {
			return 0, err
		}
		r.pending = r.pending[i+len(marker):]
		if _, err := io.WriteString(r.answer, r.password+"\n"); err != nil {
			return 0, fmt.Errorf("failed to answer sudo prompt: %w", err)
		}
	}

	// hold back a tail that may be the start of a marker
	keep := 0
	for n := min(len(marker)-1, len(r.pending)); n > 0; n-- {
		if bytes.HasSuffix(r.pending, marker[:n]) {
			keep = n
			break
		}
	}
	if err := r.emit(r.pending[:len(r.pending)-keep]); err != nil {
		return 0, err
	}
	r.pending = append([]byte(nil), r.pending[len(r.pending)-keep:]...)
	return len(p), nil
}

// Flush writes out held back output.
func (r *promptResponder) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	err := r.emit(r.pending)
	r.pending = nil
	return err
}

func (r *promptResponder) emit(b []byte) error {
	if len(b) == 0 || r.w == nil {
		return nil
	}
	_, err := r.w.Write(b)
	return err
}
