// Package fakesession provides a scripted executor.Session for tests.
package fakesession

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/terabiome/qlaunch/pkg/executor"
)

// Answer is the scripted outcome of one command.
type Answer struct {
	ExitCode int
	Stdout   string
	Err      error
}

type rule struct {
	substr  string
	answers []Answer
	calls   int
}

// next returns the answer for the next matching command. The last answer
// repeats.
func (r *rule) next() Answer {
	a := r.answers[min(r.calls, len(r.answers)-1)]
	r.calls++
	return a
}

type Upload struct {
	LocalPath  string
	RemotePath string
}

// Session records every command and upload. Commands are answered by the
// first registered rule whose substring occurs in the command line; lines
// matching no rule succeed with empty output.
type Session struct {
	mu       sync.Mutex
	host     string
	rules    []rule
	commands []executor.Command
	uploads  []Upload
	closed   bool

	// UploadErr is returned by every Upload.
	UploadErr error
	// BeforeRun, when set, is called before a command is answered.
	BeforeRun func(ctx context.Context, cmd executor.Command) error
}

func New(host string) *Session {
	return &Session{host: host}
}

// On answers commands containing substr with exitCode and stdout.
func (s *Session) On(substr string, exitCode int, stdout string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = append(s.rules, rule{substr: substr, answers: []Answer{{ExitCode: exitCode, Stdout: stdout}}})
	return s
}

// Script answers successive commands containing substr with answers in order.
func (s *Session) Script(substr string, answers ...Answer) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = append(s.rules, rule{substr: substr, answers: answers})
	return s
}

// Fail makes commands containing substr fail to execute with err.
func (s *Session) Fail(substr string, err error) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = append(s.rules, rule{substr: substr, answers: []Answer{{ExitCode: -1, Err: err}}})
	return s
}

func (s *Session) Name() string {
	return "fake-" + s.host
}

func (s *Session) Execute(ctx context.Context, stdout, stderr io.Writer, command string, args ...string) (int, error) {
	result, err := s.Run(ctx, executor.Command{
		Line:           executor.FormatCmd(command, args...),
		FailOnExitCode: true,
	})
	if result == nil {
		return -1, err
	}
	if stdout != nil {
		_, _ = io.WriteString(stdout, result.Stdout)
	}
	return result.ExitCode, err
}

func (s *Session) Run(ctx context.Context, cmd executor.Command) (*executor.Result, error) {
	if s.BeforeRun != nil {
		if err := s.BeforeRun(ctx, cmd); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	s.commands = append(s.commands, cmd)
	var answer Answer
	for i := range s.rules {
		if strings.Contains(cmd.Line, s.rules[i].substr) {
			answer = s.rules[i].next()
			break
		}
	}
	s.mu.Unlock()

	result := &executor.Result{ExitCode: answer.ExitCode, Stdout: answer.Stdout}
	if answer.Err != nil {
		result.Error = answer.Err
		return result, answer.Err
	}
	if answer.ExitCode != 0 && cmd.FailOnExitCode {
		result.Error = &executor.ExitError{Line: cmd.Line, ExitCode: answer.ExitCode}
		return result, result.Error
	}
	return result, nil
}

func (s *Session) Upload(ctx context.Context, localPath, remotePath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploads = append(s.uploads, Upload{LocalPath: localPath, RemotePath: remotePath})
	return s.UploadErr
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Commands returns the commands run so far.
func (s *Session) Commands() []executor.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]executor.Command(nil), s.commands...)
}

// Lines returns the command lines run so far.
func (s *Session) Lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	lines := make([]string, len(s.commands))
	for i, c := range s.commands {
		lines[i] = c.Line
	}
	return lines
}

func (s *Session) Uploads() []Upload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Upload(nil), s.uploads...)
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
