package failure

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a provisioning failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindConfiguration
	KindPrecondition
	KindExclusivity
	KindRemoteExecution
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindPrecondition:
		return "precondition"
	case KindExclusivity:
		return "exclusivity"
	case KindRemoteExecution:
		return "remote-execution"
	default:
		return "unknown"
	}
}

// ConfigurationError reports a missing or invalid field of the configuration
// document. It is detected before any remote work starts.
type ConfigurationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid configuration: %s=%q: %s", e.Field, e.Value, e.Reason)
}

// PreconditionError reports a local file required for staging that does not exist.
type PreconditionError struct {
	Path   string
	Reason string
	Err    error
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("precondition failed for %s: %s", e.Path, e.Reason)
}

func (e *PreconditionError) Unwrap() error {
	return e.Err
}

// ExclusivityConflict reports a remote disk image held by another hypervisor
// process or by a concurrent run.
type ExclusivityConflict struct {
	Host string
	Path string
	PIDs []string
}

func (e *ExclusivityConflict) Error() string {
	if len(e.PIDs) == 0 {
		return fmt.Sprintf("disk image %s on %s is locked by another launch", e.Path, e.Host)
	}
	return fmt.Sprintf("disk image %s on %s is in use by hypervisor process(es) %s",
		e.Path, e.Host, strings.Join(e.PIDs, ", "))
}

// RemoteExecutionError reports a command that could not be run on a host or
// exited non-zero where that is fatal.
type RemoteExecutionError struct {
	Host     string
	Command  string
	ExitCode int
	Err      error
}

func (e *RemoteExecutionError) Error() string {
	return fmt.Sprintf("command on %s failed (exit code %d): %s: %v", e.Host, e.ExitCode, e.Command, e.Err)
}

func (e *RemoteExecutionError) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of the first classified failure found in err's tree.
func KindOf(err error) Kind {
	var cfgErr *ConfigurationError
	var preErr *PreconditionError
	var exclErr *ExclusivityConflict
	var remoteErr *RemoteExecutionError

	switch {
	case err == nil:
		return KindUnknown
	case errors.As(err, &cfgErr):
		return KindConfiguration
	case errors.As(err, &preErr):
		return KindPrecondition
	case errors.As(err, &exclErr):
		return KindExclusivity
	case errors.As(err, &remoteErr):
		return KindRemoteExecution
	default:
		return KindUnknown
	}
}

// Configuration is shorthand for a *ConfigurationError.
func Configuration(field, value, reason string) error {
	return &ConfigurationError{Field: field, Value: value, Reason: reason}
}
