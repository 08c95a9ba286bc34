package disk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/docker/go-units"

	"github.com/terabiome/qlaunch/internal/failure"
	"github.com/terabiome/qlaunch/pkg/executor"
	"github.com/terabiome/qlaunch/pkg/executor/fileops"
)

// State is the result of probing a remote disk image path.
type State int

const (
	StateAbsent State = iota
	StatePresentIdle
	StatePresentInUse
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StatePresentIdle:
		return "present-idle"
	case StatePresentInUse:
		return "present-in-use"
	default:
		return "unknown"
	}
}

const (
	partialSuffix       = ".partial"
	defaultPollInterval = 250 * time.Millisecond
	killSettleTime      = time.Second
)

// Image is one disk of a VM: the remote path the hypervisor opens and the
// optional local file it is staged from.
type Image struct {
	LocalPath  string
	RemotePath string
}

type Options struct {
	// Overwrite stages the local image even when the remote one exists.
	Overwrite bool
	// KillRunningVMs terminates hypervisor processes holding the image open
	// instead of failing.
	KillRunningVMs  bool
	KillGracePeriod time.Duration
}

// Manager makes a remote disk image ready for exclusive use by one launch.
type Manager struct {
	logger       *slog.Logger
	opts         Options
	pollInterval time.Duration
}

func NewManager(logger *slog.Logger, opts Options) *Manager {
	return &Manager{
		logger:       logger.With(slog.String("component", "disk")),
		opts:         opts,
		pollInterval: defaultPollInterval,
	}
}

// Probe reports whether remotePath exists on the session's host and whether a
// hypervisor process holds it open. The ids of those processes are returned
// for StatePresentInUse.
func (m *Manager) Probe(ctx context.Context, host string, s executor.Session, remotePath string) (State, []string, error) {
	exists, err := fileops.Exists(ctx, s, remotePath)
	if err != nil {
		return StateAbsent, nil, &failure.RemoteExecutionError{
			Host: host, Command: executor.FormatCmd("test", "-e", remotePath), ExitCode: -1, Err: err,
		}
	}
	if !exists {
		return StateAbsent, nil, nil
	}

	pids, err := holders(ctx, host, s, remotePath)
	if err != nil {
		return StateAbsent, nil, err
	}
	if len(pids) > 0 {
		return StatePresentInUse, pids, nil
	}
	return StatePresentIdle, nil, nil
}

// Ensure makes img usable by a new hypervisor process: an image in use is a
// conflict unless killing is enabled, and the local source is staged when the
// remote image is absent or Overwrite is set.
func (m *Manager) Ensure(ctx context.Context, host string, s executor.Session, img Image) error {
	if img.RemotePath == "" {
		return failure.Configuration("remote_disk_image_path", "", "required")
	}

	log := m.logger.With(slog.String("host", host), slog.String("path", img.RemotePath))

	state, pids, err := m.Probe(ctx, host, s, img.RemotePath)
	if err != nil {
		return err
	}
	log.Debug("probed disk image", slog.String("state", state.String()))

	if state == StatePresentInUse {
		if !m.opts.KillRunningVMs {
			return &failure.ExclusivityConflict{Host: host, Path: img.RemotePath, PIDs: pids}
		}
		if err := m.kill(ctx, host, s, img.RemotePath, pids); err != nil {
			return err
		}
		state = StatePresentIdle
	}

	if state == StatePresentIdle && !m.opts.Overwrite {
		log.Info("reusing existing disk image")
		return nil
	}

	return m.stage(ctx, host, s, img)
}

func (m *Manager) stage(ctx context.Context, host string, s executor.Session, img Image) error {
	if img.LocalPath == "" {
		return &failure.PreconditionError{Path: img.RemotePath, Reason: "no local_disk_image_path to stage from"}
	}

	info, err := os.Stat(img.LocalPath)
	if err != nil {
		return &failure.PreconditionError{Path: img.LocalPath, Reason: "local disk image does not exist", Err: err}
	}
	if info.IsDir() {
		return &failure.PreconditionError{Path: img.LocalPath, Reason: "local disk image is a directory"}
	}

	m.logger.Info("staging disk image",
		slog.String("host", host),
		slog.String("local", img.LocalPath),
		slog.String("remote", img.RemotePath),
		slog.String("size", units.HumanSize(float64(info.Size()))),
	)

	if err := fileops.CreateParentDirectory(ctx, s, img.RemotePath); err != nil {
		return &failure.RemoteExecutionError{Host: host, Command: "mkdir -p", ExitCode: -1, Err: err}
	}

	partial := img.RemotePath + partialSuffix
	if err := s.Upload(ctx, img.LocalPath, partial); err != nil {
		return m.discard(ctx, host, s, partial, &failure.RemoteExecutionError{
			Host: host, Command: "upload " + partial, ExitCode: -1, Err: err,
		})
	}

	if err := fileops.MoveFile(ctx, s, partial, img.RemotePath); err != nil {
		return m.discard(ctx, host, s, partial, &failure.RemoteExecutionError{
			Host: host, Command: "mv -f", ExitCode: -1, Err: err,
		})
	}

	m.logger.Info("staged disk image", slog.String("host", host), slog.String("remote", img.RemotePath))
	return nil
}

// discard removes a partially transferred image and returns cause.
func (m *Manager) discard(ctx context.Context, host string, s executor.Session, partial string, cause error) error {
	if err := fileops.RemoveFile(context.WithoutCancel(ctx), s, partial); err != nil {
		m.logger.Warn("failed to remove partial disk image",
			slog.String("host", host),
			slog.String("path", partial),
			slog.String("error", err.Error()),
		)
	}
	return cause
}

// kill sends SIGTERM to pids, waits up to the grace period for the image to be
// released and sends SIGKILL to the remaining holders. The image still being
// held after that is a conflict.
func (m *Manager) kill(ctx context.Context, host string, s executor.Session, remotePath string, pids []string) error {
	log := m.logger.With(slog.String("host", host), slog.String("path", remotePath))
	log.Warn("terminating hypervisor processes holding disk image", slog.String("pids", strings.Join(pids, ",")))

	if err := signal(ctx, host, s, "-TERM", pids); err != nil {
		return err
	}

	remaining, err := m.waitReleased(ctx, host, s, remotePath, m.opts.KillGracePeriod)
	if err != nil || len(remaining) == 0 {
		return err
	}

	log.Warn("grace period expired, killing hypervisor processes", slog.String("pids", strings.Join(remaining, ",")))
	if err := signal(ctx, host, s, "-KILL", remaining); err != nil {
		return err
	}

	remaining, err = m.waitReleased(ctx, host, s, remotePath, killSettleTime)
	if err != nil {
		return err
	}
	if len(remaining) > 0 {
		return &failure.ExclusivityConflict{Host: host, Path: remotePath, PIDs: remaining}
	}
	return nil
}

// waitReleased polls the holders of remotePath until there are none or
// timeout has passed, and returns the last holders seen.
func (m *Manager) waitReleased(ctx context.Context, host string, s executor.Session, remotePath string, timeout time.Duration) ([]string, error) {
	deadline := time.Now().Add(timeout)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.pollInterval):
		}

		remaining, err := holders(ctx, host, s, remotePath)
		if err != nil {
			return nil, err
		}
		if len(remaining) == 0 {
			m.logger.Info("disk image released", slog.String("host", host), slog.String("path", remotePath))
			return nil, nil
		}
		if !time.Now().Before(deadline) {
			return remaining, nil
		}
	}
}

// signal delivers sig to pids. A non-zero exit status of kill(1) is not an
// error: some of the processes may have exited already, and the holders are
// probed again afterwards.
func signal(ctx context.Context, host string, s executor.Session, sig string, pids []string) error {
	args := append([]string{sig, "--"}, pids...)
	result, err := executor.Sudo(ctx, s, "kill", args...)
	if err == nil {
		return nil
	}

	var exitErr *executor.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}

	exitCode := -1
	if result != nil {
		exitCode = result.ExitCode
	}
	return &failure.RemoteExecutionError{Host: host, Command: executor.FormatCmd("kill", args...), ExitCode: exitCode, Err: err}
}

// holders lists the ids of hypervisor processes whose command line opens
// remotePath as a drive.
func holders(ctx context.Context, host string, s executor.Session, remotePath string) ([]string, error) {
	result, err := executor.Probe(ctx, s, "pgrep", "-a", "-f", "[q]emu-system")
	if err != nil {
		return nil, &failure.RemoteExecutionError{Host: host, Command: "pgrep", ExitCode: -1, Err: err}
	}

	switch result.ExitCode {
	case 0:
	case 1:
		return nil, nil
	default:
		return nil, &failure.RemoteExecutionError{
			Host:     host,
			Command:  "pgrep",
			ExitCode: result.ExitCode,
			Err:      fmt.Errorf("unexpected exit status: %s", strings.TrimSpace(result.Stderr)),
		}
	}

	return matchHolders(result.Stdout, remotePath), nil
}

func matchHolders(pgrepOutput, remotePath string) []string {
	needle := "file=" + remotePath
	var pids []string
	for _, line := range strings.Split(pgrepOutput, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		for _, arg := range fields[1:] {
			if opensFile(arg, needle) {
				pids = append(pids, fields[0])
				break
			}
		}
	}
	return pids
}

func opensFile(arg, needle string) bool {
	for _, opt := range strings.Split(arg, ",") {
		if opt == needle {
			return true
		}
	}
	return false
}
