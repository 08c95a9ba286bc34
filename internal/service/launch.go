package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/terabiome/qlaunch/internal/failure"
	"github.com/terabiome/qlaunch/internal/infrastructure/disk"
	"github.com/terabiome/qlaunch/internal/infrastructure/network"
	"github.com/terabiome/qlaunch/internal/infrastructure/qemu"
	"github.com/terabiome/qlaunch/internal/runtime"
	"github.com/terabiome/qlaunch/pkg/executor"
)

// Terminal is where terminal-mode VMs are attached.
type Terminal struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// LaunchService plans and launches VMs across hosts.
type LaunchService struct {
	opts     Options
	opener   runtime.SessionOpener
	disks    *disk.Manager
	locks    *disk.Locks
	terminal Terminal
	logger   *slog.Logger

	launchCounter  metric.Int64Counter
	launchDuration metric.Float64Histogram
}

// NewLaunchService creates a new LaunchService.
func NewLaunchService(opts Options, opener runtime.SessionOpener, terminal Terminal, logger *slog.Logger) *LaunchService {
	meter := otel.Meter("qlaunch/service")

	launchCounter, err := meter.Int64Counter(
		"qlaunch.vm.launch",
		metric.WithDescription("Number of VM launches"),
		metric.WithUnit("{launch}"),
	)
	if err != nil {
		logger.Warn("failed to create launchCounter metric", slog.String("error", err.Error()))
	}

	launchDuration, err := meter.Float64Histogram(
		"qlaunch.vm.launch.duration",
		metric.WithDescription("Duration of VM launches up to submission"),
		metric.WithUnit("s"),
	)
	if err != nil {
		logger.Warn("failed to create launchDuration metric", slog.String("error", err.Error()))
	}

	if terminal.Stdout == nil {
		terminal.Stdout = os.Stdout
	}
	if terminal.Stderr == nil {
		terminal.Stderr = os.Stderr
	}

	return &LaunchService{
		opts:   opts,
		opener: opener,
		disks: disk.NewManager(logger, disk.Options{
			Overwrite:       opts.Overwrite,
			KillRunningVMs:  opts.KillRunningVMs,
			KillGracePeriod: opts.KillGracePeriod,
		}),
		locks:          disk.NewLocks(opts.LockDir),
		terminal:       terminal,
		logger:         logger.With(slog.String("service", "launch")),
		launchCounter:  launchCounter,
		launchDuration: launchDuration,
	}
}

// Launch runs plan: all hosts concurrently and, within a host, all VMs
// concurrently once the host network exists. A failed VM does not stop its
// siblings; every outcome is in the report.
func (s *LaunchService) Launch(ctx context.Context, plan *Plan) *Report {
	tracer := otel.Tracer("qlaunch/service")
	ctx, span := tracer.Start(ctx, "Launch")
	defer span.End()

	vms := plan.VMs()
	span.SetAttributes(
		attribute.Int("host.count", len(plan.Hosts)),
		attribute.Int("vm.count", len(vms)),
	)

	// several attached VMs cannot share one keyboard
	interactive := 0
	for _, vm := range vms {
		if vm.Display.Mode() == executor.ModeInteractive {
			interactive++
		}
	}
	attachStdin := interactive == 1

	report := &Report{Hosts: make([]HostReport, len(plan.Hosts))}

	var g errgroup.Group
	for i := range plan.Hosts {
		g.Go(func() error {
			report.Hosts[i] = s.launchHost(ctx, plan.Hosts[i], attachStdin)
			return nil
		})
	}
	_ = g.Wait()

	if err := report.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "launch failed")
	}
	return report
}

func (s *LaunchService) launchHost(ctx context.Context, host HostPlan, attachStdin bool) HostReport {
	tracer := otel.Tracer("qlaunch/service")
	ctx, span := tracer.Start(ctx, "LaunchHost")
	defer span.End()
	span.SetAttributes(attribute.String("host.name", host.Target.Name))

	log := s.logger.With(slog.String("host", host.Target.Name))
	hr := HostReport{Host: host.Target.Name}

	if len(host.Networks) > 0 {
		log.Info("setting up host network", slog.Int("count", len(host.Networks)))
		if err := s.setupHostNetwork(ctx, host); err != nil {
			log.Error("failed to set up host network", slog.String("error", err.Error()))
			span.RecordError(err)
			span.SetStatus(codes.Error, "host network failed")
			hr.Err = err
			return hr
		}
	}

	hr.VMs = make([]VMResult, len(host.VMs))

	var g errgroup.Group
	for i := range host.VMs {
		g.Go(func() error {
			hr.VMs[i] = s.launchVMWithMetrics(ctx, host.Target, host.VMs[i], attachStdin)
			return nil
		})
	}
	_ = g.Wait()

	log.Info("running VMs on host done", slog.Int("count", len(host.VMs)))
	return hr
}

// setupHostNetwork creates the host networks in order on one session.
func (s *LaunchService) setupHostNetwork(ctx context.Context, host HostPlan) error {
	session, err := s.opener.Open(ctx, host.Target)
	if err != nil {
		return &failure.RemoteExecutionError{Host: host.Target.Name, Command: "open session", ExitCode: -1, Err: err}
	}
	defer session.Close()

	for _, hn := range host.Networks {
		if err := hn.Create(ctx, session); err != nil {
			return err
		}
	}
	return nil
}

func (s *LaunchService) launchVMWithMetrics(ctx context.Context, host runtime.Host, vm VMPlan, attachStdin bool) VMResult {
	tracer := otel.Tracer("qlaunch/service")
	ctx, span := tracer.Start(ctx, "LaunchVM")
	defer span.End()
	span.SetAttributes(
		attribute.String("host.name", host.Name),
		attribute.String("vm.name", vm.Name),
		attribute.String("vm.display", string(vm.Display)),
	)

	startTime := time.Now()
	err := s.launchVM(ctx, host, vm, attachStdin)
	result := VMResult{Host: host.Name, Name: vm.Name, Err: err, Duration: time.Since(startTime)}

	status := "success"
	if err != nil {
		status = "failed"
		span.RecordError(err)
		span.SetStatus(codes.Error, failure.KindOf(err).String())
		s.logger.Error("failed to launch VM",
			slog.String("host", host.Name),
			slog.String("vm", vm.Name),
			slog.String("kind", failure.KindOf(err).String()),
			slog.String("error", err.Error()),
		)
	} else {
		s.logger.Info("successfully launched VM",
			slog.String("host", host.Name),
			slog.String("vm", vm.Name),
			slog.Duration("duration", result.Duration),
		)
	}

	if s.launchCounter != nil {
		s.launchCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("status", status),
		))
	}
	if s.launchDuration != nil {
		s.launchDuration.Record(ctx, result.Duration.Seconds(), metric.WithAttributes(
			attribute.String("vm.display", string(vm.Display)),
		))
	}

	return result
}

// launchVM locks and prepares the disks, creates the interfaces in order and
// submits the hypervisor. Interfaces created by a launch that is never
// submitted are deleted again.
func (s *LaunchService) launchVM(ctx context.Context, host runtime.Host, vm VMPlan, attachStdin bool) error {
	log := s.logger.With(slog.String("host", host.Name), slog.String("vm", vm.Name))

	session, err := s.opener.Open(ctx, host)
	if err != nil {
		return &failure.RemoteExecutionError{Host: host.Name, Command: "open session", ExitCode: -1, Err: err}
	}
	defer session.Close()

	for _, img := range vm.Disks {
		l, err := s.locks.Acquire(host.ID(), img.RemotePath)
		if err != nil {
			return err
		}
		defer func() {
			if err := l.Unlock(context.WithoutCancel(ctx)); err != nil {
				log.Warn("failed to release disk lock", slog.String("error", err.Error()))
			}
		}()
	}

	for _, img := range vm.Disks {
		if err := s.disks.Ensure(ctx, host.Name, session, img); err != nil {
			return err
		}
	}

	var created []network.Attachment
	release := func() {
		for i := len(created) - 1; i >= 0; i-- {
			if err := created[i].Delete(context.WithoutCancel(ctx), session); err != nil {
				log.Warn("failed to release interface",
					slog.String("type", created[i].Kind()),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	for _, a := range vm.Attachments {
		if err := a.Create(ctx, session); err != nil {
			release()
			return err
		}
		created = append(created, a)
	}

	inv, err := qemu.Build(vm.Input(s.opts.QemuBinary, s.opts.WorkDir))
	if err != nil {
		release()
		return err
	}

	cmd := inv.Command()
	if cmd.Mode == executor.ModeInteractive {
		cmd.Stdout = s.terminal.Stdout
		cmd.Stderr = s.terminal.Stderr
		if attachStdin {
			cmd.Stdin = s.terminal.Stdin
		}
	}

	log.Info("launching VM",
		slog.String("mode", cmd.Mode.String()),
		slog.String("cmd", inv.String()),
	)

	result, err := session.Run(ctx, cmd)
	if err != nil {
		var exitErr *executor.ExitError
		if cmd.Mode != executor.ModeInteractive || !errors.As(err, &exitErr) {
			release()
		}
		exitCode := -1
		if result != nil {
			exitCode = result.ExitCode
		}
		return &failure.RemoteExecutionError{
			Host:     host.Name,
			Command:  inv.Binary,
			ExitCode: exitCode,
			Err:      fmt.Errorf("launch failed: %w", err),
		}
	}

	return nil
}
