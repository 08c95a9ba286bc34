package service

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/terabiome/qlaunch/internal/runtime"
	"github.com/terabiome/qlaunch/pkg/executor"
)

// Probe is the outcome of one host check.
type Probe struct {
	Name string
	OK   bool
	// Detail is the output of the probe or why it failed.
	Detail string
}

// HostCheck is the readiness of one host.
type HostCheck struct {
	Host   string
	Err    error
	Probes []Probe
}

// Ready reports whether the host could be reached and passed every probe.
func (c HostCheck) Ready() bool {
	if c.Err != nil {
		return false
	}
	for _, p := range c.Probes {
		if !p.OK {
			return false
		}
	}
	return true
}

type probeSpec struct {
	name string
	cmd  executor.Command
}

func (s *LaunchService) probes() []probeSpec {
	return []probeSpec{
		{"hypervisor", executor.Command{Line: "command -v " + executor.Quote(s.opts.QemuBinary)}},
		{"kvm", executor.Command{Line: "test -w /dev/kvm"}},
		{"iproute2", executor.Command{Line: "command -v ip"}},
		{"pgrep", executor.Command{Line: "command -v pgrep"}},
		{"sudo", executor.Command{Line: "true", Sudo: true}},
	}
}

// Check probes every host for what a launch needs, all hosts concurrently.
func (s *LaunchService) Check(ctx context.Context, hosts []runtime.Host) []HostCheck {
	checks := make([]HostCheck, len(hosts))

	var g errgroup.Group
	for i := range hosts {
		g.Go(func() error {
			checks[i] = s.checkHost(ctx, hosts[i])
			return nil
		})
	}
	_ = g.Wait()

	return checks
}

func (s *LaunchService) checkHost(ctx context.Context, host runtime.Host) HostCheck {
	hc := HostCheck{Host: host.Name}

	session, err := s.opener.Open(ctx, host)
	if err != nil {
		hc.Err = err
		return hc
	}
	defer session.Close()

	for _, p := range s.probes() {
		result, err := session.Run(ctx, p.cmd)
		probe := Probe{Name: p.name}
		switch {
		case err != nil:
			probe.Detail = err.Error()
		case result.ExitCode != 0:
			probe.Detail = fmt.Sprintf("exit code %d", result.ExitCode)
		default:
			probe.OK = true
			probe.Detail = result.Stdout
		}
		if !probe.OK {
			s.logger.Warn("host check failed",
				slog.String("host", host.Name),
				slog.String("probe", p.name),
				slog.String("detail", probe.Detail),
			)
		}
		hc.Probes = append(hc.Probes, probe)
	}

	return hc
}
