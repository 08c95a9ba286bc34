package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terabiome/qlaunch/internal/api"
	"github.com/terabiome/qlaunch/internal/failure"
	"github.com/terabiome/qlaunch/internal/runtime"
	"github.com/terabiome/qlaunch/internal/testutil/fakesession"
	"github.com/terabiome/qlaunch/pkg/executor"
)

// fakeOpener hands out a new scripted session per Open. configure applies the
// same rules to every session of a host.
type fakeOpener struct {
	mu        sync.Mutex
	configure func(host string, s *fakesession.Session)
	sessions  map[string][]*fakesession.Session
	openErr   map[string]error
}

func newFakeOpener(configure func(host string, s *fakesession.Session)) *fakeOpener {
	return &fakeOpener{
		configure: configure,
		sessions:  make(map[string][]*fakesession.Session),
		openErr:   make(map[string]error),
	}
}

func (o *fakeOpener) Open(_ context.Context, host runtime.Host) (executor.Session, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.openErr[host.Name]; err != nil {
		return nil, err
	}

	s := fakesession.New(host.Name).On("pgrep -a", 1, "")
	if o.configure != nil {
		o.configure(host.Name, s)
	}
	o.sessions[host.Name] = append(o.sessions[host.Name], s)
	return s, nil
}

func (o *fakeOpener) opened() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, ss := range o.sessions {
		n += len(ss)
	}
	return n
}

// lines returns the command lines of all sessions of host.
func (o *fakeOpener) lines(host string) []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	var lines []string
	for _, s := range o.sessions[host] {
		lines = append(lines, s.Lines()...)
	}
	return lines
}

func (o *fakeOpener) commands(host string) []executor.Command {
	o.mu.Lock()
	defer o.mu.Unlock()
	var cmds []executor.Command
	for _, s := range o.sessions[host] {
		cmds = append(cmds, s.Commands()...)
	}
	return cmds
}

func hostParams(t *testing.T, document string) []HostParams {
	t.Helper()
	doc, err := api.Decode(strings.NewReader(document))
	require.NoError(t, err)

	params := make([]HostParams, len(doc))
	for i, h := range doc {
		vms := make([]VMParams, len(h.VMs))
		for j, vm := range h.VMs {
			vms[j] = VMParams{Name: fmt.Sprintf("vm%d", j), Config: vm}
		}
		params[i] = HostParams{
			Target:      runtime.Host{Name: h.HostName()},
			HostNetwork: h.HostNetwork,
			VMs:         vms,
		}
	}
	return params
}

func newTestService(t *testing.T, opener runtime.SessionOpener, terminal Terminal) *LaunchService {
	t.Helper()
	if terminal.Stdout == nil {
		terminal.Stdout = io.Discard
		terminal.Stderr = io.Discard
	}
	return NewLaunchService(Options{
		QemuBinary:      "qemu-system-x86_64",
		WorkDir:         "/work",
		LockDir:         t.TempDir(),
		KillGracePeriod: time.Second,
	}, opener, terminal, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

const twoByTwo = `[
  {"host": "a", "vms": [
    {"display_mode": "background", "remote_disk_image_path": "/vms/a0.qcow2"},
    {"display_mode": "background", "remote_disk_image_path": "/vms/a1.qcow2"}
  ]},
  {"host": "b", "vms": [
    {"display_mode": "graphic", "remote_disk_image_path": "/vms/b0.qcow2"},
    {"display_mode": "background", "remote_disk_image_path": "/vms/b1.qcow2"}
  ]}
]`

func TestLaunch_FailureIsIsolated(t *testing.T) {
	opener := newFakeOpener(func(host string, s *fakesession.Session) {
		s.On("file=/vms/a0.qcow2,", 1, "")
	})
	svc := newTestService(t, opener, Terminal{})

	plan, err := svc.Plan(hostParams(t, twoByTwo))
	require.NoError(t, err)

	report := svc.Launch(context.Background(), plan)

	results := report.Results()
	require.Len(t, results, 4)
	failures := report.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, "a", failures[0].Host)
	assert.Equal(t, "vm0", failures[0].Name)
	assert.Equal(t, failure.KindRemoteExecution, failure.KindOf(failures[0].Err))

	assert.True(t, report.Failed())
	assert.ErrorContains(t, report.Err(), "host a, vm vm0")
}

func TestLaunch_AllVMsRunConcurrently(t *testing.T) {
	const total = 4
	var arrived sync.WaitGroup
	arrived.Add(total)
	released := make(chan struct{})
	go func() {
		arrived.Wait()
		close(released)
	}()

	opener := newFakeOpener(func(host string, s *fakesession.Session) {
		s.BeforeRun = func(ctx context.Context, cmd executor.Command) error {
			if !strings.HasPrefix(cmd.Line, "qemu-system-x86_64") {
				return nil
			}
			arrived.Done()
			select {
			case <-released:
				return nil
			case <-time.After(5 * time.Second):
				return errors.New("launches were not concurrent")
			}
		}
	})
	svc := newTestService(t, opener, Terminal{})

	plan, err := svc.Plan(hostParams(t, twoByTwo))
	require.NoError(t, err)

	report := svc.Launch(context.Background(), plan)
	require.NoError(t, report.Err())
	assert.Len(t, report.Results(), total)
}

func TestPlan_UnknownInterfaceTypeBeforeAnySession(t *testing.T) {
	opener := newFakeOpener(nil)
	svc := newTestService(t, opener, Terminal{})

	_, err := svc.Plan(hostParams(t, `[
	  {"host": "a", "vms": [
	    {"interfaces": [{"type": "user"}, {"type": "wifi"}], "remote_disk_image_path": "/vms/a0.qcow2"}
	  ]},
	  {"host": "b", "vms": [{"display_mode": "hologram", "remote_disk_image_path": "/vms/b0.qcow2"}]}
	]`))
	require.Error(t, err)

	var cfgErr *failure.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "interfaces[1].type", cfgErr.Field)
	assert.ErrorContains(t, err, "hologram")
	assert.Zero(t, opener.opened())
}

func TestPlan_MissingRemoteDiskImagePath(t *testing.T) {
	svc := newTestService(t, newFakeOpener(nil), Terminal{})

	_, err := svc.Plan(hostParams(t, `[{"vms": [{"memory": "1G"}]}]`))
	assert.Equal(t, failure.KindConfiguration, failure.KindOf(err))

	_, err = svc.Plan(hostParams(t, `[{"vms": [{"remote_disk_image_path": "/a", "additional_disk_images": [{"local_disk_image_path": "x"}]}]}]`))
	assert.ErrorContains(t, err, "additional_disk_images[0].remote_disk_image_path")
}

func TestLaunch_VMOrdering(t *testing.T) {
	opener := newFakeOpener(nil)
	svc := newTestService(t, opener, Terminal{})

	plan, err := svc.Plan(hostParams(t, `[{"host": "a", "vms": [{
	  "display_mode": "background",
	  "interfaces": [
	    {"type": "macvtap", "name": "mvt0", "parent": "eth0", "mac": "52:54:00:00:00:01"},
	    {"type": "user"},
	    {"type": "tap", "name": "tap0", "mac": "52:54:00:00:00:02"}
	  ],
	  "remote_disk_image_path": "/vms/a0.qcow2",
	  "additional_disk_images": [{"remote_disk_image_path": "/vms/a0-data.qcow2"}]
	}]}]`))
	require.NoError(t, err)

	require.NoError(t, svc.Launch(context.Background(), plan).Err())

	lines := opener.lines("a")
	assert.Equal(t, []string{
		"test -e /vms/a0.qcow2",
		"pgrep -a -f '[q]emu-system'",
		"test -e /vms/a0-data.qcow2",
		"pgrep -a -f '[q]emu-system'",
		"ip link add link eth0 name mvt0 type macvtap mode bridge",
		"ip link set mvt0 address 52:54:00:00:00:01 up",
		"ip tuntap add dev tap0 mode tap",
		"ip link set tap0 up",
	}, lines[:len(lines)-1])

	launch := lines[len(lines)-1]
	assert.Equal(t, "qemu-system-x86_64 -accel kvm -cpu max "+
		"-vga none -serial none -nographic "+
		"-netdev tap,id=net4,fd=4 -device virtio-net-pci,netdev=net4,mac=52:54:00:00:00:01,addr=0x4 "+
		"-nic user,model=virtio-net-pci "+
		"-netdev tap,id=net5,ifname=tap0,script=no,downscript=no -device virtio-net-pci,netdev=net5,mac=52:54:00:00:00:02,addr=0x5 "+
		"-drive file=/vms/a0.qcow2,format=qcow2,if=virtio,index=0,media=disk "+
		"-drive file=/vms/a0-data.qcow2,format=qcow2,if=virtio,index=1,media=disk "+
		"4<>/dev/tap$(cat /sys/class/net/mvt0/ifindex)", launch)

	cmds := opener.commands("a")
	last := cmds[len(cmds)-1]
	assert.Equal(t, executor.ModeDetached, last.Mode)
	assert.True(t, last.Sudo)
}

func TestLaunch_ReleasesInterfacesOfFailedVM(t *testing.T) {
	opener := newFakeOpener(func(host string, s *fakesession.Session) {
		s.On("ip tuntap add", 1, "")
	})
	svc := newTestService(t, opener, Terminal{})

	plan, err := svc.Plan(hostParams(t, `[{"host": "a", "vms": [{
	  "interfaces": [
	    {"type": "macvtap", "name": "mvt0", "parent": "eth0"},
	    {"type": "tap", "name": "tap0"}
	  ],
	  "remote_disk_image_path": "/vms/a0.qcow2"
	}]}]`))
	require.NoError(t, err)

	report := svc.Launch(context.Background(), plan)
	require.True(t, report.Failed())

	lines := opener.lines("a")
	assert.Contains(t, lines, "ip link delete mvt0")
	for _, line := range lines {
		assert.False(t, strings.HasPrefix(line, "qemu-system"), "no launch after a failed interface")
	}
}

func TestLaunch_HostNetworkBeforeVMs(t *testing.T) {
	opener := newFakeOpener(nil)
	svc := newTestService(t, opener, Terminal{})

	plan, err := svc.Plan(hostParams(t, `[{"host": "a",
	  "host_network": [{"type": "bridge", "name": "br0"}],
	  "vms": [
	    {"display_mode": "background", "interfaces": [{"type": "tap", "name": "tap0", "bridge": "br0"}], "remote_disk_image_path": "/vms/a0.qcow2"}
	  ]}]`))
	require.NoError(t, err)

	require.NoError(t, svc.Launch(context.Background(), plan).Err())

	opener.mu.Lock()
	sessions := opener.sessions["a"]
	opener.mu.Unlock()
	require.Len(t, sessions, 2)
	assert.Equal(t, []string{"ip link add name br0 type bridge", "ip link set br0 up"}, sessions[0].Lines())
	assert.True(t, sessions[0].Closed())
}

func TestLaunch_HostNetworkFailureSkipsVMs(t *testing.T) {
	opener := newFakeOpener(func(host string, s *fakesession.Session) {
		if host == "a" {
			s.On("type bridge", 2, "")
		}
	})
	svc := newTestService(t, opener, Terminal{})

	plan, err := svc.Plan(hostParams(t, `[
	  {"host": "a", "host_network": [{"type": "bridge", "name": "br0"}],
	   "vms": [{"display_mode": "background", "remote_disk_image_path": "/vms/a0.qcow2"}]},
	  {"host": "b", "vms": [{"display_mode": "background", "remote_disk_image_path": "/vms/b0.qcow2"}]}
	]`))
	require.NoError(t, err)

	report := svc.Launch(context.Background(), plan)
	require.Len(t, report.Hosts, 2)
	assert.Error(t, report.Hosts[0].Err)
	assert.Empty(t, report.Hosts[0].VMs)
	require.Len(t, report.Hosts[1].VMs, 1)
	assert.NoError(t, report.Hosts[1].VMs[0].Err)
	assert.ErrorContains(t, report.Err(), "host a: host network")
}

func TestLaunch_SameDiskTwiceIsConflict(t *testing.T) {
	var once sync.Once
	hold := make(chan struct{})
	opener := newFakeOpener(func(host string, s *fakesession.Session) {
		s.BeforeRun = func(ctx context.Context, cmd executor.Command) error {
			if strings.HasPrefix(cmd.Line, "qemu-system") {
				// keep the first launch in flight until the second one failed
				once.Do(func() { <-hold })
			}
			return nil
		}
	})
	svc := newTestService(t, opener, Terminal{})

	plan, err := svc.Plan(hostParams(t, `[{"host": "a", "vms": [
	  {"display_mode": "background", "remote_disk_image_path": "/vms/shared.qcow2"},
	  {"display_mode": "background", "remote_disk_image_path": "/vms/shared.qcow2"}
	]}]`))
	require.NoError(t, err)

	done := make(chan *Report)
	go func() { done <- svc.Launch(context.Background(), plan) }()

	// the conflicting VM fails without reaching the launch
	time.Sleep(100 * time.Millisecond)
	close(hold)
	report := <-done

	failures := report.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, failure.KindExclusivity, failure.KindOf(failures[0].Err))
}

func TestLaunch_TerminalAttachment(t *testing.T) {
	var stdout bytes.Buffer
	stdin := strings.NewReader("")

	run := func(document string) []executor.Command {
		opener := newFakeOpener(nil)
		svc := newTestService(t, opener, Terminal{Stdin: stdin, Stdout: &stdout, Stderr: &stdout})
		plan, err := svc.Plan(hostParams(t, document))
		require.NoError(t, err)
		require.NoError(t, svc.Launch(context.Background(), plan).Err())

		var launches []executor.Command
		for _, c := range opener.commands("a") {
			if strings.HasPrefix(c.Line, "qemu-system") {
				launches = append(launches, c)
			}
		}
		return launches
	}

	single := run(`[{"host": "a", "vms": [{"remote_disk_image_path": "/vms/a0.qcow2"}]}]`)
	require.Len(t, single, 1)
	assert.Equal(t, executor.ModeInteractive, single[0].Mode)
	assert.NotNil(t, single[0].Stdin)
	assert.NotNil(t, single[0].Stdout)

	double := run(`[{"host": "a", "vms": [
	  {"display_mode": "terminal", "remote_disk_image_path": "/vms/a0.qcow2"},
	  {"remote_disk_image_path": "/vms/a1.qcow2"}
	]}]`)
	require.Len(t, double, 2)
	for _, c := range double {
		assert.Equal(t, executor.ModeInteractive, c.Mode)
		assert.Nil(t, c.Stdin)
	}
}

func TestRender(t *testing.T) {
	svc := newTestService(t, newFakeOpener(nil), Terminal{})
	plan, err := svc.Plan(hostParams(t, `[{"vms": [{"memory": "2G", "virtfs_path": "{pwd}", "remote_disk_image_path": "/a"}]}]`))
	require.NoError(t, err)

	lines, err := svc.Render(plan)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"qemu-system-x86_64 -accel kvm -cpu max -m 2G " +
			"-virtfs local,path=/work,security_model=mapped-xattr,mount_tag=share,id=share " +
			"-drive file=/a,format=qcow2,if=virtio,index=0,media=disk",
	}, lines)

	docs, err := svc.DomainXML(plan)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Contains(t, docs[0], "<name>localhost-vm0</name>")
}
