package qemu

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/terabiome/qlaunch/internal/api"
	"github.com/terabiome/qlaunch/internal/failure"
	"github.com/terabiome/qlaunch/internal/infrastructure/network"
	"github.com/terabiome/qlaunch/pkg/executor"
)

const pwdPlaceholder = "{pwd}"

var accelArgs = []string{"-accel", "kvm", "-cpu", "max"}

// Display is the display_mode of a VM.
type Display string

const (
	DisplayBackground Display = "background"
	DisplayTerminal   Display = "terminal"
	DisplayGraphic    Display = "graphic"
)

// ParseDisplay validates a display_mode value. An absent display_mode is
// DisplayTerminal.
func ParseDisplay(value string, present bool) (Display, error) {
	if !present {
		return DisplayTerminal, nil
	}
	switch d := Display(value); d {
	case DisplayBackground, DisplayTerminal, DisplayGraphic:
		return d, nil
	default:
		return "", failure.Configuration(api.KeyDisplayMode, value,
			"unknown display mode (valid: background, terminal, graphic)")
	}
}

// args returns the display arguments of d.
func (d Display) args() []string {
	switch d {
	case DisplayBackground:
		return []string{"-vga", "none", "-serial", "none", "-nographic"}
	case DisplayTerminal:
		return []string{"-vga", "none", "-nographic"}
	case DisplayGraphic:
		return []string{"-vga", "virtio"}
	default:
		return nil
	}
}

// Mode is the execution discipline the display requires: background and
// graphic VMs are submitted detached, terminal VMs run attached to a pty
// until they exit.
func (d Display) Mode() executor.Mode {
	if d == DisplayBackground || d == DisplayGraphic {
		return executor.ModeDetached
	}
	return executor.ModeInteractive
}

// Input is everything a hypervisor invocation is built from. Interfaces holds
// one fragment per entry of VM.Interfaces with slots already assigned; Drives
// holds the remote disk paths, primary disk first.
type Input struct {
	Binary     string
	WorkDir    string
	VM         api.VMConfiguration
	Interfaces []network.Fragment
	Drives     []string
}

// Invocation is a built hypervisor command line.
type Invocation struct {
	Binary    string
	Args      []string
	Redirects []string
	Display   Display
}

// String renders the invocation as a shell line.
func (inv Invocation) String() string {
	line := executor.FormatCmd(inv.Binary, inv.Args...)
	if len(inv.Redirects) > 0 {
		line += " " + strings.Join(inv.Redirects, " ")
	}
	return line
}

// Command returns the elevated launch command in the discipline of the display.
func (inv Invocation) Command() executor.Command {
	return executor.Command{
		Line:           inv.String(),
		Mode:           inv.Display.Mode(),
		Sudo:           true,
		FailOnExitCode: true,
	}
}

// Build maps a VM configuration to a hypervisor invocation: acceleration
// flags first, then one fragment per recognized key in document order, then
// the drives.
func Build(in Input) (Invocation, error) {
	inv := Invocation{
		Binary:  in.Binary,
		Args:    append([]string(nil), accelArgs...),
		Display: DisplayTerminal,
	}

	for _, key := range in.VM.Keys {
		switch key {
		case api.KeyMemory:
			memory, err := checkMemory(in.VM.Memory.String())
			if err != nil {
				return Invocation{}, err
			}
			inv.Args = append(inv.Args, "-m", memory)

		case api.KeyCPUCount:
			cpus, err := checkCPUCount(in.VM.CPUCount.String())
			if err != nil {
				return Invocation{}, err
			}
			inv.Args = append(inv.Args, "-smp", strconv.Itoa(cpus))

		case api.KeyVirtfsPath:
			path := ResolveVirtfsPath(in.VM.VirtfsPath, in.WorkDir)
			inv.Args = append(inv.Args, "-virtfs",
				fmt.Sprintf("local,path=%s,security_model=mapped-xattr,mount_tag=share,id=share", path))

		case api.KeyInterfaces:
			for _, frag := range in.Interfaces {
				inv.Args = append(inv.Args, frag.Args...)
				inv.Redirects = append(inv.Redirects, frag.Redirects...)
			}

		case api.KeyDisplayMode:
			display, err := ParseDisplay(in.VM.DisplayMode, true)
			if err != nil {
				return Invocation{}, err
			}
			inv.Display = display
			inv.Args = append(inv.Args, display.args()...)
		}
	}

	for index, path := range in.Drives {
		inv.Args = append(inv.Args, "-drive",
			fmt.Sprintf("file=%s,format=qcow2,if=virtio,index=%d,media=disk", path, index))
	}

	return inv, nil
}

// ResolveVirtfsPath replaces the {pwd} placeholder of a virtfs_path with workDir.
func ResolveVirtfsPath(path, workDir string) string {
	return strings.ReplaceAll(path, pwdPlaceholder, workDir)
}

// memorySize is the size syntax accepted by -m: an integer with an optional
// single-letter binary suffix.
var memorySize = regexp.MustCompile(`^[0-9]+[kKmMgGtT]?$`)

func checkMemory(value string) (string, error) {
	if value == "" {
		return "", failure.Configuration(api.KeyMemory, "", "must not be empty")
	}
	if !memorySize.MatchString(value) {
		return "", failure.Configuration(api.KeyMemory, value, "not a memory size")
	}
	return value, nil
}

func checkCPUCount(value string) (int, error) {
	cpus, err := strconv.Atoi(value)
	if err != nil || cpus <= 0 {
		return 0, failure.Configuration(api.KeyCPUCount, value, "must be a positive integer")
	}
	return cpus, nil
}
