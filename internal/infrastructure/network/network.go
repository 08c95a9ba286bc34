package network

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net"

	"github.com/terabiome/qlaunch/internal/failure"
	"github.com/terabiome/qlaunch/pkg/executor"
)

// FirstSlot is the slot index of the first slot-consuming interface of a VM.
// Slots 0-3 belong to the hypervisor's builtin devices.
const FirstSlot = 4

// Resource is a network construct with a host-side lifecycle. The set of
// implementations is closed: Bridge, MacVlan, MacVtap, Tap and User.
type Resource interface {
	// Kind returns the configuration type tag of the resource.
	Kind() string
	// Create provisions the construct on the session's host. Calling it twice
	// fails when the construct already exists.
	Create(ctx context.Context, s executor.Session) error
	// Delete removes what Create provisioned.
	Delete(ctx context.Context, s executor.Session) error

	sealed()
}

// HostNetwork is shared by all VMs of a host and created before any of them.
type HostNetwork interface {
	Resource
	hostNetwork()
}

// Attachment is a NIC of a single VM.
type Attachment interface {
	Resource
	// ConsumesSlot reports whether the attachment takes a slot index.
	ConsumesSlot() bool
	// Args returns the hypervisor fragment binding the VM to the resource.
	// slot is ignored when ConsumesSlot is false.
	Args(slot int) Fragment
}

// Fragment is a piece of a hypervisor invocation.
type Fragment struct {
	Args []string
	// Redirects are raw shell redirections appended to the command line,
	// e.g. file descriptors opened on a macvtap character device.
	Redirects []string
}

var validModes = map[string]struct{}{
	"bridge":   {},
	"vepa":     {},
	"private":  {},
	"passthru": {},
	"source":   {},
}

func checkMode(field, mode string) (string, error) {
	if mode == "" {
		return "bridge", nil
	}
	if _, ok := validModes[mode]; !ok {
		return "", failure.Configuration(field, mode, "unknown mode (valid: bridge, vepa, private, passthru, source)")
	}
	return mode, nil
}

func checkMAC(field, mac string) (string, error) {
	if mac == "" {
		generated, err := GenerateMAC()
		if err != nil {
			return "", err
		}
		return generated.String(), nil
	}
	hw, err := net.ParseMAC(mac)
	if err != nil {
		return "", failure.Configuration(field, mac, "invalid MAC address")
	}
	return hw.String(), nil
}

func required(field, value string) error {
	if value == "" {
		return failure.Configuration(field, "", "required")
	}
	return nil
}

// GenerateMAC returns a random locally administered unicast MAC address.
func GenerateMAC() (net.HardwareAddr, error) {
	var buf [6]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return nil, fmt.Errorf("generate MAC: %w", err)
	}
	buf[0] = (buf[0] | 0x02) & 0xFE
	return net.HardwareAddr(buf[:]), nil
}

// sudo runs an ip(8) invocation with elevated privilege.
func sudo(ctx context.Context, s executor.Session, command string, args ...string) error {
	line := executor.FormatCmd(command, args...)
	result, err := executor.Sudo(ctx, s, command, args...)
	if err != nil {
		exitCode := -1
		if result != nil {
			exitCode = result.ExitCode
		}
		return &failure.RemoteExecutionError{Host: s.Name(), Command: line, ExitCode: exitCode, Err: err}
	}
	return nil
}

// createLink runs the creation steps in order. When a step after the first
// fails the link is deleted again.
func createLink(ctx context.Context, s executor.Session, name string, steps [][]string) error {
	for i, step := range steps {
		if err := sudo(ctx, s, step[0], step[1:]...); err != nil {
			if i > 0 {
				if delErr := deleteLink(ctx, s, name); delErr != nil {
					return errors.Join(err, delErr)
				}
			}
			return err
		}
	}
	return nil
}

func deleteLink(ctx context.Context, s executor.Session, name string) error {
	return sudo(ctx, s, "ip", "link", "delete", name)
}
