package network

import (
	"context"
	"fmt"
	"strings"

	"github.com/terabiome/qlaunch/internal/api"
	"github.com/terabiome/qlaunch/internal/failure"
	"github.com/terabiome/qlaunch/pkg/executor"
)

// NewInterface builds the VM attachment described by spec. field names the
// spec in error messages, e.g. "interfaces[2]". macvtap and tap interfaces
// without a MAC get a generated one.
func NewInterface(field string, spec api.InterfaceSpec) (Attachment, error) {
	switch spec.Type {
	case "macvtap":
		if err := required(field+".name", spec.Name); err != nil {
			return nil, err
		}
		if err := required(field+".parent", spec.Parent); err != nil {
			return nil, err
		}
		mode, err := checkMode(field+".mode", spec.Mode)
		if err != nil {
			return nil, err
		}
		mac, err := checkMAC(field+".mac", spec.MAC)
		if err != nil {
			return nil, err
		}
		return &MacVtap{Name: spec.Name, Parent: spec.Parent, Mode: mode, MAC: mac}, nil

	case "tap":
		if err := required(field+".name", spec.Name); err != nil {
			return nil, err
		}
		mac, err := checkMAC(field+".mac", spec.MAC)
		if err != nil {
			return nil, err
		}
		return &Tap{Name: spec.Name, Bridge: spec.Bridge, MAC: mac}, nil

	case "user":
		user := &User{HostFwd: spec.HostFwd}
		if spec.MAC != "" {
			mac, err := checkMAC(field+".mac", spec.MAC)
			if err != nil {
				return nil, err
			}
			user.MAC = mac
		}
		return user, nil

	default:
		return nil, failure.Configuration(field+".type", spec.Type,
			"unknown interface type (valid: macvtap, tap, user)")
	}
}

// AssignSlots returns the slot of each attachment, -1 for attachments that
// take none. Slots are numbered from FirstSlot in order.
func AssignSlots(attachments []Attachment) []int {
	slots := make([]int, len(attachments))
	next := FirstSlot
	for i, a := range attachments {
		if !a.ConsumesSlot() {
			slots[i] = -1
			continue
		}
		slots[i] = next
		next++
	}
	return slots
}

func nicDevice(slot int, mac string) string {
	return fmt.Sprintf("virtio-net-pci,netdev=net%d,mac=%s,addr=0x%x", slot, mac, slot)
}

// MacVtap is a macvtap device on a parent interface, handed to the
// hypervisor as an open file descriptor.
type MacVtap struct {
	Name   string
	Parent string
	Mode   string
	MAC    string
}

func (m *MacVtap) Kind() string { return "macvtap" }

func (m *MacVtap) Create(ctx context.Context, s executor.Session) error {
	steps := [][]string{
		{"ip", "link", "add", "link", m.Parent, "name", m.Name, "type", "macvtap", "mode", m.Mode},
		{"ip", "link", "set", m.Name, "address", m.MAC, "up"},
	}
	if err := createLink(ctx, s, m.Name, steps); err != nil {
		return fmt.Errorf("failed to create macvtap %s: %w", m.Name, err)
	}
	return nil
}

func (m *MacVtap) Delete(ctx context.Context, s executor.Session) error {
	return deleteLink(ctx, s, m.Name)
}

func (m *MacVtap) ConsumesSlot() bool { return true }

func (m *MacVtap) Args(slot int) Fragment {
	return Fragment{
		Args: []string{
			"-netdev", fmt.Sprintf("tap,id=net%d,fd=%d", slot, slot),
			"-device", nicDevice(slot, m.MAC),
		},
		Redirects: []string{
			fmt.Sprintf("%d<>/dev/tap$(cat /sys/class/net/%s/ifindex)", slot, m.Name),
		},
	}
}

func (m *MacVtap) sealed() {}

// Tap is a tap device, optionally enslaved to a bridge.
type Tap struct {
	Name   string
	Bridge string
	MAC    string
}

func (t *Tap) Kind() string { return "tap" }

func (t *Tap) Create(ctx context.Context, s executor.Session) error {
	steps := [][]string{{"ip", "tuntap", "add", "dev", t.Name, "mode", "tap"}}
	if t.Bridge != "" {
		steps = append(steps, []string{"ip", "link", "set", t.Name, "master", t.Bridge})
	}
	steps = append(steps, []string{"ip", "link", "set", t.Name, "up"})

	if err := createLink(ctx, s, t.Name, steps); err != nil {
		return fmt.Errorf("failed to create tap %s: %w", t.Name, err)
	}
	return nil
}

func (t *Tap) Delete(ctx context.Context, s executor.Session) error {
	return deleteLink(ctx, s, t.Name)
}

func (t *Tap) ConsumesSlot() bool { return true }

func (t *Tap) Args(slot int) Fragment {
	return Fragment{
		Args: []string{
			"-netdev", fmt.Sprintf("tap,id=net%d,ifname=%s,script=no,downscript=no", slot, t.Name),
			"-device", nicDevice(slot, t.MAC),
		},
	}
}

func (t *Tap) sealed() {}

// User is user-mode networking inside the hypervisor; nothing is created on
// the host.
type User struct {
	MAC     string
	HostFwd []string
}

func (u *User) Kind() string { return "user" }

func (u *User) Create(context.Context, executor.Session) error { return nil }

func (u *User) Delete(context.Context, executor.Session) error { return nil }

func (u *User) ConsumesSlot() bool { return false }

func (u *User) Args(int) Fragment {
	var b strings.Builder
	b.WriteString("user,model=virtio-net-pci")
	if u.MAC != "" {
		b.WriteString(",mac=" + u.MAC)
	}
	for _, rule := range u.HostFwd {
		b.WriteString(",hostfwd=" + rule)
	}
	return Fragment{Args: []string{"-nic", b.String()}}
}

func (u *User) sealed() {}
