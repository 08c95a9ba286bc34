// Package domxml renders a planned VM as an equivalent libvirt domain, for
// users moving a launch configuration under libvirt management.
package domxml

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/docker/go-units"
	"libvirt.org/go/libvirtxml"

	"github.com/terabiome/qlaunch/internal/infrastructure/network"
	"github.com/terabiome/qlaunch/internal/infrastructure/qemu"
)

const defaultMemoryMiB = 128

// VM is the subset of a planned VM a domain is derived from.
type VM struct {
	Name       string
	Emulator   string
	Memory     string
	CPUCount   int
	VirtfsPath string
	Display    qemu.Display
	Interfaces []network.Attachment
	Drives     []string
}

// Render returns the domain XML of vm.
func Render(vm VM) (string, error) {
	memKiB, err := memoryKiB(vm.Memory)
	if err != nil {
		return "", err
	}

	vcpus := uint(1)
	if vm.CPUCount > 0 {
		vcpus = uint(vm.CPUCount)
	}

	devices := &libvirtxml.DomainDeviceList{
		Emulator: vm.Emulator,
	}

	for i, path := range vm.Drives {
		devices.Disks = append(devices.Disks, libvirtxml.DomainDisk{
			Device: "disk",
			Driver: &libvirtxml.DomainDiskDriver{Name: "qemu", Type: "qcow2"},
			Source: &libvirtxml.DomainDiskSource{
				File: &libvirtxml.DomainDiskSourceFile{File: path},
			},
			Target: &libvirtxml.DomainDiskTarget{Dev: diskName(i), Bus: "virtio"},
		})
	}

	if vm.VirtfsPath != "" {
		devices.Filesystems = append(devices.Filesystems, libvirtxml.DomainFilesystem{
			AccessMode: "mapped",
			Source: &libvirtxml.DomainFilesystemSource{
				Mount: &libvirtxml.DomainFilesystemSourceMount{Dir: vm.VirtfsPath},
			},
			Target: &libvirtxml.DomainFilesystemTarget{Dir: "share"},
		})
	}

	slots := network.AssignSlots(vm.Interfaces)
	for i, a := range vm.Interfaces {
		devices.Interfaces = append(devices.Interfaces, buildInterface(a, slots[i]))
	}

	switch vm.Display {
	case qemu.DisplayGraphic:
		devices.Videos = []libvirtxml.DomainVideo{{Model: libvirtxml.DomainVideoModel{Type: "virtio"}}}
		devices.Graphics = []libvirtxml.DomainGraphic{{VNC: &libvirtxml.DomainGraphicVNC{Port: -1, AutoPort: "yes"}}}
	case qemu.DisplayTerminal:
		devices.Videos = []libvirtxml.DomainVideo{{Model: libvirtxml.DomainVideoModel{Type: "none"}}}
		devices.Serials = []libvirtxml.DomainSerial{{
			Source: &libvirtxml.DomainChardevSource{Pty: &libvirtxml.DomainChardevSourcePty{}},
			Target: &libvirtxml.DomainSerialTarget{Port: uintPtr(0)},
		}}
		devices.Consoles = []libvirtxml.DomainConsole{{
			Source: &libvirtxml.DomainChardevSource{Pty: &libvirtxml.DomainChardevSourcePty{}},
			Target: &libvirtxml.DomainConsoleTarget{Type: "serial", Port: uintPtr(0)},
		}}
	default:
		devices.Videos = []libvirtxml.DomainVideo{{Model: libvirtxml.DomainVideoModel{Type: "none"}}}
	}

	domain := &libvirtxml.Domain{
		Type:   "kvm",
		Name:   vm.Name,
		Memory: &libvirtxml.DomainMemory{Value: memKiB, Unit: "KiB"},
		VCPU:   &libvirtxml.DomainVCPU{Value: vcpus},
		CPU:    &libvirtxml.DomainCPU{Mode: "host-passthrough"},
		OS: &libvirtxml.DomainOS{
			Type: &libvirtxml.DomainOSType{Arch: "x86_64", Type: "hvm"},
		},
		Devices: devices,
	}

	xmlStr, err := domain.Marshal()
	if err != nil {
		return "", fmt.Errorf("marshal domain XML: %w", err)
	}
	return xmlStr, nil
}

func buildInterface(a network.Attachment, slot int) libvirtxml.DomainInterface {
	iface := libvirtxml.DomainInterface{
		Model: &libvirtxml.DomainInterfaceModel{Type: "virtio"},
	}
	if slot >= 0 {
		iface.Address = &libvirtxml.DomainAddress{
			PCI: &libvirtxml.DomainAddressPCI{
				Domain:   uintPtr(0),
				Bus:      uintPtr(0),
				Slot:     uintPtr(uint(slot)),
				Function: uintPtr(0),
			},
		}
	}

	switch a := a.(type) {
	case *network.MacVtap:
		iface.MAC = &libvirtxml.DomainInterfaceMAC{Address: a.MAC}
		iface.Source = &libvirtxml.DomainInterfaceSource{
			Direct: &libvirtxml.DomainInterfaceSourceDirect{Dev: a.Parent, Mode: a.Mode},
		}
		iface.Target = &libvirtxml.DomainInterfaceTarget{Dev: a.Name}
	case *network.Tap:
		iface.MAC = &libvirtxml.DomainInterfaceMAC{Address: a.MAC}
		iface.Source = &libvirtxml.DomainInterfaceSource{Ethernet: &libvirtxml.DomainInterfaceSourceEthernet{}}
		iface.Target = &libvirtxml.DomainInterfaceTarget{Dev: a.Name, Managed: "no"}
	case *network.User:
		if a.MAC != "" {
			iface.MAC = &libvirtxml.DomainInterfaceMAC{Address: a.MAC}
		}
		iface.Source = &libvirtxml.DomainInterfaceSource{User: &libvirtxml.DomainInterfaceSourceUser{}}
	}
	return iface
}

// memoryKiB converts a memory value to KiB. A bare number is MiB, as for the
// hypervisor's -m flag.
func memoryKiB(memory string) (uint, error) {
	if memory == "" {
		return defaultMemoryMiB * 1024, nil
	}
	if mib, err := strconv.ParseUint(memory, 10, 64); err == nil {
		return uint(mib * 1024), nil
	}
	bytes, err := units.RAMInBytes(strings.TrimSpace(memory))
	if err != nil {
		return 0, fmt.Errorf("invalid memory size %q: %w", memory, err)
	}
	return uint(bytes / 1024), nil
}

// diskName returns the virtio disk name of index i: vda, vdb, ... vdz, vdaa.
func diskName(i int) string {
	name := ""
	for i++; i > 0; i = (i - 1) / 26 {
		name = string(rune('a'+(i-1)%26)) + name
	}
	return "vd" + name
}

func uintPtr(v uint) *uint {
	return &v
}
