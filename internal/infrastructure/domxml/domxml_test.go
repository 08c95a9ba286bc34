package domxml

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"libvirt.org/go/libvirtxml"

	"github.com/terabiome/qlaunch/internal/infrastructure/network"
	"github.com/terabiome/qlaunch/internal/infrastructure/qemu"
)

func TestRender(t *testing.T) {
	vm := VM{
		Name:     "node1-vm0",
		Emulator: "/usr/bin/qemu-system-x86_64",
		Memory:   "4G",
		CPUCount: 2,
		Display:  qemu.DisplayGraphic,
		Interfaces: []network.Attachment{
			&network.User{},
			&network.MacVtap{Name: "mvt0", Parent: "eth0", Mode: "bridge", MAC: "52:54:00:00:00:01"},
		},
		Drives: []string{"/vms/a.qcow2", "/vms/b.qcow2"},
	}

	xmlStr, err := Render(vm)
	require.NoError(t, err)

	var domain libvirtxml.Domain
	require.NoError(t, domain.Unmarshal(xmlStr))

	assert.Equal(t, "node1-vm0", domain.Name)
	assert.Equal(t, uint(4*1024*1024), domain.Memory.Value)
	assert.Equal(t, "KiB", domain.Memory.Unit)
	assert.Equal(t, uint(2), domain.VCPU.Value)

	require.Len(t, domain.Devices.Disks, 2)
	assert.Equal(t, "vda", domain.Devices.Disks[0].Target.Dev)
	assert.Equal(t, "/vms/b.qcow2", domain.Devices.Disks[1].Source.File.File)

	require.Len(t, domain.Devices.Interfaces, 2)
	assert.NotNil(t, domain.Devices.Interfaces[0].Source.User)
	assert.Nil(t, domain.Devices.Interfaces[0].Address)

	direct := domain.Devices.Interfaces[1]
	require.NotNil(t, direct.Source.Direct)
	assert.Equal(t, "eth0", direct.Source.Direct.Dev)
	require.NotNil(t, direct.Address.PCI)
	assert.Equal(t, uint(network.FirstSlot), *direct.Address.PCI.Slot)

	require.Len(t, domain.Devices.Graphics, 1)
	assert.NotNil(t, domain.Devices.Graphics[0].VNC)
}

func TestMemoryKiB(t *testing.T) {
	kib, err := memoryKiB("2048")
	require.NoError(t, err)
	assert.Equal(t, uint(2048*1024), kib)

	_, err = memoryKiB("lots")
	assert.Error(t, err)
}

func TestDiskName(t *testing.T) {
	assert.Equal(t, "vda", diskName(0))
	assert.Equal(t, "vdz", diskName(25))
	assert.Equal(t, "vdaa", diskName(26))
}
