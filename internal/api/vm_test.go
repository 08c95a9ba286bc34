package api

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDocument = `[
  {
    "host": "node1",
    "ssh_config": {"user": "ops", "key_path": "~/.ssh/id_ed25519"},
    "host_network": [{"type": "bridge", "name": "br0", "parent": "eth0"}],
    "vms": [
      {
        "display_mode": "background",
        "interfaces": [{"type": "macvtap", "parent": "eth0", "name": "mvt0"}, {"type": "user", "hostfwd": ["tcp::2222-:22"]}],
        "memory": "4G",
        "comment": "ignored",
        "cpu_count": 4,
        "remote_disk_image_path": "/var/lib/vms/a.qcow2",
        "additional_disk_images": [{"local_disk_image_path": "data.qcow2", "remote_disk_image_path": "/var/lib/vms/data.qcow2"}]
      }
    ]
  },
  {
    "vms": [{"remote_disk_image_path": "/tmp/b.qcow2", "memory": 2048}]
  }
]`

func TestDecode_Document(t *testing.T) {
	doc, err := Decode(strings.NewReader(sampleDocument))
	require.NoError(t, err)
	require.Len(t, doc, 2)

	first := doc[0]
	assert.Equal(t, "node1", first.HostName())
	require.NotNil(t, first.SSHConfig)
	assert.Equal(t, "ops", first.SSHConfig.User)
	require.Len(t, first.HostNetwork, 1)
	assert.Equal(t, "bridge", first.HostNetwork[0].Type)

	vm := first.VMs[0]
	assert.Equal(t, Scalar("4G"), vm.Memory)
	assert.Equal(t, Scalar("4"), vm.CPUCount)
	assert.Equal(t, "background", vm.DisplayMode)
	require.Len(t, vm.Interfaces, 2)
	assert.Equal(t, []string{"tcp::2222-:22"}, vm.Interfaces[1].HostFwd)
	require.Len(t, vm.AdditionalDiskImages, 1)

	second := doc[1]
	assert.Equal(t, "localhost", second.HostName())
	assert.Nil(t, second.SSHConfig)
	assert.Equal(t, Scalar("2048"), second.VMs[0].Memory)
}

func TestVMConfiguration_KeysInDocumentOrder(t *testing.T) {
	doc, err := Decode(strings.NewReader(sampleDocument))
	require.NoError(t, err)

	assert.Equal(t, []string{
		KeyDisplayMode,
		KeyInterfaces,
		KeyMemory,
		KeyCPUCount,
		KeyRemoteDiskImagePath,
		KeyAdditionalDiskImages,
	}, doc[0].VMs[0].Keys)

	assert.True(t, doc[0].VMs[0].Has(KeyDisplayMode))
	assert.False(t, doc[1].VMs[0].Has(KeyDisplayMode))
}

func TestScalar_RejectsNonScalar(t *testing.T) {
	_, err := Decode(strings.NewReader(`[{"vms": [{"memory": true, "remote_disk_image_path": "/a"}]}]`))
	assert.Error(t, err)
}

func TestDecode_InvalidDocument(t *testing.T) {
	_, err := Decode(strings.NewReader(`{"vms": []}`))
	assert.Error(t, err)
}
