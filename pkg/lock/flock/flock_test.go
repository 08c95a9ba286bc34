package flock

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForKey_StableFileName(t *testing.T) {
	dir := t.TempDir()

	a, err := ForKey(dir, "host-a:/var/lib/vms/disk.qcow2")
	require.NoError(t, err)
	b, err := ForKey(dir, "host-a:/var/lib/vms/disk.qcow2")
	require.NoError(t, err)
	c, err := ForKey(dir, "host-b:/var/lib/vms/disk.qcow2")
	require.NoError(t, err)

	assert.Equal(t, a.Path(), b.Path())
	assert.NotEqual(t, a.Path(), c.Path())
}

func TestTryLock_ContendedKey(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first, err := ForKey(dir, "host:/disk.qcow2")
	require.NoError(t, err)
	second, err := ForKey(dir, "host:/disk.qcow2")
	require.NoError(t, err)

	locked, err := first.TryLock()
	require.NoError(t, err)
	require.True(t, locked)

	locked, err = second.TryLock()
	require.NoError(t, err)
	assert.False(t, locked, "second holder must not acquire a held key")

	require.NoError(t, first.Unlock(ctx))

	locked, err = second.TryLock()
	require.NoError(t, err)
	assert.True(t, locked)
	require.NoError(t, second.Unlock(ctx))
}
