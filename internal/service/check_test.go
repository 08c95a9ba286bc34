package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terabiome/qlaunch/internal/runtime"
	"github.com/terabiome/qlaunch/internal/testutil/fakesession"
)

func TestCheck(t *testing.T) {
	opener := newFakeOpener(func(host string, s *fakesession.Session) {
		s.On("command -v qemu-system-x86_64", 0, "/usr/bin/qemu-system-x86_64\n")
		if host == "b" {
			s.On("/dev/kvm", 1, "")
		}
	})
	opener.openErr["c"] = errors.New("connection refused")
	svc := newTestService(t, opener, Terminal{})

	checks := svc.Check(context.Background(), []runtime.Host{{Name: "a"}, {Name: "b"}, {Name: "c"}})
	require.Len(t, checks, 3)

	assert.True(t, checks[0].Ready())
	require.Len(t, checks[0].Probes, 5)
	assert.Equal(t, "hypervisor", checks[0].Probes[0].Name)
	assert.Equal(t, "/usr/bin/qemu-system-x86_64\n", checks[0].Probes[0].Detail)

	assert.False(t, checks[1].Ready())
	assert.Equal(t, "kvm", checks[1].Probes[1].Name)
	assert.False(t, checks[1].Probes[1].OK)
	assert.Equal(t, "exit code 1", checks[1].Probes[1].Detail)

	assert.False(t, checks[2].Ready())
	assert.ErrorContains(t, checks[2].Err, "connection refused")

	lines := opener.lines("a")
	assert.Equal(t, []string{
		"command -v qemu-system-x86_64",
		"test -w /dev/kvm",
		"command -v ip",
		"command -v pgrep",
		"true",
	}, lines)
}
