package service

import (
	"time"

	"github.com/terabiome/qlaunch/internal/api"
	"github.com/terabiome/qlaunch/internal/runtime"
)

// HostParams contains transport-agnostic parameters for launching the VMs of one host.
type HostParams struct {
	Target      runtime.Host
	HostNetwork []api.HostNetworkSpec
	VMs         []VMParams
}

// VMParams contains the configuration of one VM.
type VMParams struct {
	Name   string
	Config api.VMConfiguration
}

// Options configures a LaunchService.
type Options struct {
	QemuBinary string
	// WorkDir replaces the {pwd} placeholder of virtfs_path.
	WorkDir         string
	LockDir         string
	Overwrite       bool
	KillRunningVMs  bool
	KillGracePeriod time.Duration
}
