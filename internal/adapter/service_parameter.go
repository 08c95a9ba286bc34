package adapter

import (
	"fmt"

	"github.com/terabiome/qlaunch/internal/api"
	"github.com/terabiome/qlaunch/internal/runtime"
	"github.com/terabiome/qlaunch/internal/service"
	"github.com/terabiome/qlaunch/pkg/executor"
)

// ServiceParameterAdapter converts the configuration document to service
// parameters.
type ServiceParameterAdapter struct {
	defaultUser    string
	knownHostsPath string
}

// NewServiceParameterAdapter creates an adapter. defaultUser is the SSH user
// of hosts whose ssh_config names none; knownHostsPath, when set, is used by
// hosts that do not name their own.
func NewServiceParameterAdapter(defaultUser, knownHostsPath string) *ServiceParameterAdapter {
	return &ServiceParameterAdapter{
		defaultUser:    defaultUser,
		knownHostsPath: knownHostsPath,
	}
}

func (spAdapter ServiceParameterAdapter) AdaptDocument(doc api.Document) []service.HostParams {
	params := make([]service.HostParams, len(doc))
	for i, host := range doc {
		params[i] = spAdapter.AdaptHost(host)
	}
	return params
}

func (spAdapter ServiceParameterAdapter) AdaptHost(host api.HostConfiguration) service.HostParams {
	vms := make([]service.VMParams, len(host.VMs))
	for i, vm := range host.VMs {
		name := vm.Name
		if name == "" {
			name = fmt.Sprintf("vm%d", i)
		}
		vms[i] = service.VMParams{Name: name, Config: vm}
	}

	return service.HostParams{
		Target:      spAdapter.AdaptTarget(host),
		HostNetwork: host.HostNetwork,
		VMs:         vms,
	}
}

// AdaptTarget resolves how to reach a host. A localhost entry without
// ssh_config runs locally. An entry naming only ssh_config.host is named after
// that endpoint.
func (spAdapter ServiceParameterAdapter) AdaptTarget(host api.HostConfiguration) runtime.Host {
	name := host.HostName()
	if host.SSHConfig == nil && name == "localhost" {
		return runtime.Host{Name: name}
	}

	var cfg api.SSHConfig
	if host.SSHConfig != nil {
		cfg = *host.SSHConfig
	}

	sshConfig := &executor.SSHConfig{
		Host:           cfg.Host,
		Port:           cfg.Port,
		User:           cfg.User,
		KeyPath:        cfg.KeyPath,
		KnownHostsPath: cfg.KnownHostsPath,
	}
	if sshConfig.Host == "" {
		sshConfig.Host = name
	}
	if sshConfig.User == "" {
		sshConfig.User = spAdapter.defaultUser
	}
	if sshConfig.KnownHostsPath == "" {
		sshConfig.KnownHostsPath = spAdapter.knownHostsPath
	}

	if host.Host == "" {
		name = runtime.Endpoint(sshConfig.Host, sshConfig.Port)
	}

	return runtime.Host{Name: name, SSH: sshConfig}
}
