package service

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/terabiome/qlaunch/internal/api"
	"github.com/terabiome/qlaunch/internal/failure"
	"github.com/terabiome/qlaunch/internal/infrastructure/disk"
	"github.com/terabiome/qlaunch/internal/infrastructure/domxml"
	"github.com/terabiome/qlaunch/internal/infrastructure/network"
	"github.com/terabiome/qlaunch/internal/infrastructure/qemu"
	"github.com/terabiome/qlaunch/internal/runtime"
)

// Plan is a fully validated launch: every resource is constructed and every
// hypervisor invocation builds.
type Plan struct {
	Hosts []HostPlan
}

// HostPlan is the launch of the VMs of one host.
type HostPlan struct {
	Target   runtime.Host
	Networks []network.HostNetwork
	VMs      []VMPlan
}

// VMPlan is the launch of one VM.
type VMPlan struct {
	Host        string
	Name        string
	Config      api.VMConfiguration
	Attachments []network.Attachment
	Slots       []int
	Disks       []disk.Image
	Display     qemu.Display
}

// Input returns the builder input of the VM.
func (p VMPlan) Input(binary, workDir string) qemu.Input {
	fragments := make([]network.Fragment, len(p.Attachments))
	for i, a := range p.Attachments {
		fragments[i] = a.Args(p.Slots[i])
	}

	drives := make([]string, len(p.Disks))
	for i, d := range p.Disks {
		drives[i] = d.RemotePath
	}

	return qemu.Input{
		Binary:     binary,
		WorkDir:    workDir,
		VM:         p.Config,
		Interfaces: fragments,
		Drives:     drives,
	}
}

// VMs returns the VM plans of all hosts.
func (p *Plan) VMs() []VMPlan {
	var vms []VMPlan
	for _, h := range p.Hosts {
		vms = append(vms, h.VMs...)
	}
	return vms
}

// Plan validates hosts and constructs all resources without any remote work.
// All configuration errors of the document are returned together.
func (s *LaunchService) Plan(hosts []HostParams) (*Plan, error) {
	plan := &Plan{Hosts: make([]HostPlan, len(hosts))}
	var errs []error

	for i, host := range hosts {
		hp := HostPlan{Target: host.Target}

		for j, spec := range host.HostNetwork {
			hn, err := network.NewHostNetwork(fmt.Sprintf("host_network[%d]", j), spec)
			if err != nil {
				errs = append(errs, fmt.Errorf("host %s: %w", host.Target.Name, err))
				continue
			}
			hp.Networks = append(hp.Networks, hn)
		}

		for _, vm := range host.VMs {
			vp, err := s.planVM(host.Target.Name, vm)
			if err != nil {
				errs = append(errs, fmt.Errorf("host %s, vm %s: %w", host.Target.Name, vm.Name, err))
				continue
			}
			hp.VMs = append(hp.VMs, vp)
		}

		plan.Hosts[i] = hp
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return plan, nil
}

func (s *LaunchService) planVM(host string, vm VMParams) (VMPlan, error) {
	cfg := vm.Config
	vp := VMPlan{Host: host, Name: vm.Name, Config: cfg}

	if cfg.RemoteDiskImagePath == "" {
		return VMPlan{}, failure.Configuration(api.KeyRemoteDiskImagePath, "", "required")
	}
	vp.Disks = append(vp.Disks, disk.Image{LocalPath: cfg.LocalDiskImagePath, RemotePath: cfg.RemoteDiskImagePath})

	for i, d := range cfg.AdditionalDiskImages {
		if d.RemoteDiskImagePath == "" {
			return VMPlan{}, failure.Configuration(
				fmt.Sprintf("%s[%d].%s", api.KeyAdditionalDiskImages, i, api.KeyRemoteDiskImagePath), "", "required")
		}
		vp.Disks = append(vp.Disks, disk.Image{LocalPath: d.LocalDiskImagePath, RemotePath: d.RemoteDiskImagePath})
	}

	for i, spec := range cfg.Interfaces {
		a, err := network.NewInterface(fmt.Sprintf("%s[%d]", api.KeyInterfaces, i), spec)
		if err != nil {
			return VMPlan{}, err
		}
		vp.Attachments = append(vp.Attachments, a)
	}
	vp.Slots = network.AssignSlots(vp.Attachments)

	inv, err := qemu.Build(vp.Input(s.opts.QemuBinary, s.opts.WorkDir))
	if err != nil {
		return VMPlan{}, err
	}
	vp.Display = inv.Display

	return vp, nil
}

// Render returns the hypervisor command line of every VM of plan, in plan order.
func (s *LaunchService) Render(plan *Plan) ([]string, error) {
	var lines []string
	for _, vm := range plan.VMs() {
		inv, err := qemu.Build(vm.Input(s.opts.QemuBinary, s.opts.WorkDir))
		if err != nil {
			return nil, err
		}
		lines = append(lines, inv.String())
	}
	return lines, nil
}

// DomainXML returns a libvirt domain definition for every VM of plan.
func (s *LaunchService) DomainXML(plan *Plan) ([]string, error) {
	var docs []string
	for _, vm := range plan.VMs() {
		cpus, _ := strconv.Atoi(vm.Config.CPUCount.String())

		xmlStr, err := domxml.Render(domxml.VM{
			Name:       vm.Host + "-" + vm.Name,
			Emulator:   s.opts.QemuBinary,
			Memory:     vm.Config.Memory.String(),
			CPUCount:   cpus,
			VirtfsPath: qemu.ResolveVirtfsPath(vm.Config.VirtfsPath, s.opts.WorkDir),
			Display:    vm.Display,
			Interfaces: vm.Attachments,
			Drives:     vm.Input("", "").Drives,
		})
		if err != nil {
			return nil, fmt.Errorf("host %s, vm %s: %w", vm.Host, vm.Name, err)
		}
		docs = append(docs, xmlStr)
	}
	return docs, nil
}
