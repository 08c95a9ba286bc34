package service

import (
	"errors"
	"fmt"
	"time"
)

// Report is the outcome of a launch, in plan order.
type Report struct {
	Hosts []HostReport
}

// HostReport is the outcome of one host. Err is set when the host network
// could not be provisioned, in which case none of its VMs was launched.
type HostReport struct {
	Host string
	Err  error
	VMs  []VMResult
}

// VMResult is the outcome of one VM launch.
type VMResult struct {
	Host     string
	Name     string
	Err      error
	Duration time.Duration
}

func (r VMResult) Succeeded() bool {
	return r.Err == nil
}

// Results returns the VM results of all hosts.
func (r *Report) Results() []VMResult {
	var results []VMResult
	for _, h := range r.Hosts {
		results = append(results, h.VMs...)
	}
	return results
}

// Failures returns the VM results that failed.
func (r *Report) Failures() []VMResult {
	var failed []VMResult
	for _, res := range r.Results() {
		if !res.Succeeded() {
			failed = append(failed, res)
		}
	}
	return failed
}

// Failed reports whether any host or VM failed.
func (r *Report) Failed() bool {
	return r.Err() != nil
}

// Err joins every host and VM failure, each prefixed with what failed.
func (r *Report) Err() error {
	var errs []error
	for _, h := range r.Hosts {
		if h.Err != nil {
			errs = append(errs, fmt.Errorf("host %s: host network: %w", h.Host, h.Err))
		}
		for _, vm := range h.VMs {
			if vm.Err != nil {
				errs = append(errs, fmt.Errorf("host %s, vm %s: %w", vm.Host, vm.Name, vm.Err))
			}
		}
	}
	return errors.Join(errs...)
}
