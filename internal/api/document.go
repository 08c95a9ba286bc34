package api

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// Document is the configuration document: one entry per target host.
type Document []HostConfiguration

// HostConfiguration describes one target host and the VMs to launch on it.
type HostConfiguration struct {
	Host        string            `json:"host,omitempty"`
	SSHConfig   *SSHConfig        `json:"ssh_config,omitempty"`
	HostNetwork []HostNetworkSpec `json:"host_network,omitempty"`
	VMs         []VMConfiguration `json:"vms"`
}

// SSHConfig holds the connection parameters of a host. Host falls back to
// the enclosing HostConfiguration's host.
type SSHConfig struct {
	Host           string `json:"host,omitempty"`
	Port           int    `json:"port,omitempty"`
	User           string `json:"user,omitempty"`
	KeyPath        string `json:"key_path,omitempty"`
	KnownHostsPath string `json:"known_hosts_path,omitempty"`
}

// HostNetworkSpec is a network construct shared by all VMs of a host.
type HostNetworkSpec struct {
	Type    string `json:"type"`
	Name    string `json:"name,omitempty"`
	Parent  string `json:"parent,omitempty"`
	Address string `json:"address,omitempty"`
	Mode    string `json:"mode,omitempty"`
}

// InterfaceSpec is a network interface attached to a single VM.
type InterfaceSpec struct {
	Type    string   `json:"type"`
	Name    string   `json:"name,omitempty"`
	Parent  string   `json:"parent,omitempty"`
	MAC     string   `json:"mac,omitempty"`
	Mode    string   `json:"mode,omitempty"`
	Bridge  string   `json:"bridge,omitempty"`
	HostFwd []string `json:"hostfwd,omitempty"`
}

// DiskImageSpec pairs a remote disk image with its optional local source.
type DiskImageSpec struct {
	LocalDiskImagePath  string `json:"local_disk_image_path,omitempty"`
	RemoteDiskImagePath string `json:"remote_disk_image_path"`
}

// HostName returns the configured host, "localhost" when unset.
func (h HostConfiguration) HostName() string {
	if h.Host == "" {
		return "localhost"
	}
	return h.Host
}

// Decode reads a configuration document from r.
func Decode(r io.Reader) (Document, error) {
	var doc Document
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode configuration document: %w", err)
	}
	return doc, nil
}

// Load reads the configuration document at path.
func Load(path string) (Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open configuration document: %w", err)
	}
	defer f.Close()

	return Decode(f)
}
