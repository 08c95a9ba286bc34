package network

import (
	"context"
	"fmt"

	"github.com/terabiome/qlaunch/internal/api"
	"github.com/terabiome/qlaunch/internal/failure"
	"github.com/terabiome/qlaunch/pkg/executor"
)

// NewHostNetwork builds the host network resource described by spec. field
// names the spec in error messages, e.g. "host_network[0]".
func NewHostNetwork(field string, spec api.HostNetworkSpec) (HostNetwork, error) {
	switch spec.Type {
	case "bridge":
		if err := required(field+".name", spec.Name); err != nil {
			return nil, err
		}
		return &Bridge{Name: spec.Name, Parent: spec.Parent, Address: spec.Address}, nil

	case "macvlan":
		if err := required(field+".name", spec.Name); err != nil {
			return nil, err
		}
		if err := required(field+".parent", spec.Parent); err != nil {
			return nil, err
		}
		mode, err := checkMode(field+".mode", spec.Mode)
		if err != nil {
			return nil, err
		}
		return &MacVlan{Name: spec.Name, Parent: spec.Parent, Mode: mode, Address: spec.Address}, nil

	default:
		return nil, failure.Configuration(field+".type", spec.Type,
			"unknown host network type (valid: bridge, macvlan)")
	}
}

// Bridge is a Linux bridge, optionally enslaving a parent interface.
type Bridge struct {
	Name    string
	Parent  string
	Address string
}

func (b *Bridge) Kind() string { return "bridge" }

func (b *Bridge) Create(ctx context.Context, s executor.Session) error {
	steps := [][]string{{"ip", "link", "add", "name", b.Name, "type", "bridge"}}
	if b.Parent != "" {
		steps = append(steps, []string{"ip", "link", "set", b.Parent, "master", b.Name})
	}
	if b.Address != "" {
		steps = append(steps, []string{"ip", "addr", "add", b.Address, "dev", b.Name})
	}
	steps = append(steps, []string{"ip", "link", "set", b.Name, "up"})

	if err := createLink(ctx, s, b.Name, steps); err != nil {
		return fmt.Errorf("failed to create bridge %s: %w", b.Name, err)
	}
	return nil
}

func (b *Bridge) Delete(ctx context.Context, s executor.Session) error {
	return deleteLink(ctx, s, b.Name)
}

func (b *Bridge) sealed()      {}
func (b *Bridge) hostNetwork() {}

// MacVlan is a macvlan link on top of a parent interface.
type MacVlan struct {
	Name    string
	Parent  string
	Mode    string
	Address string
}

func (m *MacVlan) Kind() string { return "macvlan" }

func (m *MacVlan) Create(ctx context.Context, s executor.Session) error {
	steps := [][]string{{"ip", "link", "add", "link", m.Parent, "name", m.Name, "type", "macvlan", "mode", m.Mode}}
	if m.Address != "" {
		steps = append(steps, []string{"ip", "addr", "add", m.Address, "dev", m.Name})
	}
	steps = append(steps, []string{"ip", "link", "set", m.Name, "up"})

	if err := createLink(ctx, s, m.Name, steps); err != nil {
		return fmt.Errorf("failed to create macvlan %s: %w", m.Name, err)
	}
	return nil
}

func (m *MacVlan) Delete(ctx context.Context, s executor.Session) error {
	return deleteLink(ctx, s, m.Name)
}

func (m *MacVlan) sealed()      {}
func (m *MacVlan) hostNetwork() {}
