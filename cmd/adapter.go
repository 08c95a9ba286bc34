package main

import (
	"fmt"
	"io"
	"os"
	"os/user"
	"strings"

	"golang.org/x/term"

	"github.com/terabiome/qlaunch/internal/adapter"
	"github.com/terabiome/qlaunch/internal/api"
	"github.com/terabiome/qlaunch/internal/service"
	"github.com/terabiome/qlaunch/pkg/executor"
)

// loadHostParams reads the configuration document at path and converts it to
// service parameters.
func (a *application) loadHostParams(path string) ([]service.HostParams, error) {
	if path == "" {
		return nil, fmt.Errorf("empty file path to configuration document")
	}

	doc, err := api.Load(path)
	if err != nil {
		return nil, err
	}

	return adapter.NewServiceParameterAdapter(defaultSSHUser(), a.cfg.KnownHostsPath).AdaptDocument(doc), nil
}

func defaultSSHUser() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return os.Getenv("USER")
}

// passwordPrompt asks for host passwords on a terminal. It is inactive when
// stdin is not a terminal.
type passwordPrompt struct {
	fd  int
	out io.Writer
}

func newPasswordPrompt(in *os.File, out io.Writer) *passwordPrompt {
	fd := int(in.Fd())
	if !term.IsTerminal(fd) {
		return nil
	}
	return &passwordPrompt{fd: fd, out: out}
}

// credentials asks for the password of host. An empty answer leaves the host
// without password.
func (p *passwordPrompt) credentials(host string) (executor.Credentials, error) {
	if p == nil {
		return executor.Credentials{}, nil
	}

	fmt.Fprintf(p.out, "password for %s (empty for none): ", host)
	password, err := term.ReadPassword(p.fd)
	fmt.Fprintln(p.out)
	if err != nil {
		return executor.Credentials{}, fmt.Errorf("failed to read password for %s: %w", host, err)
	}
	return executor.Credentials{Password: strings.TrimRight(string(password), "\r\n")}, nil
}

// promptCredentials asks for the password of every host of plan before any
// session is opened.
func (a *application) promptCredentials(plan *service.Plan) error {
	if !a.cfg.PromptPassword {
		return nil
	}

	prompt := newPasswordPrompt(os.Stdin, os.Stderr)
	for i := range plan.Hosts {
		host := &plan.Hosts[i]
		if len(host.VMs) == 0 && len(host.Networks) == 0 {
			continue
		}
		creds, err := prompt.credentials(host.Target.Name)
		if err != nil {
			return err
		}
		host.Target.Credentials = creds
	}
	return nil
}
