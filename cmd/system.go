package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/terabiome/qlaunch/internal/runtime"
)

// check reports for every host of the document whether it can run VMs.
func (a *application) check(cliCtx *cli.Context) error {
	svc, err := a.newService(false)
	if err != nil {
		return err
	}

	params, err := a.loadHostParams(cliCtx.Args().First())
	if err != nil {
		return err
	}

	var prompt *passwordPrompt
	if a.cfg.PromptPassword {
		prompt = newPasswordPrompt(os.Stdin, os.Stderr)
	}

	hosts := make([]runtime.Host, len(params))
	for i, p := range params {
		hosts[i] = p.Target
		creds, err := prompt.credentials(p.Target.Name)
		if err != nil {
			return err
		}
		hosts[i].Credentials = creds
	}

	ready := true
	for _, hc := range svc.Check(a.ctx, hosts) {
		fmt.Printf("=== %s ===\n", hc.Host)
		if hc.Err != nil {
			fmt.Printf("  unreachable: %v\n", hc.Err)
			ready = false
			continue
		}
		for _, p := range hc.Probes {
			status := "ok"
			if !p.OK {
				status = "FAILED"
			}
			detail := strings.TrimSpace(p.Detail)
			if detail != "" {
				detail = " (" + detail + ")"
			}
			fmt.Printf("  %-10s %s%s\n", p.Name, status, detail)
		}
		ready = ready && hc.Ready()
	}

	if !ready {
		return errors.New("some hosts are not ready")
	}
	return nil
}
