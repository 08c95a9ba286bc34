package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/terabiome/qlaunch/internal/config"
	"github.com/terabiome/qlaunch/internal/runtime"
	"github.com/terabiome/qlaunch/internal/service"
	"github.com/terabiome/qlaunch/pkg/logger"
	"github.com/terabiome/qlaunch/pkg/telemetry"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		slog.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	}()

	app := &cli.App{
		Name:                 "qlaunch",
		Usage:                "Launch qemu virtual machines on local and remote hosts",
		ArgsUsage:            "CONFIG",
		EnableBashCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to the tool configuration file",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Override the log level (debug, info, warn, error)",
			},
			&cli.BoolFlag{
				Name:  "overwrite-image",
				Usage: "Upload disk images even when the remote image exists",
			},
			&cli.BoolFlag{
				Name:  "kill-running-vms",
				Usage: "Terminate hypervisor processes that hold a disk image open",
			},
		},
		Action: func(cliCtx *cli.Context) error {
			return withApp(ctx, cliCtx, func(a *application) error {
				return a.launch(cliCtx)
			})
		},
		Commands: []*cli.Command{
			{
				Name:      "render",
				Usage:     "Print the hypervisor command line of every VM without running anything",
				ArgsUsage: "CONFIG",
				Action: func(cliCtx *cli.Context) error {
					return withApp(ctx, cliCtx, func(a *application) error {
						return a.render(cliCtx)
					})
				},
			},
			{
				Name:      "domxml",
				Usage:     "Print an equivalent libvirt domain XML of every VM",
				ArgsUsage: "CONFIG",
				Action: func(cliCtx *cli.Context) error {
					return withApp(ctx, cliCtx, func(a *application) error {
						return a.domxml(cliCtx)
					})
				},
			},
			{
				Name:      "check",
				Usage:     "Check that every host can run VMs",
				ArgsUsage: "CONFIG",
				Action: func(cliCtx *cli.Context) error {
					return withApp(ctx, cliCtx, func(a *application) error {
						return a.check(cliCtx)
					})
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "qlaunch:", err)
		os.Exit(1)
	}
}

// application is the wiring shared by all commands.
type application struct {
	ctx context.Context
	cfg *config.Config
	log *slog.Logger
}

// withApp loads the configuration, sets up logging and telemetry and runs fn.
func withApp(ctx context.Context, cliCtx *cli.Context, fn func(*application) error) error {
	cfg, err := config.Load(cliCtx.String("config"))
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	if level := cliCtx.String("log-level"); level != "" {
		cfg.LogLevel = level
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("configuration error: %w", err)
		}
	}
	if cliCtx.Bool("kill-running-vms") {
		cfg.KillRunningVMs = true
	}

	log := logger.New(cfg.LogLevel, cfg.LogFormat).With(slog.String("run_id", uuid.NewString()))
	slog.SetDefault(log)
	log.Debug("qlaunch starting",
		slog.String("command", cliCtx.Command.Name),
		slog.String("log_level", cfg.LogLevel),
		slog.Bool("telemetry_enabled", cfg.TelemetryEnabled),
	)

	if cfg.TelemetryEnabled {
		tel, err := telemetry.Initialize("qlaunch", os.Stderr)
		if err != nil {
			return fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		defer func() {
			log.Debug("shutting down telemetry")
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if err := tel.Shutdown(shutdownCtx); err != nil {
				log.Error("failed to shutdown telemetry", slog.String("error", err.Error()))
			}
		}()
		log.Debug("telemetry initialized")
	}

	return fn(&application{ctx: ctx, cfg: cfg, log: log})
}

func (a *application) newService(overwrite bool) (*service.LaunchService, error) {
	workDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve working directory: %w", err)
	}

	return service.NewLaunchService(service.Options{
		QemuBinary:      a.cfg.QemuBinary,
		WorkDir:         workDir,
		LockDir:         a.cfg.LockDir,
		Overwrite:       overwrite,
		KillRunningVMs:  a.cfg.KillRunningVMs,
		KillGracePeriod: a.cfg.KillGracePeriod,
	}, runtime.NewDialer(a.log, a.cfg.SSHTimeout), service.Terminal{
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}, a.log), nil
}

// plan loads the document named by the first argument and validates it.
func (a *application) plan(cliCtx *cli.Context, svc *service.LaunchService) (*service.Plan, error) {
	params, err := a.loadHostParams(cliCtx.Args().First())
	if err != nil {
		return nil, err
	}

	plan, err := svc.Plan(params)
	if err != nil {
		return nil, fmt.Errorf("invalid configuration document:\n%w", err)
	}
	return plan, nil
}

func (a *application) launch(cliCtx *cli.Context) error {
	svc, err := a.newService(cliCtx.Bool("overwrite-image"))
	if err != nil {
		return err
	}

	plan, err := a.plan(cliCtx, svc)
	if err != nil {
		return err
	}

	if err := a.promptCredentials(plan); err != nil {
		return err
	}

	a.log.Info("launching VMs",
		slog.Int("hosts", len(plan.Hosts)),
		slog.Int("vms", len(plan.VMs())),
	)

	report := svc.Launch(a.ctx, plan)
	printReport(os.Stderr, report)

	if err := report.Err(); err != nil {
		return errors.New("launch failed")
	}
	return nil
}

func (a *application) render(cliCtx *cli.Context) error {
	svc, err := a.newService(false)
	if err != nil {
		return err
	}

	plan, err := a.plan(cliCtx, svc)
	if err != nil {
		return err
	}

	lines, err := svc.Render(plan)
	if err != nil {
		return err
	}

	vms := plan.VMs()
	for i, line := range lines {
		fmt.Printf("# host %s, vm %s\n%s\n", vms[i].Host, vms[i].Name, line)
	}
	return nil
}

func (a *application) domxml(cliCtx *cli.Context) error {
	svc, err := a.newService(false)
	if err != nil {
		return err
	}

	plan, err := a.plan(cliCtx, svc)
	if err != nil {
		return err
	}

	docs, err := svc.DomainXML(plan)
	if err != nil {
		return fmt.Errorf("unable to render domain XML: %w", err)
	}

	for _, doc := range docs {
		fmt.Println(doc)
	}
	return nil
}

func printReport(w io.Writer, report *service.Report) {
	for _, h := range report.Hosts {
		if h.Err != nil {
			fmt.Fprintf(w, "host %s: FAILED: %v\n", h.Host, h.Err)
			continue
		}
		for _, vm := range h.VMs {
			if vm.Succeeded() {
				fmt.Fprintf(w, "host %s, vm %s: ok (%s)\n", vm.Host, vm.Name, vm.Duration.Round(time.Millisecond))
				continue
			}
			fmt.Fprintf(w, "host %s, vm %s: FAILED: %v\n", vm.Host, vm.Name, vm.Err)
		}
	}
}
