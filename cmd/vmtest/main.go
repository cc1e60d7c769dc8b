// Command vmtest runs a shell command inside a short-lived QEMU VM, either
// booting a self-contained disk image or a kernel over the host filesystem
// shared via 9p, and reports its exit code and output.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/jtarchie/vmtest/internal/config"
	"github.com/jtarchie/vmtest/internal/driver"
	"github.com/jtarchie/vmtest/internal/target"
)

type CLI struct {
	Command string `arg:"" optional:"" help:"Shell command to run inside the guest; required unless -c names a config file"`

	Kernel string `short:"k" help:"Kernel binary to boot (kernel target)"`
	Rootfs string `short:"r" help:"Host directory shared as the guest root (kernel target)"`
	Image  string `short:"i" help:"Disk image to boot (image target)"`
	Arch   string `short:"a" help:"Target architecture (x86_64, aarch64, s390x; default host)"`
	Config string `short:"c" default:"./vmtest.toml" help:"TOML config file, used unless -k/-i select a one-off target"`
	Name   string `help:"Only run the config target with this name"`

	Verbose bool   `short:"v" help:"Stream the guest's boot log at debug level"`
	Format  string `default:"text" enum:"text,json" help:"Host log format (text, json)"`

	InitBinaryPath   string `env:"VMTEST_INIT_BINARY" help:"Path to the vminit binary embedded in kernel-target initramfs images"`
	QemuGABinaryPath string `env:"VMTEST_QEMU_GA_BINARY" default:"/usr/bin/qemu-ga" help:"Path to the host's qemu-ga binary"`
}

func main() {
	cli := &CLI{}
	kong.Parse(cli)

	level := slog.LevelInfo
	if cli.Verbose {
		level = slog.LevelDebug
	}

	var logger *slog.Logger
	if cli.Format == "json" {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	} else {
		logger = slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level}))
	}

	slog.SetDefault(logger)

	os.Exit(run(cli, logger))
}

func run(cli *CLI, logger *slog.Logger) int {
	targets, err := resolveTargets(cli)
	if err != nil {
		logger.Error("vmtest.config", "err", err)

		return 1
	}

	targets = config.FilterByName(targets, cli.Name)
	if len(targets) == 0 {
		logger.Error("vmtest.config", "err", "no targets matched")

		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	opts := driver.Options{
		InitBinaryPath:   cli.InitBinaryPath,
		QemuGABinaryPath: cli.QemuGABinaryPath,
	}

	allPassed := true

	for _, t := range targets {
		if !runTarget(ctx, logger, opts, t) {
			allPassed = false
		}
	}

	if allPassed {
		return 0
	}

	return 1
}

// resolveTargets picks the CLI one-liner form when -k or -i is set,
// falling back to the TOML config file otherwise — the
// one-liner bypasses the config file entirely, matching §6.
func resolveTargets(cli *CLI) ([]target.Target, error) {
	if cli.Kernel != "" || cli.Image != "" {
		if cli.Command == "" {
			return nil, fmt.Errorf("a command is required with -k/-i")
		}

		t, err := config.OneLiner{
			Name:    cli.Name,
			Command: cli.Command,
			Kernel:  cli.Kernel,
			Rootfs:  cli.Rootfs,
			Image:   cli.Image,
			Arch:    cli.Arch,
		}.Resolve()
		if err != nil {
			return nil, err
		}

		return []target.Target{t}, nil
	}

	return config.LoadFile(cli.Config)
}

// runTarget drives one target to completion, printing its boot log and
// command output under its name heading in arrival order, and returns
// whether it reached Finished{0}.
func runTarget(ctx context.Context, logger *slog.Logger, opts driver.Options, t target.Target) bool {
	sink := driver.NewSink(16)
	d := driver.New(logger.With("target", t.Name), opts)

	done := make(chan driver.Result, 1)

	go func() { done <- d.Run(ctx, t, sink) }()

	fmt.Printf("=== %s ===\n", t.Name)

	for ev := range sink.Events() {
		printEvent(logger, t.Name, ev)
	}

	result := <-done

	if result.Err != nil {
		fmt.Printf("--- %s: FAIL (%s: %s) ---\n", t.Name, result.Err.Kind, result.Err.Message)

		return false
	}

	if result.ExitCode != 0 {
		fmt.Printf("--- %s: FAIL (exit %d) ---\n", t.Name, result.ExitCode)

		return false
	}

	fmt.Printf("--- %s: PASS ---\n", t.Name)

	return true
}

func printEvent(logger *slog.Logger, name string, ev driver.StatusEvent) {
	switch ev.Kind {
	case driver.EventNote:
		logger.Debug("vmtest.boot", "target", name, "line", ev.Note)
	case driver.EventBooting:
		logger.Info("vmtest.booting", "target", name)
	case driver.EventReady:
		logger.Info("vmtest.ready", "target", name)
	case driver.EventCommandStart:
		logger.Info("vmtest.command_start", "target", name)
	case driver.EventOutputChunk:
		os.Stdout.Write(ev.Output) //nolint:errcheck
	case driver.EventFinished, driver.EventError:
		// handled by the caller once Run returns its Result
	}
}
