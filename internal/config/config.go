// Package config loads vmtest's declarative TOML configuration and
// assembles the one-off Target produced by the CLI's one-liner form.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"

	"github.com/jtarchie/vmtest/internal/target"
)

// fileMount mirrors the TOML shape of a [target.vm.mounts.<guest-path>] table.
type fileMount struct {
	HostPath string `toml:"host_path" validate:"required"`
	Writable bool   `toml:"writable"`
}

type fileVM struct {
	NumCPUs   int                  `toml:"num_cpus"`
	Memory    string               `toml:"memory"`
	BIOS      string               `toml:"bios"`
	ExtraArgs []string             `toml:"extra_args"`
	Mounts    map[string]fileMount `toml:"mounts"`
}

type fileTarget struct {
	Name       string `toml:"name"       validate:"required"`
	Command    string `toml:"command"    validate:"required"`
	Image      string `toml:"image"`
	Kernel     string `toml:"kernel"`
	Rootfs     string `toml:"rootfs"`
	KernelArgs string `toml:"kernel_args"`
	UEFI       bool   `toml:"uefi"`
	Arch       string `toml:"arch"`
	VM         fileVM `toml:"vm"`
}

type file struct {
	Target []fileTarget `toml:"target"`
}

var validate = validator.New()

// LoadFile parses a vmtest.toml config file into a list of resolved,
// validated Targets. rootDir anchors relative mount paths and is recorded
// on each Target for later use by the driver.
func LoadFile(path string) ([]target.Target, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config: resolve path %q: %w", path, err)
	}

	var doc file

	if _, err := toml.DecodeFile(absPath, &doc); err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", absPath, err)
	}

	if len(doc.Target) == 0 {
		return nil, fmt.Errorf("config: %q declares no [[target]] entries", absPath)
	}

	rootDir := filepath.Dir(absPath)

	targets := make([]target.Target, 0, len(doc.Target))

	for _, ft := range doc.Target {
		if err := validate.Struct(ft); err != nil {
			return nil, fmt.Errorf("config: target %q: %w", ft.Name, err)
		}

		resolved, err := target.Resolve(toTarget(ft, rootDir))
		if err != nil {
			return nil, err
		}

		targets = append(targets, resolved)
	}

	return targets, nil
}

func toTarget(ft fileTarget, rootDir string) target.Target {
	mounts := make(map[string]target.Mount, len(ft.VM.Mounts))
	for guestPath, m := range ft.VM.Mounts {
		mounts[guestPath] = target.Mount{HostPath: m.HostPath, Writable: m.Writable}
	}

	return target.Target{
		Name: ft.Name,
		Mode: target.Mode{
			Image:      ft.Image,
			Kernel:     ft.Kernel,
			Rootfs:     ft.Rootfs,
			KernelArgs: ft.KernelArgs,
		},
		UEFI:    ft.UEFI,
		Arch:    target.Arch(ft.Arch),
		Command: ft.Command,
		VM: target.VMConfig{
			NumCPUs:   ft.VM.NumCPUs,
			Memory:    ft.VM.Memory,
			BIOS:      ft.VM.BIOS,
			ExtraArgs: ft.VM.ExtraArgs,
			Mounts:    mounts,
		},
		RootDir: rootDir,
		Env:     hostEnv(),
	}
}

// OneLiner assembles a single Target from the CLI's positional command and
// flags, bypassing the TOML file entirely.
type OneLiner struct {
	Name    string
	Command string
	Kernel  string
	Rootfs  string
	Image   string
	Arch    string
}

func (o OneLiner) Resolve() (target.Target, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return target.Target{}, fmt.Errorf("config: determine working directory: %w", err)
	}

	name := o.Name
	if name == "" {
		name = "cli"
	}

	return target.Resolve(target.Target{
		Name: name,
		Mode: target.Mode{
			Image:  o.Image,
			Kernel: o.Kernel,
			Rootfs: o.Rootfs,
		},
		Arch:    target.Arch(o.Arch),
		Command: o.Command,
		RootDir: cwd,
		Env:     hostEnv(),
	})
}

// FilterByName returns the subset of targets whose name matches, or all
// targets when name is empty.
func FilterByName(targets []target.Target, name string) []target.Target {
	if name == "" {
		return targets
	}

	filtered := make([]target.Target, 0, len(targets))

	for _, t := range targets {
		if t.Name == name {
			filtered = append(filtered, t)
		}
	}

	return filtered
}

func hostEnv() map[string]string {
	env := map[string]string{}

	for _, kv := range os.Environ() {
		for i := range kv {
			if kv[i] == '=' {
				env[kv[:i]] = kv[i+1:]

				break
			}
		}
	}

	return env
}
