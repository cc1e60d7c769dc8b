// Package target holds the resolved, validated description of a single
// VM run: what to boot, what to run inside it, and how the guest is
// wired up to the host.
package target

import (
	"fmt"
	"os"
	"path/filepath"
)

// Arch is a target CPU architecture. The zero value means "host arch".
type Arch string

const (
	ArchHost    Arch = ""
	ArchX86_64  Arch = "x86_64"
	ArchAArch64 Arch = "aarch64"
	ArchS390X   Arch = "s390x"
)

func (a Arch) Valid() bool {
	switch a {
	case ArchHost, ArchX86_64, ArchAArch64, ArchS390X:
		return true
	default:
		return false
	}
}

// Mode selects which boot path a Target takes. Exactly one of Image/Kernel
// is required by the concrete mode; both are allowed only by ImageWithKernel.
type Mode struct {
	Image      string // disk image path, empty for KernelOnly
	Kernel     string // kernel binary path, empty for ImageOnly
	Rootfs     string // host directory shared as the guest root, KernelOnly only
	KernelArgs string // extra kernel command line, rejected without a kernel
}

// Kind reports which of the three boot paths this Mode represents.
type Kind int

const (
	ImageOnly Kind = iota
	KernelOnly
	ImageWithKernel
)

func (m Mode) Kind() Kind {
	switch {
	case m.Kernel != "" && m.Image != "":
		return ImageWithKernel
	case m.Kernel != "":
		return KernelOnly
	default:
		return ImageOnly
	}
}

// Mount describes one extra 9p export from the host into the guest.
type Mount struct {
	HostPath string
	Writable bool
}

// VMConfig holds the tunable knobs of the QEMU invocation.
type VMConfig struct {
	NumCPUs   int              // default 2
	Memory    string           // QEMU -m string, default "4G"
	BIOS      string           // optional firmware path, only used when UEFI
	ExtraArgs []string         // appended verbatim, last
	Mounts    map[string]Mount // guest absolute path -> Mount
}

func (v VMConfig) withDefaults() VMConfig {
	if v.NumCPUs <= 0 {
		v.NumCPUs = 2
	}

	if v.Memory == "" {
		v.Memory = "4G"
	}

	return v
}

// Target is the fully-resolved, immutable input to the VM Driver.
type Target struct {
	Name    string
	Mode    Mode
	UEFI    bool
	Arch    Arch
	Command string
	VM      VMConfig
	RootDir string // absolute path anchoring relative resolution
	Env     map[string]string
}

// Resolve fills in defaults and validates the invariants from the data
// model. It does not touch the filesystem beyond stat-ing paths that must
// exist.
func Resolve(t Target) (Target, error) {
	t.VM = t.VM.withDefaults()

	if t.Name == "" {
		return t, fmt.Errorf("target: name is required")
	}

	if t.Command == "" {
		return t, fmt.Errorf("target %q: command is required", t.Name)
	}

	if !t.Arch.Valid() {
		return t, fmt.Errorf("target %q: unknown arch %q", t.Name, t.Arch)
	}

	switch t.Mode.Kind() {
	case ImageOnly:
		if t.Mode.Image == "" {
			return t, fmt.Errorf("target %q: image or kernel is required", t.Name)
		}

		if t.Mode.Rootfs != "" {
			return t, fmt.Errorf("target %q: rootfs requires a kernel", t.Name)
		}

		if t.Mode.KernelArgs != "" {
			return t, fmt.Errorf("target %q: kernel_args is rejected without a kernel", t.Name)
		}
	case KernelOnly, ImageWithKernel:
		// kernel is present by construction of Kind()
	}

	if t.UEFI && t.VM.BIOS == "" {
		bios, err := findUEFIFirmware(t.Arch)
		if err != nil {
			return t, fmt.Errorf("target %q: %w", t.Name, err)
		}

		t.VM.BIOS = bios
	}

	if err := validateMounts(t.RootDir, t.VM.Mounts); err != nil {
		return t, fmt.Errorf("target %q: %w", t.Name, err)
	}

	return t, nil
}

func validateMounts(rootDir string, mounts map[string]Mount) error {
	for guestPath, mount := range mounts {
		hostPath := mount.HostPath
		if !filepath.IsAbs(hostPath) {
			hostPath = filepath.Join(rootDir, hostPath)
		}

		if _, err := os.Stat(hostPath); err != nil {
			return fmt.Errorf("mount %q: host_path %q does not exist: %w", guestPath, mount.HostPath, err)
		}
	}

	return nil
}

// errNoUEFIFirmware is returned by findUEFIFirmware when no well-known
// firmware path exists on the host.
var errNoUEFIFirmware = fmt.Errorf("no UEFI firmware found in well-known locations")

// wellKnownUEFIFirmware lists platform-default OVMF/edk2 paths to probe,
// in order, when a target asks for UEFI without naming a bios file.
var wellKnownUEFIFirmware = map[Arch][]string{
	ArchX86_64: {
		"/usr/share/OVMF/OVMF_CODE.fd",
		"/usr/share/ovmf/OVMF.fd",
		"/usr/share/edk2/ovmf/OVMF_CODE.fd",
		"/usr/local/share/qemu/edk2-x86_64-code.fd",
	},
	ArchAArch64: {
		"/usr/share/AAVMF/AAVMF_CODE.fd",
		"/usr/share/edk2/aarch64/QEMU_EFI-pflash.raw",
		"/usr/share/qemu-efi-aarch64/QEMU_EFI.fd",
		"/opt/homebrew/share/qemu/edk2-aarch64-code.fd",
		"/usr/local/share/qemu/edk2-aarch64-code.fd",
	},
}

func findUEFIFirmware(arch Arch) (string, error) {
	for _, path := range wellKnownUEFIFirmware[arch] {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", errNoUEFIFirmware
}
