package driver

import (
	"os"
	"runtime"

	"github.com/jtarchie/vmtest/internal/target"
)

// platformDefaults holds the per-architecture QEMU binary/machine/cpu
// defaults the §9 Open Question resolves as a table rather than a
// separate platform-module abstraction.
type platformDefaults struct {
	binary  string
	machine string
	cpuKVM  string
	cpuTCG  string
	goarch  string // runtime.GOARCH value this arch corresponds to
}

var platforms = map[target.Arch]platformDefaults{
	target.ArchX86_64: {
		binary:  "qemu-system-x86_64",
		machine: "q35",
		cpuKVM:  "host",
		cpuTCG:  "max",
		goarch:  "amd64",
	},
	target.ArchAArch64: {
		binary:  "qemu-system-aarch64",
		machine: "virt",
		cpuKVM:  "host",
		cpuTCG:  "cortex-a57",
		goarch:  "arm64",
	},
	target.ArchS390X: {
		binary:  "qemu-system-s390x",
		machine: "s390-ccw-virtio",
		cpuKVM:  "host",
		cpuTCG:  "qemu",
		goarch:  "s390x",
	},
}

// resolveArch turns target.ArchHost into the concrete host architecture.
func resolveArch(a target.Arch) target.Arch {
	if a != target.ArchHost {
		return a
	}

	for arch, p := range platforms {
		if p.goarch == runtime.GOARCH {
			return arch
		}
	}

	return target.ArchX86_64
}

// canUseKVM reports whether hardware acceleration is available for arch:
// /dev/kvm must be accessible and the host arch must match the target.
func canUseKVM(arch target.Arch) bool {
	p, ok := platforms[arch]
	if !ok || p.goarch != runtime.GOARCH {
		return false
	}

	_, err := os.Stat("/dev/kvm")
	return err == nil
}
