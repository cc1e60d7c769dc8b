package driver

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/jtarchie/vmtest/internal/seed"
	"github.com/jtarchie/vmtest/internal/target"
)

// sockets names the Unix sockets a single Driver.Run allocates inside its
// scoped temp dir.
type sockets struct {
	qmp     string
	qga     string
	out     string // only bound for kernel targets; carries command output
	outPort string // per-run virtio-serial port name for out, see newOutputPortName
	seedISO string // cloud-init NoCloud seed, image-containing modes only
}

// kernelRootCmdline is the fixed prefix every kernel target boots with, per
// the command-line contract: the guest's root is the host filesystem
// exported over 9p, read-only unless the caller's kernel_args asks for rw.
const kernelRootCmdline = "root=root rootflags=trans=virtio,version=9p2000.L rootfstype=9p ro console=ttyS0 panic=-1"

// imageRootCmdline is used for ImageWithKernel targets, where the attached
// disk image is the guest's root rather than the host filesystem.
const imageRootCmdline = "root=/dev/vda ro console=ttyS0 panic=-1"

// outputPortNamePrefix names the virtio-serial port the command script
// redirects its stdout/stderr to. The driver suffixes it with a per-run
// nanoid (newOutputPortName) so two concurrently-running targets on the
// same host never collide on a well-known device name.
const outputPortNamePrefix = "org.vmtest.cmd_output."

func newOutputPortName() (string, error) {
	id, err := gonanoid.New(8)
	if err != nil {
		return "", fmt.Errorf("generate output port name: %w", err)
	}

	return outputPortNamePrefix + id, nil
}

// buildQEMUArgs composes the full QEMU argv for t, deterministically, per
// the VM Driver's "compose QEMU command" step. initramfsPath is empty for
// ImageOnly targets; the kernel path, if any, comes from t.Mode.
func buildQEMUArgs(t target.Target, arch target.Arch, s sockets, initramfsPath string) ([]string, error) {
	plat, ok := platforms[arch]
	if !ok {
		return nil, fmt.Errorf("no platform defaults for arch %q", arch)
	}

	args := []string{
		"-nographic",
		"-no-reboot",
		"-m", t.VM.Memory,
		"-smp", fmt.Sprintf("%d", t.VM.NumCPUs),
		"-machine", plat.machine,
	}

	if canUseKVM(arch) {
		args = append(args, "-enable-kvm", "-cpu", plat.cpuKVM)
	} else {
		args = append(args, "-accel", "tcg", "-cpu", plat.cpuTCG)
	}

	if t.UEFI {
		args = append(args, "-bios", t.VM.BIOS)
	}

	args = append(args, serialArgs(t)...)
	args = append(args, "-qmp", fmt.Sprintf("unix:%s,server=on,wait=off", s.qmp))
	args = append(args,
		"-device", "virtio-serial",
		"-chardev", fmt.Sprintf("socket,path=%s,server=on,wait=off,id=qga0", s.qga),
		"-device", "virtserialport,chardev=qga0,name=org.qemu.guest_agent.0",
	)

	if s.out != "" {
		// No server=on here: the driver itself listens on s.out before
		// spawn and QEMU connects out to it as the client, so the driver
		// can Accept() a single connection per run() — the qmp/qga sockets
		// are the other way around because those clients are the driver.
		args = append(args,
			"-chardev", fmt.Sprintf("socket,path=%s,id=cmdout0", s.out),
			"-device", fmt.Sprintf("virtserialport,chardev=cmdout0,name=%s", s.outPort),
		)
	}

	driveArgs, cmdline, err := bootArgs(t, initramfsPath)
	if err != nil {
		return nil, err
	}

	args = append(args, driveArgs...)

	if cmdline != "" {
		args = append(args, "-append", cmdline)
	}

	args = append(args, mountArgs(t)...)

	if s.seedISO != "" {
		args = append(args, "-drive", fmt.Sprintf("file=%s,if=virtio,media=cdrom,readonly=on", s.seedISO))
	}

	args = append(args, t.VM.ExtraArgs...)

	return args, nil
}

// serialArgs routes the guest's serial console: image targets get it on
// stdio so boot logs are visible without a separate channel, kernel targets
// get the same since they have no other text console before the command
// output port is up.
func serialArgs(t target.Target) []string {
	return []string{"-serial", "mon:stdio"}
}

// bootArgs returns the drive/-kernel/-initrd arguments and, when a kernel is
// being booted, the kernel command line to pass via -append.
func bootArgs(t target.Target, initramfsPath string) (args []string, cmdline string, err error) {
	switch t.Mode.Kind() {
	case target.ImageOnly:
		return []string{"-drive", fmt.Sprintf("file=%s,if=virtio", t.Mode.Image)}, "", nil

	case target.KernelOnly:
		args = []string{
			"-kernel", t.Mode.Kernel,
			"-initrd", initramfsPath,
			"-fsdev", fmt.Sprintf("local,id=root,path=%s,security_model=none%s", t.Mode.Rootfs, readonlySuffix(t.Mode.KernelArgs)),
			"-device", "virtio-9p-pci,fsdev=root,mount_tag=root",
		}

		cmdline = joinCmdlineFields(kernelRootCmdline, t.Mode.KernelArgs, shareCmdlineFields(t))

		return args, cmdline, nil

	case target.ImageWithKernel:
		args = []string{
			"-drive", fmt.Sprintf("file=%s,if=virtio", t.Mode.Image),
			"-kernel", t.Mode.Kernel,
			"-initrd", initramfsPath,
		}

		cmdline = joinCmdlineFields(imageRootCmdline, t.Mode.KernelArgs, shareCmdlineFields(t))

		return args, cmdline, nil
	}

	return nil, "", fmt.Errorf("unrecognised target mode")
}

// joinCmdlineFields joins non-empty kernel command-line fragments with a
// single space, avoiding the double spaces a naive concatenation would
// leave when kernelArgs or shareFields is empty.
func joinCmdlineFields(fragments ...string) string {
	nonEmpty := make([]string, 0, len(fragments))

	for _, f := range fragments {
		if f != "" {
			nonEmpty = append(nonEmpty, f)
		}
	}

	return strings.Join(nonEmpty, " ")
}

// readonlySuffix returns the fsdev readonly flag unless kernelArgs asks for
// a writable root via the literal "rw" token.
func readonlySuffix(kernelArgs string) string {
	for _, tok := range strings.Fields(kernelArgs) {
		if tok == "rw" {
			return ""
		}
	}

	return ",readonly=on"
}

// vmtestShareTag is the 9p mount tag for the target's working directory,
// always exported regardless of mode so the Command Script Renderer's
// optional cd target is always reachable.
const vmtestShareTag = "vmtest"

// vmtestGuestPath is where the "vmtest" 9p export lands in the guest.
const vmtestGuestPath = "/mnt/vmtest"

// declaredShares maps every 9p export the guest must mount — the shared
// working directory plus each user Mount — to its guest path, keyed by the
// 9p mount tag used on the QEMU command line.
func declaredShares(t target.Target) map[string]string {
	shares := map[string]string{vmtestShareTag: vmtestGuestPath}

	for guestPath := range t.VM.Mounts {
		shares[mountTagFor(guestPath)] = guestPath
	}

	return shares
}

// seedMounts renders declaredShares into the seed package's Mount shape,
// for the cloud-init seed ISO image-containing modes attach.
func seedMounts(t target.Target) []seed.Mount {
	shares := declaredShares(t)

	mounts := make([]seed.Mount, 0, len(shares))
	for tag, guestPath := range shares {
		mounts = append(mounts, seed.Mount{Tag: tag, GuestPath: guestPath})
	}

	return mounts
}

// shareCmdlineFields renders declaredShares as "vmtest.mount.<tag>=<path>"
// kernel command-line fields so the Guest Init can mount them without a
// side channel: the cmdline is the only thing the initramfs can read before
// the QGA (and therefore the driver) exists.
func shareCmdlineFields(t target.Target) string {
	shares := declaredShares(t)

	tags := make([]string, 0, len(shares))
	for tag := range shares {
		tags = append(tags, tag)
	}

	sort.Strings(tags)

	fields := make([]string, 0, len(tags))
	for _, tag := range tags {
		fields = append(fields, fmt.Sprintf("vmtest.mount.%s=%s", tag, shares[tag]))
	}

	return strings.Join(fields, " ")
}

// mountArgs exports the target's working directory as the "vmtest" 9p tag
// plus one further 9p export per user-declared Mount.
func mountArgs(t target.Target) []string {
	args := []string{
		"-fsdev", fmt.Sprintf("local,id=vmtestshare,path=%s,security_model=none", t.RootDir),
		"-device", fmt.Sprintf("virtio-9p-pci,fsdev=vmtestshare,mount_tag=%s", vmtestShareTag),
	}

	for i, guestPath := range sortedMountPaths(t.VM.Mounts) {
		m := t.VM.Mounts[guestPath]
		fsID := fmt.Sprintf("mount%d", i)

		hostPath := m.HostPath
		if !filepath.IsAbs(hostPath) {
			hostPath = filepath.Join(t.RootDir, hostPath)
		}

		ro := ""
		if !m.Writable {
			ro = ",readonly=on"
		}

		args = append(args,
			"-fsdev", fmt.Sprintf("local,id=%s,path=%s,security_model=none%s", fsID, hostPath, ro),
			"-device", fmt.Sprintf("virtio-9p-pci,fsdev=%s,mount_tag=%s", fsID, mountTagFor(guestPath)),
		)
	}

	return args
}

// mountTagFor derives a stable 9p mount tag from a guest absolute path. 9p
// mount tags have no slashes, so the path is flattened deterministically.
func mountTagFor(guestPath string) string {
	flattened := strings.Map(func(r rune) rune {
		if r == '/' {
			return '_'
		}

		return r
	}, strings.Trim(guestPath, "/"))

	if flattened == "" {
		flattened = "root"
	}

	return "m_" + flattened
}

// sortedMountPaths returns mounts's guest paths sorted so generated QEMU
// args (and logs) don't vary run to run.
func sortedMountPaths(mounts map[string]target.Mount) []string {
	paths := make([]string, 0, len(mounts))
	for guestPath := range mounts {
		paths = append(paths, guestPath)
	}

	sort.Strings(paths)

	return paths
}
