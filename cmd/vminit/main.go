// Command vminit is the PID-1 executed from the initramfs of a kernel
// target. It mounts the guest pseudo-filesystems, locates the QEMU Guest
// Agent's virtio-serial port, execs the guest agent, and powers off the
// machine on any exit path — the kernel panics if PID 1 exits normally.
package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

const (
	qgaPortName  = "org.qemu.guest_agent.0"
	kmsgPath     = "/dev/kmsg"
	virtioPortGl = "/sys/class/virtio-ports/*/name"
	scanAttempts = 50
	scanInterval = 100 * time.Millisecond
)

func main() {
	// Step 2: install the power-off trap first — any early return below
	// must still reach it.
	defer powerOff()

	logf("vmtest init starting")

	mountPseudoFilesystems()
	ensureDevFD()

	vport, err := findGuestAgentPort()
	if err != nil {
		logf("could not find guest agent virtio port: %v", err)
		return
	}

	logf("guest agent port found at %s", vport)

	if err := mountRoot(); err != nil {
		logf("mounting guest root: %v", err)
	}

	mountDeclaredShares()

	execGuestAgent(vport)
}

// mountPseudoFilesystems mounts /proc, /dev, /sys and friends. /proc must
// be re-mounted even though a host /proc may be visible through the 9p
// root export — the guest needs its own kernel's view, not the host's.
func mountPseudoFilesystems() {
	must := []struct {
		source, target, fstype string
		flags                  uintptr
	}{
		{"proc", "/proc", "proc", 0},
		{"devtmpfs", "/dev", "devtmpfs", 0},
		{"tmpfs", "/dev/shm", "tmpfs", 0},
		{"tmpfs", "/tmp", "tmpfs", 0},
		{"tmpfs", "/run", "tmpfs", 0},
		{"tmpfs", "/mnt", "tmpfs", 0},
		{"sysfs", "/sys", "sysfs", 0},
		{"cgroup2", "/sys/fs/cgroup", "cgroup2", 0},
	}

	for _, m := range must {
		if err := os.MkdirAll(m.target, 0o755); err != nil {
			logf("mkdir %s: %v", m.target, err)
			continue
		}

		if err := unix.Mount(m.source, m.target, m.fstype, m.flags, ""); err != nil {
			// devtmpfs may already be auto-mounted by the kernel.
			logf("mount %s on %s: %v", m.fstype, m.target, err)
		}
	}

	bestEffort := []struct{ source, target, fstype string }{
		{"debugfs", "/sys/kernel/debug", "debugfs"},
		{"tracefs", "/sys/kernel/tracing", "tracefs"},
	}

	for _, m := range bestEffort {
		if err := os.MkdirAll(m.target, 0o755); err != nil {
			continue
		}

		if err := unix.Mount(m.source, m.target, m.fstype, 0, ""); err != nil {
			logf("best-effort mount %s on %s failed: %v", m.fstype, m.target, err)
		}
	}
}

// ensureDevFD creates /dev/fd -> /proc/self/fd if the kernel/devtmpfs
// didn't already provide it; bash and most shells expect it to exist.
func ensureDevFD() {
	if _, err := os.Lstat("/dev/fd"); err == nil {
		return
	}

	if err := os.Symlink("/proc/self/fd", "/dev/fd"); err != nil {
		logf("symlink /dev/fd: %v", err)
	}
}

// findGuestAgentPort scans /sys/class/virtio-ports/*/name for the QGA
// port name and returns the corresponding /dev/vport* device path. It
// retries for a bounded number of attempts since udev/the kernel may not
// have populated sysfs yet at the time init runs.
func findGuestAgentPort() (string, error) {
	for attempt := 0; attempt < scanAttempts; attempt++ {
		matches, _ := filepath.Glob(virtioPortGl)

		for _, nameFile := range matches {
			data, err := os.ReadFile(nameFile)
			if err != nil {
				continue
			}

			if strings.TrimSpace(string(data)) != qgaPortName {
				continue
			}

			// portDir looks like /sys/class/virtio-ports/vport0p1; the
			// device node shares its basename under /dev.
			portDir := filepath.Dir(nameFile)
			devName := filepath.Base(portDir)

			return filepath.Join("/dev", devName), nil
		}

		time.Sleep(scanInterval)
	}

	return "", fmt.Errorf("port %q not found in %s after %d attempts", qgaPortName, virtioPortGl, scanAttempts)
}

// hostRootMount is where the guest's real root filesystem lands: the
// 9p-exported host filesystem (KernelOnly) or the attached disk image
// (ImageWithKernel). We deliberately do not switch_root into it: our init
// keeps running from the initramfs and instead grows PATH to reach its
// userland, so both the initramfs tmpfs (command scripts, sockets) and the
// mounted root (bash, coreutils) stay reachable at the same time.
const hostRootMount = "/mnt/root"

// blockRootFilesystems lists the filesystem types probed, in order, when
// mounting an ImageWithKernel target's attached disk: the initramfs has no
// userspace `mount -t auto`, so the raw mount(2) syscall needs an explicit
// fstype and we try the ones cloud images actually ship.
var blockRootFilesystems = []string{"ext4", "ext3", "ext2", "xfs", "btrfs"}

// mountRoot mounts the guest's real root filesystem per the cmdline the
// driver composed: a 9p export (KernelOnly, "rootfstype=9p") or the
// attached disk image (ImageWithKernel, "root=/dev/vda"). It is a no-op for
// image targets, whose cmdline carries neither field.
func mountRoot() error {
	cmdline, err := os.ReadFile("/proc/cmdline")
	if err != nil {
		return fmt.Errorf("read /proc/cmdline: %w", err)
	}

	fields := strings.Fields(string(cmdline))

	root := ""
	hasRootfsType9p := false
	rootflags := ""
	writable := false

	for _, field := range fields {
		switch {
		case strings.HasPrefix(field, "root="):
			root = strings.TrimPrefix(field, "root=")
		case field == "rootfstype=9p":
			hasRootfsType9p = true
		case strings.HasPrefix(field, "rootflags="):
			rootflags = strings.TrimPrefix(field, "rootflags=")
		case field == "rw":
			writable = true
		case field == "ro":
			writable = false
		}
	}

	switch {
	case hasRootfsType9p:
		return mount9pRoot(rootflags, writable)
	case root == "/dev/vda":
		return mountBlockRoot(root, writable)
	default:
		return nil
	}
}

func mount9pRoot(rootflags string, writable bool) error {
	if err := os.MkdirAll(hostRootMount, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", hostRootMount, err)
	}

	flags := uintptr(0)
	if !writable {
		flags |= unix.MS_RDONLY
	}

	if err := unix.Mount("root", hostRootMount, "9p", flags, rootflags); err != nil {
		return fmt.Errorf("mount 9p root at %s: %w", hostRootMount, err)
	}

	growPathForHostRoot()

	return nil
}

func mountBlockRoot(device string, writable bool) error {
	if err := os.MkdirAll(hostRootMount, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", hostRootMount, err)
	}

	flags := uintptr(0)
	if !writable {
		flags |= unix.MS_RDONLY
	}

	var lastErr error

	for _, fstype := range blockRootFilesystems {
		if err := unix.Mount(device, hostRootMount, fstype, flags, ""); err != nil {
			lastErr = err
			continue
		}

		growPathForHostRoot()

		return nil
	}

	return fmt.Errorf("mount %s at %s: tried %v, last error: %w", device, hostRootMount, blockRootFilesystems, lastErr)
}

// growPathForHostRoot appends the mounted root's standard binary
// directories so the command script's "bash" and whatever it invokes
// resolve there; the initramfs itself ships nothing but init and qemu-ga.
func growPathForHostRoot() {
	extra := []string{
		filepath.Join(hostRootMount, "usr/local/sbin"),
		filepath.Join(hostRootMount, "usr/local/bin"),
		filepath.Join(hostRootMount, "usr/sbin"),
		filepath.Join(hostRootMount, "usr/bin"),
		filepath.Join(hostRootMount, "sbin"),
		filepath.Join(hostRootMount, "bin"),
	}

	path := os.Getenv("PATH")
	if path != "" {
		extra = append(extra, path)
	}

	_ = os.Setenv("PATH", strings.Join(extra, ":"))
}

// mountDeclaredShares mounts every 9p export the driver declared on the
// kernel command line as "vmtest.mount.<tag>=<guest-path>", including the
// shared working directory (tag "vmtest") and any user-declared mounts.
// ImageOnly targets never reach here; the driver mounts their shares via
// QGA guest-exec instead.
func mountDeclaredShares() {
	cmdline, err := os.ReadFile("/proc/cmdline")
	if err != nil {
		logf("read /proc/cmdline for declared shares: %v", err)
		return
	}

	for _, field := range strings.Fields(string(cmdline)) {
		key, guestPath, ok := strings.Cut(field, "=")
		if !ok || !strings.HasPrefix(key, "vmtest.mount.") {
			continue
		}

		tag := strings.TrimPrefix(key, "vmtest.mount.")

		if err := os.MkdirAll(guestPath, 0o755); err != nil {
			logf("mkdir %s: %v", guestPath, err)
			continue
		}

		opts := "trans=virtio,version=9p2000.L,msize=104857600"
		if err := unix.Mount(tag, guestPath, "9p", 0, opts); err != nil {
			logf("mount 9p tag=%s target=%s: %v", tag, guestPath, err)
		}
	}
}

// embeddedQemuGAPath is where the initramfs build (internal/initramfs)
// packs the host's qemu-ga binary, for guests whose own rootfs doesn't
// already ship one.
const embeddedQemuGAPath = "/bin/qemu-ga"

func execGuestAgent(vport string) {
	args := []string{"qemu-ga", "--method=virtio-serial", "--path=" + vport}

	if _, err := os.Stat(kmsgPath); err == nil {
		args = append(args, "--logfile", kmsgPath)
	}

	path := resolveQemuGAPath()
	if path == "" {
		logf("qemu-ga not found at %s or on PATH", embeddedQemuGAPath)
		return
	}

	logf("exec %s %v", path, args[1:])

	if err := syscall.Exec(path, args, os.Environ()); err != nil {
		logf("exec qemu-ga failed: %v", err)
	}
}

// resolveQemuGAPath prefers the copy the initramfs embeds — the whole
// reason it's there is to cover guests whose own root filesystem (an
// ImageWithKernel target's attached disk) doesn't ship qemu-ga, so $PATH
// alone isn't enough to find it. It falls back to PATH for guests that do
// ship their own, newer copy.
func resolveQemuGAPath() string {
	if _, err := os.Stat(embeddedQemuGAPath); err == nil {
		return embeddedQemuGAPath
	}

	path, err := exec.LookPath("qemu-ga")
	if err != nil {
		return ""
	}

	return path
}

func powerOff() {
	logf("powering off")

	_ = unix.Reboot(unix.LINUX_REBOOT_CMD_POWER_OFF)

	// Reboot only returns on failure; give the kernel a moment to act on
	// a request it queued asynchronously before falling through.
	time.Sleep(time.Second)
}

func logf(format string, args ...any) {
	msg := fmt.Sprintf("vmtest-init: "+format+"\n", args...)

	kmsg, err := os.OpenFile(kmsgPath, os.O_WRONLY, 0)
	if err != nil {
		fmt.Fprint(os.Stderr, msg)
		return
	}
	defer kmsg.Close()

	_, _ = kmsg.WriteString(msg)
}
