// Package initramfs builds the in-memory cpio archive kernel targets boot
// as their initial root filesystem: our Guest Init binary plus the host's
// qemu-ga, packed newc-style the way u-root-derived tooling in the wider
// VM-testing ecosystem does it.
package initramfs

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cavaliergopher/cpio"
)

// Options names the two binaries the archive must carry.
type Options struct {
	// InitBinaryPath is a prebuilt, statically-linked vminit binary
	// (see cmd/vminit). Building it is release packaging, out of this
	// package's scope — the path is supplied by the caller.
	InitBinaryPath string
	// QemuGABinaryPath is the host's qemu-ga binary, copied into the
	// guest's rootfs-less initramfs since kernel targets have no package
	// manager to install it from.
	QemuGABinaryPath string
}

// dirs are the pseudo-filesystem mount points vminit expects to already
// exist as directories before it mounts onto them.
var dirs = []string{
	"/proc", "/sys", "/dev", "/dev/shm", "/tmp", "/run", "/mnt",
	"/sys/fs/cgroup", "/bin",
}

// Build writes a cpio archive to a new file under dir and returns its
// path. The archive is uncompressed; QEMU and Linux both accept a plain
// cpio initrd without requiring gzip.
func Build(dir string, opts Options) (string, error) {
	if opts.InitBinaryPath == "" {
		return "", fmt.Errorf("initramfs: InitBinaryPath is required")
	}

	archivePath := filepath.Join(dir, "initramfs.cpio")

	out, err := os.Create(archivePath)
	if err != nil {
		return "", fmt.Errorf("initramfs: create %s: %w", archivePath, err)
	}
	defer out.Close()

	writer := cpio.NewWriter(out)

	for _, d := range dirs {
		if err := writeDir(writer, d); err != nil {
			return "", err
		}
	}

	if err := writeFile(writer, "/init", opts.InitBinaryPath, 0o755); err != nil {
		return "", err
	}

	if opts.QemuGABinaryPath != "" {
		if err := writeFile(writer, "/bin/qemu-ga", opts.QemuGABinaryPath, 0o755); err != nil {
			return "", err
		}
	}

	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("initramfs: finalize archive: %w", err)
	}

	return archivePath, nil
}

func writeDir(writer *cpio.Writer, name string) error {
	header := &cpio.Header{
		Name: name,
		Mode: cpio.ModeDir | 0o755,
	}

	if err := writer.WriteHeader(header); err != nil {
		return fmt.Errorf("initramfs: write dir header %s: %w", name, err)
	}

	return nil
}

func writeFile(writer *cpio.Writer, archivePath, sourcePath string, mode cpio.FileMode) error {
	src, err := os.Open(sourcePath)
	if err != nil {
		return fmt.Errorf("initramfs: open %s: %w", sourcePath, err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return fmt.Errorf("initramfs: stat %s: %w", sourcePath, err)
	}

	header := &cpio.Header{
		Name: archivePath,
		Mode: cpio.ModeRegular | mode,
		Size: info.Size(),
	}

	if err := writer.WriteHeader(header); err != nil {
		return fmt.Errorf("initramfs: write header %s: %w", archivePath, err)
	}

	if _, err := io.Copy(writer, src); err != nil {
		return fmt.Errorf("initramfs: write contents %s: %w", archivePath, err)
	}

	return nil
}
