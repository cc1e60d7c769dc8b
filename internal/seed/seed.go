// Package seed builds cloud-init NoCloud seed ISOs for image targets. The
// VM Driver attaches one as a second, read-only cdrom so a stock cloud
// image enables qemu-guest-agent and pre-mounts the 9p shares on its very
// first boot, without waiting on the driver's own QGA guest-exec retries.
package seed

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/google/uuid"
	"github.com/kdomanski/iso9660"
)

// Mount describes one 9p share cloud-init should mount at boot, keyed by
// the mount tag QEMU exports it under.
type Mount struct {
	Tag       string
	GuestPath string
}

// Build writes a cloud-init seed ISO at isoPath that enables
// qemu-guest-agent and mounts every share in mounts, and returns isoPath.
func Build(isoPath string, mounts []Mount) (string, error) {
	sorted := make([]Mount, len(mounts))
	copy(sorted, mounts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Tag < sorted[j].Tag })

	writer, err := iso9660.NewWriter()
	if err != nil {
		return "", fmt.Errorf("seed: create ISO writer: %w", err)
	}
	defer writer.Cleanup() //nolint:errcheck

	// cloud-init keys its "have I already run on this instance" cache off
	// instance-id; a fixed value would make every ephemeral VM from a
	// shared base image look like the same instance to cloud-init, so
	// each seed mints its own.
	metaData := fmt.Sprintf("instance-id: %s\nlocal-hostname: vmtest\n", uuid.NewString())

	if err := writer.AddFile(stringReader(metaData), "meta-data"); err != nil {
		return "", fmt.Errorf("seed: add meta-data: %w", err)
	}

	if err := writer.AddFile(stringReader(userData(sorted)), "user-data"); err != nil {
		return "", fmt.Errorf("seed: add user-data: %w", err)
	}

	f, err := os.Create(isoPath)
	if err != nil {
		return "", fmt.Errorf("seed: create %s: %w", isoPath, err)
	}
	defer f.Close() //nolint:errcheck

	if err := writer.WriteTo(f, "CIDATA"); err != nil {
		return "", fmt.Errorf("seed: write %s: %w", isoPath, err)
	}

	return isoPath, nil
}

func userData(mounts []Mount) string {
	doc := "#cloud-config\n" +
		"package_update: false\n" +
		"runcmd:\n" +
		"  - systemctl enable --now qemu-guest-agent || true\n"

	for _, m := range mounts {
		doc += fmt.Sprintf(
			"  - mkdir -p %s\n"+
				"  - mountpoint -q %s || mount -t 9p -o trans=virtio,version=9p2000.L,msize=104857600 %s %s || true\n",
			m.GuestPath, m.GuestPath, m.Tag, m.GuestPath,
		)
	}

	return doc
}

type stringReaderCloser struct {
	io.Reader
}

func (s *stringReaderCloser) Close() error { return nil }

func stringReader(s string) io.ReadCloser {
	return &stringReaderCloser{Reader: io.LimitReader(
		readerFunc(func(p []byte) (int, error) { return copy(p, s), io.EOF }),
		int64(len(s)),
	)}
}

type readerFunc func(p []byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) {
	return f(p)
}
