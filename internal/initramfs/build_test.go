package initramfs_test

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/cavaliergopher/cpio"
	. "github.com/onsi/gomega"

	"github.com/jtarchie/vmtest/internal/initramfs"
)

func TestBuild_ContainsInitAndAgent(t *testing.T) {
	assert := NewGomegaWithT(t)

	dir := t.TempDir()

	initPath := filepath.Join(dir, "vminit")
	assert.Expect(os.WriteFile(initPath, []byte("fake-init-elf"), 0o755)).To(Succeed())

	gaPath := filepath.Join(dir, "qemu-ga")
	assert.Expect(os.WriteFile(gaPath, []byte("fake-qemu-ga-elf"), 0o755)).To(Succeed())

	archivePath, err := initramfs.Build(dir, initramfs.Options{
		InitBinaryPath:   initPath,
		QemuGABinaryPath: gaPath,
	})
	assert.Expect(err).NotTo(HaveOccurred())

	f, err := os.Open(archivePath)
	assert.Expect(err).NotTo(HaveOccurred())
	defer f.Close()

	reader := cpio.NewReader(f)

	seen := map[string][]byte{}

	for {
		header, err := reader.Next()
		if err == io.EOF {
			break
		}
		assert.Expect(err).NotTo(HaveOccurred())

		contents, err := io.ReadAll(reader)
		assert.Expect(err).NotTo(HaveOccurred())

		seen[header.Name] = contents
	}

	assert.Expect(seen).To(HaveKey("/init"))
	assert.Expect(seen["/init"]).To(Equal([]byte("fake-init-elf")))
	assert.Expect(seen).To(HaveKey("/bin/qemu-ga"))
	assert.Expect(seen["/bin/qemu-ga"]).To(Equal([]byte("fake-qemu-ga-elf")))
	assert.Expect(seen).To(HaveKey("/proc"))
}

func TestBuild_RequiresInitBinary(t *testing.T) {
	assert := NewGomegaWithT(t)

	_, err := initramfs.Build(t.TempDir(), initramfs.Options{})
	assert.Expect(err).To(MatchError(ContainSubstring("InitBinaryPath is required")))
}
