package seed

import (
	"os"
	"path/filepath"
	"testing"

	. "github.com/onsi/gomega"
)

func TestBuild_WritesReadableISO(t *testing.T) {
	assert := NewGomegaWithT(t)

	isoPath := filepath.Join(t.TempDir(), "seed.iso")

	got, err := Build(isoPath, []Mount{
		{Tag: "vmtest", GuestPath: "/mnt/vmtest"},
		{Tag: "m_data", GuestPath: "/data"},
	})
	assert.Expect(err).NotTo(HaveOccurred())
	assert.Expect(got).To(Equal(isoPath))

	info, err := os.Stat(isoPath)
	assert.Expect(err).NotTo(HaveOccurred())
	assert.Expect(info.Size()).To(BeNumerically(">", 0))
}

func TestUserData_MountsEveryShare(t *testing.T) {
	assert := NewGomegaWithT(t)

	doc := userData([]Mount{
		{Tag: "vmtest", GuestPath: "/mnt/vmtest"},
		{Tag: "m_data", GuestPath: "/data"},
	})

	assert.Expect(doc).To(ContainSubstring("qemu-guest-agent"))
	assert.Expect(doc).To(ContainSubstring("mount -t 9p -o trans=virtio,version=9p2000.L,msize=104857600 vmtest /mnt/vmtest"))
	assert.Expect(doc).To(ContainSubstring("mount -t 9p -o trans=virtio,version=9p2000.L,msize=104857600 m_data /data"))
}
