package config_test

import (
	"os"
	"path/filepath"
	"testing"

	. "github.com/onsi/gomega"

	"github.com/jtarchie/vmtest/internal/config"
	"github.com/jtarchie/vmtest/internal/target"
)

func writeFile(t *testing.T, dir, name, contents string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}

	return path
}

func TestLoadFile_HappyPath(t *testing.T) {
	assert := NewGomegaWithT(t)

	dir := t.TempDir()
	assert.Expect(os.MkdirAll(filepath.Join(dir, "d"), 0o755)).To(Succeed())

	path := writeFile(t, dir, "vmtest.toml", `
[[target]]
name = "kernel-smoke"
command = "uname -r"
kernel = "./bzImage"
rootfs = "/"

[target.vm]
num_cpus = 4
memory = "2G"

[target.vm.mounts."/data"]
host_path = "./d"
writable = true
`)

	targets, err := config.LoadFile(path)
	assert.Expect(err).NotTo(HaveOccurred())
	assert.Expect(targets).To(HaveLen(1))

	tg := targets[0]
	assert.Expect(tg.Name).To(Equal("kernel-smoke"))
	assert.Expect(tg.Mode.Kind()).To(Equal(target.KernelOnly))
	assert.Expect(tg.VM.NumCPUs).To(Equal(4))
	assert.Expect(tg.VM.Mounts).To(HaveKey("/data"))
	assert.Expect(tg.VM.Mounts["/data"].Writable).To(BeTrue())
}

func TestLoadFile_RequiresAtLeastOneTarget(t *testing.T) {
	assert := NewGomegaWithT(t)

	dir := t.TempDir()
	path := writeFile(t, dir, "empty.toml", "")

	_, err := config.LoadFile(path)
	assert.Expect(err).To(MatchError(ContainSubstring("no [[target]] entries")))
}

func TestLoadFile_MissingRequiredFieldFailsValidation(t *testing.T) {
	assert := NewGomegaWithT(t)

	dir := t.TempDir()
	path := writeFile(t, dir, "bad.toml", `
[[target]]
name = "no-command"
image = "./x.img"
`)

	_, err := config.LoadFile(path)
	assert.Expect(err).To(HaveOccurred())
}

func TestFilterByName(t *testing.T) {
	assert := NewGomegaWithT(t)

	targets := []target.Target{{Name: "a"}, {Name: "b"}}

	assert.Expect(config.FilterByName(targets, "")).To(HaveLen(2))
	assert.Expect(config.FilterByName(targets, "b")).To(Equal([]target.Target{{Name: "b"}}))
}

func TestOneLiner_Resolve(t *testing.T) {
	assert := NewGomegaWithT(t)

	one := config.OneLiner{Command: "echo hi", Image: "/tmp/x.img"}

	tg, err := one.Resolve()
	assert.Expect(err).NotTo(HaveOccurred())
	assert.Expect(tg.Name).To(Equal("cli"))
	assert.Expect(tg.Command).To(Equal("echo hi"))
}
