package driver

import (
	"os"
	"runtime"
	"testing"

	. "github.com/onsi/gomega"

	"github.com/jtarchie/vmtest/internal/target"
)

func TestResolveArch_PassesThroughConcreteArch(t *testing.T) {
	assert := NewGomegaWithT(t)

	assert.Expect(resolveArch(target.ArchAArch64)).To(Equal(target.ArchAArch64))
	assert.Expect(resolveArch(target.ArchS390X)).To(Equal(target.ArchS390X))
}

func TestResolveArch_HostMapsToRunningGOARCH(t *testing.T) {
	assert := NewGomegaWithT(t)

	got := resolveArch(target.ArchHost)

	plat, ok := platforms[got]
	assert.Expect(ok).To(BeTrue(), "resolveArch must return a known arch")

	switch runtime.GOARCH {
	case "amd64", "arm64", "s390x":
		assert.Expect(plat.goarch).To(Equal(runtime.GOARCH))
	default:
		assert.Expect(got).To(Equal(target.ArchX86_64))
	}
}

func TestCanUseKVM_FalseForMismatchedArch(t *testing.T) {
	assert := NewGomegaWithT(t)

	mismatched := target.ArchX86_64
	if runtime.GOARCH == "amd64" {
		mismatched = target.ArchS390X
	}

	assert.Expect(canUseKVM(mismatched)).To(BeFalse())
}

func TestCanUseKVM_FalseWithoutDevKVM(t *testing.T) {
	assert := NewGomegaWithT(t)

	var matching target.Arch

	found := false

	for arch, p := range platforms {
		if p.goarch == runtime.GOARCH {
			matching = arch
			found = true

			break
		}
	}

	if !found {
		t.Skip("no platform entry matches this test runner's GOARCH")
	}

	if _, err := os.Stat("/dev/kvm"); err == nil {
		t.Skip("/dev/kvm is present on this runner; cannot exercise the absent case")
	}

	assert.Expect(canUseKVM(matching)).To(BeFalse())
}

func TestCanUseKVM_UnknownArchIsFalse(t *testing.T) {
	assert := NewGomegaWithT(t)

	assert.Expect(canUseKVM(target.Arch("made-up"))).To(BeFalse())
}
