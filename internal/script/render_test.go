package script_test

import (
	"strings"
	"testing"

	. "github.com/onsi/gomega"

	"github.com/jtarchie/vmtest/internal/script"
)

func TestRender_IncludesCD(t *testing.T) {
	assert := NewGomegaWithT(t)

	out := script.Render(script.Params{
		ShouldCD:              true,
		HostShared:            "/mnt/vmtest",
		CommandOutputPortName: "vmtest-out-abc",
		Command:               "echo hi",
	})

	assert.Expect(out).To(ContainSubstring("cd '/mnt/vmtest'"))
	assert.Expect(out).To(ContainSubstring("vmtest-out-abc"))
	assert.Expect(out).To(ContainSubstring("echo hi"))
}

func TestRender_OmitsCDWhenNotRequested(t *testing.T) {
	assert := NewGomegaWithT(t)

	out := script.Render(script.Params{Command: "true"})
	assert.Expect(strings.Contains(out, "cd '")).To(BeFalse())
}

func TestRender_DoesNotTransformCommand(t *testing.T) {
	assert := NewGomegaWithT(t)

	cmd := `echo "$(hostname)" | grep 'it'"'"'s'`
	out := script.Render(script.Params{Command: cmd})

	assert.Expect(out).To(HaveSuffix(cmd + "\n"))
}
