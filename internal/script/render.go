// Package script renders the bash script the guest agent executes inside
// the VM. It is pure templating: no shell quoting or escaping is applied
// to the user command, matching the documented "caller owns shell safety"
// contract.
package script

import "fmt"

// Params binds the template values the renderer needs.
type Params struct {
	// ShouldCD requests a `cd` into HostShared before running Command.
	ShouldCD bool
	// HostShared is the guest-side mount point of the shared working
	// directory (the "vmtest" 9p export), used only when ShouldCD is set.
	HostShared string
	// CommandOutputPortName is the virtio-serial port name the guest
	// should redirect stdout/stderr onto, if present.
	CommandOutputPortName string
	// Command is the user-supplied shell fragment, passed through as-is.
	Command string
}

// Render produces the guest-side script. The script never errors on a
// missing output port: it falls back to ordinary stdout/stderr, letting
// the driver pick those up via QGA exec-status polling instead.
func Render(p Params) string {
	script := "#!/bin/bash\nset -o pipefail\n"

	if p.ShouldCD {
		script += fmt.Sprintf("cd %s || exit 1\n", shellQuotePath(p.HostShared))
	}

	script += fmt.Sprintf(`
out_port=""
for namefile in /sys/class/virtio-ports/*/name; do
  if [ "$(cat "$namefile" 2>/dev/null)" = %q ]; then
    portdev="/dev/$(basename "$(dirname "$namefile")")"
    if [ -w "$portdev" ]; then
      out_port="$portdev"
    fi
    break
  fi
done

if [ -n "$out_port" ]; then
  exec >"$out_port" 2>&1
else
  echo "vmtest: output port %s not found, falling back to QGA capture" >&2
fi

`, p.CommandOutputPortName, p.CommandOutputPortName)

	script += p.Command + "\n"

	return script
}

// shellQuotePath wraps a path in single quotes, escaping any embedded
// single quote. This is the one piece of shell-safety the renderer owns:
// HostShared is driver-chosen, not user input, so quoting it is safe and
// necessary for paths containing spaces.
func shellQuotePath(path string) string {
	escaped := ""
	for _, r := range path {
		if r == '\'' {
			escaped += `'\''`
		} else {
			escaped += string(r)
		}
	}

	return "'" + escaped + "'"
}
