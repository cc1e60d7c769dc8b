// Package driver is the VM Driver: a per-target state machine that
// composes a QEMU invocation, drives the QMP/QGA handshake, dispatches a
// command into the guest, streams its output back, and tears the VM down
// deterministically on every exit path.
package driver

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jtarchie/vmtest/internal/initramfs"
	"github.com/jtarchie/vmtest/internal/qga"
	"github.com/jtarchie/vmtest/internal/qmp"
	"github.com/jtarchie/vmtest/internal/script"
	"github.com/jtarchie/vmtest/internal/seed"
	"github.com/jtarchie/vmtest/internal/target"
)

// Options configures every Driver a process creates. The zero value is not
// usable directly; use New, which fills in the §5 default timeouts.
type Options struct {
	// InitBinaryPath is the prebuilt cmd/vminit binary embedded into every
	// kernel target's initramfs. Required for KernelOnly/ImageWithKernel.
	InitBinaryPath string
	// QemuGABinaryPath is the host's qemu-ga binary, copied into the
	// initramfs so kernel targets have something to exec as the agent.
	QemuGABinaryPath string

	QMPSocketTimeout  time.Duration // default 30s
	GuestAgentTimeout time.Duration // default 60s
	GuestAgentPoll    time.Duration // default 500ms, retry interval while dialing QGA
	RPCTimeout        time.Duration // default 5s, per QGA call
	ExecPollInterval  time.Duration // default 250ms
	ShutdownGrace     time.Duration // default 5s, ACPI powerdown -> SHUTDOWN event
	QuitGrace         time.Duration // default 5s, quit -> process exit
	CancelGrace       time.Duration // default 3s, scope release of the QEMU child: SIGTERM -> SIGKILL
	OutputAcceptGrace time.Duration // default 30s
}

func (o Options) withDefaults() Options {
	if o.QMPSocketTimeout <= 0 {
		o.QMPSocketTimeout = 30 * time.Second
	}

	if o.GuestAgentTimeout <= 0 {
		o.GuestAgentTimeout = 60 * time.Second
	}

	if o.GuestAgentPoll <= 0 {
		o.GuestAgentPoll = 500 * time.Millisecond
	}

	if o.RPCTimeout <= 0 {
		o.RPCTimeout = qga.DefaultRPCTimeout
	}

	if o.ExecPollInterval <= 0 {
		o.ExecPollInterval = 250 * time.Millisecond
	}

	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = 5 * time.Second
	}

	if o.QuitGrace <= 0 {
		o.QuitGrace = 5 * time.Second
	}

	if o.CancelGrace <= 0 {
		o.CancelGrace = 3 * time.Second
	}

	if o.OutputAcceptGrace <= 0 {
		o.OutputAcceptGrace = 30 * time.Second
	}

	return o
}

// Result is the outcome of a single Driver.Run.
type Result struct {
	ExitCode int
	Err      *Error
}

// Driver owns exactly one VM for one Target. Run is idempotent: the second
// and later calls return the first call's Result without side effects.
type Driver struct {
	logger *slog.Logger
	opts   Options

	once   sync.Once
	result Result
}

// New creates a Driver bound to logger, which is annotated with the
// target's name by the caller before being passed in.
func New(logger *slog.Logger, opts Options) *Driver {
	return &Driver{logger: logger, opts: opts.withDefaults()}
}

// Run executes t to completion, emitting a strictly ordered StatusEvent
// stream to sink and returning the final outcome. Cancelling ctx forces a
// prompt shutdown; the result is then Error{Cancelled}.
func (d *Driver) Run(ctx context.Context, t target.Target, sink *Sink) Result {
	d.once.Do(func() {
		d.result = d.run(ctx, t, sink)
	})

	return d.result
}

func (d *Driver) run(ctx context.Context, t target.Target, sink *Sink) Result {
	logger := d.logger.With("target", t.Name)
	scope := newScope(logger)

	defer scope.Close()
	defer sink.close()

	arch := resolveArch(t.Arch)

	tempDir, err := os.MkdirTemp("", "vmtest-"+sanitizeDirName(t.Name)+"-")
	if err != nil {
		return d.fail(sink, ErrorSetup, err, "create temp directory")
	}

	scope.tempDir(tempDir)

	usesInitramfs := t.Mode.Kind() != target.ImageOnly

	socks := sockets{
		qmp: filepath.Join(tempDir, "qmp.sock"),
		qga: filepath.Join(tempDir, "qga.sock"),
	}
	if usesInitramfs {
		socks.out = filepath.Join(tempDir, "cmd_out.sock")

		outPort, err := newOutputPortName()
		if err != nil {
			return d.fail(sink, ErrorSetup, err, "choose output port name")
		}

		socks.outPort = outPort
	}

	var (
		initramfsPath string
		outListener   net.Listener
	)

	if usesInitramfs {
		if d.opts.InitBinaryPath == "" {
			return d.fail(sink, ErrorSetup, nil, "kernel target %q requires an init binary", t.Name)
		}

		initramfsPath, err = initramfs.Build(tempDir, initramfs.Options{
			InitBinaryPath:   d.opts.InitBinaryPath,
			QemuGABinaryPath: d.opts.QemuGABinaryPath,
		})
		if err != nil {
			return d.fail(sink, ErrorSetup, err, "build initramfs")
		}

		outListener, err = net.Listen("unix", socks.out)
		if err != nil {
			return d.fail(sink, ErrorSetup, err, "listen on output socket")
		}

		scope.closer("output listener", outListener.Close)
		scope.socketPath(socks.out)
	}

	if !canUseKVM(arch) {
		sink.Emit(StatusEvent{Kind: EventNote, Note: "emulating"})
	}

	if t.Mode.Kind() != target.KernelOnly {
		isoPath := filepath.Join(tempDir, "seed.iso")

		if _, err := seed.Build(isoPath, seedMounts(t)); err != nil {
			logger.Warn("vmtest.seed.build_failed", "err", err)
		} else {
			socks.seedISO = isoPath
		}
	}

	args, err := buildQEMUArgs(t, arch, socks, initramfsPath)
	if err != nil {
		return d.fail(sink, ErrorConfig, err, "compose QEMU command")
	}

	scope.socketPath(socks.qmp)
	scope.socketPath(socks.qga)

	binary := platforms[arch].binary

	logger.Info("vmtest.qemu.command", "binary", binary, "args", strings.Join(args, " "))

	bootLog := newLineWriter(func(line string) { sink.Emit(StatusEvent{Kind: EventNote, Note: line}) })

	cmd := exec.Command(binary, args...) //nolint:gosec
	cmd.Stdin = nil
	cmd.Stdout = bootLog
	cmd.Stderr = bootLog

	if err := cmd.Start(); err != nil {
		_ = bootLog.Close()

		return d.fail(sink, ErrorQemu, err, "spawn %s", binary)
	}

	logger.Info("vmtest.qemu.started", "pid", cmd.Process.Pid)
	scope.childProcess(cmd, d.opts.CancelGrace)

	waitDone := make(chan error, 1)

	go func() {
		err := cmd.Wait()
		_ = bootLog.Close()
		waitDone <- err
	}()

	qmpClient, err := dialQMPWithBound(ctx, socks.qmp, d.opts.QMPSocketTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return d.fail(sink, ErrorCancelled, ctx.Err(), "waiting for QMP")
		}

		return d.fail(sink, ErrorQmpProtocol, err, "QMP handshake")
	}

	scope.closer("qmp", qmpClient.Close)

	shutdownEvents := qmpClient.Events("SHUTDOWN", "RESET", "POWERDOWN")

	sink.Emit(StatusEvent{Kind: EventBooting})

	qgaClient, err := d.dialGuestAgent(ctx, socks.qga)
	if err != nil {
		d.shutdown(logger, qmpClient, shutdownEvents, cmd, waitDone)

		if ctx.Err() != nil {
			return d.fail(sink, ErrorCancelled, ctx.Err(), "waiting for guest agent")
		}

		return d.fail(sink, ErrorGuestAgentTimeout, err, "guest agent did not become ready")
	}

	scope.closer("qga", qgaClient.Close)

	sink.Emit(StatusEvent{Kind: EventReady})

	if err := d.mountImageModeShares(t, qgaClient); err != nil {
		logger.Warn("vmtest.mount.best_effort_failed", "err", err)
	}

	pid, err := d.dispatchCommand(t, qgaClient, socks.outPort)
	if err != nil {
		d.shutdown(logger, qmpClient, shutdownEvents, cmd, waitDone)

		return d.fail(sink, ErrorCommandDispatch, err, "dispatch command")
	}

	sink.Emit(StatusEvent{Kind: EventCommandStart})

	exitCode, runErr := d.waitAndStream(ctx, qgaClient, pid, outListener, sink)

	d.shutdown(logger, qmpClient, shutdownEvents, cmd, waitDone)

	if runErr != nil {
		if ctx.Err() != nil {
			return d.fail(sink, ErrorCancelled, ctx.Err(), "command interrupted")
		}

		return d.fail(sink, ErrorGuestAgentProtocol, runErr, "poll command status")
	}

	sink.Emit(StatusEvent{Kind: EventFinished, ExitCode: exitCode})

	return Result{ExitCode: exitCode}
}

func (d *Driver) fail(sink *Sink, kind ErrorKind, cause error, format string, args ...any) Result {
	derr := newError(kind, cause, format, args...)
	sink.Emit(StatusEvent{Kind: EventError, ErrKind: derr.Kind, ErrMsg: derr.Message})

	return Result{Err: derr}
}

// dialQMPWithBound wraps qmp.Dial, which already retries until the socket
// file appears, with the §5 30s default bound via ctx.
func dialQMPWithBound(ctx context.Context, path string, timeout time.Duration) (*qmp.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return qmp.Dial(ctx, path)
}

// dialGuestAgent connects to the guest agent socket, then polls guest-ping
// on that one connection per §4.1 step 5 / §4.3 until it succeeds, the
// guest agent timeout elapses, or ctx is cancelled.
func (d *Driver) dialGuestAgent(ctx context.Context, path string) (*qga.Client, error) {
	deadline := time.Now().Add(d.opts.GuestAgentTimeout)

	client, err := d.connectGuestAgent(ctx, path, deadline)
	if err != nil {
		return nil, err
	}

	if err := d.pollGuestPing(ctx, client, deadline); err != nil {
		_ = client.Close()

		return nil, err
	}

	return client, nil
}

// connectGuestAgent retries qga.Dial — which performs the initial
// guest-sync-delimited handshake — until the socket exists and a guest
// agent answers on it, or deadline/ctx expires.
func (d *Driver) connectGuestAgent(ctx context.Context, path string, deadline time.Time) (*qga.Client, error) {
	var lastErr error

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("guest agent not ready after %s: %w", d.opts.GuestAgentTimeout, lastErr)
		}

		client, err := qga.Dial(path, d.opts.RPCTimeout)
		if err == nil {
			return client, nil
		}

		lastErr = err

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d.opts.GuestAgentPoll):
		}
	}
}

// pollGuestPing polls guest-ping on an already-connected client, reusing the
// same client across attempts, until the guest agent answers or
// deadline/ctx expires. A failed ping makes the client reconnect once
// internally before reporting the failure.
func (d *Driver) pollGuestPing(ctx context.Context, client *qga.Client, deadline time.Time) error {
	var lastErr error

	for {
		err := client.Ping(d.opts.RPCTimeout)
		if err == nil {
			return nil
		}

		lastErr = err

		if err := ctx.Err(); err != nil {
			return err
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("guest agent not ready after %s: %w", d.opts.GuestAgentTimeout, lastErr)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.opts.GuestAgentPoll):
		}
	}
}

// mountImageModeShares mounts the shared working directory and every user
// Mount via QGA guest-exec, best-effort, for targets whose own init wasn't
// ours to control. Kernel targets mount these themselves from cmdline, in
// the Guest Init.
func (d *Driver) mountImageModeShares(t target.Target, client *qga.Client) error {
	if t.Mode.Kind() == target.KernelOnly || t.Mode.Kind() == target.ImageWithKernel {
		return nil
	}

	var firstErr error

	for tag, guestPath := range declaredShares(t) {
		mountCmd := fmt.Sprintf(
			"mkdir -p %q && mount -t 9p -o trans=virtio,version=9p2000.L,msize=104857600 %s %q",
			guestPath, tag, guestPath,
		)

		pid, err := client.Exec("/bin/sh", []string{"-c", mountCmd}, nil)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}

			continue
		}

		// Best-effort: don't block boot waiting for this to finish.
		_, _ = client.ExecStatusOf(pid)
	}

	return firstErr
}

const guestScriptPath = "/tmp/vmtest-cmd.sh"

func (d *Driver) dispatchCommand(t target.Target, client *qga.Client, outPort string) (int, error) {
	rendered := script.Render(script.Params{
		ShouldCD:              true,
		HostShared:            vmtestGuestPath,
		CommandOutputPortName: outPort,
		Command:               t.Command,
	})

	if err := client.WriteFile(guestScriptPath, []byte(rendered)); err != nil {
		return 0, fmt.Errorf("write command script: %w", err)
	}

	pid, err := client.Exec("bash", []string{guestScriptPath}, envSlice(t.Env))
	if err != nil {
		return 0, fmt.Errorf("exec command script: %w", err)
	}

	return pid, nil
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}

	return out
}

// waitAndStream polls guest-exec-status until the command exits, streaming
// its output either from the accepted output-socket connection (targets
// booted through the initramfs, which are the only ones given the port) or
// from out-data/err-data on each poll (ImageOnly targets).
func (d *Driver) waitAndStream(ctx context.Context, client *qga.Client, pid int, outListener net.Listener, sink *Sink) (int, error) {
	var streamWG sync.WaitGroup

	if outListener != nil {
		streamWG.Add(1)

		go func() {
			defer streamWG.Done()
			d.streamOutputSocket(outListener, sink)
		}()
	}

	var outSeen, errSeen int

	ticker := time.NewTicker(d.opts.ExecPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			streamWG.Wait()

			return 0, ctx.Err()
		case <-ticker.C:
		}

		status, err := client.ExecStatusOf(pid)
		if err != nil {
			streamWG.Wait()

			return 0, fmt.Errorf("guest-exec-status: %w", err)
		}

		if outListener == nil {
			outSeen = emitDecodedTail(sink, status.OutData, outSeen)
			errSeen = emitDecodedTail(sink, status.ErrData, errSeen)
		}

		if status.Exited {
			streamWG.Wait()

			return status.ExitCode(), nil
		}
	}
}

// streamOutputSocket accepts the single connection QEMU's output
// virtio-serial chardev makes and forwards every byte as an OutputChunk
// event until the guest side closes it.
func (d *Driver) streamOutputSocket(listener net.Listener, sink *Sink) {
	if l, ok := listener.(*net.UnixListener); ok {
		_ = l.SetDeadline(time.Now().Add(d.opts.OutputAcceptGrace))
	}

	conn, err := listener.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	buf := make([]byte, 32*1024)

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			sink.Emit(StatusEvent{Kind: EventOutputChunk, Output: chunk})
		}

		if err != nil {
			if err != io.EOF {
				d.logger.Warn("vmtest.output_socket.read_failed", "err", err)
			}

			return
		}
	}
}

// emitDecodedTail base64-decodes a cumulative guest-exec-status data field
// and emits only the bytes beyond seen, returning the new seen length.
func emitDecodedTail(sink *Sink, data string, seen int) int {
	if data == "" {
		return seen
	}

	decoded, err := base64.StdEncoding.DecodeString(data)
	if err != nil || len(decoded) <= seen {
		return seen
	}

	sink.Emit(StatusEvent{Kind: EventOutputChunk, Output: decoded[seen:]})

	return len(decoded)
}

// shutdown runs the §4.1 step 9 sequence: ACPI powerdown, grace for a
// SHUTDOWN event, QMP quit, a further grace for process exit, then kill.
// It tolerates qmpClient already being unusable and always waits for the
// child to be reaped.
func (d *Driver) shutdown(logger *slog.Logger, qmpClient *qmp.Client, events <-chan qmp.Event, cmd *exec.Cmd, waitDone <-chan error) {
	if err := qmpClient.SystemPowerdown(); err != nil {
		logger.Warn("vmtest.shutdown.powerdown_failed", "err", err)
	}

	select {
	case <-waitDone:
		return
	case <-drainForShutdownEvent(events):
	case <-time.After(d.opts.ShutdownGrace):
	}

	select {
	case <-waitDone:
		return
	default:
	}

	if err := qmpClient.Quit(); err != nil {
		logger.Warn("vmtest.shutdown.quit_failed", "err", err)
	}

	select {
	case <-waitDone:
		return
	case <-time.After(d.opts.QuitGrace):
	}

	if cmd.Process != nil {
		if err := cmd.Process.Kill(); err != nil {
			logger.Warn("vmtest.shutdown.kill_failed", "err", err)
		}
	}

	<-waitDone
}

func drainForShutdownEvent(events <-chan qmp.Event) <-chan struct{} {
	done := make(chan struct{})

	go func() {
		defer close(done)

		for ev := range events {
			if ev.Name == "SHUTDOWN" {
				return
			}
		}
	}()

	return done
}

func sanitizeDirName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}

// newLineWriter adapts a line callback into an io.WriteCloser, buffering
// partial lines across writes the way QEMU's piped stdout arrives. The
// caller must Close it once no more writes will occur, or the internal
// scanner goroutine never observes EOF.
func newLineWriter(onLine func(string)) io.WriteCloser {
	pr, pw := io.Pipe()

	go func() {
		scanner := bufio.NewScanner(pr)
		for scanner.Scan() {
			onLine(scanner.Text())
		}
	}()

	return pw
}
