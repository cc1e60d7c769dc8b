package qmp_test

import (
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	. "github.com/onsi/gomega"

	"github.com/jtarchie/vmtest/internal/qmp"
)

// fakeQEMU answers the QMP greeting and qmp_capabilities negotiation that
// digitalocean/go-qemu's SocketMonitor.Connect performs, then replies to a
// handful of commands the VM Driver issues — enough to exercise Dial,
// QueryStatus, SystemPowerdown, Quit and event filtering without a real
// qemu-system-* process.
type fakeQEMU struct {
	listener net.Listener
}

func startFakeQEMU(t *testing.T) string {
	t.Helper()

	sockPath := filepath.Join(t.TempDir(), "qmp.sock")

	listener, err := net.Listen("unix", sockPath)
	if err != nil {
		t.Fatal(err)
	}

	f := &fakeQEMU{listener: listener}
	go f.serve(t)

	t.Cleanup(func() { _ = listener.Close() })

	return sockPath
}

func (f *fakeQEMU) serve(t *testing.T) {
	conn, err := f.listener.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	enc := json.NewEncoder(conn)
	dec := json.NewDecoder(conn)

	_ = enc.Encode(map[string]any{
		"QMP": map[string]any{
			"version": map[string]any{
				"qemu":    map[string]any{"major": 8, "minor": 2, "micro": 0},
				"package": "",
			},
			"capabilities": []string{},
		},
	})

	for {
		var req struct {
			Execute string `json:"execute"`
		}

		if err := dec.Decode(&req); err != nil {
			return
		}

		switch req.Execute {
		case "qmp_capabilities":
			_ = enc.Encode(map[string]any{"return": map[string]any{}})
		case "query-status":
			_ = enc.Encode(map[string]any{"return": map[string]any{"status": "running"}})
		case "system_powerdown":
			_ = enc.Encode(map[string]any{"return": map[string]any{}})
			_ = enc.Encode(map[string]any{
				"event":     "SHUTDOWN",
				"data":      map[string]any{"guest": true},
				"timestamp": map[string]any{"seconds": 0, "microseconds": 0},
			})
		case "quit":
			_ = enc.Encode(map[string]any{"return": map[string]any{}})

			return
		default:
			_ = enc.Encode(map[string]any{"return": map[string]any{}})
		}
	}
}

func TestDial_NegotiatesCapabilitiesAndQueriesStatus(t *testing.T) {
	assert := NewGomegaWithT(t)

	sockPath := startFakeQEMU(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := qmp.Dial(ctx, sockPath)
	assert.Expect(err).NotTo(HaveOccurred())
	defer client.Close()

	status, err := client.QueryStatus()
	assert.Expect(err).NotTo(HaveOccurred())
	assert.Expect(status).To(Equal("running"))
}

func TestDial_RetriesUntilSocketExists(t *testing.T) {
	assert := NewGomegaWithT(t)

	sockPath := filepath.Join(t.TempDir(), "qmp.sock")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	dialDone := make(chan struct {
		client *qmp.Client
		err    error
	}, 1)

	go func() {
		client, err := qmp.Dial(ctx, sockPath)
		dialDone <- struct {
			client *qmp.Client
			err    error
		}{client, err}
	}()

	time.Sleep(300 * time.Millisecond)

	f := &fakeQEMU{}

	listener, err := net.Listen("unix", sockPath)
	assert.Expect(err).NotTo(HaveOccurred())

	f.listener = listener
	defer listener.Close()

	go f.serve(t)

	result := <-dialDone
	assert.Expect(result.err).NotTo(HaveOccurred())
	defer result.client.Close()
}

func TestDial_ReturnsErrorWhenContextExpires(t *testing.T) {
	assert := NewGomegaWithT(t)

	sockPath := filepath.Join(t.TempDir(), "qmp.sock")

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := qmp.Dial(ctx, sockPath)
	assert.Expect(err).To(HaveOccurred())
}

func TestSystemPowerdown_EmitsShutdownEvent(t *testing.T) {
	assert := NewGomegaWithT(t)

	sockPath := startFakeQEMU(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := qmp.Dial(ctx, sockPath)
	assert.Expect(err).NotTo(HaveOccurred())
	defer client.Close()

	events := client.Events("SHUTDOWN")

	assert.Expect(client.SystemPowerdown()).To(Succeed())

	select {
	case ev := <-events:
		assert.Expect(ev.Name).To(Equal("SHUTDOWN"))
	case <-time.After(5 * time.Second):
		t.Fatal("did not receive SHUTDOWN event")
	}
}

func TestEvents_DropsUnwantedNames(t *testing.T) {
	assert := NewGomegaWithT(t)

	sockPath := startFakeQEMU(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := qmp.Dial(ctx, sockPath)
	assert.Expect(err).NotTo(HaveOccurred())
	defer client.Close()

	// Subscribe to RESET only; the fake server only ever emits SHUTDOWN
	// (via SystemPowerdown), so this channel must never fire.
	events := client.Events("RESET")

	assert.Expect(client.SystemPowerdown()).To(Succeed())

	select {
	case ev := <-events:
		t.Fatalf("unexpected event delivered: %+v", ev)
	case <-time.After(500 * time.Millisecond):
	}
}

func TestQuit_Succeeds(t *testing.T) {
	assert := NewGomegaWithT(t)

	sockPath := startFakeQEMU(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := qmp.Dial(ctx, sockPath)
	assert.Expect(err).NotTo(HaveOccurred())
	defer client.Close()

	assert.Expect(client.Quit()).To(Succeed())
}
