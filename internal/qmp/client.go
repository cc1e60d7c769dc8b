// Package qmp is a thin client for QEMU's machine protocol (QMP) over a
// Unix domain socket. It wraps digitalocean/go-qemu's socket monitor with
// the bounded-retry connect, capability negotiation bookkeeping, and event
// filtering the VM Driver needs.
package qmp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/digitalocean/go-qemu/qmp"
)

// Client is a single-owner QMP connection. It is not safe for concurrent
// command dispatch from multiple goroutines; the VM Driver owns it alone.
type Client struct {
	monitor *qmp.SocketMonitor
	events  <-chan qmp.Event
}

// Event is a QMP event of interest to the driver.
type Event struct {
	Name string
	Data map[string]any
}

// Dial connects to the QMP socket at path, retrying until the socket
// appears and accepts a connection or the context is done. QEMU creates
// the socket file only after the process starts, so a bounded retry loop
// is required rather than a one-shot dial.
func Dial(ctx context.Context, path string) (*Client, error) {
	var lastErr error

	for {
		select {
		case <-ctx.Done():
			if lastErr != nil {
				return nil, fmt.Errorf("qmp: dial %s: %w (last error: %v)", path, ctx.Err(), lastErr)
			}

			return nil, fmt.Errorf("qmp: dial %s: %w", path, ctx.Err())
		default:
		}

		monitor, err := qmp.NewSocketMonitor("unix", path, 5*time.Second)
		if err != nil {
			lastErr = err
			time.Sleep(200 * time.Millisecond)

			continue
		}

		// Connect performs the greeting read and qmp_capabilities
		// negotiation internally.
		if err := monitor.Connect(); err != nil {
			lastErr = err
			time.Sleep(200 * time.Millisecond)

			continue
		}

		events, err := monitor.Events()
		if err != nil {
			_ = monitor.Disconnect()

			return nil, fmt.Errorf("qmp: subscribe to events: %w", err)
		}

		return &Client{monitor: monitor, events: events}, nil
	}
}

// Events returns QMP events of the given names only; all other events are
// dropped. The returned channel is closed when the underlying connection
// is closed.
func (c *Client) Events(names ...string) <-chan Event {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}

	out := make(chan Event)

	go func() {
		defer close(out)

		for ev := range c.events {
			if len(want) > 0 && !want[ev.Event] {
				continue
			}

			out <- Event{Name: ev.Event, Data: ev.Data}
		}
	}()

	return out
}

// run sends a bare QMP command by name, with no arguments, and discards
// the response payload.
func (c *Client) run(execute string) error {
	req, err := json.Marshal(map[string]string{"execute": execute})
	if err != nil {
		return fmt.Errorf("qmp: marshal %q: %w", execute, err)
	}

	if _, err := c.monitor.Run(req); err != nil {
		return fmt.Errorf("qmp: run %q: %w", execute, err)
	}

	return nil
}

// QueryStatus returns the guest's run-state as reported by query-status.
func (c *Client) QueryStatus() (string, error) {
	req, err := json.Marshal(map[string]string{"execute": "query-status"})
	if err != nil {
		return "", fmt.Errorf("qmp: marshal query-status: %w", err)
	}

	raw, err := c.monitor.Run(req)
	if err != nil {
		return "", fmt.Errorf("qmp: query-status: %w", err)
	}

	var resp struct {
		Return struct {
			Status string `json:"status"`
		} `json:"return"`
	}

	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("qmp: unmarshal query-status response: %w", err)
	}

	return resp.Return.Status, nil
}

// SystemPowerdown sends an ACPI shutdown request to the guest.
func (c *Client) SystemPowerdown() error {
	return c.run("system_powerdown")
}

// Quit terminates the QEMU process immediately.
func (c *Client) Quit() error {
	return c.run("quit")
}

// Close disconnects the QMP socket.
func (c *Client) Close() error {
	if c.monitor == nil {
		return nil
	}

	if err := c.monitor.Disconnect(); err != nil {
		return fmt.Errorf("qmp: disconnect: %w", err)
	}

	return nil
}
