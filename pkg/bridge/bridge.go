// Package bridge wraps the external device-bridge CLI (adb) used to control
// emulator instances. Every call spawns a subprocess; the package adds a
// circuit breaker so a wedged or missing CLI fails fast instead of piling up
// hung subprocesses under load.
package bridge

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/droidlab/droidlab/pkg/util"
)

// Device describes one entry from list_devices().
type Device struct {
	ID    string
	State string
}

// Result is the outcome of an exec() call.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Client wraps the device-bridge CLI binary (normally "adb").
type Client struct {
	binary  string
	breaker *gobreaker.CircuitBreaker

	mu        sync.Mutex
	ensured   bool
	ensureErr error
}

// NewClient builds a Client around the given bridge binary path/name.
func NewClient(binary string) *Client {
	if binary == "" {
		binary = "adb"
	}
	st := gobreaker.Settings{
		Name:        "device-bridge",
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			util.WithField("breaker", name).Warnf("circuit breaker state change: %s -> %s", from, to)
		},
	}
	return &Client{
		binary:  binary,
		breaker: gobreaker.NewCircuitBreaker(st),
	}
}

// EnsureBridgeServer starts the bridge daemon if needed. Idempotent: safe to
// call concurrently and repeatedly; only the first call actually spawns the
// "start-server" subcommand.
func (c *Client) EnsureBridgeServer(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ensured {
		return c.ensureErr
	}

	if _, err := exec.LookPath(c.binary); err != nil {
		c.ensureErr = util.NewBridgeUnavailable("ensure_bridge_server", fmt.Sprintf("bridge binary %q not found: %v", c.binary, err))
		c.ensured = true
		return c.ensureErr
	}

	cmd := exec.CommandContext(ctx, c.binary, "start-server")
	if err := cmd.Run(); err != nil {
		c.ensureErr = util.NewBridgeUnavailable("ensure_bridge_server", err.Error())
		c.ensured = true
		return c.ensureErr
	}

	c.ensured = true
	c.ensureErr = nil
	return nil
}

// Exec runs `adb [-s device_id] args...`, returning stdout/stderr/exit code.
// It returns CommandFailed only when check is true and the process exited
// non-zero; otherwise a non-zero exit code is reported in Result.ExitCode
// with a nil error.
func (c *Client) Exec(ctx context.Context, deviceID string, args []string, timeout time.Duration, check bool) (*Result, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fullArgs := make([]string, 0, len(args)+2)
	if deviceID != "" {
		fullArgs = append(fullArgs, "-s", deviceID)
	}
	fullArgs = append(fullArgs, args...)

	out, err := c.breaker.Execute(func() (interface{}, error) {
		cmd := exec.CommandContext(cctx, c.binary, fullArgs...)
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		runErr := cmd.Run()
		exitCode := 0
		if runErr != nil {
			if exitErr, ok := runErr.(*exec.ExitError); ok {
				exitCode = exitErr.ExitCode()
			} else {
				return nil, runErr
			}
		}
		return &Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), ExitCode: exitCode}, nil
	})
	if err != nil {
		return nil, util.NewBridgeUnavailable("exec", err.Error())
	}

	res := out.(*Result)
	if check && res.ExitCode != 0 {
		return res, util.NewCommandFailed(deviceID, fmt.Sprintf("%s %v exited %d: %s", c.binary, fullArgs, res.ExitCode, res.Stderr))
	}
	return res, nil
}

// ExecRaw runs a bridge command and returns raw stdout bytes only, for
// binary-capture callers such as screenshot capture.
func (c *Client) ExecRaw(ctx context.Context, deviceID string, args []string, timeout time.Duration) ([]byte, error) {
	res, err := c.Exec(ctx, deviceID, args, timeout, false)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, util.NewCommandFailed(deviceID, fmt.Sprintf("%s %v exited %d: %s", c.binary, args, res.ExitCode, res.Stderr))
	}
	return res.Stdout, nil
}

// ListDevices parses `adb devices` tabular output into a device list,
// skipping the header line and blanks.
func (c *Client) ListDevices(ctx context.Context) ([]Device, error) {
	res, err := c.Exec(ctx, "", []string{"devices"}, 10*time.Second, false)
	if err != nil {
		return nil, err
	}

	lines := strings.Split(string(res.Stdout), "\n")
	var devices []Device
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "List of devices") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		devices = append(devices, Device{ID: fields[0], State: fields[1]})
	}
	return devices, nil
}

// GetProp reads a single device property via `getprop`.
func (c *Client) GetProp(ctx context.Context, deviceID, prop string) (string, error) {
	res, err := c.Exec(ctx, deviceID, []string{"shell", "getprop", prop}, 5*time.Second, false)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(res.Stdout)), nil
}

// Shell runs `adb shell <cmd...>` and returns stdout as-is (not trimmed).
func (c *Client) Shell(ctx context.Context, deviceID string, cmd ...string) (string, error) {
	args := append([]string{"shell"}, cmd...)
	res, err := c.Exec(ctx, deviceID, args, 15*time.Second, false)
	if err != nil {
		return "", err
	}
	return string(res.Stdout), nil
}

// EmuCommand sends a command to the emulator console via `adb emu <cmd...>`.
func (c *Client) EmuCommand(ctx context.Context, deviceID string, cmd ...string) (string, error) {
	args := append([]string{"emu"}, cmd...)
	res, err := c.Exec(ctx, deviceID, args, 30*time.Second, false)
	if err != nil {
		return "", err
	}
	return string(res.Stdout), nil
}
