package android

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// ShellRunner runs a shell command on the device and returns its stdout.
// The session core depends only on this contract, not on adb itself.
type ShellRunner interface {
	RunShell(ctx context.Context, command string) (string, error)
}

// PortForwarder manages local-port-to-device forwards
type PortForwarder interface {
	Forward(ctx context.Context, localPort int, remote string) error
	RemoveForward(ctx context.Context, localPort int) error
}

// ADBChannel is the adb-backed shell channel for one device
type ADBChannel struct {
	adbPath string
	serial  string
}

// NewADBChannel creates a shell channel for the device with the given
// adb serial
func NewADBChannel(adbPath, serial string) *ADBChannel {
	if adbPath == "" {
		adbPath = "adb"
	}
	return &ADBChannel{adbPath: adbPath, serial: serial}
}

// RunShell executes a shell command on the device
func (c *ADBChannel) RunShell(ctx context.Context, command string) (string, error) {
	cmd := exec.CommandContext(ctx, c.adbPath, "-s", c.serial, "shell", command)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("adb shell %q: %w (stderr: %s)", command, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// Forward creates adb port forwarding from a local TCP port to a remote
// socket on the device
func (c *ADBChannel) Forward(ctx context.Context, localPort int, remote string) error {
	cmd := exec.CommandContext(ctx, c.adbPath, "-s", c.serial, "forward",
		fmt.Sprintf("tcp:%d", localPort), remote)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("adb forward tcp:%d %s: %w", localPort, remote, err)
	}
	return nil
}

// RemoveForward removes the forward for the local port
func (c *ADBChannel) RemoveForward(ctx context.Context, localPort int) error {
	cmd := exec.CommandContext(ctx, c.adbPath, "-s", c.serial, "forward", "--remove",
		fmt.Sprintf("tcp:%d", localPort))
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("adb forward --remove tcp:%d: %w", localPort, err)
	}
	return nil
}
