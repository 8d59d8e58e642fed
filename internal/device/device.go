// Package device moves database files between mobile application sandboxes
// and the local filesystem.
package device

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"flippio/internal/history"
)

var (
	ErrDeviceNotFound = errors.New("device not found")
	ErrToolNotFound   = errors.New("device tool not installed")
)

// Device is one reachable device or simulator.
type Device struct {
	ID    string             `json:"id"`
	Name  string             `json:"name"`
	Type  history.DeviceType `json:"type"`
	Model string             `json:"model,omitempty"`
	State string             `json:"state,omitempty"`
}

// Transport lists devices and copies files in and out of app sandboxes.
type Transport interface {
	ListDevices(ctx context.Context) ([]Device, error)
	PullFile(ctx context.Context, deviceID, packageName, remotePath, localPath string) error
	PushFile(ctx context.Context, deviceID, localPath, packageName, remotePath string) error
}

// Runner runs an external command and returns its standard output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands with os/exec. Failures carry the command's
// standard error output.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	if _, err := exec.LookPath(name); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = strings.TrimSpace(string(out))
		}
		return nil, fmt.Errorf("%s %s failed: %w: %s", name, strings.Join(args, " "), err, msg)
	}
	return out, nil
}
