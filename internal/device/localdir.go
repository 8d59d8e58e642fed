package device

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"flippio/internal/fsutil"
	"flippio/internal/history"
)

// LocalDir serves a directory tree as devices: every subdirectory of Root
// is a device, laid out as <Root>/<deviceID>/<packageName>/<remotePath>.
type LocalDir struct {
	Root string
	Type history.DeviceType
}

// NewLocalDir returns a LocalDir transport reporting devices of type t.
func NewLocalDir(root string, t history.DeviceType) *LocalDir {
	if t == "" {
		t = history.DeviceAndroidEmulator
	}
	return &LocalDir{Root: root, Type: t}
}

func (l *LocalDir) ListDevices(ctx context.Context) ([]Device, error) {
	entries, err := os.ReadDir(l.Root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list devices in %s: %w", l.Root, err)
	}
	var devices []Device
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		devices = append(devices, Device{ID: e.Name(), Name: e.Name(), Type: l.Type, State: "device"})
	}
	return devices, nil
}

// Resolve returns the host path of remotePath in the sandbox of
// packageName on deviceID.
func (l *LocalDir) Resolve(deviceID, packageName, remotePath string) (string, error) {
	if deviceID == "" || strings.ContainsAny(deviceID, `/\`) || deviceID == ".." {
		return "", fmt.Errorf("%w: %q", ErrDeviceNotFound, deviceID)
	}
	dev := filepath.Join(l.Root, deviceID)
	if info, err := os.Stat(dev); err != nil || !info.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	rel := filepath.Clean(filepath.Join(packageName, filepath.FromSlash(strings.TrimPrefix(remotePath, "/"))))
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s escapes the device root", remotePath)
	}
	return filepath.Join(dev, rel), nil
}

func (l *LocalDir) PullFile(ctx context.Context, deviceID, packageName, remotePath, localPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	src, err := l.Resolve(deviceID, packageName, remotePath)
	if err != nil {
		return err
	}
	if err := fsutil.CopyFile(src, localPath); err != nil {
		return fmt.Errorf("pull %s: %w", remotePath, err)
	}
	return nil
}

func (l *LocalDir) PushFile(ctx context.Context, deviceID, localPath, packageName, remotePath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dst, err := l.Resolve(deviceID, packageName, remotePath)
	if err != nil {
		return err
	}
	if err := fsutil.CopyFile(localPath, dst); err != nil {
		return fmt.Errorf("push %s: %w", remotePath, err)
	}
	return nil
}
