package device

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"flippio/internal/fsutil"
	"flippio/internal/history"
)

// stagingDir is writable by the shell user and readable by run-as.
const stagingDir = "/data/local/tmp"

// ADB reaches Android devices and emulators through the adb tool. Files of
// debuggable apps are read and written with run-as, so no root is needed.
type ADB struct {
	Path   string
	Run    Runner
	Logger *slog.Logger
}

// NewADB returns an ADB transport using the adb binary at path, or "adb"
// from PATH when empty.
func NewADB(path string, logger *slog.Logger) *ADB {
	if path == "" {
		path = "adb"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ADB{Path: path, Run: ExecRunner, Logger: logger.With("component", "adb")}
}

func (a *ADB) adb(ctx context.Context, args ...string) ([]byte, error) {
	return a.Run(ctx, a.Path, args...)
}

// ListDevices parses `adb devices -l`. Devices that are offline or
// unauthorized are reported with their state.
func (a *ADB) ListDevices(ctx context.Context) ([]Device, error) {
	out, err := a.adb(ctx, "devices", "-l")
	if err != nil {
		return nil, fmt.Errorf("list android devices: %w", err)
	}
	return parseADBDevices(out), nil
}

func parseADBDevices(out []byte) []Device {
	var devices []Device
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "List of devices") || strings.HasPrefix(line, "*") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		d := Device{ID: fields[0], State: fields[1], Type: history.DeviceAndroid}
		if strings.HasPrefix(d.ID, "emulator-") {
			d.Type = history.DeviceAndroidEmulator
		}
		for _, f := range fields[2:] {
			k, v, ok := strings.Cut(f, ":")
			if !ok {
				continue
			}
			switch k {
			case "model":
				d.Model = strings.ReplaceAll(v, "_", " ")
			case "device":
				d.Name = v
			}
		}
		if d.Model != "" {
			d.Name = d.Model
		}
		if d.Name == "" {
			d.Name = d.ID
		}
		devices = append(devices, d)
	}
	return devices
}

// PullFile copies remotePath out of the sandbox of packageName. Without a
// package the path is pulled directly.
func (a *ADB) PullFile(ctx context.Context, deviceID, packageName, remotePath, localPath string) error {
	if packageName == "" {
		if _, err := a.adb(ctx, "-s", deviceID, "pull", remotePath, localPath); err != nil {
			return fmt.Errorf("pull %s from %s: %w", remotePath, deviceID, err)
		}
		return nil
	}
	data, err := a.adb(ctx, "-s", deviceID, "exec-out", "run-as", packageName, "cat", remotePath)
	if err != nil {
		return fmt.Errorf("read %s of %s on %s: %w", remotePath, packageName, deviceID, err)
	}
	if err := fsutil.WriteFileAtomic(localPath, data, fsutil.PermFile); err != nil {
		return fmt.Errorf("write working copy: %w", err)
	}
	a.Logger.Debug("pulled file", "device", deviceID, "package", packageName, "remote", remotePath, "bytes", len(data))
	return nil
}

// PushFile stages localPath in /data/local/tmp and copies it into the
// sandbox of packageName with run-as.
func (a *ADB) PushFile(ctx context.Context, deviceID, localPath, packageName, remotePath string) error {
	if packageName == "" {
		if _, err := a.adb(ctx, "-s", deviceID, "push", localPath, remotePath); err != nil {
			return fmt.Errorf("push %s to %s: %w", remotePath, deviceID, err)
		}
		return nil
	}

	staged := path.Join(stagingDir, "flippio_"+path.Base(remotePath))
	if _, err := a.adb(ctx, "-s", deviceID, "push", localPath, staged); err != nil {
		return fmt.Errorf("stage %s on %s: %w", localPath, deviceID, err)
	}
	defer func() {
		if _, err := a.adb(context.WithoutCancel(ctx), "-s", deviceID, "shell", "rm", "-f", staged); err != nil {
			a.Logger.Warn("remove staged file", "device", deviceID, "path", staged, "error", err)
		}
	}()
	if _, err := a.adb(ctx, "-s", deviceID, "shell", "run-as", packageName, "cp", staged, remotePath); err != nil {
		return fmt.Errorf("copy %s into %s on %s: %w", remotePath, packageName, deviceID, err)
	}
	a.Logger.Debug("pushed file", "device", deviceID, "package", packageName, "remote", remotePath)
	return nil
}
