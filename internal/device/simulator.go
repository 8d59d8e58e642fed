package device

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"

	"flippio/internal/fsutil"
	"flippio/internal/history"
)

// Simulator reaches booted iOS simulators through xcrun simctl. App data
// containers live on the host filesystem, so files are plain copies.
type Simulator struct {
	Path   string
	Run    Runner
	Logger *slog.Logger
}

// NewSimulator returns a Simulator transport using the xcrun binary at
// path, or "xcrun" from PATH when empty.
func NewSimulator(path string, logger *slog.Logger) *Simulator {
	if path == "" {
		path = "xcrun"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Simulator{Path: path, Run: ExecRunner, Logger: logger.With("component", "simulator")}
}

type simctlList struct {
	Devices map[string][]struct {
		UDID        string `json:"udid"`
		Name        string `json:"name"`
		State       string `json:"state"`
		IsAvailable bool   `json:"isAvailable"`
	} `json:"devices"`
}

// ListDevices returns the booted simulators.
func (s *Simulator) ListDevices(ctx context.Context) ([]Device, error) {
	out, err := s.Run(ctx, s.Path, "simctl", "list", "devices", "booted", "-j")
	if err != nil {
		return nil, fmt.Errorf("list simulators: %w", err)
	}
	return parseSimctlDevices(out)
}

func parseSimctlDevices(out []byte) ([]Device, error) {
	var list simctlList
	if err := json.Unmarshal(out, &list); err != nil {
		return nil, fmt.Errorf("parse simctl output: %w", err)
	}
	var devices []Device
	for runtime, sims := range list.Devices {
		model := runtime[strings.LastIndex(runtime, ".")+1:]
		for _, sim := range sims {
			if sim.State != "Booted" {
				continue
			}
			devices = append(devices, Device{
				ID:    sim.UDID,
				Name:  sim.Name,
				Type:  history.DeviceIOSSimulator,
				Model: model,
				State: strings.ToLower(sim.State),
			})
		}
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
	return devices, nil
}

// container resolves remotePath inside the data container of bundleID.
// Absolute paths are used as given.
func (s *Simulator) container(ctx context.Context, udid, bundleID, remotePath string) (string, error) {
	if filepath.IsAbs(remotePath) {
		return remotePath, nil
	}
	out, err := s.Run(ctx, s.Path, "simctl", "get_app_container", udid, bundleID, "data")
	if err != nil {
		return "", fmt.Errorf("locate container of %s on %s: %w", bundleID, udid, err)
	}
	dir := strings.TrimSpace(string(out))
	if dir == "" {
		return "", fmt.Errorf("locate container of %s on %s: %w", bundleID, udid, ErrDeviceNotFound)
	}
	return filepath.Join(dir, filepath.FromSlash(remotePath)), nil
}

// PullFile copies the file out of the app container.
func (s *Simulator) PullFile(ctx context.Context, deviceID, packageName, remotePath, localPath string) error {
	src, err := s.container(ctx, deviceID, packageName, remotePath)
	if err != nil {
		return err
	}
	if err := fsutil.CopyFile(src, localPath); err != nil {
		return fmt.Errorf("pull %s: %w", src, err)
	}
	return nil
}

// PushFile copies the working copy back into the app container.
func (s *Simulator) PushFile(ctx context.Context, deviceID, localPath, packageName, remotePath string) error {
	dst, err := s.container(ctx, deviceID, packageName, remotePath)
	if err != nil {
		return err
	}
	if err := fsutil.CopyFile(localPath, dst); err != nil {
		return fmt.Errorf("push %s: %w", dst, err)
	}
	return nil
}
