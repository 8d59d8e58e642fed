package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Multi combines transports and routes file operations to the transport
// that lists the device.
type Multi struct {
	transports []Transport
	logger     *slog.Logger

	mu     sync.Mutex
	owners map[string]Transport
}

// NewMulti combines transports. Nil entries are skipped.
func NewMulti(logger *slog.Logger, transports ...Transport) *Multi {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Multi{logger: logger.With("component", "device"), owners: make(map[string]Transport)}
	for _, t := range transports {
		if t != nil {
			m.transports = append(m.transports, t)
		}
	}
	return m
}

// ListDevices merges the devices of every transport. A failing transport
// is skipped unless all of them fail.
func (m *Multi) ListDevices(ctx context.Context) ([]Device, error) {
	var (
		all  []Device
		errs []error
	)
	owners := make(map[string]Transport)
	for _, t := range m.transports {
		devices, err := t.ListDevices(ctx)
		if err != nil {
			if errors.Is(err, ErrToolNotFound) {
				m.logger.Debug("transport unavailable", "error", err)
			} else {
				m.logger.Warn("list devices", "error", err)
			}
			errs = append(errs, err)
			continue
		}
		for _, d := range devices {
			owners[d.ID] = t
		}
		all = append(all, devices...)
	}
	if len(errs) > 0 && len(errs) == len(m.transports) {
		return nil, errors.Join(errs...)
	}

	m.mu.Lock()
	m.owners = owners
	m.mu.Unlock()
	return all, nil
}

func (m *Multi) owner(ctx context.Context, deviceID string) (Transport, error) {
	m.mu.Lock()
	t, ok := m.owners[deviceID]
	m.mu.Unlock()
	if ok {
		return t, nil
	}
	if _, err := m.ListDevices(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.owners[deviceID]; ok {
		return t, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
}

func (m *Multi) PullFile(ctx context.Context, deviceID, packageName, remotePath, localPath string) error {
	t, err := m.owner(ctx, deviceID)
	if err != nil {
		return err
	}
	return t.PullFile(ctx, deviceID, packageName, remotePath, localPath)
}

func (m *Multi) PushFile(ctx context.Context, deviceID, localPath, packageName, remotePath string) error {
	t, err := m.owner(ctx, deviceID)
	if err != nil {
		return err
	}
	return t.PushFile(ctx, deviceID, localPath, packageName, remotePath)
}
