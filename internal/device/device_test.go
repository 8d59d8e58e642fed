package device

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flippio/internal/history"
)

type call struct {
	name string
	args []string
}

type fakeRunner struct {
	calls   []call
	outputs map[string][]byte
	fail    map[string]error
}

func (f *fakeRunner) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, call{name: name, args: args})
	key := strings.Join(args, " ")
	for prefix, err := range f.fail {
		if strings.Contains(key, prefix) {
			return nil, err
		}
	}
	for prefix, out := range f.outputs {
		if strings.Contains(key, prefix) {
			return out, nil
		}
	}
	return nil, nil
}

// === ADB ===

const adbDevicesOutput = `List of devices attached
emulator-5554          device product:sdk_gphone64 model:sdk_gphone64_arm64 device:emu64a transport_id:1
R58M123ABC             device usb:1-1 product:beyond1 model:SM_G973F device:beyond1 transport_id:2
0123456789             unauthorized usb:1-2 transport_id:3

`

func TestParseADBDevices(t *testing.T) {
	devices := parseADBDevices([]byte(adbDevicesOutput))
	require.Len(t, devices, 3)

	assert.Equal(t, Device{
		ID: "emulator-5554", Name: "sdk gphone64 arm64", Type: history.DeviceAndroidEmulator,
		Model: "sdk gphone64 arm64", State: "device",
	}, devices[0])
	assert.Equal(t, history.DeviceAndroid, devices[1].Type)
	assert.Equal(t, "SM G973F", devices[1].Name)
	assert.Equal(t, "unauthorized", devices[2].State)
	assert.Equal(t, "0123456789", devices[2].Name)
}

func TestADBPullUsesRunAs(t *testing.T) {
	fr := &fakeRunner{outputs: map[string][]byte{"exec-out": []byte("db-bytes")}}
	a := NewADB("", nil)
	a.Run = fr.run

	local := filepath.Join(t.TempDir(), "work", "app.db")
	err := a.PullFile(context.Background(), "emulator-5554", "com.example", "databases/app.db", local)
	require.NoError(t, err)

	data, err := os.ReadFile(local)
	require.NoError(t, err)
	assert.Equal(t, "db-bytes", string(data))

	require.Len(t, fr.calls, 1)
	assert.Equal(t, "adb", fr.calls[0].name)
	assert.Equal(t, []string{"-s", "emulator-5554", "exec-out", "run-as", "com.example", "cat", "databases/app.db"}, fr.calls[0].args)
}

func TestADBPushStagesAndCleansUp(t *testing.T) {
	fr := &fakeRunner{}
	a := NewADB("/opt/adb", nil)
	a.Run = fr.run

	err := a.PushFile(context.Background(), "emulator-5554", "/tmp/app.db", "com.example", "databases/app.db")
	require.NoError(t, err)

	require.Len(t, fr.calls, 3)
	assert.Equal(t, "/opt/adb", fr.calls[0].name)
	assert.Equal(t, []string{"-s", "emulator-5554", "push", "/tmp/app.db", "/data/local/tmp/flippio_app.db"}, fr.calls[0].args)
	assert.Equal(t, []string{"-s", "emulator-5554", "shell", "run-as", "com.example", "cp", "/data/local/tmp/flippio_app.db", "databases/app.db"}, fr.calls[1].args)
	assert.Equal(t, []string{"-s", "emulator-5554", "shell", "rm", "-f", "/data/local/tmp/flippio_app.db"}, fr.calls[2].args)
}

func TestADBPushFailureStillCleansUp(t *testing.T) {
	fr := &fakeRunner{fail: map[string]error{"run-as": errors.New("package not debuggable")}}
	a := NewADB("", nil)
	a.Run = fr.run

	err := a.PushFile(context.Background(), "emulator-5554", "/tmp/app.db", "com.example", "databases/app.db")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not debuggable")
	assert.Len(t, fr.calls, 3)
}

func TestADBWithoutPackage(t *testing.T) {
	fr := &fakeRunner{}
	a := NewADB("", nil)
	a.Run = fr.run

	ctx := context.Background()
	require.NoError(t, a.PullFile(ctx, "dev", "", "/sdcard/app.db", "/tmp/app.db"))
	require.NoError(t, a.PushFile(ctx, "dev", "/tmp/app.db", "", "/sdcard/app.db"))
	assert.Equal(t, []string{"-s", "dev", "pull", "/sdcard/app.db", "/tmp/app.db"}, fr.calls[0].args)
	assert.Equal(t, []string{"-s", "dev", "push", "/tmp/app.db", "/sdcard/app.db"}, fr.calls[1].args)
}

// === Simulator ===

const simctlOutput = `{
  "devices": {
    "com.apple.CoreSimulator.SimRuntime.iOS-17-2": [
      {"udid": "B2", "name": "iPhone 15", "state": "Booted", "isAvailable": true},
      {"udid": "C3", "name": "iPad", "state": "Shutdown", "isAvailable": true}
    ],
    "com.apple.CoreSimulator.SimRuntime.iOS-16-4": [
      {"udid": "A1", "name": "iPhone 14", "state": "Booted", "isAvailable": true}
    ]
  }
}`

func TestParseSimctlDevices(t *testing.T) {
	devices, err := parseSimctlDevices([]byte(simctlOutput))
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, "A1", devices[0].ID)
	assert.Equal(t, "iOS-16-4", devices[0].Model)
	assert.Equal(t, history.DeviceIOSSimulator, devices[1].Type)
	assert.Equal(t, "iPhone 15", devices[1].Name)

	_, err = parseSimctlDevices([]byte("not json"))
	assert.Error(t, err)
}

func TestSimulatorCopiesThroughContainer(t *testing.T) {
	container := t.TempDir()
	remote := filepath.Join(container, "Documents", "app.sqlite")
	require.NoError(t, os.MkdirAll(filepath.Dir(remote), 0755))
	require.NoError(t, os.WriteFile(remote, []byte("v1"), 0644))

	fr := &fakeRunner{outputs: map[string][]byte{"get_app_container": []byte(container + "\n")}}
	s := NewSimulator("", nil)
	s.Run = fr.run
	ctx := context.Background()

	local := filepath.Join(t.TempDir(), "app.sqlite")
	require.NoError(t, s.PullFile(ctx, "A1", "com.example.app", "Documents/app.sqlite", local))
	assert.Equal(t, []string{"simctl", "get_app_container", "A1", "com.example.app", "data"}, fr.calls[0].args)

	require.NoError(t, os.WriteFile(local, []byte("v2"), 0644))
	require.NoError(t, s.PushFile(ctx, "A1", local, "com.example.app", "Documents/app.sqlite"))

	data, err := os.ReadFile(remote)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))
}

// === LocalDir ===

func newLocalDevice(t *testing.T) (*LocalDir, string) {
	t.Helper()
	root := t.TempDir()
	remote := filepath.Join(root, "emulator-5554", "com.example", "databases", "app.db")
	require.NoError(t, os.MkdirAll(filepath.Dir(remote), 0755))
	require.NoError(t, os.WriteFile(remote, []byte("original"), 0644))
	return NewLocalDir(root, ""), remote
}

func TestLocalDirRoundTrip(t *testing.T) {
	l, remote := newLocalDevice(t)
	ctx := context.Background()

	devices, err := l.ListDevices(ctx)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "emulator-5554", devices[0].ID)
	assert.Equal(t, history.DeviceAndroidEmulator, devices[0].Type)

	local := filepath.Join(t.TempDir(), "app.db")
	require.NoError(t, l.PullFile(ctx, "emulator-5554", "com.example", "databases/app.db", local))
	require.NoError(t, os.WriteFile(local, []byte("edited"), 0644))
	require.NoError(t, l.PushFile(ctx, "emulator-5554", local, "com.example", "databases/app.db"))

	data, err := os.ReadFile(remote)
	require.NoError(t, err)
	assert.Equal(t, "edited", string(data))
}

func TestLocalDirErrors(t *testing.T) {
	l, _ := newLocalDevice(t)
	ctx := context.Background()
	local := filepath.Join(t.TempDir(), "app.db")

	err := l.PullFile(ctx, "missing", "com.example", "databases/app.db", local)
	assert.ErrorIs(t, err, ErrDeviceNotFound)

	err = l.PullFile(ctx, "emulator-5554", "com.example", "databases/none.db", local)
	assert.Error(t, err)

	_, err = l.Resolve("emulator-5554", "..", "../../etc/passwd")
	assert.Error(t, err)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	err = l.PullFile(cancelled, "emulator-5554", "com.example", "databases/app.db", local)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLocalDirMissingRoot(t *testing.T) {
	l := NewLocalDir(filepath.Join(t.TempDir(), "absent"), history.DeviceIOSSimulator)
	devices, err := l.ListDevices(context.Background())
	require.NoError(t, err)
	assert.Empty(t, devices)
}

// === Multi ===

type failingTransport struct{ err error }

func (f failingTransport) ListDevices(context.Context) ([]Device, error) { return nil, f.err }
func (f failingTransport) PullFile(context.Context, string, string, string, string) error {
	return f.err
}
func (f failingTransport) PushFile(context.Context, string, string, string, string) error {
	return f.err
}

func TestMultiRoutesToOwner(t *testing.T) {
	android, _ := newLocalDevice(t)

	iosRoot := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(iosRoot, "SIM-1", "com.example.ios"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(iosRoot, "SIM-1", "com.example.ios", "app.sqlite"), []byte("ios"), 0644))
	ios := NewLocalDir(iosRoot, history.DeviceIOSSimulator)

	m := NewMulti(nil, android, failingTransport{err: ErrToolNotFound}, ios, nil)
	ctx := context.Background()

	devices, err := m.ListDevices(ctx)
	require.NoError(t, err)
	assert.Len(t, devices, 2)

	local := filepath.Join(t.TempDir(), "app.sqlite")
	require.NoError(t, m.PullFile(ctx, "SIM-1", "com.example.ios", "app.sqlite", local))
	data, err := os.ReadFile(local)
	require.NoError(t, err)
	assert.Equal(t, "ios", string(data))

	err = m.PushFile(ctx, "unknown", local, "com.example.ios", "app.sqlite")
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestMultiAllTransportsFail(t *testing.T) {
	boom := errors.New("boom")
	m := NewMulti(nil, failingTransport{err: boom})
	_, err := m.ListDevices(context.Background())
	assert.ErrorIs(t, err, boom)
}
