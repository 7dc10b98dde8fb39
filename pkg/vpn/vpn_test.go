package vpn

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/burrow/pkg/runner/runnertest"
	"github.com/cuemby/burrow/pkg/types"
)

// daemon models mullvad-daemon and its tunnel for the fake runner
type daemon struct {
	mu sync.Mutex

	service bool
	tunnel  bool

	failConnect  bool // mullvad connect succeeds but never connects
	failMove     bool
	strictStop   bool // stopping a stopped entity exits non-zero
	failSettings string

	installed string
}

func (d *daemon) handle(cmd string) runnertest.Result {
	d.mu.Lock()
	defer d.mu.Unlock()

	fields := strings.Fields(cmd)
	switch {
	case cmd == "sudo systemctl is-active mullvad-daemon":
		if d.service {
			return runnertest.Result{Stdout: "active\n"}
		}
		return runnertest.Result{Stdout: "inactive\n", Fail: true}
	case cmd == "sudo systemctl start mullvad-daemon":
		d.service = true
	case cmd == "sudo systemctl stop mullvad-daemon":
		if !d.service && d.strictStop {
			return runnertest.Result{Stderr: "not loaded", Fail: true}
		}
		d.service = false
		d.tunnel = false
	case cmd == "mullvad status":
		if !d.service {
			return runnertest.Result{Stderr: "daemon not running", Fail: true}
		}
		if d.tunnel {
			return runnertest.Result{Stdout: "Connected to se-got-wg-001\n"}
		}
		return runnertest.Result{Stdout: "Disconnected\n"}
	case cmd == "mullvad connect":
		if !d.service {
			return runnertest.Result{Fail: true}
		}
		d.tunnel = !d.failConnect
	case cmd == "mullvad disconnect":
		if !d.service || (!d.tunnel && d.strictStop) {
			return runnertest.Result{Fail: true}
		}
		d.tunnel = false
	case len(fields) == 4 && fields[0] == "sudo" && fields[1] == "mv":
		if d.failMove {
			return runnertest.Result{Stderr: "permission denied", Fail: true}
		}
		data, err := os.ReadFile(fields[2])
		if err != nil {
			return runnertest.Result{Fail: true}
		}
		d.installed = string(data)
		os.Remove(fields[2])
	case d.failSettings != "" && strings.Contains(cmd, d.failSettings):
		return runnertest.Result{Fail: true}
	}
	return runnertest.Result{}
}

type sleeps struct {
	mu  sync.Mutex
	all []time.Duration
}

func (s *sleeps) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.all = append(s.all, d)
	return nil
}

func newTestController(t *testing.T, d *daemon) (*Controller, *runnertest.Runner, *sleeps) {
	t.Helper()
	r := runnertest.New(d.handle)
	s := &sleeps{}
	c := NewController(Config{
		Runner:  r,
		Sleep:   s.sleep,
		TempDir: t.TempDir(),
		Now:     func() time.Time { return time.Date(2026, 10, 14, 8, 30, 0, 0, time.UTC) },
	})
	return c, r, s
}

var testAccount = types.VPNAccount{
	AccountToken:     "9321816363818742",
	DeviceID:         "a3eedd02-09c1-4f5b-9090-9f3d27ea66bb",
	DeviceName:       "gifted krill",
	DevicePrivateKey: "MCWA6YO5PBE/MEsyRqs6Teej1GKqhGJFnH3xCCvjC2c=",
	DeviceIPv4:       "10.64.10.49/32",
	DeviceIPv6:       "fc00:bbbb:bbbb:bb01::a40:a31/128",
}

func TestSetupFromRunningService(t *testing.T) {
	d := &daemon{service: true, tunnel: true}
	c, r, s := newTestController(t, d)

	require.True(t, c.Setup(context.Background(), testAccount))

	calls := r.Calls()
	require.GreaterOrEqual(t, len(calls), 9)
	assert.Equal(t, []string{
		"sudo systemctl is-active mullvad-daemon",
		"mullvad disconnect",
		"sudo systemctl stop mullvad-daemon",
	}, calls[:3])
	assert.True(t, strings.HasPrefix(calls[3], "sudo mv "))
	assert.True(t, strings.HasSuffix(calls[3], " /etc/mullvad-vpn/device.json"))
	assert.Equal(t, []string{
		"sudo systemctl start mullvad-daemon",
		"mullvad lan set allow",
		"mullvad tunnel set wireguard --daita on",
		"mullvad relay set tunnel wireguard -p 51820",
		"mullvad connect",
		"mullvad status",
	}, calls[4:])

	// Four toggles, each followed by the settle interval
	assert.Equal(t, []time.Duration{DefaultSettle, DefaultSettle, DefaultSettle, DefaultSettle}, s.all)
	assert.Contains(t, d.installed, `"account_token": "9321816363818742"`)
}

func TestSetupFromStoppedService(t *testing.T) {
	d := &daemon{}
	c, r, _ := newTestController(t, d)

	require.True(t, c.Setup(context.Background(), testAccount))
	assert.Zero(t, r.Count("mullvad disconnect"))
	assert.Zero(t, r.Count("systemctl stop"))
}

func TestSetupFailures(t *testing.T) {
	tests := []struct {
		name   string
		daemon *daemon
	}{
		{"config move fails", &daemon{service: true, failMove: true}},
		{"tunnel never connects", &daemon{failConnect: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _, _ := newTestController(t, tt.daemon)
			assert.False(t, c.Setup(context.Background(), testAccount))
		})
	}
}

func TestSetupMoveFailureLeavesNoTempFile(t *testing.T) {
	d := &daemon{failMove: true}
	c, r, _ := newTestController(t, d)

	assert.False(t, c.Setup(context.Background(), testAccount))
	assert.Zero(t, r.Count("systemctl start"), "service is not started without credentials")

	entries, err := os.ReadDir(c.tempDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSetupSettingsFailureStillVerifies(t *testing.T) {
	d := &daemon{failSettings: "lan set"}
	c, r, _ := newTestController(t, d)

	assert.True(t, c.Setup(context.Background(), testAccount))
	assert.Zero(t, r.Count("--daita"), "settings stop at the first failure")
}

func TestIdempotentToggles(t *testing.T) {
	d := &daemon{strictStop: true}
	c, _, _ := newTestController(t, d)
	ctx := context.Background()

	// Stopping a stopped service reports an error but changes nothing
	assert.Error(t, c.ToggleService(ctx, types.ToggleOff))
	assert.False(t, c.IsServiceRunning(ctx))

	require.True(t, c.Restart(ctx))
	assert.True(t, c.IsTunnelRunning(ctx))

	// Connecting an already connected tunnel is harmless
	assert.NoError(t, c.ToggleTunnel(ctx, types.ToggleOn))
	assert.True(t, c.Restart(ctx))
	assert.True(t, c.Setup(ctx, testAccount))
}

func TestRestartSequence(t *testing.T) {
	d := &daemon{service: true, tunnel: true}
	c, r, _ := newTestController(t, d)

	require.True(t, c.Restart(context.Background()))
	assert.Equal(t, []string{
		"mullvad disconnect",
		"sudo systemctl stop mullvad-daemon",
		"sudo systemctl start mullvad-daemon",
		"mullvad connect",
		"mullvad status",
	}, r.Calls())
}

func TestRestartVerificationFails(t *testing.T) {
	d := &daemon{service: true, tunnel: true, failConnect: true}
	c, _, _ := newTestController(t, d)
	assert.False(t, c.Restart(context.Background()))
}

func TestStatusChecks(t *testing.T) {
	d := &daemon{}
	c, _, _ := newTestController(t, d)
	ctx := context.Background()

	assert.False(t, c.IsServiceRunning(ctx), "inactive exits non-zero")
	assert.False(t, c.IsTunnelRunning(ctx))

	d.service = true
	assert.True(t, c.IsServiceRunning(ctx))
	assert.False(t, c.IsTunnelRunning(ctx), "Disconnected is not connected")

	d.tunnel = true
	assert.True(t, c.IsTunnelRunning(ctx))
}

func TestNewDeviceConfig(t *testing.T) {
	now := time.Date(2026, 10, 14, 8, 30, 0, 0, time.FixedZone("CEST", 2*3600))
	doc := NewDeviceConfig(testAccount, now)

	data, err := json.Marshal(doc)
	require.NoError(t, err)

	var raw map[string]map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))

	loggedIn := raw["logged_in"]
	assert.Equal(t, "9321816363818742", loggedIn["account_token"])

	device := loggedIn["device"].(map[string]interface{})
	assert.Equal(t, testAccount.DeviceID, device["id"])
	assert.Equal(t, "gifted krill", device["name"])
	assert.Equal(t, false, device["hijack_dns"])
	assert.Equal(t, "2027-10-14T06:30:00Z", device["created"])

	wg := device["wg_data"].(map[string]interface{})
	assert.Equal(t, testAccount.DevicePrivateKey, wg["private_key"])
	assert.Equal(t, "2027-10-14T06:30:00Z", wg["created"])

	addrs := wg["addresses"].(map[string]interface{})
	assert.Equal(t, "10.64.10.49/32", addrs["ipv4_address"])
	assert.Equal(t, "fc00:bbbb:bbbb:bb01::a40:a31/128", addrs["ipv6_address"])
}

func TestInstallCredentialsCustomPath(t *testing.T) {
	d := &daemon{}
	r := runnertest.New(d.handle)
	dir := t.TempDir()
	c := NewController(Config{
		Runner:           r,
		DeviceConfigPath: filepath.Join(dir, "device.json"),
		TempDir:          dir,
		Settle:           -1,
	})

	require.NoError(t, c.InstallCredentials(context.Background(), testAccount))
	assert.Equal(t, 1, r.Count("sudo mv "))
	assert.Equal(t, 1, r.Count(filepath.Join(dir, "device.json")))
	assert.True(t, strings.HasPrefix(d.installed, "{\n    \"logged_in\""), "indented with four spaces")
}
