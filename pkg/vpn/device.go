package vpn

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/cuemby/burrow/pkg/types"
)

// DeviceConfigPath is where mullvad-daemon keeps its registered device
const DeviceConfigPath = "/etc/mullvad-vpn/device.json"

// Keys dated this far ahead are never considered due for rotation by the
// daemon; rotation breaks custom relay settings.
const keyValidity = 365 * 24 * time.Hour

// DeviceConfig is the daemon's persisted device document
type DeviceConfig struct {
	LoggedIn LoggedIn `json:"logged_in"`
}

type LoggedIn struct {
	AccountToken string `json:"account_token"`
	Device       Device `json:"device"`
}

type Device struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	WGData    WGData `json:"wg_data"`
	HijackDNS bool   `json:"hijack_dns"`
	Created   string `json:"created"`
}

type WGData struct {
	PrivateKey string    `json:"private_key"`
	Addresses  Addresses `json:"addresses"`
	Created    string    `json:"created"`
}

type Addresses struct {
	IPv4 string `json:"ipv4_address"`
	IPv6 string `json:"ipv6_address"`
}

// NewDeviceConfig binds account to a device document whose creation
// timestamps sit one year after now.
func NewDeviceConfig(account types.VPNAccount, now time.Time) DeviceConfig {
	created := now.UTC().Add(keyValidity).Format("2006-01-02T15:04:05Z")

	return DeviceConfig{
		LoggedIn: LoggedIn{
			AccountToken: account.AccountToken,
			Device: Device{
				ID:   account.DeviceID,
				Name: account.DeviceName,
				WGData: WGData{
					PrivateKey: account.DevicePrivateKey,
					Addresses: Addresses{
						IPv4: account.DeviceIPv4,
						IPv6: account.DeviceIPv6,
					},
					Created: created,
				},
				HijackDNS: false,
				Created:   created,
			},
		},
	}
}

// InstallCredentials replaces the daemon's device config with one bound to
// account. The document is written to a temp file first and then moved into
// place with a privileged mv, so the daemon never reads a partial file.
func (c *Controller) InstallCredentials(ctx context.Context, account types.VPNAccount) error {
	data, err := json.MarshalIndent(NewDeviceConfig(account, c.now()), "", "    ")
	if err != nil {
		return fmt.Errorf("failed to encode device config: %w", err)
	}

	tmp, err := os.CreateTemp(c.tempDir, "device-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp device config: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp device config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp device config: %w", err)
	}

	if _, err := c.runner.Run(ctx, "sudo", "mv", tmpPath, c.configPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to install device config: %w", err)
	}

	c.logger.Info().
		Str("path", c.configPath).
		Str("device", account.DeviceName).
		Msg("Installed VPN device config")
	return nil
}
