package arlo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"

	"github.com/trymwestin/arlo/internal/core/state"
)

// DeviceFilter narrows a device listing client-side.
type DeviceFilter struct {
	// Types keeps only devices whose type is in the set. Empty keeps all.
	Types []state.DeviceType
	// Provisioned keeps only provisioned (true) or unprovisioned (false)
	// devices. Nil keeps all.
	Provisioned *bool
}

// FetchDevices retrieves the account's devices, applies the filter, and
// refreshes the registry with the unfiltered listing.
func (c *Client) FetchDevices(ctx context.Context, filter *DeviceFilter) ([]state.Device, error) {
	data, err := c.doJSON(ctx, http.MethodGet, "/hmsweb/users/devices", nil)
	if err != nil {
		return nil, err
	}

	var devices []state.Device
	if err := json.Unmarshal(data, &devices); err != nil {
		return nil, fmt.Errorf("arlo: parse devices: %w", err)
	}

	c.reg.SetAll(devices)

	if filter == nil {
		return devices, nil
	}

	out := devices[:0:0]
	for _, d := range devices {
		if len(filter.Types) > 0 && !slices.Contains(filter.Types, d.DeviceType) {
			continue
		}
		if filter.Provisioned != nil && d.Provisioned() != *filter.Provisioned {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// Rename changes a device's display name. The cached name is updated only
// after the server confirms the change.
func (c *Client) Rename(ctx context.Context, device state.Device, name string) error {
	body := map[string]string{
		"deviceId":   device.DeviceID,
		"deviceName": name,
		"parentId":   device.ParentID,
	}
	if _, err := c.doJSON(ctx, http.MethodPut, "/hmsweb/users/devices/renameDevice", body); err != nil {
		return fmt.Errorf("arlo: rename %s: %w", device.DeviceID, err)
	}

	c.reg.Rename(device.DeviceID, name)
	return nil
}

// RestartBasestation reboots a basestation.
func (c *Client) RestartBasestation(ctx context.Context, bs state.Device) error {
	if bs.DeviceType != state.DeviceBasestation {
		return fmt.Errorf("arlo: restart: %s is not a basestation", bs.DeviceID)
	}
	body := map[string]string{"deviceId": bs.DeviceID}
	if _, err := c.doJSON(ctx, http.MethodPost, "/hmsweb/users/devices/restart", body); err != nil {
		return fmt.Errorf("arlo: restart %s: %w", bs.DeviceID, err)
	}
	return nil
}

// Profile is the account holder's profile record.
type Profile struct {
	FirstName  string `json:"firstName"`
	LastName   string `json:"lastName"`
	Language   string `json:"language"`
	Country    string `json:"country"`
	ValidEmail bool   `json:"validEmail"`
}

// GetProfile fetches the account holder's profile.
func (c *Client) GetProfile(ctx context.Context) (Profile, error) {
	data, err := c.doJSON(ctx, http.MethodGet, "/hmsweb/users/profile", nil)
	if err != nil {
		return Profile{}, err
	}
	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return Profile{}, fmt.Errorf("arlo: parse profile: %w", err)
	}
	return p, nil
}

// Account is the account metadata record.
type Account struct {
	UserID        string `json:"userId"`
	Email         string `json:"email"`
	CountryCode   string `json:"countryCode"`
	AccountStatus string `json:"accountStatus"`
	SerialNumber  string `json:"serialNumber"`
}

// GetAccount fetches account metadata.
func (c *Client) GetAccount(ctx context.Context) (Account, error) {
	data, err := c.doJSON(ctx, http.MethodGet, "/hmsweb/users/account", nil)
	if err != nil {
		return Account{}, err
	}
	var a Account
	if err := json.Unmarshal(data, &a); err != nil {
		return Account{}, fmt.Errorf("arlo: parse account: %w", err)
	}
	return a, nil
}

// GetServiceSession fetches the server-side view of the current session.
func (c *Client) GetServiceSession(ctx context.Context) (json.RawMessage, error) {
	return c.doJSON(ctx, http.MethodGet, "/hmsweb/users/session/v2", nil)
}
