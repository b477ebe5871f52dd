// go-nearnet - Nearby device connectivity network
// Copyright (c) 2026 The go-nearnet Authors. All rights reserved.

package nearnet

import (
	"crypto/rsa"
	"encoding/json"
	"fmt"

	"github.com/nearnet/go-nearnet/store"
)

// dbDevicesNamespace holds one record per paired remote device, keyed by the
// device id. A device is paired if and only if its record exists.
const dbDevicesNamespace = "devices"

// pluginConfigNamespace returns the store namespace holding the per-device
// plugin enablement overrides.
func pluginConfigNamespace(deviceID string) string {
	return "plugins/" + deviceID
}

// trustRecord is the persisted form of one paired remote device. It is
// written as a single blob so readers can never observe a half-written
// name/key combination.
type trustRecord struct {
	Name      string `json:"name"`
	PublicKey string `json:"publicKey"` // base64 DER encoding
}

// saveTrusted persists (or refreshes) the trust record of a remote device.
func (b *Backend) saveTrusted(id, name string, key *rsa.PublicKey) error {
	blob, err := json.Marshal(&trustRecord{
		Name:      name,
		PublicKey: encodePublicKey(key),
	})
	if err != nil {
		return err
	}
	return b.database.Write(dbDevicesNamespace, id, blob)
}

// trusted retrieves the trust record of a single remote device.
func (b *Backend) trusted(id string) (*trustRecord, error) {
	blob, err := b.database.Read(dbDevicesNamespace, id)
	if err != nil {
		return nil, err
	}
	record := new(trustRecord)
	if err := json.Unmarshal(blob, record); err != nil {
		return nil, fmt.Errorf("decode trust record %q: %w", id, err)
	}
	return record, nil
}

// trustedDevices retrieves every persisted trust record.
func (b *Backend) trustedDevices() (map[string]*trustRecord, error) {
	ids, err := b.database.List(dbDevicesNamespace)
	if err != nil {
		return nil, err
	}
	records := make(map[string]*trustRecord, len(ids))
	for _, id := range ids {
		record, err := b.trusted(id)
		if err != nil {
			// A corrupt record must not keep the daemon from starting, the
			// device simply degrades to untrusted
			b.logger.Error("Dropping corrupt trust record", "device", id, "err", err)
			if err := b.database.Delete(dbDevicesNamespace, id); err != nil {
				return nil, err
			}
			continue
		}
		records[id] = record
	}
	return records, nil
}

// dropTrusted deletes the trust record of a remote device. The per-device
// plugin configuration is deliberately kept, re-pairing later should find the
// user's choices intact.
func (b *Backend) dropTrusted(id string) error {
	return b.database.Delete(dbDevicesNamespace, id)
}

// pluginEnabled resolves the effective enablement of one plugin for one
// device: the explicit config record if present, the declared default
// otherwise.
func (b *Backend) pluginEnabled(deviceID, plugin string, fallback bool) bool {
	blob, err := b.database.Read(pluginConfigNamespace(deviceID), plugin+"Enabled")
	if err == store.ErrNotFound {
		return fallback
	}
	if err != nil {
		b.logger.Error("Failed to read plugin config", "device", deviceID, "plugin", plugin, "err", err)
		return fallback
	}
	return string(blob) == "true"
}

// SetPluginEnabled overrides the enablement of one plugin for one device and
// rebinds the device's plugin set.
func (b *Backend) SetPluginEnabled(deviceID, plugin string, enabled bool) error {
	value := "false"
	if enabled {
		value = "true"
	}
	if err := b.database.Write(pluginConfigNamespace(deviceID), plugin+"Enabled", []byte(value)); err != nil {
		return err
	}
	if dev := b.Device(deviceID); dev != nil {
		dev.reloadPlugins()
	}
	return nil
}
