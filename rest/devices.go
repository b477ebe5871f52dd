// go-nearnet - Nearby device connectivity network
// Copyright (c) 2026 The go-nearnet Authors. All rights reserved.

package rest

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/log"
	nearnet "github.com/nearnet/go-nearnet"
)

// DeviceInfo is the wire representation of one remote device.
type DeviceInfo struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Paired    bool     `json:"paired"`
	Status    string   `json:"status"`
	Reachable bool     `json:"reachable"`
	Links     []string `json:"links"`
	Plugins   []string `json:"plugins"`
}

// makeDeviceInfo snapshots a device for the wire.
func makeDeviceInfo(dev *nearnet.Device) *DeviceInfo {
	return &DeviceInfo{
		ID:        dev.ID(),
		Name:      dev.Name(),
		Paired:    dev.IsPaired(),
		Status:    dev.PairStatus().String(),
		Reachable: dev.IsReachable(),
		Links:     dev.AvailableLinks(),
		Plugins:   dev.LoadedPlugins(),
	}
}

// serveDevices routes the /devices subtree:
//
//	GET    /devices                         device listing
//	GET    /devices/{id}                    single device
//	POST   /devices/{id}/pair               request pairing
//	DELETE /devices/{id}/pair               unpair
//	POST   /devices/{id}/pair/accept        accept a remote request
//	POST   /devices/{id}/pair/reject        reject a remote request
//	POST   /devices/{id}/ping               poke the device
//	PUT    /devices/{id}/plugins/{plugin}   enable/disable one plugin
func (api *api) serveDevices(w http.ResponseWriter, r *http.Request, logger log.Logger) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")

	// Bare /devices is the listing
	if len(parts) == 1 {
		if r.Method != "GET" {
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}
		devices := api.backend.Devices()
		infos := make([]*DeviceInfo, 0, len(devices))
		for _, dev := range devices {
			infos = append(infos, makeDeviceInfo(dev))
		}
		reply(w, infos)
		return
	}
	// Everything deeper addresses one device
	dev := api.backend.Device(parts[1])
	if dev == nil {
		http.Error(w, "Unknown device", http.StatusNotFound)
		return
	}
	logger = logger.New("device", dev.ID())

	switch strings.Join(parts[2:], "/") {
	case "":
		if r.Method != "GET" {
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}
		reply(w, makeDeviceInfo(dev))

	case "pair":
		api.servePairing(w, r, dev, logger)

	case "pair/accept":
		if r.Method != "POST" {
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}
		logger.Debug("Requesting pairing acceptance")
		switch err := dev.AcceptPairing(); err {
		case nearnet.ErrNoPairRequest:
			logger.Warn("No pairing request to accept")
			http.Error(w, "No pairing request pending", http.StatusForbidden)
		case nearnet.ErrContactFailed:
			logger.Warn("Pairing acceptance undeliverable")
			http.Error(w, "Device did not take the answer", http.StatusBadGateway)
		case nil:
			reply(w, makeDeviceInfo(dev))
		default:
			logger.Error("Pairing acceptance failed", "err", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}

	case "pair/reject":
		if r.Method != "POST" {
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}
		logger.Debug("Requesting pairing rejection")
		switch err := dev.RejectPairing(); err {
		case nearnet.ErrNoPairRequest:
			logger.Warn("No pairing request to reject")
			http.Error(w, "No pairing request pending", http.StatusForbidden)
		case nil:
			reply(w, makeDeviceInfo(dev))
		default:
			logger.Error("Pairing rejection failed", "err", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}

	case "ping":
		if r.Method != "POST" {
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}
		logger.Debug("Requesting device ping")
		if !dev.SendPing() {
			http.Error(w, "Device not reachable", http.StatusForbidden)
			return
		}
		reply(w, true)

	default:
		if len(parts) == 4 && parts[2] == "plugins" {
			api.servePluginConfig(w, r, dev, parts[3], logger)
			return
		}
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	}
}

// servePairing serves API calls concerning one device's pairing state.
func (api *api) servePairing(w http.ResponseWriter, r *http.Request, dev *nearnet.Device, logger log.Logger) {
	switch r.Method {
	case "POST":
		// Initiates pairing with the remote device
		logger.Debug("Requesting device pairing")
		switch err := dev.RequestPair(); err {
		case nearnet.ErrAlreadyPaired:
			logger.Warn("Device already paired")
			http.Error(w, "Device already paired", http.StatusForbidden)
		case nearnet.ErrPairRequested:
			logger.Warn("Pairing already requested")
			http.Error(w, "Pairing already requested", http.StatusForbidden)
		case nearnet.ErrNotReachable:
			logger.Warn("Cannot pair unreachable device")
			http.Error(w, "Device not reachable", http.StatusForbidden)
		case nearnet.ErrContactFailed:
			logger.Warn("Pairing request undeliverable")
			http.Error(w, "Device did not take the request", http.StatusBadGateway)
		case nil:
			reply(w, makeDeviceInfo(dev))
		default:
			logger.Error("Pairing request failed", "err", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}

	case "DELETE":
		// Revokes the established trust
		logger.Debug("Requesting device unpairing")
		switch err := dev.Unpair(); err {
		case nearnet.ErrNotPaired:
			logger.Warn("Device not paired")
			http.Error(w, "Device not paired", http.StatusForbidden)
		case nil:
			reply(w, makeDeviceInfo(dev))
		default:
			logger.Error("Unpairing failed", "err", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}

	default:
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	}
}

// servePluginConfig serves the per-device plugin enablement overrides.
func (api *api) servePluginConfig(w http.ResponseWriter, r *http.Request, dev *nearnet.Device, plugin string, logger log.Logger) {
	if r.Method != "PUT" {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	var enabled bool
	if err := json.NewDecoder(r.Body).Decode(&enabled); err != nil {
		http.Error(w, "Request body must be a JSON boolean", http.StatusBadRequest)
		return
	}
	logger.Debug("Updating plugin config", "plugin", plugin, "enabled", enabled)
	if err := api.backend.SetPluginEnabled(dev.ID(), plugin, enabled); err != nil {
		logger.Error("Plugin config update failed", "plugin", plugin, "err", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	reply(w, makeDeviceInfo(dev))
}

// reply encodes a successful JSON response.
func reply(w http.ResponseWriter, payload interface{}) {
	w.Header().Add("Content-Type", "application/json")
	json.NewEncoder(w).Encode(payload)
}
