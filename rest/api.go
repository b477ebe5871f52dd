// go-nearnet - Nearby device connectivity network
// Copyright (c) 2026 The go-nearnet Authors. All rights reserved.

package rest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// API is a tiny Go client for the nearnet REST API. The purpose is to allow
// writing integration tests and scenarios in Go.
type API struct {
	endpoint string
}

// NewAPI creates a simplistic REST client around a nearnet endpoint.
func NewAPI(endpoint string) *API {
	return &API{
		endpoint: endpoint,
	}
}

// Devices lists every device the daemon knows about.
func (api *API) Devices() ([]*DeviceInfo, error) {
	var devices []*DeviceInfo
	if err := api.run("GET", "/devices", nil, &devices); err != nil {
		return nil, err
	}
	return devices, nil
}

// Device retrieves one device.
func (api *API) Device(id string) (*DeviceInfo, error) {
	info := new(DeviceInfo)
	if err := api.run("GET", "/devices/"+id, nil, info); err != nil {
		return nil, err
	}
	return info, nil
}

// RequestPair initiates pairing with a device.
func (api *API) RequestPair(id string) error {
	return api.run("POST", "/devices/"+id+"/pair", nil, nil)
}

// Unpair revokes the trust of a device.
func (api *API) Unpair(id string) error {
	return api.run("DELETE", "/devices/"+id+"/pair", nil, nil)
}

// AcceptPairing accepts a remote pairing request.
func (api *API) AcceptPairing(id string) error {
	return api.run("POST", "/devices/"+id+"/pair/accept", nil, nil)
}

// RejectPairing rejects a remote pairing request.
func (api *API) RejectPairing(id string) error {
	return api.run("POST", "/devices/"+id+"/pair/reject", nil, nil)
}

// Ping pokes a device.
func (api *API) Ping(id string) error {
	return api.run("POST", "/devices/"+id+"/ping", nil, nil)
}

// SetPluginEnabled overrides one plugin's enablement for one device.
func (api *API) SetPluginEnabled(id, plugin string, enabled bool) error {
	return api.run("PUT", "/devices/"+id+"/plugins/"+plugin, enabled, nil)
}

// run creates an API request of the given type and sends over a JSON encoded
// request, potentially expecting a reply, and converting any failures into a
// Go error.
func (api *API) run(method string, path string, request interface{}, result interface{}) error {
	// If a request body was specified, serialize it
	var body []byte
	if request != nil {
		blob, err := json.Marshal(request)
		if err != nil {
			return err
		}
		body = blob
	}
	// Run the request and ensure it succeeds
	req, err := http.NewRequest(method, api.endpoint+path, bytes.NewBuffer(body))
	if err != nil {
		return err
	}
	req.Header.Add("Content-Type", "application/json")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	body, err = io.ReadAll(res.Body)
	if err != nil {
		return err
	}
	if res.StatusCode != 200 {
		return fmt.Errorf("request failed: %d: %s", res.StatusCode, string(body))
	}
	// Request seems to have succeeded, parse any expected reply
	if result != nil {
		return json.Unmarshal(body, result)
	}
	return nil
}
