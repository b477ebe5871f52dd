// go-nearnet - Nearby device connectivity network
// Copyright (c) 2026 The go-nearnet Authors. All rights reserved.

// Package rest implements the RESTful control surface for the daemon. UI
// clients (tray applets, mobile settings screens) drive pairing and plugins
// through it instead of linking the core directly.
package rest

import (
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/log"
	nearnet "github.com/nearnet/go-nearnet"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// New creates a REST API interface in front of a nearnet backend.
func New(backend *nearnet.Backend) http.Handler {
	return &api{
		backend: backend,
		metrics: promhttp.Handler(),
	}
}

// api is a REST wrapper on top of the nearnet backend that translates the Go
// APIs into HTTP resources.
type api struct {
	backend *nearnet.Backend
	metrics http.Handler
}

// ServeHTTP implements http.Handler, serving API calls from UI clients.
func (api *api) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := log.New("client", r.RemoteAddr)

	switch {
	case strings.HasPrefix(r.URL.Path, "/devices"):
		api.serveDevices(w, r, logger)
	case r.URL.Path == "/metrics":
		api.metrics.ServeHTTP(w, r)
	default:
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	}
}
