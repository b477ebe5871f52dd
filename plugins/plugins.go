// go-nearnet - Nearby device connectivity network
// Copyright (c) 2026 The go-nearnet Authors. All rights reserved.

// Package plugins defines the feature plugin contract and the registry the
// daemon instantiates plugins from. Concrete plugins register themselves
// from an init function, the way database drivers do, so importing a plugin
// package is all it takes to ship it.
package plugins

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"github.com/nearnet/go-nearnet/wire"
)

// Plugin is one feature handler bound to a single paired, reachable device.
// Instances live exactly as long as their device is both; the device may
// destroy a plugin at any point outside a Receive call.
type Plugin interface {
	// Receive offers an incoming envelope to the plugin, reporting whether it
	// consumed it.
	Receive(env *wire.Envelope) bool

	// Connected is invoked on every fresh link-up of the owning device,
	// including reload-driven reconnections. Plugins resend whatever state
	// must follow a new transport here.
	Connected()

	// Close releases any resources the plugin holds. The owning device may
	// already be gone when this runs.
	Close()
}

// Host is the slice of a device a plugin is allowed to see.
type Host interface {
	// DeviceID returns the stable id of the owning device.
	DeviceID() string

	// DeviceName returns the current human-readable name of the owning device.
	DeviceName() string

	// Send routes an envelope to the owning device, sealed and link-selected
	// by the core.
	Send(env *wire.Envelope) bool

	// Logger returns the contextual logger of the owning device.
	Logger() log.Logger
}

// Info describes one registered plugin.
type Info struct {
	Name             string            // Unique plugin name, also the config key prefix
	EnabledByDefault bool              // Whether the plugin loads without explicit config
	Description      string            // One-line description for the control surface
	New              func(Host) Plugin // Constructor binding an instance to a device
}

var (
	registry = make(map[string]Info)
	lock     sync.RWMutex
)

// Register adds a plugin to the registry. It is meant to be called from the
// plugin package's init function and panics on duplicate names, the same way
// a double driver registration would.
func Register(info Info) {
	lock.Lock()
	defer lock.Unlock()

	if info.Name == "" || info.New == nil {
		panic("plugins: incomplete registration")
	}
	if _, ok := registry[info.Name]; ok {
		panic(fmt.Sprintf("plugins: %q registered twice", info.Name))
	}
	registry[info.Name] = info
}

// List returns the sorted names of every registered plugin.
func List() []string {
	lock.RLock()
	defer lock.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup retrieves the registration of a single plugin.
func Lookup(name string) (Info, bool) {
	lock.RLock()
	defer lock.RUnlock()

	info, ok := registry[name]
	return info, ok
}

// Instantiate constructs a fresh instance of a registered plugin bound to the
// given host device.
func Instantiate(name string, host Host) (Plugin, error) {
	info, ok := Lookup(name)
	if !ok {
		return nil, fmt.Errorf("unknown plugin %q", name)
	}
	return info.New(host), nil
}
