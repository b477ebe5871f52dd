// go-nearnet - Nearby device connectivity network
// Copyright (c) 2026 The go-nearnet Authors. All rights reserved.

package nearnet

import (
	"fmt"

	"github.com/gen2brain/beeep"
)

// Hooks receives the state change signals of every device. The backend calls
// these with no device lock held, so a hook is free to call straight back
// into the device (accepting a pairing from a notification action).
type Hooks interface {
	// ReachabilityChanged fires when a device gains its first link or loses
	// its last one.
	ReachabilityChanged(dev *Device, reachable bool)

	// PairingRequested fires when an unpaired device asks to pair. The user
	// must answer via AcceptPairing or RejectPairing.
	PairingRequested(dev *Device)

	// PairingSucceeded fires when a locally requested pairing completes.
	PairingSucceeded(dev *Device)

	// PairingFailed fires when a pairing attempt ends without trust, carrying
	// a stable reason.
	PairingFailed(dev *Device, reason error)

	// PluginsChanged fires whenever the set of bound plugins changes.
	PluginsChanged(dev *Device, loaded []string)
}

// NopHooks discards every signal. It backs test setups and embedders that
// poll state instead of listening.
type NopHooks struct{}

func (NopHooks) ReachabilityChanged(dev *Device, reachable bool) {}
func (NopHooks) PairingRequested(dev *Device)                    {}
func (NopHooks) PairingSucceeded(dev *Device)                    {}
func (NopHooks) PairingFailed(dev *Device, reason error)         {}
func (NopHooks) PluginsChanged(dev *Device, loaded []string)     {}

// Notifier surfaces pairing events as desktop notifications. Notifications
// cannot carry accept/reject actions portably, so the answer flows back in
// through the control surface.
type Notifier struct{}

// ReachabilityChanged only leaves a log trace, going in and out of range is
// too noisy to notify about.
func (Notifier) ReachabilityChanged(dev *Device, reachable bool) {
	dev.logger.Info("Reachability changed", "reachable", reachable)
}

// PairingRequested tells the user a remote device wants to pair.
func (Notifier) PairingRequested(dev *Device) {
	notify(dev, fmt.Sprintf("Pairing request from %s", dev.Name()))
}

// PairingSucceeded tells the user the requested pairing went through.
func (Notifier) PairingSucceeded(dev *Device) {
	notify(dev, fmt.Sprintf("Paired with %s", dev.Name()))
}

// PairingFailed tells the user why the pairing attempt died.
func (Notifier) PairingFailed(dev *Device, reason error) {
	notify(dev, fmt.Sprintf("Pairing with %s failed: %s", dev.Name(), reason))
}

// PluginsChanged only leaves a log trace.
func (Notifier) PluginsChanged(dev *Device, loaded []string) {
	dev.logger.Debug("Plugins changed", "loaded", loaded)
}

// notify pushes one desktop notification, degrading to a log line when no
// notification daemon is around.
func notify(dev *Device, message string) {
	dev.logger.Info("Notifying user", "message", message)
	if err := beeep.Notify("Nearnet", message, ""); err != nil {
		dev.logger.Debug("Desktop notification failed", "err", err)
	}
}
