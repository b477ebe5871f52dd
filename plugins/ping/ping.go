// go-nearnet - Nearby device connectivity network
// Copyright (c) 2026 The go-nearnet Authors. All rights reserved.

// Package ping implements the ping plugin, the smallest useful feature: a
// remote device pokes us, we surface a desktop notification.
package ping

import (
	"fmt"

	"github.com/gen2brain/beeep"
	"github.com/nearnet/go-nearnet/plugins"
	"github.com/nearnet/go-nearnet/wire"
)

func init() {
	plugins.Register(plugins.Info{
		Name:             "ping",
		EnabledByDefault: true,
		Description:      "Show a notification when the remote device pings",
		New:              New,
	})
}

// Plugin answers ping envelopes with a desktop notification.
type Plugin struct {
	host plugins.Host
}

// New binds a ping plugin instance to a device.
func New(host plugins.Host) plugins.Plugin {
	return &Plugin{host: host}
}

// Receive consumes ping envelopes and lets everything else pass.
func (p *Plugin) Receive(env *wire.Envelope) bool {
	if env.Type != wire.TypePing {
		return false
	}
	message := env.GetString("message", fmt.Sprintf("Ping from %s", p.host.DeviceName()))
	p.host.Logger().Info("Ping received", "message", message)

	if err := beeep.Notify("Nearnet", message, ""); err != nil {
		// No notification daemon around (headless box), the log line above
		// is all the user gets
		p.host.Logger().Debug("Ping notification failed", "err", err)
	}
	return true
}

// Connected is a no-op, pings carry no state to resend.
func (p *Plugin) Connected() {}

// Close is a no-op, the plugin holds no resources.
func (p *Plugin) Close() {}
