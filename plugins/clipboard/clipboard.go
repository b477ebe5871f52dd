// go-nearnet - Nearby device connectivity network
// Copyright (c) 2026 The go-nearnet Authors. All rights reserved.

// Package clipboard implements the clipboard share plugin: local clipboard
// changes are pushed to the paired device and incoming envelopes replace the
// local clipboard content.
//
// There is no portable clipboard change notification, so the plugin polls.
// The interval is a compromise between sync latency and waking the CPU.
package clipboard

import (
	"sync"
	"time"

	"github.com/atotto/clipboard"
	"github.com/nearnet/go-nearnet/plugins"
	"github.com/nearnet/go-nearnet/wire"
)

// pollInterval is how often the local clipboard is checked for changes.
const pollInterval = time.Second

func init() {
	plugins.Register(plugins.Info{
		Name:             "clipboard",
		EnabledByDefault: true,
		Description:      "Share clipboard content with the remote device",
		New:              New,
	})
}

// Plugin synchronizes the system clipboard with one remote device.
type Plugin struct {
	host plugins.Host

	last string        // Last content observed or applied, to suppress echoes
	quit chan struct{} // Teardown channel for the poller, nil until started

	lock sync.Mutex
}

// New binds a clipboard plugin instance to a device.
func New(host plugins.Host) plugins.Plugin {
	return &Plugin{host: host}
}

// Receive applies incoming clipboard envelopes to the system clipboard.
func (p *Plugin) Receive(env *wire.Envelope) bool {
	if env.Type != wire.TypeClipboard {
		return false
	}
	content := env.GetString("content", "")

	p.lock.Lock()
	p.last = content
	p.lock.Unlock()

	if clipboard.Unsupported {
		p.host.Logger().Debug("Clipboard unavailable, content dropped")
		return true
	}
	if err := clipboard.WriteAll(content); err != nil {
		p.host.Logger().Warn("Failed to set clipboard", "err", err)
	}
	return true
}

// Connected starts the local clipboard poller on the first link-up. Repeated
// connects (new links, plugin reloads reusing the instance) are no-ops.
func (p *Plugin) Connected() {
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.quit != nil || clipboard.Unsupported {
		return
	}
	p.quit = make(chan struct{})
	go p.poll(p.quit)
}

// Close stops the poller.
func (p *Plugin) Close() {
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.quit != nil {
		close(p.quit)
		p.quit = nil
	}
}

// poll watches the local clipboard and pushes changes to the remote device.
func (p *Plugin) poll(quit chan struct{}) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-quit:
			return
		case <-ticker.C:
		}
		content, err := clipboard.ReadAll()
		if err != nil {
			// Transient, the clipboard may be empty or held by another app
			continue
		}
		p.lock.Lock()
		changed := content != "" && content != p.last
		if changed {
			p.last = content
		}
		p.lock.Unlock()

		if changed {
			env := wire.New(wire.TypeClipboard)
			env.Set("content", content)
			if !p.host.Send(env) {
				p.host.Logger().Debug("Clipboard push failed, no usable link")
			}
		}
	}
}
