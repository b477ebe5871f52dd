// go-nearnet - Nearby device connectivity network
// Copyright (c) 2026 The go-nearnet Authors. All rights reserved.

// Package link defines the contracts between the device core and the
// individual transport implementations. A provider discovers peers and
// produces links; a link is one live session to one peer over which whole
// envelopes travel. The device core consumes links without knowing what is
// underneath them.
package link

import (
	"github.com/nearnet/go-nearnet/wire"
)

// Link is one live transport session bound to a single remote device. The
// provider owns the link; the device core only holds a reference which it
// drops when the Closed event fires.
type Link interface {
	// Provider returns the provider that produced this link.
	Provider() Provider

	// Send hands an envelope to the transport's outbound queue, reporting
	// whether the hand-off succeeded. A true result means the OS accepted the
	// bytes, not that the peer received them.
	Send(env *wire.Envelope) bool

	// Attach registers the handler receiving this link's events. Envelopes
	// that arrived before attachment are replayed in order, and if the link
	// already died, Closed fires immediately.
	Attach(handler Handler)

	// Close tears the session down, firing Closed on the attached handler
	// exactly once.
	Close()
}

// Handler receives the event stream of one link.
type Handler interface {
	// Received is called for every envelope arriving on the link, in arrival
	// order. Envelopes on different links have no mutual ordering.
	Received(l Link, env *wire.Envelope)

	// Closed is called exactly once when the link is torn down. No Received
	// call follows it.
	Closed(l Link)
}

// Provider is a transport-layer factory producing links of one kind, ranked
// against other providers by a static priority.
type Provider interface {
	// Name returns the short human-readable transport name.
	Name() string

	// Priority ranks this provider's links against other providers'. Higher
	// is better; the device always sends through the highest-priority live
	// link first.
	Priority() int

	// Start begins discovery and link production, reporting new links to the
	// host.
	Start(host Host) error

	// Stop tears down discovery and every produced link.
	Stop()
}

// Host is the daemon-side sink providers hand their links to.
type Host interface {
	// AttachLink routes a freshly established link to the device it belongs
	// to, creating the device if this is the first contact.
	AttachLink(deviceID, deviceName string, l Link)

	// SelfIdentity returns the identity envelope providers announce the local
	// device with.
	SelfIdentity() *wire.Envelope
}
