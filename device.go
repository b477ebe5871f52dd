// go-nearnet - Nearby device connectivity network
// Copyright (c) 2026 The go-nearnet Authors. All rights reserved.

package nearnet

import (
	"crypto/rsa"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/nearnet/go-nearnet/link"
	"github.com/nearnet/go-nearnet/plugins"
	"github.com/nearnet/go-nearnet/wire"
)

var (
	// ErrAlreadyPaired is returned if a pairing is requested towards a device
	// that is already trusted.
	ErrAlreadyPaired = errors.New("already paired")

	// ErrPairRequested is returned if a pairing is requested towards a device
	// that already has one in flight.
	ErrPairRequested = errors.New("pairing already requested")

	// ErrNotReachable is returned if an operation needs a live link but the
	// device has none.
	ErrNotReachable = errors.New("device not reachable")

	// ErrNotPaired is returned if an unpair is requested towards a device
	// that is not trusted.
	ErrNotPaired = errors.New("not paired")

	// ErrNoPairRequest is returned if a pairing answer is given but no remote
	// request is pending.
	ErrNoPairRequest = errors.New("no pairing request pending")

	// ErrContactFailed is the pairing failure reason when the pair envelope
	// could not be handed to any transport.
	ErrContactFailed = errors.New("error contacting device")

	// ErrPairingTimedOut is the pairing failure reason when the peer never
	// answered the request.
	ErrPairingTimedOut = errors.New("pairing timed out")

	// ErrPairingCanceled is the pairing failure reason when the peer refused
	// or withdrew the request.
	ErrPairingCanceled = errors.New("pairing canceled by peer")

	// ErrPairingRejected is the pairing failure reason when the local user
	// turned a remote request down.
	ErrPairingRejected = errors.New("pairing rejected")
)

// PairStatus is the trust state of a remote device.
type PairStatus int

const (
	// NotPaired means no trust exists in either direction.
	NotPaired PairStatus = iota

	// PairRequested means a locally initiated pairing is waiting for the
	// peer's answer.
	PairRequested

	// Paired means mutual trust is established and the peer's public key is
	// persisted.
	Paired
)

// String implements the stringer interface for log output.
func (s PairStatus) String() string {
	switch s {
	case NotPaired:
		return "not paired"
	case PairRequested:
		return "pair requested"
	case Paired:
		return "paired"
	default:
		return "unknown"
	}
}

// Device is a remote peer this daemon knows about. It aggregates the peer's
// durable identity, its trust state, every live transport link towards it and
// the feature plugins bound to it. A device is reachable while it has at
// least one link and carries plugins only while both paired and reachable.
//
// All fields are guarded by the device mutex. Signals and plugin callbacks
// are always invoked with the mutex released, so handlers may call back into
// the device.
type Device struct {
	backend *Backend
	id      string
	logger  log.Logger

	name       string
	pairStatus PairStatus
	publicKey  *rsa.PublicKey // Peer key; persisted iff Paired, captured early on incoming requests

	links   []link.Link               // Live links, sorted by descending provider priority
	plugins map[string]plugins.Plugin // Bound feature plugins, keyed by plugin name

	pairingTimer *time.Timer // Expiry of an in-flight pairing request, nil otherwise
	destroyed    bool        // Set on backend shutdown, drops late transport events

	lock sync.Mutex
}

// newDevice creates a device in the given initial trust state. Persisted
// devices restore as paired but unreachable; discovered ones start out
// unpaired with their first link attached right after construction.
func newDevice(b *Backend, id, name string, status PairStatus, key *rsa.PublicKey) *Device {
	return &Device{
		backend:    b,
		id:         id,
		name:       name,
		logger:     b.logger.New("device", id),
		pairStatus: status,
		publicKey:  key,
		plugins:    make(map[string]plugins.Plugin),
	}
}

// linkEvents routes the transport callbacks of one device into its state
// machine without exporting handler methods on the device itself.
type linkEvents struct {
	dev *Device
}

func (ev linkEvents) Received(l link.Link, env *wire.Envelope) { ev.dev.receive(env) }
func (ev linkEvents) Closed(l link.Link)                       { ev.dev.RemoveLink(l) }

// ID returns the peer-chosen stable identifier of the device.
func (d *Device) ID() string {
	return d.id
}

// Name returns the current human-readable name of the device.
func (d *Device) Name() string {
	d.lock.Lock()
	defer d.lock.Unlock()

	return d.name
}

// setName updates the peer-supplied display name on rediscovery, refreshing
// the trust record if one is persisted.
func (d *Device) setName(name string) {
	d.lock.Lock()
	if name == "" || name == d.name {
		d.lock.Unlock()
		return
	}
	d.name = name
	paired, key := d.pairStatus == Paired, d.publicKey
	d.lock.Unlock()

	if paired && key != nil {
		if err := d.backend.saveTrusted(d.id, name, key); err != nil {
			d.logger.Error("Failed to refresh trust record", "err", err)
		}
	}
}

// PairStatus returns the current trust state of the device.
func (d *Device) PairStatus() PairStatus {
	d.lock.Lock()
	defer d.lock.Unlock()

	return d.pairStatus
}

// IsPaired reports whether mutual trust is established.
func (d *Device) IsPaired() bool {
	return d.PairStatus() == Paired
}

// IsReachable reports whether at least one live link exists.
func (d *Device) IsReachable() bool {
	d.lock.Lock()
	defer d.lock.Unlock()

	return len(d.links) > 0
}

// AvailableLinks returns the provider names of every live link, best first.
func (d *Device) AvailableLinks() []string {
	d.lock.Lock()
	defer d.lock.Unlock()

	names := make([]string, 0, len(d.links))
	for _, l := range d.links {
		names = append(names, l.Provider().Name())
	}
	return names
}

// LoadedPlugins returns the sorted names of every bound plugin.
func (d *Device) LoadedPlugins() []string {
	d.lock.Lock()
	defer d.lock.Unlock()

	names := make([]string, 0, len(d.plugins))
	for name := range d.plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasPlugin reports whether the named plugin is currently bound.
func (d *Device) HasPlugin(name string) bool {
	d.lock.Lock()
	defer d.lock.Unlock()

	_, ok := d.plugins[name]
	return ok
}

// AddLink inserts a freshly established transport link. The first link makes
// the device reachable and binds its plugins; any further link only notifies
// the already bound plugins so they can resend state that must follow a new
// transport.
func (d *Device) AddLink(l link.Link) {
	d.lock.Lock()
	if d.destroyed {
		d.lock.Unlock()
		l.Close()
		return
	}
	d.logger.Debug("Adding link", "provider", l.Provider().Name(), "total", len(d.links)+1)

	// Keep the links sorted so the best transport is always tried first.
	// Stable sort keeps insertion order across equal priorities.
	d.links = append(d.links, l)
	sort.SliceStable(d.links, func(i, j int) bool {
		return d.links[i].Provider().Priority() > d.links[j].Provider().Priority()
	})
	var emits []func()
	if len(d.links) == 1 {
		emits = d.reloadPluginsLocked()
		emits = append(emits, func() { d.backend.hooks.ReachabilityChanged(d, true) })
	} else {
		live := d.livePluginsLocked()
		emits = append(emits, func() {
			for _, plug := range live {
				plug.Connected()
			}
		})
	}
	d.lock.Unlock()

	for _, emit := range emits {
		emit()
	}
	// Only start consuming the link's events once the device state reflects
	// it, buffered envelopes replay from here
	l.Attach(linkEvents{d})
}

// RemoveLink drops a dead transport link. Removing an unknown link is a
// no-op; removing the last one makes the device unreachable and unloads its
// plugins.
func (d *Device) RemoveLink(l link.Link) {
	d.lock.Lock()
	index := -1
	for i, have := range d.links {
		if have == l {
			index = i
			break
		}
	}
	if index < 0 {
		d.lock.Unlock()
		return
	}
	d.links = append(d.links[:index], d.links[index+1:]...)
	d.logger.Debug("Removed link", "provider", l.Provider().Name(), "remaining", len(d.links))

	var emits []func()
	if len(d.links) == 0 {
		emits = d.reloadPluginsLocked()
		emits = append(emits, func() { d.backend.hooks.ReachabilityChanged(d, false) })
	}
	d.lock.Unlock()

	for _, emit := range emits {
		emit()
	}
}

// Send routes an envelope towards the device: sealed with the peer's key if
// trust is established, then offered to every live link in priority order
// until one accepts it. A true result only means some transport took the
// hand-off.
func (d *Device) Send(env *wire.Envelope) bool {
	kind := env.Type

	d.lock.Lock()
	paired, key := d.pairStatus == Paired, d.publicKey
	links := append([]link.Link(nil), d.links...)
	d.lock.Unlock()

	if paired && key != nil {
		if err := env.Seal(key); err != nil {
			d.logger.Warn("Failed to seal envelope", "type", kind, "err", err)
			return false
		}
	}
	// Unpaired devices legitimately send only identity and pairing envelopes
	// in the clear; nothing enforces that here, callers are trusted
	for _, l := range links {
		if l.Send(env) {
			envelopesSentMeter.WithLabelValues(kind).Inc()
			return true
		}
	}
	envelopesDroppedMeter.Inc()
	return false
}

// sendRawLocked offers an envelope to every live link in priority order
// without sealing it, for the pairing exchange which must stay readable
// before trust exists. The device lock must be held.
func (d *Device) sendRawLocked(env *wire.Envelope) bool {
	for _, l := range d.links {
		if l.Send(env) {
			envelopesSentMeter.WithLabelValues(env.Type).Inc()
			return true
		}
	}
	envelopesDroppedMeter.Inc()
	return false
}

// SendPing pokes the remote device with a ping envelope.
func (d *Device) SendPing() bool {
	ok := d.Send(wire.New(wire.TypePing))
	d.logger.Debug("Ping sent", "ok", ok)
	return ok
}

// RequestPair initiates pairing with the device by sending over the local
// public key. On success the device moves into the pair-requested state and
// a timer bounds how long the peer may take to answer.
func (d *Device) RequestPair() error {
	d.lock.Lock()
	var failure error
	switch {
	case d.pairStatus == Paired:
		failure = ErrAlreadyPaired
	case d.pairStatus == PairRequested:
		failure = ErrPairRequested
	case len(d.links) == 0:
		failure = ErrNotReachable
	}
	if failure != nil {
		d.lock.Unlock()
		d.logger.Debug("Pairing request refused", "err", failure)
		d.backend.hooks.PairingFailed(d, failure)
		return failure
	}
	env := wire.New(wire.TypePair)
	env.Set("pair", true)
	env.Set("publicKey", d.backend.publicKeyBase64())

	if !d.sendRawLocked(env) {
		d.lock.Unlock()
		d.logger.Warn("Pairing request not deliverable")
		pairingMeter.WithLabelValues("contact_error").Inc()
		d.backend.hooks.PairingFailed(d, ErrContactFailed)
		return ErrContactFailed
	}
	d.pairStatus = PairRequested
	d.pairingTimer = time.AfterFunc(d.backend.pairingTimeout, d.pairingExpired)
	d.lock.Unlock()

	d.logger.Info("Pairing requested")
	return nil
}

// AcceptPairing answers a pending remote pairing request affirmatively,
// sending over the local public key and persisting the trust.
func (d *Device) AcceptPairing() error {
	d.lock.Lock()
	if d.pairStatus != NotPaired || d.publicKey == nil {
		d.lock.Unlock()
		return ErrNoPairRequest
	}
	env := wire.New(wire.TypePair)
	env.Set("pair", true)
	env.Set("publicKey", d.backend.publicKeyBase64())

	if !d.sendRawLocked(env) {
		// The user will see no further progress, but nothing to clean up
		// either, the request stays answerable
		d.lock.Unlock()
		d.logger.Warn("Pairing acceptance not deliverable")
		return ErrContactFailed
	}
	if err := d.backend.saveTrusted(d.id, d.name, d.publicKey); err != nil {
		d.lock.Unlock()
		d.logger.Error("Failed to persist trust record", "err", err)
		return err
	}
	d.pairStatus = Paired
	emits := d.reloadPluginsLocked()
	d.lock.Unlock()

	d.logger.Info("Pairing accepted")
	pairingMeter.WithLabelValues("accepted").Inc()
	for _, emit := range emits {
		emit()
	}
	return nil
}

// RejectPairing answers a pending remote pairing request negatively. The
// captured peer key is forgotten and the peer is told best-effort.
func (d *Device) RejectPairing() error {
	d.lock.Lock()
	if d.pairStatus != NotPaired || d.publicKey == nil {
		d.lock.Unlock()
		return ErrNoPairRequest
	}
	d.publicKey = nil

	env := wire.New(wire.TypePair)
	env.Set("pair", false)
	d.sendRawLocked(env)
	d.lock.Unlock()

	d.logger.Info("Pairing rejected")
	pairingMeter.WithLabelValues("rejected").Inc()
	d.backend.hooks.PairingFailed(d, ErrPairingRejected)
	return nil
}

// Unpair revokes an established trust: the persisted record is deleted, the
// peer is told best-effort and the plugins unload.
func (d *Device) Unpair() error {
	d.lock.Lock()
	if d.pairStatus != Paired {
		d.lock.Unlock()
		return ErrNotPaired
	}
	d.pairStatus = NotPaired
	d.stopPairingTimerLocked()
	d.publicKey = nil

	if err := d.backend.dropTrusted(d.id); err != nil {
		d.logger.Error("Failed to delete trust record", "err", err)
	}
	if len(d.links) > 0 {
		env := wire.New(wire.TypePair)
		env.Set("pair", false)
		d.sendRawLocked(env)
	}
	emits := d.reloadPluginsLocked()
	d.lock.Unlock()

	d.logger.Info("Device unpaired")
	pairingMeter.WithLabelValues("unpaired").Inc()
	for _, emit := range emits {
		emit()
	}
	return nil
}

// pairingExpired fires when the peer never answered a pairing request. A
// stale timer racing a state change is a no-op.
func (d *Device) pairingExpired() {
	d.lock.Lock()
	if d.pairStatus != PairRequested {
		d.lock.Unlock()
		return
	}
	d.pairStatus = NotPaired
	d.pairingTimer = nil
	d.lock.Unlock()

	d.logger.Info("Pairing timed out")
	pairingMeter.WithLabelValues("timeout").Inc()
	d.backend.hooks.PairingFailed(d, ErrPairingTimedOut)
}

// stopPairingTimerLocked cancels the pairing expiry, if armed. The device
// lock must be held.
func (d *Device) stopPairingTimerLocked() {
	if d.pairingTimer != nil {
		d.pairingTimer.Stop()
		d.pairingTimer = nil
	}
}

// receive is the entry point for every envelope arriving on any of the
// device's links. Pairing envelopes feed the trust state machine; everything
// else is dropped for unpaired devices, decrypted if sealed and forwarded to
// the bound plugins.
func (d *Device) receive(env *wire.Envelope) {
	envelopesReceivedMeter.WithLabelValues(env.Type).Inc()

	var emits []func()

	d.lock.Lock()
	if d.destroyed {
		d.lock.Unlock()
		return
	}
	switch {
	case env.Type == wire.TypePair:
		emits = d.handlePairLocked(env)

	case d.pairStatus != Paired:
		// Unpaired peers get no feature traffic in either direction
		d.logger.Debug("Dropping envelope from unpaired device", "type", env.Type)

	case !env.Encrypted():
		// The peer may not know yet that we regard it as paired
		d.logger.Warn("Paired device sent unencrypted envelope", "type", env.Type)
		emits = d.deliverLocked(env)

	default:
		inner, err := env.Open(d.backend.privateKey())
		if err != nil {
			// A single decryption failure never revokes trust
			d.logger.Warn("Failed to open sealed envelope", "err", err)
			decryptFailureMeter.Inc()
			break
		}
		emits = d.deliverLocked(inner)
	}
	d.lock.Unlock()

	for _, emit := range emits {
		emit()
	}
}

// deliverLocked schedules an envelope for delivery to every bound plugin.
// The device lock must be held; the plugin callbacks run after it is
// released.
func (d *Device) deliverLocked(env *wire.Envelope) []func() {
	live := d.livePluginsLocked()
	return []func(){func() {
		for _, plug := range live {
			if plug.Receive(env) {
				return
			}
		}
		d.logger.Debug("Envelope unhandled by plugins", "type", env.Type)
	}}
}

// handlePairLocked runs the pairing state machine on an incoming pair
// envelope. The device lock must be held; the returned callbacks run after
// it is released.
func (d *Device) handlePairLocked(env *wire.Envelope) []func() {
	wantsPair := env.GetBool("pair", false)
	d.logger.Debug("Pair envelope received", "pair", wantsPair, "status", d.pairStatus)

	switch d.pairStatus {
	case NotPaired:
		if !wantsPair {
			// Unpair of an unpaired device, nothing to do
			return nil
		}
		// Incoming pairing request: capture the peer's key and ask the user
		key, err := parsePublicKey(env.GetString("publicKey", ""))
		if err != nil {
			d.logger.Warn("Pairing request with unusable key", "err", err)
			return nil
		}
		d.publicKey = key
		d.logger.Info("Pairing requested by peer")
		return []func(){func() { d.backend.hooks.PairingRequested(d) }}

	case PairRequested:
		if !wantsPair {
			// The peer refused or withdrew while we were waiting
			d.pairStatus = NotPaired
			d.stopPairingTimerLocked()
			pairingMeter.WithLabelValues("canceled").Inc()
			return []func(){func() { d.backend.hooks.PairingFailed(d, ErrPairingCanceled) }}
		}
		// The peer answered our request, trust is mutual now
		key, err := parsePublicKey(env.GetString("publicKey", ""))
		if err != nil {
			d.logger.Warn("Pairing answer with unusable key", "err", err)
			return nil
		}
		d.publicKey = key
		d.pairStatus = Paired
		d.stopPairingTimerLocked()

		if err := d.backend.saveTrusted(d.id, d.name, key); err != nil {
			d.logger.Error("Failed to persist trust record", "err", err)
		}
		d.logger.Info("Pairing succeeded")
		pairingMeter.WithLabelValues("succeeded").Inc()

		emits := []func(){func() { d.backend.hooks.PairingSucceeded(d) }}
		return append(emits, d.reloadPluginsLocked()...)

	case Paired:
		if wantsPair {
			// Already trusted, a repeated request is idempotent
			return nil
		}
		// The peer revoked the trust remotely
		d.pairStatus = NotPaired
		d.publicKey = nil
		if err := d.backend.dropTrusted(d.id); err != nil {
			d.logger.Error("Failed to delete trust record", "err", err)
		}
		d.logger.Info("Unpaired by peer")
		pairingMeter.WithLabelValues("remote_unpair").Inc()
		return d.reloadPluginsLocked()
	}
	return nil
}

// reloadPlugins recomputes the bound plugin set from the registry and the
// per-device configuration.
func (d *Device) reloadPlugins() {
	d.lock.Lock()
	emits := d.reloadPluginsLocked()
	d.lock.Unlock()

	for _, emit := range emits {
		emit()
	}
}

// reloadPluginsLocked rebinds the device's plugins to its current trust and
// reachability state: everything unloads unless the device is both paired
// and reachable, otherwise each enabled plugin is kept (preserving instance
// state) or freshly instantiated, and disabled leftovers are destroyed.
//
// The procedure is idempotent; it runs on link changes, pairing transitions
// and configuration updates alike. The device lock must be held; the
// returned callbacks run after it is released.
func (d *Device) reloadPluginsLocked() []func() {
	fresh := make(map[string]plugins.Plugin)

	if d.pairStatus == Paired && len(d.links) > 0 {
		for _, name := range plugins.List() {
			info, _ := plugins.Lookup(name)
			if !d.backend.pluginEnabled(d.id, name, info.EnabledByDefault) {
				continue
			}
			if plug, ok := d.plugins[name]; ok {
				// Already bound, keep the live instance and its state
				fresh[name] = plug
				delete(d.plugins, name)
				continue
			}
			plug, err := plugins.Instantiate(name, d)
			if err != nil {
				d.logger.Error("Failed to instantiate plugin", "plugin", name, "err", err)
				continue
			}
			d.logger.Debug("Loaded plugin", "plugin", name)
			fresh[name] = plug
		}
	}
	var emits []func()

	// Whatever is still in the old map is no longer wanted
	for name, plug := range d.plugins {
		d.logger.Debug("Unloading plugin", "plugin", name)
		emits = append(emits, plug.Close)
	}
	d.plugins = fresh

	live := d.livePluginsLocked()
	names := make([]string, 0, len(fresh))
	for name := range fresh {
		names = append(names, name)
	}
	sort.Strings(names)

	return append(emits, func() {
		for _, plug := range live {
			plug.Connected()
		}
		d.backend.hooks.PluginsChanged(d, names)
	})
}

// livePluginsLocked snapshots the bound plugins in stable name order. The
// device lock must be held.
func (d *Device) livePluginsLocked() []plugins.Plugin {
	names := make([]string, 0, len(d.plugins))
	for name := range d.plugins {
		names = append(names, name)
	}
	sort.Strings(names)

	live := make([]plugins.Plugin, 0, len(names))
	for _, name := range names {
		live = append(live, d.plugins[name])
	}
	return live
}

// destroy tears the device down on backend shutdown: the pairing timer is
// stopped, link subscriptions are dropped and the plugins are destroyed.
func (d *Device) destroy() {
	d.lock.Lock()
	d.destroyed = true
	d.stopPairingTimerLocked()

	links := d.links
	d.links = nil

	plugs := d.livePluginsLocked()
	d.plugins = make(map[string]plugins.Plugin)
	d.lock.Unlock()

	for _, l := range links {
		l.Attach(nil)
	}
	for _, plug := range plugs {
		plug.Close()
	}
}

// DeviceID implements the plugin host contract.
func (d *Device) DeviceID() string {
	return d.ID()
}

// DeviceName implements the plugin host contract.
func (d *Device) DeviceName() string {
	return d.Name()
}

// Logger implements the plugin host contract.
func (d *Device) Logger() log.Logger {
	return d.logger
}
