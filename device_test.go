// go-nearnet - Nearby device connectivity network
// Copyright (c) 2026 The go-nearnet Authors. All rights reserved.

package nearnet

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/nearnet/go-nearnet/wire"
)

// Tests that links are kept sorted by descending provider priority, with
// insertion order deciding between equals, and that the provider names
// surface in that order.
func TestDeviceLinkOrdering(t *testing.T) {
	b := newTestBackend(t, "alpha", nil)

	slow := newMockLink("bluetooth", 25)
	fast := newMockLink("lan", 100)
	mid1 := newMockLink("websocket", 50)
	mid2 := newMockLink("websocket2", 50)

	b.AttachLink("peer", "Peer", slow)
	dev := b.Device("peer")
	dev.AddLink(fast)
	dev.AddLink(mid1)
	dev.AddLink(mid2)

	want := []string{"lan", "websocket", "websocket2", "bluetooth"}
	if have := dev.AvailableLinks(); !reflect.DeepEqual(have, want) {
		t.Fatalf("Link order mismatch: have %v, want %v", have, want)
	}
}

// Tests that a send walks the links in priority order and stops at the first
// transport that takes the envelope.
func TestDeviceSendFailover(t *testing.T) {
	b := newTestBackend(t, "alpha", nil)

	primary := newMockLink("lan", 100)
	fallback := newMockLink("websocket", 50)

	b.AttachLink("peer", "Peer", primary)
	dev := b.Device("peer")
	dev.AddLink(fallback)

	// A healthy primary takes the envelope, the fallback never sees it
	if !dev.Send(wire.New(wire.TypePing)) {
		t.Fatalf("Send over healthy primary failed")
	}
	if primary.sentCount() != 1 || fallback.attemptCount() != 0 {
		t.Fatalf("Envelope routing mismatch: primary %d, fallback attempts %d", primary.sentCount(), fallback.attemptCount())
	}
	// A failing primary is attempted first, then the fallback delivers
	primary.fail = true
	if !dev.Send(wire.New(wire.TypePing)) {
		t.Fatalf("Send with failing primary did not fail over")
	}
	if primary.attemptCount() != 2 || fallback.sentCount() != 1 {
		t.Fatalf("Failover routing mismatch: primary attempts %d, fallback %d", primary.attemptCount(), fallback.sentCount())
	}
	// Everything failing reports an undeliverable envelope
	fallback.fail = true
	if dev.Send(wire.New(wire.TypePing)) {
		t.Fatalf("Send with every link failing reported success")
	}
}

// Tests that a device with no links refuses sends without any state change.
func TestDeviceSendUnreachable(t *testing.T) {
	b := newTestBackend(t, "alpha", nil)

	l := newMockLink("lan", 100)
	b.AttachLink("peer", "Peer", l)
	dev := b.Device("peer")

	l.Close()
	waitFor(t, "device to become unreachable", func() bool { return !dev.IsReachable() })

	if dev.Send(wire.New(wire.TypePing)) {
		t.Fatalf("Send on unreachable device reported success")
	}
	if dev.PairStatus() != NotPaired {
		t.Fatalf("Send mutated pairing state: %v", dev.PairStatus())
	}
}

// Tests that the first link makes a device reachable and the last link's
// death makes it unreachable with an empty plugin map, even when the link
// dies immediately after attachment.
func TestDeviceReachabilityLifecycle(t *testing.T) {
	b := newTestBackend(t, "alpha", nil)

	l := newMockLink("lan", 100)
	b.AttachLink("peer", "Peer", l)
	dev := b.Device("peer")

	if !dev.IsReachable() {
		t.Fatalf("Device with a live link not reachable")
	}
	l.Close()
	waitFor(t, "device to become unreachable", func() bool { return !dev.IsReachable() })
	if plugins := dev.LoadedPlugins(); len(plugins) != 0 {
		t.Fatalf("Unreachable device still has plugins: %v", plugins)
	}
	b.hooks.lock.Lock()
	reachable := append([]bool(nil), b.hooks.reachable...)
	b.hooks.lock.Unlock()
	if !reflect.DeepEqual(reachable, []bool{true, false}) {
		t.Fatalf("Reachability signal mismatch: have %v, want [true false]", reachable)
	}
}

// Tests the full happy pairing flow between two live backends: request,
// user acceptance, key persistence, plugin load and the success signal.
func TestPairingHappyPath(t *testing.T) {
	a := newTestBackend(t, "alpha", nil)
	b := newTestBackend(t, "beta", nil)

	devA, devB := connectBackends(t, a, b)
	pairBackends(t, a, b, devA, devB)

	if a.hooks.successes() != 1 {
		t.Fatalf("Pairing success signal count mismatch: have %d, want 1", a.hooks.successes())
	}
	// Both sides must have persisted the other's key
	for side, pair := range map[string]struct {
		backend *testBackend
		dev     *Device
	}{"initiator": {a, devA}, "acceptor": {b, devB}} {
		record, err := pair.backend.trusted(pair.dev.ID())
		if err != nil {
			t.Fatalf("%s: missing trust record: %v", side, err)
		}
		if record.PublicKey == "" {
			t.Fatalf("%s: trust record has no key", side)
		}
		waitFor(t, "plugins to bind", func() bool { return pair.dev.HasPlugin("counter") })
		if pair.dev.HasPlugin("optin") {
			t.Fatalf("%s: opt-in plugin loaded by default", side)
		}
	}
}

// Tests that envelopes between paired devices travel sealed and open up
// correctly on the other side, end to end across two backends.
func TestPairedTrafficEncrypted(t *testing.T) {
	a := newTestBackend(t, "alpha", nil)
	b := newTestBackend(t, "beta", nil)

	devA, devB := connectBackends(t, a, b)
	pairBackends(t, a, b, devA, devB)
	waitFor(t, "plugins to bind", func() bool { return devB.HasPlugin("counter") })

	if !devA.SendPing() {
		t.Fatalf("Failed to send ping")
	}
	plug := pluginInstance(t, devB, "counter")
	waitFor(t, "ping to arrive", func() bool { return len(plug.receivedTypes()) > 0 })

	if kinds := plug.receivedTypes(); kinds[0] != wire.TypePing {
		t.Fatalf("Delivered envelope type mismatch: have %s, want %s", kinds[0], wire.TypePing)
	}
}

// Tests that an unanswered pairing request times out: the state resets, the
// failure signal carries the timeout reason and nothing is persisted.
func TestPairingTimeout(t *testing.T) {
	b := newTestBackend(t, "alpha", nil)

	l := newMockLink("lan", 100)
	b.AttachLink("peer", "Peer", l)
	dev := b.Device("peer")

	if err := dev.RequestPair(); err != nil {
		t.Fatalf("Failed to request pairing: %v", err)
	}
	if dev.PairStatus() != PairRequested {
		t.Fatalf("Pairing state mismatch: have %v, want %v", dev.PairStatus(), PairRequested)
	}
	waitFor(t, "pairing to time out", func() bool { return dev.PairStatus() == NotPaired })

	failures := b.hooks.failures()
	if len(failures) != 1 || !errors.Is(failures[0], ErrPairingTimedOut) {
		t.Fatalf("Failure signal mismatch: have %v, want [%v]", failures, ErrPairingTimedOut)
	}
	if _, err := b.trusted(dev.ID()); err == nil {
		t.Fatalf("Timed out pairing left a trust record behind")
	}
}

// Tests that a second pairing request while one is in flight is refused
// without sending another pair envelope or restarting the timer.
func TestPairingDuplicateRequest(t *testing.T) {
	b := newTestBackend(t, "alpha", nil)

	l := newMockLink("lan", 100)
	b.AttachLink("peer", "Peer", l)
	dev := b.Device("peer")

	if err := dev.RequestPair(); err != nil {
		t.Fatalf("Failed to request pairing: %v", err)
	}
	if err := dev.RequestPair(); err != ErrPairRequested {
		t.Fatalf("Duplicate request error mismatch: have %v, want %v", err, ErrPairRequested)
	}
	// Exactly one pair envelope went out for the two calls
	if l.sentCount() != 1 {
		t.Fatalf("Pair envelope count mismatch: have %d, want 1", l.sentCount())
	}
	// The single timer from the first request still fires exactly once
	waitFor(t, "pairing to time out", func() bool { return dev.PairStatus() == NotPaired })
	time.Sleep(2 * testPairingTimeout)
	failures := b.hooks.failures()

	timeouts := 0
	for _, err := range failures {
		if errors.Is(err, ErrPairingTimedOut) {
			timeouts++
		}
	}
	if timeouts != 1 {
		t.Fatalf("Timeout signal count mismatch: have %d, want 1", timeouts)
	}
}

// Tests that a pairing request cannot be sent without a live link and that a
// refusing transport surfaces the contact failure without a state change.
func TestPairingRequestRefusals(t *testing.T) {
	b := newTestBackend(t, "alpha", nil)

	l := newMockLink("lan", 100)
	b.AttachLink("peer", "Peer", l)
	dev := b.Device("peer")

	l.fail = true
	if err := dev.RequestPair(); err != ErrContactFailed {
		t.Fatalf("Contact failure error mismatch: have %v, want %v", err, ErrContactFailed)
	}
	if dev.PairStatus() != NotPaired {
		t.Fatalf("Contact failure changed state: %v", dev.PairStatus())
	}
	l.Close()
	waitFor(t, "device to become unreachable", func() bool { return !dev.IsReachable() })
	if err := dev.RequestPair(); err != ErrNotReachable {
		t.Fatalf("Unreachable error mismatch: have %v, want %v", err, ErrNotReachable)
	}
}

// Tests that the peer canceling an in-flight pairing resets the state, stops
// the timer and surfaces the cancellation reason. (The peer's rejection
// arrives as a pair envelope withdrawing the request.)
func TestPairingCanceledByPeer(t *testing.T) {
	b := newTestBackend(t, "alpha", nil)

	l := newMockLink("lan", 100)
	b.AttachLink("peer", "Peer", l)
	dev := b.Device("peer")

	if err := dev.RequestPair(); err != nil {
		t.Fatalf("Failed to request pairing: %v", err)
	}
	cancel := wire.New(wire.TypePair)
	cancel.Set("pair", false)
	l.deliver(cancel)

	waitFor(t, "pairing to cancel", func() bool { return dev.PairStatus() == NotPaired })
	failures := b.hooks.failures()
	if len(failures) != 1 || !errors.Is(failures[0], ErrPairingCanceled) {
		t.Fatalf("Failure signal mismatch: have %v, want [%v]", failures, ErrPairingCanceled)
	}
	// The stopped timer must not add a timeout failure later
	time.Sleep(2 * testPairingTimeout)
	if have := len(b.hooks.failures()); have != 1 {
		t.Fatalf("Stale timer fired: %d failure signals", have)
	}
}

// Tests the cross-cancel flow end to end: the acceptor's user rejects, the
// initiator sees the cancellation.
func TestPairingRejectedByPeer(t *testing.T) {
	a := newTestBackend(t, "alpha", nil)
	b := newTestBackend(t, "beta", nil)

	devA, devB := connectBackends(t, a, b)

	if err := devA.RequestPair(); err != nil {
		t.Fatalf("Failed to request pairing: %v", err)
	}
	waitFor(t, "pair request to surface", func() bool { return b.hooks.requests() > 0 })
	if err := devB.RejectPairing(); err != nil {
		t.Fatalf("Failed to reject pairing: %v", err)
	}
	waitFor(t, "initiator to see the cancellation", func() bool {
		for _, err := range a.hooks.failures() {
			if errors.Is(err, ErrPairingCanceled) {
				return true
			}
		}
		return false
	})
	if devA.PairStatus() != NotPaired || devB.PairStatus() != NotPaired {
		t.Fatalf("Rejection left pairing state: %v / %v", devA.PairStatus(), devB.PairStatus())
	}
}

// Tests that a remote unpair of an established trust deletes the persisted
// record, unloads the plugins and leaves the device unpaired.
func TestRemoteUnpair(t *testing.T) {
	a := newTestBackend(t, "alpha", nil)
	b := newTestBackend(t, "beta", nil)

	devA, devB := connectBackends(t, a, b)
	pairBackends(t, a, b, devA, devB)

	if err := devB.Unpair(); err != nil {
		t.Fatalf("Failed to unpair: %v", err)
	}
	waitFor(t, "initiator to drop the trust", func() bool { return !devA.IsPaired() })

	if _, err := a.trusted(devA.ID()); err == nil {
		t.Fatalf("Remote unpair left a trust record behind")
	}
	waitFor(t, "plugins to unload", func() bool { return len(devA.LoadedPlugins()) == 0 })
	if loaded := a.hooks.lastPlugins(); len(loaded) != 0 {
		t.Fatalf("Final plugin signal not empty: %v", loaded)
	}
}

// Tests that an unencrypted envelope from a paired peer is still forwarded
// to the plugins (with only a warning) and leaves the state untouched.
func TestUnencryptedFromPairedPeer(t *testing.T) {
	a := newTestBackend(t, "alpha", nil)
	b := newTestBackend(t, "beta", nil)

	devA, devB := connectBackends(t, a, b)
	pairBackends(t, a, b, devA, devB)
	waitFor(t, "plugins to bind", func() bool { return devA.HasPlugin("counter") })

	// Bypass the device send path and push a plaintext ping straight into
	// A's transport, as a peer with stale trust state would
	extra := newMockLink("rogue", 10)
	devA.AddLink(extra)
	extra.deliver(wire.New(wire.TypePing))

	plug := pluginInstance(t, devA, "counter")
	waitFor(t, "plaintext ping to arrive", func() bool { return len(plug.receivedTypes()) > 0 })

	if !devA.IsPaired() {
		t.Fatalf("Plaintext envelope changed pairing state")
	}
}

// Tests that a sealed envelope the local key cannot open is dropped without
// revoking the trust.
func TestUndecryptableEnvelopeDropped(t *testing.T) {
	a := newTestBackend(t, "alpha", nil)
	b := newTestBackend(t, "beta", nil)

	devA, devB := connectBackends(t, a, b)
	pairBackends(t, a, b, devA, devB)
	waitFor(t, "plugins to bind", func() bool { return devA.HasPlugin("counter") })

	// Seal a ping against the wrong key (the peer's own) and inject it
	rogue := wire.New(wire.TypePing)
	if err := rogue.Seal(b.Identity().PublicKey); err != nil {
		t.Fatalf("Failed to seal rogue envelope: %v", err)
	}
	extra := newMockLink("rogue", 10)
	devA.AddLink(extra)
	extra.deliver(rogue)

	time.Sleep(50 * time.Millisecond)
	plug := pluginInstance(t, devA, "counter")
	if kinds := plug.receivedTypes(); len(kinds) != 0 {
		t.Fatalf("Undecryptable envelope reached plugins: %v", kinds)
	}
	if !devA.IsPaired() {
		t.Fatalf("Decryption failure revoked the trust")
	}
}

// Tests that a pair envelope agreeing with the current state is a no-op: an
// unpair of an unpaired device changes nothing and emits no signal.
func TestPairEnvelopeIdempotence(t *testing.T) {
	b := newTestBackend(t, "alpha", nil)

	l := newMockLink("lan", 100)
	b.AttachLink("peer", "Peer", l)
	dev := b.Device("peer")

	// Unpair of an unpaired device changes nothing
	unpair := wire.New(wire.TypePair)
	unpair.Set("pair", false)
	l.deliver(unpair)

	time.Sleep(20 * time.Millisecond)
	if dev.PairStatus() != NotPaired || b.hooks.requests() != 0 {
		t.Fatalf("Redundant unpair had an effect")
	}
	if failures := b.hooks.failures(); len(failures) != 0 {
		t.Fatalf("Redundant unpair emitted failures: %v", failures)
	}
}

// Tests that envelopes from an unpaired peer never reach plugin level and
// that plugins stay unbound before trust is established.
func TestUnpairedTrafficDropped(t *testing.T) {
	b := newTestBackend(t, "alpha", nil)

	l := newMockLink("lan", 100)
	b.AttachLink("peer", "Peer", l)
	dev := b.Device("peer")

	l.deliver(wire.New(wire.TypePing))
	time.Sleep(20 * time.Millisecond)

	if loaded := dev.LoadedPlugins(); len(loaded) != 0 {
		t.Fatalf("Unpaired device has plugins: %v", loaded)
	}
}

// Tests that answering pairing without a pending request is refused.
func TestPairingAnswerWithoutRequest(t *testing.T) {
	b := newTestBackend(t, "alpha", nil)

	l := newMockLink("lan", 100)
	b.AttachLink("peer", "Peer", l)
	dev := b.Device("peer")

	if err := dev.AcceptPairing(); err != ErrNoPairRequest {
		t.Fatalf("Acceptance error mismatch: have %v, want %v", err, ErrNoPairRequest)
	}
	if err := dev.RejectPairing(); err != ErrNoPairRequest {
		t.Fatalf("Rejection error mismatch: have %v, want %v", err, ErrNoPairRequest)
	}
}

// Tests that the plugin binding survives reloads with instance state intact,
// that configuration overrides bind and unbind plugins, and that the
// invariant plugins ⇒ paired ∧ reachable holds throughout.
func TestPluginReloadLifecycle(t *testing.T) {
	a := newTestBackend(t, "alpha", nil)
	b := newTestBackend(t, "beta", nil)

	devA, devB := connectBackends(t, a, b)
	pairBackends(t, a, b, devA, devB)
	waitFor(t, "plugins to bind", func() bool { return devA.HasPlugin("counter") })

	before := pluginInstance(t, devA, "counter")

	// Enabling another plugin reloads the set but keeps the live instance
	if err := a.SetPluginEnabled(devA.ID(), "optin", true); err != nil {
		t.Fatalf("Failed to enable plugin: %v", err)
	}
	waitFor(t, "opt-in plugin to bind", func() bool { return devA.HasPlugin("optin") })
	if pluginInstance(t, devA, "counter") != before {
		t.Fatalf("Reload replaced a live plugin instance")
	}
	// Disabling a plugin destroys exactly that instance
	if err := a.SetPluginEnabled(devA.ID(), "counter", false); err != nil {
		t.Fatalf("Failed to disable plugin: %v", err)
	}
	waitFor(t, "plugin to unbind", func() bool { return !devA.HasPlugin("counter") })

	before.lock.Lock()
	closed := before.closed
	before.lock.Unlock()
	if !closed {
		t.Fatalf("Unbound plugin instance not destroyed")
	}
	if !devA.HasPlugin("optin") {
		t.Fatalf("Unrelated plugin lost in reload")
	}
}

// Tests that every plugin signal respects the core invariant: a non-empty
// plugin set implies paired and reachable.
func TestPluginInvariant(t *testing.T) {
	a := newTestBackend(t, "alpha", nil)
	b := newTestBackend(t, "beta", nil)

	devA, devB := connectBackends(t, a, b)
	pairBackends(t, a, b, devA, devB)
	waitFor(t, "plugins to bind", func() bool { return devA.HasPlugin("counter") })

	check := func(dev *Device) {
		if len(dev.LoadedPlugins()) > 0 && (!dev.IsPaired() || !dev.IsReachable()) {
			t.Fatalf("Invariant violated: plugins without paired+reachable")
		}
	}
	check(devA)
	check(devB)

	// Unpair and recheck on both sides
	if err := devA.Unpair(); err != nil {
		t.Fatalf("Failed to unpair: %v", err)
	}
	waitFor(t, "plugins to unload", func() bool { return len(devA.LoadedPlugins()) == 0 })
	waitFor(t, "peer to notice", func() bool { return len(devB.LoadedPlugins()) == 0 })
	check(devA)
	check(devB)
}

// Tests that adding a second link to a device with bound plugins notifies
// them through Connected instead of reloading.
func TestSecondLinkNotifiesPlugins(t *testing.T) {
	a := newTestBackend(t, "alpha", nil)
	b := newTestBackend(t, "beta", nil)

	devA, devB := connectBackends(t, a, b)
	pairBackends(t, a, b, devA, devB)
	waitFor(t, "plugins to bind", func() bool { return devA.HasPlugin("counter") })

	plug := pluginInstance(t, devA, "counter")
	plug.lock.Lock()
	connects := plug.connects
	plug.lock.Unlock()

	devA.AddLink(newMockLink("websocket", 50))

	waitFor(t, "plugins to be renotified", func() bool {
		plug.lock.Lock()
		defer plug.lock.Unlock()
		return plug.connects == connects+1
	})
	if pluginInstance(t, devA, "counter") != plug {
		t.Fatalf("Second link reloaded the plugin set")
	}
}
